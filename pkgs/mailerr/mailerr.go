// Package mailerr defines the protocol-neutral error taxonomy shared by every
// account client, and the ordered lookup tables that turn a code into the text
// reported to callers.
package mailerr

import (
	"errors"
	"fmt"
)

// Code identifies a failure independently of the protocol that produced it.
type Code int

// Transport failures. Values mirror the order of the socket error table.
const (
	ConnectionRefused Code = iota + 1
	RemoteHostClosed
	HostNotFound
	SocketAccess
	SocketResource
	SocketTimeout
	DatagramTooLarge
	Network
	AddressInUse
	AddressNotAvailable
	UnsupportedOperation
	UnknownSocket
	TLSFailure
)

// Mail failures.
const (
	UnknownResponse Code = 1024 + iota
	LoginFailed
	Cancelled
	StorageFull
	NonexistentMessage
	EnqueueFailed
	NoConnection
	ConnectionInUse
	ConnectionNotReady
	Configuration
	InvalidAddress
)

// Error is a failure carrying a taxonomy code and the server or transport
// text that accompanied it.
type Error struct {
	Code Code
	Text string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Text != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Text, e.Err)
	case e.Text != "":
		return e.Text
	case e.Err != nil:
		return e.Err.Error()
	}
	return fmt.Sprintf("error %d", int(e.Code))
}

func (e *Error) Unwrap() error { return e.Err }

// Message returns the server or transport text without the code.
func (e *Error) Message() string {
	if e.Text != "" {
		return e.Text
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// New returns an Error with the given code and text.
func New(code Code, text string) *Error {
	return &Error{Code: code, Text: text}
}

// Newf formats the text of a new Error.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Text: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the taxonomy code from err. Errors without one are
// treated as UnknownResponse.
func CodeOf(err error) Code {
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	return UnknownResponse
}

// As converts err into an *Error, classifying transport errors when err does
// not already carry a code.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return me
	}
	return Classify(err)
}
