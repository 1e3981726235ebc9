package mailerr

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// Entry maps one code to its caller-facing text. An empty Text marks a code
// the table recognises but adds nothing to.
type Entry struct {
	Code Code
	Text string
}

// Table is an ordered list of entries; the first match wins.
type Table []Entry

// Lookup returns the entry for code.
func (t Table) Lookup(code Code) (Entry, bool) {
	for _, e := range t {
		if e.Code == code {
			return e, true
		}
	}
	return Entry{}, false
}

// SocketTable describes transport failures.
var SocketTable = Table{
	{ConnectionRefused, "Connection refused"},
	{RemoteHostClosed, "Remote host closed the connection"},
	{HostNotFound, "Host not found"},
	{SocketAccess, "Permission denied"},
	{SocketResource, "Insufficient resources"},
	{SocketTimeout, "Operation timed out"},
	{DatagramTooLarge, "Datagram too large"},
	{Network, "Network error"},
	{AddressInUse, "Address in use"},
	{AddressNotAvailable, "Address not available"},
	{UnsupportedOperation, "Unsupported operation"},
	{UnknownSocket, "Unknown error"},
	{TLSFailure, "Secure connection failed"},
}

// MailTable describes mail failures.
var MailTable = Table{
	{UnknownResponse, ""},
	{LoginFailed, "Login failed. Check user name and password"},
	{Cancelled, "Operation cancelled."},
	{StorageFull, "Mail check failed."},
	{NonexistentMessage, "Message deleted from server."},
	{EnqueueFailed, "Unable to queue message for transmission."},
	{NoConnection, "Cannot determine the connection to transmit message on."},
	{ConnectionInUse, "Outgoing connection already in use by another operation."},
	{ConnectionNotReady, "Outgoing connection is not ready to transmit message."},
	{InvalidAddress, "Message recipient addresses are not correctly formatted."},
	{Configuration, "Unable to use account due to invalid configuration."},
}

// Tables selects the lookup order used for a client kind.
type Tables []Table

var (
	// MailTables is used for retrieval clients: mail codes, then socket codes.
	MailTables = Tables{MailTable, SocketTable}
	// SocketTables is used for SMTP.
	SocketTables = Tables{SocketTable}
	// GenericTables is used for SMS, MMS and the other gateway clients.
	GenericTables = Tables{MailTable}
)

// appendText adds the table text for code to msg. It reports whether any
// table recognised the code.
func (ts Tables) appendText(msg string, code Code) (string, bool) {
	for _, t := range ts {
		e, ok := t.Lookup(code)
		if !ok {
			continue
		}
		if e.Text != "" {
			if msg == "" {
				msg = e.Text
			} else {
				msg += "\n[" + e.Text + "]"
			}
		}
		return msg, true
	}
	return msg, false
}

// Report holds the context used to render a failure for callers.
type Report struct {
	// Server is the host of the account, used for UnknownResponse.
	Server string
	// StorageReason is appended to StorageFull reports.
	StorageReason string
}

// Describe renders the caller-facing text for code. Codes unknown to every
// table and not handled specially end with a numeric fallback so that no
// failure is reported without identification.
func (ts Tables) Describe(code Code, text string, r Report) string {
	msg, handledByTable := ts.appendText(text, code)

	handled := true
	switch code {
	case StorageFull:
		if r.StorageReason != "" {
			msg += " " + r.StorageReason
		}
	case EnqueueFailed:
		msg += "\nUnable to send; message kept in the outbox"
	case UnknownResponse:
		server := ""
		if r.Server != "" {
			server = " " + r.Server
		}
		msg = fmt.Sprintf("Unexpected response from server%s:\n", server) + msg
	default:
		handled = false
	}

	if !handledByTable && !handled {
		if msg != "" {
			msg += "\n"
		}
		msg += fmt.Sprintf("<Error %d>", int(code))
	}
	return msg
}

// Classify maps a transport-level error onto the socket codes.
func Classify(err error) *Error {
	code := UnknownSocket

	var dnsErr *net.DNSError
	var netErr net.Error
	var recordErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		code = ConnectionRefused
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		code = RemoteHostClosed
	case errors.As(err, &dnsErr):
		code = HostNotFound
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES):
		code = SocketAccess
	case errors.Is(err, syscall.EADDRINUSE):
		code = AddressInUse
	case errors.Is(err, syscall.EADDRNOTAVAIL):
		code = AddressNotAvailable
	case errors.As(err, &recordErr), errors.As(err, &certErr),
		errors.As(err, &unknownAuth), errors.As(err, &hostErr),
		strings.Contains(err.Error(), "tls:"):
		code = TLSFailure
	case errors.As(err, &netErr) && netErr.Timeout():
		code = SocketTimeout
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		code = Network
	case errors.As(err, &netErr):
		code = Network
	}
	return &Error{Code: code, Err: err}
}
