// Package transport provides the byte-stream connection protocol sessions
// talk over: a TCP socket with optional implicit TLS or an in-band upgrade.
// Reads and writes happen on helper goroutines; every callback is delivered
// on the event loop.
package transport

import (
	"fmt"
	"strings"
)

// Encryption selects how a connection is secured.
type Encryption int

const (
	// EncryptNone keeps the connection in plaintext.
	EncryptNone Encryption = iota
	// EncryptSSL negotiates TLS before the protocol greeting.
	EncryptSSL
	// EncryptTLS starts in plaintext and upgrades with STARTTLS/STLS.
	EncryptTLS
)

func (e Encryption) String() string {
	switch e {
	case EncryptSSL:
		return "ssl"
	case EncryptTLS:
		return "tls"
	}
	return "none"
}

// ParseEncryption accepts the names produced by String.
func ParseEncryption(s string) (Encryption, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "plain":
		return EncryptNone, nil
	case "ssl", "implicit":
		return EncryptSSL, nil
	case "tls", "starttls":
		return EncryptTLS, nil
	}
	return EncryptNone, fmt.Errorf("unknown encryption mode %q", s)
}

// Handler receives connection events. All methods run on the loop.
type Handler interface {
	// OnConnected is called once the socket (and implicit TLS) is up.
	OnConnected()
	// OnEncrypted is called after SwitchToEncrypted completed the handshake.
	OnEncrypted()
	// OnLine delivers one received line including its terminator.
	OnLine(line []byte)
	// OnWritten reports bytes flushed to the peer.
	OnWritten(n int)
	// OnError reports a failure; the connection is already torn down.
	OnError(err error)
}

// Transport is one connection owned by one protocol session.
type Transport interface {
	Open(host string, port int, enc Encryption) error
	Close()
	Connected() bool
	InUse() bool
	Encrypted() bool
	Write(p []byte) error
	// SwitchToEncrypted upgrades the connection to TLS. It must be called
	// while handling the line that acknowledged the upgrade command.
	SwitchToEncrypted() error
}

// Factory creates a transport delivering events to h.
type Factory func(h Handler) Transport
