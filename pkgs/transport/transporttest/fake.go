// Package transporttest provides a scripted Transport for protocol tests.
package transporttest

import (
	"strings"

	"github.com/emx-mail/msgserver/pkgs/mailerr"
	"github.com/emx-mail/msgserver/pkgs/transport"
)

// Fake is a synchronous transport. Tests drive the session by calling
// Connect, Feed and Fail; everything the session writes is recorded.
type Fake struct {
	Handler transport.Handler

	Opens      int
	Host       string
	Port       int
	Encryption transport.Encryption
	Upgrades   int
	Closes     int

	// OpenErr, when set, is returned by the next Open.
	OpenErr error

	writes    []string
	inUse     bool
	connected bool
	encrypted bool
}

// Factory returns a transport.Factory handing out f.
func (f *Fake) Factory() transport.Factory {
	return func(h transport.Handler) transport.Transport {
		f.Handler = h
		return f
	}
}

func (f *Fake) Open(host string, port int, enc transport.Encryption) error {
	if f.inUse {
		return mailerr.New(mailerr.ConnectionInUse, "transport already in use")
	}
	if f.OpenErr != nil {
		err := f.OpenErr
		f.OpenErr = nil
		return err
	}
	f.Opens++
	f.Host, f.Port, f.Encryption = host, port, enc
	f.inUse = true
	f.encrypted = enc == transport.EncryptSSL
	return nil
}

func (f *Fake) Close() {
	if f.inUse {
		f.Closes++
	}
	f.inUse = false
	f.connected = false
	f.encrypted = false
}

func (f *Fake) Connected() bool { return f.connected }
func (f *Fake) InUse() bool     { return f.inUse }
func (f *Fake) Encrypted() bool { return f.encrypted }

func (f *Fake) Write(p []byte) error {
	if !f.connected {
		return mailerr.New(mailerr.ConnectionNotReady, "transport not connected")
	}
	f.writes = append(f.writes, string(p))
	return nil
}

func (f *Fake) SwitchToEncrypted() error {
	if !f.connected {
		return mailerr.New(mailerr.ConnectionNotReady, "transport not connected")
	}
	f.Upgrades++
	return nil
}

// Connect completes a pending Open.
func (f *Fake) Connect() {
	f.connected = true
	f.Handler.OnConnected()
}

// Encrypt completes a pending SwitchToEncrypted.
func (f *Fake) Encrypt() {
	f.encrypted = true
	f.Handler.OnEncrypted()
}

// Feed delivers each line to the session, adding CRLF when missing.
func (f *Fake) Feed(lines ...string) {
	for _, l := range lines {
		if !f.inUse {
			return
		}
		if !strings.HasSuffix(l, "\n") {
			l += "\r\n"
		}
		f.Handler.OnLine([]byte(l))
	}
}

// FeedRaw splits data on LF and delivers every line with its terminator.
func (f *Fake) FeedRaw(data string) {
	for data != "" && f.inUse {
		i := strings.IndexByte(data, '\n')
		if i < 0 {
			f.Handler.OnLine([]byte(data))
			return
		}
		f.Handler.OnLine([]byte(data[:i+1]))
		data = data[i+1:]
	}
}

// Written acknowledges n bytes.
func (f *Fake) Written(n int) { f.Handler.OnWritten(n) }

// Fail tears the connection down and reports err.
func (f *Fake) Fail(err error) {
	f.Close()
	f.Handler.OnError(mailerr.Classify(err))
}

// Writes returns everything written so far, one entry per Write call.
func (f *Fake) Writes() []string {
	return append([]string(nil), f.writes...)
}

// Last returns the most recent write with its line terminator trimmed.
func (f *Fake) Last() string {
	if len(f.writes) == 0 {
		return ""
	}
	return strings.TrimRight(f.writes[len(f.writes)-1], "\r\n")
}

// Reset forgets recorded writes.
func (f *Fake) Reset() { f.writes = nil }
