// Package smtp implements the SMTP account client: a reply-parsing line
// protocol and the pass that submits the outbox in order.
package smtp

import (
	"bytes"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/emx-mail/msgserver/pkgs/transport"
)

// Reply is one complete, possibly multi-line, server reply.
type Reply struct {
	Code  int
	Lines []string
}

// Positive reports a 2xx or 3xx code.
func (r *Reply) Positive() bool { return r.Code >= 200 && r.Code < 400 }

// Text joins the reply lines.
func (r *Reply) Text() string { return strings.Join(r.Lines, " ") }

// Handler receives protocol events on the loop.
type Handler interface {
	Replied(r *Reply)
	// Written reports bytes flushed to the connection.
	Written(n int)
	Encrypted()
	Failed(err error)
}

const chunkSize = 16 * 1024

// Protocol frames SMTP commands and assembles replies.
type Protocol struct {
	log     *zap.Logger
	t       transport.Transport
	handler Handler
	cur     *Reply
}

// NewProtocol creates a protocol bound to a transport from newTransport.
func NewProtocol(newTransport transport.Factory, log *zap.Logger, h Handler) *Protocol {
	p := &Protocol{log: log, handler: h}
	p.t = newTransport(p)
	return p
}

func (p *Protocol) InUse() bool     { return p.t.InUse() }
func (p *Protocol) Connected() bool { return p.t.Connected() }
func (p *Protocol) Encrypted() bool { return p.t.Encrypted() }

func (p *Protocol) Open(host string, port int, enc transport.Encryption) error {
	if err := p.t.Open(host, port, enc); err != nil {
		return err
	}
	p.cur = nil
	return nil
}

func (p *Protocol) Close() {
	p.t.Close()
	p.cur = nil
}

func (p *Protocol) SwitchToEncrypted() error { return p.t.SwitchToEncrypted() }

// Command writes one command line. AUTH payloads are not logged.
func (p *Protocol) Command(line string) error {
	if strings.HasPrefix(line, "AUTH ") {
		mech, _, _ := strings.Cut(line[5:], " ")
		p.log.Debug("send", zap.String("line", "AUTH "+mech+" <redacted>"))
	} else {
		p.log.Debug("send", zap.String("line", line))
	}
	return p.t.Write([]byte(line + "\r\n"))
}

// Secret writes a SASL continuation without logging it.
func (p *Protocol) Secret(line string) error {
	p.log.Debug("send", zap.String("line", "<redacted>"))
	return p.t.Write([]byte(line + "\r\n"))
}

// Data writes a message body with dot-stuffing and the terminating
// sequence, in chunks so Written reports progress.
func (p *Protocol) Data(body []byte) error {
	data := dotStuff(body)
	for len(data) > 0 {
		n := chunkSize
		if n > len(data) {
			n = len(data)
		}
		if err := p.t.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// dotStuff normalises line endings to CRLF, doubles leading dots and
// appends "." on a line of its own.
func dotStuff(body []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(body) + len(body)/64 + 5)
	atLineStart := true
	for i := 0; i < len(body); i++ {
		c := body[i]
		if atLineStart && c == '.' {
			b.WriteByte('.')
		}
		switch c {
		case '\r':
			if i+1 < len(body) && body[i+1] == '\n' {
				continue
			}
			b.WriteString("\r\n")
			atLineStart = true
		case '\n':
			b.WriteString("\r\n")
			atLineStart = true
		default:
			b.WriteByte(c)
			atLineStart = false
		}
	}
	if !atLineStart {
		b.WriteString("\r\n")
	}
	b.WriteString(".\r\n")
	return b.Bytes()
}

// transport.Handler

func (p *Protocol) OnConnected()    { p.log.Debug("connected") }
func (p *Protocol) OnEncrypted()    { p.handler.Encrypted() }
func (p *Protocol) OnWritten(n int) { p.handler.Written(n) }

func (p *Protocol) OnError(err error) {
	p.cur = nil
	p.handler.Failed(err)
}

func (p *Protocol) OnLine(line []byte) {
	s := strings.TrimRight(string(line), "\r\n")
	p.log.Debug("recv", zap.String("line", s))
	if len(s) < 3 {
		p.log.Warn("malformed reply", zap.String("line", s))
		return
	}
	code, err := strconv.Atoi(s[:3])
	if err != nil {
		p.log.Warn("malformed reply", zap.String("line", s))
		return
	}
	more := len(s) > 3 && s[3] == '-'
	text := ""
	if len(s) > 4 {
		text = s[4:]
	}
	if p.cur == nil {
		p.cur = &Reply{Code: code}
	}
	p.cur.Lines = append(p.cur.Lines, text)
	if more {
		return
	}
	r := p.cur
	p.cur = nil
	p.handler.Replied(r)
}
