// Package pop implements the POP3 account client: a line protocol state
// machine and the pass that mirrors the maildrop into the store.
package pop

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/emx-mail/msgserver/pkgs/mailerr"
	"github.com/emx-mail/msgserver/pkgs/transport"
)

// Command identifies a POP3 command awaiting its response.
type Command int

const (
	CmdGreeting Command = iota
	CmdSTLS
	CmdUser
	CmdPass
	CmdUIDL
	CmdList
	CmdRetr
	CmdTop
	CmdDele
	CmdQuit
)

var commandNames = [...]string{"greeting", "STLS", "USER", "PASS", "UIDL", "LIST", "RETR", "TOP", "DELE", "QUIT"}

func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return "unknown"
}

// multiLine reports whether a positive response carries a dot-terminated
// body.
func (c Command) multiLine() bool {
	switch c {
	case CmdUIDL, CmdList, CmdRetr, CmdTop:
		return true
	}
	return false
}

// Response is the outcome of one command.
type Response struct {
	Command Command
	OK      bool
	Text    string
	// Msg is the message number the command addressed, zero for none.
	Msg int
	// Lines holds the listing of UIDL and LIST; Body the message data of
	// RETR and TOP with dot-stuffing removed.
	Lines []string
	Body  []byte
}

// Handler receives protocol events on the loop.
type Handler interface {
	Greeted(text string)
	Completed(r *Response)
	// Progress reports message bytes received for the RETR in progress.
	Progress(msg int, received int64)
	Encrypted()
	Failed(err error)
}

const progressStep = 16 * 1024

// Protocol writes POP3 commands and matches responses to them in order.
// Commands may be pipelined; QUIT written during a RETR is answered after
// the rest of the message.
type Protocol struct {
	log     *zap.Logger
	t       transport.Transport
	handler Handler

	pending []*Response
	inBody  bool
	body    bytes.Buffer
	shown   int64
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

// Busy reports whether a response is outstanding.
func (p *Protocol) Busy() bool { return len(p.pending) > 0 }

// Open connects and expects the greeting.
func (p *Protocol) Open(host string, port int, enc transport.Encryption) error {
	if err := p.t.Open(host, port, enc); err != nil {
		return err
	}
	p.reset()
	p.pending = []*Response{{Command: CmdGreeting}}
	return nil
}

// Close drops the connection without QUIT.
func (p *Protocol) Close() {
	p.t.Close()
	p.reset()
}

// SwitchToEncrypted upgrades after a successful STLS.
func (p *Protocol) SwitchToEncrypted() error { return p.t.SwitchToEncrypted() }

func (p *Protocol) reset() {
	p.pending = nil
	p.inBody = false
	p.body.Reset()
	p.shown = 0
}

func (p *Protocol) send(cmd Command, msg int, line string) error {
	if cmd == CmdPass {
		p.log.Debug("send", zap.String("line", "PASS <redacted>"))
	} else {
		p.log.Debug("send", zap.String("line", line))
	}
	if err := p.t.Write([]byte(line + "\r\n")); err != nil {
		return err
	}
	p.pending = append(p.pending, &Response{Command: cmd, Msg: msg})
	return nil
}

func (p *Protocol) STLS() error              { return p.send(CmdSTLS, 0, "STLS") }
func (p *Protocol) User(name string) error   { return p.send(CmdUser, 0, "USER "+clean(name)) }
func (p *Protocol) Pass(secret string) error { return p.send(CmdPass, 0, "PASS "+clean(secret)) }
func (p *Protocol) UIDL() error              { return p.send(CmdUIDL, 0, "UIDL") }
func (p *Protocol) List() error              { return p.send(CmdList, 0, "LIST") }
func (p *Protocol) Quit() error              { return p.send(CmdQuit, 0, "QUIT") }

func (p *Protocol) Retr(msg int) error {
	return p.send(CmdRetr, msg, fmt.Sprintf("RETR %d", msg))
}

// Top fetches the header and the first lines of the body.
func (p *Protocol) Top(msg, lines int) error {
	return p.send(CmdTop, msg, fmt.Sprintf("TOP %d %d", msg, lines))
}

func (p *Protocol) Dele(msg int) error {
	return p.send(CmdDele, msg, fmt.Sprintf("DELE %d", msg))
}

func clean(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

// transport.Handler

func (p *Protocol) OnConnected()  { p.log.Debug("connected") }
func (p *Protocol) OnEncrypted()  { p.handler.Encrypted() }
func (p *Protocol) OnWritten(int) {}

func (p *Protocol) OnError(err error) {
	p.reset()
	p.handler.Failed(err)
}

func (p *Protocol) OnLine(line []byte) {
	if len(p.pending) == 0 {
		p.log.Debug("unsolicited line", zap.ByteString("line", bytes.TrimRight(line, "\r\n")))
		return
	}
	r := p.pending[0]

	if p.inBody {
		p.bodyLine(r, line)
		return
	}

	s := strings.TrimRight(string(line), "\r\n")
	p.log.Debug("recv", zap.String("line", s))
	status, text, _ := strings.Cut(s, " ")
	r.Text = text
	switch {
	case strings.EqualFold(status, "+OK"):
		r.OK = true
	case strings.EqualFold(status, "-ERR"):
	default:
		if r.Command == CmdGreeting {
			p.t.Close()
			p.reset()
			p.handler.Failed(mailerr.Newf(mailerr.UnknownResponse, "unexpected greeting %q", s))
			return
		}
		p.log.Warn("malformed status line", zap.String("line", s))
	}
	if r.OK && r.Command.multiLine() {
		p.inBody = true
		p.body.Reset()
		p.shown = 0
		return
	}
	p.complete()
}

func (p *Protocol) bodyLine(r *Response, line []byte) {
	trimmed := bytes.TrimRight(line, "\r\n")
	if bytes.Equal(trimmed, []byte(".")) {
		p.inBody = false
		if r.Command == CmdRetr || r.Command == CmdTop {
			r.Body = append([]byte(nil), p.body.Bytes()...)
			if r.Command == CmdRetr {
				p.handler.Progress(r.Msg, int64(len(r.Body)))
			}
		}
		p.body.Reset()
		p.complete()
		return
	}
	if len(trimmed) > 0 && trimmed[0] == '.' {
		line = line[1:]
		trimmed = trimmed[1:]
	}
	switch r.Command {
	case CmdUIDL, CmdList:
		r.Lines = append(r.Lines, string(trimmed))
	default:
		p.body.Write(line)
		if r.Command == CmdRetr {
			if got := int64(p.body.Len()); got-p.shown >= progressStep {
				p.shown = got
				p.handler.Progress(r.Msg, got)
			}
		}
	}
}

func (p *Protocol) complete() {
	r := p.pending[0]
	p.pending = p.pending[1:]
	if r.Command == CmdGreeting {
		if !r.OK {
			p.t.Close()
			p.reset()
			p.handler.Failed(mailerr.Newf(mailerr.ConnectionRefused, "server refused connection: %s", r.Text))
			return
		}
		p.handler.Greeted(r.Text)
		return
	}
	p.handler.Completed(r)
}

// Listing is one line of a UIDL or LIST response.
type Listing struct {
	Msg   int
	Value string
}

// parseListing reads "n value" lines, skipping malformed ones.
func parseListing(lines []string) []Listing {
	out := make([]Listing, 0, len(lines))
	for _, l := range lines {
		num, val, ok := strings.Cut(strings.TrimSpace(l), " ")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil || n <= 0 {
			continue
		}
		out = append(out, Listing{Msg: n, Value: strings.TrimSpace(val)})
	}
	return out
}
