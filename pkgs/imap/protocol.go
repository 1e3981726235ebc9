// Package imap implements the IMAP account client: a line protocol state
// machine, the retrieval pipeline driving it folder by folder, and the
// IDLE session that watches the inbox for pushed mail.
package imap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"go.uber.org/zap"

	"github.com/emx-mail/msgserver/pkgs/mailerr"
	"github.com/emx-mail/msgserver/pkgs/transport"
)

// Command identifies the command outstanding on a Protocol. It doubles as
// the protocol state.
type Command int

const (
	CmdNone Command = iota
	CmdGreeting
	CmdCapability
	CmdStartTLS
	CmdLogin
	CmdList
	CmdSelect
	CmdSearch
	CmdFetch
	CmdStore
	CmdExpunge
	CmdIdle
	CmdLogout
)

var commandNames = [...]string{"none", "greeting", "capability", "starttls", "login", "list", "select", "uid search", "uid fetch", "uid store", "expunge", "idle", "logout"}

func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return "unknown"
}

// Response collects everything the server said about one command.
type Response struct {
	Command Command
	// Status is OK, NO or BAD.
	Status    string
	Text      string
	Caps      imap.CapSet
	Mailboxes []ListEntry
	Exists    int
	HasExists bool
	UIDs      []string
	Fetched   int
}

// OK reports a successful completion.
func (r *Response) OK() bool { return r.Status == "OK" }

// Handler receives protocol events on the loop.
type Handler interface {
	// Greeted is called once the server greeting arrived.
	Greeted(preauth bool)
	Completed(r *Response)
	Fetched(f *FetchItem)
	// FetchProgress reports literal bytes received for the FETCH of uid.
	FetchProgress(uid string, received, total int64)
	// Idling is called when the server accepted IDLE.
	Idling()
	// Exists reports a mailbox size pushed while idling.
	Exists(n int)
	Encrypted()
	Failed(err error)
}

const progressStep = 16 * 1024

// Protocol issues one command at a time over a transport and parses the
// responses. Tagged responses whose tag is not the last one sent are
// dropped.
type Protocol struct {
	log     *zap.Logger
	t       transport.Transport
	handler Handler

	counter int
	tag     string
	state   Command
	resp    *Response
	greeted bool

	// response assembly
	text       strings.Builder
	lits       [][]byte
	inLiteral  bool
	litLeft    int
	lit        []byte
	litUID     string
	litTotal   int64
	litShown   int64
	litCurrent bool
}

// NewProtocol creates a protocol bound to a transport from newTransport.
func NewProtocol(newTransport transport.Factory, log *zap.Logger, h Handler) *Protocol {
	p := &Protocol{log: log, handler: h}
	p.t = newTransport(p)
	return p
}

// State returns the command awaiting completion.
func (p *Protocol) State() Command { return p.state }

func (p *Protocol) Transport() transport.Transport { return p.t }
func (p *Protocol) InUse() bool                    { return p.t.InUse() }
func (p *Protocol) Connected() bool                { return p.t.Connected() }
func (p *Protocol) Encrypted() bool                { return p.t.Encrypted() }

// Open connects and waits for the greeting.
func (p *Protocol) Open(host string, port int, enc transport.Encryption) error {
	if err := p.t.Open(host, port, enc); err != nil {
		return err
	}
	p.reset()
	p.state = CmdGreeting
	p.greeted = false
	p.resp = &Response{Command: CmdGreeting}
	return nil
}

// Close drops the connection without a LOGOUT.
func (p *Protocol) Close() {
	p.t.Close()
	p.reset()
	p.state = CmdNone
}

// SwitchToEncrypted upgrades after a successful STARTTLS.
func (p *Protocol) SwitchToEncrypted() error { return p.t.SwitchToEncrypted() }

func (p *Protocol) reset() {
	p.text.Reset()
	p.lits = nil
	p.inLiteral = false
	p.litLeft = 0
	p.lit = nil
}

func (p *Protocol) send(cmd Command, format string, args ...interface{}) error {
	p.counter++
	p.tag = fmt.Sprintf("a%03d", p.counter)
	p.state = cmd
	p.resp = &Response{Command: cmd}
	line := p.tag + " " + fmt.Sprintf(format, args...)
	if cmd == CmdLogin {
		p.log.Debug("send", zap.String("line", p.tag+" LOGIN <redacted>"))
	} else {
		p.log.Debug("send", zap.String("line", line))
	}
	return p.t.Write([]byte(line + "\r\n"))
}

func (p *Protocol) Capability() error { return p.send(CmdCapability, "CAPABILITY") }
func (p *Protocol) StartTLS() error   { return p.send(CmdStartTLS, "STARTTLS") }
func (p *Protocol) Expunge() error    { return p.send(CmdExpunge, "EXPUNGE") }
func (p *Protocol) Logout() error     { return p.send(CmdLogout, "LOGOUT") }

func (p *Protocol) Login(user, password string) error {
	return p.send(CmdLogin, "LOGIN %s %s", quote(user), quote(password))
}

func (p *Protocol) List(reference, pattern string) error {
	return p.send(CmdList, "LIST %s %s", quote(reference), quote(pattern))
}

func (p *Protocol) Select(mailbox string) error {
	return p.send(CmdSelect, "SELECT %s", quote(mailbox))
}

// UIDSearch runs UID SEARCH with criteria such as SEEN or ALL.
func (p *Protocol) UIDSearch(criteria string) error {
	return p.send(CmdSearch, "UID SEARCH %s", criteria)
}

// UIDFetch fetches items, a parenthesised list, for uids.
func (p *Protocol) UIDFetch(uids []string, items string) error {
	return p.send(CmdFetch, "UID FETCH %s %s", uidSet(uids), items)
}

// UIDStore applies a flag change such as "+FLAGS.SILENT (\Seen)".
func (p *Protocol) UIDStore(uids []string, change string) error {
	return p.send(CmdStore, "UID STORE %s %s", uidSet(uids), change)
}

// Idle enters IDLE; Idling is called once the server accepts.
func (p *Protocol) Idle() error { return p.send(CmdIdle, "IDLE") }

// IdleDone ends IDLE. The tagged completion of the IDLE command follows.
func (p *Protocol) IdleDone() error {
	if p.state != CmdIdle {
		return nil
	}
	p.log.Debug("send", zap.String("line", "DONE"))
	return p.t.Write([]byte("DONE\r\n"))
}

// transport.Handler

func (p *Protocol) OnConnected()  { p.log.Debug("connected") }
func (p *Protocol) OnEncrypted()  { p.handler.Encrypted() }
func (p *Protocol) OnWritten(int) {}

func (p *Protocol) OnError(err error) {
	p.reset()
	p.state = CmdNone
	p.handler.Failed(err)
}

func (p *Protocol) OnLine(line []byte) {
	if p.inLiteral {
		take := p.litLeft
		if take > len(line) {
			take = len(line)
		}
		p.lit = append(p.lit, line[:take]...)
		p.litLeft -= take
		p.literalProgress()
		if p.litLeft > 0 {
			return
		}
		p.lits = append(p.lits, p.lit)
		p.lit = nil
		p.inLiteral = false
		line = line[take:]
		if len(line) == 0 {
			return
		}
	}

	s := strings.TrimRight(string(line), "\r\n")
	p.text.WriteString(s)
	if n, ok := trailingLiteral(s); ok {
		p.beginLiteral(n)
		return
	}

	full := p.text.String()
	lits := p.lits
	p.text.Reset()
	p.lits = nil
	p.dispatch(full, lits)
}

func (p *Protocol) beginLiteral(n int) {
	if n == 0 {
		p.lits = append(p.lits, []byte{})
		return
	}
	p.inLiteral = true
	p.litLeft = n
	capacity := n
	if capacity > 1<<20 {
		capacity = 1 << 20
	}
	p.lit = make([]byte, 0, capacity)

	// Progress is reported for message data of the current FETCH only.
	p.litCurrent = false
	text := p.text.String()
	if p.state == CmdFetch && strings.HasPrefix(text, "* ") && strings.Contains(strings.ToUpper(text), " FETCH ") {
		p.litCurrent = true
		p.litUID = fetchUIDHint(text)
		p.litTotal = int64(n)
		p.litShown = 0
	}
}

func (p *Protocol) literalProgress() {
	if !p.litCurrent {
		return
	}
	got := int64(len(p.lit))
	if got-p.litShown < progressStep && p.litLeft > 0 {
		return
	}
	p.litShown = got
	p.handler.FetchProgress(p.litUID, got, p.litTotal)
}

// fetchUIDHint finds the UID announced before a literal in a FETCH line.
func fetchUIDHint(text string) string {
	upper := strings.ToUpper(text)
	i := strings.Index(upper, "UID ")
	if i < 0 {
		return ""
	}
	rest := text[i+4:]
	end := strings.IndexAny(rest, " )")
	if end < 0 {
		return rest
	}
	return rest[:end]
}

func (p *Protocol) dispatch(line string, lits [][]byte) {
	switch {
	case strings.HasPrefix(line, "* "):
		p.untagged(line[2:], lits)
	case strings.HasPrefix(line, "+"):
		if p.state == CmdIdle {
			p.handler.Idling()
		}
	default:
		tag, rest, _ := strings.Cut(line, " ")
		if tag != p.tag || p.state == CmdNone || p.state == CmdGreeting {
			p.log.Debug("discarding response", zap.String("line", line), zap.String("expected", p.tag))
			return
		}
		status, text, _ := strings.Cut(rest, " ")
		p.log.Debug("recv", zap.String("line", line))
		r := p.resp
		r.Status = strings.ToUpper(status)
		r.Text = text
		if code, arg := responseCode(text); code == "CAPABILITY" {
			r.Caps = parseCaps(arg)
		}
		p.state = CmdNone
		p.handler.Completed(r)
	}
}

func (p *Protocol) untagged(rest string, lits [][]byte) {
	word, tail, _ := strings.Cut(rest, " ")
	if n, err := strconv.ParseUint(word, 10, 32); err == nil {
		p.numbered(uint32(n), tail, lits)
		return
	}
	r := p.resp
	if r == nil {
		r = &Response{}
	}

	switch strings.ToUpper(word) {
	case "OK", "PREAUTH":
		if code, arg := responseCode(tail); code == "CAPABILITY" {
			r.Caps = parseCaps(arg)
		}
		if p.state == CmdGreeting && !p.greeted {
			p.greeted = true
			p.state = CmdNone
			p.handler.Greeted(strings.EqualFold(word, "PREAUTH"))
		}
	case "BYE":
		p.log.Debug("server bye", zap.String("text", tail))
		if p.state == CmdGreeting {
			p.t.Close()
			p.state = CmdNone
			p.handler.Failed(mailerr.Newf(mailerr.ConnectionRefused, "server refused connection: %s", tail))
		}
	case "CAPABILITY":
		r.Caps = parseCaps(tail)
	case "LIST":
		e, err := parseList(tail, lits)
		if err != nil {
			p.log.Warn("unparsable LIST response", zap.String("line", rest), zap.Error(err))
			return
		}
		r.Mailboxes = append(r.Mailboxes, e)
	case "SEARCH":
		r.UIDs = append(r.UIDs, strings.Fields(tail)...)
	case "NO", "BAD":
		p.log.Warn("server warning", zap.String("line", rest))
	}
}

func (p *Protocol) numbered(n uint32, rest string, lits [][]byte) {
	kind, tail, _ := strings.Cut(rest, " ")
	switch strings.ToUpper(kind) {
	case "EXISTS":
		if p.resp != nil {
			p.resp.Exists = int(n)
			p.resp.HasExists = true
		}
		if p.state == CmdIdle {
			p.handler.Exists(int(n))
		}
	case "FETCH":
		if p.state != CmdFetch {
			return
		}
		item, err := parseFetch(n, tail, lits)
		if err != nil {
			p.log.Warn("unparsable FETCH response", zap.Uint32("seq", n), zap.Error(err))
			return
		}
		p.resp.Fetched++
		p.handler.Fetched(item)
	}
}
