package smtp

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"go.uber.org/zap"

	"github.com/emx-mail/msgserver/pkgs/client"
	"github.com/emx-mail/msgserver/pkgs/config"
	"github.com/emx-mail/msgserver/pkgs/email"
	"github.com/emx-mail/msgserver/pkgs/loop"
	"github.com/emx-mail/msgserver/pkgs/mailerr"
	"github.com/emx-mail/msgserver/pkgs/transport"
)

const quitGrace = 5 * time.Second

type step int

const (
	stepIdle step = iota
	stepPreAuth
	stepGreeting
	stepEHLO
	stepHELO
	stepStartTLS
	stepAuth
	stepMail
	stepRcpt
	stepData
	stepBody
	stepQuit
)

// Authenticator logs in to the retrieval account paired for
// pop-before-smtp.
type Authenticator interface {
	Authenticate(done func(error)) error
}

// Client submits queued messages over SMTP, one session per Send.
type Client struct {
	client.Base
	proto   *Protocol
	preAuth Authenticator

	step      step
	cancelled bool
	caps      map[string]string
	auth      sasl.Client

	queue    []*email.Message
	current  *email.Message
	rcpts    []string
	next     int
	accepted int
	written  int64
	total    int64

	quitTimer *loop.Timer
}

var _ client.Transmitter = (*Client)(nil)

// New creates an SMTP client for cfg.
func New(cfg *config.AccountConfig, deps client.Deps, emit client.Sink) *Client {
	c := &Client{Base: client.NewBase(deps, "smtp", cfg, emit)}
	c.proto = NewProtocol(deps.Transport, c.Log, c)
	return c
}

func (c *Client) settings() config.ProtocolSettings { return c.Config().SMTP }

func (c *Client) InUse() bool            { return c.step != stepIdle || c.proto.InUse() }
func (c *Client) Tables() mailerr.Tables { return mailerr.SocketTables }

// SetPreAuth sets the paired retrieval client used for pop-before-smtp.
func (c *Client) SetPreAuth(a Authenticator) { c.preAuth = a }

func (c *Client) SetAccount(cfg *config.AccountConfig) error {
	return c.Rebind(cfg, c.InUse())
}

// AddMail queues m. Every recipient must be an email address.
func (c *Client) AddMail(m *email.Message) error {
	if c.InUse() {
		return mailerr.New(mailerr.ConnectionInUse, "smtp session already open")
	}
	rcpts := m.Recipients()
	if len(rcpts) == 0 {
		return mailerr.Newf(mailerr.InvalidAddress, "message %s has no recipients", m.ID)
	}
	for _, a := range rcpts {
		if !a.IsEmail() {
			return mailerr.Newf(mailerr.InvalidAddress, "invalid recipient %q", a.String())
		}
	}
	c.queue = append(c.queue, m)
	return nil
}

// Queued returns the ids not yet transmitted, the current one first.
func (c *Client) Queued() []string {
	var ids []string
	if c.current != nil {
		ids = append(ids, c.current.ID)
	}
	for _, m := range c.queue {
		ids = append(ids, m.ID)
	}
	return ids
}

// ClearQueue drops queued messages unless a session is sending them.
func (c *Client) ClearQueue() {
	if !c.InUse() {
		c.queue = nil
	}
}

// Send transmits the queue. An empty queue completes on the next loop
// turn.
func (c *Client) Send() error {
	if c.InUse() {
		return mailerr.New(mailerr.ConnectionInUse, "smtp session already open")
	}
	if len(c.queue) == 0 {
		c.Loop.Post(func() { c.Emit(client.Event{Kind: client.EventSendCompleted}) })
		return nil
	}
	s := c.settings()
	if !s.Configured() {
		return mailerr.New(mailerr.Configuration, "smtp host not configured")
	}
	c.cancelled = false
	if s.Auth == config.AuthPOPBeforeSMTP && c.preAuth != nil {
		c.step = stepPreAuth
		c.EmitStatus(client.StatusLogin)
		err := c.preAuth.Authenticate(func(err error) {
			if c.step != stepPreAuth || c.cancelled {
				return
			}
			if err != nil {
				c.fail(err)
				return
			}
			c.check(c.open())
		})
		if err != nil {
			c.step = stepIdle
			return err
		}
		return nil
	}
	return c.open()
}

func (c *Client) open() error {
	s := c.settings()
	if err := c.proto.Open(s.Host, s.Port, s.Encryption()); err != nil {
		c.step = stepIdle
		return err
	}
	c.caps = nil
	c.step = stepGreeting
	c.EmitStatus(client.StatusConnecting)
	return nil
}

// CloseConnection quits once the current message is through.
func (c *Client) CloseConnection() {
	if c.step == stepIdle || c.step == stepQuit {
		return
	}
	c.queue = nil
}

// Cancel abandons the session and reports Cancelled. Messages keep their
// outbox state.
func (c *Client) Cancel() {
	if !c.InUse() || c.cancelled {
		return
	}
	c.cancelled = true
	c.EmitError(mailerr.New(mailerr.Cancelled, "sending cancelled"))
	c.queue, c.current = nil, nil
	if !c.proto.Connected() {
		c.teardown()
		return
	}
	c.step = stepQuit
	if err := c.proto.Command("QUIT"); err != nil {
		c.teardown()
		return
	}
	c.quitTimer = c.Loop.AfterFunc(quitGrace, func() {
		if c.step == stepQuit {
			c.teardown()
		}
	})
}

func (c *Client) teardown() {
	c.quitTimer.Stop()
	c.proto.Close()
	c.step = stepIdle
	c.auth = nil
}

// fail reports err while the queue is still readable through Queued, then
// drops it.
func (c *Client) fail(err error) {
	c.teardown()
	if !c.cancelled {
		c.EmitError(err)
	}
	c.queue, c.current = nil, nil
}

func (c *Client) check(err error) {
	if err != nil {
		c.fail(err)
	}
}

func (c *Client) command(next step, line string) {
	c.step = next
	c.check(c.proto.Command(line))
}

func (c *Client) quit() {
	c.current = nil
	c.command(stepQuit, "QUIT")
}

func (c *Client) finish() {
	cancelled := c.cancelled
	c.teardown()
	if !cancelled {
		c.Emit(client.Event{Kind: client.EventSendCompleted})
	}
}

// Protocol events.

func (c *Client) Failed(err error) {
	switch c.step {
	case stepQuit:
		c.finish()
	case stepIdle:
	default:
		c.fail(err)
	}
}

func (c *Client) Encrypted() {
	if c.step == stepStartTLS {
		c.ehlo()
	}
}

func (c *Client) Written(n int) {
	if c.step != stepBody || c.current == nil {
		return
	}
	c.written += int64(n)
	bytes := c.written
	if bytes > c.total {
		bytes = c.total
	}
	c.Emit(client.Event{Kind: client.EventSendProgress, ID: c.current.ID, Bytes: bytes, Total: c.total})
}

func (c *Client) ehlo() {
	c.command(stepEHLO, "EHLO "+c.Config().Domain())
}

func (c *Client) Replied(r *Reply) {
	switch c.step {
	case stepQuit:
		c.finish()
	case stepGreeting:
		if r.Code != 220 {
			c.fail(mailerr.Newf(mailerr.ConnectionRefused, "server refused connection: %d %s", r.Code, r.Text()))
			return
		}
		c.ehlo()
	case stepEHLO:
		if r.Code != 250 {
			c.Log.Debug("EHLO refused, trying HELO", zap.Int("code", r.Code))
			c.command(stepHELO, "HELO "+c.Config().Domain())
			return
		}
		c.caps = parseExtensions(r.Lines)
		c.extensions()
	case stepHELO:
		if r.Code != 250 {
			c.unexpected("HELO", r)
			return
		}
		c.caps = map[string]string{}
		c.extensions()
	case stepStartTLS:
		if r.Code != 220 {
			c.Log.Warn("STARTTLS refused, continuing unencrypted", zap.String("text", r.Text()))
			c.authenticate()
			return
		}
		c.check(c.proto.SwitchToEncrypted())
	case stepAuth:
		c.authReply(r)
	case stepMail:
		if r.Code != 250 {
			c.unexpected("MAIL FROM", r)
			return
		}
		c.nextRcpt()
	case stepRcpt:
		if r.Code == 250 || r.Code == 251 {
			c.accepted++
		} else {
			c.Log.Warn("recipient refused", zap.String("rcpt", c.rcpts[c.next-1]), zap.Int("code", r.Code), zap.String("text", r.Text()))
		}
		c.nextRcpt()
	case stepData:
		if r.Code != 354 {
			c.unexpected("DATA", r)
			return
		}
		c.step = stepBody
		c.written = 0
		c.check(c.proto.Data(c.current.Content))
	case stepBody:
		if r.Code != 250 {
			c.unexpected("message", r)
			return
		}
		m := c.current
		c.current = nil
		c.Log.Info("message transmitted", zap.String("id", m.ID))
		c.Emit(client.Event{Kind: client.EventMessageTransmitted, ID: m.ID})
		c.Emit(client.Event{Kind: client.EventMessageProcessed, ID: m.ID})
		c.nextMessage()
	}
}

func (c *Client) unexpected(what string, r *Reply) {
	c.fail(mailerr.Newf(mailerr.UnknownResponse, "%s: %d %s", what, r.Code, r.Text()))
}

func (c *Client) extensions() {
	if c.settings().Encryption() == transport.EncryptTLS && !c.proto.Encrypted() {
		if _, ok := c.caps["STARTTLS"]; ok {
			c.command(stepStartTLS, "STARTTLS")
			return
		}
		c.Log.Warn("server does not offer STARTTLS, continuing unencrypted")
	}
	c.authenticate()
}

// parseExtensions reads the EHLO keywords after the greeting line.
func parseExtensions(lines []string) map[string]string {
	caps := map[string]string{}
	for _, l := range lines[1:] {
		kw, arg, _ := strings.Cut(l, " ")
		caps[strings.ToUpper(kw)] = arg
	}
	return caps
}

func (c *Client) authenticate() {
	s := c.settings()
	switch {
	case s.Username == "":
		c.auth = nil
	case s.Auth == config.AuthPlain:
		c.auth = sasl.NewPlainClient("", s.Username, s.Password)
	case s.Auth == config.AuthLogin:
		c.auth = sasl.NewLoginClient(s.Username, s.Password)
	default:
		c.auth = nil
	}
	if c.auth == nil {
		c.nextMessage()
		return
	}
	c.EmitStatus(client.StatusLogin)
	mech, ir, err := c.auth.Start()
	if err != nil {
		c.fail(mailerr.Wrap(mailerr.LoginFailed, err))
		return
	}
	line := "AUTH " + mech
	if ir != nil {
		line += " " + encodeSASL(ir)
	}
	c.command(stepAuth, line)
}

func encodeSASL(b []byte) string {
	if len(b) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(b)
}

func (c *Client) authReply(r *Reply) {
	switch {
	case r.Code == 235:
		c.auth = nil
		c.nextMessage()
	case r.Code == 334:
		challenge, err := base64.StdEncoding.DecodeString(strings.TrimSpace(r.Text()))
		if err != nil {
			c.fail(mailerr.Wrap(mailerr.UnknownResponse, err))
			return
		}
		resp, err := c.auth.Next(challenge)
		if err != nil {
			c.fail(mailerr.Wrap(mailerr.LoginFailed, err))
			return
		}
		c.check(c.proto.Secret(base64.StdEncoding.EncodeToString(resp)))
	default:
		c.fail(mailerr.New(mailerr.LoginFailed, r.Text()))
	}
}

func (c *Client) nextMessage() {
	if len(c.queue) == 0 {
		c.quit()
		return
	}
	c.current, c.queue = c.queue[0], c.queue[1:]
	c.EmitStatus(client.StatusSending)
	c.rcpts = c.rcpts[:0]
	for _, a := range c.current.Recipients() {
		c.rcpts = append(c.rcpts, a.Email)
	}
	c.next, c.accepted = 0, 0
	c.total = int64(len(c.current.Content))
	from := c.current.From.Email
	if from == "" {
		from = c.Config().Email
	}
	c.command(stepMail, "MAIL FROM:<"+from+">")
}

func (c *Client) nextRcpt() {
	if c.next < len(c.rcpts) {
		rcpt := c.rcpts[c.next]
		c.next++
		c.command(stepRcpt, "RCPT TO:<"+rcpt+">")
		return
	}
	if c.accepted == 0 {
		c.fail(mailerr.Newf(mailerr.InvalidAddress, "no recipient of message %s accepted", c.current.ID))
		return
	}
	c.command(stepData, "DATA")
}
