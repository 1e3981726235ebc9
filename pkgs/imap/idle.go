package imap

import (
	"time"

	"github.com/emersion/go-imap/v2"
	"go.uber.org/zap"

	"github.com/emx-mail/msgserver/pkgs/config"
	"github.com/emx-mail/msgserver/pkgs/loop"
	"github.com/emx-mail/msgserver/pkgs/mailerr"
	"github.com/emx-mail/msgserver/pkgs/transport"
)

// IDLE timing. Servers may drop an idle connection after 30 minutes.
const (
	IdleRefresh = 28 * time.Minute
	MinBackoff  = 5 * time.Second
	MaxBackoff  = time.Hour
)

// IdleState is the step an IdleSession is at.
type IdleState int

const (
	IdleStopped IdleState = iota
	IdleInit
	IdleStartTLS
	IdleLogin
	IdleSelect
	IdleIdling
	IdleDone
	IdleWaiting
)

// IdleSession keeps a second connection in IDLE on the inbox and calls
// onNewMail when the server announces new messages. Failures reconnect
// with exponential backoff.
type IdleSession struct {
	log       *zap.Logger
	loop      *loop.Loop
	proto     *Protocol
	settings  config.ProtocolSettings
	onNewMail func()

	state   IdleState
	exists  int
	failed  bool
	backoff time.Duration
	refresh *loop.Timer
	retry   *loop.Timer

	// Refresh and the backoff bounds are exposed for tests.
	Refresh    time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// NewIdleSession creates a stopped session.
func NewIdleSession(l *loop.Loop, newTransport transport.Factory, log *zap.Logger, settings config.ProtocolSettings, onNewMail func()) *IdleSession {
	s := &IdleSession{
		log:        log.With(zap.String("session", "idle")),
		loop:       l,
		settings:   settings,
		onNewMail:  onNewMail,
		Refresh:    IdleRefresh,
		MinBackoff: MinBackoff,
		MaxBackoff: MaxBackoff,
	}
	s.proto = NewProtocol(newTransport, s.log, s)
	return s
}

// State returns the current step.
func (s *IdleSession) State() IdleState { return s.state }

// Running reports whether the session is started.
func (s *IdleSession) Running() bool { return s.state != IdleStopped }

// Backoff is the delay before the next reconnect attempt.
func (s *IdleSession) Backoff() time.Duration { return s.backoff }

// Start connects unless already running.
func (s *IdleSession) Start() {
	if s.state != IdleStopped {
		return
	}
	s.backoff = s.MinBackoff
	s.open()
}

// Stop closes the connection and cancels pending timers.
func (s *IdleSession) Stop() {
	s.refresh.Stop()
	s.retry.Stop()
	if s.proto.InUse() {
		if s.state == IdleIdling {
			s.proto.IdleDone()
		}
		s.proto.Logout()
		s.proto.Close()
	}
	s.state = IdleStopped
}

func (s *IdleSession) open() {
	s.state = IdleInit
	if err := s.proto.Open(s.settings.Host, s.settings.Port, s.settings.Encryption()); err != nil {
		s.fail(err)
	}
}

func (s *IdleSession) fail(err error) {
	s.log.Warn("idle connection failed", zap.Error(err), zap.Duration("retry_in", s.backoff))
	s.refresh.Stop()
	s.proto.Close()
	s.failed = true
	s.state = IdleWaiting
	delay := s.backoff
	s.backoff *= 2
	if s.backoff > s.MaxBackoff {
		s.backoff = s.MaxBackoff
	}
	s.retry = s.loop.AfterFunc(delay, func() {
		if s.state == IdleWaiting {
			s.open()
		}
	})
}

func (s *IdleSession) check(err error) {
	if err != nil {
		s.fail(err)
	}
}

func (s *IdleSession) Greeted(bool) {
	if s.settings.Encryption() == transport.EncryptTLS && !s.proto.Encrypted() {
		s.state = IdleStartTLS
		s.check(s.proto.StartTLS())
		return
	}
	s.login()
}

func (s *IdleSession) login() {
	s.state = IdleLogin
	s.check(s.proto.Login(s.settings.Username, s.settings.Password))
}

func (s *IdleSession) Encrypted() {
	if s.state == IdleStartTLS {
		s.login()
	}
}

func (s *IdleSession) Completed(r *Response) {
	if s.state == IdleStopped {
		return
	}
	switch r.Command {
	case CmdStartTLS:
		if !r.OK() {
			s.log.Warn("STARTTLS refused, idling unencrypted", zap.String("text", r.Text))
			s.login()
			return
		}
		s.check(s.proto.SwitchToEncrypted())
	case CmdLogin:
		if !r.OK() {
			s.fail(mailerr.New(mailerr.LoginFailed, r.Text))
			return
		}
		s.state = IdleSelect
		s.check(s.proto.Select("INBOX"))
	case CmdSelect:
		if !r.OK() {
			s.fail(mailerr.New(mailerr.UnknownResponse, r.Text))
			return
		}
		s.exists = r.Exists
		s.idle()
	case CmdIdle:
		if !r.OK() {
			s.fail(mailerr.New(mailerr.UnknownResponse, r.Text))
			return
		}
		s.idle()
	}
}

func (s *IdleSession) idle() {
	s.state = IdleIdling
	s.check(s.proto.Idle())
}

// Idling marks a successful (re)connection.
func (s *IdleSession) Idling() {
	s.backoff = s.MinBackoff
	s.refresh.Stop()
	s.refresh = s.loop.AfterFunc(s.Refresh, s.done)
	if s.failed {
		s.failed = false
		s.log.Info("idle connection restored")
		s.onNewMail()
	}
}

func (s *IdleSession) done() {
	if s.state != IdleIdling {
		return
	}
	s.state = IdleDone
	s.check(s.proto.IdleDone())
}

func (s *IdleSession) Exists(n int) {
	grew := n > s.exists
	s.exists = n
	if !grew {
		return
	}
	s.log.Debug("new mail pushed", zap.Int("exists", n))
	s.onNewMail()
	s.done()
}

func (s *IdleSession) Failed(err error) {
	if s.state == IdleStopped {
		return
	}
	s.fail(err)
}

func (s *IdleSession) Fetched(*FetchItem)                 {}
func (s *IdleSession) FetchProgress(string, int64, int64) {}

// SupportsIdle reports whether caps advertise IDLE.
func SupportsIdle(caps imap.CapSet) bool { return caps.Has(imap.CapIdle) }
