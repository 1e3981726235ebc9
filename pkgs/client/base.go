package client

import (
	"go.uber.org/zap"

	"github.com/emx-mail/msgserver/pkgs/config"
	"github.com/emx-mail/msgserver/pkgs/mailerr"
)

// Base carries the account binding and event plumbing every client
// shares. Protocol clients embed it.
type Base struct {
	Deps
	Log   *zap.Logger
	proto string
	emit  Sink
	cfg   *config.AccountConfig
}

// NewBase binds deps to cfg. proto only labels log lines.
func NewBase(deps Deps, proto string, cfg *config.AccountConfig, emit Sink) Base {
	b := Base{Deps: deps, proto: proto, emit: emit}
	if b.Deps.Log == nil {
		b.Deps.Log = zap.NewNop()
	}
	b.bind(cfg)
	return b
}

func (b *Base) bind(cfg *config.AccountConfig) {
	b.cfg = cfg
	name := ""
	if cfg != nil {
		name = cfg.Name
	}
	b.Log = b.Deps.Log.With(zap.String("account", name), zap.String("proto", b.proto))
}

// Account returns the bound account name.
func (b *Base) Account() string {
	if b.cfg == nil {
		return ""
	}
	return b.cfg.Name
}

// Config returns the bound account.
func (b *Base) Config() *config.AccountConfig { return b.cfg }

// Rebind replaces the account unless a session for another account is
// open.
func (b *Base) Rebind(cfg *config.AccountConfig, inUse bool) error {
	if cfg == nil {
		return mailerr.New(mailerr.Configuration, "no account")
	}
	if inUse && cfg.Name != b.Account() {
		return mailerr.Newf(mailerr.ConnectionInUse, "%s client busy with account %s", b.proto, b.Account())
	}
	b.bind(cfg)
	return nil
}

// Emit reports ev for the bound account.
func (b *Base) Emit(ev Event) {
	ev.Account = b.Account()
	if b.emit != nil {
		b.emit(ev)
	}
}

// EmitStatus reports a phase change.
func (b *Base) EmitStatus(s Status) {
	b.Log.Debug("status", zap.Stringer("status", s))
	b.Emit(Event{Kind: EventStatus, Status: s})
}

// EmitError reports a critical failure.
func (b *Base) EmitError(err error) {
	me := mailerr.As(err)
	b.Log.Error("session failed", zap.Int("code", int(me.Code)), zap.Error(me))
	b.Emit(Event{Kind: EventError, Err: me})
}
