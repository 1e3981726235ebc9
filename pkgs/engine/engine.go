// Package engine drives every account client from one place. It routes
// outgoing messages to transmitters, runs one retrieval at a time and folds
// the clients' events into a single progress and error stream.
package engine

import (
	"github.com/emx-mail/msgserver/pkgs/client"
	"github.com/emx-mail/msgserver/pkgs/config"
	"github.com/emx-mail/msgserver/pkgs/email"
	"github.com/emx-mail/msgserver/pkgs/imap"
	"github.com/emx-mail/msgserver/pkgs/mailerr"
	"github.com/emx-mail/msgserver/pkgs/pop"
	"github.com/emx-mail/msgserver/pkgs/smtp"
	"github.com/emx-mail/msgserver/pkgs/store"

	"go.uber.org/zap"
)

// retrievalMargin is added to twice the selected bytes before a complete
// retrieval may start.
const retrievalMargin = 10 * 1024

type retrievalUnit struct {
	size    int
	percent int
}

type sendUnit struct {
	size    int
	percent int
	account string
	owner   client.Transmitter
}

// sendBatch tracks the messages of one Send call until each is processed.
type sendBatch struct {
	units map[string]*sendUnit
	order []string
	done  int
}

// Engine owns the account clients. Every method must run on the loop.
type Engine struct {
	log  *zap.Logger
	deps client.Deps
	cfg  *config.Config
	emit Listener

	mail     map[string]client.Retriever
	gateways map[email.Kind]*client.Gateway
	system   *client.System
	smtp     *smtp.Client
	kinds    map[client.Client]email.Kind

	active        client.Retriever
	retrieving    bool
	retrieval     map[string]*retrievalUnit
	retrievalDone int

	batches []*sendBatch

	unsynchronised map[client.Client]bool
	unsubscribe    func()
}

// New creates an engine for cfg. emit receives every caller-facing event.
func New(cfg *config.Config, deps client.Deps, emit Listener) *Engine {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if emit == nil {
		emit = func(Event) {}
	}
	e := &Engine{
		log:            deps.Log.With(zap.String("component", "engine")),
		deps:           deps,
		cfg:            cfg,
		emit:           emit,
		mail:           make(map[string]client.Retriever),
		gateways:       make(map[email.Kind]*client.Gateway),
		kinds:          make(map[client.Client]email.Kind),
		retrieval:      make(map[string]*retrievalUnit),
		unsynchronised: make(map[client.Client]bool),
	}
	for _, kind := range []email.Kind{email.KindSMS, email.KindMMS, email.KindInstant} {
		var g *client.Gateway
		g = client.NewGateway(kind, nil, deps, func(ev client.Event) { e.clientEvent(g, ev) })
		e.gateways[kind] = g
		e.kinds[g] = kind
	}
	e.system = client.NewSystem(nil, deps, func(ev client.Event) { e.clientEvent(e.system, ev) })
	e.kinds[e.system] = email.KindSystem

	if deps.Store != nil {
		e.unsubscribe = deps.Store.Subscribe(func(ch store.Change) {
			if ch.Kind != store.DeletionsAdded {
				return
			}
			account := ch.AccountID
			deps.Loop.Post(func() { e.DeletedMessages([]string{account}) })
		})
	}
	return e
}

// Config returns the configuration in force.
func (e *Engine) Config() *config.Config { return e.cfg }

// RetrievalInProgress reports whether a retrieval session is running.
func (e *Engine) RetrievalInProgress() bool { return e.retrieving }

// Reload applies a new configuration. Clients whose account vanished or
// changed protocol are dropped once idle.
func (e *Engine) Reload(cfg *config.Config) {
	e.cfg = cfg
	for name, r := range e.mail {
		acct, ok := cfg.Accounts[name]
		_, isPOP := r.(*pop.Client)
		if !ok || isPOP != (acct.Kind == config.KindPOP) || !acct.CanRetrieve() {
			if r.InUse() {
				continue
			}
			if s, ok := r.(interface{ Shutdown() }); ok {
				s.Shutdown()
			}
			delete(e.mail, name)
			delete(e.kinds, r)
			continue
		}
		if err := r.SetAccount(&acct); err != nil {
			e.log.Warn("rebind failed", zap.String("account", name), zap.Error(err))
		}
	}
}

// Shutdown stops push sessions and store notifications.
func (e *Engine) Shutdown() {
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	for _, r := range e.mail {
		if s, ok := r.(interface{ Shutdown() }); ok {
			s.Shutdown()
		}
	}
}

func (e *Engine) account(name string) (*config.AccountConfig, error) {
	if e.cfg == nil {
		return nil, mailerr.Newf(mailerr.Configuration, "unknown account %s", name)
	}
	acct, ok := e.cfg.Accounts[name]
	if !ok {
		return nil, mailerr.Newf(mailerr.Configuration, "unknown account %s", name)
	}
	if acct.Name == "" {
		acct.Name = name
	}
	return &acct, nil
}

// retriever returns the retrieval client for an account, bound to its
// current settings.
func (e *Engine) retriever(name string) (client.Retriever, *config.AccountConfig, error) {
	acct, err := e.account(name)
	if err != nil {
		return nil, nil, err
	}
	var r client.Retriever
	switch acct.Kind {
	case config.KindIMAP, config.KindPOP:
		r = e.mail[name]
		if r == nil {
			r = e.newMailClient(acct)
		}
	case config.KindSMS:
		r = e.gateways[email.KindSMS]
	case config.KindMMS:
		r = e.gateways[email.KindMMS]
	case config.KindInstant:
		r = e.gateways[email.KindInstant]
	case config.KindSystem:
		r = e.system
	default:
		return nil, nil, mailerr.Newf(mailerr.Configuration, "account %s has no retrieval client", name)
	}
	if err := r.SetAccount(acct); err != nil {
		return nil, nil, err
	}
	return r, acct, nil
}

func (e *Engine) newMailClient(acct *config.AccountConfig) client.Retriever {
	var r client.Retriever
	emit := func(ev client.Event) { e.clientEvent(r, ev) }
	if acct.Kind == config.KindPOP {
		r = pop.New(acct, e.deps, emit)
	} else {
		r = imap.New(acct, e.deps, emit)
	}
	e.mail[acct.Name] = r
	e.kinds[r] = email.KindEmail
	return r
}

func (e *Engine) smtpClient() *smtp.Client {
	if e.smtp == nil {
		var c *smtp.Client
		c = smtp.New(nil, e.deps, func(ev client.Event) { e.clientEvent(c, ev) })
		e.smtp = c
		e.kinds[c] = email.KindEmail
	}
	return e.smtp
}

// preAuth returns the POP client that must authenticate before SMTP
// submission for acct, or nil.
func (e *Engine) preAuth(acct *config.AccountConfig) smtp.Authenticator {
	if acct.SMTP.Auth != config.AuthPOPBeforeSMTP {
		return nil
	}
	name := acct.SMTP.Paired
	if name == "" {
		name = acct.Name
	}
	r, _, err := e.retriever(name)
	if err != nil {
		e.log.Warn("pop-before-smtp account unavailable", zap.String("account", name), zap.Error(err))
		return nil
	}
	p, ok := r.(*pop.Client)
	if !ok {
		e.log.Warn("pop-before-smtp account is not POP", zap.String("account", name))
		return nil
	}
	return p
}

func (e *Engine) clients() []client.Client {
	var all []client.Client
	for _, name := range e.cfg.AccountNames() {
		if r, ok := e.mail[name]; ok {
			all = append(all, r)
		}
	}
	for _, kind := range []email.Kind{email.KindSMS, email.KindMMS, email.KindInstant} {
		all = append(all, e.gateways[kind])
	}
	all = append(all, e.system)
	if e.smtp != nil {
		all = append(all, e.smtp)
	}
	return all
}

// CancelTransfer cancels every running session. Each client reports
// Cancelled through the error event.
func (e *Engine) CancelTransfer() {
	for _, c := range e.clients() {
		if c.InUse() {
			c.Cancel()
		}
	}
}

// AcknowledgeNewMessages resets the new message counters of the clients
// serving kinds.
func (e *Engine) AcknowledgeNewMessages(kinds []email.Kind) {
	want := make(map[email.Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	for _, c := range e.clients() {
		r, ok := c.(client.Retriever)
		if ok && want[e.kinds[c]] {
			r.ResetNewMailCount()
		}
	}
}

// SynchroniseClients asks every retrieval client for its new message count.
// NewCountDetermined follows once all of them have answered.
func (e *Engine) SynchroniseClients() {
	var pending []client.Retriever
	seen := make(map[client.Client]bool)
	for _, name := range e.cfg.AccountNames() {
		acct, err := e.account(name)
		if err != nil || !acct.CanRetrieve() || acct.Kind == config.KindInstant {
			continue
		}
		r, _, err := e.retriever(name)
		if err != nil {
			e.log.Warn("skipping synchronisation", zap.String("account", name), zap.Error(err))
			continue
		}
		if seen[r] || r.InUse() {
			continue
		}
		seen[r] = true
		pending = append(pending, r)
	}
	if !seen[e.system] && !e.system.InUse() {
		pending = append(pending, e.system)
	}
	for _, r := range pending {
		e.unsynchronised[r] = true
	}
	for _, r := range pending {
		if err := r.CheckForNewMessages(); err != nil {
			e.log.Warn("synchronisation failed", zap.String("account", r.Account()), zap.Error(err))
			delete(e.unsynchronised, r)
		}
	}
	if len(e.unsynchronised) == 0 {
		e.emit(Event{Kind: NewCountDetermined})
	}
}

func (e *Engine) clientSynchronised(c client.Client) {
	if !e.unsynchronised[c] {
		e.emit(Event{Kind: NewCountChanged, Account: c.Account()})
		return
	}
	delete(e.unsynchronised, c)
	if len(e.unsynchronised) == 0 {
		e.log.Debug("all clients synchronised")
		e.emit(Event{Kind: NewCountDetermined})
	}
}

// DeletedMessages pushes pending server deletions for accounts whose client
// deletes immediately.
func (e *Engine) DeletedMessages(accounts []string) {
	for _, name := range accounts {
		r, _, err := e.retriever(name)
		if err != nil || !r.HasDeleteImmediately() {
			continue
		}
		recs, err := e.deps.Store.DeletionRecords(e.deps.Ctx, name, "")
		if err != nil {
			e.log.Warn("deletion records", zap.String("account", name), zap.Error(err))
			continue
		}
		uids := make([]string, 0, len(recs))
		for _, rec := range recs {
			if rec.ServerUID != "" {
				uids = append(uids, rec.ServerUID)
			}
		}
		if len(uids) > 0 {
			r.DeleteImmediately(uids)
		}
	}
}

func (e *Engine) isActive(c client.Client) bool {
	return e.active != nil && client.Client(e.active) == c
}

// clientEvent folds one client event into the caller-facing stream.
func (e *Engine) clientEvent(c client.Client, ev client.Event) {
	switch ev.Kind {
	case client.EventStatus:
		e.emit(Event{Kind: StatusChanged, Account: ev.Account, Status: ev.Status})
	case client.EventFetchTotal:
		if e.isActive(c) {
			e.emit(Event{Kind: RetrievalTotal, Account: ev.Account, Value: ev.Count})
		}
	case client.EventFetchProgress:
		if e.isActive(c) {
			e.emit(Event{Kind: RetrievalProgress, Account: ev.Account, Value: ev.Count})
		}
	case client.EventMessageRetrieved:
		if !e.isActive(c) {
			return
		}
		kind := MessageRetrieved
		if ev.Partial {
			kind = PartialMessageRetrieved
		}
		e.emit(Event{Kind: kind, Account: ev.Account, ID: ev.ID})
	case client.EventRetrievalProgress:
		e.retrievalProgress(ev)
	case client.EventMessageProcessed:
		e.messageProcessed(ev.ID, ev.Account)
	case client.EventPartialRetrievalCompleted:
		if e.isActive(c) {
			e.emit(Event{Kind: PartialRetrievalCompleted, Account: ev.Account})
		}
	case client.EventRetrievalCompleted:
		if !e.isActive(c) {
			return
		}
		e.active = nil
		e.retrieving = false
		e.retrieval = make(map[string]*retrievalUnit)
		e.emit(Event{Kind: RetrievalCompleted, Account: ev.Account})
	case client.EventSendProgress:
		e.sendProgress(ev)
	case client.EventMessageTransmitted:
		e.emit(Event{Kind: MessageSent, Account: ev.Account, ID: ev.ID})
	case client.EventSendCompleted:
		// derived from the send map in messageProcessed
	case client.EventError:
		e.clientError(c, ev)
	case client.EventNewMailDiscovered:
		e.emit(Event{Kind: NewMailDiscovered, Account: ev.Account})
	case client.EventNewCount:
		e.clientSynchronised(c)
	}
}

func (e *Engine) clientError(c client.Client, ev client.Event) {
	me := ev.Err
	if me == nil {
		me = mailerr.New(mailerr.UnknownResponse, "")
	}
	e.log.Warn("client error", zap.String("account", ev.Account), zap.Error(me))
	// Listeners of the error must see the retrieval already ended.
	if e.isActive(c) {
		e.active = nil
		e.retrieving = false
		e.retrieval = make(map[string]*retrievalUnit)
	}
	e.report(c, ev.Account, me, mailerr.Report{Server: e.server(c)})
	if e.unsynchronised[c] {
		e.clientSynchronised(c)
	}
	e.transmissionFailed(c)
}

func (e *Engine) report(c client.Client, account string, me *mailerr.Error, r mailerr.Report) {
	text := c.Tables().Describe(me.Code, me.Message(), r)
	e.emit(Event{Kind: ErrorOccurred, Account: account, Text: text, Code: me.Code})
}

// server names the host a client talks to, for error texts.
func (e *Engine) server(c client.Client) string {
	cc, ok := c.(interface{ Config() *config.AccountConfig })
	if !ok || cc.Config() == nil {
		return ""
	}
	acct := cc.Config()
	if e.smtp != nil && client.Client(e.smtp) == c {
		return acct.SMTP.Host
	}
	switch acct.Kind {
	case config.KindSMS, config.KindMMS, config.KindInstant:
		return acct.Gateway.URL
	}
	return acct.Retrieval().Host
}

func percent(done, total int64) int {
	if total <= 0 {
		return 100
	}
	p := done * 100 / total
	if p > 100 {
		p = 100
	}
	return int(p)
}
