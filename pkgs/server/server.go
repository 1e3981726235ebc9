// Package server schedules background mail checks on top of the engine and
// serves the caller operations: sending, retrieval, body search and new
// message counts.
package server

import (
	"time"

	"go.uber.org/zap"

	"github.com/emx-mail/msgserver/pkgs/client"
	"github.com/emx-mail/msgserver/pkgs/config"
	"github.com/emx-mail/msgserver/pkgs/email"
	"github.com/emx-mail/msgserver/pkgs/engine"
	"github.com/emx-mail/msgserver/pkgs/loop"
	"github.com/emx-mail/msgserver/pkgs/mailerr"
	"github.com/emx-mail/msgserver/pkgs/store"
)

// Server is the message server. Every method must run on the loop.
type Server struct {
	log  *zap.Logger
	deps client.Deps
	cfg  *config.Config
	eng  *engine.Engine
	emit engine.Listener

	entries  map[string]*entry
	schedule schedule
	timer    *loop.Timer
	started  bool
	now      func() time.Time

	roaming     bool
	pending     []string
	checking    string
	checked     bool
	autoFetch   []string
	reportedNew map[email.Kind]int

	searches []*search
}

// New creates a server for cfg. emit receives every caller-facing event.
func New(cfg *config.Config, deps client.Deps, emit engine.Listener) *Server {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if emit == nil {
		emit = func(engine.Event) {}
	}
	s := &Server{
		log:         deps.Log.With(zap.String("component", "server")),
		deps:        deps,
		cfg:         cfg,
		emit:        emit,
		entries:     make(map[string]*entry),
		now:         time.Now,
		reportedNew: make(map[email.Kind]int),
	}
	s.eng = engine.New(cfg, deps, s.engineEvent)
	s.rebuildSchedule()
	return s
}

// Engine returns the orchestrator the server drives.
func (s *Server) Engine() *engine.Engine { return s.eng }

// Start arms the polling timer and reports the initial new counts.
func (s *Server) Start() {
	s.started = true
	s.reportNewCounts(true)
	s.arm()
}

// Stop disarms the timer and shuts the engine down.
func (s *Server) Stop() {
	s.started = false
	s.timer.Stop()
	s.timer = nil
	s.eng.Shutdown()
}

// Reload applies a new configuration and rebuilds the poll schedule.
func (s *Server) Reload(cfg *config.Config) {
	s.cfg = cfg
	s.eng.Reload(cfg)
	s.rebuildSchedule()
	s.arm()
}

func (s *Server) rebuildSchedule() {
	now := s.now()
	seen := make(map[string]bool)
	if s.cfg != nil {
		for _, name := range s.cfg.AccountNames() {
			acct := s.cfg.Accounts[name]
			interval := acct.Interval()
			if !acct.CanRetrieve() || interval <= 0 {
				continue
			}
			seen[name] = true
			en, ok := s.entries[name]
			if !ok {
				en = &entry{account: name, interval: interval, due: now.Add(interval)}
				s.entries[name] = en
				s.schedule.add(en)
				continue
			}
			if en.interval != interval {
				en.interval = interval
				en.due = now.Add(interval)
				s.schedule.fix(en)
			}
		}
	}
	for name, en := range s.entries {
		if !seen[name] {
			s.schedule.remove(en)
			delete(s.entries, name)
		}
	}
}

func (s *Server) arm() {
	s.timer.Stop()
	s.timer = nil
	en := s.schedule.next()
	if !s.started || en == nil {
		return
	}
	d := en.due.Sub(s.now())
	if d < 0 {
		d = 0
	}
	s.timer = s.deps.Loop.AfterFunc(d, func() { s.Tick(s.now()) })
}

// Tick queues a check for every account due at now and starts the next
// pending check.
func (s *Server) Tick(now time.Time) {
	for {
		en := s.schedule.next()
		if en == nil || en.due.After(now) {
			break
		}
		if s.roamingBlocked(en.account) {
			s.log.Debug("skipping check while roaming", zap.String("account", en.account))
		} else {
			s.enqueue(en.account)
		}
		en.due = now.Add(en.interval)
		s.schedule.fix(en)
	}
	s.processPending()
	s.arm()
}

// SetRoaming gates interval checks for accounts that do not opt in.
func (s *Server) SetRoaming(on bool) {
	s.roaming = on
}

func (s *Server) roamingBlocked(account string) bool {
	if !s.roaming || s.cfg == nil {
		return false
	}
	return !s.cfg.Accounts[account].RoamingCheck
}

// NewMailDiscovered queues an immediate check of account.
func (s *Server) NewMailDiscovered(account string) {
	if s.roamingBlocked(account) {
		return
	}
	s.enqueue(account)
	s.processPending()
}

func (s *Server) enqueue(account string) {
	if account == s.checking {
		return
	}
	for _, a := range s.pending {
		if a == account {
			return
		}
	}
	s.pending = append(s.pending, account)
}

// processPending starts the oldest pending check when nothing else is
// retrieving.
func (s *Server) processPending() {
	for s.checking == "" && len(s.pending) > 0 && !s.eng.RetrievalInProgress() {
		account := s.pending[0]
		s.pending = s.pending[1:]
		s.checking = account
		s.autoFetch = nil
		s.log.Debug("interval check", zap.String("account", account))
		if err := s.eng.Retrieve(account, false); err != nil {
			s.log.Warn("interval check not started", zap.String("account", account), zap.Error(err))
			s.checking = ""
			s.checkFailed(account)
			continue
		}
		s.checked = true
	}
}

func (s *Server) checkFailed(account string) {
	en, ok := s.entries[account]
	if !ok {
		return
	}
	en.failures++
	en.due = en.retryAt(s.now())
	s.schedule.fix(en)
	s.arm()
}

func (s *Server) checkSucceeded(account string) {
	if en, ok := s.entries[account]; ok {
		en.failures = 0
	}
}

// checkDone ends an interval check. After the last queued check every
// client is synchronised for the new counts.
func (s *Server) checkDone() {
	s.checking = ""
	s.autoFetch = nil
	if len(s.pending) == 0 && s.checked {
		s.checked = false
		s.eng.SynchroniseClients()
	}
	s.processPending()
}

// Caller operations.

// Send transmits the outgoing messages ids.
func (s *Server) Send(ids []string) { s.eng.Send(ids) }

// Retrieve starts a preview pass for account.
func (s *Server) Retrieve(account string, foldersOnly bool) error {
	return s.eng.Retrieve(account, foldersOnly)
}

// CompleteRetrieval downloads ids, or ends the preview when empty.
func (s *Server) CompleteRetrieval(ids []string) error {
	return s.eng.CompleteRetrieval(ids)
}

// CancelTransfer cancels every transfer and drops pending checks.
func (s *Server) CancelTransfer() {
	s.pending = nil
	s.eng.CancelTransfer()
}

// AcknowledgeNewMessages clears the New state of kinds.
func (s *Server) AcknowledgeNewMessages(kinds []email.Kind) {
	s.eng.AcknowledgeNewMessages(kinds)
	for _, k := range kinds {
		f := store.Filter{Kind: k, Set: email.StatusIncoming | email.StatusNew}
		if _, err := s.deps.Store.UpdateStatus(s.deps.Ctx, f, 0, email.StatusNew); err != nil {
			s.log.Warn("acknowledge failed", zap.Stringer("kind", k), zap.Error(err))
		}
	}
	s.reportNewCounts(false)
}

// reportNewCounts emits NewCount for every kind whose count changed, or
// for all kinds when all is set.
func (s *Server) reportNewCounts(all bool) {
	for _, k := range email.Kinds() {
		n, err := s.deps.Store.CountMessages(s.deps.Ctx, store.Filter{Kind: k, Set: email.StatusIncoming | email.StatusNew})
		if err != nil {
			s.log.Warn("counting new messages", zap.Stringer("kind", k), zap.Error(err))
			continue
		}
		if last, ok := s.reportedNew[k]; ok && last == n && !all {
			continue
		}
		s.reportedNew[k] = n
		s.emit(engine.Event{Kind: engine.NewCount, MessageKind: k, Value: n})
	}
}

// engineEvent filters and augments the engine's events for callers.
func (s *Server) engineEvent(ev engine.Event) {
	checking := s.checking != "" && ev.Account == s.checking
	switch ev.Kind {
	case engine.StatusChanged, engine.RetrievalTotal, engine.RetrievalProgress, engine.MessageRetrieved:
		if checking {
			return
		}
	case engine.PartialMessageRetrieved:
		if checking {
			s.considerAutoFetch(ev.ID)
			return
		}
	case engine.PartialRetrievalCompleted:
		if checking {
			ids := s.autoFetch
			s.autoFetch = nil
			if err := s.eng.CompleteRetrieval(ids); err != nil {
				s.log.Warn("auto completion failed", zap.String("account", ev.Account), zap.Error(err))
				s.eng.CompleteRetrieval(nil)
			}
			return
		}
	case engine.RetrievalCompleted:
		if checking {
			s.checkSucceeded(ev.Account)
			s.checkDone()
			return
		}
		s.emit(ev)
		s.processPending()
		return
	case engine.ErrorOccurred:
		s.emit(ev)
		if s.checking != "" && !s.eng.RetrievalInProgress() {
			if ev.Code != mailerr.Cancelled {
				s.checkFailed(s.checking)
			}
			s.checkDone()
		} else if s.checking == "" {
			s.processPending()
		}
		return
	case engine.MessageSent:
		f := store.Filter{IDs: []string{ev.ID}}
		if _, err := s.deps.Store.UpdateStatus(s.deps.Ctx, f, email.StatusSent, email.StatusTransmitFailed); err != nil {
			s.log.Warn("marking message sent", zap.String("id", ev.ID), zap.Error(err))
		}
	case engine.NewCountDetermined, engine.NewCountChanged:
		s.emit(ev)
		s.reportNewCounts(false)
		return
	case engine.NewMailDiscovered:
		s.emit(ev)
		s.NewMailDiscovered(ev.Account)
		return
	}
	s.emit(ev)
}

// considerAutoFetch queues a partially retrieved message for download
// when the account policy allows it.
func (s *Server) considerAutoFetch(id string) {
	m, err := s.deps.Store.Message(s.deps.Ctx, id)
	if err != nil {
		s.log.Warn("partial message vanished", zap.String("id", id), zap.Error(err))
		return
	}
	acct, ok := s.cfg.Accounts[m.AccountID]
	if !ok {
		return
	}
	switch {
	case m.Kind == email.KindMMS && acct.AutoDownload:
	case acct.MaxMailSize <= 0:
	case m.Size <= int64(acct.MaxMailSize)*1024:
	default:
		return
	}
	s.autoFetch = append(s.autoFetch, id)
}
