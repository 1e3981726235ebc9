package client

import (
	"github.com/emx-mail/msgserver/pkgs/config"
	"github.com/emx-mail/msgserver/pkgs/email"
	"github.com/emx-mail/msgserver/pkgs/mailerr"
)

// System serves the local account holding messages generated on the
// device. Nothing is fetched; sending only marks messages as sent.
type System struct {
	Base
	inUse bool
	queue []*email.Message
}

// NewSystem returns the local system client.
func NewSystem(cfg *config.AccountConfig, deps Deps, emit Sink) *System {
	return &System{Base: NewBase(deps, "system", cfg, emit)}
}

func (s *System) SetAccount(cfg *config.AccountConfig) error { return s.Rebind(cfg, s.inUse) }
func (s *System) InUse() bool                                { return s.inUse }
func (s *System) Tables() mailerr.Tables                     { return mailerr.GenericTables }
func (s *System) SetFoldersOnly(bool)                        {}
func (s *System) SetHeadersOnly(int)                         {}
func (s *System) NewMailCount() int                          { return 0 }
func (s *System) ResetNewMailCount()                         {}
func (s *System) HasDeleteImmediately() bool                 { return false }
func (s *System) DeleteImmediately([]string)                 {}
func (s *System) CloseConnection()                           {}

// Cancel reports Cancelled for a pending completion.
func (s *System) Cancel() {
	if !s.inUse {
		return
	}
	s.inUse = false
	s.queue = nil
	s.EmitError(mailerr.New(mailerr.Cancelled, "cancelled"))
}

// Connect completes on the next loop turn.
func (s *System) Connect() error {
	return s.complete(func() {
		s.Emit(Event{Kind: EventPartialRetrievalCompleted})
		if !s.inUse {
			s.Emit(Event{Kind: EventRetrievalCompleted})
		}
	})
}

// CheckForNewMessages completes on the next loop turn with no new mail.
func (s *System) CheckForNewMessages() error {
	return s.complete(func() {
		s.Emit(Event{Kind: EventPartialRetrievalCompleted})
		s.Emit(Event{Kind: EventNewCount})
		if !s.inUse {
			s.Emit(Event{Kind: EventRetrievalCompleted})
		}
	})
}

// SetSelectedMails reports every selection processed; system content is
// always local.
func (s *System) SetSelectedMails(sel *SelectionMap) error {
	return s.complete(func() {
		for {
			e, ok := sel.Next()
			if !ok {
				break
			}
			s.Emit(Event{Kind: EventMessageProcessed, UID: e.ServerUID, ID: e.ID})
		}
		s.Emit(Event{Kind: EventRetrievalCompleted})
	})
}

// AddMail queues m.
func (s *System) AddMail(m *email.Message) error {
	s.queue = append(s.queue, m)
	return nil
}

// Queued returns the ids waiting for Send.
func (s *System) Queued() []string {
	ids := make([]string, 0, len(s.queue))
	for _, m := range s.queue {
		ids = append(ids, m.ID)
	}
	return ids
}

func (s *System) ClearQueue() {
	if !s.inUse {
		s.queue = nil
	}
}

// Send reports the queued messages transmitted.
func (s *System) Send() error {
	return s.complete(func() {
		for _, m := range s.queue {
			s.Emit(Event{Kind: EventMessageTransmitted, ID: m.ID})
			s.Emit(Event{Kind: EventMessageProcessed, ID: m.ID})
		}
		s.queue = nil
		s.Emit(Event{Kind: EventSendCompleted})
	})
}

func (s *System) complete(fn func()) error {
	if s.inUse {
		return mailerr.New(mailerr.ConnectionInUse, "system client busy")
	}
	s.inUse = true
	s.Loop.Post(func() {
		if !s.inUse {
			return
		}
		s.inUse = false
		fn()
	})
	return nil
}
