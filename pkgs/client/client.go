// Package client defines the account client contract shared by every
// protocol, the events clients report, and the clients that do not speak a
// line protocol.
package client

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/emx-mail/msgserver/pkgs/config"
	"github.com/emx-mail/msgserver/pkgs/email"
	"github.com/emx-mail/msgserver/pkgs/loop"
	"github.com/emx-mail/msgserver/pkgs/mailerr"
	"github.com/emx-mail/msgserver/pkgs/store"
	"github.com/emx-mail/msgserver/pkgs/transport"
)

// Status is the coarse phase a client reports while working.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusLogin
	StatusListing
	StatusSynchronizing
	// StatusFetch is the preview pass; StatusRetrieving fetches selected
	// content.
	StatusFetch
	StatusRetrieving
	StatusSending
	StatusDone
)

var statusNames = [...]string{"idle", "connecting", "login", "listing", "synchronizing", "fetch", "retrieving", "sending", "done"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// EventKind identifies a client event.
type EventKind int

const (
	EventStatus EventKind = iota + 1
	// EventFetchTotal and EventFetchProgress count preview units.
	EventFetchTotal
	EventFetchProgress
	// EventMessageRetrieved reports a stored message; Partial is set for
	// previews.
	EventMessageRetrieved
	// EventRetrievalProgress reports Bytes of Total received for UID.
	EventRetrievalProgress
	// EventMessageProcessed reports a selected UID, or an outgoing ID, as
	// finished.
	EventMessageProcessed
	EventPartialRetrievalCompleted
	EventRetrievalCompleted
	// EventSendProgress reports Bytes of Total written for ID.
	EventSendProgress
	EventMessageTransmitted
	EventSendCompleted
	EventError
	EventNewMailDiscovered
	// EventNewCount reports how many messages the last pass discovered.
	EventNewCount
)

// Event is reported by a client on the loop.
type Event struct {
	Kind    EventKind
	Account string
	Status  Status
	// UID is a server uid, ID a local message id.
	UID     string
	ID      string
	Partial bool
	Count   int
	Bytes   int64
	Total   int64
	Err     *mailerr.Error
}

// Sink receives client events.
type Sink func(Event)

// Deps are the collaborators every client is built from.
type Deps struct {
	Ctx       context.Context
	Loop      *loop.Loop
	Store     store.Store
	Transport transport.Factory
	HTTP      *http.Client
	Log       *zap.Logger
}

// Client is the part of the contract common to retrieval and transmission.
type Client interface {
	Account() string
	// SetAccount rebinds the client; it fails with ConnectionInUse while a
	// session for a different account is open.
	SetAccount(cfg *config.AccountConfig) error
	InUse() bool
	// Cancel forces the session to its final step and reports Cancelled.
	Cancel()
	// CloseConnection ends the session normally.
	CloseConnection()
	// Tables selects the error text tables used for this client.
	Tables() mailerr.Tables
}

// Retriever fetches messages for an account.
type Retriever interface {
	Client
	// Connect starts a preview pass. The session stays open after
	// EventPartialRetrievalCompleted until SetSelectedMails or
	// CloseConnection.
	Connect() error
	// CheckForNewMessages runs a preview pass that ends the session as soon
	// as the new message count is known.
	CheckForNewMessages() error
	SetFoldersOnly(on bool)
	// SetHeadersOnly bounds the size up to which the preview pass fetches
	// a whole message instead of its header. Zero fetches headers only.
	SetHeadersOnly(limit int)
	// SetSelectedMails arms, or starts, the complete-retrieval pass.
	SetSelectedMails(sel *SelectionMap) error
	NewMailCount() int
	ResetNewMailCount()
	HasDeleteImmediately() bool
	DeleteImmediately(uids []string)
}

// Transmitter sends messages for an account.
type Transmitter interface {
	Client
	// AddMail queues m for the next Send.
	AddMail(m *email.Message) error
	// Send transmits the queued messages.
	Send() error
	// Queued returns the ids still waiting to be transmitted.
	Queued() []string
	// ClearQueue drops queued messages that were never sent.
	ClearQueue()
}

// ErrorEvent builds an EventError for account.
func ErrorEvent(account string, err error) Event {
	return Event{Kind: EventError, Account: account, Err: mailerr.As(err)}
}
