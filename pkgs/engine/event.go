package engine

import (
	"github.com/emx-mail/msgserver/pkgs/client"
	"github.com/emx-mail/msgserver/pkgs/email"
	"github.com/emx-mail/msgserver/pkgs/mailerr"
)

// EventKind identifies an event reported to callers of the message server.
type EventKind int

const (
	StatusChanged EventKind = iota + 1
	// RetrievalTotal and RetrievalProgress count preview units during a
	// preview pass and indicative size units during complete retrieval.
	RetrievalTotal
	RetrievalProgress
	SendTotal
	SendProgress
	PartialMessageRetrieved
	MessageRetrieved
	MessageSent
	PartialRetrievalCompleted
	RetrievalCompleted
	SendCompleted
	ErrorOccurred
	NewMailDiscovered
	// NewCountDetermined follows a synchronisation once every client has
	// reported; NewCountChanged reports later changes.
	NewCountDetermined
	NewCountChanged
	// NewCount carries the new message count of one message kind.
	NewCount
	SearchTotal
	SearchProgress
	MatchingMessages
	SearchCompleted
)

var kindNames = map[EventKind]string{
	StatusChanged:             "status_changed",
	RetrievalTotal:            "retrieval_total",
	RetrievalProgress:         "retrieval_progress",
	SendTotal:                 "send_total",
	SendProgress:              "send_progress",
	PartialMessageRetrieved:   "partial_message_retrieved",
	MessageRetrieved:          "message_retrieved",
	MessageSent:               "message_sent",
	PartialRetrievalCompleted: "partial_retrieval_completed",
	RetrievalCompleted:        "retrieval_completed",
	SendCompleted:             "send_completed",
	ErrorOccurred:             "error_occurred",
	NewMailDiscovered:         "new_mail_discovered",
	NewCountDetermined:        "new_count_determined",
	NewCountChanged:           "new_count_changed",
	NewCount:                  "new_count",
	SearchTotal:               "search_total",
	SearchProgress:            "search_progress",
	MatchingMessages:          "matching_messages",
	SearchCompleted:           "search_completed",
}

func (k EventKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Event is one caller-facing notification.
type Event struct {
	Kind    EventKind     `json:"-"`
	Account string        `json:"account,omitempty"`
	ID      string        `json:"id,omitempty"`
	IDs     []string      `json:"ids,omitempty"`
	Status  client.Status `json:"status,omitempty"`
	// MessageKind qualifies NewCount.
	MessageKind email.Kind `json:"message_kind,omitempty"`
	// Value is a total, a progress figure or a count.
	Value int          `json:"value,omitempty"`
	Text  string       `json:"text,omitempty"`
	Code  mailerr.Code `json:"code,omitempty"`
}

// Listener receives events on the loop.
type Listener func(Event)
