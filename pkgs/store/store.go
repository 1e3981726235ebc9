// Package store persists folders, messages and pending server deletions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/emx-mail/msgserver/pkgs/email"
)

var (
	// ErrNotFound is returned when a folder or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStorageFull is returned when the database cannot grow.
	ErrStorageFull = errors.New("database or disk is full")
)

// Filter selects messages. Zero fields do not constrain the query.
type Filter struct {
	AccountID  string
	FolderID   string
	IDs        []string
	ServerUIDs []string
	Kind       email.Kind
	// Set requires every bit to be set, Unset every bit to be clear.
	Set   email.Status
	Unset email.Status
	Limit int
}

// DeletionRecord remembers a message deleted locally whose server copy has
// not been removed yet.
type DeletionRecord struct {
	AccountID string    `db:"account_id"`
	FolderID  string    `db:"folder_id"`
	ServerUID string    `db:"server_uid"`
	CreatedAt time.Time `db:"created_at"`
}

// ChangeKind classifies a store notification.
type ChangeKind int

const (
	MessagesAdded ChangeKind = iota + 1
	MessagesUpdated
	MessagesRemoved
	DeletionsAdded
	FoldersChanged
)

// Change is delivered to subscribers after a write commits. IDs holds
// message ids, except for DeletionsAdded where it holds server uids.
type Change struct {
	Kind      ChangeKind
	AccountID string
	IDs       []string
}

// Store is the message cache shared by every client.
type Store interface {
	AddFolder(ctx context.Context, f *email.Folder) error
	UpdateFolder(ctx context.Context, f *email.Folder) error
	// RemoveFolder deletes the folder and marks its messages removed,
	// returning their ids.
	RemoveFolder(ctx context.Context, id string) ([]string, error)
	Folder(ctx context.Context, id string) (*email.Folder, error)
	FolderByPath(ctx context.Context, accountID, path string) (*email.Folder, error)
	Folders(ctx context.Context, accountID string) ([]*email.Folder, error)

	AddMessage(ctx context.Context, m *email.Message) error
	UpdateMessage(ctx context.Context, m *email.Message) error
	Message(ctx context.Context, id string) (*email.Message, error)
	MessageByServerUID(ctx context.Context, accountID, uid string) (*email.Message, error)
	QueryMessages(ctx context.Context, f Filter) ([]*email.Message, error)
	CountMessages(ctx context.Context, f Filter) (int, error)
	ServerUIDs(ctx context.Context, f Filter) ([]string, error)
	// UpdateStatus sets and clears status bits on every matching message.
	UpdateStatus(ctx context.Context, f Filter, set, clear email.Status) (int, error)

	// RemoveMessages deletes messages locally, recording a deletion for
	// each one that still exists on its server.
	RemoveMessages(ctx context.Context, ids []string) error
	DeletionRecords(ctx context.Context, accountID, folderID string) ([]DeletionRecord, error)
	// PurgeDeletionRecords drops records for uids; nil drops every record
	// of the account.
	PurgeDeletionRecords(ctx context.Context, accountID string, uids []string) error

	// Subscribe registers fn for change notifications. The returned func
	// unregisters it.
	Subscribe(fn func(Change)) func()
	// CheckSpace returns ErrStorageFull when fewer than need bytes can be
	// written.
	CheckSpace(ctx context.Context, need int64) error
	Close() error
}
