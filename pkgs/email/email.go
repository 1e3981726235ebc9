package email

import (
	"time"
)

// Kind is the kind of traffic a message belongs to.
type Kind int

const (
	KindEmail Kind = iota + 1
	KindSMS
	KindMMS
	KindInstant
	KindSystem
)

var kindNames = map[Kind]string{
	KindEmail:   "email",
	KindSMS:     "sms",
	KindMMS:     "mms",
	KindInstant: "instant",
	KindSystem:  "system",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseKind returns the Kind named s, or false.
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// Kinds lists every message kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindEmail, KindSMS, KindMMS, KindInstant, KindSystem}
}

// Status holds the local state bits of a message.
type Status uint32

const (
	StatusIncoming Status = 1 << iota
	StatusOutgoing
	StatusNew
	StatusRead
	StatusReadElsewhere
	// StatusDownloaded marks a message whose complete content is stored.
	StatusDownloaded
	// StatusPartial marks a message with headers or a truncated body only.
	StatusPartial
	// StatusRemoved marks a message the server no longer has.
	StatusRemoved
	StatusSent
	StatusHasAttachments
	StatusTransmitFailed
)

// Message is a locally cached message. Content holds the raw RFC 5322
// bytes received so far: the header block after a preview, the whole
// message once downloaded.
type Message struct {
	ID        string
	AccountID string
	FolderID  string
	ServerUID string
	Kind      Kind

	From    Address
	To      []Address
	Cc      []Address
	Bcc     []Address
	Subject string
	Date    time.Time

	MessageID   string
	InReplyTo   string
	ContentType string

	// Size is the size reported by the server, or the content size for
	// outgoing messages.
	Size    int64
	Flags   MessageFlag
	Status  Status
	Content []byte

	// Received is when the record was first stored locally.
	Received time.Time
}

// Has reports whether every bit of s is set.
func (m *Message) Has(s Status) bool { return m.Status&s == s }

// SetStatus sets or clears the bits of s.
func (m *Message) SetStatus(s Status, on bool) {
	if on {
		m.Status |= s
	} else {
		m.Status &^= s
	}
}

// Recipients returns To, Cc and Bcc in that order.
func (m *Message) Recipients() []Address {
	all := make([]Address, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	all = append(all, m.To...)
	all = append(all, m.Cc...)
	return append(all, m.Bcc...)
}

// ContentSize is the size used for progress accounting.
func (m *Message) ContentSize() int64 {
	if m.Size > 0 {
		return m.Size
	}
	return int64(len(m.Content))
}

const indicativeUnit = 100 * 1024

// IndicativeSize is the weight of the message in progress units: one unit
// plus one per started 100 KiB.
func (m *Message) IndicativeSize() int {
	size := m.ContentSize()
	return 1 + int((size+indicativeUnit-1)/indicativeUnit)
}

// MessageFlag holds the IMAP system flags of a message.
type MessageFlag struct {
	Seen     bool
	Flagged  bool
	Answered bool
	Draft    bool
	Deleted  bool
	Recent   bool
}

// FolderStatus holds folder state bits.
type FolderStatus uint32

const (
	FolderSyncEnabled FolderStatus = 1 << iota
	FolderSynchronized
	FolderNoSelect
)

// Folder is a node in an account's folder tree.
type Folder struct {
	ID        string
	AccountID string
	ParentID  string
	// Path is the server-side name, Name the decoded display name of the
	// last path component.
	Path      string
	Name      string
	Delimiter string
	Status    FolderStatus

	ServerCount  int
	ServerUnread int
}

// Has reports whether every bit of s is set.
func (f *Folder) Has(s FolderStatus) bool { return f.Status&s == s }

// SetStatus sets or clears the bits of s.
func (f *Folder) SetStatus(s FolderStatus, on bool) {
	if on {
		f.Status |= s
	} else {
		f.Status &^= s
	}
}

// SendOptions describes a message to compose.
type SendOptions struct {
	From        Address
	To          []Address
	Cc          []Address
	Bcc         []Address
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []AttachmentPath
	InReplyTo   string
	References  []string
}

// AttachmentPath is a file to attach.
type AttachmentPath struct {
	Filename string
	Path     string
}

// Attachment is a non-text part of a parsed message.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int64
	Data        []byte
}
