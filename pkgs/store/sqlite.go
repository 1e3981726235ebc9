package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"

	"github.com/emx-mail/msgserver/pkgs/email"
)

// sqliteFull is the primary SQLITE_FULL result code.
const sqliteFull = 13

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB

	mu       sync.Mutex
	nextSub  int
	watchers map[int]func(Change)
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, enables
// WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One connection keeps ":memory:" databases shared and writes serial.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, watchers: make(map[int]func(Change))}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// SetQuota limits the database to roughly maxBytes. Zero removes the limit.
func (s *SQLiteStore) SetQuota(maxBytes int64) error {
	var pageSize int64
	if err := s.db.Get(&pageSize, "PRAGMA page_size"); err != nil {
		return fmt.Errorf("reading page size: %w", err)
	}
	pages := int64(1073741823)
	if maxBytes > 0 {
		pages = maxBytes / pageSize
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA max_page_count = %d", pages)); err != nil {
		return fmt.Errorf("setting max page count: %w", err)
	}
	return nil
}

// CheckSpace compares need with the room left below the page limit.
func (s *SQLiteStore) CheckSpace(ctx context.Context, need int64) error {
	var pageSize, pageCount, maxPages, freePages int64
	for _, q := range []struct {
		pragma string
		dst    *int64
	}{
		{"page_size", &pageSize},
		{"page_count", &pageCount},
		{"max_page_count", &maxPages},
		{"freelist_count", &freePages},
	} {
		if err := s.db.GetContext(ctx, q.dst, "PRAGMA "+q.pragma); err != nil {
			return fmt.Errorf("reading %s: %w", q.pragma, err)
		}
	}
	avail := (maxPages - pageCount + freePages) * pageSize
	if avail < need {
		return fmt.Errorf("%w: %d bytes needed, %d available", ErrStorageFull, need, avail)
	}
	return nil
}

// mapErr turns SQLITE_FULL into ErrStorageFull.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqliteFull {
		return fmt.Errorf("%w: %v", ErrStorageFull, err)
	}
	if strings.Contains(err.Error(), "database or disk is full") {
		return fmt.Errorf("%w: %v", ErrStorageFull, err)
	}
	return err
}

// Subscribe registers fn for change notifications.
func (s *SQLiteStore) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.watchers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *SQLiteStore) notify(c Change) {
	s.mu.Lock()
	fns := make([]func(Change), 0, len(s.watchers))
	for i := 0; i < s.nextSub; i++ {
		if fn, ok := s.watchers[i]; ok {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// === Folders ===

type folderRow struct {
	ID           string `db:"id"`
	AccountID    string `db:"account_id"`
	ParentID     string `db:"parent_id"`
	Path         string `db:"path"`
	Name         string `db:"name"`
	Delimiter    string `db:"delimiter"`
	Status       int64  `db:"status"`
	ServerCount  int    `db:"server_count"`
	ServerUnread int    `db:"server_unread"`
}

func (r *folderRow) folder() *email.Folder {
	return &email.Folder{
		ID:           r.ID,
		AccountID:    r.AccountID,
		ParentID:     r.ParentID,
		Path:         r.Path,
		Name:         r.Name,
		Delimiter:    r.Delimiter,
		Status:       email.FolderStatus(r.Status),
		ServerCount:  r.ServerCount,
		ServerUnread: r.ServerUnread,
	}
}

// AddFolder inserts f, assigning an id when it has none.
func (s *SQLiteStore) AddFolder(ctx context.Context, f *email.Folder) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (id, account_id, parent_id, path, name, delimiter, status, server_count, server_unread)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.AccountID, f.ParentID, f.Path, f.Name, f.Delimiter, int64(f.Status), f.ServerCount, f.ServerUnread,
	)
	if err != nil {
		return fmt.Errorf("adding folder %s: %w", f.Path, mapErr(err))
	}
	s.notify(Change{Kind: FoldersChanged, AccountID: f.AccountID, IDs: []string{f.ID}})
	return nil
}

// UpdateFolder rewrites f.
func (s *SQLiteStore) UpdateFolder(ctx context.Context, f *email.Folder) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE folders SET parent_id = ?, path = ?, name = ?, delimiter = ?, status = ?,
			server_count = ?, server_unread = ?
		WHERE id = ?`,
		f.ParentID, f.Path, f.Name, f.Delimiter, int64(f.Status), f.ServerCount, f.ServerUnread, f.ID,
	)
	if err != nil {
		return fmt.Errorf("updating folder %s: %w", f.Path, mapErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating folder %s: %w", f.Path, ErrNotFound)
	}
	s.notify(Change{Kind: FoldersChanged, AccountID: f.AccountID, IDs: []string{f.ID}})
	return nil
}

// RemoveFolder deletes the folder and marks its messages removed.
func (s *SQLiteStore) RemoveFolder(ctx context.Context, id string) ([]string, error) {
	f, err := s.Folder(ctx, id)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var ids []string
	if err := tx.SelectContext(ctx, &ids, "SELECT id FROM messages WHERE folder_id = ? ORDER BY rowid", id); err != nil {
		return nil, fmt.Errorf("listing folder messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE messages SET status = status | ? WHERE folder_id = ?",
		int64(email.StatusRemoved), id); err != nil {
		return nil, fmt.Errorf("marking folder messages removed: %w", mapErr(err))
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM folders WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("removing folder %s: %w", f.Path, mapErr(err))
	}
	if err := tx.Commit(); err != nil {
		return nil, mapErr(err)
	}

	s.notify(Change{Kind: FoldersChanged, AccountID: f.AccountID, IDs: []string{id}})
	if len(ids) > 0 {
		s.notify(Change{Kind: MessagesUpdated, AccountID: f.AccountID, IDs: ids})
	}
	return ids, nil
}

// Folder returns the folder with id.
func (s *SQLiteStore) Folder(ctx context.Context, id string) (*email.Folder, error) {
	var row folderRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM folders WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("folder %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting folder %s: %w", id, err)
	}
	return row.folder(), nil
}

// FolderByPath returns the folder of accountID named path.
func (s *SQLiteStore) FolderByPath(ctx context.Context, accountID, path string) (*email.Folder, error) {
	var row folderRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM folders WHERE account_id = ? AND path = ?", accountID, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("folder %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting folder %s: %w", path, err)
	}
	return row.folder(), nil
}

// Folders returns the folders of accountID ordered by path.
func (s *SQLiteStore) Folders(ctx context.Context, accountID string) ([]*email.Folder, error) {
	var rows []folderRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM folders WHERE account_id = ? ORDER BY path", accountID); err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}
	folders := make([]*email.Folder, 0, len(rows))
	for i := range rows {
		folders = append(folders, rows[i].folder())
	}
	return folders, nil
}

// === Messages ===

type messageRow struct {
	ID          string       `db:"id"`
	AccountID   string       `db:"account_id"`
	FolderID    string       `db:"folder_id"`
	ServerUID   string       `db:"server_uid"`
	Kind        int          `db:"kind"`
	Sender      string       `db:"sender"`
	Recipients  string       `db:"recipients"`
	Subject     string       `db:"subject"`
	SentAt      sql.NullTime `db:"sent_at"`
	MessageID   string       `db:"message_id"`
	InReplyTo   string       `db:"in_reply_to"`
	ContentType string       `db:"content_type"`
	Size        int64        `db:"size"`
	Flags       int64        `db:"flags"`
	Status      int64        `db:"status"`
	Content     []byte       `db:"content"`
	ReceivedAt  time.Time    `db:"received_at"`
}

type recipients struct {
	To  []email.Address `json:"to,omitempty"`
	Cc  []email.Address `json:"cc,omitempty"`
	Bcc []email.Address `json:"bcc,omitempty"`
}

const (
	flagSeen = 1 << iota
	flagFlagged
	flagAnswered
	flagDraft
	flagDeleted
	flagRecent
)

func encodeFlags(f email.MessageFlag) int64 {
	var v int64
	for bit, on := range map[int64]bool{
		flagSeen: f.Seen, flagFlagged: f.Flagged, flagAnswered: f.Answered,
		flagDraft: f.Draft, flagDeleted: f.Deleted, flagRecent: f.Recent,
	} {
		if on {
			v |= bit
		}
	}
	return v
}

func decodeFlags(v int64) email.MessageFlag {
	return email.MessageFlag{
		Seen:     v&flagSeen != 0,
		Flagged:  v&flagFlagged != 0,
		Answered: v&flagAnswered != 0,
		Draft:    v&flagDraft != 0,
		Deleted:  v&flagDeleted != 0,
		Recent:   v&flagRecent != 0,
	}
}

func newMessageRow(m *email.Message) (*messageRow, error) {
	sender, err := json.Marshal(m.From)
	if err != nil {
		return nil, fmt.Errorf("marshaling sender: %w", err)
	}
	rcpts, err := json.Marshal(recipients{To: m.To, Cc: m.Cc, Bcc: m.Bcc})
	if err != nil {
		return nil, fmt.Errorf("marshaling recipients: %w", err)
	}
	row := &messageRow{
		ID:          m.ID,
		AccountID:   m.AccountID,
		FolderID:    m.FolderID,
		ServerUID:   m.ServerUID,
		Kind:        int(m.Kind),
		Sender:      string(sender),
		Recipients:  string(rcpts),
		Subject:     m.Subject,
		MessageID:   m.MessageID,
		InReplyTo:   m.InReplyTo,
		ContentType: m.ContentType,
		Size:        m.Size,
		Flags:       encodeFlags(m.Flags),
		Status:      int64(m.Status),
		Content:     m.Content,
		ReceivedAt:  m.Received.UTC(),
	}
	if !m.Date.IsZero() {
		row.SentAt = sql.NullTime{Time: m.Date.UTC(), Valid: true}
	}
	return row, nil
}

func (r *messageRow) message() (*email.Message, error) {
	m := &email.Message{
		ID:          r.ID,
		AccountID:   r.AccountID,
		FolderID:    r.FolderID,
		ServerUID:   r.ServerUID,
		Kind:        email.Kind(r.Kind),
		Subject:     r.Subject,
		MessageID:   r.MessageID,
		InReplyTo:   r.InReplyTo,
		ContentType: r.ContentType,
		Size:        r.Size,
		Flags:       decodeFlags(r.Flags),
		Status:      email.Status(r.Status),
		Content:     r.Content,
		Received:    r.ReceivedAt,
	}
	if r.SentAt.Valid {
		m.Date = r.SentAt.Time
	}
	if err := json.Unmarshal([]byte(r.Sender), &m.From); err != nil {
		return nil, fmt.Errorf("unmarshaling sender of %s: %w", r.ID, err)
	}
	var rc recipients
	if err := json.Unmarshal([]byte(r.Recipients), &rc); err != nil {
		return nil, fmt.Errorf("unmarshaling recipients of %s: %w", r.ID, err)
	}
	m.To, m.Cc, m.Bcc = rc.To, rc.Cc, rc.Bcc
	return m, nil
}

// AddMessage inserts m, assigning an id and receive time when unset.
func (s *SQLiteStore) AddMessage(ctx context.Context, m *email.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Received.IsZero() {
		m.Received = time.Now()
	}
	row, err := newMessageRow(m)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO messages (
			id, account_id, folder_id, server_uid, kind,
			sender, recipients, subject, sent_at,
			message_id, in_reply_to, content_type,
			size, flags, status, content, received_at
		) VALUES (
			:id, :account_id, :folder_id, :server_uid, :kind,
			:sender, :recipients, :subject, :sent_at,
			:message_id, :in_reply_to, :content_type,
			:size, :flags, :status, :content, :received_at
		)`, row)
	if err != nil {
		return fmt.Errorf("adding message %s: %w", m.ID, mapErr(err))
	}
	s.notify(Change{Kind: MessagesAdded, AccountID: m.AccountID, IDs: []string{m.ID}})
	return nil
}

// UpdateMessage rewrites every column of m.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, m *email.Message) error {
	row, err := newMessageRow(m)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE messages SET
			account_id = :account_id, folder_id = :folder_id, server_uid = :server_uid, kind = :kind,
			sender = :sender, recipients = :recipients, subject = :subject, sent_at = :sent_at,
			message_id = :message_id, in_reply_to = :in_reply_to, content_type = :content_type,
			size = :size, flags = :flags, status = :status, content = :content
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("updating message %s: %w", m.ID, mapErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating message %s: %w", m.ID, ErrNotFound)
	}
	s.notify(Change{Kind: MessagesUpdated, AccountID: m.AccountID, IDs: []string{m.ID}})
	return nil
}

// Message returns the message with id.
func (s *SQLiteStore) Message(ctx context.Context, id string) (*email.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM messages WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}
	return row.message()
}

// MessageByServerUID returns the message of accountID with server uid.
func (s *SQLiteStore) MessageByServerUID(ctx context.Context, accountID, uid string) (*email.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row,
		"SELECT * FROM messages WHERE account_id = ? AND server_uid = ? ORDER BY rowid LIMIT 1", accountID, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", uid, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", uid, err)
	}
	return row.message()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (f Filter) where() (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if f.AccountID != "" {
		conditions = append(conditions, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.FolderID != "" {
		conditions = append(conditions, "folder_id = ?")
		args = append(args, f.FolderID)
	}
	if f.IDs != nil {
		if len(f.IDs) == 0 {
			conditions = append(conditions, "0")
		} else {
			conditions = append(conditions, "id IN ("+placeholders(len(f.IDs))+")")
			for _, id := range f.IDs {
				args = append(args, id)
			}
		}
	}
	if f.ServerUIDs != nil {
		if len(f.ServerUIDs) == 0 {
			conditions = append(conditions, "0")
		} else {
			conditions = append(conditions, "server_uid IN ("+placeholders(len(f.ServerUIDs))+")")
			for _, uid := range f.ServerUIDs {
				args = append(args, uid)
			}
		}
	}
	if f.Kind != 0 {
		conditions = append(conditions, "kind = ?")
		args = append(args, int(f.Kind))
	}
	if f.Set != 0 {
		conditions = append(conditions, "status & ? = ?")
		args = append(args, int64(f.Set), int64(f.Set))
	}
	if f.Unset != 0 {
		conditions = append(conditions, "status & ? = 0")
		args = append(args, int64(f.Unset))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// QueryMessages returns matching messages in insertion order.
func (s *SQLiteStore) QueryMessages(ctx context.Context, f Filter) ([]*email.Message, error) {
	where, args := f.where()
	query := "SELECT * FROM messages" + where + " ORDER BY rowid"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	msgs := make([]*email.Message, 0, len(rows))
	for i := range rows {
		m, err := rows[i].message()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// CountMessages counts matching messages.
func (s *SQLiteStore) CountMessages(ctx context.Context, f Filter) (int, error) {
	where, args := f.where()
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM messages"+where, args...); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

// ServerUIDs returns the non-empty server uids of matching messages.
func (s *SQLiteStore) ServerUIDs(ctx context.Context, f Filter) ([]string, error) {
	where, args := f.where()
	if where == "" {
		where = " WHERE server_uid != ''"
	} else {
		where += " AND server_uid != ''"
	}
	var uids []string
	if err := s.db.SelectContext(ctx, &uids, "SELECT server_uid FROM messages"+where+" ORDER BY rowid", args...); err != nil {
		return nil, fmt.Errorf("listing server uids: %w", err)
	}
	return uids, nil
}

// UpdateStatus sets and clears status bits on matching messages.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, f Filter, set, clear email.Status) (int, error) {
	where, args := f.where()
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, "SELECT id FROM messages"+where+" ORDER BY rowid", args...); err != nil {
		return 0, fmt.Errorf("selecting messages: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	query := "UPDATE messages SET status = (status | ?) & ~? WHERE id IN (" + placeholders(len(ids)) + ")"
	updateArgs := []interface{}{int64(set), int64(clear)}
	for _, id := range ids {
		updateArgs = append(updateArgs, id)
	}
	if _, err := s.db.ExecContext(ctx, query, updateArgs...); err != nil {
		return 0, fmt.Errorf("updating status: %w", mapErr(err))
	}
	s.notify(Change{Kind: MessagesUpdated, AccountID: f.AccountID, IDs: ids})
	return len(ids), nil
}

// === Deletions ===

// RemoveMessages deletes messages and records pending server deletions.
func (s *SQLiteStore) RemoveMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	type target struct {
		ID        string `db:"id"`
		AccountID string `db:"account_id"`
		FolderID  string `db:"folder_id"`
		ServerUID string `db:"server_uid"`
		Status    int64  `db:"status"`
	}
	args := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	var targets []target
	err = tx.SelectContext(ctx, &targets,
		"SELECT id, account_id, folder_id, server_uid, status FROM messages WHERE id IN ("+placeholders(len(ids))+") ORDER BY rowid",
		args...)
	if err != nil {
		return fmt.Errorf("selecting messages: %w", err)
	}

	removed := map[string][]string{}
	deleted := map[string][]string{}
	var accounts []string
	now := time.Now().UTC()
	for _, t := range targets {
		if _, ok := removed[t.AccountID]; !ok {
			accounts = append(accounts, t.AccountID)
		}
		removed[t.AccountID] = append(removed[t.AccountID], t.ID)
		if t.ServerUID == "" || email.Status(t.Status)&email.StatusRemoved != 0 {
			continue
		}
		_, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO deletions (account_id, folder_id, server_uid, created_at) VALUES (?, ?, ?, ?)",
			t.AccountID, t.FolderID, t.ServerUID, now)
		if err != nil {
			return fmt.Errorf("recording deletion: %w", mapErr(err))
		}
		deleted[t.AccountID] = append(deleted[t.AccountID], t.ServerUID)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id IN ("+placeholders(len(ids))+")", args...); err != nil {
		return fmt.Errorf("deleting messages: %w", mapErr(err))
	}
	if err := tx.Commit(); err != nil {
		return mapErr(err)
	}

	for _, acc := range accounts {
		s.notify(Change{Kind: MessagesRemoved, AccountID: acc, IDs: removed[acc]})
		if uids := deleted[acc]; len(uids) > 0 {
			s.notify(Change{Kind: DeletionsAdded, AccountID: acc, IDs: uids})
		}
	}
	return nil
}

// DeletionRecords lists pending deletions of an account, optionally
// restricted to one folder.
func (s *SQLiteStore) DeletionRecords(ctx context.Context, accountID, folderID string) ([]DeletionRecord, error) {
	query := "SELECT * FROM deletions WHERE account_id = ?"
	args := []interface{}{accountID}
	if folderID != "" {
		query += " AND folder_id = ?"
		args = append(args, folderID)
	}
	var recs []DeletionRecord
	if err := s.db.SelectContext(ctx, &recs, query+" ORDER BY created_at, server_uid", args...); err != nil {
		return nil, fmt.Errorf("listing deletion records: %w", err)
	}
	return recs, nil
}

// PurgeDeletionRecords drops the records of uids, or all records of the
// account when uids is nil.
func (s *SQLiteStore) PurgeDeletionRecords(ctx context.Context, accountID string, uids []string) error {
	if uids != nil && len(uids) == 0 {
		return nil
	}
	query := "DELETE FROM deletions WHERE account_id = ?"
	args := []interface{}{accountID}
	if uids != nil {
		query += " AND server_uid IN (" + placeholders(len(uids)) + ")"
		for _, uid := range uids {
			args = append(args, uid)
		}
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("purging deletion records: %w", mapErr(err))
	}
	return nil
}
