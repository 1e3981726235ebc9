package imap

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"go.uber.org/zap"

	"github.com/emx-mail/msgserver/pkgs/client"
	"github.com/emx-mail/msgserver/pkgs/config"
	"github.com/emx-mail/msgserver/pkgs/email"
	"github.com/emx-mail/msgserver/pkgs/loop"
	"github.com/emx-mail/msgserver/pkgs/mailerr"
	"github.com/emx-mail/msgserver/pkgs/reconcile"
	"github.com/emx-mail/msgserver/pkgs/store"
	"github.com/emx-mail/msgserver/pkgs/transport"
)

// Fetch item lists.
const (
	previewItems = "(UID FLAGS RFC822.SIZE BODY.PEEK[HEADER])"
	bodyItems    = "(UID FLAGS RFC822.SIZE BODY.PEEK[])"
)

// logoutGrace bounds how long a cancelled session waits for the LOGOUT
// completion before dropping the connection.
const logoutGrace = 5 * time.Second

// step is the position of the client in a retrieval pass.
type step int

const (
	stepIdle step = iota
	stepConnect
	stepCapability
	stepStartTLS
	stepLogin
	stepList
	stepSelect
	stepSearchSeen
	stepSearchUnseen
	stepSearchAll
	stepStoreSeen
	stepStoreDeleted
	stepExpunge
	stepPreviewHeaders
	stepPreviewBodies
	stepAwaitSelection
	stepSelectForFetch
	stepFetch
	stepLogout
)

// ServerUID joins a mailbox and its UID into the account-unique uid kept
// in the store.
func ServerUID(mailbox, uid string) string { return mailbox + "|" + uid }

// SplitServerUID reverses ServerUID.
func SplitServerUID(s string) (mailbox, uid string) {
	i := strings.LastIndexByte(s, '|')
	if i < 0 {
		return "", s
	}
	return s[:i], s[i+1:]
}

// Client retrieves mail over IMAP.
type Client struct {
	client.Base
	proto *Protocol
	idle  *IdleSession

	foldersOnly bool
	headerLimit int
	checkOnly   bool
	newCount    int

	step         step
	cancelled    bool
	completeOnly bool
	preauth      bool
	caps         imap.CapSet
	sel          *client.SelectionMap

	queue    []*email.Folder
	folder   *email.Folder
	selected string
	exists   int
	seen     []string
	unseen   []string
	all      []string
	result   reconcile.Result
	small    []string

	fetchTotal int
	fetchDone  int

	current     client.Selection
	currentMbox string
	currentUID  string
	gotCurrent  bool
	logoutTimer *loop.Timer
}

var _ client.Retriever = (*Client)(nil)

// New creates an IMAP client for cfg.
func New(cfg *config.AccountConfig, deps client.Deps, emit client.Sink) *Client {
	c := &Client{Base: client.NewBase(deps, "imap", cfg, emit)}
	if cfg != nil {
		c.headerLimit = cfg.PreviewSize
	}
	c.proto = NewProtocol(deps.Transport, c.Log, c)
	return c
}

func (c *Client) settings() config.ProtocolSettings { return c.Config().IMAP }

func (c *Client) InUse() bool                { return c.step != stepIdle || c.proto.InUse() }
func (c *Client) Tables() mailerr.Tables     { return mailerr.MailTables }
func (c *Client) SetFoldersOnly(on bool)     { c.foldersOnly = on }
func (c *Client) SetHeadersOnly(limit int)   { c.headerLimit = limit }
func (c *Client) NewMailCount() int          { return c.newCount }
func (c *Client) ResetNewMailCount()         { c.newCount = 0 }
func (c *Client) HasDeleteImmediately() bool { return false }
func (c *Client) DeleteImmediately([]string) {}

// SetAccount rebinds the client. The IDLE session follows the account.
func (c *Client) SetAccount(cfg *config.AccountConfig) error {
	prev := c.settings()
	if err := c.Rebind(cfg, c.InUse()); err != nil {
		return err
	}
	if c.idle != nil && (prev != cfg.IMAP || !cfg.Push) {
		c.idle.Stop()
		c.idle = nil
	}
	return nil
}

// Idle returns the IDLE session, nil until the server advertised IDLE on
// a push account.
func (c *Client) Idle() *IdleSession { return c.idle }

// Shutdown stops the IDLE session.
func (c *Client) Shutdown() {
	if c.idle != nil {
		c.idle.Stop()
	}
}

// Connect starts a preview pass.
func (c *Client) Connect() error {
	return c.start(false, false)
}

// CheckForNewMessages starts a preview pass that logs out once the new
// message count is known.
func (c *Client) CheckForNewMessages() error {
	return c.start(true, false)
}

func (c *Client) start(checkOnly, completeOnly bool) error {
	if c.InUse() {
		return mailerr.New(mailerr.ConnectionInUse, "imap session already open")
	}
	s := c.settings()
	if !s.Configured() {
		return mailerr.New(mailerr.Configuration, "imap host not configured")
	}
	if err := c.proto.Open(s.Host, s.Port, s.Encryption()); err != nil {
		return err
	}
	c.checkOnly = checkOnly
	c.completeOnly = completeOnly
	c.cancelled = false
	c.queue = nil
	c.folder = nil
	c.selected = ""
	c.fetchTotal, c.fetchDone = 0, 0
	if !completeOnly {
		c.sel = nil
	}
	c.step = stepConnect
	c.EmitStatus(client.StatusConnecting)
	return nil
}

// SetSelectedMails arms the complete-retrieval pass. A session waiting
// after its preview starts fetching at once; without a session one is
// opened that goes straight to the selected messages.
func (c *Client) SetSelectedMails(sel *client.SelectionMap) error {
	switch {
	case c.step == stepAwaitSelection:
		c.sel = sel
		c.startSelected()
		return nil
	case c.InUse():
		if c.sel != nil || c.checkOnly {
			return mailerr.New(mailerr.ConnectionInUse, "imap session already open")
		}
		c.sel = sel
		return nil
	}
	c.sel = sel
	return c.start(false, true)
}

// CloseConnection logs out of a session waiting for a selection.
func (c *Client) CloseConnection() {
	if c.step == stepIdle || c.step == stepLogout {
		return
	}
	c.logout()
}

// Cancel abandons the pass: LOGOUT is sent at once and Cancelled is
// reported instead of a completion.
func (c *Client) Cancel() {
	if !c.InUse() || c.cancelled {
		return
	}
	c.cancelled = true
	c.EmitError(mailerr.New(mailerr.Cancelled, "retrieval cancelled"))
	if !c.proto.Connected() {
		c.teardown()
		return
	}
	c.step = stepLogout
	if err := c.proto.Logout(); err != nil {
		c.teardown()
		return
	}
	c.logoutTimer = c.Loop.AfterFunc(logoutGrace, func() {
		if c.step == stepLogout {
			c.teardown()
		}
	})
}

func (c *Client) teardown() {
	c.logoutTimer.Stop()
	c.proto.Close()
	c.step = stepIdle
	c.queue = nil
	c.folder = nil
	c.sel = nil
}

// fail ends the pass with a critical error.
func (c *Client) fail(err error) {
	if c.cancelled {
		c.teardown()
		return
	}
	c.teardown()
	c.EmitError(err)
}

func (c *Client) check(err error) {
	if err != nil {
		c.fail(err)
	}
}

func storageFailure(err error) error {
	return mailerr.Wrap(mailerr.StorageFull, err)
}

func (c *Client) logout() {
	c.step = stepLogout
	c.EmitStatus(client.StatusDone)
	if err := c.proto.Logout(); err != nil {
		c.finish()
	}
}

func (c *Client) finish() {
	cancelled := c.cancelled
	c.teardown()
	if !cancelled {
		c.Emit(client.Event{Kind: client.EventRetrievalCompleted})
	}
}

// Protocol events.

func (c *Client) Greeted(preauth bool) {
	c.preauth = preauth
	c.step = stepCapability
	c.check(c.proto.Capability())
}

func (c *Client) Encrypted() {
	if c.step != stepStartTLS {
		return
	}
	c.step = stepCapability
	c.check(c.proto.Capability())
}

func (c *Client) Failed(err error) {
	if c.step == stepLogout {
		c.finish()
		return
	}
	if c.step == stepIdle {
		return
	}
	c.fail(err)
}

func (c *Client) Idling()    {}
func (c *Client) Exists(int) {}

func (c *Client) Completed(r *Response) {
	if c.step == stepLogout {
		if r.Command == CmdLogout {
			c.finish()
		}
		return
	}
	if !r.OK() {
		switch r.Command {
		case CmdStore:
			c.Log.Warn("flag store refused", zap.String("text", r.Text))
		case CmdStartTLS:
			c.Log.Warn("STARTTLS refused, continuing unencrypted", zap.String("text", r.Text))
			c.login()
			return
		case CmdLogin:
			c.fail(mailerr.New(mailerr.LoginFailed, r.Text))
			return
		default:
			c.fail(mailerr.Newf(mailerr.UnknownResponse, "%s: %s %s", r.Command, r.Status, r.Text))
			return
		}
	}

	switch c.step {
	case stepCapability:
		c.capabilities(r)
	case stepStartTLS:
		c.check(c.proto.SwitchToEncrypted())
	case stepLogin:
		c.loggedIn()
	case stepList:
		c.listed(r.Mailboxes)
	case stepSelect:
		c.selectedFolder(r)
	case stepSearchSeen:
		c.seen = r.UIDs
		c.step = stepSearchUnseen
		c.check(c.proto.UIDSearch("UNSEEN"))
	case stepSearchUnseen:
		c.unseen = r.UIDs
		if len(c.seen)+len(c.unseen) != c.exists {
			c.Log.Debug("seen and unseen disagree with exists, searching all",
				zap.Int("seen", len(c.seen)), zap.Int("unseen", len(c.unseen)), zap.Int("exists", c.exists))
			c.step = stepSearchAll
			c.check(c.proto.UIDSearch("ALL"))
			return
		}
		c.reconcileFolder()
	case stepSearchAll:
		c.all = r.UIDs
		c.reconcileFolder()
	case stepStoreSeen:
		if r.OK() {
			c.setStatus(c.result.Read, email.StatusReadElsewhere, 0)
		}
		c.deleteOnServer()
	case stepStoreDeleted:
		if !r.OK() {
			c.preview()
			return
		}
		c.step = stepExpunge
		c.check(c.proto.Expunge())
	case stepExpunge:
		if err := c.Store.PurgeDeletionRecords(c.Ctx, c.Account(), c.full(c.result.Removed)); err != nil {
			c.fail(storageFailure(err))
			return
		}
		c.preview()
	case stepPreviewHeaders:
		c.previewBodies()
	case stepPreviewBodies:
		c.nextFolder()
	case stepSelectForFetch:
		c.selected = c.currentMbox
		c.fetchCurrent()
	case stepFetch:
		c.fetchedCurrent()
	}
}

func (c *Client) capabilities(r *Response) {
	c.caps = r.Caps
	if c.caps == nil {
		c.caps = imap.CapSet{}
	}
	if c.settings().Encryption() == transport.EncryptTLS && !c.proto.Encrypted() {
		if c.caps.Has(imap.CapStartTLS) {
			c.step = stepStartTLS
			c.check(c.proto.StartTLS())
			return
		}
		c.Log.Warn("server does not offer STARTTLS, continuing unencrypted")
	}
	if c.Config().Push && SupportsIdle(c.caps) && c.idle == nil {
		c.idle = NewIdleSession(c.Loop, c.Transport, c.Log, c.settings(), func() {
			c.Emit(client.Event{Kind: client.EventNewMailDiscovered})
		})
		c.idle.Start()
	}
	if c.preauth {
		c.loggedIn()
		return
	}
	c.login()
}

func (c *Client) login() {
	c.step = stepLogin
	c.EmitStatus(client.StatusLogin)
	s := c.settings()
	c.check(c.proto.Login(s.Username, s.Password))
}

func (c *Client) loggedIn() {
	if c.completeOnly {
		c.startSelected()
		return
	}
	c.step = stepList
	c.EmitStatus(client.StatusListing)
	pattern := "*"
	if base := c.Config().BaseFolder; base != "" {
		pattern = base + "*"
	}
	c.check(c.proto.List("", pattern))
}

// listed mirrors the server folder tree into the store and queues the
// folders to synchronise.
func (c *Client) listed(entries []ListEntry) {
	ctx := c.Ctx
	account := c.Account()
	existing, err := c.Store.Folders(ctx, account)
	if err != nil {
		c.fail(storageFailure(err))
		return
	}
	byPath := make(map[string]*email.Folder, len(existing))
	for _, f := range existing {
		byPath[f.Path] = f
	}
	seen := make(map[string]bool)
	var queue []*email.Folder

	for _, e := range entries {
		parts := []string{e.Name}
		if e.Delim != "" {
			parts = strings.Split(e.Name, e.Delim)
		}
		parentID := ""
		for i := range parts {
			path := strings.Join(parts[:i+1], e.Delim)
			leaf := i == len(parts)-1
			f, ok := byPath[path]
			if !ok {
				f = &email.Folder{
					AccountID: account,
					ParentID:  parentID,
					Path:      path,
					Name:      DecodeMailboxName(parts[i]),
					Delimiter: e.Delim,
					Status:    email.FolderSyncEnabled,
				}
				if !leaf || e.NoSelect() {
					f.SetStatus(email.FolderNoSelect, true)
				}
				if err := c.Store.AddFolder(ctx, f); err != nil {
					c.fail(storageFailure(err))
					return
				}
				byPath[path] = f
			} else if leaf && f.Has(email.FolderNoSelect) != e.NoSelect() {
				f.SetStatus(email.FolderNoSelect, e.NoSelect())
				if err := c.Store.UpdateFolder(ctx, f); err != nil {
					c.fail(storageFailure(err))
					return
				}
			}
			if leaf && !seen[path] && f.Has(email.FolderSyncEnabled) && !f.Has(email.FolderNoSelect) {
				queue = append(queue, f)
			}
			seen[path] = true
			parentID = f.ID
		}
	}

	for _, f := range existing {
		if seen[f.Path] {
			continue
		}
		ids, err := c.Store.RemoveFolder(ctx, f.ID)
		if err != nil {
			c.fail(storageFailure(err))
			return
		}
		c.Log.Info("folder removed on server", zap.String("folder", f.Path), zap.Int("messages", len(ids)))
	}

	c.queue = queue
	if c.foldersOnly {
		c.previewDone()
		return
	}
	c.EmitStatus(client.StatusSynchronizing)
	c.nextFolder()
}

func (c *Client) nextFolder() {
	if len(c.queue) == 0 {
		c.folder = nil
		c.previewDone()
		return
	}
	c.folder, c.queue = c.queue[0], c.queue[1:]
	c.seen, c.unseen, c.all = nil, nil, nil
	c.result = reconcile.Result{}
	c.small = nil
	c.step = stepSelect
	c.check(c.proto.Select(c.folder.Path))
}

func (c *Client) selectedFolder(r *Response) {
	c.selected = c.folder.Path
	c.exists = r.Exists
	if c.exists == 0 {
		c.reconcileFolder()
		return
	}
	c.step = stepSearchSeen
	c.check(c.proto.UIDSearch("SEEN"))
}

// full maps bare UIDs of the current folder to store uids.
func (c *Client) full(uids []string) []string {
	out := make([]string, len(uids))
	for i, u := range uids {
		out[i] = ServerUID(c.folder.Path, u)
	}
	return out
}

func (c *Client) setStatus(uids []string, set, clear email.Status) bool {
	if len(uids) == 0 {
		return true
	}
	f := store.Filter{AccountID: c.Account(), FolderID: c.folder.ID, ServerUIDs: c.full(uids)}
	if _, err := c.Store.UpdateStatus(c.Ctx, f, set, clear); err != nil {
		c.fail(storageFailure(err))
		return false
	}
	return true
}

func (c *Client) reconcileFolder() {
	ctx := c.Ctx
	account := c.Account()
	stored, err := c.Store.QueryMessages(ctx, store.Filter{AccountID: account, FolderID: c.folder.ID, Unset: email.StatusRemoved})
	if err != nil {
		c.fail(storageFailure(err))
		return
	}
	in := reconcile.Input{Seen: c.seen, Unseen: c.unseen, All: c.all, Exists: c.exists}
	for _, m := range stored {
		_, uid := SplitServerUID(m.ServerUID)
		if m.Has(email.StatusReadElsewhere) {
			in.ReadElsewhere = append(in.ReadElsewhere, uid)
		} else {
			in.UnreadElsewhere = append(in.UnreadElsewhere, uid)
		}
		if m.Has(email.StatusRead) {
			in.ReadLocally = append(in.ReadLocally, uid)
		}
	}
	records, err := c.Store.DeletionRecords(ctx, account, c.folder.ID)
	if err != nil {
		c.fail(storageFailure(err))
		return
	}
	for _, d := range records {
		_, uid := SplitServerUID(d.ServerUID)
		in.Deleted = append(in.Deleted, uid)
	}

	c.result = reconcile.Reconcile(in)
	c.Log.Debug("folder reconciled",
		zap.String("folder", c.folder.Path),
		zap.Stringer("status", c.result.Status),
		zap.Int("new", len(c.result.New)),
		zap.Int("removed", len(c.result.Removed)),
		zap.Int("nonexistent", len(c.result.Nonexistent)))

	if !c.setStatus(c.result.Nonexistent, email.StatusRemoved, 0) ||
		!c.setStatus(c.result.MarkReadElsewhere, email.StatusReadElsewhere, 0) {
		return
	}
	if len(c.result.PurgeDeletion) > 0 {
		if err := c.Store.PurgeDeletionRecords(ctx, account, c.full(c.result.PurgeDeletion)); err != nil {
			c.fail(storageFailure(err))
			return
		}
	}

	c.folder.SetStatus(email.FolderSynchronized, true)
	c.folder.ServerCount = c.exists
	c.folder.ServerUnread = len(c.unseen)
	if err := c.Store.UpdateFolder(ctx, c.folder); err != nil {
		c.fail(storageFailure(err))
		return
	}

	if len(c.result.Read) > 0 {
		c.step = stepStoreSeen
		c.check(c.proto.UIDStore(c.result.Read, fmt.Sprintf("+FLAGS.SILENT (%s)", imap.FlagSeen)))
		return
	}
	c.deleteOnServer()
}

func (c *Client) deleteOnServer() {
	if len(c.result.Removed) == 0 || !c.Config().DeleteOnServer {
		c.preview()
		return
	}
	c.step = stepStoreDeleted
	c.check(c.proto.UIDStore(c.result.Removed, fmt.Sprintf("+FLAGS.SILENT (%s)", imap.FlagDeleted)))
}

func (c *Client) preview() {
	if len(c.result.New) == 0 {
		c.nextFolder()
		return
	}
	c.fetchTotal += len(c.result.New)
	c.EmitStatus(client.StatusFetch)
	c.Emit(client.Event{Kind: client.EventFetchTotal, Count: c.fetchTotal})
	c.step = stepPreviewHeaders
	c.check(c.proto.UIDFetch(c.result.New, previewItems))
}

func (c *Client) previewBodies() {
	if len(c.small) == 0 {
		c.nextFolder()
		return
	}
	c.step = stepPreviewBodies
	c.check(c.proto.UIDFetch(c.small, bodyItems))
}

func (c *Client) previewDone() {
	c.Emit(client.Event{Kind: client.EventPartialRetrievalCompleted})
	switch {
	case c.checkOnly:
		c.Emit(client.Event{Kind: client.EventNewCount, Count: c.newCount})
		c.logout()
	case c.foldersOnly:
		c.logout()
	case c.sel != nil:
		c.startSelected()
	default:
		c.step = stepAwaitSelection
	}
}

func flagsOf(flags []imap.Flag) email.MessageFlag {
	var mf email.MessageFlag
	for _, f := range flags {
		switch {
		case strings.EqualFold(string(f), string(imap.FlagSeen)):
			mf.Seen = true
		case strings.EqualFold(string(f), string(imap.FlagFlagged)):
			mf.Flagged = true
		case strings.EqualFold(string(f), string(imap.FlagAnswered)):
			mf.Answered = true
		case strings.EqualFold(string(f), string(imap.FlagDraft)):
			mf.Draft = true
		case strings.EqualFold(string(f), string(imap.FlagDeleted)):
			mf.Deleted = true
		case strings.EqualFold(string(f), `\Recent`):
			mf.Recent = true
		}
	}
	return mf
}

// Fetched stores one FETCH response according to the pass step.
func (c *Client) Fetched(f *FetchItem) {
	if f.UID == "" {
		c.Log.Warn("FETCH response without UID", zap.Uint32("seq", f.Seq))
		return
	}
	var err error
	switch c.step {
	case stepPreviewHeaders:
		err = c.storePreview(f)
	case stepPreviewBodies:
		err = c.storeBody(ServerUID(c.folder.Path, f.UID), f, false)
	case stepFetch:
		if f.UID != c.currentUID {
			return
		}
		c.gotCurrent = true
		err = c.storeBody(ServerUID(c.currentMbox, f.UID), f, true)
	default:
		return
	}
	if err != nil {
		c.fail(storageFailure(err))
	}
}

func (c *Client) storePreview(f *FetchItem) error {
	flags := flagsOf(f.Flags)
	m := &email.Message{
		AccountID: c.Account(),
		FolderID:  c.folder.ID,
		ServerUID: ServerUID(c.folder.Path, f.UID),
		Kind:      email.KindEmail,
		Size:      f.Size,
		Flags:     flags,
		Status:    email.StatusIncoming | email.StatusNew | email.StatusPartial,
		Content:   f.Body,
		Received:  time.Now(),
	}
	if flags.Seen {
		m.Status |= email.StatusReadElsewhere
	}
	if err := email.ParseHeader(m); err != nil {
		c.Log.Warn("unparsable header", zap.String("uid", m.ServerUID), zap.Error(err))
	}
	if err := c.Store.AddMessage(c.Ctx, m); err != nil {
		return err
	}
	c.newCount++
	c.fetchDone++
	if c.headerLimit > 0 && f.Size > 0 && f.Size <= int64(c.headerLimit) {
		c.small = append(c.small, f.UID)
	}
	c.Emit(client.Event{Kind: client.EventMessageRetrieved, ID: m.ID, UID: m.ServerUID, Partial: true})
	c.Emit(client.Event{Kind: client.EventFetchProgress, Count: c.fetchDone})
	return nil
}

func (c *Client) storeBody(serverUID string, f *FetchItem, selected bool) error {
	if !f.HasBody {
		return nil
	}
	m, err := c.Store.MessageByServerUID(c.Ctx, c.Account(), serverUID)
	if errors.Is(err, store.ErrNotFound) {
		c.Log.Warn("body for unknown message", zap.String("uid", serverUID))
		return nil
	}
	if err != nil {
		return err
	}
	m.Content = f.Body
	if len(f.Flags) > 0 {
		m.Flags = flagsOf(f.Flags)
	}
	if f.Size > 0 {
		m.Size = f.Size
	}
	if err := email.ParseHeader(m); err != nil {
		c.Log.Warn("unparsable message", zap.String("uid", serverUID), zap.Error(err))
	}
	m.SetStatus(email.StatusDownloaded, true)
	m.SetStatus(email.StatusPartial, false)
	if err := c.Store.UpdateMessage(c.Ctx, m); err != nil {
		return err
	}
	if selected {
		c.Emit(client.Event{Kind: client.EventMessageRetrieved, ID: m.ID, UID: m.ServerUID})
	}
	return nil
}

func (c *Client) FetchProgress(uid string, received, total int64) {
	if c.step != stepFetch || uid != c.currentUID {
		return
	}
	c.Emit(client.Event{Kind: client.EventRetrievalProgress, UID: c.current.ServerUID, ID: c.current.ID, Bytes: received, Total: total})
}

func (c *Client) startSelected() {
	c.EmitStatus(client.StatusRetrieving)
	c.fetchNextSelected()
}

func (c *Client) fetchNextSelected() {
	s, ok := c.sel.Next()
	if !ok {
		c.logout()
		return
	}
	c.current = s
	c.gotCurrent = false
	c.currentMbox, c.currentUID = SplitServerUID(s.ServerUID)
	if c.currentMbox == "" {
		f, err := c.Store.Folder(c.Ctx, s.Folder)
		if err != nil {
			c.Log.Warn("selected message has no folder", zap.String("id", s.ID), zap.Error(err))
			c.Emit(client.Event{Kind: client.EventMessageProcessed, UID: s.ServerUID, ID: s.ID})
			c.fetchNextSelected()
			return
		}
		c.currentMbox = f.Path
	}
	if c.currentMbox != c.selected {
		c.step = stepSelectForFetch
		c.check(c.proto.Select(c.currentMbox))
		return
	}
	c.fetchCurrent()
}

func (c *Client) fetchCurrent() {
	c.step = stepFetch
	c.check(c.proto.UIDFetch([]string{c.currentUID}, bodyItems))
}

func (c *Client) fetchedCurrent() {
	s := c.current
	if !c.gotCurrent {
		c.Log.Warn("selected message no longer on server", zap.String("uid", s.ServerUID))
		f := store.Filter{AccountID: c.Account(), IDs: []string{s.ID}}
		if _, err := c.Store.UpdateStatus(c.Ctx, f, email.StatusRemoved, 0); err != nil {
			c.fail(storageFailure(err))
			return
		}
	}
	c.Emit(client.Event{Kind: client.EventMessageProcessed, UID: s.ServerUID, ID: s.ID})
	c.fetchNextSelected()
}
