package pop

import (
	"errors"
	"sort"
	"strconv"
	"time"

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

// InboxPath is the folder holding the maildrop.
const InboxPath = "INBOX"

const quitGrace = 5 * time.Second

type step int

const (
	stepIdle step = iota
	stepConnect
	stepSTLS
	stepUser
	stepPass
	stepUIDL
	stepList
	stepDele
	stepPreview
	stepAwaitSelection
	stepFetch
	stepQuit
)

// Client retrieves mail over POP3. The maildrop maps to a single INBOX
// folder and UIDL values are the server uids.
type Client struct {
	client.Base
	proto *Protocol

	foldersOnly bool
	headerLimit int
	checkOnly   bool
	newCount    int

	step         step
	cancelled    bool
	completeOnly bool
	authDone     func(error)
	sel          *client.SelectionMap

	inbox   *email.Folder
	byUID   map[string]int
	sizes   map[int]int64
	toDele  []string
	deleted []string
	queue   []string

	fetchTotal int
	fetchDone  int
	current    client.Selection
	quitTimer  *loop.Timer
}

var _ client.Retriever = (*Client)(nil)

// New creates a POP3 client for cfg.
func New(cfg *config.AccountConfig, deps client.Deps, emit client.Sink) *Client {
	c := &Client{Base: client.NewBase(deps, "pop", cfg, emit)}
	if cfg != nil {
		c.headerLimit = cfg.PreviewSize
	}
	c.proto = NewProtocol(deps.Transport, c.Log, c)
	return c
}

func (c *Client) settings() config.ProtocolSettings { return c.Config().POP3 }

func (c *Client) InUse() bool                { return c.step != stepIdle || c.proto.InUse() }
func (c *Client) Tables() mailerr.Tables     { return mailerr.MailTables }
func (c *Client) SetFoldersOnly(on bool)     { c.foldersOnly = on }
func (c *Client) SetHeadersOnly(limit int)   { c.headerLimit = limit }
func (c *Client) NewMailCount() int          { return c.newCount }
func (c *Client) ResetNewMailCount()         { c.newCount = 0 }
func (c *Client) HasDeleteImmediately() bool { return false }
func (c *Client) DeleteImmediately([]string) {}

func (c *Client) SetAccount(cfg *config.AccountConfig) error {
	return c.Rebind(cfg, c.InUse())
}

// Connect starts a preview pass.
func (c *Client) Connect() error { return c.start(false, false) }

// CheckForNewMessages runs a preview pass that quits once the new message
// count is known.
func (c *Client) CheckForNewMessages() error { return c.start(true, false) }

// Authenticate logs in and quits, then calls done. SMTP servers accepting
// pop-before-smtp relay for a while after such a login.
func (c *Client) Authenticate(done func(error)) error {
	if err := c.start(false, false); err != nil {
		return err
	}
	c.authDone = done
	return nil
}

func (c *Client) start(checkOnly, completeOnly bool) error {
	if c.InUse() {
		return mailerr.New(mailerr.ConnectionInUse, "pop session already open")
	}
	s := c.settings()
	if !s.Configured() {
		return mailerr.New(mailerr.Configuration, "pop host not configured")
	}
	if err := c.proto.Open(s.Host, s.Port, s.Encryption()); err != nil {
		return err
	}
	c.checkOnly = checkOnly
	c.completeOnly = completeOnly
	c.cancelled = false
	c.authDone = nil
	c.byUID = map[string]int{}
	c.sizes = map[int]int64{}
	c.toDele, c.deleted, c.queue = nil, nil, nil
	c.fetchTotal, c.fetchDone = 0, 0
	if !completeOnly {
		c.sel = nil
	}
	c.step = stepConnect
	c.EmitStatus(client.StatusConnecting)
	return nil
}

// SetSelectedMails arms the complete-retrieval pass, starting it at once
// when the preview already finished.
func (c *Client) SetSelectedMails(sel *client.SelectionMap) error {
	switch {
	case c.step == stepAwaitSelection:
		c.sel = sel
		c.startSelected()
		return nil
	case c.InUse():
		if c.sel != nil || c.checkOnly || c.authDone != nil {
			return mailerr.New(mailerr.ConnectionInUse, "pop session already open")
		}
		c.sel = sel
		return nil
	}
	c.sel = sel
	return c.start(false, true)
}

// CloseConnection quits a session waiting for a selection, marking the
// pending deletions first.
func (c *Client) CloseConnection() {
	if c.step == stepIdle || c.step == stepQuit {
		return
	}
	if c.step == stepAwaitSelection {
		c.deleNext()
		return
	}
	c.quit()
}

// Cancel abandons the pass. QUIT is written at once; it is answered after
// any response still streaming.
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
	c.step = stepQuit
	if err := c.proto.Quit(); err != nil {
		c.teardown()
		return
	}
	c.quitTimer = c.Loop.AfterFunc(quitGrace, func() {
		if c.step == stepQuit {
			c.teardown()
		}
	})
}

func (c *Client) teardown() {
	c.quitTimer.Stop()
	c.proto.Close()
	c.step = stepIdle
	c.sel = nil
	c.queue = nil
}

func (c *Client) fail(err error) {
	done := c.authDone
	c.authDone = nil
	c.teardown()
	switch {
	case done != nil:
		done(err)
	case !c.cancelled:
		c.EmitError(err)
	}
}

func (c *Client) check(err error) {
	if err != nil {
		c.fail(err)
	}
}

func (c *Client) quit() {
	c.step = stepQuit
	c.EmitStatus(client.StatusDone)
	if err := c.proto.Quit(); err != nil {
		c.finish()
	}
}

// quitDone commits the deletions the server applied at QUIT.
func (c *Client) quitDone(ok bool) {
	if ok && len(c.deleted) > 0 {
		if err := c.Store.PurgeDeletionRecords(c.Ctx, c.Account(), c.deleted); err != nil {
			c.Log.Warn("purging deletion records", zap.Error(err))
		}
	}
	c.finish()
}

func (c *Client) finish() {
	cancelled := c.cancelled
	done := c.authDone
	c.authDone = nil
	c.teardown()
	switch {
	case done != nil:
		done(nil)
	case !cancelled:
		c.Emit(client.Event{Kind: client.EventRetrievalCompleted})
	}
}

// Protocol events.

func (c *Client) Greeted(string) {
	if c.settings().Encryption() == transport.EncryptTLS && !c.proto.Encrypted() {
		c.step = stepSTLS
		c.check(c.proto.STLS())
		return
	}
	c.user()
}

func (c *Client) Encrypted() {
	if c.step == stepSTLS {
		c.user()
	}
}

func (c *Client) user() {
	c.step = stepUser
	c.EmitStatus(client.StatusLogin)
	c.check(c.proto.User(c.settings().Username))
}

func (c *Client) Failed(err error) {
	switch c.step {
	case stepQuit:
		c.finish()
	case stepIdle:
	default:
		c.fail(err)
	}
}

func (c *Client) Completed(r *Response) {
	if c.step == stepQuit {
		if r.Command == CmdQuit {
			c.quitDone(r.OK)
		}
		return
	}
	if !r.OK {
		switch r.Command {
		case CmdSTLS:
			c.Log.Warn("STLS refused, continuing unencrypted", zap.String("text", r.Text))
			c.user()
		case CmdUser, CmdPass:
			c.fail(mailerr.New(mailerr.LoginFailed, r.Text))
		case CmdDele:
			c.Log.Warn("DELE refused", zap.Int("msg", r.Msg), zap.String("text", r.Text))
			c.toDele = c.toDele[1:]
			c.deleNext()
		case CmdRetr, CmdTop:
			c.missing(r)
		default:
			c.fail(mailerr.Newf(mailerr.UnknownResponse, "%s: -ERR %s", r.Command, r.Text))
		}
		return
	}

	switch r.Command {
	case CmdSTLS:
		c.check(c.proto.SwitchToEncrypted())
	case CmdUser:
		c.step = stepPass
		c.check(c.proto.Pass(c.settings().Password))
	case CmdPass:
		c.loggedIn()
	case CmdUIDL:
		for _, l := range parseListing(r.Lines) {
			c.byUID[l.Value] = l.Msg
		}
		c.step = stepList
		c.check(c.proto.List())
	case CmdList:
		for _, l := range parseListing(r.Lines) {
			n, err := strconv.ParseInt(l.Value, 10, 64)
			if err == nil {
				c.sizes[l.Msg] = n
			}
		}
		if c.completeOnly {
			c.startSelected()
			return
		}
		c.reconcile()
	case CmdDele:
		c.deleted = append(c.deleted, c.toDele[0])
		c.toDele = c.toDele[1:]
		c.deleNext()
	case CmdRetr, CmdTop:
		if c.step == stepFetch {
			c.fetched(r)
			return
		}
		if err := c.storePreview(r); err != nil {
			c.fail(err)
			return
		}
		c.previewNext()
	}
}

func (c *Client) loggedIn() {
	if c.authDone != nil {
		c.quit()
		return
	}
	c.step = stepUIDL
	c.EmitStatus(client.StatusListing)
	c.check(c.proto.UIDL())
}

func (c *Client) ensureInbox() error {
	f, err := c.Store.FolderByPath(c.Ctx, c.Account(), InboxPath)
	if err == nil {
		c.inbox = f
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	f = &email.Folder{AccountID: c.Account(), Path: InboxPath, Name: InboxPath, Status: email.FolderSyncEnabled}
	if err := c.Store.AddFolder(c.Ctx, f); err != nil {
		return err
	}
	c.inbox = f
	return nil
}

// reconcile diffs the UIDL listing against the store. POP reports no
// read state, so every listed message counts as unseen.
func (c *Client) reconcile() {
	ctx := c.Ctx
	account := c.Account()
	if err := c.ensureInbox(); err != nil {
		c.fail(mailerr.Wrap(mailerr.StorageFull, err))
		return
	}
	if c.foldersOnly {
		c.previewDone()
		return
	}
	c.EmitStatus(client.StatusSynchronizing)

	in := reconcile.Input{Exists: len(c.byUID)}
	for uid := range c.byUID {
		in.Unseen = append(in.Unseen, uid)
	}
	stored, err := c.Store.ServerUIDs(ctx, store.Filter{AccountID: account, FolderID: c.inbox.ID, Unset: email.StatusRemoved})
	if err != nil {
		c.fail(mailerr.Wrap(mailerr.StorageFull, err))
		return
	}
	in.UnreadElsewhere = stored
	records, err := c.Store.DeletionRecords(ctx, account, c.inbox.ID)
	if err != nil {
		c.fail(mailerr.Wrap(mailerr.StorageFull, err))
		return
	}
	for _, d := range records {
		in.Deleted = append(in.Deleted, d.ServerUID)
	}

	res := reconcile.Reconcile(in)
	c.Log.Debug("maildrop reconciled",
		zap.Int("listed", len(c.byUID)),
		zap.Int("new", len(res.New)),
		zap.Int("removed", len(res.Removed)),
		zap.Int("nonexistent", len(res.Nonexistent)))

	if len(res.Nonexistent) > 0 {
		f := store.Filter{AccountID: account, FolderID: c.inbox.ID, ServerUIDs: res.Nonexistent}
		if _, err := c.Store.UpdateStatus(ctx, f, email.StatusRemoved, 0); err != nil {
			c.fail(mailerr.Wrap(mailerr.StorageFull, err))
			return
		}
	}
	if len(res.PurgeDeletion) > 0 {
		if err := c.Store.PurgeDeletionRecords(ctx, account, res.PurgeDeletion); err != nil {
			c.fail(mailerr.Wrap(mailerr.StorageFull, err))
			return
		}
	}
	c.inbox.SetStatus(email.FolderSynchronized, true)
	c.inbox.ServerCount = len(c.byUID)
	if err := c.Store.UpdateFolder(ctx, c.inbox); err != nil {
		c.fail(mailerr.Wrap(mailerr.StorageFull, err))
		return
	}

	c.queue = c.inOrder(res.New)
	if c.Config().DeleteOnServer {
		c.toDele = c.inOrder(res.Removed)
	}
	c.startPreview()
}

// inOrder sorts uids by message number.
func (c *Client) inOrder(uids []string) []string {
	out := append([]string(nil), uids...)
	sort.Slice(out, func(i, j int) bool { return c.byUID[out[i]] < c.byUID[out[j]] })
	return out
}

// deleNext marks the next locally deleted message, then ends the session.
// DELE follows every RETR and TOP of the pass.
func (c *Client) deleNext() {
	if len(c.toDele) == 0 {
		c.quit()
		return
	}
	c.step = stepDele
	c.check(c.proto.Dele(c.byUID[c.toDele[0]]))
}

func (c *Client) startPreview() {
	if len(c.queue) == 0 {
		c.previewDone()
		return
	}
	c.fetchTotal = len(c.queue)
	c.EmitStatus(client.StatusFetch)
	c.Emit(client.Event{Kind: client.EventFetchTotal, Count: c.fetchTotal})
	c.previewNext()
}

// previewNext fetches small messages whole and the header of the rest.
func (c *Client) previewNext() {
	if len(c.queue) == 0 {
		c.previewDone()
		return
	}
	msg := c.byUID[c.queue[0]]
	c.step = stepPreview
	if size := c.sizes[msg]; c.headerLimit > 0 && size <= int64(c.headerLimit) {
		c.check(c.proto.Retr(msg))
		return
	}
	c.check(c.proto.Top(msg, 0))
}

func (c *Client) storePreview(r *Response) error {
	uid := c.queue[0]
	c.queue = c.queue[1:]
	whole := r.Command == CmdRetr
	m := &email.Message{
		AccountID: c.Account(),
		FolderID:  c.inbox.ID,
		ServerUID: uid,
		Kind:      email.KindEmail,
		Size:      c.sizes[r.Msg],
		Status:    email.StatusIncoming | email.StatusNew,
		Content:   r.Body,
		Received:  time.Now(),
	}
	if whole {
		m.Status |= email.StatusDownloaded
	} else {
		m.Status |= email.StatusPartial
	}
	if err := email.ParseHeader(m); err != nil {
		c.Log.Warn("unparsable header", zap.String("uid", uid), zap.Error(err))
	}
	if err := c.Store.AddMessage(c.Ctx, m); err != nil {
		return mailerr.Wrap(mailerr.StorageFull, err)
	}
	c.newCount++
	c.fetchDone++
	c.Emit(client.Event{Kind: client.EventMessageRetrieved, ID: m.ID, UID: uid, Partial: !whole})
	c.Emit(client.Event{Kind: client.EventFetchProgress, Count: c.fetchDone})
	return nil
}

// missing handles a message that vanished between UIDL and RETR or TOP.
func (c *Client) missing(r *Response) {
	c.Log.Warn("message vanished", zap.Int("msg", r.Msg), zap.String("text", r.Text))
	if c.step == stepFetch {
		c.markRemoved(c.current.ID)
		c.Emit(client.Event{Kind: client.EventMessageProcessed, UID: c.current.ServerUID, ID: c.current.ID})
		c.fetchNextSelected()
		return
	}
	c.queue = c.queue[1:]
	c.previewNext()
}

func (c *Client) markRemoved(id string) {
	if _, err := c.Store.UpdateStatus(c.Ctx, store.Filter{AccountID: c.Account(), IDs: []string{id}}, email.StatusRemoved, 0); err != nil {
		c.Log.Warn("marking message removed", zap.String("id", id), zap.Error(err))
	}
}

func (c *Client) previewDone() {
	c.Emit(client.Event{Kind: client.EventPartialRetrievalCompleted})
	switch {
	case c.checkOnly:
		c.Emit(client.Event{Kind: client.EventNewCount, Count: c.newCount})
		c.deleNext()
	case c.foldersOnly:
		c.quit()
	case c.sel != nil:
		c.startSelected()
	default:
		c.step = stepAwaitSelection
	}
}

func (c *Client) startSelected() {
	c.EmitStatus(client.StatusRetrieving)
	c.fetchNextSelected()
}

func (c *Client) fetchNextSelected() {
	s, ok := c.sel.Next()
	if !ok {
		c.deleNext()
		return
	}
	c.current = s
	msg, ok := c.byUID[s.ServerUID]
	if !ok {
		c.Log.Warn("selected message no longer on server", zap.String("uid", s.ServerUID))
		c.markRemoved(s.ID)
		c.Emit(client.Event{Kind: client.EventMessageProcessed, UID: s.ServerUID, ID: s.ID})
		c.fetchNextSelected()
		return
	}
	c.step = stepFetch
	c.check(c.proto.Retr(msg))
}

func (c *Client) Progress(msg int, received int64) {
	if c.step != stepFetch {
		return
	}
	c.Emit(client.Event{
		Kind:  client.EventRetrievalProgress,
		UID:   c.current.ServerUID,
		ID:    c.current.ID,
		Bytes: received,
		Total: c.sizes[msg],
	})
}

func (c *Client) fetched(r *Response) {
	s := c.current
	m, err := c.Store.Message(c.Ctx, s.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.Log.Warn("body for unknown message", zap.String("id", s.ID))
	case err != nil:
		c.fail(mailerr.Wrap(mailerr.StorageFull, err))
		return
	default:
		m.Content = r.Body
		if size := c.sizes[r.Msg]; size > 0 {
			m.Size = size
		}
		if err := email.ParseHeader(m); err != nil {
			c.Log.Warn("unparsable message", zap.String("uid", s.ServerUID), zap.Error(err))
		}
		m.SetStatus(email.StatusDownloaded, true)
		m.SetStatus(email.StatusPartial, false)
		if err := c.Store.UpdateMessage(c.Ctx, m); err != nil {
			c.fail(mailerr.Wrap(mailerr.StorageFull, err))
			return
		}
		c.Emit(client.Event{Kind: client.EventMessageRetrieved, ID: m.ID, UID: s.ServerUID})
	}
	c.Emit(client.Event{Kind: client.EventMessageProcessed, UID: s.ServerUID, ID: s.ID})
	c.fetchNextSelected()
}
