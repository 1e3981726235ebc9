package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/emx-mail/msgserver/pkgs/config"
	"github.com/emx-mail/msgserver/pkgs/email"
	"github.com/emx-mail/msgserver/pkgs/mailerr"
	"github.com/emx-mail/msgserver/pkgs/store"
)

// InboxPath is the folder gateway accounts store incoming messages in.
const InboxPath = "INBOX"

// gatewayMessage is the relay's JSON representation of a message.
type gatewayMessage struct {
	ID      string    `json:"id,omitempty"`
	Kind    string    `json:"kind"`
	From    string    `json:"from"`
	To      []string  `json:"to"`
	Subject string    `json:"subject,omitempty"`
	Date    time.Time `json:"date"`
	Size    int64     `json:"size,omitempty"`
	// Content is the raw message, base64 encoded on the wire.
	Content []byte `json:"content,omitempty"`
}

// Gateway serves SMS, MMS and instant messaging accounts through an HTTP
// relay: GET {url}/messages lists pending messages, GET and DELETE
// {url}/messages/{id} fetch and remove one, POST {url}/messages sends.
type Gateway struct {
	Base
	kind email.Kind

	inUse       bool
	ctx         context.Context
	cancel      context.CancelFunc
	checkOnly   bool
	awaiting    bool
	foldersOnly bool
	headerLimit int
	newCount    int

	sel   *SelectionMap
	queue []*email.Message
}

// NewGateway returns a client for accounts of the given message kind.
func NewGateway(kind email.Kind, cfg *config.AccountConfig, deps Deps, emit Sink) *Gateway {
	g := &Gateway{Base: NewBase(deps, kind.String(), cfg, emit), kind: kind}
	if cfg != nil {
		g.headerLimit = cfg.PreviewSize
	}
	return g
}

func (g *Gateway) SetAccount(cfg *config.AccountConfig) error { return g.Rebind(cfg, g.inUse) }
func (g *Gateway) InUse() bool                                { return g.inUse }
func (g *Gateway) Tables() mailerr.Tables                     { return mailerr.GenericTables }
func (g *Gateway) SetFoldersOnly(on bool)                     { g.foldersOnly = on }
func (g *Gateway) SetHeadersOnly(limit int)                   { g.headerLimit = limit }
func (g *Gateway) NewMailCount() int                          { return g.newCount }
func (g *Gateway) ResetNewMailCount()                         { g.newCount = 0 }

// HasDeleteImmediately is true for MMS, whose relay holds content until it
// is explicitly removed.
func (g *Gateway) HasDeleteImmediately() bool { return g.kind == email.KindMMS }

func (g *Gateway) begin() (context.Context, error) {
	if g.inUse {
		return nil, mailerr.New(mailerr.ConnectionInUse, "gateway request in progress")
	}
	if g.Config() == nil || g.Config().Gateway.URL == "" {
		return nil, mailerr.New(mailerr.Configuration, "gateway url not configured")
	}
	g.inUse = true
	g.ctx, g.cancel = context.WithCancel(g.Ctx)
	return g.ctx, nil
}

func (g *Gateway) finish() {
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	g.inUse = false
	g.awaiting = false
	g.sel = nil
}

func (g *Gateway) fail(err error) {
	g.queue = nil
	g.finish()
	g.EmitError(err)
}

// Cancel aborts the request in flight.
func (g *Gateway) Cancel() {
	if !g.inUse {
		return
	}
	g.fail(mailerr.New(mailerr.Cancelled, "cancelled"))
}

// CloseConnection ends a retrieval waiting for a selection.
func (g *Gateway) CloseConnection() {
	if !g.inUse {
		return
	}
	waiting := g.awaiting
	g.finish()
	if waiting {
		g.Emit(Event{Kind: EventRetrievalCompleted})
	}
}

// Connect lists the relay's pending messages and previews the new ones.
func (g *Gateway) Connect() error {
	g.checkOnly = false
	return g.list()
}

// CheckForNewMessages previews and ends the session.
func (g *Gateway) CheckForNewMessages() error {
	g.checkOnly = true
	return g.list()
}

func (g *Gateway) list() error {
	ctx, err := g.begin()
	if err != nil {
		return err
	}
	g.EmitStatus(StatusConnecting)
	var listed []gatewayMessage
	g.Loop.Go(func() error {
		return g.do(ctx, http.MethodGet, "messages", nil, &listed)
	}, func(err error) {
		if !g.inUse || ctx.Err() != nil {
			return
		}
		if err != nil {
			g.fail(err)
			return
		}
		if err := g.preview(listed); err != nil {
			g.fail(err)
		}
	})
	return nil
}

func (g *Gateway) inbox() (*email.Folder, error) {
	f, err := g.Store.FolderByPath(g.Ctx, g.Account(), InboxPath)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	f = &email.Folder{AccountID: g.Account(), Path: InboxPath, Name: InboxPath, Status: email.FolderSyncEnabled}
	return f, g.Store.AddFolder(g.Ctx, f)
}

func storeErr(err error) error {
	if errors.Is(err, store.ErrStorageFull) {
		return mailerr.Wrap(mailerr.StorageFull, err)
	}
	return err
}

func (g *Gateway) preview(listed []gatewayMessage) error {
	folder, err := g.inbox()
	if err != nil {
		return storeErr(err)
	}
	if g.foldersOnly {
		g.Emit(Event{Kind: EventPartialRetrievalCompleted})
		g.finish()
		g.Emit(Event{Kind: EventRetrievalCompleted})
		return nil
	}

	account := g.Account()
	stored, err := g.Store.ServerUIDs(g.Ctx, store.Filter{AccountID: account, FolderID: folder.ID, Unset: email.StatusRemoved})
	if err != nil {
		return storeErr(err)
	}
	records, err := g.Store.DeletionRecords(g.Ctx, account, folder.ID)
	if err != nil {
		return storeErr(err)
	}
	known := make(map[string]bool, len(stored)+len(records))
	for _, uid := range stored {
		known[uid] = true
	}
	for _, r := range records {
		known[r.ServerUID] = true
	}

	var fresh []gatewayMessage
	listedIDs := make(map[string]bool, len(listed))
	for _, lm := range listed {
		listedIDs[lm.ID] = true
		if !known[lm.ID] {
			fresh = append(fresh, lm)
		}
	}
	var gone []string
	for _, uid := range stored {
		if !listedIDs[uid] {
			gone = append(gone, uid)
		}
	}
	if len(gone) > 0 {
		if _, err := g.Store.UpdateStatus(g.Ctx, store.Filter{AccountID: account, ServerUIDs: gone}, email.StatusRemoved, 0); err != nil {
			return storeErr(err)
		}
	}

	g.EmitStatus(StatusFetch)
	g.Emit(Event{Kind: EventFetchTotal, Count: len(fresh)})
	for i, lm := range fresh {
		m := g.toMessage(lm, folder.ID)
		if err := g.Store.AddMessage(g.Ctx, m); err != nil {
			return storeErr(err)
		}
		g.newCount++
		g.Emit(Event{Kind: EventMessageRetrieved, ID: m.ID, UID: m.ServerUID, Partial: m.Has(email.StatusPartial)})
		g.Emit(Event{Kind: EventFetchProgress, Count: i + 1})
	}
	g.Log.Debug("preview complete", zap.Int("listed", len(listed)), zap.Int("new", len(fresh)), zap.Int("gone", len(gone)))

	g.Emit(Event{Kind: EventPartialRetrievalCompleted})
	if g.checkOnly {
		g.Emit(Event{Kind: EventNewCount, Count: g.newCount})
		g.finish()
		g.Emit(Event{Kind: EventRetrievalCompleted})
		return nil
	}
	g.awaiting = true
	return nil
}

func (g *Gateway) toMessage(lm gatewayMessage, folderID string) *email.Message {
	m := &email.Message{
		AccountID: g.Account(),
		FolderID:  folderID,
		ServerUID: lm.ID,
		Kind:      g.kind,
		Subject:   lm.Subject,
		Date:      lm.Date,
		Size:      lm.Size,
		Status:    email.StatusIncoming | email.StatusNew,
		Received:  time.Now(),
	}
	if from, err := email.ParseAddress(lm.From); err == nil {
		m.From = from
	}
	for _, to := range lm.To {
		if a, err := email.ParseAddress(to); err == nil {
			m.To = append(m.To, a)
		}
	}
	if len(lm.Content) > 0 && (g.headerLimit <= 0 || int64(len(lm.Content)) <= int64(g.headerLimit)) {
		m.Content = lm.Content
		m.Status |= email.StatusDownloaded
	} else {
		m.Status |= email.StatusPartial
	}
	if m.Size == 0 {
		m.Size = int64(len(lm.Content))
	}
	return m
}

// SetSelectedMails fetches the content of every selected message, opening
// a session first when none is waiting for a selection.
func (g *Gateway) SetSelectedMails(sel *SelectionMap) error {
	if g.inUse && !g.awaiting {
		return mailerr.New(mailerr.ConnectionInUse, "gateway request in progress")
	}
	if !g.inUse {
		if _, err := g.begin(); err != nil {
			return err
		}
	}
	g.awaiting = false
	g.sel = sel
	g.EmitStatus(StatusRetrieving)
	g.fetchNext()
	return nil
}

func (g *Gateway) fetchNext() {
	s, ok := g.sel.Next()
	if !ok {
		g.finish()
		g.Emit(Event{Kind: EventRetrievalCompleted})
		return
	}
	ctx := g.ctx
	var lm gatewayMessage
	g.Loop.Go(func() error {
		return g.do(ctx, http.MethodGet, "messages/"+url.PathEscape(s.ServerUID), nil, &lm)
	}, func(err error) {
		if !g.inUse || ctx.Err() != nil {
			return
		}
		if err != nil {
			if mailerr.CodeOf(err) == mailerr.NonexistentMessage {
				g.markGone(s)
				g.fetchNext()
				return
			}
			g.fail(err)
			return
		}
		if err := g.complete(s, lm); err != nil {
			g.fail(err)
			return
		}
		g.fetchNext()
	})
}

func (g *Gateway) markGone(s Selection) {
	g.Log.Warn("selected message gone from relay", zap.String("uid", s.ServerUID))
	if _, err := g.Store.UpdateStatus(g.Ctx, store.Filter{IDs: []string{s.ID}}, email.StatusRemoved, 0); err != nil {
		g.Log.Warn("mark removed failed", zap.Error(err))
	}
	g.Emit(Event{Kind: EventMessageProcessed, UID: s.ServerUID, ID: s.ID})
}

func (g *Gateway) complete(s Selection, lm gatewayMessage) error {
	m, err := g.Store.Message(g.Ctx, s.ID)
	if err != nil {
		return storeErr(err)
	}
	m.Content = lm.Content
	if m.Size == 0 {
		m.Size = int64(len(lm.Content))
	}
	m.SetStatus(email.StatusDownloaded, true)
	m.SetStatus(email.StatusPartial, false)
	if err := g.Store.UpdateMessage(g.Ctx, m); err != nil {
		return storeErr(err)
	}
	g.Emit(Event{Kind: EventRetrievalProgress, UID: s.ServerUID, ID: s.ID, Bytes: int64(len(lm.Content)), Total: m.Size})
	g.Emit(Event{Kind: EventMessageRetrieved, ID: m.ID, UID: m.ServerUID})
	g.Emit(Event{Kind: EventMessageProcessed, UID: s.ServerUID, ID: s.ID})
	return nil
}

// DeleteImmediately removes uids from the relay and drops their deletion
// records. Failures are logged; the records stay for the next attempt.
func (g *Gateway) DeleteImmediately(uids []string) {
	if !g.HasDeleteImmediately() || len(uids) == 0 {
		return
	}
	uids = append([]string(nil), uids...)
	var done []string
	g.Loop.Go(func() error {
		var errs []error
		for _, uid := range uids {
			if err := g.do(g.Ctx, http.MethodDelete, "messages/"+url.PathEscape(uid), nil, nil); err != nil &&
				mailerr.CodeOf(err) != mailerr.NonexistentMessage {
				errs = append(errs, fmt.Errorf("delete %s: %w", uid, err))
				continue
			}
			done = append(done, uid)
		}
		return errors.Join(errs...)
	}, func(err error) {
		if err != nil {
			g.Log.Warn("immediate delete failed", zap.Error(err))
		}
		if len(done) == 0 {
			return
		}
		if err := g.Store.PurgeDeletionRecords(g.Ctx, g.Account(), done); err != nil {
			g.Log.Warn("purge deletion records failed", zap.Error(err))
		}
	})
}

// AddMail queues m after checking its recipients suit the account kind.
func (g *Gateway) AddMail(m *email.Message) error {
	rcpts := m.Recipients()
	if len(rcpts) == 0 {
		return mailerr.New(mailerr.InvalidAddress, "no recipients")
	}
	for _, a := range rcpts {
		if !a.Valid() || (g.kind != email.KindInstant && !a.IsPhone()) {
			return mailerr.Newf(mailerr.InvalidAddress, "cannot send %s to %q", g.kind, a.String())
		}
	}
	g.queue = append(g.queue, m)
	return nil
}

// Queued returns the ids waiting for Send.
func (g *Gateway) Queued() []string {
	ids := make([]string, 0, len(g.queue))
	for _, m := range g.queue {
		ids = append(ids, m.ID)
	}
	return ids
}

// ClearQueue drops messages queued since the last Send.
func (g *Gateway) ClearQueue() {
	if !g.inUse {
		g.queue = nil
	}
}

// Send posts the queued messages to the relay in order.
func (g *Gateway) Send() error {
	if len(g.queue) == 0 {
		return mailerr.New(mailerr.EnqueueFailed, "nothing to send")
	}
	ctx, err := g.begin()
	if err != nil {
		return err
	}
	g.EmitStatus(StatusSending)
	g.sendNext(ctx)
	return nil
}

func (g *Gateway) sendNext(ctx context.Context) {
	if len(g.queue) == 0 {
		g.finish()
		g.Emit(Event{Kind: EventSendCompleted})
		return
	}
	m := g.queue[0]
	out := gatewayMessage{
		Kind:    g.kind.String(),
		From:    g.Config().Email,
		Subject: m.Subject,
		Date:    m.Date,
		Size:    int64(len(m.Content)),
		Content: m.Content,
	}
	if m.From.Email != "" {
		out.From = m.From.Email
	}
	for _, a := range m.Recipients() {
		out.To = append(out.To, a.Email)
	}
	g.Loop.Go(func() error {
		return g.do(ctx, http.MethodPost, "messages", out, nil)
	}, func(err error) {
		if !g.inUse || ctx.Err() != nil {
			return
		}
		if err != nil {
			g.fail(err)
			return
		}
		g.queue = g.queue[1:]
		g.Emit(Event{Kind: EventSendProgress, ID: m.ID, Bytes: out.Size, Total: out.Size})
		g.Emit(Event{Kind: EventMessageTransmitted, ID: m.ID})
		g.Emit(Event{Kind: EventMessageProcessed, ID: m.ID})
		g.sendNext(ctx)
	})
}

// do runs one relay request off the loop.
func (g *Gateway) do(ctx context.Context, method, path string, in, out interface{}) error {
	gw := g.Config().Gateway
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(gw.URL, "/")+"/"+path, body)
	if err != nil {
		return mailerr.Wrap(mailerr.Configuration, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if gw.Username != "" {
		req.SetBasicAuth(gw.Username, gw.Password)
	}
	hc := g.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return mailerr.New(mailerr.Cancelled, "cancelled")
		}
		return mailerr.Classify(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return mailerr.Newf(mailerr.LoginFailed, "gateway: %s", resp.Status)
	case resp.StatusCode == http.StatusNotFound && method != http.MethodPost:
		return mailerr.Newf(mailerr.NonexistentMessage, "gateway: %s", resp.Status)
	case resp.StatusCode/100 != 2:
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return mailerr.Newf(mailerr.UnknownResponse, "%s %s", resp.Status, strings.TrimSpace(string(text)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return mailerr.Wrap(mailerr.UnknownResponse, fmt.Errorf("decode gateway response: %w", err))
	}
	return nil
}
