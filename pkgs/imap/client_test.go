package imap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/emx-mail/msgserver/pkgs/client"
	"github.com/emx-mail/msgserver/pkgs/config"
	"github.com/emx-mail/msgserver/pkgs/email"
	"github.com/emx-mail/msgserver/pkgs/loop"
	"github.com/emx-mail/msgserver/pkgs/mailerr"
	"github.com/emx-mail/msgserver/pkgs/store"
	"github.com/emx-mail/msgserver/pkgs/store/storetest"
	"github.com/emx-mail/msgserver/pkgs/transport/transporttest"
)

// session drives a Client over a fake transport. Everything runs on the
// test goroutine, which stands in for the loop.
type session struct {
	t      *testing.T
	fake   *transporttest.Fake
	store  store.Store
	client *Client
	events []client.Event
	inbox  *email.Folder
}

func testAccount() *config.AccountConfig {
	return &config.AccountConfig{
		Name:           "work",
		Email:          "me@example.com",
		Kind:           config.KindIMAP,
		DeleteOnServer: true,
		IMAP: config.ProtocolSettings{
			Host:     "imap.example.com",
			Port:     143,
			Username: "me",
			Password: "secret",
		},
	}
}

func newSession(t *testing.T, cfg *config.AccountConfig, st store.Store) *session {
	t.Helper()
	if st == nil {
		st = storetest.New(t)
	}
	s := &session{t: t, fake: &transporttest.Fake{}, store: st}
	deps := client.Deps{
		Ctx:       context.Background(),
		Loop:      loop.New(zap.NewNop(), 0),
		Store:     st,
		Transport: s.fake.Factory(),
		Log:       zap.NewNop(),
	}
	s.client = New(cfg, deps, func(ev client.Event) { s.events = append(s.events, ev) })
	return s
}

// addInbox creates the INBOX folder before the first pass.
func (s *session) addInbox() {
	s.t.Helper()
	s.inbox = &email.Folder{AccountID: "work", Path: "INBOX", Name: "INBOX", Delimiter: "/", Status: email.FolderSyncEnabled}
	if err := s.store.AddFolder(context.Background(), s.inbox); err != nil {
		s.t.Fatal(err)
	}
}

func (s *session) addMessage(uid string, status email.Status) *email.Message {
	s.t.Helper()
	m := &email.Message{
		AccountID: "work",
		FolderID:  s.inbox.ID,
		ServerUID: ServerUID("INBOX", uid),
		Kind:      email.KindEmail,
		Subject:   "message " + uid,
		Status:    email.StatusIncoming | status,
	}
	if err := s.store.AddMessage(context.Background(), m); err != nil {
		s.t.Fatal(err)
	}
	return m
}

func (s *session) message(uid string) *email.Message {
	s.t.Helper()
	m, err := s.store.MessageByServerUID(context.Background(), "work", ServerUID("INBOX", uid))
	if err != nil {
		s.t.Fatalf("message %s: %v", uid, err)
	}
	return m
}

// expect fails unless the last command written is want.
func (s *session) expect(want string) {
	s.t.Helper()
	if got := s.fake.Last(); got != want {
		s.t.Fatalf("sent %q, want %q", got, want)
	}
}

// login runs greeting, capability and login.
func (s *session) login() {
	s.t.Helper()
	s.fake.Connect()
	s.fake.Feed("* OK ready")
	s.expect("a001 CAPABILITY")
	s.fake.Feed("* CAPABILITY IMAP4rev1", "a001 OK")
	s.expect(`a002 LOGIN "me" "secret"`)
	s.fake.Feed("a002 OK logged in")
}

func (s *session) kinds() []client.EventKind {
	var out []client.EventKind
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (s *session) has(kind client.EventKind) bool {
	for _, ev := range s.events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func (s *session) errorCode() mailerr.Code {
	for _, ev := range s.events {
		if ev.Kind == client.EventError {
			return ev.Err.Code
		}
	}
	return 0
}

func (s *session) wrote(substr string) bool {
	for _, w := range s.fake.Writes() {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func TestPreviewReconcilesInbox(t *testing.T) {
	s := newSession(t, testAccount(), nil)
	s.addInbox()
	s.addMessage("1", email.StatusReadElsewhere)
	s.addMessage("2", 0)
	gone := s.addMessage("4", 0)
	if err := s.store.RemoveMessages(context.Background(), []string{gone.ID}); err != nil {
		t.Fatal(err)
	}

	if err := s.client.Connect(); err != nil {
		t.Fatal(err)
	}
	s.login()
	s.expect(`a003 LIST "" "*"`)
	s.fake.Feed(`* LIST (\HasNoChildren) "/" INBOX`, "a003 OK")
	s.expect(`a004 SELECT "INBOX"`)
	s.fake.Feed("* 3 EXISTS", "a004 OK [READ-WRITE] selected")
	s.expect("a005 UID SEARCH SEEN")
	s.fake.Feed("* SEARCH 1 2", "a005 OK")
	s.expect("a006 UID SEARCH UNSEEN")
	s.fake.Feed("* SEARCH 3", "a006 OK")
	s.expect("a007 UID FETCH 3 " + previewItems)

	hdr := "From: Ann <ann@example.com>\r\nSubject: three\r\n\r\n"
	s.fake.Feed(fmt.Sprintf("* 1 FETCH (UID 3 FLAGS () RFC822.SIZE 900 BODY[HEADER] {%d}", len(hdr)))
	s.fake.FeedRaw(hdr)
	s.fake.Feed(")", "a007 OK")

	if !s.has(client.EventPartialRetrievalCompleted) {
		t.Fatalf("events = %v", s.kinds())
	}
	if s.wrote("STORE") || s.wrote("EXPUNGE") {
		t.Errorf("unexpected flag writes: %q", s.fake.Writes())
	}

	m3 := s.message("3")
	if m3.Subject != "three" || !m3.Has(email.StatusPartial) || !m3.Has(email.StatusNew) || m3.Has(email.StatusReadElsewhere) {
		t.Errorf("message 3 = %+v", m3)
	}
	if !s.message("2").Has(email.StatusReadElsewhere) {
		t.Error("message 2 not marked read elsewhere")
	}
	for _, uid := range []string{"1", "2"} {
		if s.message(uid).Has(email.StatusRemoved) {
			t.Errorf("message %s marked removed", uid)
		}
	}
	records, err := s.store.DeletionRecords(context.Background(), "work", s.inbox.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("deletion records = %+v, want none", records)
	}
	if s.client.NewMailCount() != 1 {
		t.Errorf("NewMailCount() = %d, want 1", s.client.NewMailCount())
	}

	// The session waits for a selection until told to close.
	if !s.client.InUse() {
		t.Fatal("client idle while awaiting selection")
	}
	s.client.CloseConnection()
	s.expect("a008 LOGOUT")
	s.fake.Feed("* BYE", "a008 OK")
	if !s.has(client.EventRetrievalCompleted) || s.client.InUse() {
		t.Errorf("events = %v, inUse = %v", s.kinds(), s.client.InUse())
	}
}

func TestPreviewPushesReadAndDeletions(t *testing.T) {
	s := newSession(t, testAccount(), nil)
	s.addInbox()
	s.addMessage("1", email.StatusReadElsewhere)
	s.addMessage("3", email.StatusRead)
	gone := s.addMessage("2", email.StatusReadElsewhere)
	if err := s.store.RemoveMessages(context.Background(), []string{gone.ID}); err != nil {
		t.Fatal(err)
	}

	s.client.CheckForNewMessages()
	s.login()
	s.fake.Feed(`* LIST () "/" INBOX`, "a003 OK")
	s.fake.Feed("* 3 EXISTS", "a004 OK")
	s.fake.Feed("* SEARCH 1 2", "a005 OK")
	s.fake.Feed("* SEARCH 3", "a006 OK")
	s.expect(`a007 UID STORE 3 +FLAGS.SILENT (\Seen)`)
	s.fake.Feed("a007 OK")
	s.expect(`a008 UID STORE 2 +FLAGS.SILENT (\Deleted)`)
	s.fake.Feed("a008 OK")
	s.expect("a009 EXPUNGE")
	s.fake.Feed("* 2 EXPUNGE", "a009 OK")

	// Check-only passes log out once the count is known.
	s.expect("a010 LOGOUT")
	s.fake.Feed("a010 OK")

	if !s.message("3").Has(email.StatusReadElsewhere) {
		t.Error("message 3 not marked read elsewhere after STORE")
	}
	records, _ := s.store.DeletionRecords(context.Background(), "work", s.inbox.ID)
	if len(records) != 0 {
		t.Errorf("deletion records = %+v, want none", records)
	}
	var count *client.Event
	for i := range s.events {
		if s.events[i].Kind == client.EventNewCount {
			count = &s.events[i]
		}
	}
	if count == nil || count.Count != 0 {
		t.Errorf("new count event = %+v", count)
	}
	if !s.has(client.EventRetrievalCompleted) {
		t.Errorf("events = %v", s.kinds())
	}
}

func TestInconclusiveSearchKeepsServerCopies(t *testing.T) {
	s := newSession(t, testAccount(), nil)
	s.addInbox()
	gone := s.addMessage("2", 0)
	if err := s.store.RemoveMessages(context.Background(), []string{gone.ID}); err != nil {
		t.Fatal(err)
	}

	s.client.Connect()
	s.login()
	s.fake.Feed(`* LIST () "/" INBOX`, "a003 OK")
	s.fake.Feed("* 5 EXISTS", "a004 OK")
	s.fake.Feed("* SEARCH 1", "a005 OK")
	s.fake.Feed("* SEARCH 2", "a006 OK")
	s.expect("a007 UID SEARCH ALL")
	s.fake.Feed("* SEARCH 1 2 3", "a007 OK")
	s.expect("a008 UID FETCH 1,3 " + previewItems)
	s.fake.Feed("* 1 FETCH (UID 1 FLAGS (\\Seen) RFC822.SIZE 10 BODY[HEADER] {0}", ")")
	s.fake.Feed("* 3 FETCH (UID 3 FLAGS () RFC822.SIZE 10 BODY[HEADER] {0}", ")")
	s.fake.Feed("a008 OK")

	if s.wrote("STORE") || s.wrote("EXPUNGE") {
		t.Errorf("server copies touched: %q", s.fake.Writes())
	}
	records, _ := s.store.DeletionRecords(context.Background(), "work", s.inbox.ID)
	if len(records) != 1 {
		t.Errorf("deletion records = %+v, want the record for uid 2 kept", records)
	}
	if !s.message("1").Has(email.StatusReadElsewhere) {
		t.Error("seen flag not mirrored for uid 1")
	}
}

func TestCancelDuringFetch(t *testing.T) {
	s := newSession(t, testAccount(), nil)
	s.addInbox()
	m := s.addMessage("7", email.StatusPartial)

	sel := client.NewSelectionMap()
	sel.Add(s.inbox.ID, m.ServerUID, m.ID)
	if err := s.client.SetSelectedMails(sel); err != nil {
		t.Fatal(err)
	}
	s.login()
	s.expect(`a003 SELECT "INBOX"`)
	s.fake.Feed("* 1 EXISTS", "a003 OK")
	s.expect("a004 UID FETCH 7 " + bodyItems)
	s.fake.Feed("* 1 FETCH (UID 7 RFC822.SIZE 5000 BODY[] {5000}")
	s.fake.FeedRaw(strings.Repeat("x", 1000) + "\r\n")

	s.client.Cancel()
	s.expect("a005 LOGOUT")
	if s.errorCode() != mailerr.Cancelled {
		t.Fatalf("events = %v", s.kinds())
	}

	// The rest of the abandoned FETCH and its completion are dropped.
	s.fake.FeedRaw(strings.Repeat("y", 3998) + ")\r\n")
	s.fake.Feed("a004 OK", "* BYE", "a005 OK")

	if s.has(client.EventRetrievalCompleted) || s.has(client.EventMessageProcessed) {
		t.Errorf("events after cancel = %v", s.kinds())
	}
	if s.client.InUse() || s.fake.Closes != 1 {
		t.Errorf("inUse = %v, closes = %d", s.client.InUse(), s.fake.Closes)
	}
	if !s.message("7").Has(email.StatusPartial) {
		t.Error("cancelled message lost its partial state")
	}
}

func TestCompleteSelectedMessage(t *testing.T) {
	s := newSession(t, testAccount(), nil)
	s.addInbox()
	m := s.addMessage("7", email.StatusPartial)
	vanished := s.addMessage("8", email.StatusPartial)

	sel := client.NewSelectionMap()
	sel.Add(s.inbox.ID, m.ServerUID, m.ID)
	sel.Add(s.inbox.ID, vanished.ServerUID, vanished.ID)
	s.client.SetSelectedMails(sel)
	s.login()
	s.fake.Feed("* 2 EXISTS", "a003 OK")

	body := "Subject: seven\r\n\r\nhello\r\n"
	s.fake.Feed(fmt.Sprintf("* 1 FETCH (UID 7 FLAGS (\\Seen) RFC822.SIZE %d BODY[] {%d}", len(body), len(body)))
	s.fake.FeedRaw(body)
	s.fake.Feed(")", "a004 OK")
	s.expect("a005 UID FETCH 8 " + bodyItems)
	s.fake.Feed("a005 OK")
	s.expect("a006 LOGOUT")
	s.fake.Feed("a006 OK")

	got := s.message("7")
	if string(got.Content) != body || !got.Has(email.StatusDownloaded) || got.Has(email.StatusPartial) {
		t.Errorf("message 7 = %+v", got)
	}
	if !s.message("8").Has(email.StatusRemoved) {
		t.Error("vanished message not marked removed")
	}
	processed := 0
	for _, ev := range s.events {
		if ev.Kind == client.EventMessageProcessed {
			processed++
		}
	}
	if processed != 2 || !s.has(client.EventRetrievalCompleted) || !s.has(client.EventRetrievalProgress) {
		t.Errorf("events = %v", s.kinds())
	}
}

func TestConnectWhileInUse(t *testing.T) {
	s := newSession(t, testAccount(), nil)
	if err := s.client.Connect(); err != nil {
		t.Fatal(err)
	}
	err := s.client.Connect()
	if mailerr.CodeOf(err) != mailerr.ConnectionInUse {
		t.Errorf("second Connect() = %v, want ConnectionInUse", err)
	}
	if s.fake.Opens != 1 {
		t.Errorf("opens = %d, want 1", s.fake.Opens)
	}
}

func TestLoginFailed(t *testing.T) {
	s := newSession(t, testAccount(), nil)
	s.client.Connect()
	s.fake.Connect()
	s.fake.Feed("* OK ready", "a001 OK")
	s.fake.Feed("a002 NO [AUTHENTICATIONFAILED] invalid credentials")

	if s.errorCode() != mailerr.LoginFailed {
		t.Errorf("events = %v", s.kinds())
	}
	if s.client.InUse() {
		t.Error("client still in use after failure")
	}
}

func TestStartTLSRequested(t *testing.T) {
	cfg := testAccount()
	cfg.IMAP.StartTLS = true
	s := newSession(t, cfg, nil)
	s.client.Connect()
	s.fake.Connect()
	s.fake.Feed("* OK ready", "* CAPABILITY IMAP4rev1 STARTTLS", "a001 OK")
	s.expect("a002 STARTTLS")
	s.fake.Feed("a002 OK begin TLS")
	if s.fake.Upgrades != 1 {
		t.Fatalf("upgrades = %d", s.fake.Upgrades)
	}
	s.fake.Encrypt()
	s.expect("a003 CAPABILITY")
	s.fake.Feed("a003 OK")
	s.expect(`a004 LOGIN "me" "secret"`)
}

func TestFoldersOnly(t *testing.T) {
	s := newSession(t, testAccount(), nil)
	stale := &email.Folder{AccountID: "work", Path: "Old", Name: "Old", Status: email.FolderSyncEnabled}
	if err := s.store.AddFolder(context.Background(), stale); err != nil {
		t.Fatal(err)
	}

	s.client.SetFoldersOnly(true)
	s.client.Connect()
	s.login()
	s.fake.Feed(
		`* LIST (\HasNoChildren) "/" INBOX`,
		`* LIST () "/" "Work/Entw&APw-rfe"`,
		"a003 OK",
	)
	s.expect("a004 LOGOUT")
	s.fake.Feed("a004 OK")

	folders, err := s.store.Folders(context.Background(), "work")
	if err != nil {
		t.Fatal(err)
	}
	byPath := map[string]*email.Folder{}
	for _, f := range folders {
		byPath[f.Path] = f
	}
	if _, ok := byPath["Old"]; ok {
		t.Error("folder missing on server was kept")
	}
	work, ok := byPath["Work"]
	if !ok || !work.Has(email.FolderNoSelect) {
		t.Errorf("intermediate folder = %+v", work)
	}
	drafts, ok := byPath["Work/Entw&APw-rfe"]
	if !ok || drafts.Name != "Entwürfe" || drafts.ParentID != work.ID || drafts.Has(email.FolderNoSelect) {
		t.Errorf("leaf folder = %+v", drafts)
	}
}

// fullStore refuses every new message.
type fullStore struct{ store.Store }

func (fullStore) AddMessage(context.Context, *email.Message) error { return store.ErrStorageFull }

func TestStorageFullAbortsPass(t *testing.T) {
	s := newSession(t, testAccount(), fullStore{storetest.New(t)})
	s.client.Connect()
	s.login()
	s.fake.Feed(`* LIST () "/" INBOX`, "a003 OK")
	s.fake.Feed("* 1 EXISTS", "a004 OK")
	s.fake.Feed("* SEARCH", "a005 OK")
	s.fake.Feed("* SEARCH 9", "a006 OK")
	s.fake.Feed("* 1 FETCH (UID 9 RFC822.SIZE 10 BODY[HEADER] {0}", ")", "a007 OK")

	if s.errorCode() != mailerr.StorageFull {
		t.Errorf("events = %v", s.kinds())
	}
	if s.has(client.EventPartialRetrievalCompleted) || s.client.InUse() {
		t.Errorf("pass continued after storage failure: %v", s.kinds())
	}
	var se *mailerr.Error
	for _, ev := range s.events {
		if ev.Kind == client.EventError {
			se = ev.Err
		}
	}
	if se == nil || !errors.Is(se, store.ErrStorageFull) {
		t.Errorf("error = %v, want wrapped ErrStorageFull", se)
	}
}
