package pop

import (
	"context"
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
		Name:           "home",
		Kind:           config.KindPOP,
		DeleteOnServer: true,
		PreviewSize:    100,
		POP3: config.ProtocolSettings{
			Host:     "pop.example.com",
			Port:     110,
			Username: "me",
			Password: "secret",
		},
	}
}

func newSession(t *testing.T, cfg *config.AccountConfig) *session {
	t.Helper()
	st := storetest.New(t)
	s := &session{t: t, fake: &transporttest.Fake{}, store: st}
	deps := client.Deps{
		Ctx:       context.Background(),
		Loop:      loop.New(zap.NewNop(), 0),
		Store:     st,
		Transport: s.fake.Factory(),
		Log:       zap.NewNop(),
	}
	s.client = New(cfg, deps, func(ev client.Event) { s.events = append(s.events, ev) })
	s.inbox = &email.Folder{AccountID: "home", Path: InboxPath, Name: InboxPath, Status: email.FolderSyncEnabled}
	if err := st.AddFolder(context.Background(), s.inbox); err != nil {
		t.Fatal(err)
	}
	return s
}

func (s *session) addMessage(uid string, status email.Status) *email.Message {
	s.t.Helper()
	m := &email.Message{
		AccountID: "home",
		FolderID:  s.inbox.ID,
		ServerUID: uid,
		Kind:      email.KindEmail,
		Status:    email.StatusIncoming | status,
	}
	if err := s.store.AddMessage(context.Background(), m); err != nil {
		s.t.Fatal(err)
	}
	return m
}

func (s *session) message(uid string) *email.Message {
	s.t.Helper()
	m, err := s.store.MessageByServerUID(context.Background(), "home", uid)
	if err != nil {
		s.t.Fatalf("message %s: %v", uid, err)
	}
	return m
}

func (s *session) expect(want string) {
	s.t.Helper()
	if got := s.fake.Last(); got != want {
		s.t.Fatalf("sent %q, want %q", got, want)
	}
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

func (s *session) login() {
	s.t.Helper()
	s.fake.Connect()
	s.fake.Feed("+OK POP3 ready")
	s.expect("USER me")
	s.fake.Feed("+OK")
	s.expect("PASS secret")
	s.fake.Feed("+OK logged in")
}

func TestPreviewPass(t *testing.T) {
	s := newSession(t, testAccount())
	s.addMessage("u1", 0)
	s.addMessage("u9", 0)
	gone := s.addMessage("u2", 0)
	if err := s.store.RemoveMessages(context.Background(), []string{gone.ID}); err != nil {
		t.Fatal(err)
	}

	if err := s.client.Connect(); err != nil {
		t.Fatal(err)
	}
	s.login()
	s.expect("UIDL")
	s.fake.Feed("+OK", "1 u1", "2 u2", "3 u3", "4 u4", ".")
	s.expect("LIST")
	s.fake.Feed("+OK 4 messages", "1 500", "2 500", "3 50", "4 5000", ".")
	s.expect("RETR 3")
	s.fake.Feed("+OK", "Subject: small", "", "..dotted", ".")
	s.expect("TOP 4 0")
	s.fake.Feed("+OK", "Subject: big", "", ".")

	if !s.has(client.EventPartialRetrievalCompleted) {
		t.Fatalf("events = %+v", s.events)
	}
	small := s.message("u3")
	if string(small.Content) != "Subject: small\r\n\r\n.dotted\r\n" || !small.Has(email.StatusDownloaded) {
		t.Errorf("u3 = %q, status %v", small.Content, small.Status)
	}
	big := s.message("u4")
	if big.Subject != "big" || !big.Has(email.StatusPartial) || big.Size != 5000 {
		t.Errorf("u4 = %+v", big)
	}
	if !s.message("u9").Has(email.StatusRemoved) || s.message("u1").Has(email.StatusRemoved) {
		t.Error("removal marking wrong")
	}

	// Deletions are committed by QUIT.
	records, _ := s.store.DeletionRecords(context.Background(), "home", s.inbox.ID)
	if len(records) != 1 {
		t.Fatalf("records before QUIT = %+v", records)
	}
	s.client.CloseConnection()
	s.expect("DELE 2")
	s.fake.Feed("+OK marked")
	s.expect("QUIT")
	s.fake.Feed("+OK bye")
	if wire := strings.Join(s.fake.Writes(), ""); strings.Index(wire, "TOP 4 0") > strings.Index(wire, "DELE 2") {
		t.Errorf("DELE sent before the preview finished:\n%s", wire)
	}
	records, _ = s.store.DeletionRecords(context.Background(), "home", s.inbox.ID)
	if len(records) != 0 {
		t.Errorf("records after QUIT = %+v", records)
	}
	if !s.has(client.EventRetrievalCompleted) || s.client.InUse() {
		t.Errorf("events = %+v", s.events)
	}
	if s.client.NewMailCount() != 2 {
		t.Errorf("NewMailCount() = %d, want 2", s.client.NewMailCount())
	}
}

func TestCancelDuringRetr(t *testing.T) {
	s := newSession(t, testAccount())
	m := s.addMessage("u4", email.StatusPartial)

	sel := client.NewSelectionMap()
	sel.Add(s.inbox.ID, m.ServerUID, m.ID)
	if err := s.client.SetSelectedMails(sel); err != nil {
		t.Fatal(err)
	}
	s.login()
	s.fake.Feed("+OK", "4 u4", ".")
	s.fake.Feed("+OK", "4 5000", ".")
	s.expect("RETR 4")
	s.fake.Feed("+OK", "Subject: big", "")

	s.client.Cancel()
	s.expect("QUIT")
	if s.errorCode() != mailerr.Cancelled {
		t.Fatalf("events = %+v", s.events)
	}
	s.fake.Feed("body line", ".", "+OK bye")

	if s.has(client.EventRetrievalCompleted) || s.has(client.EventMessageProcessed) {
		t.Errorf("events after cancel = %+v", s.events)
	}
	if s.client.InUse() || s.fake.Closes != 1 {
		t.Errorf("inUse = %v, closes = %d", s.client.InUse(), s.fake.Closes)
	}
	if !s.message("u4").Has(email.StatusPartial) {
		t.Error("cancelled message completed")
	}
}

func TestCompleteVanishedMessage(t *testing.T) {
	s := newSession(t, testAccount())
	m := s.addMessage("u7", email.StatusPartial)

	sel := client.NewSelectionMap()
	sel.Add(s.inbox.ID, m.ServerUID, m.ID)
	s.client.SetSelectedMails(sel)
	s.login()
	s.fake.Feed("+OK", "1 u1", ".")
	s.fake.Feed("+OK", "1 10", ".")
	s.expect("QUIT")
	s.fake.Feed("+OK")

	if !s.message("u7").Has(email.StatusRemoved) {
		t.Error("vanished message not marked removed")
	}
	if !s.has(client.EventMessageProcessed) || !s.has(client.EventRetrievalCompleted) {
		t.Errorf("events = %+v", s.events)
	}
}

func TestLoginRefused(t *testing.T) {
	s := newSession(t, testAccount())
	s.client.Connect()
	s.fake.Connect()
	s.fake.Feed("+OK ready", "+OK")
	s.fake.Feed("-ERR [AUTH] invalid password")

	if s.errorCode() != mailerr.LoginFailed || s.client.InUse() {
		t.Errorf("events = %+v", s.events)
	}
}

func TestGreetingRefused(t *testing.T) {
	s := newSession(t, testAccount())
	s.client.Connect()
	s.fake.Connect()
	s.fake.Feed("-ERR maildrop locked")

	if s.errorCode() != mailerr.ConnectionRefused {
		t.Errorf("events = %+v", s.events)
	}
}

func TestAuthenticate(t *testing.T) {
	s := newSession(t, testAccount())
	var result error
	called := false
	if err := s.client.Authenticate(func(err error) { called, result = true, err }); err != nil {
		t.Fatal(err)
	}
	s.login()
	s.expect("QUIT")
	s.fake.Feed("+OK")

	if !called || result != nil {
		t.Errorf("done called = %v with %v", called, result)
	}
	if s.has(client.EventRetrievalCompleted) {
		t.Error("authentication reported a retrieval")
	}
}

func TestParseListing(t *testing.T) {
	got := parseListing([]string{"1 abc", "bogus", "0 zero", " 2  def "})
	if len(got) != 2 || got[0] != (Listing{1, "abc"}) || got[1] != (Listing{2, "def"}) {
		t.Errorf("parseListing = %+v", got)
	}
}
