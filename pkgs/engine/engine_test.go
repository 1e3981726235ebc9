package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/emx-mail/msgserver/pkgs/client"
	"github.com/emx-mail/msgserver/pkgs/config"
	"github.com/emx-mail/msgserver/pkgs/email"
	"github.com/emx-mail/msgserver/pkgs/loop"
	"github.com/emx-mail/msgserver/pkgs/mailerr"
	"github.com/emx-mail/msgserver/pkgs/store"
	"github.com/emx-mail/msgserver/pkgs/store/storetest"
	"github.com/emx-mail/msgserver/pkgs/transport"
	"github.com/emx-mail/msgserver/pkgs/transport/transporttest"
)

type harness struct {
	t      *testing.T
	l      *loop.Loop
	st     *store.SQLiteStore
	e      *Engine
	fakes  []*transporttest.Fake
	events chan Event
	// hook runs on the loop after an event is recorded.
	hook func(Event)
}

func newHarness(t *testing.T, accounts map[string]config.AccountConfig) *harness {
	t.Helper()
	h := &harness{t: t, events: make(chan Event, 256)}
	h.l = loop.New(zap.NewNop(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	go h.l.Run(ctx)
	t.Cleanup(cancel)
	h.st = storetest.New(t)

	deps := client.Deps{
		Ctx:   ctx,
		Loop:  h.l,
		Store: h.st,
		Transport: func(th transport.Handler) transport.Transport {
			f := &transporttest.Fake{}
			h.fakes = append(h.fakes, f)
			return f.Factory()(th)
		},
		HTTP: &http.Client{Timeout: 5 * time.Second},
		Log:  zap.NewNop(),
	}
	cfg := &config.Config{Accounts: accounts}
	h.call(func() {
		h.e = New(cfg, deps, func(ev Event) {
			h.events <- ev
			if h.hook != nil {
				h.hook(ev)
			}
		})
	})
	return h
}

func (h *harness) call(fn func()) {
	h.t.Helper()
	if err := h.l.Call(context.Background(), fn); err != nil {
		h.t.Fatalf("loop call: %v", err)
	}
}

func (h *harness) add(m *email.Message) string {
	h.t.Helper()
	if err := h.st.AddMessage(context.Background(), m); err != nil {
		h.t.Fatalf("add message: %v", err)
	}
	return m.ID
}

// waitFor collects events until one of kind arrives.
func (h *harness) waitFor(kind EventKind) []Event {
	h.t.Helper()
	var seen []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-h.events:
			seen = append(seen, ev)
			if ev.Kind == kind {
				return seen
			}
		case <-timeout:
			h.t.Fatalf("timed out waiting for %s; got %+v", kind, seen)
		}
	}
}

// drain returns the events already emitted.
func (h *harness) drain() []Event {
	var seen []Event
	for {
		select {
		case ev := <-h.events:
			seen = append(seen, ev)
		default:
			return seen
		}
	}
}

func ofKind(evs []Event, kind EventKind) []Event {
	var out []Event
	for _, ev := range evs {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func values(evs []Event) []int {
	var out []int
	for _, ev := range evs {
		out = append(out, ev.Value)
	}
	return out
}

func systemAccounts() map[string]config.AccountConfig {
	return map[string]config.AccountConfig{
		"sys": {Name: "sys", Kind: config.KindSystem},
	}
}

func mailAccount(name string) config.AccountConfig {
	return config.AccountConfig{
		Name:  name,
		Email: "me@example.com",
		Kind:  config.KindIMAP,
		IMAP:  config.ProtocolSettings{Host: "imap.example.com", Port: 143},
		SMTP:  config.ProtocolSettings{Host: "smtp.example.com", Port: 25},
	}
}

func outgoing(account string, kind email.Kind, to string) *email.Message {
	return &email.Message{
		AccountID: account,
		Kind:      kind,
		To:        []email.Address{{Email: to}},
		Subject:   "hi",
		Content:   []byte("Subject: hi\r\n\r\nbody\r\n"),
		Status:    email.StatusOutgoing,
	}
}

func TestSendSystemMessages(t *testing.T) {
	h := newHarness(t, systemAccounts())
	id1 := h.add(outgoing("sys", email.KindSystem, "me@example.com"))
	id2 := h.add(outgoing("sys", email.KindSystem, "me@example.com"))

	h.call(func() { h.e.Send([]string{id1, id2}) })
	evs := h.waitFor(SendCompleted)

	if evs[0].Kind != SendTotal || evs[0].Value != 4 {
		t.Fatalf("first event = %+v, want send total 4", evs[0])
	}
	sent := ofKind(evs, MessageSent)
	if len(sent) != 2 || sent[0].ID != id1 || sent[1].ID != id2 {
		t.Errorf("sent = %+v", sent)
	}
	if got := values(ofKind(evs, SendProgress)); len(got) != 2 || got[0] != 2 || got[1] != 4 {
		t.Errorf("progress = %v, want [2 4]", got)
	}
	for _, ev := range ofKind(evs, SendProgress) {
		if ev.Account != "sys" {
			t.Errorf("progress without account: %+v", ev)
		}
	}
	if errs := ofKind(evs, ErrorOccurred); len(errs) != 0 {
		t.Errorf("unexpected errors: %+v", errs)
	}
}

func TestSendEmptyBatch(t *testing.T) {
	h := newHarness(t, systemAccounts())
	h.call(func() { h.e.Send(nil) })
	evs := h.drain()
	if len(evs) != 2 || evs[0].Kind != SendTotal || evs[0].Value != 0 || evs[1].Kind != SendCompleted {
		t.Errorf("events = %+v", evs)
	}
}

func TestSendOverSMTP(t *testing.T) {
	h := newHarness(t, map[string]config.AccountConfig{"work": mailAccount("work")})
	m := outgoing("work", email.KindEmail, "you@example.com")
	id := h.add(m)

	h.call(func() {
		h.e.Send([]string{id})
		if len(h.fakes) != 1 {
			t.Errorf("transports = %d, want 1", len(h.fakes))
			return
		}
		f := h.fakes[0]
		f.Connect()
		f.Feed("220 ready", "250 smtp.example.com", "250 sender ok", "250 rcpt ok", "354 go ahead")
		f.Written(len(m.Content))
		f.Feed("250 queued", "221 bye")
	})
	evs := h.waitFor(SendCompleted)

	if evs[0].Kind != SendTotal || evs[0].Value != 2 {
		t.Fatalf("first event = %+v", evs[0])
	}
	if sent := ofKind(evs, MessageSent); len(sent) != 1 || sent[0].ID != id || sent[0].Account != "work" {
		t.Errorf("sent = %+v", sent)
	}
	progress := values(ofKind(evs, SendProgress))
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Errorf("progress went backwards: %v", progress)
		}
	}
	if len(progress) == 0 || progress[len(progress)-1] != 2 {
		t.Errorf("progress = %v, want to end at 2", progress)
	}
	if len(ofKind(evs, StatusChanged)) == 0 {
		t.Error("no status events")
	}

	wire := strings.Join(h.fakes[0].Writes(), "")
	for _, want := range []string{"MAIL FROM:<me@example.com>\r\n", "RCPT TO:<you@example.com>\r\n", "QUIT\r\n"} {
		if !strings.Contains(wire, want) {
			t.Errorf("wire missing %q:\n%s", want, wire)
		}
	}
}

func TestSendFailureSettlesBatch(t *testing.T) {
	h := newHarness(t, map[string]config.AccountConfig{"work": mailAccount("work")})
	id := h.add(outgoing("work", email.KindEmail, "you@example.com"))

	h.call(func() {
		h.e.Send([]string{id})
		f := h.fakes[0]
		f.Connect()
		f.Feed("220 ready", "250 smtp.example.com")
		f.Fail(errors.New("connection reset"))
	})
	evs := h.waitFor(SendCompleted)

	errs := ofKind(evs, ErrorOccurred)
	if len(errs) != 1 || errs[0].Account != "work" {
		t.Fatalf("errors = %+v", errs)
	}
	if len(ofKind(evs, MessageSent)) != 0 {
		t.Error("message reported sent")
	}
	last := ofKind(evs, SendProgress)
	if len(last) == 0 || last[len(last)-1].Value != 2 || last[len(last)-1].Account != "work" {
		t.Errorf("progress = %+v", last)
	}
}

func TestSendRefusedBatchKeepsRunningBatch(t *testing.T) {
	h := newHarness(t, map[string]config.AccountConfig{"work": mailAccount("work")})
	m := outgoing("work", email.KindEmail, "you@example.com")
	id1 := h.add(m)
	id2 := h.add(outgoing("work", email.KindEmail, "other@example.com"))

	h.call(func() {
		h.e.Send([]string{id1})
		f := h.fakes[0]
		f.Connect()
		f.Feed("220 ready", "250 smtp.example.com")
		h.e.Send([]string{id2})
		f.Feed("250 sender ok", "250 rcpt ok", "354 go ahead")
		f.Written(len(m.Content))
		f.Feed("250 queued", "221 bye")
	})
	evs := h.waitFor(SendCompleted)

	errs := ofKind(evs, ErrorOccurred)
	if len(errs) != 1 || errs[0].Code != mailerr.EnqueueFailed || errs[0].Account != "work" {
		t.Fatalf("errors = %+v", errs)
	}
	if sent := ofKind(evs, MessageSent); len(sent) != 1 || sent[0].ID != id1 {
		t.Errorf("sent = %+v", sent)
	}
	progress := ofKind(evs, SendProgress)
	if len(progress) == 0 {
		t.Fatal("no send progress")
	}
	if last := progress[len(progress)-1]; last.ID != id1 || last.Value != 2 || last.Account != "work" {
		t.Errorf("last progress = %+v", last)
	}
	if done := ofKind(evs, SendCompleted); done[0].Account != "work" {
		t.Errorf("completed = %+v", done[0])
	}
	wire := strings.Join(h.fakes[0].Writes(), "")
	if strings.Contains(wire, "other@example.com") {
		t.Errorf("refused message reached the wire:\n%s", wire)
	}
}

func TestSendRefusesSecondSMTPAccount(t *testing.T) {
	h := newHarness(t, map[string]config.AccountConfig{
		"a": mailAccount("a"),
		"b": mailAccount("b"),
	})
	id1 := h.add(outgoing("a", email.KindEmail, "x@example.com"))
	id2 := h.add(outgoing("b", email.KindEmail, "y@example.com"))

	var queued []string
	h.call(func() {
		h.e.Send([]string{id1, id2})
		queued = h.e.smtp.Queued()
	})
	evs := h.drain()

	if len(evs) != 1 || evs[0].Kind != ErrorOccurred {
		t.Fatalf("events = %+v", evs)
	}
	ev := evs[0]
	if ev.Code != mailerr.EnqueueFailed || ev.Account != "b" {
		t.Errorf("error = %+v", ev)
	}
	if !strings.Contains(ev.Text, "Outgoing connection already in use") ||
		!strings.HasSuffix(ev.Text, "Unable to send; message kept in the outbox") {
		t.Errorf("text = %q", ev.Text)
	}
	if len(queued) != 0 {
		t.Errorf("queue kept %v", queued)
	}
	if h.fakes[0].Opens != 0 {
		t.Error("connection opened for a refused batch")
	}
}

func TestSendUnknownMessage(t *testing.T) {
	h := newHarness(t, systemAccounts())
	h.call(func() { h.e.Send([]string{"missing"}) })
	evs := h.drain()
	if len(evs) != 1 || evs[0].Kind != ErrorOccurred || evs[0].Code != mailerr.EnqueueFailed {
		t.Fatalf("events = %+v", evs)
	}
	if !strings.Contains(evs[0].Text, "Cannot determine the connection") {
		t.Errorf("text = %q", evs[0].Text)
	}
}

func TestEnqueueFailedKeepsSocketCodes(t *testing.T) {
	h := newHarness(t, systemAccounts())
	h.call(func() { h.e.enqueueFailed("sys", mailerr.New(mailerr.HostNotFound, "")) })
	evs := h.drain()
	if len(evs) != 1 || evs[0].Code != mailerr.HostNotFound {
		t.Fatalf("events = %+v", evs)
	}
	if !strings.Contains(evs[0].Text, "<Error 3>") {
		t.Errorf("text = %q", evs[0].Text)
	}
}

func TestCompleteRetrievalProgress(t *testing.T) {
	h := newHarness(t, systemAccounts())
	id := h.add(&email.Message{AccountID: "sys", Kind: email.KindSystem, ServerUID: "s1", Size: 10,
		Status: email.StatusIncoming | email.StatusPartial})

	var err error
	h.call(func() { err = h.e.CompleteRetrieval([]string{id}) })
	if err != nil {
		t.Fatalf("CompleteRetrieval: %v", err)
	}
	evs := h.waitFor(RetrievalCompleted)

	if evs[0].Kind != RetrievalTotal || evs[0].Value != 2 {
		t.Fatalf("first event = %+v", evs[0])
	}
	if got := values(ofKind(evs, RetrievalProgress)); len(got) != 1 || got[0] != 2 {
		t.Errorf("progress = %v", got)
	}
	h.call(func() {
		if h.e.RetrievalInProgress() {
			t.Error("retrieval still in progress")
		}
	})
}

func TestCompleteRetrievalStorageFull(t *testing.T) {
	h := newHarness(t, systemAccounts())
	if err := h.st.SetQuota(64 * 1024); err != nil {
		t.Fatal(err)
	}
	id := h.add(&email.Message{AccountID: "sys", Kind: email.KindSystem, ServerUID: "s1", Size: 10 << 20})

	h.call(func() {
		if err := h.e.CompleteRetrieval([]string{id}); err != nil {
			t.Errorf("CompleteRetrieval: %v", err)
		}
	})
	evs := h.drain()
	if len(evs) != 1 || evs[0].Kind != ErrorOccurred || evs[0].Code != mailerr.StorageFull {
		t.Fatalf("events = %+v", evs)
	}
	if !strings.HasPrefix(evs[0].Text, "Mail check failed. ") || !strings.Contains(evs[0].Text, "database or disk is full") {
		t.Errorf("text = %q", evs[0].Text)
	}
}

func TestRetrieveRejectsConcurrentRetrieval(t *testing.T) {
	h := newHarness(t, systemAccounts())
	var first, second error
	h.call(func() {
		first = h.e.Retrieve("sys", false)
		second = h.e.Retrieve("sys", false)
	})
	if first != nil {
		t.Fatalf("Retrieve: %v", first)
	}
	if mailerr.CodeOf(second) != mailerr.ConnectionInUse {
		t.Errorf("second Retrieve = %v", second)
	}
	evs := h.waitFor(RetrievalCompleted)
	if len(ofKind(evs, PartialRetrievalCompleted)) != 1 {
		t.Errorf("events = %+v", evs)
	}
}

func TestRetrieveUnknownAccount(t *testing.T) {
	h := newHarness(t, systemAccounts())
	var err error
	h.call(func() { err = h.e.Retrieve("nope", false) })
	if mailerr.CodeOf(err) != mailerr.Configuration {
		t.Errorf("Retrieve = %v", err)
	}
}

func TestEmptyCompletionEndsPreview(t *testing.T) {
	h := newHarness(t, systemAccounts())
	h.call(func() {
		h.hook = func(ev Event) {
			if ev.Kind == PartialRetrievalCompleted {
				if err := h.e.CompleteRetrieval(nil); err != nil {
					t.Errorf("CompleteRetrieval: %v", err)
				}
			}
		}
		if err := h.e.Retrieve("sys", false); err != nil {
			t.Errorf("Retrieve: %v", err)
		}
	})
	h.waitFor(RetrievalCompleted)
	// let the client finish its turn
	h.call(func() {})
	if extra := ofKind(h.drain(), RetrievalCompleted); len(extra) != 0 {
		t.Errorf("retrieval completed twice: %+v", extra)
	}
}

func TestRetrievalEndedBeforeErrorReported(t *testing.T) {
	h := newHarness(t, map[string]config.AccountConfig{"work": mailAccount("work")})
	var during []bool
	h.call(func() {
		h.hook = func(ev Event) {
			if ev.Kind == ErrorOccurred {
				during = append(during, h.e.RetrievalInProgress())
			}
		}
		if err := h.e.Retrieve("work", false); err != nil {
			t.Errorf("Retrieve: %v", err)
			return
		}
		if len(h.fakes) == 0 {
			t.Error("no transport opened")
			return
		}
		f := h.fakes[len(h.fakes)-1]
		f.Connect()
		f.Fail(errors.New("connection reset"))
	})
	h.waitFor(ErrorOccurred)
	h.call(func() {
		if len(during) != 1 || during[0] {
			t.Errorf("retrieval in progress while error reported: %v", during)
		}
	})
}

func TestCancelTransfer(t *testing.T) {
	h := newHarness(t, systemAccounts())
	h.call(func() {
		if err := h.e.Retrieve("sys", false); err != nil {
			t.Errorf("Retrieve: %v", err)
			return
		}
		h.e.CancelTransfer()
		if h.e.RetrievalInProgress() {
			t.Error("retrieval still in progress after cancel")
		}
	})
	evs := h.waitFor(ErrorOccurred)
	ev := evs[len(evs)-1]
	if ev.Code != mailerr.Cancelled || !strings.Contains(ev.Text, "Operation cancelled.") {
		t.Errorf("error = %+v", ev)
	}
	h.call(func() {})
	if done := ofKind(h.drain(), RetrievalCompleted); len(done) != 0 {
		t.Errorf("cancelled retrieval completed: %+v", done)
	}
}

func TestSynchroniseClients(t *testing.T) {
	h := newHarness(t, systemAccounts())
	h.call(func() { h.e.SynchroniseClients() })
	h.waitFor(NewCountDetermined)

	h.call(func() { h.e.clientEvent(h.e.system, client.Event{Kind: client.EventNewCount}) })
	if evs := h.drain(); len(evs) != 1 || evs[0].Kind != NewCountChanged {
		t.Errorf("events = %+v", evs)
	}
}

func TestAcknowledgeNewMessages(t *testing.T) {
	h := newHarness(t, map[string]config.AccountConfig{
		"work": mailAccount("work"),
		"sms":  {Name: "sms", Kind: config.KindSMS, Gateway: config.GatewaySettings{URL: "http://relay.invalid"}},
	})
	h.call(func() {
		if _, _, err := h.e.retriever("work"); err != nil {
			t.Errorf("retriever: %v", err)
			return
		}
		h.e.AcknowledgeNewMessages([]email.Kind{email.KindSMS})
		h.e.AcknowledgeNewMessages([]email.Kind{email.KindEmail})
		if n := h.e.mail["work"].NewMailCount(); n != 0 {
			t.Errorf("new count = %d", n)
		}
	})
}

type deleteRelay struct {
	mu      sync.Mutex
	deleted []string
}

func (r *deleteRelay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	r.mu.Lock()
	r.deleted = append(r.deleted, strings.TrimPrefix(req.URL.Path, "/messages/"))
	r.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (r *deleteRelay) Deleted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.deleted...)
}

func TestDeletionsPushedForMMS(t *testing.T) {
	relay := &deleteRelay{}
	srv := httptest.NewServer(relay)
	defer srv.Close()

	h := newHarness(t, map[string]config.AccountConfig{
		"mms": {Name: "mms", Kind: config.KindMMS, Gateway: config.GatewaySettings{URL: srv.URL}},
	})
	id := h.add(&email.Message{AccountID: "mms", Kind: email.KindMMS, ServerUID: "g1", Status: email.StatusIncoming})
	if err := h.st.RemoveMessages(context.Background(), []string{id}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		recs, err := h.st.DeletionRecords(context.Background(), "mms", "")
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("deletion records left: %+v, relay saw %v", recs, relay.Deleted())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := relay.Deleted(); len(got) != 1 || got[0] != "g1" {
		t.Errorf("relay deletions = %v", got)
	}
}

func TestReloadDropsRemovedAccounts(t *testing.T) {
	h := newHarness(t, map[string]config.AccountConfig{"work": mailAccount("work")})
	h.call(func() {
		if _, _, err := h.e.retriever("work"); err != nil {
			t.Errorf("retriever: %v", err)
			return
		}
		h.e.Reload(&config.Config{Accounts: map[string]config.AccountConfig{}})
		if len(h.e.mail) != 0 {
			t.Errorf("clients kept: %v", h.e.mail)
		}
	})
}
