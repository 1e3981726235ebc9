package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/emx-mail/msgserver/pkgs/config"
	"github.com/emx-mail/msgserver/pkgs/email"
	"github.com/emx-mail/msgserver/pkgs/loop"
	"github.com/emx-mail/msgserver/pkgs/mailerr"
	"github.com/emx-mail/msgserver/pkgs/store"
	"github.com/emx-mail/msgserver/pkgs/store/storetest"
)

func startLoop(t *testing.T) *loop.Loop {
	t.Helper()
	l := loop.New(zap.NewNop(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(cancel)
	return l
}

type events chan Event

func (e events) sink(ev Event) { e <- ev }

// waitFor collects events until one of kind arrives.
func (e events) waitFor(t *testing.T, kind EventKind) []Event {
	t.Helper()
	var seen []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-e:
			seen = append(seen, ev)
			if ev.Kind == kind {
				return seen
			}
			if ev.Kind == EventError && kind != EventError {
				t.Fatalf("unexpected error event: %v", ev.Err)
			}
		case <-timeout:
			t.Fatalf("timed out waiting for event %d; got %+v", kind, seen)
		}
	}
}

func call(t *testing.T, l *loop.Loop, fn func()) {
	t.Helper()
	if err := l.Call(context.Background(), fn); err != nil {
		t.Fatalf("loop call: %v", err)
	}
}

func TestSelectionMapOrder(t *testing.T) {
	sel := NewSelectionMap()
	sel.Add("INBOX", "3", "a")
	sel.Add("Archive", "7", "b")
	sel.Add("INBOX", "1", "c")

	if got := sel.Folders(); strings.Join(got, ",") != "INBOX,Archive" {
		t.Errorf("Folders() = %v", got)
	}
	if sel.Len() != 3 {
		t.Errorf("Len() = %d, want 3", sel.Len())
	}

	var order []string
	for {
		s, ok := sel.Next()
		if !ok {
			break
		}
		order = append(order, s.Folder+"/"+s.ServerUID)
		sel.Add("Late", "9", "z")
	}
	if got := strings.Join(order, " "); got != "INBOX/3 INBOX/1 Archive/7" {
		t.Errorf("order = %q", got)
	}
	if sel.Remaining() != 0 {
		t.Errorf("Remaining() = %d after exhausting", sel.Remaining())
	}
}

type relay struct {
	mu      sync.Mutex
	list    []gatewayMessage
	bodies  map[string][]byte
	posted  []gatewayMessage
	deleted []string
	status  int
}

func (r *relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != 0 {
		w.WriteHeader(r.status)
		return
	}
	id := strings.TrimPrefix(req.URL.Path, "/messages/")
	switch {
	case req.Method == http.MethodGet && req.URL.Path == "/messages":
		json.NewEncoder(w).Encode(r.list)
	case req.Method == http.MethodGet:
		body, ok := r.bodies[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(gatewayMessage{ID: id, Content: body})
	case req.Method == http.MethodPost:
		var m gatewayMessage
		json.NewDecoder(req.Body).Decode(&m)
		r.posted = append(r.posted, m)
		w.WriteHeader(http.StatusCreated)
	case req.Method == http.MethodDelete:
		r.deleted = append(r.deleted, id)
	}
}

func newGatewayFixture(t *testing.T, kind email.Kind, r *relay) (*Gateway, *loop.Loop, store.Store, events) {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	l := startLoop(t)
	st := storetest.New(t)
	ev := make(events, 256)
	cfg := &config.AccountConfig{Name: "phone", Kind: config.KindMMS, PreviewSize: 2000,
		Gateway: config.GatewaySettings{URL: srv.URL}}
	g := NewGateway(kind, cfg, Deps{Ctx: context.Background(), Loop: l, Store: st, HTTP: srv.Client(), Log: zap.NewNop()}, ev.sink)
	return g, l, st, ev
}

func TestGatewayPreviewAndComplete(t *testing.T) {
	big := []byte(strings.Repeat("x", 3000))
	r := &relay{
		list: []gatewayMessage{
			{ID: "m1", Kind: "mms", From: "+15550001", To: []string{"+15550002"}, Subject: "hi", Content: []byte("hello"), Size: 5},
			{ID: "m2", Kind: "mms", From: "+15550003", Size: int64(len(big))},
		},
		bodies: map[string][]byte{"m2": big},
	}
	g, l, st, ev := newGatewayFixture(t, email.KindMMS, r)
	ctx := context.Background()

	var first, second error
	call(t, l, func() {
		first = g.Connect()
		second = g.Connect()
	})
	if first != nil {
		t.Fatalf("Connect: %v", first)
	}
	if mailerr.CodeOf(second) != mailerr.ConnectionInUse {
		t.Fatalf("second Connect = %v, want ConnectionInUse", second)
	}
	ev.waitFor(t, EventPartialRetrievalCompleted)

	m1, err := st.MessageByServerUID(ctx, "phone", "m1")
	if err != nil {
		t.Fatalf("m1: %v", err)
	}
	if !m1.Has(email.StatusDownloaded) || string(m1.Content) != "hello" {
		t.Errorf("m1 not downloaded in preview: status=%b content=%q", m1.Status, m1.Content)
	}
	m2, err := st.MessageByServerUID(ctx, "phone", "m2")
	if err != nil {
		t.Fatalf("m2: %v", err)
	}
	if !m2.Has(email.StatusPartial) {
		t.Errorf("m2 status = %b, want partial", m2.Status)
	}

	var newCount int
	call(t, l, func() {
		newCount = g.NewMailCount()
		sel := NewSelectionMap()
		sel.Add(InboxPath, "m2", m2.ID)
		err = g.SetSelectedMails(sel)
	})
	if err != nil {
		t.Fatalf("SetSelectedMails: %v", err)
	}
	if newCount != 2 {
		t.Errorf("NewMailCount() = %d, want 2", newCount)
	}
	seen := ev.waitFor(t, EventRetrievalCompleted)
	processed := 0
	for _, e := range seen {
		if e.Kind == EventMessageProcessed && e.ID == m2.ID {
			processed++
		}
	}
	if processed != 1 {
		t.Errorf("processed events for m2 = %d, want 1", processed)
	}

	m2, _ = st.Message(ctx, m2.ID)
	if !m2.Has(email.StatusDownloaded) || m2.Has(email.StatusPartial) || len(m2.Content) != len(big) {
		t.Errorf("m2 after completion: status=%b len=%d", m2.Status, len(m2.Content))
	}
}

func TestGatewayMarksVanishedRemoved(t *testing.T) {
	r := &relay{list: []gatewayMessage{{ID: "m1", From: "+15550001", Content: []byte("a")}}}
	g, l, st, ev := newGatewayFixture(t, email.KindSMS, r)

	call(t, l, func() { g.CheckForNewMessages() })
	ev.waitFor(t, EventRetrievalCompleted)

	r.mu.Lock()
	r.list = nil
	r.mu.Unlock()
	call(t, l, func() { g.CheckForNewMessages() })
	seen := ev.waitFor(t, EventRetrievalCompleted)

	for _, e := range seen {
		if e.Kind == EventNewCount && e.Count != 1 {
			t.Errorf("new count = %d, want 1 carried from the first check", e.Count)
		}
	}
	m, err := st.MessageByServerUID(context.Background(), "phone", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if !m.Has(email.StatusRemoved) {
		t.Errorf("status = %b, want removed", m.Status)
	}
}

func TestGatewayLoginFailed(t *testing.T) {
	g, l, _, ev := newGatewayFixture(t, email.KindSMS, &relay{status: http.StatusUnauthorized})
	call(t, l, func() { g.Connect() })
	seen := ev.waitFor(t, EventError)
	if code := seen[len(seen)-1].Err.Code; code != mailerr.LoginFailed {
		t.Errorf("code = %d, want LoginFailed", code)
	}
	var inUse bool
	call(t, l, func() { inUse = g.InUse() })
	if inUse {
		t.Error("client still in use after failure")
	}
}

func TestGatewaySend(t *testing.T) {
	r := &relay{}
	g, l, _, ev := newGatewayFixture(t, email.KindSMS, r)

	bad := &email.Message{ID: "x", To: []email.Address{{Email: "user@example.com"}}}
	if err := g.AddMail(bad); mailerr.CodeOf(err) != mailerr.InvalidAddress {
		t.Fatalf("AddMail(email rcpt) = %v, want InvalidAddress", err)
	}

	msgs := []*email.Message{
		{ID: "a", To: []email.Address{{Email: "+15550002"}}, Content: []byte("one")},
		{ID: "b", To: []email.Address{{Email: "+15550003"}}, Content: []byte("two")},
	}
	for _, m := range msgs {
		if err := g.AddMail(m); err != nil {
			t.Fatalf("AddMail: %v", err)
		}
	}
	var err error
	call(t, l, func() { err = g.Send() })
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	seen := ev.waitFor(t, EventSendCompleted)

	var order []string
	for _, e := range seen {
		if e.Kind == EventMessageProcessed {
			order = append(order, e.ID)
		}
	}
	if strings.Join(order, ",") != "a,b" {
		t.Errorf("processed order = %v", order)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.posted) != 2 || r.posted[0].Kind != "sms" || string(r.posted[1].Content) != "two" {
		t.Errorf("posted = %+v", r.posted)
	}
}

func TestGatewayDeleteImmediately(t *testing.T) {
	r := &relay{}
	g, l, _, _ := newGatewayFixture(t, email.KindMMS, r)
	if !g.HasDeleteImmediately() {
		t.Fatal("MMS should delete immediately")
	}
	call(t, l, func() { g.DeleteImmediately([]string{"m7"}) })

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		n := len(r.deleted)
		r.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("relay never saw the delete")
}

func TestSystemClient(t *testing.T) {
	l := startLoop(t)
	ev := make(events, 16)
	s := NewSystem(&config.AccountConfig{Name: "system", Kind: config.KindSystem},
		Deps{Ctx: context.Background(), Loop: l, Log: zap.NewNop()}, ev.sink)

	var err error
	call(t, l, func() {
		s.AddMail(&email.Message{ID: "n1"})
		err = s.Send()
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	seen := ev.waitFor(t, EventSendCompleted)
	if seen[0].Kind != EventMessageTransmitted || seen[0].ID != "n1" || seen[0].Account != "system" {
		t.Errorf("first event = %+v", seen[0])
	}
}
