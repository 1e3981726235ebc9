package pop

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
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

// ---------------------------------------------------------------------------
// POP3 mock server (raw TCP, RFC 1939)
// ---------------------------------------------------------------------------

type mockMsg struct {
	UIDL string
	Data string
}

type mockOpts struct {
	Messages    []mockMsg
	SupportSTLS bool
	RejectAuth  bool
}

func newMockServer(t *testing.T, opts mockOpts) string {
	t.Helper()

	var tlsConfig *tls.Config
	if opts.SupportSTLS {
		tlsConfig = transporttest.NewTLSConfig(t)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveMock(conn, opts, tlsConfig)
		}
	}()
	return ln.Addr().String()
}

func serveMock(conn net.Conn, opts mockOpts, tlsCfg *tls.Config) {
	defer conn.Close()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	writeLine := func(s string) {
		fmt.Fprintf(rw, "%s\r\n", s)
		rw.Flush()
	}
	writeLine("+OK POP3 server ready")

	authed := false
	deleted := map[int]bool{}
	msg := func(fields []string) (int, bool) {
		idx := 0
		if len(fields) > 1 {
			fmt.Sscanf(fields[1], "%d", &idx)
		}
		return idx, authed && idx >= 1 && idx <= len(opts.Messages) && !deleted[idx]
	}

	for {
		line, err := rw.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(strings.TrimRight(line, "\r\n"))
		if len(fields) == 0 {
			continue
		}

		switch strings.ToUpper(fields[0]) {
		case "STLS":
			if tlsCfg == nil {
				writeLine("-ERR STLS not supported")
				continue
			}
			writeLine("+OK Begin TLS")
			tlsConn := tls.Server(conn, tlsCfg)
			if err := tlsConn.Handshake(); err != nil {
				return
			}
			conn = tlsConn
			rw = bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

		case "USER":
			writeLine("+OK")

		case "PASS":
			if opts.RejectAuth {
				writeLine("-ERR auth failed")
				continue
			}
			authed = true
			writeLine("+OK Logged in")

		case "UIDL", "LIST":
			if !authed {
				writeLine("-ERR not authenticated")
				continue
			}
			writeLine("+OK")
			for i, m := range opts.Messages {
				if deleted[i+1] {
					continue
				}
				if fields[0] == "UIDL" {
					writeLine(fmt.Sprintf("%d %s", i+1, m.UIDL))
				} else {
					writeLine(fmt.Sprintf("%d %d", i+1, len(m.Data)))
				}
			}
			writeLine(".")

		case "RETR", "TOP":
			idx, ok := msg(fields)
			if !ok {
				writeLine("-ERR no such message")
				continue
			}
			data := opts.Messages[idx-1].Data
			if fields[0] == "TOP" {
				data = strings.SplitN(data, "\r\n\r\n", 2)[0] + "\r\n"
			}
			writeLine("+OK")
			for _, l := range strings.Split(strings.TrimSuffix(data, "\r\n"), "\r\n") {
				if strings.HasPrefix(l, ".") {
					l = "." + l
				}
				writeLine(l)
			}
			writeLine(".")

		case "DELE":
			idx, ok := msg(fields)
			if !ok {
				writeLine("-ERR no such message")
				continue
			}
			deleted[idx] = true
			writeLine("+OK")

		case "QUIT":
			writeLine("+OK Bye")
			return

		default:
			writeLine("-ERR unknown command")
		}
	}
}

const testMail = "From: sender@example.com\r\n" +
	"To: rcpt@example.com\r\n" +
	"Subject: Test Subject\r\n" +
	"Message-Id: <test-1@example.com>\r\n" +
	"\r\n" +
	"Hello, World!\r\n" +
	".hidden dot line\r\n"

type liveClient struct {
	t      *testing.T
	loop   *loop.Loop
	ctx    context.Context
	store  store.Store
	client *Client
	events chan client.Event
}

func newLiveClient(t *testing.T, addr string, starttls bool) *liveClient {
	t.Helper()
	host, port := transporttest.SplitHostPort(t, addr)

	l := loop.New(zap.NewNop(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go l.Run(ctx)

	lc := &liveClient{t: t, loop: l, ctx: ctx, store: storetest.New(t), events: make(chan client.Event, 64)}
	cfg := &config.AccountConfig{
		Name: "home",
		Kind: config.KindPOP,
		POP3: config.ProtocolSettings{Host: host, Port: port, Username: "u", Password: "p", StartTLS: starttls},
	}
	deps := client.Deps{
		Ctx:   ctx,
		Loop:  l,
		Store: lc.store,
		Transport: transport.NewFactory(l, zap.NewNop(), transport.Options{
			TLSConfig:   transporttest.InsecureTLSConfig(),
			DialTimeout: 5 * time.Second,
		}),
		Log: zap.NewNop(),
	}
	lc.run(func() { lc.client = New(cfg, deps, func(ev client.Event) { lc.events <- ev }) })
	return lc
}

func (lc *liveClient) run(fn func()) {
	lc.t.Helper()
	if err := lc.loop.Call(lc.ctx, fn); err != nil {
		lc.t.Fatal(err)
	}
}

// waitFor returns the first event of kind, or the first error event.
func (lc *liveClient) waitFor(kind client.EventKind) client.Event {
	lc.t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev := <-lc.events:
			if ev.Kind == kind || ev.Kind == client.EventError {
				return ev
			}
		case <-timeout:
			lc.t.Fatalf("timed out waiting for event %d", kind)
		}
	}
}

func TestRetrieveFromMockServer(t *testing.T) {
	for _, starttls := range []bool{false, true} {
		t.Run(fmt.Sprintf("starttls=%v", starttls), func(t *testing.T) {
			addr := newMockServer(t, mockOpts{
				Messages:    []mockMsg{{UIDL: "a1", Data: testMail}, {UIDL: "a2", Data: testMail}},
				SupportSTLS: starttls,
			})
			lc := newLiveClient(t, addr, starttls)

			var err error
			lc.run(func() { err = lc.client.Connect() })
			if err != nil {
				t.Fatal(err)
			}
			if ev := lc.waitFor(client.EventPartialRetrievalCompleted); ev.Kind != client.EventPartialRetrievalCompleted {
				t.Fatalf("got %+v", ev)
			}

			m, err := lc.store.MessageByServerUID(lc.ctx, "home", "a1")
			if err != nil {
				t.Fatal(err)
			}
			if m.Subject != "Test Subject" || !m.Has(email.StatusPartial) {
				t.Errorf("preview = %+v", m)
			}

			sel := client.NewSelectionMap()
			sel.Add(m.FolderID, m.ServerUID, m.ID)
			lc.run(func() { err = lc.client.SetSelectedMails(sel) })
			if err != nil {
				t.Fatal(err)
			}
			if ev := lc.waitFor(client.EventRetrievalCompleted); ev.Kind != client.EventRetrievalCompleted {
				t.Fatalf("got %+v", ev)
			}
			got, err := lc.store.Message(lc.ctx, m.ID)
			if err != nil {
				t.Fatal(err)
			}
			if !got.Has(email.StatusDownloaded) || !strings.Contains(string(got.Content), "\r\n.hidden dot line") {
				t.Errorf("downloaded = %q", got.Content)
			}
		})
	}
}

func TestMockServerRejectsLogin(t *testing.T) {
	addr := newMockServer(t, mockOpts{RejectAuth: true})
	lc := newLiveClient(t, addr, false)

	lc.run(func() { lc.client.Connect() })
	ev := lc.waitFor(client.EventRetrievalCompleted)
	if ev.Kind != client.EventError || ev.Err.Code != mailerr.LoginFailed {
		t.Errorf("got %+v", ev)
	}
}
