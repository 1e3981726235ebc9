package smtp

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.com/emx-mail/msgserver/pkgs/client"
	"github.com/emx-mail/msgserver/pkgs/config"
	"github.com/emx-mail/msgserver/pkgs/email"
	"github.com/emx-mail/msgserver/pkgs/loop"
	"github.com/emx-mail/msgserver/pkgs/mailerr"
	"github.com/emx-mail/msgserver/pkgs/transport"
	"github.com/emx-mail/msgserver/pkgs/transport/transporttest"
)

// ---------------------------------------------------------------------------
// SMTP mock server
// ---------------------------------------------------------------------------

type smtpTestMessage struct {
	From string
	To   []string
	Data []byte
}

type smtpTestBackend struct {
	mu       sync.Mutex
	messages []*smtpTestMessage
	reject   string
}

func (be *smtpTestBackend) NewSession(_ *gosmtp.Conn) (gosmtp.Session, error) {
	return &smtpTestSession{backend: be}, nil
}

func (be *smtpTestBackend) Messages() []*smtpTestMessage {
	be.mu.Lock()
	defer be.mu.Unlock()
	return append([]*smtpTestMessage(nil), be.messages...)
}

type smtpTestSession struct {
	backend *smtpTestBackend
	msg     *smtpTestMessage
}

func (s *smtpTestSession) AuthMechanisms() []string { return []string{"PLAIN"} }

func (s *smtpTestSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != "testuser" || password != "testpass" {
			return errors.New("invalid credentials")
		}
		return nil
	}), nil
}

func (s *smtpTestSession) Mail(from string, _ *gosmtp.MailOptions) error {
	s.msg = &smtpTestMessage{From: from}
	return nil
}

func (s *smtpTestSession) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if to == s.backend.reject {
		return &gosmtp.SMTPError{Code: 550, EnhancedCode: gosmtp.EnhancedCode{5, 1, 1}, Message: "no such user"}
	}
	s.msg.To = append(s.msg.To, to)
	return nil
}

func (s *smtpTestSession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.msg.Data = b
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, s.msg)
	s.backend.mu.Unlock()
	return nil
}

func (s *smtpTestSession) Reset()        { s.msg = nil }
func (s *smtpTestSession) Logout() error { return nil }

var _ gosmtp.AuthSession = (*smtpTestSession)(nil)

func newTestSMTPServer(t *testing.T, be *smtpTestBackend) string {
	t.Helper()

	srv := gosmtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return ln.Addr().String()
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func sendLive(t *testing.T, addr, password string) []client.Event {
	t.Helper()
	host, port := transporttest.SplitHostPort(t, addr)

	l := loop.New(zap.NewNop(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	cfg := &config.AccountConfig{
		Name:  "work",
		Email: "sender@example.com",
		Kind:  config.KindSMTP,
		SMTP: config.ProtocolSettings{
			Host:     host,
			Port:     port,
			Username: "testuser",
			Password: password,
			Auth:     config.AuthPlain,
		},
	}
	events := make(chan client.Event, 64)
	deps := client.Deps{
		Ctx:       ctx,
		Loop:      l,
		Transport: transport.NewFactory(l, zap.NewNop(), transport.Options{DialTimeout: 5 * time.Second}),
		Log:       zap.NewNop(),
	}

	var sendErr error
	err := l.Call(ctx, func() {
		c := New(cfg, deps, func(ev client.Event) { events <- ev })
		m := testMessage("m1", "rcpt@example.com", "nobody@example.com")
		m.From = email.Address{Email: "sender@example.com"}
		m.Content = []byte("From: sender@example.com\r\nSubject: Test Subject\r\n\r\nHello, World!\r\n.dot line\r\n")
		if sendErr = c.AddMail(m); sendErr == nil {
			sendErr = c.Send()
		}
	})
	if err != nil || sendErr != nil {
		t.Fatalf("send: %v %v", err, sendErr)
	}

	var got []client.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev := <-events:
			got = append(got, ev)
			if ev.Kind == client.EventSendCompleted || ev.Kind == client.EventError {
				return got
			}
		case <-timeout:
			t.Fatalf("timed out, events = %+v", got)
		}
	}
}

func TestSendToServer(t *testing.T) {
	be := &smtpTestBackend{reject: "nobody@example.com"}
	addr := newTestSMTPServer(t, be)

	events := sendLive(t, addr, "testpass")
	if last := events[len(events)-1]; last.Kind != client.EventSendCompleted {
		t.Fatalf("events = %+v", events)
	}

	msgs := be.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].From != "sender@example.com" {
		t.Errorf("unexpected From: %s", msgs[0].From)
	}
	if len(msgs[0].To) != 1 || msgs[0].To[0] != "rcpt@example.com" {
		t.Errorf("unexpected To: %v", msgs[0].To)
	}
	data := string(msgs[0].Data)
	if !strings.Contains(data, "Subject: Test Subject") {
		t.Errorf("data missing subject: %q", data)
	}
	if !strings.Contains(data, "\n.dot line") || strings.Contains(data, "..dot") {
		t.Errorf("dot-stuffing not undone: %q", data)
	}
}

func TestSendToServerBadPassword(t *testing.T) {
	addr := newTestSMTPServer(t, &smtpTestBackend{})

	events := sendLive(t, addr, "wrong")
	last := events[len(events)-1]
	if last.Kind != client.EventError || last.Err.Code != mailerr.LoginFailed {
		t.Errorf("events = %+v", events)
	}
}
