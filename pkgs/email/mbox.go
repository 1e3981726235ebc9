package email

import (
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-mbox"
)

// ExportMbox writes the content of msgs to w in mbox format. Messages
// without content are skipped; the number written is returned.
func ExportMbox(w io.Writer, msgs []*Message) (int, error) {
	mw := mbox.NewWriter(w)
	n := 0
	for _, m := range msgs {
		if len(m.Content) == 0 {
			continue
		}
		from := m.From.Email
		if from == "" {
			from = "MAILER-DAEMON"
		}
		date := m.Date
		if date.IsZero() {
			date = time.Now()
		}
		out, err := mw.CreateMessage(from, date)
		if err != nil {
			return n, fmt.Errorf("creating mbox message: %w", err)
		}
		if _, err := out.Write(m.Content); err != nil {
			return n, fmt.Errorf("writing mbox message: %w", err)
		}
		n++
	}
	if err := mw.Close(); err != nil {
		return n, fmt.Errorf("closing mbox writer: %w", err)
	}
	return n, nil
}

// ReadMbox parses every message of an mbox stream.
func ReadMbox(r io.Reader) ([]*Message, error) {
	mr := mbox.NewReader(r)
	var msgs []*Message
	for {
		part, err := mr.NextMessage()
		if err == io.EOF {
			return msgs, nil
		}
		if err != nil {
			return msgs, fmt.Errorf("reading mbox message: %w", err)
		}
		raw, err := io.ReadAll(part)
		if err != nil {
			return msgs, fmt.Errorf("reading mbox message: %w", err)
		}
		m := &Message{Kind: KindEmail, Content: raw, Size: int64(len(raw))}
		if err := ParseHeader(m); err != nil {
			return msgs, err
		}
		msgs = append(msgs, m)
	}
}
