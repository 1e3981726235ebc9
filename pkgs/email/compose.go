package email

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Compose renders opts as an RFC 5322 message ready for the outbox.
func Compose(opts SendOptions) (*Message, error) {
	raw, err := buildMessage(opts)
	if err != nil {
		return nil, err
	}
	m := &Message{
		Kind:    KindEmail,
		From:    opts.From,
		To:      opts.To,
		Cc:      opts.Cc,
		Bcc:     opts.Bcc,
		Subject: opts.Subject,
		Date:    time.Now(),
		Status:  StatusOutgoing | StatusDownloaded,
		Content: raw,
	}
	if len(opts.Attachments) > 0 {
		m.Status |= StatusHasAttachments
	}
	if err := ParseHeader(m); err != nil {
		return nil, err
	}
	m.Size = int64(len(raw))
	return m, nil
}

func buildMessage(opts SendOptions) ([]byte, error) {
	var buf bytes.Buffer

	var header mail.Header
	header.SetDate(time.Now())
	header.SetSubject(opts.Subject)
	header.SetAddressList("From", toMailAddresses([]Address{opts.From}))
	if len(opts.To) > 0 {
		header.SetAddressList("To", toMailAddresses(opts.To))
	}
	if len(opts.Cc) > 0 {
		header.SetAddressList("Cc", toMailAddresses(opts.Cc))
	}
	if opts.InReplyTo != "" {
		header.SetMsgIDList("In-Reply-To", []string{opts.InReplyTo})
	}
	if len(opts.References) > 0 {
		header.SetMsgIDList("References", opts.References)
	}
	header.Set("Message-ID", GenerateMessageID(opts.From.Email))

	var mw *mail.Writer
	var iw *mail.InlineWriter
	var err error
	if len(opts.Attachments) == 0 {
		iw, err = mail.CreateInlineWriter(&buf, header)
	} else {
		mw, err = mail.CreateWriter(&buf, header)
		if err == nil {
			iw, err = mw.CreateInline()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	if err := writeInline(iw, "text/plain", opts.TextBody); err != nil {
		return nil, err
	}
	if err := writeInline(iw, "text/html", opts.HTMLBody); err != nil {
		return nil, err
	}
	if err := iw.Close(); err != nil {
		return nil, err
	}

	if mw != nil {
		for _, att := range opts.Attachments {
			if err := writeAttachment(mw, att); err != nil {
				return nil, err
			}
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func writeInline(iw *mail.InlineWriter, contentType, body string) error {
	if body == "" {
		return nil
	}
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := iw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return err
	}
	return w.Close()
}

func writeAttachment(mw *mail.Writer, att AttachmentPath) error {
	var h mail.AttachmentHeader
	h.SetFilename(att.Filename)
	h.SetContentType("application/octet-stream", nil)

	w, err := mw.CreateAttachment(h)
	if err != nil {
		return err
	}
	f, err := os.Open(att.Path)
	if err != nil {
		return fmt.Errorf("failed to open attachment %s: %w", att.Path, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to copy attachment %s: %w", att.Path, err)
	}
	return w.Close()
}

// GenerateMessageID returns "<timestamp.random@domain>" using the domain of
// the sender.
func GenerateMessageID(fromEmail string) string {
	domain := "localhost"
	if idx := strings.Index(fromEmail, "@"); idx >= 0 {
		domain = fromEmail[idx+1:]
	}
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("<%d.%s@%s>", time.Now().UnixNano(), hex.EncodeToString(b), domain)
}
