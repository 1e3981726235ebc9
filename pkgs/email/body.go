package email

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// readEntity parses raw content, tolerating unknown charsets.
func readEntity(raw []byte) (*gomessage.Entity, error) {
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, err
	}
	return entity, nil
}

// ParseHeader fills the envelope fields of m from m.Content.
func ParseHeader(m *Message) error {
	entity, err := readEntity(m.Content)
	if err != nil {
		return fmt.Errorf("failed to parse message header: %w", err)
	}
	h := mail.Header{Header: entity.Header}

	if subject, err := h.Subject(); err == nil {
		m.Subject = subject
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		m.From = Address{Name: from[0].Name, Email: from[0].Address}
	}
	if to, err := h.AddressList("To"); err == nil {
		m.To = fromMailAddresses(to)
	}
	if cc, err := h.AddressList("Cc"); err == nil {
		m.Cc = fromMailAddresses(cc)
	}
	if date, err := h.Date(); err == nil && !date.IsZero() {
		m.Date = date
	}
	if id, err := h.MessageID(); err == nil {
		m.MessageID = id
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		m.InReplyTo = ids[0]
	}
	if ct, _, err := h.ContentType(); err == nil {
		m.ContentType = ct
	}
	return nil
}

// Content is the decoded body of a message.
type Content struct {
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
}

// ParseContent decodes raw into text, HTML and attachments. Nested
// multiparts are walked.
func ParseContent(raw []byte) (*Content, error) {
	entity, err := readEntity(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	c := &Content{}
	if mr := entity.MultipartReader(); mr != nil {
		c.parseMultipart(mr)
	} else {
		c.parseSinglePart(entity)
	}
	return c, nil
}

func (c *Content) parseMultipart(mr gomessage.MultipartReader) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		ct, _, _ := part.Header.ContentType()
		disp, _, _ := part.Header.ContentDisposition()
		attached := disp == "attachment"

		switch {
		case strings.HasPrefix(ct, "multipart/"):
			if nested := part.MultipartReader(); nested != nil {
				c.parseMultipart(nested)
			}
		case ct == "text/plain" && !attached:
			// the first inline text part is the body; later ones are alternatives
			if c.TextBody == "" {
				if body, err := io.ReadAll(part.Body); err == nil {
					c.TextBody = string(body)
				}
			}
		case ct == "text/html" && !attached:
			if c.HTMLBody == "" {
				if body, err := io.ReadAll(part.Body); err == nil {
					c.HTMLBody = string(body)
				}
			}
		default:
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			h := mail.AttachmentHeader{Header: part.Header}
			filename, _ := h.Filename()
			c.Attachments = append(c.Attachments, Attachment{
				Filename:    filename,
				ContentType: ct,
				Size:        int64(len(body)),
				Data:        body,
			})
		}
	}
}

func (c *Content) parseSinglePart(entity *gomessage.Entity) {
	ct, _, _ := entity.Header.ContentType()
	body, err := io.ReadAll(entity.Body)
	if err != nil {
		return
	}
	if ct == "text/html" {
		c.HTMLBody = string(body)
	} else {
		c.TextBody = string(body)
	}
}

// BodyText returns the searchable text of raw: the body when the message
// itself is text, otherwise every top-level text part. Nested multiparts
// are not descended into.
func BodyText(raw []byte) (string, error) {
	entity, err := readEntity(raw)
	if err != nil {
		return "", err
	}
	mr := entity.MultipartReader()
	if mr == nil {
		ct, _, _ := entity.Header.ContentType()
		if ct != "" && !strings.HasPrefix(ct, "text/") {
			return "", nil
		}
		body, err := io.ReadAll(entity.Body)
		return string(body), err
	}

	var sb strings.Builder
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return sb.String(), err
		}
		ct, _, _ := part.Header.ContentType()
		if !strings.HasPrefix(ct, "text/") {
			continue
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		sb.Write(body)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// ContainsText reports whether the body text of m contains text, ignoring
// case. An empty needle matches everything.
func ContainsText(m *Message, text string) bool {
	if text == "" {
		return true
	}
	body, err := BodyText(m.Content)
	if err != nil && body == "" {
		return false
	}
	return strings.Contains(strings.ToLower(body), strings.ToLower(text))
}
