package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/emx-mail/msgserver/pkgs/email"
)

type showFlags struct {
	format          string
	saveAttachments string
	ids             []string
}

func parseShowFlags(args []string) showFlags {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	var f showFlags
	fs.StringVar(&f.format, "format", "text", "Output format: text or html")
	fs.StringVar(&f.saveAttachments, "save-attachments", "", "Save attachments to directory")
	if err := fs.Parse(args); err != nil {
		fatal("show: %v", err)
	}
	f.ids = fs.Args()
	return f
}

// handleShow prints stored messages with their decoded bodies.
func (a *app) handleShow(f showFlags) error {
	if len(f.ids) == 0 {
		return fmt.Errorf("at least one message id is required")
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	st, err := a.openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	for i, id := range f.ids {
		m, err := st.Message(context.Background(), id)
		if err != nil {
			return err
		}
		if i > 0 {
			fmt.Println(strings.Repeat("-", 72))
		}
		if err := writeMessage(os.Stdout, m, f); err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
	}
	return nil
}

func writeMessage(out io.Writer, m *email.Message, f showFlags) error {
	if len(m.Content) == 0 {
		return fmt.Errorf("message body not downloaded")
	}
	c, err := email.ParseContent(m.Content)
	if err != nil {
		return err
	}

	switch f.format {
	case "html":
		if c.HTMLBody == "" {
			return fmt.Errorf("no HTML body available")
		}
		fmt.Fprintln(out, c.HTMLBody)
		return nil
	case "text", "":
	default:
		return fmt.Errorf("unsupported format: %s", f.format)
	}

	fmt.Fprintf(out, "From: %s\n", m.From)
	fmt.Fprintf(out, "To: %s\n", joinAddresses(m.To))
	if len(m.Cc) > 0 {
		fmt.Fprintf(out, "Cc: %s\n", joinAddresses(m.Cc))
	}
	fmt.Fprintf(out, "Subject: %s\n", m.Subject)
	if !m.Date.IsZero() {
		fmt.Fprintf(out, "Date: %s\n", m.Date.Format(time.RFC1123))
	}
	if m.MessageID != "" {
		fmt.Fprintf(out, "Message-ID: %s\n", m.MessageID)
	}

	if len(c.Attachments) > 0 {
		fmt.Fprintf(out, "\nAttachments (%d):\n", len(c.Attachments))
		for i, att := range c.Attachments {
			fmt.Fprintf(out, "  [%d] %s (%s, %d bytes)\n", i+1, att.Filename, att.ContentType, att.Size)
		}
		if f.saveAttachments != "" {
			if err := saveAttachments(f.saveAttachments, c.Attachments); err != nil {
				return err
			}
		}
	}

	fmt.Fprintf(out, "\n%s\n", c.TextBody)
	return nil
}

func saveAttachments(dir string, atts []email.Attachment) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	for i, att := range atts {
		path, err := validateAttachmentPath(dir, att.Filename)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  [%d] Skipping %s: %v\n", i+1, att.Filename, err)
			continue
		}
		if err := os.WriteFile(path, att.Data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", att.Filename, err)
		}
		fmt.Fprintf(os.Stderr, "  [%d] Saved: %s\n", i+1, filepath.Base(path))
	}
	return nil
}

// validateAttachmentPath keeps the resolved path inside baseDir.
func validateAttachmentPath(baseDir, filename string) (string, error) {
	cleaned := filepath.Base(filename)
	if cleaned == "." || cleaned == ".." || cleaned == string(filepath.Separator) {
		return "", fmt.Errorf("invalid attachment filename: %q", filename)
	}
	full := filepath.Join(baseDir, cleaned)
	absBase, _ := filepath.Abs(baseDir)
	absFull, _ := filepath.Abs(full)
	if !strings.HasPrefix(absFull, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("attachment path escapes target directory: %q", filename)
	}
	return full, nil
}

func joinAddresses(addrs []email.Address) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}
