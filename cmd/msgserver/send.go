package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/emx-mail/msgserver/pkgs/config"
	"github.com/emx-mail/msgserver/pkgs/email"
	"github.com/emx-mail/msgserver/pkgs/engine"
)

type sendFlags struct {
	to, cc, subject, text, html, inReplyTo string
	textFile                               string
	attachments                            []string
	ids                                    []string
	dryRun                                 bool
}

func parseSendFlags(args []string) sendFlags {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	var f sendFlags
	fs.StringVar(&f.to, "to", "", "Recipients (comma-separated)")
	fs.StringVar(&f.cc, "cc", "", "CC recipients (comma-separated)")
	fs.StringVar(&f.subject, "subject", "", "Subject")
	fs.StringVar(&f.text, "text", "", "Plain text body")
	fs.StringVar(&f.html, "html", "", "HTML body")
	fs.StringVar(&f.textFile, "text-file", "", "Plain text body from file (\"-\" for stdin)")
	fs.StringArrayVar(&f.attachments, "attachment", nil, "Attachment file path (repeatable)")
	fs.StringVar(&f.inReplyTo, "in-reply-to", "", "Message-ID to reply to")
	fs.StringArrayVar(&f.ids, "id", nil, "Resend a stored outbox message (repeatable)")
	fs.BoolVar(&f.dryRun, "dry-run", false, "Print the composed message without storing it")
	if err := fs.Parse(args); err != nil {
		fatal("send: %v", err)
	}
	return f
}

// readBodySource reads body content from a file path or stdin ("-").
func readBodySource(path string) (string, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// messageKind is the kind of traffic an account sends.
func messageKind(k config.Kind) email.Kind {
	switch k {
	case config.KindSMS:
		return email.KindSMS
	case config.KindMMS:
		return email.KindMMS
	case config.KindInstant:
		return email.KindInstant
	case config.KindSystem:
		return email.KindSystem
	}
	return email.KindEmail
}

func composeMessage(acc *config.AccountConfig, f sendFlags) (*email.Message, error) {
	if f.to == "" {
		return nil, fmt.Errorf("--to is required")
	}
	text := f.text
	if f.textFile != "" {
		body, err := readBodySource(f.textFile)
		if err != nil {
			return nil, fmt.Errorf("--text-file: %w", err)
		}
		text = body
	}
	if text == "" && f.html == "" {
		return nil, fmt.Errorf("--text, --text-file or --html is required")
	}
	to, err := email.ParseAddressList(f.to)
	if err != nil {
		return nil, fmt.Errorf("--to: %w", err)
	}
	opts := email.SendOptions{
		From:      email.Address{Name: acc.FromName, Email: acc.Email},
		To:        to,
		Subject:   f.subject,
		TextBody:  text,
		HTMLBody:  f.html,
		InReplyTo: f.inReplyTo,
	}
	if f.cc != "" {
		if opts.Cc, err = email.ParseAddressList(f.cc); err != nil {
			return nil, fmt.Errorf("--cc: %w", err)
		}
	}
	for _, att := range f.attachments {
		opts.Attachments = append(opts.Attachments, email.AttachmentPath{Filename: filepath.Base(att), Path: att})
	}
	m, err := email.Compose(opts)
	if err != nil {
		return nil, err
	}
	m.Kind = messageKind(acc.Kind)
	return m, nil
}

func (a *app) handleSend(f sendFlags) error {
	if f.dryRun {
		cfg, err := a.loadConfig()
		if err != nil {
			return err
		}
		acc, err := cfg.GetAccount(a.account)
		if err != nil {
			return err
		}
		m, err := composeMessage(acc, f)
		if err != nil {
			return err
		}
		os.Stdout.Write(m.Content)
		fmt.Println("\nDry-run mode: message was NOT stored or sent")
		return nil
	}

	rt, err := a.startRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ids := f.ids
	if len(ids) == 0 {
		account, err := rt.cfg.AccountKey(a.account)
		if err != nil {
			return err
		}
		acc := rt.cfg.Accounts[account]
		m, err := composeMessage(&acc, f)
		if err != nil {
			return err
		}
		m.AccountID = account
		if err := rt.store.AddMessage(rt.ctx, m); err != nil {
			return err
		}
		fmt.Printf("Stored message %s in the outbox\n", m.ID)
		ids = []string{m.ID}
	}

	if err := rt.call(func() error {
		rt.srv.Send(ids)
		return nil
	}); err != nil {
		return err
	}
	sent := 0
	err = rt.await(func(ev engine.Event) (bool, error) {
		switch ev.Kind {
		case engine.MessageSent:
			sent++
			fmt.Printf("Sent %s\n", ev.ID)
		case engine.SendCompleted:
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if sent < len(ids) {
		return fmt.Errorf("%d of %d message(s) sent", sent, len(ids))
	}
	return nil
}
