package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	flag "github.com/spf13/pflag"

	"github.com/emx-mail/msgserver/pkgs/email"
	"github.com/emx-mail/msgserver/pkgs/store"
)

type exportFlags struct {
	folder string
	output string
	emlDir string
}

func parseExportFlags(args []string) exportFlags {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	var f exportFlags
	fs.StringVar(&f.folder, "folder", "", "Folder id")
	fs.StringVarP(&f.output, "output", "o", "", "Output mbox file (default: stdout)")
	fs.StringVar(&f.emlDir, "eml-dir", "", "Write one .eml file per message to this directory instead")
	if err := fs.Parse(args); err != nil {
		fatal("export: %v", err)
	}
	return f
}

// handleExport writes the downloaded messages of an account as mbox or as
// .eml files named after their Message-ID.
func (a *app) handleExport(f exportFlags) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	account, err := cfg.AccountKey(a.account)
	if err != nil {
		return err
	}
	st, err := a.openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	filter := store.Filter{AccountID: account, FolderID: f.folder, Set: email.StatusDownloaded}
	msgs, err := st.QueryMessages(context.Background(), filter)
	if err != nil {
		return err
	}

	if f.emlDir != "" {
		n, err := exportEML(f.emlDir, msgs)
		fmt.Fprintf(os.Stderr, "Exported %d message(s) to %s\n", n, f.emlDir)
		return err
	}

	var w io.Writer = os.Stdout
	if f.output != "" {
		out, err := os.Create(f.output)
		if err != nil {
			return err
		}
		defer out.Close()
		w = out
	}
	n, err := email.ExportMbox(w, msgs)
	fmt.Fprintf(os.Stderr, "Exported %d message(s)\n", n)
	return err
}

func exportEML(dir string, msgs []*email.Message) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}
	n := 0
	for _, m := range msgs {
		if len(m.Content) == 0 {
			continue
		}
		name := m.MessageID
		if name == "" {
			name = m.ID
		}
		path := filepath.Join(dir, sanitizeFilename(name)+".eml")
		if _, err := os.Stat(path); err == nil {
			path = filepath.Join(dir, sanitizeFilename(name)+"-"+m.ID+".eml")
		}
		if err := os.WriteFile(path, m.Content, 0o644); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

var unsafeFilename = regexp.MustCompile(`[^a-zA-Z0-9._+\-=]`)

// sanitizeFilename makes a Message-ID safe for use as a file name.
func sanitizeFilename(name string) string {
	safe := unsafeFilename.ReplaceAllString(name, "_")
	if len(safe) > 200 {
		safe = safe[:200]
	}
	return safe
}
