package main

import (
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/emx-mail/msgserver/pkgs/email"
	"github.com/emx-mail/msgserver/pkgs/engine"
	"github.com/emx-mail/msgserver/pkgs/store"
)

type searchFlags struct {
	kind       string
	folder     string
	body       string
	unreadOnly bool
	limit      int
}

func parseSearchFlags(args []string) searchFlags {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	var f searchFlags
	fs.StringVar(&f.kind, "kind", "", "Message kind: email, sms, mms, instant or system")
	fs.StringVar(&f.folder, "folder", "", "Folder id")
	fs.StringVar(&f.body, "body", "", "Text the body must contain")
	fs.BoolVar(&f.unreadOnly, "unread-only", false, "Only unread messages")
	fs.IntVar(&f.limit, "limit", 0, "Maximum messages to examine (0 = all)")
	if err := fs.Parse(args); err != nil {
		fatal("search: %v", err)
	}
	return f
}

func (a *app) handleSearch(f searchFlags) error {
	rt, err := a.startRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	filter := store.Filter{FolderID: f.folder, Limit: f.limit}
	if a.account != "" {
		if filter.AccountID, err = rt.cfg.AccountKey(a.account); err != nil {
			return err
		}
	}
	if f.kind != "" {
		k, ok := email.ParseKind(f.kind)
		if !ok {
			return fmt.Errorf("unknown kind %q", f.kind)
		}
		filter.Kind = k
	}
	if f.unreadOnly {
		filter.Unset = email.StatusRead
	}

	var search string
	if err := rt.call(func() error {
		var err error
		search, err = rt.srv.SearchMessages(filter, f.body)
		return err
	}); err != nil {
		return err
	}

	var matches []string
	err = rt.await(func(ev engine.Event) (bool, error) {
		if ev.ID != search {
			return false, nil
		}
		switch ev.Kind {
		case engine.MatchingMessages:
			matches = ev.IDs
		case engine.SearchCompleted:
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	return printMessages(rt, matches)
}

func printMessages(rt *runtime, ids []string) error {
	if len(ids) == 0 {
		fmt.Println("No messages found.")
		return nil
	}
	msgs, err := rt.store.QueryMessages(rt.ctx, store.Filter{IDs: ids})
	if err != nil {
		return err
	}
	fmt.Printf("%-36s  %-8s  %-16s  %-24s  %s\n", "ID", "KIND", "DATE", "FROM", "SUBJECT")
	fmt.Println(strings.Repeat("-", 110))
	for _, m := range msgs {
		marker := " "
		if m.Has(email.StatusNew) {
			marker = "*"
		}
		fmt.Printf("%-36s  %-8s  %-16s  %-24s %s%s\n",
			m.ID, m.Kind, m.Date.Format("2006-01-02 15:04"),
			truncate(m.From.String(), 24), marker, truncate(m.Subject, 40))
	}
	fmt.Printf("\n%d message(s)\n", len(msgs))
	return nil
}
