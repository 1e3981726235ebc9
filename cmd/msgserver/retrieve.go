package main

import (
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/emx-mail/msgserver/pkgs/email"
	"github.com/emx-mail/msgserver/pkgs/engine"
	"github.com/emx-mail/msgserver/pkgs/store"
)

type retrieveFlags struct {
	foldersOnly bool
	all         bool
}

func parseRetrieveFlags(args []string) retrieveFlags {
	fs := flag.NewFlagSet("retrieve", flag.ExitOnError)
	var f retrieveFlags
	fs.BoolVar(&f.foldersOnly, "folders-only", false, "Refresh the folder list only")
	fs.BoolVar(&f.all, "all", false, "Download every previewed message")
	if err := fs.Parse(args); err != nil {
		fatal("retrieve: %v", err)
	}
	return f
}

func (a *app) handleRetrieve(f retrieveFlags) error {
	rt, err := a.startRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	account, err := rt.cfg.AccountKey(a.account)
	if err != nil {
		return err
	}
	var partial []string
	collect := func(id string) { partial = append(partial, id) }
	return a.retrieve(rt, account, f.foldersOnly, collect, func() ([]string, bool) { return partial, f.all })
}

// handleComplete previews the account and downloads the given messages.
func (a *app) handleComplete(ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("at least one message id is required")
	}
	rt, err := a.startRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	account, err := rt.cfg.AccountKey(a.account)
	if err != nil {
		return err
	}
	return a.retrieve(rt, account, false, nil, func() ([]string, bool) { return ids, true })
}

// retrieve runs a preview pass and then completes the ids chosen by
// complete, or ends the preview when it chooses none.
func (a *app) retrieve(rt *runtime, account string, foldersOnly bool, onPartial func(string), complete func() ([]string, bool)) error {
	if err := rt.call(func() error { return rt.srv.Retrieve(account, foldersOnly) }); err != nil {
		return err
	}
	total, retrieved := 0, 0
	return rt.await(func(ev engine.Event) (bool, error) {
		switch ev.Kind {
		case engine.RetrievalTotal:
			total = ev.Value
		case engine.RetrievalProgress:
			if a.verbose && total > 0 {
				fmt.Printf("\r%d/%d", ev.Value, total)
			}
		case engine.PartialMessageRetrieved:
			if onPartial != nil {
				onPartial(ev.ID)
			}
		case engine.MessageRetrieved:
			retrieved++
		case engine.PartialRetrievalCompleted:
			ids, ok := complete()
			if !ok {
				ids = nil
			}
			if len(ids) > 0 {
				fmt.Printf("Downloading %d message(s)\n", len(ids))
			}
			return false, rt.call(func() error { return rt.srv.CompleteRetrieval(ids) })
		case engine.RetrievalCompleted:
			if a.verbose && total > 0 {
				fmt.Println()
			}
			printSummary(rt, account, retrieved)
			return true, nil
		}
		return false, nil
	})
}

func printSummary(rt *runtime, account string, retrieved int) {
	fmt.Printf("Retrieval of %s completed: %d message(s) downloaded\n", account, retrieved)
	f := store.Filter{AccountID: account, Set: email.StatusIncoming | email.StatusNew}
	if n, err := rt.store.CountMessages(rt.ctx, f); err == nil {
		fmt.Printf("%d new message(s)\n", n)
	}
}
