package main

import (
	"fmt"

	"github.com/emx-mail/msgserver/pkgs/email"
	"github.com/emx-mail/msgserver/pkgs/engine"
)

// handleAck clears the New state of the named kinds, or of every kind.
func (a *app) handleAck(args []string) error {
	kinds := email.Kinds()
	if len(args) > 0 {
		kinds = kinds[:0:0]
		for _, s := range args {
			k, ok := email.ParseKind(s)
			if !ok {
				return fmt.Errorf("unknown kind %q", s)
			}
			kinds = append(kinds, k)
		}
	}

	rt, err := a.startRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.call(func() error {
		rt.srv.AcknowledgeNewMessages(kinds)
		return nil
	}); err != nil {
		return err
	}
	for {
		select {
		case ev := <-rt.events:
			if ev.Kind == engine.NewCount {
				fmt.Printf("%-8s %d new\n", ev.MessageKind, ev.Value)
			}
		default:
			return nil
		}
	}
}
