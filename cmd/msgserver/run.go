package main

import (
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/emx-mail/msgserver/pkgs/engine"
)

type runFlags struct {
	roaming bool
}

func parseRunFlags(args []string) runFlags {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var f runFlags
	fs.BoolVar(&f.roaming, "roaming", false, "Only check accounts with roaming_check enabled")
	if err := fs.Parse(args); err != nil {
		fatal("run: %v", err)
	}
	return f
}

// handleRun serves until interrupted. SIGHUP reloads the configuration.
func (a *app) handleRun(f runFlags) error {
	rt, err := a.startRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.call(func() error {
		rt.srv.SetRoaming(f.roaming)
		rt.srv.Start()
		return nil
	}); err != nil {
		return err
	}
	rt.log.Info("message server running",
		zap.Int("accounts", len(rt.cfg.Accounts)),
		zap.String("store", rt.cfg.StorePath),
		zap.String("events", rt.cfg.EventsDir))

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-rt.ctx.Done():
			rt.log.Info("shutting down")
			return nil
		case <-hup:
			cfg, err := a.loadConfig()
			if err != nil {
				rt.log.Error("reload failed", zap.Error(err))
				continue
			}
			_ = rt.call(func() error {
				rt.srv.Reload(cfg)
				return nil
			})
			rt.log.Info("configuration reloaded", zap.Int("accounts", len(cfg.Accounts)))
		case ev := <-rt.events:
			logEvent(rt.log, ev)
		}
	}
}

func logEvent(log *zap.Logger, ev engine.Event) {
	fields := []zap.Field{zap.Stringer("kind", ev.Kind)}
	if ev.Account != "" {
		fields = append(fields, zap.String("account", ev.Account))
	}
	if ev.ID != "" {
		fields = append(fields, zap.String("id", ev.ID))
	}
	switch ev.Kind {
	case engine.ErrorOccurred:
		log.Warn(ev.Text, append(fields, zap.Int("code", int(ev.Code)))...)
	case engine.NewCount:
		log.Info("new messages", append(fields, zap.Stringer("type", ev.MessageKind), zap.Int("count", ev.Value))...)
	case engine.RetrievalProgress, engine.SendProgress, engine.SearchProgress:
		log.Debug("progress", append(fields, zap.Int("value", ev.Value))...)
	default:
		log.Debug("event", fields...)
	}
}
