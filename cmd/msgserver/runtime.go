package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/emx-mail/msgserver/pkgs/client"
	"github.com/emx-mail/msgserver/pkgs/config"
	"github.com/emx-mail/msgserver/pkgs/engine"
	"github.com/emx-mail/msgserver/pkgs/event"
	"github.com/emx-mail/msgserver/pkgs/loop"
	"github.com/emx-mail/msgserver/pkgs/mailerr"
	"github.com/emx-mail/msgserver/pkgs/server"
	"github.com/emx-mail/msgserver/pkgs/store"
	"github.com/emx-mail/msgserver/pkgs/transport"
)

// runtime is a running message server: store, loop, journal sink and the
// server itself. One-shot commands start one, perform an operation and
// wait for its final event.
type runtime struct {
	log     *zap.Logger
	cfg     *config.Config
	store   *store.SQLiteStore
	journal *event.Journal
	sink    *event.Sink
	loop    *loop.Loop
	srv     *server.Server

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	events chan engine.Event
}

func newLogger(level string, verbose bool) *zap.Logger {
	zc := zap.NewDevelopmentConfig()
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.Set(level); err != nil {
			lvl = zapcore.InfoLevel
		}
	}
	if verbose {
		lvl = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.DisableStacktrace = !verbose
	log, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// loadConfig reads and validates the configuration and fills empty
// passwords from the keyring.
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Run 'msgserver init' to create a config file\n")
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	secrets, err := config.OpenKeyring(filepath.Dir(config.ResolvePath(a.configPath)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		return cfg, nil
	}
	if err := cfg.ResolvePasswords(secrets); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	return cfg, nil
}

func (a *app) openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.StorePath)
	if err != nil {
		return nil, err
	}
	if cfg.StoreQuotaMB > 0 {
		if err := st.SetQuota(int64(cfg.StoreQuotaMB) << 20); err != nil {
			st.Close()
			return nil, err
		}
	}
	return st, nil
}

func (a *app) startRuntime() (*runtime, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg.LogLevel, a.verbose)

	st, err := a.openStore(cfg)
	if err != nil {
		return nil, err
	}
	j, err := event.Open(cfg.EventsDir)
	if err != nil {
		st.Close()
		return nil, err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	rt := &runtime{
		log:     log,
		cfg:     cfg,
		store:   st,
		journal: j,
		sink:    event.NewSink(log, j, 0),
		loop:    loop.New(log, 0),
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan engine.Event, 1024),
	}
	deps := client.Deps{
		Ctx:       ctx,
		Loop:      rt.loop,
		Store:     st,
		Transport: transport.NewFactory(rt.loop, log, transport.Options{ReadTimeout: 5 * time.Minute}),
		HTTP:      &http.Client{Timeout: time.Minute},
		Log:       log,
	}
	rt.srv = server.New(cfg, deps, rt.listen)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.loop.Run(gctx) })
	g.Go(func() error { return rt.sink.Run(gctx) })
	rt.group = g
	return rt, nil
}

// listen fans server events out to the journal and the waiting command.
func (rt *runtime) listen(ev engine.Event) {
	rt.sink.Listen(ev)
	select {
	case rt.events <- ev:
	default:
	}
}

// call runs fn on the loop.
func (rt *runtime) call(fn func() error) error {
	var err error
	if cerr := rt.loop.Call(rt.ctx, func() { err = fn() }); cerr != nil {
		return cerr
	}
	return err
}

// await consumes events until handle reports done. ErrorOccurred events
// are returned as errors unless handle consumes them first.
func (rt *runtime) await(handle func(engine.Event) (bool, error)) error {
	for {
		select {
		case <-rt.ctx.Done():
			return rt.ctx.Err()
		case ev := <-rt.events:
			done, err := handle(ev)
			if err != nil || done {
				return err
			}
			if ev.Kind == engine.ErrorOccurred {
				return mailerr.New(ev.Code, ev.Text)
			}
		}
	}
}

// close stops the server and waits for the loop and sink to drain.
func (rt *runtime) close() {
	_ = rt.call(func() error {
		rt.srv.Stop()
		return nil
	})
	rt.cancel()
	if err := rt.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		rt.log.Warn("shutdown", zap.Error(err))
	}
	if err := rt.store.Close(); err != nil {
		rt.log.Warn("closing store", zap.Error(err))
	}
	_ = rt.log.Sync()
}
