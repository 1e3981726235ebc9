package event

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/emx-mail/msgserver/pkgs/engine"
)

// Sink journals engine events off the loop. Progress events are not
// recorded.
type Sink struct {
	log     *zap.Logger
	journal *Journal
	ch      chan engine.Event
}

// NewSink returns a sink writing to j with room for queue pending events.
func NewSink(log *zap.Logger, j *Journal, queue int) *Sink {
	if log == nil {
		log = zap.NewNop()
	}
	if queue <= 0 {
		queue = 1024
	}
	return &Sink{log: log.With(zap.String("component", "journal")), journal: j, ch: make(chan engine.Event, queue)}
}

// Listen is an engine.Listener. It never blocks; events that do not fit
// the queue are dropped with a warning.
func (s *Sink) Listen(ev engine.Event) {
	if !Recorded(ev.Kind) {
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.log.Warn("journal queue full, dropping event", zap.Stringer("kind", ev.Kind))
	}
}

// Run writes queued events until ctx is done, then flushes what is left.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-s.ch:
			s.write(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-s.ch:
					s.write(ev)
				default:
					return nil
				}
			}
		}
	}
}

func (s *Sink) write(ev engine.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("encoding event", zap.Stringer("kind", ev.Kind), zap.Error(err))
		return
	}
	if _, err := s.journal.Append(ev.Kind.String(), ev.Account, data); err != nil {
		s.log.Error("journal append failed", zap.Stringer("kind", ev.Kind), zap.Error(err))
	}
}

// Recorded reports whether events of kind are journaled.
func Recorded(kind engine.EventKind) bool {
	switch kind {
	case engine.RetrievalProgress, engine.SendProgress, engine.SearchProgress,
		engine.RetrievalTotal, engine.SendTotal, engine.SearchTotal:
		return false
	}
	return true
}
