// Package loop provides the single cooperative event loop every protocol
// state machine runs on. Goroutines that perform blocking I/O hand their
// results to the loop with Post; nothing else touches session state.
package loop

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Loop serialises callbacks onto one goroutine.
type Loop struct {
	log   *zap.Logger
	tasks chan func()
	done  chan struct{}
	once  sync.Once
}

// New creates a loop with room for queue pending callbacks before Post
// starts to block.
func New(log *zap.Logger, queue int) *Loop {
	if queue <= 0 {
		queue = 256
	}
	return &Loop{
		log:   log,
		tasks: make(chan func(), queue),
		done:  make(chan struct{}),
	}
}

// Post schedules fn to run on the loop goroutine. It reports false when the
// loop has stopped and fn will never run.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Done is closed once the loop stops.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Run executes posted callbacks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer l.once.Do(func() { close(l.done) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.tasks:
			l.run(fn)
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("loop callback panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// Call runs fn on the loop and waits for it to return.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return context.Canceled
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return context.Canceled
	}
}

// Timer is a cancellable callback scheduled on the loop.
type Timer struct {
	mu      sync.Mutex
	t       *time.Timer
	stopped bool
}

// Stop prevents the callback from running if it has not run yet.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.t.Stop()
}

func (t *Timer) active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}

// AfterFunc runs fn on the loop after d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.mu.Lock()
	t.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.active() {
				fn()
			}
		})
	})
	t.mu.Unlock()
	return t
}

// Go runs work on its own goroutine and delivers the result to done on the
// loop. It is the only way a component performs a blocking call.
func (l *Loop) Go(work func() error, done func(error)) {
	go func() {
		err := work()
		l.Post(func() { done(err) })
	}()
}
