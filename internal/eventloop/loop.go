// Package eventloop runs closures one at a time on a single goroutine.
//
// The sync engine confines all state mutation to one Loop: inbound socket
// events, user intents and the continuations of async calls are all posted
// here, so handlers never run in parallel and readers never observe a
// half-applied update.
package eventloop

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrStopped is returned when work is submitted to a stopped loop.
var ErrStopped = errors.New("event loop stopped")

// Loop is a FIFO task runner. The queue is unbounded so Post never blocks,
// which keeps it safe to call from socket readers and from tasks themselves.
type Loop struct {
	logger *zap.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Loop and starts its goroutine.
func New(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Post enqueues fn. It returns false if the loop has been stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	l.signal()
	return true
}

// Do enqueues fn and waits for it to finish. It must not be called from a
// task running on the loop.
func (l *Loop) Do(fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}
	<-done
	return nil
}

// Stop rejects new work, runs what is already queued and waits for the
// goroutine to exit. Safe to call more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.mu.Unlock()
		l.signal()
	})
	l.wg.Wait()
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run() {
	defer l.wg.Done()

	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			stopped := l.stopped
			l.mu.Unlock()
			if stopped {
				return
			}
			<-l.wake
			continue
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.exec(fn)
	}
}

// exec runs one task. A panicking handler is logged and the loop keeps going.
func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event loop task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}
