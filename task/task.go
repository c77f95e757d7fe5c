// Package task provides the execution contexts work is handed off to
// when it must not run on the caller's stack.
package task

import (
	"context"
	"sync"

	"github.com/user/blecore/logger"
)

// Executor runs submitted functions asynchronously and in submission order.
type Executor interface {
	Submit(fn func())
}

// Serial runs work on a single background goroutine.
type Serial struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

// NewSerial starts the worker. It exits when ctx is cancelled or Stop is called.
func NewSerial(ctx context.Context) *Serial {
	s := &Serial{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

func (s *Serial) Submit(fn func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Serial) run(ctx context.Context) {
	defer close(s.done)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		stopped := s.stopped
		s.mu.Unlock()

		for _, fn := range batch {
			runSafe(fn)
		}
		if stopped {
			return
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.wake:
		}
	}
}

// Stop rejects further work and lets the worker drain what is queued.
func (s *Serial) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the worker has exited.
func (s *Serial) Done() <-chan struct{} {
	return s.done
}

func runSafe(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task", "recovered panic in submitted work: %v", r)
		}
	}()
	fn()
}

// Queue buffers work until Drain is called. Tests use it to decide
// exactly when deferred callbacks run.
type Queue struct {
	mu    sync.Mutex
	queue []func()
}

func (q *Queue) Submit(fn func()) {
	q.mu.Lock()
	q.queue = append(q.queue, fn)
	q.mu.Unlock()
}

// Drain runs queued work, including work submitted while draining,
// and returns how many functions ran.
func (q *Queue) Drain() int {
	n := 0
	for {
		q.mu.Lock()
		batch := q.queue
		q.queue = nil
		q.mu.Unlock()
		if len(batch) == 0 {
			return n
		}
		for _, fn := range batch {
			fn()
			n++
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}
