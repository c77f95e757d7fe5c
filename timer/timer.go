// Package timer provides the one-shot and periodic timers used for
// watchdogs and the advertising cycle, plus a manual clock for tests.
package timer

import (
	"sync"
	"time"
)

// Timer is a handle on a scheduled callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the call prevented a
	// future fire; stopping an already fired or stopped timer returns false.
	Stop() bool
}

// Service schedules callbacks. Callbacks run on a goroutine owned by
// the service and must not assume any caller lock is held.
type Service interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
	Every(d time.Duration, f func()) Timer
}

// Real is a Service backed by the runtime timers.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (Real) Every(d time.Duration, f func()) Timer {
	tk := time.NewTicker(d)
	t := &ticker{c: tk.C, stop: tk.Stop, done: make(chan struct{})}
	go t.loop(f)
	return t
}

type ticker struct {
	c    <-chan time.Time
	stop func()
	done chan struct{}
	once sync.Once
}

func (t *ticker) loop(f func()) {
	for {
		select {
		case <-t.done:
			return
		case <-t.c:
			// Stop may have won the race for this tick.
			select {
			case <-t.done:
				return
			default:
			}
			f()
		}
	}
}

func (t *ticker) Stop() bool {
	stopped := false
	t.once.Do(func() {
		t.stop()
		close(t.done)
		stopped = true
	})
	return stopped
}
