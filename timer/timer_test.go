package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAfterFuncOrder(t *testing.T) {
	clock := NewFake()
	var fired []string

	clock.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	clock.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	clock.AfterFunc(time.Second, func() { fired = append(fired, "b") })

	clock.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 1, clock.Pending())

	clock.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, 0, clock.Pending())
}

func TestFakeStop(t *testing.T) {
	clock := NewFake()
	fired := false
	tm := clock.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop(), "second stop is a no-op")
	clock.Advance(time.Minute)
	assert.False(t, fired)
}

func TestFakeEvery(t *testing.T) {
	clock := NewFake()
	start := clock.Now()
	var ticks []time.Duration
	var tm Timer
	tm = clock.Every(time.Second, func() {
		ticks = append(ticks, clock.Now().Sub(start))
		if len(ticks) == 3 {
			tm.Stop()
		}
	})

	clock.Advance(10 * time.Second)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, ticks)
	assert.Equal(t, start.Add(10*time.Second), clock.Now())
}

func TestFakeCallbackSchedulesWithinWindow(t *testing.T) {
	clock := NewFake()
	count := 0
	clock.AfterFunc(time.Second, func() {
		count++
		clock.AfterFunc(time.Second, func() { count++ })
	})

	clock.Advance(2 * time.Second)
	assert.Equal(t, 2, count)
}

func TestRealTimers(t *testing.T) {
	var n atomic.Int32
	done := make(chan struct{})
	Real{}.AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AfterFunc did not fire")
	}

	tk := Real{}.Every(time.Millisecond, func() { n.Add(1) })
	require.Eventually(t, func() bool { return n.Load() >= 2 }, time.Second, time.Millisecond)
	assert.True(t, tk.Stop())
	assert.False(t, tk.Stop())
}

func TestTickerSkipsTickAfterStop(t *testing.T) {
	c := make(chan time.Time, 1)
	tk := &ticker{c: c, stop: func() {}, done: make(chan struct{})}
	c <- time.Now()
	require.True(t, tk.Stop())

	calls := 0
	tk.loop(func() { calls++ })
	assert.Zero(t, calls)
}
