package ble

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/blecore/ble/l2cap"
	"github.com/user/blecore/config"
	"github.com/user/blecore/radio/sim"
)

// connectedPastGrace connects the phone and waits out the negotiation
// grace period so requests go out immediately.
func connectedPastGrace(t *testing.T, opts ...harnessOption) *harness {
	h := newHarness(t, opts...)
	h.connect(phoneAddr, nil, sim.ConnectOptions{})
	h.advance(6 * time.Second)
	return h
}

func requireResponseTime(t *testing.T, h *harness, want ResponseTime, consumer Consumer) {
	t.Helper()
	got, who, err := h.core.ResponseTime(phoneAddr)
	require.NoError(t, err)
	assert.Equal(t, want, got, "response time")
	assert.Equal(t, consumer, who, "responsible consumer")
}

func TestGrantedCallbackWaitsForGracePeriod(t *testing.T) {
	h := newHarness(t)
	h.connect(phoneAddr, nil, sim.ConnectOptions{})

	var granted atomic.Int32
	require.NoError(t, h.core.SetResponseTime(phoneAddr, "sync", ResponseTimeMin, RunForever, func() { granted.Add(1) }))
	h.settle()
	assert.Empty(t, h.paramRequests())
	assert.Zero(t, granted.Load())

	h.advance(4 * time.Second)
	assert.Empty(t, h.paramRequests())

	h.advance(time.Second)
	reqs := h.paramRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, l2cap.MaxThroughput(), reqs[0].Params)
	assert.Equal(t, int32(1), granted.Load())
	requireResponseTime(t, h, ResponseTimeMin, "sync")

	h.core.Do(func(r *Registry) {
		assert.Equal(t, uint16(12), r.FindByAddress(phoneAddr).Link.Interval)
	})
}

func TestGrantedImmediatelyWhenLinkAlreadyFast(t *testing.T) {
	h := newHarness(t)
	h.connect(phoneAddr, nil, sim.ConnectOptions{Link: l2cap.LinkParameters{Interval: 8, SupervisionTimeout: 400}})

	var granted atomic.Int32
	require.NoError(t, h.core.SetResponseTime(phoneAddr, "audio", ResponseTimeMin, RunForever, func() { granted.Add(1) }))
	h.settle()
	assert.Equal(t, int32(1), granted.Load())

	h.advance(10 * time.Second)
	assert.Empty(t, h.paramRequests(), "link already satisfies the request")
	assert.Equal(t, int32(1), granted.Load())
}

func TestReleaseWithoutClaimKeepsOtherConsumers(t *testing.T) {
	h := connectedPastGrace(t)

	require.NoError(t, h.core.SetResponseTime(phoneAddr, "x", ResponseTimeMin, 10*time.Second, nil))
	var released atomic.Int32
	require.NoError(t, h.core.SetResponseTime(phoneAddr, "y", ResponseTimeMax, RunForever, func() { released.Add(1) }))
	h.settle()
	assert.Equal(t, int32(1), released.Load())
	requireResponseTime(t, h, ResponseTimeMin, "x")

	h.advance(9 * time.Second)
	requireResponseTime(t, h, ResponseTimeMin, "x")

	h.advance(time.Second)
	requireResponseTime(t, h, ResponseTimeMax, "")

	reqs := h.paramRequests()
	require.Len(t, reqs, 2)
	assert.Equal(t, l2cap.MaxThroughput(), reqs[0].Params)
	assert.Equal(t, l2cap.MinPower(), reqs[1].Params)
	h.core.Do(func(r *Registry) {
		link := r.FindByAddress(phoneAddr).Link
		assert.Equal(t, uint16(160), link.Interval)
		assert.Equal(t, uint16(4), link.SlaveLatency)
	})
}

func TestReleaseIsDebounced(t *testing.T) {
	h := connectedPastGrace(t)

	require.NoError(t, h.core.SetResponseTime(phoneAddr, "x", ResponseTimeMin, RunForever, nil))
	h.settle()
	require.NoError(t, h.core.SetResponseTime(phoneAddr, "x", ResponseTimeMax, RunForever, nil))
	h.settle()
	requireResponseTime(t, h, ResponseTimeMin, "x")

	h.advance(time.Second)
	requireResponseTime(t, h, ResponseTimeMin, "x")
	assert.Len(t, h.paramRequests(), 1)

	h.advance(time.Second)
	requireResponseTime(t, h, ResponseTimeMax, "")
	assert.Len(t, h.paramRequests(), 2)
}

func TestMostResponsiveLongestLivedRequestWins(t *testing.T) {
	h := connectedPastGrace(t)

	require.NoError(t, h.core.SetResponseTime(phoneAddr, "a", ResponseTimeMiddle, 20*time.Second, nil))
	require.NoError(t, h.core.SetResponseTime(phoneAddr, "b", ResponseTimeMiddle, 30*time.Second, nil))
	h.settle()
	requireResponseTime(t, h, ResponseTimeMiddle, "b")

	require.NoError(t, h.core.SetResponseTime(phoneAddr, "c", ResponseTimeMin, 5*time.Second, nil))
	h.settle()
	requireResponseTime(t, h, ResponseTimeMin, "c")

	h.advance(5 * time.Second)
	requireResponseTime(t, h, ResponseTimeMiddle, "b")

	require.NoError(t, h.core.SetResponseTime(phoneAddr, "a", ResponseTimeMiddle, RunForever, nil))
	h.settle()
	requireResponseTime(t, h, ResponseTimeMiddle, "a")

	h.advance(30 * time.Second)
	requireResponseTime(t, h, ResponseTimeMiddle, "a")
}

func TestDeferredCallbacksFireOnceWhenGranted(t *testing.T) {
	h := connectedPastGrace(t, func(_ *config.Config, s *sim.Config) { s.AutoGrantParams = false })

	var middle, fast atomic.Int32
	require.NoError(t, h.core.SetResponseTime(phoneAddr, "m", ResponseTimeMiddle, RunForever, func() { middle.Add(1) }))
	require.NoError(t, h.core.SetResponseTime(phoneAddr, "f", ResponseTimeMin, RunForever, func() { fast.Add(1) }))
	h.settle()
	assert.Zero(t, middle.Load())
	assert.Zero(t, fast.Load())

	// A middle-range link satisfies only the middle request.
	h.radio.UpdateLink(phoneAddr, l2cap.LinkParameters{Interval: 30, SupervisionTimeout: 600})
	h.settle()
	assert.Equal(t, int32(1), middle.Load())
	assert.Zero(t, fast.Load())

	h.radio.UpdateLink(phoneAddr, l2cap.LinkParameters{Interval: 6, SupervisionTimeout: 500})
	h.settle()
	h.radio.UpdateLink(phoneAddr, l2cap.LinkParameters{Interval: 7, SupervisionTimeout: 500})
	h.settle()
	assert.Equal(t, int32(1), middle.Load())
	assert.Equal(t, int32(1), fast.Load())
}

func TestSetResponseTimeUnknownConnection(t *testing.T) {
	h := newHarness(t)
	err := h.core.SetResponseTime(phoneAddr, "x", ResponseTimeMin, RunForever, nil)
	assert.ErrorIs(t, err, ErrStaleConnection)
	_, _, err = h.core.ResponseTime(phoneAddr)
	assert.ErrorIs(t, err, ErrStaleConnection)
}

func TestResponseTimeString(t *testing.T) {
	assert.Equal(t, "max", ResponseTimeMax.String())
	assert.Equal(t, "middle", ResponseTimeMiddle.String())
	assert.Equal(t, "min", ResponseTimeMin.String())
	assert.Equal(t, "unknown", ResponseTime(7).String())
}
