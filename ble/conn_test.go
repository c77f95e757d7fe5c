package ble

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/blecore/analytics"
	"github.com/user/blecore/event"
	"github.com/user/blecore/radio"
	"github.com/user/blecore/radio/sim"
)

func TestRegistryAddFindRemove(t *testing.T) {
	var destroyed []radio.Address
	var r Registry
	r.init(func(c *Connection) { destroyed = append(destroyed, c.Addr) })

	a := r.Add(phoneAddr, []byte{1, 2, 3}, true)
	b := r.Add(watchAddr, nil, false)
	require.Equal(t, 2, r.Len())

	assert.Same(t, a, r.FindByAddress(phoneAddr))
	assert.Same(t, b, r.FindByID(b.ID))
	assert.Same(t, a, r.FindByIRK([]byte{1, 2, 3}))
	assert.Nil(t, r.FindByIRK(nil), "unbonded peers never match")
	assert.Nil(t, r.FindByIRK([]byte{1, 2}))
	assert.Nil(t, r.FindByAddress(radio.Address{9}))
	assert.Equal(t, InvalidBonding, a.Bonding)
	assert.Equal(t, []byte{1, 2, 3}, a.IRK)
	assert.NotEqual(t, a.ID, b.ID)

	assert.Panics(t, func() { r.Add(phoneAddr, nil, true) }, "duplicate address")

	r.Remove(phoneAddr)
	assert.False(t, r.IsValid(a))
	assert.True(t, r.IsValid(b))
	assert.Equal(t, []radio.Address{phoneAddr}, destroyed)

	assert.Panics(t, func() { r.Remove(phoneAddr) }, "missing address once initialized")
	assert.False(t, r.IsValid(nil))
}

func TestRegistryRemoveBeforeInit(t *testing.T) {
	var r Registry
	assert.NotPanics(t, func() { r.Remove(phoneAddr) })

	r.conns = []*Connection{{Addr: phoneAddr}}
	assert.Panics(t, func() { r.Remove(phoneAddr) })
}

func TestRegistryGatewayIsUnique(t *testing.T) {
	var r Registry
	r.init(nil)
	a := r.Add(phoneAddr, nil, false)
	b := r.Add(watchAddr, nil, false)

	r.SetGateway(a, true)
	assert.Same(t, a, r.Gateway())

	r.SetGateway(b, true)
	assert.Same(t, b, r.Gateway())
	assert.False(t, a.IsGateway())

	r.SetGateway(b, false)
	assert.Nil(t, r.Gateway())
}

func TestRegistryForEachToleratesRemoval(t *testing.T) {
	var r Registry
	r.init(nil)
	r.Add(phoneAddr, nil, true)
	r.Add(watchAddr, nil, true)

	visited := 0
	r.ForEach(func(c *Connection) {
		visited++
		r.Remove(c.Addr)
	})
	assert.Equal(t, 2, visited)
	assert.Zero(t, r.Len())
}

func TestCoreConnectionLifecycle(t *testing.T) {
	h := newHarness(t)
	h.connect(phoneAddr, nil, sim.ConnectOptions{LocalIsMaster: true, Name: "phone", IRK: []byte{7}})
	h.radio.Encrypt(phoneAddr)
	h.settle()

	h.core.Do(func(r *Registry) {
		c := r.FindByAddress(phoneAddr)
		require.NotNil(t, c)
		assert.True(t, c.LocalIsMaster)
		assert.Equal(t, "phone", c.Name)
		assert.Equal(t, uint16(185), c.MTU)
		assert.True(t, c.Encrypted)
		assert.Equal(t, sim.DefaultLink, c.Link)
		assert.Equal(t, h.clock.Now(), c.ConnectedAt)
	})

	require.NoError(t, h.core.SetGateway(phoneAddr, true))
	require.NoError(t, h.core.SetBonding(phoneAddr, 4))
	h.core.Do(func(r *Registry) {
		assert.Equal(t, phoneAddr, r.Gateway().Addr)
		assert.Equal(t, BondingID(4), r.Gateway().Bonding)
	})
	assert.Equal(t, int64(1), h.stats.Count(analytics.ConnEstablished))

	h.radio.Disconnect(phoneAddr, 0x13)
	h.settle()
	h.core.Do(func(r *Registry) { assert.Zero(t, r.Len()) })
	assert.ErrorIs(t, h.core.SetGateway(phoneAddr, true), ErrStaleConnection)
	assert.Equal(t, int64(1), h.stats.Count(analytics.ConnEstablished))

	connected := h.events(event.Connected)
	require.Len(t, connected, 1)
	assert.Equal(t, phoneAddr.String(), connected[0].Device)
	disconnected := h.events(event.Disconnected)
	require.Len(t, disconnected, 1)
	assert.Equal(t, connected[0].Connection, disconnected[0].Connection)
	assert.Equal(t, "0x13", disconnected[0].Payload.(event.ConnectionInfo).Reason)
}

func TestCoreDuplicateConnectionPanics(t *testing.T) {
	h := newHarness(t)
	h.connect(phoneAddr, nil, sim.ConnectOptions{LocalIsMaster: true})

	assert.Panics(t, func() {
		h.core.dispatch(radio.Connected{Addr: phoneAddr, LocalIsMaster: true})
	})
	h.core.Do(func(r *Registry) { assert.Equal(t, 1, r.Len()) })
}

func TestCoreRunStopsWithContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.core.Run(ctx) }()

	h.radio.Connect(phoneAddr, nil, sim.ConnectOptions{})
	require.Eventually(t, func() bool {
		found := false
		h.core.Do(func(r *Registry) { found = r.FindByAddress(phoneAddr) != nil })
		return found
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestCoreDropsCompletionsAfterClose(t *testing.T) {
	h := newHarness(t)
	h.connect(phoneAddr, nil, sim.ConnectOptions{})
	h.core.Close()

	h.radio.Connect(watchAddr, nil, sim.ConnectOptions{})
	h.settle()
	h.core.Do(func(r *Registry) { assert.Zero(t, r.Len()) })

	_, err := h.core.ScheduleAdvert(testPayload(t), []Term{ActiveForever(160, 160)}, TagApplication, nil)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, h.core.StartScan(), ErrNotInitialized)
}

func TestNewRequiresDriver(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
