package ble

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/blecore/alloc"
	"github.com/user/blecore/analytics"
	"github.com/user/blecore/ble/gatt"
	"github.com/user/blecore/config"
	"github.com/user/blecore/event"
	"github.com/user/blecore/radio"
	"github.com/user/blecore/radio/sim"
	"github.com/user/blecore/task"
	"github.com/user/blecore/timer"
)

var (
	phoneAddr = radio.MustParseAddress("AA:BB:CC:00:00:01")
	watchAddr = radio.MustParseAddress("AA:BB:CC:00:00:02")
)

type dumps struct {
	mu      sync.Mutex
	reasons []string
}

func (d *dumps) CoreDump(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reasons = append(d.reasons, reason)
}

func (d *dumps) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reasons)
}

// harness wires a core to the simulated radio, a manual clock and a
// manually drained executor.
type harness struct {
	t      *testing.T
	cfg    *config.Config
	clock  *timer.Fake
	exec   *task.Queue
	radio  *sim.Radio
	bus    *event.Bus
	rec    *event.Recorder
	stats  *analytics.Analytics
	budget *alloc.Budget
	dumps  *dumps
	core   *Core
}

type harnessOption func(cfg *config.Config, simCfg *sim.Config)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	cfg := config.Default()
	simCfg := sim.PerfectConfig()
	for _, opt := range opts {
		opt(cfg, simCfg)
	}

	h := &harness{
		t:      t,
		cfg:    cfg,
		clock:  timer.NewFake(),
		exec:   &task.Queue{},
		radio:  sim.New(simCfg),
		bus:    event.NewBus(),
		rec:    &event.Recorder{},
		stats:  analytics.New(nil),
		budget: alloc.NewBudget(64 * 1024),
		dumps:  &dumps{},
	}
	if cfg.MemoryBudget > 0 {
		h.budget = alloc.NewBudget(cfg.MemoryBudget)
	}
	h.bus.SubscribeAll(h.rec.Record)

	core, err := New(Options{
		Config:      cfg,
		Driver:      h.radio,
		Timers:      h.clock,
		Executor:    h.exec,
		Allocator:   h.budget,
		Bus:         h.bus,
		Analytics:   h.stats,
		Diagnostics: h.dumps,
	})
	require.NoError(t, err)
	h.core = core
	t.Cleanup(func() {
		core.Close()
		h.bus.Close()
	})
	return h
}

// settle applies queued completions and deferred work until both are empty.
func (h *harness) settle() {
	for i := 0; i < 100; i++ {
		if h.core.Pump()+h.exec.Drain() == 0 {
			return
		}
	}
	h.t.Fatal("core did not settle")
}

// advance moves the clock in one second steps, settling after each.
func (h *harness) advance(d time.Duration) {
	for d > 0 {
		step := min(d, time.Second)
		h.clock.Advance(step)
		h.settle()
		d -= step
	}
}

func (h *harness) connect(addr radio.Address, db *gatt.AttributeDatabase, opts sim.ConnectOptions) {
	h.t.Helper()
	h.radio.Connect(addr, db, opts)
	h.settle()
}

// events flushes the bus and returns what was recorded of type t.
func (h *harness) events(t event.Type) []event.Event {
	h.bus.Flush()
	return h.rec.OfType(t)
}

func (h *harness) paramRequests() []sim.Call {
	return h.radio.Calls(sim.OpParamUpdate)
}

func sampleDB() *gatt.AttributeDatabase {
	return gatt.Build(
		gatt.Service{UUID: gatt.UUID16(0x1800), Characteristics: []gatt.Characteristic{
			{UUID: gatt.UUID16(0x2A00), Properties: gatt.PropRead, Value: []byte("watch")},
		}},
		gatt.Service{UUID: gatt.UUID16(0x180F), Characteristics: []gatt.Characteristic{
			{UUID: gatt.UUID16(0x2A19), Properties: gatt.PropRead | gatt.PropNotify, Value: []byte{90}},
		}},
		gatt.Service{UUID: gatt.UUID16(0x180D), Characteristics: []gatt.Characteristic{
			{UUID: gatt.UUID16(0x2A37), Properties: gatt.PropNotify},
			{UUID: gatt.UUID16(0x2A38), Properties: gatt.PropRead, Value: []byte{1}},
		}},
	)
}
