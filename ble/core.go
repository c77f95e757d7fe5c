// Package ble is the connection-level core of the Bluetooth LE stack:
// the connection registry, link parameter negotiation, responsiveness
// arbitration, the advertising scheduler, the scan buffer and the GATT
// discovery orchestrator.
//
// All state is guarded by one lock. Driver completions arrive as
// messages and are applied by Run or Pump. Timer-driven work either
// takes the lock directly (the advertising cycle) or is handed to the
// Executor first (connection watchdogs). User callbacks are always run
// on the Executor, never under the lock.
package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/user/blecore/alloc"
	"github.com/user/blecore/analytics"
	"github.com/user/blecore/config"
	"github.com/user/blecore/event"
	"github.com/user/blecore/logger"
	"github.com/user/blecore/radio"
	"github.com/user/blecore/task"
	"github.com/user/blecore/timer"
)

// Diagnostics receives escalations that warrant a crash report.
type Diagnostics interface {
	CoreDump(reason string)
}

type logDiagnostics struct{}

func (logDiagnostics) CoreDump(reason string) {
	logger.Error("ble", "core dump requested: %s", reason)
}

type Options struct {
	Config      *config.Config
	Driver      radio.Driver
	Timers      timer.Service
	Executor    task.Executor
	Allocator   alloc.Allocator
	Bus         *event.Bus
	Analytics   *analytics.Analytics
	Diagnostics Diagnostics
}

type Core struct {
	mu sync.Mutex

	cfg    *config.Config
	drv    radio.Driver
	timers timer.Service
	exec   task.Executor
	alloc  alloc.Allocator
	bus    *event.Bus
	stats  *analytics.Analytics
	diag   Diagnostics
	ctx    context.Context

	ownExec *task.Serial
	ownBus  bool

	reg  Registry
	adv  advertiser
	scan scanner
}

func New(opts Options) (*Core, error) {
	if opts.Driver == nil {
		return nil, errors.New("ble: a driver is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ble: %w", err)
	}

	c := &Core{
		cfg:    cfg,
		drv:    opts.Driver,
		timers: opts.Timers,
		exec:   opts.Executor,
		alloc:  opts.Allocator,
		bus:    opts.Bus,
		stats:  opts.Analytics,
		diag:   opts.Diagnostics,
		ctx:    context.Background(),
	}
	if c.timers == nil {
		c.timers = timer.Real{}
	}
	if c.exec == nil {
		c.ownExec = task.NewSerial(context.Background())
		c.exec = c.ownExec
	}
	if c.alloc == nil {
		c.alloc = alloc.New(cfg.MemoryBudget)
	}
	if c.bus == nil {
		c.bus = event.NewBus()
		c.ownBus = true
	}
	if c.stats == nil {
		c.stats = analytics.New(nil)
	}
	if c.diag == nil {
		c.diag = logDiagnostics{}
	}

	c.reg.init(c.destroyConnection)
	c.adv.init()
	logger.Debug("ble", "core ready (budget=%d)", cfg.MemoryBudget)
	return c, nil
}

// Bus returns the bus the core publishes on.
func (c *Core) Bus() *event.Bus {
	return c.bus
}

// Do runs fn with the core lock held. Connections obtained from the
// registry must not escape fn.
func (c *Core) Do(fn func(r *Registry)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.reg)
}

// Run applies driver completions until ctx ends or the driver closes
// its channel.
func (c *Core) Run(ctx context.Context) error {
	ch := c.drv.Completions()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			c.dispatch(msg)
		}
	}
}

// Pump applies every completion already queued and returns how many
// were handled. Tests use it in place of Run.
func (c *Core) Pump() int {
	ch := c.drv.Completions()
	n := 0
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return n
			}
			c.dispatch(msg)
			n++
		default:
			return n
		}
	}
}

func (c *Core) dispatch(msg radio.Completion) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.reg.initialized {
		logger.Debug("ble", "dropping %T after close", msg)
		return
	}

	switch m := msg.(type) {
	case radio.Connected:
		c.handleConnected(m)
	case radio.Disconnected:
		c.handleDisconnected(m)
	case radio.ParamsUpdated:
		c.handleParamsUpdated(m)
	case radio.MTUChanged:
		if conn := c.reg.FindByAddress(m.Addr); conn != nil {
			conn.MTU = m.MTU
		}
	case radio.EncryptionChanged:
		if conn := c.reg.FindByAddress(m.Addr); conn != nil {
			conn.Encrypted = m.Encrypted
		}
	case radio.ScanReport:
		c.handleScanReport(m)
	case radio.ServiceDiscovered:
		c.handleServiceDiscovered(m)
	case radio.DiscoveryComplete:
		c.handleDiscoveryComplete(m)
	case radio.DiscoveryTimeout:
		c.handleDiscoveryTimeout(m)
	case radio.ServiceChanged:
		c.handleServiceChanged(m)
	default:
		logger.Warn("ble", "unhandled completion %T", msg)
	}
}

func (c *Core) handleConnected(m radio.Connected) {
	conn := c.reg.Add(m.Addr, m.IRK, m.LocalIsMaster)
	conn.AddrType = m.AddrType
	conn.ConnectedAt = c.timers.Now()
	conn.Link = m.Link
	conn.Name = m.Name
	conn.RemoteManagesParams = m.RemoteManagesParams
	c.stats.Add(analytics.ConnEstablished, 1)

	logger.Info("ble", "connected %s master=%v %s", conn, m.LocalIsMaster, m.Link)
	logger.TraceJSON("ble", "link", m.Link)
	c.publish(conn, event.Connected, event.StatusOK, event.ConnectionInfo{LocalIsMaster: m.LocalIsMaster})

	if !m.LocalIsMaster {
		c.advertHandleConnect()
	}
}

func (c *Core) handleDisconnected(m radio.Disconnected) {
	conn := c.reg.FindByAddress(m.Addr)
	if conn == nil {
		return
	}
	wasSlave := !conn.LocalIsMaster
	c.reg.Remove(m.Addr)

	logger.Info("ble", "disconnected %s reason=0x%02X", conn, m.Reason)
	c.publish(conn, event.Disconnected, event.StatusOK, event.ConnectionInfo{
		LocalIsMaster: conn.LocalIsMaster,
		Reason:        fmt.Sprintf("0x%02X", m.Reason),
	})

	if wasSlave {
		c.advertHandleDisconnect()
	}
}

// destroyConnection releases everything a connection owns. The
// connection has already been unlinked from the registry.
func (c *Core) destroyConnection(conn *Connection) {
	c.stopNegotiation(conn)
	c.stopResponsiveness(conn)
	c.teardownDiscovery(conn)
	conn.IRK = nil
	conn.Name = ""
	conn.overrides = nil
}

func (c *Core) publish(conn *Connection, t event.Type, status event.Status, payload any) {
	ev := event.Event{Type: t, Timestamp: c.timers.Now(), Status: status, Payload: payload}
	if conn != nil {
		ev.Connection = conn.ID
		ev.Device = conn.Addr.String()
	}
	c.bus.Publish(c.ctx, ev)
}

// SetGateway marks the connection to addr as the gateway, clearing any
// previous one.
func (c *Core) SetGateway(addr radio.Address, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.reg.FindByAddress(addr)
	if conn == nil {
		return ErrStaleConnection
	}
	c.reg.SetGateway(conn, on)
	return nil
}

func (c *Core) SetBonding(addr radio.Address, id BondingID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.reg.FindByAddress(addr)
	if conn == nil {
		return ErrStaleConnection
	}
	conn.Bonding = id
	return nil
}

// Close stops every timer, unschedules all advertising jobs, stops any
// scan and destroys all connections. Completions arriving afterwards
// are dropped.
func (c *Core) Close() {
	c.mu.Lock()
	if !c.reg.initialized {
		c.mu.Unlock()
		return
	}
	c.closeAdvertising()
	if err := c.stopScan(); err != nil {
		logger.Warn("ble", "stopping scan on close: %v", err)
	}
	c.reg.deinit()
	c.mu.Unlock()

	if c.ownExec != nil {
		c.ownExec.Stop()
	}
	if c.ownBus {
		c.bus.Close()
	}
}
