package ble

import (
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/trace"

	"github.com/user/blecore/alloc"
	"github.com/user/blecore/analytics"
	"github.com/user/blecore/ble/att"
	"github.com/user/blecore/ble/gatt"
	"github.com/user/blecore/event"
	"github.com/user/blecore/logger"
	"github.com/user/blecore/radio"
	"github.com/user/blecore/tracer"
)

// discoveryJobBytes is charged to the allocator per queued range.
const discoveryJobBytes = 16

type discoveryJob struct {
	rng gatt.HandleRange
	mem []byte
}

type discovery struct {
	jobs       []discoveryJob // jobs[0] is in flight while active
	active     bool
	seq        uint32 // tags the driver discovery in flight
	retries    int
	generation uint32
	services   []gatt.RemoteService
	pending    []gatt.RemoteService
	dbChanged  bool
	subs       *gatt.Subscriptions
	span       trace.Span
}

func (d *discovery) init() {
	d.subs = gatt.NewSubscriptions()
}

// DiscoverRange queues discovery of the services whose declarations
// fall in r. Ranges are discovered one at a time in the order queued.
func (c *Core) DiscoverRange(addr radio.Address, r gatt.HandleRange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.reg.FindByAddress(addr)
	if conn == nil {
		return ErrStaleConnection
	}
	return c.discoverRange(conn, r)
}

// DiscoverAll queues discovery of the whole database.
func (c *Core) DiscoverAll(addr radio.Address) error {
	return c.DiscoverRange(addr, gatt.FullRange)
}

func (c *Core) discoverRange(conn *Connection, r gatt.HandleRange) error {
	if !r.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidRange, r)
	}
	mem, err := c.alloc.Alloc(discoveryJobBytes)
	if err != nil {
		return fmt.Errorf("ble: discovery job: %w", err)
	}
	d := &conn.disc
	d.jobs = append(d.jobs, discoveryJob{rng: r, mem: mem})
	logger.Debug("ble", "%s: queued discovery of %s (%d queued)", conn, r, len(d.jobs))
	c.startDiscoveryJob(conn)
	return nil
}

func (c *Core) startDiscoveryJob(conn *Connection) {
	d := &conn.disc
	if d.active || len(d.jobs) == 0 {
		return
	}
	job := d.jobs[0]
	d.active = true
	d.retries = 0
	d.dbChanged = false
	d.pending = nil

	_, d.span = tracer.StartSpan(c.ctx, "gatt.discovery")
	d.span.SetAttributes(
		tracer.StringAttr("device", conn.Addr.String()),
		tracer.StringAttr("range", job.rng.String()),
	)

	if err := c.sendDiscovery(conn); err != nil {
		logger.Warn("ble", "%s: starting discovery of %s: %v", conn, job.rng, err)
		c.finalizeDiscovery(conn, discoveryStatus(err), true)
	}
}

// sendDiscovery asks the driver for the head job under a fresh sequence
// number. Completions carrying any other number are stale.
func (c *Core) sendDiscovery(conn *Connection) error {
	d := &conn.disc
	d.seq++
	return c.drv.StartDiscovery(conn.Addr, d.jobs[0].rng, d.seq)
}

// currentDiscovery returns the connection whose in-flight discovery
// produced a completion tagged seq, or nil when the completion is stale.
func (c *Core) currentDiscovery(addr radio.Address, seq uint32) *Connection {
	conn := c.reg.FindByAddress(addr)
	if conn == nil || !conn.disc.active {
		return nil
	}
	if conn.disc.seq != seq {
		logger.Debug("ble", "%s: dropping discovery result %d, current is %d", conn, seq, conn.disc.seq)
		return nil
	}
	return conn
}

func (c *Core) handleServiceDiscovered(m radio.ServiceDiscovered) {
	conn := c.currentDiscovery(m.Addr, m.Seq)
	if conn == nil {
		return
	}
	logger.DebugJSON("ble", fmt.Sprintf("%s: discovered service", conn), m.Service)
	conn.disc.pending = append(conn.disc.pending, m.Service.Clone())
}

func (c *Core) handleDiscoveryComplete(m radio.DiscoveryComplete) {
	conn := c.currentDiscovery(m.Addr, m.Seq)
	if conn == nil {
		return
	}
	c.finalizeDiscovery(conn, discoveryStatus(m.Err), true)
}

func (c *Core) handleDiscoveryTimeout(m radio.DiscoveryTimeout) {
	addr := m.Addr
	if c.reg.FindByAddress(addr) == nil {
		if err := c.drv.StopDiscovery(addr); err != nil {
			logger.Trace("ble", "%s: timeout after disconnect: %v", addr, err)
		}
		return
	}
	conn := c.currentDiscovery(addr, m.Seq)
	if conn == nil {
		return
	}
	if err := c.drv.StopDiscovery(addr); err != nil {
		// The discovery finished or failed while the timeout was in flight.
		logger.Debug("ble", "%s: discovery timeout raced with completion: %v", conn, err)
		return
	}

	d := &conn.disc
	d.span.AddEvent("timeout")
	if d.dbChanged {
		c.finalizeDiscovery(conn, event.StatusDatabaseChanged, true)
		return
	}
	if d.retries >= c.cfg.Discovery.MaxRetries {
		c.stats.Inc(analytics.DiscoveryTimeouts)
		logger.Error("ble", "%s: discovery of %s timed out after %d retries", conn, d.jobs[0].rng, d.retries)
		if c.cfg.Discovery.CoreDumpOnTimeout {
			c.diag.CoreDump(fmt.Sprintf("gatt discovery timeout on %s", conn.Addr))
		}
		c.finalizeDiscovery(conn, event.StatusTimeout, true)
		return
	}

	d.retries++
	d.pending = nil
	c.stats.Inc(analytics.DiscoveryRetries)
	logger.Warn("ble", "%s: discovery timed out, retry %d/%d", conn, d.retries, c.cfg.Discovery.MaxRetries)
	if err := c.sendDiscovery(conn); err != nil {
		c.finalizeDiscovery(conn, discoveryStatus(err), true)
	}
}

// finalizeDiscovery ends the current cycle, commits what it found on
// success and publishes exactly one event. With startNext the next
// queued range begins; otherwise the queue is dropped.
func (c *Core) finalizeDiscovery(conn *Connection, status event.Status, startNext bool) {
	d := &conn.disc
	var added []gatt.RemoteService

	if d.active {
		job := d.jobs[0]
		c.alloc.Free(job.mem)
		d.jobs = d.jobs[1:]
		d.active = false

		if status == event.StatusOK {
			kept := make([]gatt.RemoteService, 0, len(d.services)+len(d.pending))
			for _, s := range d.services {
				if !job.rng.Contains(s.Range.Start) {
					kept = append(kept, s)
				}
			}
			added = d.pending
			kept = append(kept, added...)
			sort.Slice(kept, func(i, j int) bool { return kept[i].Range.Start < kept[j].Range.Start })
			d.services = kept
		}
		if d.span != nil {
			if status == event.StatusOK {
				tracer.SetOK(d.span)
			} else {
				tracer.RecordError(d.span, errors.New(status.String()))
			}
			d.span.SetAttributes(tracer.IntAttr("services", len(added)))
			d.span.End()
			d.span = nil
		}
	}
	d.pending = nil
	d.retries = 0
	d.dbChanged = false
	d.generation++

	if status == event.StatusDatabaseChanged {
		d.services = nil
		d.subs.Clear()
		logger.Info("ble", "%s: remote database changed, services invalidated", conn)
		c.publish(conn, event.ServicesInvalidated, status, event.ServicesDiscovered{Generation: d.generation})
	} else {
		handles := make([]uint16, 0, len(added))
		for _, s := range added {
			if len(handles) == c.cfg.Discovery.MaxServicesPerEvent {
				break
			}
			handles = append(handles, s.Range.Start)
		}
		logger.Info("ble", "%s: discovery finished (%s), %d services", conn, status, len(added))
		c.publish(conn, event.ServicesAdded, status, event.ServicesDiscovered{
			Generation: d.generation,
			Handles:    handles,
			Total:      len(added),
		})
	}

	if startNext {
		c.startDiscoveryJob(conn)
		return
	}
	c.flushDiscoveryJobs(conn)
}

func (c *Core) flushDiscoveryJobs(conn *Connection) {
	d := &conn.disc
	for _, j := range d.jobs {
		c.alloc.Free(j.mem)
	}
	d.jobs = nil
}

// handleServiceChanged drops the shadow of the service whose range the
// peer indicated, together with every subscription in that range. An
// unknown range is a new service and is left to the next discovery.
func (c *Core) handleServiceChanged(m radio.ServiceChanged) {
	conn := c.reg.FindByAddress(m.Addr)
	if conn == nil {
		return
	}
	d := &conn.disc
	if d.active {
		// The cycle in flight may have read the old database.
		d.dbChanged = true
	}

	idx := -1
	for i := range d.services {
		if d.services[i].Range == m.Range {
			idx = i
			break
		}
	}
	if idx < 0 {
		logger.Debug("ble", "%s: service changed for unknown range %s", conn, m.Range)
		return
	}

	s := d.services[idx]
	d.services = append(d.services[:idx], d.services[idx+1:]...)
	dropped := d.subs.RemoveRange(m.Range)
	logger.Info("ble", "%s: service %s removed (%d subscriptions dropped)", conn, s.Range, len(dropped))
	c.publish(conn, event.ServicesRemoved, event.StatusOK, event.ServiceRemoved{
		Range:   s.Range,
		UUID:    s.UUID,
		Handles: s.Handles(),
	})
}

// RediscoverAll throws away everything known about the peer's database
// and discovers it again from scratch.
func (c *Core) RediscoverAll(addr radio.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.reg.FindByAddress(addr)
	if conn == nil {
		return ErrStaleConnection
	}

	d := &conn.disc
	if d.active {
		for _, j := range d.jobs[1:] {
			c.alloc.Free(j.mem)
		}
		d.jobs = d.jobs[:1]
		if err := c.drv.StopDiscovery(addr); err != nil {
			logger.Debug("ble", "%s: stopping discovery: %v", conn, err)
		}
	} else {
		for _, s := range d.subs.All() {
			if err := c.drv.WriteCCCD(addr, s.CCCDHandle, gatt.CCCDDisabled); err != nil {
				logger.Debug("ble", "%s: clearing CCCD 0x%04X: %v", conn, s.CCCDHandle, err)
			}
		}
	}
	d.subs.Clear()
	c.finalizeDiscovery(conn, event.StatusDatabaseChanged, false)
	return c.discoverRange(conn, gatt.FullRange)
}

// teardownDiscovery runs as the connection is destroyed.
func (c *Core) teardownDiscovery(conn *Connection) {
	d := &conn.disc
	if d.active {
		c.finalizeDiscovery(conn, event.StatusDisconnected, false)
		c.drv.DiscoveryAbandoned(conn.Addr)
	}
	c.flushDiscoveryJobs(conn)
	d.services = nil
	d.pending = nil
	d.subs.Clear()
}

func discoveryStatus(err error) event.Status {
	switch {
	case err == nil:
		return event.StatusOK
	case att.IsDatabaseChanged(err):
		return event.StatusDatabaseChanged
	case errors.Is(err, radio.ErrTimeout):
		return event.StatusTimeout
	case errors.Is(err, radio.ErrDisconnected), errors.Is(err, radio.ErrNotConnected):
		return event.StatusDisconnected
	case errors.Is(err, alloc.ErrOutOfMemory):
		return event.StatusNoMemory
	default:
		return event.StatusFailed
	}
}

// Services returns copies of the committed services for addr.
func (c *Core) Services(addr radio.Address) ([]gatt.RemoteService, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.reg.FindByAddress(addr)
	if conn == nil {
		return nil, ErrStaleConnection
	}
	out := make([]gatt.RemoteService, 0, len(conn.disc.services))
	for i := range conn.disc.services {
		out = append(out, conn.disc.services[i].Clone())
	}
	return out, nil
}

// DiscoveryGeneration counts finished discovery cycles on addr.
func (c *Core) DiscoveryGeneration(addr radio.Address) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.reg.FindByAddress(addr)
	if conn == nil {
		return 0, ErrStaleConnection
	}
	return conn.disc.generation, nil
}

// Subscribe writes value to the CCCD of the characteristic at
// valueHandle and remembers it.
func (c *Core) Subscribe(addr radio.Address, valueHandle, value uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.reg.FindByAddress(addr)
	if conn == nil {
		return ErrStaleConnection
	}

	d := &conn.disc
	for i := range d.services {
		ch, ok := d.services[i].Characteristic(valueHandle)
		if !ok {
			continue
		}
		cccd, ok := ch.CCCD()
		if !ok {
			return fmt.Errorf("%w: characteristic 0x%04X has no CCCD", ErrUnknownHandle, valueHandle)
		}
		if err := c.drv.WriteCCCD(addr, cccd, value); err != nil {
			return err
		}
		d.subs.Set(gatt.Subscription{ValueHandle: valueHandle, CCCDHandle: cccd, Value: value})
		return nil
	}
	return fmt.Errorf("%w: 0x%04X", ErrUnknownHandle, valueHandle)
}

func (c *Core) Unsubscribe(addr radio.Address, valueHandle uint16) error {
	return c.Subscribe(addr, valueHandle, gatt.CCCDDisabled)
}

// Subscriptions lists the active subscriptions on addr.
func (c *Core) Subscriptions(addr radio.Address) ([]gatt.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.reg.FindByAddress(addr)
	if conn == nil {
		return nil, ErrStaleConnection
	}
	return conn.disc.subs.All(), nil
}
