package ble

import (
	"errors"
	"time"

	"github.com/user/blecore/analytics"
	"github.com/user/blecore/ble/l2cap"
	"github.com/user/blecore/event"
	"github.com/user/blecore/logger"
	"github.com/user/blecore/radio"
	"github.com/user/blecore/timer"
	"github.com/user/blecore/tracer"
)

var errRequestRefused = errors.New("controller refused parameter request")

type negotiation struct {
	desired  ResponseTime
	attempts int
	pending  bool
	gaveUp   bool
	watchdog timer.Timer
}

// requestResponseTime starts a fresh negotiation towards state.
func (c *Core) requestResponseTime(conn *Connection, state ResponseTime) {
	n := &conn.neg
	n.desired = state
	n.attempts = 0
	n.gaveUp = false
	c.attemptNegotiation(conn)
}

func (c *Core) attemptNegotiation(conn *Connection) {
	n := &conn.neg
	if conn.RemoteManagesParams || n.pending {
		return
	}

	// Give the peer time to finish its own post-connection traffic.
	if age := conn.Age(c.timers.Now()); age < c.cfg.Negotiator.GracePeriod {
		c.armNegotiationWatchdog(conn, c.cfg.Negotiator.GracePeriod-age)
		return
	}

	if c.linkMatches(conn, n.desired) {
		c.stopNegotiationWatchdog(conn)
		c.handleGranted(conn)
		return
	}

	if n.attempts >= c.cfg.Negotiator.MaxAttempts {
		if !n.gaveUp {
			n.gaveUp = true
			c.stats.Inc(analytics.NegotiatorGiveUp)
			logger.With("ble", map[string]interface{}{
				"device":   conn.Addr.String(),
				"state":    n.desired.String(),
				"attempts": n.attempts,
				"link":     conn.Link.String(),
			}).Warn("giving up on parameter negotiation")
		}
		return
	}

	n.attempts++
	params := c.paramsFor(conn, n.desired)
	_, span := tracer.StartSpan(c.ctx, "negotiator.request")
	span.SetAttributes(
		tracer.StringAttr("device", conn.Addr.String()),
		tracer.StringAttr("state", n.desired.String()),
		tracer.IntAttr("attempt", n.attempts),
	)
	sent := c.drv.RequestParamUpdate(conn.Addr, params)
	c.stats.Inc(analytics.NegotiatorRequest)
	if sent {
		n.pending = true
		tracer.SetOK(span)
		logger.Debug("ble", "%s: requested %s (%d-%d lat=%d) attempt %d",
			conn, n.desired, params.IntervalMin, params.IntervalMax, params.SlaveLatency, n.attempts)
	} else {
		tracer.RecordError(span, errRequestRefused)
		logger.Warn("ble", "%s: controller refused parameter request for %s", conn, n.desired)
	}
	span.End()

	c.armNegotiationWatchdog(conn, c.cfg.Negotiator.WatchdogTimeout)
}

// linkMatches reports whether the current link satisfies state. The
// fastest state only caps the interval; the others need the interval in
// range and the exact latency.
func (c *Core) linkMatches(conn *Connection, state ResponseTime) bool {
	p := c.paramsFor(conn, state)
	if state == ResponseTimeMin {
		return conn.Link.Interval <= p.IntervalMax
	}
	return p.Contains(conn.Link.Interval) && conn.Link.SlaveLatency == p.SlaveLatency
}

// reEvaluateNegotiation runs after the link parameters change.
func (c *Core) reEvaluateNegotiation(conn *Connection) {
	state, _ := c.determineResponseTime(conn)
	conn.resp.lastRequested = state

	// Lesser requests may be satisfied even when the aggregate is not.
	c.handleGranted(conn)
	if c.linkMatches(conn, state) {
		c.stopNegotiationWatchdog(conn)
		conn.neg.desired = state
		return
	}
	if state != conn.neg.desired {
		c.requestResponseTime(conn, state)
		return
	}
	c.attemptNegotiation(conn)
}

func (c *Core) handleParamsUpdated(m radio.ParamsUpdated) {
	conn := c.reg.FindByAddress(m.Addr)
	if conn == nil {
		return
	}
	conn.Link = m.Link
	conn.neg.pending = false

	logger.Info("ble", "%s: link updated %s", conn, m.Link)
	c.publish(conn, event.ParamsUpdated, event.StatusOK, event.Link{Params: m.Link})
	c.reEvaluateNegotiation(conn)
}

func (c *Core) armNegotiationWatchdog(conn *Connection, d time.Duration) {
	c.stopNegotiationWatchdog(conn)
	conn.neg.watchdog = c.timers.AfterFunc(d, func() {
		c.exec.Submit(func() { c.negotiationWatchdog(conn) })
	})
}

func (c *Core) negotiationWatchdog(conn *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.reg.IsValid(conn) {
		return
	}
	n := &conn.neg
	n.watchdog = nil
	n.pending = false
	n.desired, _ = c.determineResponseTime(conn)
	c.attemptNegotiation(conn)
}

func (c *Core) stopNegotiationWatchdog(conn *Connection) {
	if conn.neg.watchdog != nil {
		conn.neg.watchdog.Stop()
		conn.neg.watchdog = nil
	}
}

func (c *Core) stopNegotiation(conn *Connection) {
	c.stopNegotiationWatchdog(conn)
	conn.neg.pending = false
}

// SetParamOverride replaces the parameters used for state on one link.
// A nil params restores the configured set.
func (c *Core) SetParamOverride(addr radio.Address, state ResponseTime, params *l2cap.ConnectionParameters) error {
	if params != nil {
		if err := params.Validate(); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.reg.FindByAddress(addr)
	if conn == nil {
		return ErrStaleConnection
	}
	if params == nil {
		delete(conn.overrides, state)
	} else {
		if conn.overrides == nil {
			conn.overrides = make(map[ResponseTime]l2cap.ConnectionParameters)
		}
		conn.overrides[state] = *params
	}
	c.reEvaluateNegotiation(conn)
	return nil
}
