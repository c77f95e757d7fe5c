package ble

import (
	"time"

	"github.com/user/blecore/ble/l2cap"
	"github.com/user/blecore/logger"
	"github.com/user/blecore/radio"
	"github.com/user/blecore/timer"
)

// ResponseTime is a desired link latency class. Larger values are more
// responsive and cost more power.
type ResponseTime int

const (
	ResponseTimeMax ResponseTime = iota // slowest, lowest power
	ResponseTimeMiddle
	ResponseTimeMin // fastest
)

func (s ResponseTime) String() string {
	switch s {
	case ResponseTimeMax:
		return "max"
	case ResponseTimeMiddle:
		return "middle"
	case ResponseTimeMin:
		return "min"
	}
	return "unknown"
}

// Consumer names a subsystem asking for responsiveness.
type Consumer string

// RunForever as a period keeps a request active until replaced.
const RunForever time.Duration = 0

type responseRequest struct {
	consumer Consumer
	state    ResponseTime
	expiry   time.Time // zero means forever
	granted  func()
}

func (r *responseRequest) expired(now time.Time) bool {
	return !r.expiry.IsZero() && !now.Before(r.expiry)
}

// outlasts reports whether r expires strictly after o.
func (r *responseRequest) outlasts(o *responseRequest) bool {
	if r.expiry.IsZero() {
		return !o.expiry.IsZero()
	}
	return !o.expiry.IsZero() && r.expiry.After(o.expiry)
}

type responsiveness struct {
	requests      []*responseRequest
	watchdog      timer.Timer
	lastRequested ResponseTime
}

func (r *responsiveness) find(consumer Consumer) *responseRequest {
	for _, req := range r.requests {
		if req.consumer == consumer {
			return req
		}
	}
	return nil
}

// SetResponseTime records consumer's wish for state on the link to addr
// for period (RunForever for no expiry). granted, if not nil, runs on
// the executor once the link satisfies state, which may be immediately.
// Asking for ResponseTimeMax releases the consumer's claim after a short
// inactivity delay instead of at once.
func (c *Core) SetResponseTime(addr radio.Address, consumer Consumer, state ResponseTime, period time.Duration, granted func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.reg.FindByAddress(addr)
	if conn == nil {
		return ErrStaleConnection
	}
	c.setResponseTime(conn, consumer, state, period, granted)
	return nil
}

func (c *Core) setResponseTime(conn *Connection, consumer Consumer, state ResponseTime, period time.Duration, granted func()) {
	r := &conn.resp
	c.stopResponseWatchdog(conn)

	now := c.timers.Now()
	existing := r.find(consumer)

	switch {
	case state == ResponseTimeMax && existing == nil:
		// Nothing to release.
		c.fire(granted)
	case state == ResponseTimeMax:
		// Hold the previous state a little longer so bursts of activity
		// do not each cost a renegotiation.
		existing.expiry = now.Add(c.cfg.Responsiveness.InactivityTimeout)
		c.fire(granted)
	default:
		req := existing
		if req == nil {
			req = &responseRequest{consumer: consumer}
			r.requests = append(r.requests, req)
		}
		req.state = state
		req.expiry = time.Time{}
		if period != RunForever {
			req.expiry = now.Add(period)
		}
		req.granted = nil
		if state <= c.grantedState(conn) {
			c.fire(granted)
		} else {
			req.granted = granted
		}
	}

	logger.Debug("ble", "%s: %s wants %s for %v", conn, consumer, state, period)
	c.applyResponsiveness(conn)
}

// applyResponsiveness pushes the aggregate state to the negotiator if it
// changed and arms the expiry watchdog for the winning request.
func (c *Core) applyResponsiveness(conn *Connection) {
	r := &conn.resp
	state, winner := c.determineResponseTime(conn)
	if state != r.lastRequested {
		r.lastRequested = state
		c.requestResponseTime(conn, state)
	}

	if winner == nil || state == ResponseTimeMax || winner.expiry.IsZero() {
		return
	}
	delay := winner.expiry.Sub(c.timers.Now())
	if delay < 0 {
		delay = 0
	}
	r.watchdog = c.timers.AfterFunc(delay, func() {
		c.exec.Submit(func() { c.responseWatchdog(conn) })
	})
}

func (c *Core) responseWatchdog(conn *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.reg.IsValid(conn) {
		return
	}
	conn.resp.watchdog = nil
	c.sweepResponseRequests(conn)
	c.applyResponsiveness(conn)
}

// sweepResponseRequests drops every expired request.
func (c *Core) sweepResponseRequests(conn *Connection) {
	now := c.timers.Now()
	r := &conn.resp
	kept := r.requests[:0]
	for _, req := range r.requests {
		if req.expired(now) {
			logger.Debug("ble", "%s: %s request for %s expired", conn, req.consumer, req.state)
			continue
		}
		kept = append(kept, req)
	}
	for i := len(kept); i < len(r.requests); i++ {
		r.requests[i] = nil
	}
	r.requests = kept
}

// determineResponseTime returns the most responsive state among live
// requests. Ties go to the request that lasts longest.
func (c *Core) determineResponseTime(conn *Connection) (ResponseTime, *responseRequest) {
	now := c.timers.Now()
	var best *responseRequest
	for _, req := range conn.resp.requests {
		if req.expired(now) {
			continue
		}
		if best == nil || req.state > best.state || (req.state == best.state && req.outlasts(best)) {
			best = req
		}
	}
	if best == nil {
		return ResponseTimeMax, nil
	}
	return best.state, best
}

// ResponseTime reports the aggregate state for addr and the consumer
// responsible for it. The consumer is empty when nobody holds a claim.
func (c *Core) ResponseTime(addr radio.Address) (ResponseTime, Consumer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.reg.FindByAddress(addr)
	if conn == nil {
		return ResponseTimeMax, "", ErrStaleConnection
	}
	state, winner := c.determineResponseTime(conn)
	if winner == nil {
		return state, "", nil
	}
	return state, winner.consumer, nil
}

// handleGranted runs the callbacks of every request the link now satisfies.
func (c *Core) handleGranted(conn *Connection) {
	granted := c.grantedState(conn)
	for _, req := range conn.resp.requests {
		if req.granted != nil && req.state <= granted {
			c.fire(req.granted)
			req.granted = nil
		}
	}
}

// grantedState is the most responsive state whose parameters the
// current link satisfies.
func (c *Core) grantedState(conn *Connection) ResponseTime {
	for s := ResponseTimeMin; s > ResponseTimeMax; s-- {
		if c.linkMatches(conn, s) {
			return s
		}
	}
	return ResponseTimeMax
}

func (c *Core) paramsFor(conn *Connection, state ResponseTime) l2cap.ConnectionParameters {
	if p, ok := conn.overrides[state]; ok {
		return p
	}
	switch state {
	case ResponseTimeMin:
		return c.cfg.Params.Min
	case ResponseTimeMiddle:
		return c.cfg.Params.Middle
	default:
		return c.cfg.Params.Max
	}
}

func (c *Core) fire(fn func()) {
	if fn != nil {
		c.exec.Submit(fn)
	}
}

func (c *Core) stopResponseWatchdog(conn *Connection) {
	if conn.resp.watchdog != nil {
		conn.resp.watchdog.Stop()
		conn.resp.watchdog = nil
	}
}

func (c *Core) stopResponsiveness(conn *Connection) {
	c.stopResponseWatchdog(conn)
	conn.resp.requests = nil
}
