// Package analytics keeps the counters and rate stopwatches the BLE core
// feeds, mirroring them to OpenTelemetry instruments.
package analytics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/user/blecore/logger"
)

// Metric names
const (
	AdvertBandwidth   = "advert.bandwidth"
	NegotiatorRequest = "negotiator.requests"
	NegotiatorGiveUp  = "negotiator.give_up"
	ScanDropped       = "scan.dropped"
	DiscoveryRetries  = "discovery.retries"
	DiscoveryTimeouts = "discovery.timeouts"
	ConnEstablished   = "conn.established"
)

// Analytics is safe for concurrent use.
type Analytics struct {
	meter metric.Meter

	mu       sync.Mutex
	counters map[string]int64
	ints     map[string]metric.Int64Counter
	watches  map[string]float64
	gauges   map[string]metric.Float64Gauge
}

// New records into mp, or the global MeterProvider when mp is nil.
func New(mp metric.MeterProvider) *Analytics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	return &Analytics{
		meter:    mp.Meter("blecore"),
		counters: make(map[string]int64),
		ints:     make(map[string]metric.Int64Counter),
		watches:  make(map[string]float64),
		gauges:   make(map[string]metric.Float64Gauge),
	}
}

// Add increments counter name by n.
func (a *Analytics) Add(name string, n int64, attrs ...attribute.KeyValue) {
	a.mu.Lock()
	a.counters[name] += n
	inst, ok := a.ints[name]
	if !ok {
		var err error
		inst, err = a.meter.Int64Counter(name)
		if err != nil {
			logger.Warn("analytics", "counter %s: %v", name, err)
		}
		a.ints[name] = inst
	}
	a.mu.Unlock()

	if inst != nil {
		inst.Add(context.Background(), n, metric.WithAttributes(attrs...))
	}
}

func (a *Analytics) Inc(name string, attrs ...attribute.KeyValue) {
	a.Add(name, 1, attrs...)
}

// Count returns the local total for counter name.
func (a *Analytics) Count(name string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counters[name]
}

// StartStopwatch starts, or retargets, a rate stopwatch measuring
// rate units per second.
func (a *Analytics) StartStopwatch(name string, rate float64) {
	a.mu.Lock()
	a.watches[name] = rate
	g, ok := a.gauges[name]
	if !ok {
		var err error
		g, err = a.meter.Float64Gauge(name)
		if err != nil {
			logger.Warn("analytics", "gauge %s: %v", name, err)
		}
		a.gauges[name] = g
	}
	a.mu.Unlock()

	if g != nil {
		g.Record(context.Background(), rate)
	}
}

func (a *Analytics) StopStopwatch(name string) {
	a.mu.Lock()
	_, running := a.watches[name]
	delete(a.watches, name)
	g := a.gauges[name]
	a.mu.Unlock()

	if running && g != nil {
		g.Record(context.Background(), 0)
	}
}

// Stopwatch returns the current rate and whether the stopwatch is running.
func (a *Analytics) Stopwatch(name string) (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rate, ok := a.watches[name]
	return rate, ok
}
