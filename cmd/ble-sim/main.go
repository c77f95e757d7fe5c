// Command ble-sim runs the BLE core against the simulated controller, or
// against real hardware with -radio hw, and logs what happens.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"github.com/user/blecore/analytics"
	"github.com/user/blecore/ble"
	"github.com/user/blecore/ble/advertising"
	"github.com/user/blecore/ble/gatt"
	"github.com/user/blecore/config"
	"github.com/user/blecore/event"
	"github.com/user/blecore/journal"
	"github.com/user/blecore/logger"
	"github.com/user/blecore/radio"
	"github.com/user/blecore/radio/sim"
	"github.com/user/blecore/radio/tinyradio"
	"github.com/user/blecore/tracer"
)

var watch = radio.MustParseAddress("C0:FF:EE:00:00:01")

func main() {
	configPath := flag.String("config", config.DefaultPath(), "Path to config file")
	backend := flag.String("radio", "sim", "Controller backend: sim or hw")
	duration := flag.Duration("duration", 20*time.Second, "How long to run")
	flag.Parse()

	if err := run(*configPath, *backend, *duration); err != nil {
		fmt.Fprintf(os.Stderr, "ble-sim: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, backend string, duration time.Duration) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	logger.SetFormat(cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer, os.Stderr)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())
	stats := analytics.New(mp)

	bus := event.NewBus()
	defer bus.Close()
	bus.SubscribeAll(func(_ context.Context, ev event.Event) {
		logger.Info("ble-sim", "%s %s %s", ev.Type, ev.Device, ev.Status)
	})
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal)
		if err != nil {
			return err
		}
		defer j.Close()
		bus.SubscribeAll(j.Record)
	}

	var (
		drv    radio.Driver
		script func(ctx context.Context, core *ble.Core) error
	)
	switch backend {
	case "sim":
		r := sim.New(sim.DefaultConfig())
		drv = r
		script = func(ctx context.Context, core *ble.Core) error {
			return simulate(ctx, core, r, bus)
		}
	case "hw":
		r := tinyradio.New()
		if err := r.Enable(); err != nil {
			return err
		}
		drv = r
		script = broadcast
	default:
		return fmt.Errorf("unknown radio backend %q", backend)
	}

	core, err := ble.New(ble.Options{Config: cfg, Driver: drv, Bus: bus, Analytics: stats})
	if err != nil {
		return err
	}
	defer core.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return core.Run(gctx) })
	g.Go(func() error { return script(gctx, core) })
	err = g.Wait()

	logger.Info("ble-sim", "connections=%d negotiations=%d give_ups=%d scan_dropped=%d discovery_retries=%d",
		stats.Count(analytics.ConnEstablished),
		stats.Count(analytics.NegotiatorRequest),
		stats.Count(analytics.NegotiatorGiveUp),
		stats.Count(analytics.ScanDropped),
		stats.Count(analytics.DiscoveryRetries))

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func demoPayload() (advertising.Payload, error) {
	return advertising.NewBuilder().
		Add(advertising.FlagsField(advertising.FlagGeneralDiscoverable | advertising.FlagBREDRNotSupported)).
		Add(advertising.NameField("blecore")).
		Add(advertising.UUID16Field(0x180F)).
		Build()
}

// broadcast advertises and scans on real hardware until ctx ends.
func broadcast(ctx context.Context, core *ble.Core) error {
	payload, err := demoPayload()
	if err != nil {
		return err
	}
	if _, err := core.ScheduleAdvert(payload, []ble.Term{ble.ActiveForever(160, 320)}, "ble-sim", nil); err != nil {
		return err
	}
	if err := core.StartScan(); err != nil {
		return err
	}
	defer core.StopScan()
	drain(ctx, core)
	return ctx.Err()
}

// simulate walks a peer through advertising, scanning, discovery and a
// responsiveness request.
func simulate(ctx context.Context, core *ble.Core, r *sim.Radio, bus *event.Bus) error {
	payload, err := demoPayload()
	if err != nil {
		return err
	}
	_, err = core.ScheduleAdvert(payload, []ble.Term{
		ble.Active(160, 160, 3*time.Second),
		ble.Silent(time.Second),
		ble.Active(320, 480, 3*time.Second),
	}, "ble-sim", func(id ble.JobID, completed bool) {
		logger.Info("ble-sim", "advert job %d done (completed=%v)", id, completed)
	})
	if err != nil {
		return err
	}

	if err := core.StartScan(); err != nil {
		return err
	}
	var reports []radio.ScanReport
	for i, d := range []float64{1, 3, 8} {
		addr := radio.Address{0xAA, 0xBB, 0xCC, 0x00, 0x00, byte(i + 1)}
		rep, err := r.Beacon(addr, fmt.Sprintf("beacon-%d", i+1), d)
		if err != nil {
			return err
		}
		reports = append(reports, rep)
	}
	go drain(ctx, core)
	if err := r.FeedScan(ctx, reports); err != nil {
		return err
	}

	discovered := make(chan struct{}, 1)
	unsub := bus.Subscribe(event.ServicesAdded, func(context.Context, event.Event) {
		select {
		case discovered <- struct{}{}:
		default:
		}
	})
	defer unsub()

	r.Connect(watch, demoDB(), sim.ConnectOptions{Name: "watch", Link: sim.DefaultLink})
	if err := waitFor(ctx, 200*time.Millisecond); err != nil {
		return err
	}
	if err := core.DiscoverAll(watch); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-discovered:
	}

	svcs, err := core.Services(watch)
	if err != nil {
		return err
	}
	for _, s := range svcs {
		logger.Info("ble-sim", "service %X at %s", s.UUID, s.Range)
		for _, ch := range s.Characteristics {
			if ch.Properties&gatt.PropNotify == 0 {
				continue
			}
			if err := core.Subscribe(watch, ch.ValueHandle, gatt.CCCDNotifications); err != nil {
				logger.Warn("ble-sim", "subscribe 0x%04X: %v", ch.ValueHandle, err)
			}
		}
	}

	granted := make(chan struct{})
	err = core.SetResponseTime(watch, "ble-sim", ble.ResponseTimeMin, 10*time.Second, func() { close(granted) })
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-granted:
		if link, ok := r.Link(watch); ok {
			logger.Info("ble-sim", "fast link granted: %s", link)
		}
	}

	<-ctx.Done()
	return ctx.Err()
}

// drain empties the scan buffer every 250 ms and logs each record.
func drain(ctx context.Context, core *ble.Core) {
	buf := make([]byte, 4*ble.MaxScanRecordSize)
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		for {
			n, more := core.ConsumeScanResults(buf)
			recs, err := ble.ParseScanRecords(buf[:n])
			if err != nil {
				logger.Warn("ble-sim", "scan records: %v", err)
			}
			for _, rec := range recs {
				fields, _ := advertising.Decode(rec.Adv)
				logger.Info("ble-sim", "scan %s rssi=%d name=%q", rec.Addr, rec.RSSI, advertising.LocalName(fields))
			}
			if !more {
				break
			}
		}
	}
}

func waitFor(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func demoDB() *gatt.AttributeDatabase {
	return gatt.Build(
		gatt.Service{UUID: gatt.UUID16(0x1800), Characteristics: []gatt.Characteristic{
			{UUID: gatt.UUID16(0x2A00), Properties: gatt.PropRead, Value: []byte("watch")},
		}},
		gatt.Service{UUID: gatt.UUID16(0x180D), Characteristics: []gatt.Characteristic{
			{UUID: gatt.UUID16(0x2A37), Properties: gatt.PropNotify},
		}},
	)
}
