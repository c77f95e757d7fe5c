// Package tinyradio drives a real controller through tinygo.org/x/bluetooth.
//
// The host stacks underneath (BlueZ, CoreBluetooth, WinRT) hide ATT
// handles and do not let applications request connection parameters,
// so handles are synthesized in discovery order and parameter requests
// are refused.
package tinyradio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/user/blecore/ble/advertising"
	"github.com/user/blecore/ble/gatt"
	"github.com/user/blecore/ble/l2cap"
	"github.com/user/blecore/logger"
	"github.com/user/blecore/radio"
)

// DiscoveryTimeout bounds one service discovery before it is reported
// as timed out.
const DiscoveryTimeout = 30 * time.Second

// bluetoothBase is the Bluetooth base UUID, big endian.
var bluetoothBase = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

type link struct {
	device   bluetooth.Device
	chars    map[uint16]bluetooth.DeviceCharacteristic // by synthesized CCCD handle
	discover context.CancelFunc
}

// Radio implements radio.Driver over the default adapter.
type Radio struct {
	adapter *bluetooth.Adapter
	out     chan radio.Completion

	mu      sync.Mutex
	links   map[radio.Address]*link
	advData advertising.Payload
	adv     *bluetooth.Advertisement
}

func New() *Radio {
	return &Radio{
		adapter: bluetooth.DefaultAdapter,
		out:     make(chan radio.Completion, 256),
		links:   make(map[radio.Address]*link),
	}
}

// Enable powers the adapter and starts reporting incoming connections.
func (r *Radio) Enable() error {
	if err := r.adapter.Enable(); err != nil {
		return fmt.Errorf("tinyradio: enable: %w", err)
	}
	r.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addr, err := radio.ParseAddress(device.Address.String())
		if err != nil {
			logger.Debug("tinyradio", "ignoring peer with unsupported address %s", device.Address.String())
			return
		}
		r.mu.Lock()
		l, known := r.links[addr]
		switch {
		case connected && !known:
			r.links[addr] = &link{device: device, chars: make(map[uint16]bluetooth.DeviceCharacteristic)}
		case !connected && known:
			if l.discover != nil {
				l.discover()
			}
			delete(r.links, addr)
		}
		r.mu.Unlock()

		switch {
		case connected && !known:
			// A central connected to our advertisement.
			r.emit(radio.Connected{Addr: addr, AddrType: radio.AddressRandom})
		case !connected && known:
			r.emit(radio.Disconnected{Addr: addr, Reason: 0x13})
		}
	})
	return nil
}

func (r *Radio) Completions() <-chan radio.Completion {
	return r.out
}

func (r *Radio) emit(c radio.Completion) {
	select {
	case r.out <- c:
	default:
		logger.Warn("tinyradio", "completion queue full, dropped %T", c)
	}
}

// Connect opens a link to addr as central. It respects ctx even though
// the underlying call cannot be cancelled.
func (r *Radio) Connect(ctx context.Context, addr radio.Address) error {
	var target bluetooth.Address
	target.Set(addr.String())

	type result struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		device, err := r.adapter.Connect(target, bluetooth.ConnectionParams{})
		ch <- result{device, err}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("tinyradio: connect to %s: %w", addr, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("tinyradio: connect to %s: %w", addr, res.err)
		}
		r.mu.Lock()
		r.links[addr] = &link{device: res.device, chars: make(map[uint16]bluetooth.DeviceCharacteristic)}
		r.mu.Unlock()
		r.emit(radio.Connected{Addr: addr, AddrType: radio.AddressPublic, LocalIsMaster: true})
		return nil
	}
}

func (r *Radio) Disconnect(addr radio.Address) error {
	r.mu.Lock()
	l, ok := r.links[addr]
	r.mu.Unlock()
	if !ok {
		return radio.ErrNotConnected
	}
	return l.device.Disconnect()
}

// Advertising

func (r *Radio) AdvertSetData(p advertising.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advData = p
}

func (r *Radio) AdvertEnable(minMs, maxMs float64, scanResponse bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	opts, err := advertisementOptions(r.advData, minMs, scanResponse)
	if err != nil {
		logger.Warn("tinyradio", "advertising payload: %v", err)
		return false
	}
	if r.adv == nil {
		r.adv = r.adapter.DefaultAdvertisement()
	}
	if err := r.adv.Configure(opts); err != nil {
		logger.Warn("tinyradio", "configure advertisement: %v", err)
		return false
	}
	if err := r.adv.Start(); err != nil {
		logger.Warn("tinyradio", "start advertisement: %v", err)
		return false
	}
	return true
}

func (r *Radio) AdvertDisable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.adv == nil {
		return
	}
	if err := r.adv.Stop(); err != nil {
		logger.Debug("tinyradio", "stop advertisement: %v", err)
	}
}

// advertisementOptions maps the AD structures the host stack lets us
// set. Anything else in the payload is dropped.
func advertisementOptions(p advertising.Payload, intervalMs float64, scanResponse bool) (bluetooth.AdvertisementOptions, error) {
	fields, err := advertising.Decode(p.Adv)
	if err != nil {
		return bluetooth.AdvertisementOptions{}, err
	}
	resp, err := advertising.Decode(p.ScanResp)
	if err != nil {
		return bluetooth.AdvertisementOptions{}, err
	}
	fields = append(fields, resp...)

	opts := bluetooth.AdvertisementOptions{
		AdvertisementType: bluetooth.AdvertisingTypeInd,
		LocalName:         advertising.LocalName(fields),
		Interval:          bluetooth.NewDuration(time.Duration(intervalMs * float64(time.Millisecond))),
	}
	if scanResponse {
		opts.AdvertisementType = bluetooth.AdvertisingTypeScanInd
	}
	for _, u := range advertising.ServiceUUID16s(fields) {
		opts.ServiceUUIDs = append(opts.ServiceUUIDs, bluetooth.New16BitUUID(u))
	}
	if company, data, ok := advertising.ManufacturerData(fields); ok {
		opts.ManufacturerData = []bluetooth.ManufacturerDataElement{{CompanyID: company, Data: data}}
	}
	return opts, nil
}

// Scanning

func (r *Radio) StartScan(p radio.ScanParams) bool {
	started := make(chan error, 1)
	go func() {
		err := r.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			select {
			case started <- nil:
			default:
			}
			r.report(result)
		})
		select {
		case started <- err:
		default:
		}
		if err != nil {
			logger.Warn("tinyradio", "scan: %v", err)
		}
	}()

	// Scan blocks for as long as it runs, so an immediate error is the
	// only failure we can observe.
	select {
	case err := <-started:
		return err == nil
	case <-time.After(100 * time.Millisecond):
		return true
	}
}

func (r *Radio) StopScan() bool {
	if err := r.adapter.StopScan(); err != nil {
		logger.Debug("tinyradio", "stop scan: %v", err)
		return false
	}
	return true
}

func (r *Radio) report(result bluetooth.ScanResult) {
	addr, err := radio.ParseAddress(result.Address.String())
	if err != nil {
		return
	}
	b := advertising.NewBuilder().Add(advertising.FlagsField(advertising.FlagGeneralDiscoverable))
	if name := result.LocalName(); name != "" {
		b.Add(advertising.NameField(name))
	}
	for _, m := range result.ManufacturerData() {
		b.Add(advertising.ManufacturerField(m.CompanyID, m.Data))
	}
	p, err := b.Build()
	if err != nil {
		logger.Trace("tinyradio", "report from %s does not fit: %v", addr, err)
		return
	}
	r.emit(radio.ScanReport{
		Addr:     addr,
		AddrType: radio.AddressRandom,
		RSSI:     int8(result.RSSI),
		Adv:      p.Adv,
		ScanResp: p.ScanResp,
	})
}

// Connections

func (r *Radio) RequestParamUpdate(radio.Address, l2cap.ConnectionParameters) bool {
	return false
}

func (r *Radio) StartDiscovery(addr radio.Address, hr gatt.HandleRange, seq uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[addr]
	if !ok {
		return radio.ErrNotConnected
	}
	if l.discover != nil {
		return radio.ErrBusy
	}

	ctx, cancel := context.WithTimeout(context.Background(), DiscoveryTimeout)
	l.discover = cancel
	go r.discover(ctx, addr, l, hr, seq)
	return nil
}

func (r *Radio) discover(ctx context.Context, addr radio.Address, l *link, hr gatt.HandleRange, seq uint32) {
	type result struct {
		services []gatt.RemoteService
		chars    map[uint16]bluetooth.DeviceCharacteristic
		err      error
	}
	ch := make(chan result, 1)
	go func() {
		svcs, chars, err := resolve(l.device)
		ch <- result{svcs, chars, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.mu.Lock()
			l.discover = nil
			r.mu.Unlock()
			r.emit(radio.DiscoveryTimeout{Addr: addr, Seq: seq})
		}
		return
	case res = <-ch:
	}

	r.mu.Lock()
	if l.discover == nil {
		// Stopped while the stack was still answering.
		r.mu.Unlock()
		return
	}
	l.discover()
	l.discover = nil
	for h, c := range res.chars {
		l.chars[h] = c
	}
	r.mu.Unlock()

	if res.err != nil {
		r.emit(radio.DiscoveryComplete{Addr: addr, Seq: seq, Err: res.err})
		return
	}
	for _, s := range res.services {
		if hr.Contains(s.Range.Start) {
			r.emit(radio.ServiceDiscovered{Addr: addr, Seq: seq, Service: s})
		}
	}
	r.emit(radio.DiscoveryComplete{Addr: addr, Seq: seq})
}

// resolve walks every service and characteristic, assigning handles in
// order: declaration, then per characteristic a declaration, value and
// CCCD.
func resolve(device bluetooth.Device) ([]gatt.RemoteService, map[uint16]bluetooth.DeviceCharacteristic, error) {
	svcs, err := device.DiscoverServices(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("tinyradio: discover services: %w", err)
	}

	chars := make(map[uint16]bluetooth.DeviceCharacteristic)
	var out []gatt.RemoteService
	h := gatt.MinHandle
	for _, svc := range svcs {
		rs := gatt.RemoteService{UUID: gattUUID(svc.UUID()), Range: gatt.HandleRange{Start: h}}
		h++
		dcs, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, nil, fmt.Errorf("tinyradio: discover characteristics of %s: %w", svc.UUID().String(), err)
		}
		for _, dc := range dcs {
			rs.Characteristics = append(rs.Characteristics, gatt.RemoteCharacteristic{
				UUID:              gattUUID(dc.UUID()),
				DeclarationHandle: h,
				ValueHandle:       h + 1,
				Descriptors:       []gatt.RemoteDescriptor{{UUID: gatt.UUIDCCCD, Handle: h + 2}},
			})
			chars[h+2] = dc
			h += 3
		}
		rs.Range.End = h - 1
		out = append(out, rs)
	}
	return out, chars, nil
}

// gattUUID converts to the little-endian form used by gatt, shortening
// UUIDs built on the Bluetooth base to 16 bits.
func gattUUID(u bluetooth.UUID) []byte {
	parsed, err := uuid.Parse(u.String())
	if err != nil {
		return nil
	}
	if parsed[0] == 0 && parsed[1] == 0 && string(parsed[4:]) == string(bluetoothBase[4:]) {
		return []byte{parsed[3], parsed[2]}
	}
	out := make([]byte, 16)
	for i := range parsed {
		out[15-i] = parsed[i]
	}
	return out
}

func (r *Radio) StopDiscovery(addr radio.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[addr]
	if !ok {
		return radio.ErrNotConnected
	}
	if l.discover == nil {
		return radio.ErrNotRunning
	}
	l.discover()
	l.discover = nil
	return nil
}

func (r *Radio) DiscoveryAbandoned(addr radio.Address) {
	if err := r.StopDiscovery(addr); err != nil {
		logger.Trace("tinyradio", "%s: abandon discovery: %v", addr, err)
	}
}

// WriteCCCD enables or disables notifications on the characteristic
// owning handle. Indications are enabled the same way as notifications.
func (r *Radio) WriteCCCD(addr radio.Address, handle, value uint16) error {
	r.mu.Lock()
	l, ok := r.links[addr]
	var char bluetooth.DeviceCharacteristic
	if ok {
		char, ok = l.chars[handle]
		if !ok {
			r.mu.Unlock()
			return fmt.Errorf("tinyradio: no characteristic owns handle 0x%04X", handle)
		}
	}
	r.mu.Unlock()
	if !ok {
		return radio.ErrNotConnected
	}

	if value == gatt.CCCDDisabled {
		return char.EnableNotifications(nil)
	}
	return char.EnableNotifications(func([]byte) {})
}

var _ radio.Driver = (*Radio)(nil)
