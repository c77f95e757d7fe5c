// Package sim is an in-memory radio.Driver. Peers are backed by real
// attribute databases and parameter requests travel through the L2CAP
// signalling codec, so the core sees the same messages a controller
// would produce.
package sim

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/user/blecore/ble/advertising"
	"github.com/user/blecore/ble/gatt"
	"github.com/user/blecore/ble/l2cap"
	"github.com/user/blecore/logger"
	"github.com/user/blecore/radio"
)

const completionQueueSize = 4096

// Recorded operation names
const (
	OpAdvertEnable       = "advert_enable"
	OpAdvertDisable      = "advert_disable"
	OpAdvertSetData      = "advert_set_data"
	OpStartScan          = "start_scan"
	OpStopScan           = "stop_scan"
	OpParamUpdate        = "param_update"
	OpStartDiscovery     = "start_discovery"
	OpStopDiscovery      = "stop_discovery"
	OpDiscoveryAbandoned = "discovery_abandoned"
	OpWriteCCCD          = "write_cccd"
)

// Config controls how closely the simulated controller follows a real one.
type Config struct {
	MTU uint16 // Default: 185 bytes

	// Radio characteristics
	BaseRSSI     int // Default: -50 dBm
	RSSIVariance int // Default: 10 dBm

	// Probability that a discovery stalls and times out
	DiscoveryLossRate float64

	// When false, parameter requests are accepted on the wire but the
	// link never changes until UpdateLink is called.
	AutoGrantParams bool

	// GrantPolicy decides what the peer grants. Nil grants the top of
	// the requested interval range with the requested latency.
	GrantPolicy func(req l2cap.ConnectionParameters) (l2cap.LinkParameters, bool)

	// Pacing for FeedScan
	ScanReportsPerSecond float64 // Default: 50
	ScanBurst            int     // Default: 5

	Deterministic bool
	Seed          int64
}

func DefaultConfig() *Config {
	return &Config{
		MTU:                  185,
		BaseRSSI:             -50,
		RSSIVariance:         10,
		DiscoveryLossRate:    0.015,
		AutoGrantParams:      true,
		ScanReportsPerSecond: 50,
		ScanBurst:            5,
	}
}

// PerfectConfig is fully reliable and reproducible, for tests.
func PerfectConfig() *Config {
	cfg := DefaultConfig()
	cfg.DiscoveryLossRate = 0
	cfg.Deterministic = true
	return cfg
}

// Call is one recorded driver command.
type Call struct {
	Op           string
	Addr         radio.Address
	Params       l2cap.ConnectionParameters
	Range        gatt.HandleRange
	Handle       uint16
	Value        uint16
	MinMs, MaxMs float64
	ScanResponse bool
}

// ConnectOptions describe a peer as it connects.
type ConnectOptions struct {
	AddrType            radio.AddressType
	LocalIsMaster       bool
	Link                l2cap.LinkParameters
	Name                string
	IRK                 []byte
	RemoteManagesParams bool
}

// DefaultLink is the link a peer comes up with when none is given.
// It matches none of the stock parameter sets.
var DefaultLink = l2cap.LinkParameters{Interval: 48, SlaveLatency: 0, SupervisionTimeout: 500}

type peer struct {
	db          *gatt.AttributeDatabase
	link        l2cap.LinkParameters
	discovering bool
	discSeq     uint32
	ident       uint8
}

// Radio is the simulated controller.
type Radio struct {
	mu  sync.Mutex
	cfg *Config
	rng *rand.Rand
	out chan radio.Completion

	peers map[radio.Address]*peer
	calls []Call

	advertising bool
	advMin      float64
	advMax      float64
	advData     advertising.Payload
	advFail     bool
	scanning    bool
	scanParams  radio.ScanParams
	scanFail    bool
	stalls      int
	failNext    error
	dropped     int
	scanLimiter *rate.Limiter
}

func New(cfg *Config) *Radio {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var rng *rand.Rand
	if cfg.Deterministic {
		rng = rand.New(rand.NewSource(cfg.Seed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	perSecond := cfg.ScanReportsPerSecond
	if perSecond <= 0 {
		perSecond = 50
	}
	burst := cfg.ScanBurst
	if burst < 1 {
		burst = 1
	}

	return &Radio{
		cfg:         cfg,
		rng:         rng,
		out:         make(chan radio.Completion, completionQueueSize),
		peers:       make(map[radio.Address]*peer),
		scanLimiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

var _ radio.Driver = (*Radio)(nil)

func (r *Radio) Completions() <-chan radio.Completion {
	return r.out
}

// emit never blocks; the core may be holding its lock while calling us.
func (r *Radio) emit(c radio.Completion) {
	select {
	case r.out <- c:
	default:
		r.dropped++
		logger.Warn("sim", "completion queue full, dropped %T", c)
	}
}

func (r *Radio) record(c Call) {
	r.calls = append(r.calls, c)
}

// Calls returns every recorded command, optionally filtered by op.
func (r *Radio) Calls(op ...string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(op) == 0 {
		return append([]Call(nil), r.calls...)
	}
	var out []Call
	for _, c := range r.calls {
		for _, o := range op {
			if c.Op == o {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func (r *Radio) ResetCalls() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// Dropped counts completions lost to a full queue.
func (r *Radio) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Controller side

func (r *Radio) AdvertEnable(minMs, maxMs float64, scanResponse bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Op: OpAdvertEnable, MinMs: minMs, MaxMs: maxMs, ScanResponse: scanResponse})
	if r.advFail {
		return false
	}
	r.advertising = true
	r.advMin, r.advMax = minMs, maxMs
	return true
}

func (r *Radio) AdvertDisable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Op: OpAdvertDisable})
	r.advertising = false
}

func (r *Radio) AdvertSetData(p advertising.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Op: OpAdvertSetData})
	r.advData = advertising.Payload{
		Adv:      append([]byte(nil), p.Adv...),
		ScanResp: append([]byte(nil), p.ScanResp...),
	}
}

func (r *Radio) StartScan(p radio.ScanParams) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Op: OpStartScan})
	if r.scanFail {
		return false
	}
	r.scanning = true
	r.scanParams = p
	return true
}

func (r *Radio) StopScan() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Op: OpStopScan})
	r.scanning = false
	return true
}

func (r *Radio) RequestParamUpdate(addr radio.Address, p l2cap.ConnectionParameters) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Op: OpParamUpdate, Addr: addr, Params: p})

	pr, ok := r.peers[addr]
	if !ok {
		return false
	}
	pr.ident++
	pkt, err := l2cap.EncodeUpdateRequest(l2cap.UpdateRequest{Identifier: pr.ident, Params: p})
	if err != nil {
		logger.Warn("sim", "refusing to send update request: %v", err)
		return false
	}
	if !r.cfg.AutoGrantParams {
		return true
	}

	// Peer side: decode, decide, answer.
	req, err := l2cap.DecodeUpdateRequest(pkt)
	link, accept := r.grant(req.Params)
	result := l2cap.ResultAccepted
	if err != nil || !accept {
		result = l2cap.ResultRejected
	}
	resp, err := l2cap.DecodeUpdateResponse(l2cap.EncodeUpdateResponse(l2cap.UpdateResponse{Identifier: req.Identifier, Result: result}))
	if err != nil || !resp.Accepted() {
		logger.Debug("sim", "%s rejected parameter update", addr)
		return true
	}

	pr.link = link
	r.emit(radio.ParamsUpdated{Addr: addr, Link: link})
	return true
}

func (r *Radio) grant(p l2cap.ConnectionParameters) (l2cap.LinkParameters, bool) {
	if r.cfg.GrantPolicy != nil {
		return r.cfg.GrantPolicy(p)
	}
	return l2cap.LinkParameters{
		Interval:           p.IntervalMax,
		SlaveLatency:       p.SlaveLatency,
		SupervisionTimeout: p.SupervisionTimeout,
	}, true
}

func (r *Radio) StartDiscovery(addr radio.Address, hr gatt.HandleRange, seq uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Op: OpStartDiscovery, Addr: addr, Range: hr})

	pr, ok := r.peers[addr]
	if !ok {
		return radio.ErrNotConnected
	}
	if pr.discovering {
		return radio.ErrBusy
	}
	pr.discovering = true
	pr.discSeq = seq

	if r.stalls > 0 {
		// Left for the caller to time out with TimeoutDiscovery.
		r.stalls--
		logger.Debug("sim", "%s discovery of %s stalled", addr, hr)
		return nil
	}
	if r.rng.Float64() < r.cfg.DiscoveryLossRate {
		logger.Debug("sim", "%s discovery of %s lost", addr, hr)
		r.emit(radio.DiscoveryTimeout{Addr: addr, Seq: seq})
		return nil
	}

	if err := r.failNext; err != nil {
		r.failNext = nil
		pr.discovering = false
		r.emit(radio.DiscoveryComplete{Addr: addr, Seq: seq, Err: err})
		return nil
	}

	r.serveDiscovery(addr, pr, hr)
	return nil
}

// serveDiscovery pages the peer's primary services through the ATT
// encoding at the configured MTU and reports each one found.
func (r *Radio) serveDiscovery(addr radio.Address, pr *peer, hr gatt.HandleRange) {
	services := pr.db.Services(hr)
	byStart := make(map[uint16]gatt.RemoteService, len(services))
	for _, s := range services {
		byStart[s.Range.Start] = s
	}

	for _, page := range gatt.PageServices(services, int(r.cfg.MTU)) {
		pdu, err := gatt.EncodeReadByGroupTypeResponse(page)
		if err != nil {
			r.finishDiscovery(addr, pr, err)
			return
		}
		entries, err := gatt.DecodeReadByGroupTypeResponse(pdu)
		if err != nil {
			r.finishDiscovery(addr, pr, err)
			return
		}
		for _, e := range entries {
			svc, ok := byStart[e.Range.Start]
			if !ok {
				continue
			}
			r.emit(radio.ServiceDiscovered{Addr: addr, Seq: pr.discSeq, Service: svc})
		}
	}
	r.finishDiscovery(addr, pr, nil)
}

func (r *Radio) finishDiscovery(addr radio.Address, pr *peer, err error) {
	pr.discovering = false
	r.emit(radio.DiscoveryComplete{Addr: addr, Seq: pr.discSeq, Err: err})
}

func (r *Radio) StopDiscovery(addr radio.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Op: OpStopDiscovery, Addr: addr})

	pr, ok := r.peers[addr]
	if !ok {
		return radio.ErrNotConnected
	}
	if !pr.discovering {
		return radio.ErrNotRunning
	}
	pr.discovering = false
	return nil
}

func (r *Radio) DiscoveryAbandoned(addr radio.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Op: OpDiscoveryAbandoned, Addr: addr})
}

func (r *Radio) WriteCCCD(addr radio.Address, handle, value uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Op: OpWriteCCCD, Addr: addr, Handle: handle, Value: value})

	pr, ok := r.peers[addr]
	if !ok {
		return radio.ErrNotConnected
	}
	return pr.db.WriteValue(handle, gatt.EncodeCCCD(value))
}

// Peer side

// Connect brings up a link to a peer serving db.
func (r *Radio) Connect(addr radio.Address, db *gatt.AttributeDatabase, opts ConnectOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()

	link := opts.Link
	if link == (l2cap.LinkParameters{}) {
		link = DefaultLink
	}
	if db == nil {
		db = gatt.NewAttributeDatabase()
	}
	r.peers[addr] = &peer{db: db, link: link}
	if !opts.LocalIsMaster {
		// Controllers stop advertising once a central connects.
		r.advertising = false
	}
	r.emit(radio.Connected{
		Addr:                addr,
		AddrType:            opts.AddrType,
		LocalIsMaster:       opts.LocalIsMaster,
		Link:                link,
		IRK:                 append([]byte(nil), opts.IRK...),
		Name:                opts.Name,
		RemoteManagesParams: opts.RemoteManagesParams,
	})
	r.emit(radio.MTUChanged{Addr: addr, MTU: r.cfg.MTU})
}

func (r *Radio) Disconnect(addr radio.Address, reason uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[addr]; !ok {
		return
	}
	delete(r.peers, addr)
	r.emit(radio.Disconnected{Addr: addr, Reason: reason})
}

// UpdateLink applies link parameters chosen by the peer.
func (r *Radio) UpdateLink(addr radio.Address, link l2cap.LinkParameters) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pr, ok := r.peers[addr]
	if !ok {
		return
	}
	pr.link = link
	r.emit(radio.ParamsUpdated{Addr: addr, Link: link})
}

// ChangeDatabase swaps the peer's database and indicates the affected range.
func (r *Radio) ChangeDatabase(addr radio.Address, db *gatt.AttributeDatabase, changed gatt.HandleRange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pr, ok := r.peers[addr]
	if !ok {
		return
	}
	pr.db = db
	r.emit(radio.ServiceChanged{Addr: addr, Range: changed})
}

// Encrypt reports a completed encryption change.
func (r *Radio) Encrypt(addr radio.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[addr]; ok {
		r.emit(radio.EncryptionChanged{Addr: addr, Encrypted: true})
	}
}

// StallDiscoveries makes the next n discoveries hang without reporting
// anything.
func (r *Radio) StallDiscoveries(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stalls = n
}

// FailNextDiscovery makes the next discovery complete with err.
func (r *Radio) FailNextDiscovery(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = err
}

// TimeoutDiscovery fires the discovery timeout for the most recent
// discovery on addr.
func (r *Radio) TimeoutDiscovery(addr radio.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var seq uint32
	if pr, ok := r.peers[addr]; ok {
		seq = pr.discSeq
	}
	r.emit(radio.DiscoveryTimeout{Addr: addr, Seq: seq})
}

func (r *Radio) SetAdvertFailure(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advFail = fail
}

func (r *Radio) SetScanFailure(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanFail = fail
}

func (r *Radio) Advertising() (on bool, minMs, maxMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advertising, r.advMin, r.advMax
}

func (r *Radio) AdvertData() advertising.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advData
}

func (r *Radio) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanning
}

func (r *Radio) ScanParams() radio.ScanParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanParams
}

func (r *Radio) Link(addr radio.Address) (l2cap.LinkParameters, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pr, ok := r.peers[addr]
	if !ok {
		return l2cap.LinkParameters{}, false
	}
	return pr.link, true
}

// Report delivers one advertising report if a scan is running.
func (r *Radio) Report(rep radio.ScanReport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.scanning {
		return false
	}
	r.emit(rep)
	return true
}

// FeedScan delivers reports at the configured rate until done or ctx ends.
func (r *Radio) FeedScan(ctx context.Context, reports []radio.ScanReport) error {
	for _, rep := range reports {
		if err := r.scanLimiter.Wait(ctx); err != nil {
			return err
		}
		r.Report(rep)
	}
	return nil
}

// Beacon builds the report a nearby advertiser would produce at the
// given distance in meters.
func (r *Radio) Beacon(addr radio.Address, name string, distance float64) (radio.ScanReport, error) {
	p, err := advertising.NewBuilder().
		Add(advertising.FlagsField(advertising.FlagGeneralDiscoverable | advertising.FlagBREDRNotSupported)).
		Add(advertising.NameField(name)).
		Build()
	if err != nil {
		return radio.ScanReport{}, err
	}

	r.mu.Lock()
	rssi := r.generateRSSI(distance)
	r.mu.Unlock()

	return radio.ScanReport{
		Addr:     addr,
		AddrType: radio.AddressRandom,
		RSSI:     int8(rssi),
		Adv:      p.Adv,
		ScanResp: p.ScanResp,
	}, nil
}

// generateRSSI applies free space path loss plus random variance,
// clamped to -100..-20 dBm.
func (r *Radio) generateRSSI(distance float64) int {
	if distance < 1 {
		distance = 1
	}
	rssi := float64(r.cfg.BaseRSSI) - 20*math.Log10(distance)
	if r.cfg.RSSIVariance > 0 {
		rssi += float64(r.rng.Intn(r.cfg.RSSIVariance*2) - r.cfg.RSSIVariance)
	}

	if rssi < -100 {
		rssi = -100
	} else if rssi > -20 {
		rssi = -20
	}
	return int(rssi)
}
