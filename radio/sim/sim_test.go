package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/blecore/ble/advertising"
	"github.com/user/blecore/ble/att"
	"github.com/user/blecore/ble/gatt"
	"github.com/user/blecore/ble/l2cap"
	"github.com/user/blecore/radio"
)

var peerAddr = radio.MustParseAddress("AA:BB:CC:DD:EE:01")

func drain(r *Radio) []radio.Completion {
	var out []radio.Completion
	for {
		select {
		case c := <-r.Completions():
			out = append(out, c)
		default:
			return out
		}
	}
}

func heartRateDB() *gatt.AttributeDatabase {
	return gatt.Build(
		gatt.Service{UUID: gatt.UUID16(0x1800), Characteristics: []gatt.Characteristic{
			{UUID: gatt.UUID16(0x2A00), Properties: gatt.PropRead, Value: []byte("sim")},
		}},
		gatt.Service{UUID: gatt.UUID16(0x180D), Characteristics: []gatt.Characteristic{
			{UUID: gatt.UUID16(0x2A37), Properties: gatt.PropNotify},
		}},
	)
}

func TestConnectEmitsConnectedAndMTU(t *testing.T) {
	r := New(PerfectConfig())
	r.Connect(peerAddr, heartRateDB(), ConnectOptions{Name: "hr"})

	got := drain(r)
	require.Len(t, got, 2)
	conn, ok := got[0].(radio.Connected)
	require.True(t, ok)
	assert.Equal(t, peerAddr, conn.Addr)
	assert.Equal(t, DefaultLink, conn.Link)
	assert.Equal(t, "hr", conn.Name)
	assert.Equal(t, radio.MTUChanged{Addr: peerAddr, MTU: 185}, got[1])

	r.Disconnect(peerAddr, 0x13)
	assert.Equal(t, []radio.Completion{radio.Disconnected{Addr: peerAddr, Reason: 0x13}}, drain(r))

	r.Disconnect(peerAddr, 0x13)
	assert.Empty(t, drain(r))
}

func TestParamUpdateAutoGrant(t *testing.T) {
	r := New(PerfectConfig())
	r.Connect(peerAddr, nil, ConnectOptions{})
	drain(r)

	require.True(t, r.RequestParamUpdate(peerAddr, l2cap.Balanced()))
	want := l2cap.LinkParameters{Interval: 40, SlaveLatency: 0, SupervisionTimeout: 600}
	assert.Equal(t, []radio.Completion{radio.ParamsUpdated{Addr: peerAddr, Link: want}}, drain(r))

	link, ok := r.Link(peerAddr)
	require.True(t, ok)
	assert.Equal(t, want, link)
	assert.Len(t, r.Calls(OpParamUpdate), 1)
}

func TestParamUpdateRejectedOrManual(t *testing.T) {
	t.Run("policy rejects", func(t *testing.T) {
		cfg := PerfectConfig()
		cfg.GrantPolicy = func(l2cap.ConnectionParameters) (l2cap.LinkParameters, bool) {
			return l2cap.LinkParameters{}, false
		}
		r := New(cfg)
		r.Connect(peerAddr, nil, ConnectOptions{})
		drain(r)

		assert.True(t, r.RequestParamUpdate(peerAddr, l2cap.MaxThroughput()))
		assert.Empty(t, drain(r))
	})

	t.Run("manual grant", func(t *testing.T) {
		cfg := PerfectConfig()
		cfg.AutoGrantParams = false
		r := New(cfg)
		r.Connect(peerAddr, nil, ConnectOptions{})
		drain(r)

		assert.True(t, r.RequestParamUpdate(peerAddr, l2cap.MaxThroughput()))
		assert.Empty(t, drain(r))

		link := l2cap.LinkParameters{Interval: 9, SupervisionTimeout: 500}
		r.UpdateLink(peerAddr, link)
		assert.Equal(t, []radio.Completion{radio.ParamsUpdated{Addr: peerAddr, Link: link}}, drain(r))
	})

	t.Run("unknown peer", func(t *testing.T) {
		r := New(PerfectConfig())
		assert.False(t, r.RequestParamUpdate(peerAddr, l2cap.Balanced()))
	})

	t.Run("invalid params", func(t *testing.T) {
		r := New(PerfectConfig())
		r.Connect(peerAddr, nil, ConnectOptions{})
		assert.False(t, r.RequestParamUpdate(peerAddr, l2cap.ConnectionParameters{IntervalMin: 1}))
	})
}

func TestDiscoveryServesDatabase(t *testing.T) {
	cfg := PerfectConfig()
	cfg.MTU = 23
	r := New(cfg)
	db := heartRateDB()
	r.Connect(peerAddr, db, ConnectOptions{})
	drain(r)

	require.NoError(t, r.StartDiscovery(peerAddr, gatt.FullRange, 7))
	got := drain(r)
	require.Len(t, got, 3)

	first := got[0].(radio.ServiceDiscovered)
	second := got[1].(radio.ServiceDiscovered)
	assert.Equal(t, gatt.UUID16(0x1800), first.Service.UUID)
	assert.Equal(t, gatt.UUID16(0x180D), second.Service.UUID)
	assert.Equal(t, uint32(7), first.Seq)
	_, hasCCCD := second.Service.Characteristics[0].CCCD()
	assert.True(t, hasCCCD)
	assert.Equal(t, radio.DiscoveryComplete{Addr: peerAddr, Seq: 7}, got[2])

	assert.ErrorIs(t, r.StopDiscovery(peerAddr), radio.ErrNotRunning)
}

func TestDiscoveryStallAndFailure(t *testing.T) {
	r := New(PerfectConfig())
	r.Connect(peerAddr, heartRateDB(), ConnectOptions{})
	drain(r)

	r.StallDiscoveries(1)
	require.NoError(t, r.StartDiscovery(peerAddr, gatt.FullRange, 1))
	assert.Empty(t, drain(r))
	r.TimeoutDiscovery(peerAddr)
	assert.Equal(t, []radio.Completion{radio.DiscoveryTimeout{Addr: peerAddr, Seq: 1}}, drain(r))
	assert.ErrorIs(t, r.StartDiscovery(peerAddr, gatt.FullRange, 2), radio.ErrBusy)
	require.NoError(t, r.StopDiscovery(peerAddr))

	changed := att.NewError(att.ErrDatabaseOutOfSync, att.OpReadByGroupTypeRequest, 0x0001)
	r.FailNextDiscovery(changed)
	require.NoError(t, r.StartDiscovery(peerAddr, gatt.FullRange, 3))
	got := drain(r)
	require.Len(t, got, 1)
	done := got[0].(radio.DiscoveryComplete)
	assert.True(t, att.IsDatabaseChanged(done.Err))
	assert.Equal(t, uint32(3), done.Seq)

	assert.ErrorIs(t, r.StartDiscovery(radio.Address{1}, gatt.FullRange, 4), radio.ErrNotConnected)
}

func TestDiscoveryLossTimesOut(t *testing.T) {
	cfg := PerfectConfig()
	cfg.DiscoveryLossRate = 1
	r := New(cfg)
	r.Connect(peerAddr, heartRateDB(), ConnectOptions{})
	drain(r)

	require.NoError(t, r.StartDiscovery(peerAddr, gatt.FullRange, 5))
	assert.Equal(t, []radio.Completion{radio.DiscoveryTimeout{Addr: peerAddr, Seq: 5}}, drain(r))
}

func TestWriteCCCDUpdatesPeer(t *testing.T) {
	r := New(PerfectConfig())
	db := heartRateDB()
	r.Connect(peerAddr, db, ConnectOptions{})

	svc := db.Services(gatt.FullRange)[1]
	cccd, ok := svc.Characteristics[0].CCCD()
	require.True(t, ok)

	require.NoError(t, r.WriteCCCD(peerAddr, cccd, gatt.CCCDNotifications))
	attr, err := db.Attribute(cccd)
	require.NoError(t, err)
	v, err := gatt.DecodeCCCD(attr.Value)
	require.NoError(t, err)
	assert.Equal(t, gatt.CCCDNotifications, v)
}

func TestChangeDatabaseIndicates(t *testing.T) {
	r := New(PerfectConfig())
	r.Connect(peerAddr, heartRateDB(), ConnectOptions{})
	drain(r)

	changed := gatt.HandleRange{Start: 0x0004, End: 0x0007}
	r.ChangeDatabase(peerAddr, gatt.NewAttributeDatabase(), changed)
	assert.Equal(t, []radio.Completion{radio.ServiceChanged{Addr: peerAddr, Range: changed}}, drain(r))
}

func TestAdvertisingState(t *testing.T) {
	r := New(PerfectConfig())
	r.AdvertSetData(advertising.Payload{Adv: []byte{0x02, 0x01, 0x06}})
	require.True(t, r.AdvertEnable(20, 30, false))

	on, minMs, maxMs := r.Advertising()
	assert.True(t, on)
	assert.Equal(t, 20.0, minMs)
	assert.Equal(t, 30.0, maxMs)
	assert.Equal(t, []byte{0x02, 0x01, 0x06}, r.AdvertData().Adv)

	// a central connecting stops advertising
	r.Connect(peerAddr, nil, ConnectOptions{LocalIsMaster: false})
	on, _, _ = r.Advertising()
	assert.False(t, on)

	r.SetAdvertFailure(true)
	assert.False(t, r.AdvertEnable(20, 30, false))
}

func TestScanFeed(t *testing.T) {
	cfg := PerfectConfig()
	cfg.ScanReportsPerSecond = 1000
	cfg.ScanBurst = 10
	r := New(cfg)

	rep, err := r.Beacon(peerAddr, "tag", 2)
	require.NoError(t, err)
	assert.False(t, r.Report(rep), "not scanning yet")

	require.True(t, r.StartScan(radio.ScanParams{Active: true, IntervalMs: 100, WindowMs: 50}))
	assert.True(t, r.ScanParams().Active)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.FeedScan(ctx, []radio.ScanReport{rep, rep, rep}))
	assert.Len(t, drain(r), 3)

	fields, err := advertising.Decode(rep.Adv)
	require.NoError(t, err)
	assert.Equal(t, "tag", advertising.LocalName(fields))
	assert.LessOrEqual(t, rep.RSSI, int8(-20))
	assert.GreaterOrEqual(t, rep.RSSI, int8(-100))

	r.SetScanFailure(true)
	r.StopScan()
	assert.False(t, r.StartScan(radio.ScanParams{}))
}
