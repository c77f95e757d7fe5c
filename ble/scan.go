package ble

import (
	"fmt"

	"github.com/user/blecore/analytics"
	"github.com/user/blecore/ble/advertising"
	"github.com/user/blecore/ble/ring"
	"github.com/user/blecore/event"
	"github.com/user/blecore/logger"
	"github.com/user/blecore/radio"
)

// Scan records are stored back to back as
// [addr:6][addr type:1][rssi:1][adv len:1][scan resp len:1][adv][scan resp].
const (
	ScanRecordHeaderSize = 10
	MaxScanRecordSize    = ScanRecordHeaderSize + 2*advertising.MaxDataLen
)

// ScanRecord is one decoded advertising report.
type ScanRecord struct {
	Addr     radio.Address
	AddrType radio.AddressType
	RSSI     int8
	Adv      []byte
	ScanResp []byte
}

type scanner struct {
	active  bool
	mem     []byte
	buf     *ring.Buffer
	dropped int
}

// StartScan starts an LE scan and allocates the report buffer. Starting
// an active scan again is a no-op.
func (c *Core) StartScan() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.reg.initialized {
		return ErrNotInitialized
	}
	s := &c.scan
	if s.active {
		return nil
	}

	params := radio.ScanParams{
		Active:           true,
		FilterDuplicates: true,
		IntervalMs:       c.cfg.Scan.IntervalMs,
		WindowMs:         c.cfg.Scan.WindowMs,
	}
	if !c.drv.StartScan(params) {
		return ErrScanFailed
	}

	mem, err := c.alloc.Alloc(c.cfg.Scan.BufferReports * MaxScanRecordSize)
	if err != nil {
		c.drv.StopScan()
		return fmt.Errorf("ble: scan buffer: %w", err)
	}
	s.mem = mem
	s.buf = ring.New(mem)
	s.dropped = 0
	s.active = true
	logger.Debug("ble", "scan started (%d byte buffer)", len(mem))
	return nil
}

// StopScan stops the scan and discards any unread reports.
func (c *Core) StopScan() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopScan()
}

func (c *Core) stopScan() error {
	s := &c.scan
	if !s.active {
		return nil
	}
	ok := c.drv.StopScan()

	c.alloc.Free(s.mem)
	s.mem = nil
	s.buf = nil
	s.active = false
	if s.dropped > 0 {
		logger.Info("ble", "scan stopped, %d reports dropped", s.dropped)
	}
	if !ok {
		return ErrScanFailed
	}
	return nil
}

// IsScanning reports whether a scan is running.
func (c *Core) IsScanning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scan.active
}

func (c *Core) handleScanReport(m radio.ScanReport) {
	s := &c.scan
	if !s.active || s.buf == nil {
		return
	}
	if len(m.Adv) > advertising.MaxDataLen || len(m.ScanResp) > advertising.MaxDataLen {
		logger.Warn("ble", "oversized report from %s ignored", m.Addr)
		return
	}

	var hdr [ScanRecordHeaderSize]byte
	copy(hdr[:6], m.Addr[:])
	hdr[6] = byte(m.AddrType)
	hdr[7] = byte(m.RSSI)
	hdr[8] = byte(len(m.Adv))
	hdr[9] = byte(len(m.ScanResp))

	if !s.buf.Write(hdr[:], m.Adv, m.ScanResp) {
		s.dropped++
		c.stats.Inc(analytics.ScanDropped)
		logger.Trace("ble", "scan buffer full, dropped report from %s", m.Addr)
		return
	}
	c.publish(nil, event.ScanDataReady, event.StatusOK, nil)
}

// ConsumeScanResults moves whole records into buf and returns the bytes
// written and whether records remain. A record that does not fit stays
// buffered.
func (c *Core) ConsumeScanResults(buf []byte) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &c.scan
	if s.buf == nil {
		return 0, false
	}

	n := 0
	var hdr [ScanRecordHeaderSize]byte
	for s.buf.Len() >= ScanRecordHeaderSize {
		s.buf.Peek(hdr[:])
		size := ScanRecordHeaderSize + int(hdr[8]) + int(hdr[9])
		if n+size > len(buf) {
			break
		}
		s.buf.Read(buf[n : n+size])
		n += size
	}
	return n, s.buf.Len() > 0
}

// ScanDropped returns how many reports the current scan lost to a full buffer.
func (c *Core) ScanDropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scan.dropped
}

// ParseScanRecords decodes the output of ConsumeScanResults.
func ParseScanRecords(data []byte) ([]ScanRecord, error) {
	var out []ScanRecord
	for len(data) > 0 {
		if len(data) < ScanRecordHeaderSize {
			return out, fmt.Errorf("ble: truncated scan record header (%d bytes)", len(data))
		}
		advLen, respLen := int(data[8]), int(data[9])
		size := ScanRecordHeaderSize + advLen + respLen
		if len(data) < size {
			return out, fmt.Errorf("ble: truncated scan record (%d of %d bytes)", len(data), size)
		}

		var rec ScanRecord
		copy(rec.Addr[:], data[:6])
		rec.AddrType = radio.AddressType(data[6])
		rec.RSSI = int8(data[7])
		body := data[ScanRecordHeaderSize:size]
		rec.Adv = append([]byte(nil), body[:advLen]...)
		rec.ScanResp = append([]byte(nil), body[advLen:]...)
		out = append(out, rec)
		data = data[size:]
	}
	return out, nil
}
