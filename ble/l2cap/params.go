package l2cap

import (
	"encoding/binary"
	"fmt"
)

// LE signalling command codes for connection parameter updates
const (
	CodeConnParamUpdateRequest  = 0x12
	CodeConnParamUpdateResponse = 0x13
)

// Connection parameter update result codes
const (
	ResultAccepted uint16 = 0x0000
	ResultRejected uint16 = 0x0001
)

// Unit sizes used by the link layer
const (
	IntervalUnitMs = 1.25
	TimeoutUnitMs  = 10
)

// ConnectionParameters is a requested range of link timing.
// Intervals are in 1.25ms units, the supervision timeout in 10ms units.
type ConnectionParameters struct {
	IntervalMin        uint16 `yaml:"interval_min"`
	IntervalMax        uint16 `yaml:"interval_max"`
	SlaveLatency       uint16 `yaml:"slave_latency"`
	SupervisionTimeout uint16 `yaml:"supervision_timeout"`
}

// LinkParameters are the timings actually in effect on a link,
// as reported by the controller after an update completes.
type LinkParameters struct {
	Interval           uint16
	SlaveLatency       uint16
	SupervisionTimeout uint16
}

// MinPower is the low-power parameter set used when nobody needs the link.
func MinPower() ConnectionParameters {
	return ConnectionParameters{
		IntervalMin:        80,  // 100ms
		IntervalMax:        160, // 200ms
		SlaveLatency:       4,
		SupervisionTimeout: 600,
	}
}

// Balanced is the middle parameter set.
func Balanced() ConnectionParameters {
	return ConnectionParameters{
		IntervalMin:        24, // 30ms
		IntervalMax:        40, // 50ms
		SlaveLatency:       0,
		SupervisionTimeout: 600,
	}
}

// MaxThroughput asks for the fastest interval the controller allows.
func MaxThroughput() ConnectionParameters {
	return ConnectionParameters{
		IntervalMin:        6,  // 7.5ms
		IntervalMax:        12, // 15ms
		SlaveLatency:       0,
		SupervisionTimeout: 500,
	}
}

// Validate checks the parameters against the ranges allowed by the core specification.
func (p ConnectionParameters) Validate() error {
	if p.IntervalMin < 6 || p.IntervalMin > 3200 {
		return fmt.Errorf("l2cap: interval min out of range (6-3200): %d", p.IntervalMin)
	}
	if p.IntervalMax < 6 || p.IntervalMax > 3200 {
		return fmt.Errorf("l2cap: interval max out of range (6-3200): %d", p.IntervalMax)
	}
	if p.IntervalMax < p.IntervalMin {
		return fmt.Errorf("l2cap: interval max (%d) below interval min (%d)", p.IntervalMax, p.IntervalMin)
	}
	if p.SlaveLatency > 499 {
		return fmt.Errorf("l2cap: slave latency out of range (0-499): %d", p.SlaveLatency)
	}
	if p.SupervisionTimeout < 10 || p.SupervisionTimeout > 3200 {
		return fmt.Errorf("l2cap: supervision timeout out of range (10-3200): %d", p.SupervisionTimeout)
	}

	// timeout*10ms > (1+latency) * intervalMax*1.25ms * 2
	floor := (1 + uint32(p.SlaveLatency)) * uint32(p.IntervalMax) / 4
	if uint32(p.SupervisionTimeout) <= floor {
		return fmt.Errorf("l2cap: supervision timeout %d too short for latency %d at interval %d",
			p.SupervisionTimeout, p.SlaveLatency, p.IntervalMax)
	}
	return nil
}

func (p ConnectionParameters) IntervalMinMs() float64 {
	return float64(p.IntervalMin) * IntervalUnitMs
}

func (p ConnectionParameters) IntervalMaxMs() float64 {
	return float64(p.IntervalMax) * IntervalUnitMs
}

func (p ConnectionParameters) SupervisionTimeoutMs() uint32 {
	return uint32(p.SupervisionTimeout) * TimeoutUnitMs
}

// Contains reports whether the link interval falls inside the requested range.
func (p ConnectionParameters) Contains(interval uint16) bool {
	return interval >= p.IntervalMin && interval <= p.IntervalMax
}

// IntervalMs returns the link interval in milliseconds.
func (l LinkParameters) IntervalMs() float64 {
	return float64(l.Interval) * IntervalUnitMs
}

func (l LinkParameters) String() string {
	return fmt.Sprintf("interval=%.2fms latency=%d timeout=%dms",
		l.IntervalMs(), l.SlaveLatency, uint32(l.SupervisionTimeout)*TimeoutUnitMs)
}

// UpdateRequest is the peripheral's LE signalling connection parameter update request.
type UpdateRequest struct {
	Identifier uint8
	Params     ConnectionParameters
}

// UpdateResponse is the central's answer to an UpdateRequest.
type UpdateResponse struct {
	Identifier uint8
	Result     uint16
}

// Accepted reports whether the central accepted the request.
func (r UpdateResponse) Accepted() bool {
	return r.Result == ResultAccepted
}

// EncodeUpdateRequest lays out the request as
// [code][identifier][length=8][interval min][interval max][latency][timeout].
func EncodeUpdateRequest(req UpdateRequest) ([]byte, error) {
	if err := req.Params.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, 12)
	buf[0] = CodeConnParamUpdateRequest
	buf[1] = req.Identifier
	binary.LittleEndian.PutUint16(buf[2:4], 8)
	binary.LittleEndian.PutUint16(buf[4:6], req.Params.IntervalMin)
	binary.LittleEndian.PutUint16(buf[6:8], req.Params.IntervalMax)
	binary.LittleEndian.PutUint16(buf[8:10], req.Params.SlaveLatency)
	binary.LittleEndian.PutUint16(buf[10:12], req.Params.SupervisionTimeout)
	return buf, nil
}

func DecodeUpdateRequest(data []byte) (UpdateRequest, error) {
	if len(data) < 12 {
		return UpdateRequest{}, fmt.Errorf("l2cap: update request too short: %d bytes", len(data))
	}
	if data[0] != CodeConnParamUpdateRequest {
		return UpdateRequest{}, fmt.Errorf("l2cap: unexpected command code 0x%02X", data[0])
	}
	if n := binary.LittleEndian.Uint16(data[2:4]); n != 8 {
		return UpdateRequest{}, fmt.Errorf("l2cap: invalid update request length: %d", n)
	}

	params := ConnectionParameters{
		IntervalMin:        binary.LittleEndian.Uint16(data[4:6]),
		IntervalMax:        binary.LittleEndian.Uint16(data[6:8]),
		SlaveLatency:       binary.LittleEndian.Uint16(data[8:10]),
		SupervisionTimeout: binary.LittleEndian.Uint16(data[10:12]),
	}
	if err := params.Validate(); err != nil {
		return UpdateRequest{}, fmt.Errorf("l2cap: invalid connection parameters: %w", err)
	}
	return UpdateRequest{Identifier: data[1], Params: params}, nil
}

func EncodeUpdateResponse(resp UpdateResponse) []byte {
	buf := make([]byte, 6)
	buf[0] = CodeConnParamUpdateResponse
	buf[1] = resp.Identifier
	binary.LittleEndian.PutUint16(buf[2:4], 2)
	binary.LittleEndian.PutUint16(buf[4:6], resp.Result)
	return buf
}

func DecodeUpdateResponse(data []byte) (UpdateResponse, error) {
	if len(data) < 6 {
		return UpdateResponse{}, fmt.Errorf("l2cap: update response too short: %d bytes", len(data))
	}
	if data[0] != CodeConnParamUpdateResponse {
		return UpdateResponse{}, fmt.Errorf("l2cap: unexpected command code 0x%02X", data[0])
	}
	if n := binary.LittleEndian.Uint16(data[2:4]); n != 2 {
		return UpdateResponse{}, fmt.Errorf("l2cap: invalid update response length: %d", n)
	}
	return UpdateResponse{
		Identifier: data[1],
		Result:     binary.LittleEndian.Uint16(data[4:6]),
	}, nil
}
