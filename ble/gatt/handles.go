package gatt

import (
	"bytes"
	"fmt"
)

// Well-known attribute types (16-bit, little-endian)
var (
	UUIDPrimaryService   = []byte{0x00, 0x28}
	UUIDSecondaryService = []byte{0x01, 0x28}
	UUIDCharacteristic   = []byte{0x03, 0x28}
	UUIDCCCD             = []byte{0x02, 0x29}
	UUIDServiceChanged   = []byte{0x05, 0x2A}
)

// Characteristic properties
const (
	PropBroadcast            = 0x01
	PropRead                 = 0x02
	PropWriteWithoutResponse = 0x04
	PropWrite                = 0x08
	PropNotify               = 0x10
	PropIndicate             = 0x20
)

// Handle bounds of an ATT database
const (
	MinHandle uint16 = 0x0001
	MaxHandle uint16 = 0xFFFF
)

// HandleRange is an inclusive span of ATT handles.
type HandleRange struct {
	Start uint16
	End   uint16
}

// FullRange covers the entire handle space and means "discover everything".
var FullRange = HandleRange{Start: MinHandle, End: MaxHandle}

func (r HandleRange) Valid() bool {
	return r.Start >= MinHandle && r.Start <= r.End
}

func (r HandleRange) Contains(h uint16) bool {
	return h >= r.Start && h <= r.End
}

// Covers reports whether o lies entirely within r.
func (r HandleRange) Covers(o HandleRange) bool {
	return r.Contains(o.Start) && r.Contains(o.End)
}

func (r HandleRange) Overlaps(o HandleRange) bool {
	return r.Start <= o.End && o.Start <= r.End
}

func (r HandleRange) String() string {
	return fmt.Sprintf("0x%04X-0x%04X", r.Start, r.End)
}

// UUID16 encodes a 16-bit UUID little-endian.
func UUID16(v uint16) []byte {
	return []byte{byte(v), byte(v >> 8)}
}

// UUID128 expands a 16-bit UUID against the Bluetooth base UUID
// 00000000-0000-1000-8000-00805F9B34FB, little-endian.
func UUID128(short uint16) []byte {
	return []byte{
		0xFB, 0x34, 0x9B, 0x5F, 0x80, 0x00, 0x00, 0x80,
		0x00, 0x10, 0x00, 0x00, byte(short), byte(short >> 8), 0x00, 0x00,
	}
}

func sameUUID(a, b []byte) bool {
	return bytes.Equal(a, b)
}
