// Package advertising builds and parses the AD structures carried in
// advertising and scan response packets.
package advertising

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// AD types
const (
	TypeFlags                  = 0x01
	TypeIncompleteUUID16       = 0x02
	TypeCompleteUUID16         = 0x03
	TypeIncompleteUUID128      = 0x06
	TypeCompleteUUID128        = 0x07
	TypeShortLocalName         = 0x08
	TypeCompleteLocalName      = 0x09
	TypeTxPower                = 0x0A
	TypeSlaveConnIntervalRange = 0x12
	TypeServiceData16          = 0x16
	TypeAppearance             = 0x19
	TypeManufacturerData       = 0xFF
)

// Flags values
const (
	FlagLimitedDiscoverable = 0x01
	FlagGeneralDiscoverable = 0x02
	FlagBREDRNotSupported   = 0x04
)

// MaxDataLen is the legacy advertising payload limit for both the
// advertising packet and the scan response.
const MaxDataLen = 31

var ErrTooLong = errors.New("advertising: payload exceeds 31 bytes")

// Field is one length-type-value AD structure.
type Field struct {
	Type byte
	Data []byte
}

func (f Field) size() int {
	return 2 + len(f.Data)
}

// Payload is the pair of buffers pushed to the controller for one advertisement.
type Payload struct {
	Adv      []byte
	ScanResp []byte
}

// Validate checks both halves against MaxDataLen.
func (p Payload) Validate() error {
	if len(p.Adv) > MaxDataLen {
		return fmt.Errorf("%w: advertising data is %d bytes", ErrTooLong, len(p.Adv))
	}
	if len(p.ScanResp) > MaxDataLen {
		return fmt.Errorf("%w: scan response is %d bytes", ErrTooLong, len(p.ScanResp))
	}
	return nil
}

// HasScanResponse reports whether a scan response is attached.
func (p Payload) HasScanResponse() bool {
	return len(p.ScanResp) > 0
}

// Len is the combined size of both buffers.
func (p Payload) Len() int {
	return len(p.Adv) + len(p.ScanResp)
}

// Encode concatenates fields. It fails when the result will not fit a packet.
func Encode(fields ...Field) ([]byte, error) {
	var buf []byte
	for _, f := range fields {
		if len(f.Data) > 254 {
			return nil, fmt.Errorf("advertising: field 0x%02X too long: %d bytes", f.Type, len(f.Data))
		}
		buf = append(buf, byte(1+len(f.Data)), f.Type)
		buf = append(buf, f.Data...)
	}
	if len(buf) > MaxDataLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLong, len(buf))
	}
	return buf, nil
}

// Decode splits data into fields, stopping at zero-length padding.
func Decode(data []byte) ([]Field, error) {
	var fields []Field
	for off := 0; off < len(data); {
		n := int(data[off])
		if n == 0 {
			break
		}
		off++
		if off+n > len(data) {
			return nil, fmt.Errorf("advertising: field length %d exceeds remaining %d bytes", n, len(data)-off)
		}
		fields = append(fields, Field{
			Type: data[off],
			Data: append([]byte{}, data[off+1:off+n]...),
		})
		off += n
	}
	return fields, nil
}

func FlagsField(flags byte) Field {
	return Field{Type: TypeFlags, Data: []byte{flags}}
}

func NameField(name string) Field {
	return Field{Type: TypeCompleteLocalName, Data: []byte(name)}
}

func UUID16Field(uuids ...uint16) Field {
	data := make([]byte, 0, 2*len(uuids))
	for _, u := range uuids {
		data = binary.LittleEndian.AppendUint16(data, u)
	}
	return Field{Type: TypeCompleteUUID16, Data: data}
}

func TxPowerField(dbm int8) Field {
	return Field{Type: TypeTxPower, Data: []byte{byte(dbm)}}
}

func ManufacturerField(company uint16, data []byte) Field {
	out := binary.LittleEndian.AppendUint16(make([]byte, 0, 2+len(data)), company)
	return Field{Type: TypeManufacturerData, Data: append(out, data...)}
}

// Builder fills the advertising packet first and spills fields that do
// not fit into the scan response, preserving order within each half.
type Builder struct {
	adv, scan []Field
	advLen    int
	scanLen   int
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) Add(f Field) *Builder {
	switch {
	case b.advLen+f.size() <= MaxDataLen && len(b.scan) == 0:
		b.adv = append(b.adv, f)
		b.advLen += f.size()
	default:
		b.scan = append(b.scan, f)
		b.scanLen += f.size()
	}
	return b
}

// Build encodes both halves. A field that fits neither half is an error.
func (b *Builder) Build() (Payload, error) {
	adv, err := Encode(b.adv...)
	if err != nil {
		return Payload{}, err
	}
	scan, err := Encode(b.scan...)
	if err != nil {
		return Payload{}, fmt.Errorf("scan response: %w", err)
	}
	return Payload{Adv: adv, ScanResp: scan}, nil
}

// LocalName returns the complete or shortened name, if any.
func LocalName(fields []Field) string {
	for _, f := range fields {
		if f.Type == TypeCompleteLocalName || f.Type == TypeShortLocalName {
			return string(f.Data)
		}
	}
	return ""
}

// ServiceUUID16s collects every 16-bit service UUID advertised.
func ServiceUUID16s(fields []Field) []uint16 {
	var out []uint16
	for _, f := range fields {
		if (f.Type == TypeCompleteUUID16 || f.Type == TypeIncompleteUUID16) && len(f.Data)%2 == 0 {
			for i := 0; i < len(f.Data); i += 2 {
				out = append(out, binary.LittleEndian.Uint16(f.Data[i:]))
			}
		}
	}
	return out
}

func ManufacturerData(fields []Field) (company uint16, data []byte, ok bool) {
	for _, f := range fields {
		if f.Type == TypeManufacturerData && len(f.Data) >= 2 {
			return binary.LittleEndian.Uint16(f.Data), f.Data[2:], true
		}
	}
	return 0, nil, false
}
