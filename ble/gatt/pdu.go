package gatt

import (
	"encoding/binary"
	"fmt"
)

// ServiceEntry is one row of a Read By Group Type response.
type ServiceEntry struct {
	Range HandleRange
	UUID  []byte
}

// EncodeReadByGroupTypeResponse packs entries as [len][start][end][uuid]...
// All entries must carry UUIDs of the same width.
func EncodeReadByGroupTypeResponse(entries []ServiceEntry) ([]byte, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("gatt: no services to encode")
	}
	width := len(entries[0].UUID)
	if width != 2 && width != 16 {
		return nil, fmt.Errorf("gatt: invalid UUID length %d", width)
	}

	size := 4 + width
	buf := make([]byte, 1, 1+len(entries)*size)
	buf[0] = byte(size)
	for _, e := range entries {
		if len(e.UUID) != width {
			return nil, fmt.Errorf("gatt: mixed UUID widths in service list")
		}
		buf = binary.LittleEndian.AppendUint16(buf, e.Range.Start)
		buf = binary.LittleEndian.AppendUint16(buf, e.Range.End)
		buf = append(buf, e.UUID...)
	}
	return buf, nil
}

func DecodeReadByGroupTypeResponse(data []byte) ([]ServiceEntry, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("gatt: read by group type response too short")
	}
	size := int(data[0])
	if size != 6 && size != 20 {
		return nil, fmt.Errorf("gatt: invalid attribute data length %d", size)
	}

	data = data[1:]
	if len(data)%size != 0 {
		return nil, fmt.Errorf("gatt: %d trailing bytes in service list", len(data)%size)
	}

	entries := make([]ServiceEntry, 0, len(data)/size)
	for ; len(data) >= size; data = data[size:] {
		entries = append(entries, ServiceEntry{
			Range: HandleRange{
				Start: binary.LittleEndian.Uint16(data[0:2]),
				End:   binary.LittleEndian.Uint16(data[2:4]),
			},
			UUID: append([]byte{}, data[4:size]...),
		})
	}
	return entries, nil
}

// PageServices splits services into Read By Group Type pages the way a
// server would: each page holds entries of a single UUID width and fits mtu.
func PageServices(services []RemoteService, mtu int) [][]ServiceEntry {
	var pages [][]ServiceEntry
	var page []ServiceEntry
	used := 2 // opcode + length byte
	for _, s := range services {
		size := 4 + len(s.UUID)
		if len(page) > 0 && (len(page[0].UUID) != len(s.UUID) || used+size > mtu) {
			pages = append(pages, page)
			page, used = nil, 2
		}
		page = append(page, ServiceEntry{Range: s.Range, UUID: s.UUID})
		used += size
	}
	if len(page) > 0 {
		pages = append(pages, page)
	}
	return pages
}
