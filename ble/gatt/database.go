package gatt

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Attribute is a single row of an ATT database.
type Attribute struct {
	Handle uint16
	Type   []byte
	Value  []byte
}

// Service, Characteristic and Descriptor describe a GATT server layout
// that Build turns into an AttributeDatabase.
type Service struct {
	UUID            []byte
	Characteristics []Characteristic
}

type Characteristic struct {
	UUID        []byte
	Properties  uint8
	Value       []byte
	Descriptors []Descriptor
}

type Descriptor struct {
	UUID  []byte
	Value []byte
}

// AttributeDatabase is a remote device's attribute table, as served
// by a peer during discovery. Handles are assigned densely from 0x0001.
type AttributeDatabase struct {
	mu    sync.RWMutex
	attrs []Attribute
}

func NewAttributeDatabase() *AttributeDatabase {
	return &AttributeDatabase{}
}

// Build lays out services in order. Characteristics that notify or
// indicate get a CCCD appended after their explicit descriptors.
func Build(services ...Service) *AttributeDatabase {
	db := NewAttributeDatabase()
	for _, svc := range services {
		db.AddService(svc)
	}
	return db
}

// AddService appends svc and returns the handle range it occupies.
func (db *AttributeDatabase) AddService(svc Service) HandleRange {
	db.mu.Lock()
	defer db.mu.Unlock()

	start := db.add(UUIDPrimaryService, svc.UUID)
	for _, char := range svc.Characteristics {
		decl := make([]byte, 3+len(char.UUID))
		decl[0] = char.Properties
		binary.LittleEndian.PutUint16(decl[1:3], db.nextHandle()+1)
		copy(decl[3:], char.UUID)
		db.add(UUIDCharacteristic, decl)
		db.add(char.UUID, char.Value)

		for _, desc := range char.Descriptors {
			db.add(desc.UUID, desc.Value)
		}
		if char.Properties&(PropNotify|PropIndicate) != 0 {
			db.add(UUIDCCCD, []byte{0x00, 0x00})
		}
	}
	return HandleRange{Start: start, End: db.nextHandle() - 1}
}

func (db *AttributeDatabase) nextHandle() uint16 {
	return uint16(len(db.attrs)) + MinHandle
}

func (db *AttributeDatabase) add(typ, value []byte) uint16 {
	h := db.nextHandle()
	db.attrs = append(db.attrs, Attribute{
		Handle: h,
		Type:   append([]byte{}, typ...),
		Value:  append([]byte{}, value...),
	})
	return h
}

// Attribute returns a copy of the attribute at handle h.
func (db *AttributeDatabase) Attribute(h uint16) (Attribute, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if h < MinHandle || int(h-MinHandle) >= len(db.attrs) {
		return Attribute{}, fmt.Errorf("gatt: invalid handle 0x%04X", h)
	}
	a := db.attrs[h-MinHandle]
	return Attribute{
		Handle: a.Handle,
		Type:   append([]byte{}, a.Type...),
		Value:  append([]byte{}, a.Value...),
	}, nil
}

// WriteValue replaces the value stored at handle h.
func (db *AttributeDatabase) WriteValue(h uint16, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if h < MinHandle || int(h-MinHandle) >= len(db.attrs) {
		return fmt.Errorf("gatt: invalid handle 0x%04X", h)
	}
	db.attrs[h-MinHandle].Value = append([]byte{}, value...)
	return nil
}

// LastHandle returns the highest assigned handle, or 0 for an empty database.
func (db *AttributeDatabase) LastHandle() uint16 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return uint16(len(db.attrs))
}

// Services returns every primary service whose declaration lies within r,
// fully resolved with characteristics and descriptors.
func (db *AttributeDatabase) Services(r HandleRange) []RemoteService {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var out []RemoteService
	var cur *RemoteService
	var char *RemoteCharacteristic
	flush := func() {
		if cur != nil {
			if r.Contains(cur.Range.Start) {
				out = append(out, *cur)
			}
			cur = nil
		}
	}

	for i := range db.attrs {
		a := &db.attrs[i]
		switch {
		case sameUUID(a.Type, UUIDPrimaryService):
			flush()
			cur = &RemoteService{
				UUID:  append([]byte{}, a.Value...),
				Range: HandleRange{Start: a.Handle, End: a.Handle},
			}
			char = nil
		case cur == nil:
			continue
		case sameUUID(a.Type, UUIDCharacteristic) && len(a.Value) >= 3:
			cur.Characteristics = append(cur.Characteristics, RemoteCharacteristic{
				UUID:              append([]byte{}, a.Value[3:]...),
				Properties:        a.Value[0],
				DeclarationHandle: a.Handle,
				ValueHandle:       binary.LittleEndian.Uint16(a.Value[1:3]),
			})
			char = &cur.Characteristics[len(cur.Characteristics)-1]
			cur.Range.End = a.Handle
		default:
			if char != nil && a.Handle > char.ValueHandle {
				char.Descriptors = append(char.Descriptors, RemoteDescriptor{
					UUID:   append([]byte{}, a.Type...),
					Handle: a.Handle,
				})
			}
			cur.Range.End = a.Handle
		}
	}
	flush()
	return out
}
