package gatt

// RemoteService is the local shadow of a service discovered on a peer.
type RemoteService struct {
	UUID            []byte
	Range           HandleRange
	Characteristics []RemoteCharacteristic
}

type RemoteCharacteristic struct {
	UUID              []byte
	Properties        uint8
	DeclarationHandle uint16
	ValueHandle       uint16
	Descriptors       []RemoteDescriptor
}

type RemoteDescriptor struct {
	UUID   []byte
	Handle uint16
}

// Handles lists the service declaration followed by every characteristic
// and descriptor handle, in database order.
func (s *RemoteService) Handles() []uint16 {
	out := []uint16{s.Range.Start}
	for _, c := range s.Characteristics {
		out = append(out, c.DeclarationHandle, c.ValueHandle)
		for _, d := range c.Descriptors {
			out = append(out, d.Handle)
		}
	}
	return out
}

// CCCD returns the handle of the characteristic's configuration descriptor.
func (c *RemoteCharacteristic) CCCD() (uint16, bool) {
	for _, d := range c.Descriptors {
		if sameUUID(d.UUID, UUIDCCCD) {
			return d.Handle, true
		}
	}
	return 0, false
}

// Characteristic finds a characteristic by its value handle.
func (s *RemoteService) Characteristic(valueHandle uint16) (*RemoteCharacteristic, bool) {
	for i := range s.Characteristics {
		if s.Characteristics[i].ValueHandle == valueHandle {
			return &s.Characteristics[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy so callers may hold it outside the owner's lock.
func (s *RemoteService) Clone() RemoteService {
	out := RemoteService{
		UUID:  append([]byte{}, s.UUID...),
		Range: s.Range,
	}
	for _, c := range s.Characteristics {
		cc := c
		cc.UUID = append([]byte{}, c.UUID...)
		cc.Descriptors = append([]RemoteDescriptor(nil), c.Descriptors...)
		out.Characteristics = append(out.Characteristics, cc)
	}
	return out
}
