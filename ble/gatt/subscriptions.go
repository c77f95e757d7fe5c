package gatt

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// CCCD values
const (
	CCCDDisabled      uint16 = 0x0000
	CCCDNotifications uint16 = 0x0001
	CCCDIndications   uint16 = 0x0002
)

// EncodeCCCD renders a CCCD value as written on the wire.
func EncodeCCCD(v uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, v)
	return buf
}

func DecodeCCCD(b []byte) (uint16, error) {
	if len(b) != 2 {
		return 0, fmt.Errorf("gatt: CCCD value must be 2 bytes, got %d", len(b))
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Subscription is a notification or indication enabled on a remote characteristic.
type Subscription struct {
	ValueHandle uint16
	CCCDHandle  uint16
	Value       uint16
}

// Subscriptions tracks the CCCDs a connection has written. Not safe for
// concurrent use; callers hold the owning connection's lock.
type Subscriptions struct {
	byValue map[uint16]Subscription
}

func NewSubscriptions() *Subscriptions {
	return &Subscriptions{byValue: make(map[uint16]Subscription)}
}

// Set records sub, or drops it when its value disables everything.
func (s *Subscriptions) Set(sub Subscription) {
	if sub.Value == CCCDDisabled {
		delete(s.byValue, sub.ValueHandle)
		return
	}
	s.byValue[sub.ValueHandle] = sub
}

func (s *Subscriptions) Get(valueHandle uint16) (Subscription, bool) {
	sub, ok := s.byValue[valueHandle]
	return sub, ok
}

func (s *Subscriptions) Remove(valueHandle uint16) {
	delete(s.byValue, valueHandle)
}

// RemoveRange drops every subscription whose value handle lies in r and returns them.
func (s *Subscriptions) RemoveRange(r HandleRange) []Subscription {
	var out []Subscription
	for h, sub := range s.byValue {
		if r.Contains(h) {
			out = append(out, sub)
			delete(s.byValue, h)
		}
	}
	sortSubs(out)
	return out
}

// All returns the subscriptions ordered by value handle.
func (s *Subscriptions) All() []Subscription {
	out := make([]Subscription, 0, len(s.byValue))
	for _, sub := range s.byValue {
		out = append(out, sub)
	}
	sortSubs(out)
	return out
}

func (s *Subscriptions) Clear() {
	s.byValue = make(map[uint16]Subscription)
}

func (s *Subscriptions) Len() int {
	return len(s.byValue)
}

func sortSubs(subs []Subscription) {
	sort.Slice(subs, func(i, j int) bool { return subs[i].ValueHandle < subs[j].ValueHandle })
}
