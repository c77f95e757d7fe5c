// Package radio is the boundary between the BLE core and a controller.
// A Driver accepts commands synchronously and reports everything that
// happens asynchronously as Completion messages on a channel, which the
// core consumes under its own lock.
package radio

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/user/blecore/ble/advertising"
	"github.com/user/blecore/ble/gatt"
	"github.com/user/blecore/ble/l2cap"
)

var (
	ErrTimeout      = errors.New("radio: operation timed out")
	ErrDisconnected = errors.New("radio: peer disconnected")
	ErrUnsupported  = errors.New("radio: not supported by this controller")
	ErrNotConnected = errors.New("radio: no such connection")
	ErrBusy         = errors.New("radio: operation already in progress")
	ErrNotRunning   = errors.New("radio: no operation in progress")
)

// Address is a 48-bit device address, most significant byte first.
type Address [6]byte

func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a == Address{}
}

// ParseAddress parses the colon separated form produced by String.
func ParseAddress(s string) (Address, error) {
	var a Address
	parts := strings.Split(s, ":")
	if len(parts) != len(a) {
		return a, fmt.Errorf("radio: invalid address %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return a, fmt.Errorf("radio: invalid address %q: %w", s, err)
		}
		a[i] = byte(v)
	}
	return a, nil
}

// MustParseAddress is ParseAddress for constants.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

type AddressType uint8

const (
	AddressPublic AddressType = iota
	AddressRandom
)

func (t AddressType) String() string {
	if t == AddressRandom {
		return "random"
	}
	return "public"
}

// ScanParams configures an LE scan. Interval and window are in milliseconds.
type ScanParams struct {
	Active           bool
	FilterAllowlist  bool
	FilterDuplicates bool
	IntervalMs       uint16
	WindowMs         uint16
}

// Driver is implemented by controller backends. Methods are called with
// the core's lock held and must not block on the completion channel.
type Driver interface {
	AdvertEnable(minMs, maxMs float64, scanResponse bool) bool
	AdvertDisable()
	AdvertSetData(p advertising.Payload)

	StartScan(p ScanParams) bool
	StopScan() bool

	RequestParamUpdate(addr Address, p l2cap.ConnectionParameters) bool

	// StartDiscovery begins discovery of r. Every completion it produces
	// carries seq back so stale results can be told apart.
	StartDiscovery(addr Address, r gatt.HandleRange, seq uint32) error
	StopDiscovery(addr Address) error
	DiscoveryAbandoned(addr Address)
	WriteCCCD(addr Address, handle, value uint16) error

	Completions() <-chan Completion
}

// Completion is a message from the driver. The concrete types below are
// the full set.
type Completion interface {
	completion()
}

type Connected struct {
	Addr                Address
	AddrType            AddressType
	LocalIsMaster       bool
	Link                l2cap.LinkParameters
	IRK                 []byte
	Name                string
	RemoteManagesParams bool
}

type Disconnected struct {
	Addr   Address
	Reason uint8
}

type ParamsUpdated struct {
	Addr Address
	Link l2cap.LinkParameters
}

type ScanReport struct {
	Addr     Address
	AddrType AddressType
	RSSI     int8
	Adv      []byte
	ScanResp []byte
}

// ServiceDiscovered delivers one fully resolved service of the range
// currently being discovered.
type ServiceDiscovered struct {
	Addr    Address
	Seq     uint32
	Service gatt.RemoteService
}

// DiscoveryComplete ends a discovery started with StartDiscovery. Err is
// nil on success.
type DiscoveryComplete struct {
	Addr Address
	Seq  uint32
	Err  error
}

// DiscoveryTimeout reports that an in-flight discovery stalled.
type DiscoveryTimeout struct {
	Addr Address
	Seq  uint32
}

// ServiceChanged carries a Service Changed indication from the peer.
type ServiceChanged struct {
	Addr  Address
	Range gatt.HandleRange
}

type MTUChanged struct {
	Addr Address
	MTU  uint16
}

type EncryptionChanged struct {
	Addr      Address
	Encrypted bool
}

func (Connected) completion()         {}
func (Disconnected) completion()      {}
func (ParamsUpdated) completion()     {}
func (ScanReport) completion()        {}
func (ServiceDiscovered) completion() {}
func (DiscoveryComplete) completion() {}
func (DiscoveryTimeout) completion()  {}
func (ServiceChanged) completion()    {}
func (MTUChanged) completion()        {}
func (EncryptionChanged) completion() {}
