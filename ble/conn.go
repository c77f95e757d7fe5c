package ble

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/user/blecore/ble/l2cap"
	"github.com/user/blecore/radio"
)

// BondingID identifies a stored pairing. InvalidBonding means unbonded.
type BondingID int

const InvalidBonding BondingID = -1

// Connection is one live LE link. Fields may only be read or written
// with the core lock held, and a *Connection must not be used after the
// lock is released without re-checking it with Registry.IsValid.
type Connection struct {
	ID                  uuid.UUID
	Addr                radio.Address
	AddrType            radio.AddressType
	LocalIsMaster       bool
	ConnectedAt         time.Time
	Link                l2cap.LinkParameters
	MTU                 uint16
	Encrypted           bool
	Bonding             BondingID
	Name                string
	IRK                 []byte
	RemoteManagesParams bool

	gateway   bool
	overrides map[ResponseTime]l2cap.ConnectionParameters
	resp      responsiveness
	neg       negotiation
	disc      discovery
}

func (c *Connection) IsGateway() bool {
	return c.gateway
}

// Age is the time since the link came up.
func (c *Connection) Age(now time.Time) time.Duration {
	return now.Sub(c.ConnectedAt)
}

func (c *Connection) String() string {
	return fmt.Sprintf("%s (%s)", c.Addr, c.ID.String()[:8])
}

// Registry is the set of live connections. It does no locking of its
// own: every method expects the core lock to be held.
type Registry struct {
	conns       []*Connection
	initialized bool
	destroy     func(*Connection)
}

func (r *Registry) init(destroy func(*Connection)) {
	r.conns = nil
	r.destroy = destroy
	r.initialized = true
}

// deinit destroys every connection and marks the registry unusable.
func (r *Registry) deinit() {
	conns := r.conns
	r.conns = nil
	for _, c := range conns {
		if r.destroy != nil {
			r.destroy(c)
		}
	}
	r.initialized = false
}

// Add registers a new link. The address must not already be present.
func (r *Registry) Add(addr radio.Address, irk []byte, localIsMaster bool) *Connection {
	if r.FindByAddress(addr) != nil {
		panic(fmt.Sprintf("ble: connection to %s already registered", addr))
	}
	c := &Connection{
		ID:            uuid.New(),
		Addr:          addr,
		LocalIsMaster: localIsMaster,
		Bonding:       InvalidBonding,
		IRK:           append([]byte(nil), irk...),
	}
	c.disc.init()
	r.conns = append(r.conns, c)
	return c
}

// Remove unregisters and destroys the link to addr. Once the registry is
// initialized the address must be present; before that it must not be.
func (r *Registry) Remove(addr radio.Address) {
	for i, c := range r.conns {
		if c.Addr != addr {
			continue
		}
		if !r.initialized {
			panic(fmt.Sprintf("ble: connection to %s found in uninitialized registry", addr))
		}
		r.conns = append(r.conns[:i], r.conns[i+1:]...)
		if r.destroy != nil {
			r.destroy(c)
		}
		return
	}
	if r.initialized {
		panic(fmt.Sprintf("ble: no connection to %s", addr))
	}
}

func (r *Registry) FindBy(match func(*Connection) bool) *Connection {
	for _, c := range r.conns {
		if match(c) {
			return c
		}
	}
	return nil
}

func (r *Registry) FindByAddress(addr radio.Address) *Connection {
	return r.FindBy(func(c *Connection) bool { return c.Addr == addr })
}

// FindByIRK finds the peer that distributed irk during pairing.
func (r *Registry) FindByIRK(irk []byte) *Connection {
	if len(irk) == 0 {
		return nil
	}
	return r.FindBy(func(c *Connection) bool { return bytes.Equal(c.IRK, irk) })
}

func (r *Registry) FindByID(id uuid.UUID) *Connection {
	return r.FindBy(func(c *Connection) bool { return c.ID == id })
}

// ForEach visits a snapshot of the registry, so fn may remove entries.
func (r *Registry) ForEach(fn func(*Connection)) {
	for _, c := range append([]*Connection(nil), r.conns...) {
		fn(c)
	}
}

// IsValid reports whether c is still registered.
func (r *Registry) IsValid(c *Connection) bool {
	if c == nil {
		return false
	}
	for _, x := range r.conns {
		if x == c {
			return true
		}
	}
	return false
}

// SetGateway marks or clears c as the gateway. At most one connection
// is the gateway at a time.
func (r *Registry) SetGateway(c *Connection, on bool) {
	if on {
		for _, x := range r.conns {
			x.gateway = false
		}
	}
	c.gateway = on
}

func (r *Registry) Gateway() *Connection {
	return r.FindBy(func(c *Connection) bool { return c.gateway })
}

func (r *Registry) Len() int {
	return len(r.conns)
}
