package event

import (
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/user/blecore/ble/gatt"
	"github.com/user/blecore/ble/l2cap"
)

// Type identifies the kind of event being published.
type Type string

const (
	Connected           Type = "le.connected"
	Disconnected        Type = "le.disconnected"
	ParamsUpdated       Type = "le.params.updated"
	ServicesAdded       Type = "gatt.services.added"
	ServicesRemoved     Type = "gatt.services.removed"
	ServicesInvalidated Type = "gatt.services.invalidated"
	ScanDataReady       Type = "scan.data.ready"
	AdvertJobDone       Type = "advert.job.done"
)

// Status is the outcome code carried by asynchronous events.
type Status int

const (
	StatusOK Status = iota
	StatusTimeout
	StatusDatabaseChanged
	StatusDisconnected
	StatusNoMemory
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTimeout:
		return "timeout"
	case StatusDatabaseChanged:
		return "database_changed"
	case StatusDisconnected:
		return "disconnected"
	case StatusNoMemory:
		return "no_memory"
	default:
		return "failed"
	}
}

// Event is the envelope published on the bus. Connection is the
// registry's internal identifier and Device the peer address.
type Event struct {
	ID         string
	Type       Type
	Timestamp  time.Time
	Connection uuid.UUID
	Device     string
	Status     Status
	Payload    any
}

// ConnectionInfo accompanies Connected and Disconnected.
type ConnectionInfo struct {
	LocalIsMaster bool
	Reason        string
}

// Link accompanies ParamsUpdated.
type Link struct {
	Params l2cap.LinkParameters
}

// ServicesDiscovered accompanies ServicesAdded and ServicesInvalidated.
// Handles holds the start handles of services found this generation,
// truncated to the configured per-event maximum.
type ServicesDiscovered struct {
	Generation uint32
	Handles    []uint16
	Total      int
}

// ServiceRemoved accompanies ServicesRemoved and lists every handle that
// belonged to the removed service.
type ServiceRemoved struct {
	Range   gatt.HandleRange
	UUID    []byte
	Handles []uint16
}

// JobDone accompanies AdvertJobDone.
type JobDone struct {
	Job       uint64
	Tag       string
	Completed bool
}

func newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
