// Package journal appends every bus event to a JSON lines file so a run
// can be inspected after the fact.
package journal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/user/blecore/config"
	"github.com/user/blecore/event"
	"github.com/user/blecore/logger"
)

const (
	defaultMaxFailures uint32 = 5
	defaultCooldown           = 30 * time.Second
)

// Journal writes one protojson-encoded record per line. Writes go
// through a circuit breaker so a failing disk costs one error per
// cooldown instead of one per event.
type Journal struct {
	mu      sync.Mutex
	w       io.Writer
	closer  io.Closer
	breaker *gobreaker.CircuitBreaker[int]

	written atomic.Int64
	skipped atomic.Int64
}

// Open appends to the file at cfg.Path, creating it and its directory
// if needed.
func Open(cfg config.JournalConfig) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	j := New(f, cfg)
	j.closer = f
	return j, nil
}

// New writes records to w.
func New(w io.Writer, cfg config.JournalConfig) *Journal {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	cooldown := cfg.Cooldown
	if cooldown == 0 {
		cooldown = defaultCooldown
	}

	j := &Journal{w: w}
	j.breaker = gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        "journal",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("journal", "%s breaker %s -> %s", name, from, to)
		},
	})
	return j
}

// Record is an event.Handler.
func (j *Journal) Record(_ context.Context, ev event.Event) {
	line, err := Encode(ev)
	if err != nil {
		logger.Warn("journal", "encoding %s event: %v", ev.Type, err)
		return
	}
	line = append(line, '\n')

	_, err = j.breaker.Execute(func() (int, error) {
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.w.Write(line)
	})
	switch {
	case err == nil:
		j.written.Add(1)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		j.skipped.Add(1)
	default:
		j.skipped.Add(1)
		logger.Warn("journal", "writing %s event: %v", ev.Type, err)
	}
}

// Written counts records that reached the writer.
func (j *Journal) Written() int64 { return j.written.Load() }

// Skipped counts records lost to write errors or an open breaker.
func (j *Journal) Skipped() int64 { return j.skipped.Load() }

func (j *Journal) State() gobreaker.State {
	return j.breaker.State()
}

func (j *Journal) Close() error {
	if j.closer == nil {
		return nil
	}
	return j.closer.Close()
}

// Encode renders ev as a single line of JSON without the trailing newline.
func Encode(ev event.Event) ([]byte, error) {
	fields := map[string]any{
		"id":        ev.ID,
		"type":      string(ev.Type),
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"status":    ev.Status.String(),
	}
	if ev.Device != "" {
		fields["device"] = ev.Device
		fields["connection"] = ev.Connection.String()
	}
	if p := payloadFields(ev.Payload); p != nil {
		fields["payload"] = p
	}

	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(st)
}

func payloadFields(payload any) map[string]any {
	switch p := payload.(type) {
	case event.ConnectionInfo:
		out := map[string]any{"local_is_master": p.LocalIsMaster}
		if p.Reason != "" {
			out["reason"] = p.Reason
		}
		return out
	case event.Link:
		return map[string]any{
			"interval":            int64(p.Params.Interval),
			"slave_latency":       int64(p.Params.SlaveLatency),
			"supervision_timeout": int64(p.Params.SupervisionTimeout),
		}
	case event.ServicesDiscovered:
		return map[string]any{
			"generation": int64(p.Generation),
			"handles":    handleList(p.Handles),
			"total":      int64(p.Total),
		}
	case event.ServiceRemoved:
		return map[string]any{
			"start":   int64(p.Range.Start),
			"end":     int64(p.Range.End),
			"uuid":    fmt.Sprintf("%X", p.UUID),
			"handles": handleList(p.Handles),
		}
	case event.JobDone:
		return map[string]any{
			"job":       int64(p.Job),
			"tag":       p.Tag,
			"completed": p.Completed,
		}
	}
	return nil
}

func handleList(handles []uint16) []any {
	out := make([]any, len(handles))
	for i, h := range handles {
		out[i] = int64(h)
	}
	return out
}

// Entry is one decoded journal line.
type Entry struct {
	ID      string
	Type    event.Type
	Device  string
	Status  string
	Time    time.Time
	Payload map[string]any
}

// Read decodes a journal written by Record.
func Read(r io.Reader) ([]Entry, error) {
	var out []Entry
	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var st structpb.Struct
		if err := protojson.Unmarshal(sc.Bytes(), &st); err != nil {
			return out, fmt.Errorf("journal line %d: %w", line, err)
		}
		m := st.AsMap()

		e := Entry{
			ID:     stringField(m, "id"),
			Type:   event.Type(stringField(m, "type")),
			Device: stringField(m, "device"),
			Status: stringField(m, "status"),
		}
		if ts := stringField(m, "timestamp"); ts != "" {
			t, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				return out, fmt.Errorf("journal line %d: %w", line, err)
			}
			e.Time = t
		}
		if p, ok := m["payload"].(map[string]any); ok {
			e.Payload = p
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
