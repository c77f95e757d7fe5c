package journal

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/blecore/ble/gatt"
	"github.com/user/blecore/config"
	"github.com/user/blecore/event"
)

var ts = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestRecordAndRead(t *testing.T) {
	var buf bytes.Buffer
	j := New(&buf, config.JournalConfig{})
	conn := uuid.New()

	j.Record(context.Background(), event.Event{
		ID: "01", Type: event.ServicesAdded, Timestamp: ts,
		Connection: conn, Device: "AA:BB:CC:00:00:02", Status: event.StatusTimeout,
		Payload: event.ServicesDiscovered{Generation: 3, Handles: []uint16{1, 4}, Total: 2},
	})
	j.Record(context.Background(), event.Event{
		ID: "02", Type: event.ServicesRemoved, Timestamp: ts,
		Connection: conn, Device: "AA:BB:CC:00:00:02",
		Payload: event.ServiceRemoved{Range: gatt.HandleRange{Start: 8, End: 9}, UUID: []byte{0x0D, 0x18}, Handles: []uint16{8, 9}},
	})
	j.Record(context.Background(), event.Event{ID: "03", Type: event.ScanDataReady, Timestamp: ts})
	assert.Equal(t, int64(3), j.Written())

	entries, err := Read(&buf)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "01", entries[0].ID)
	assert.Equal(t, event.ServicesAdded, entries[0].Type)
	assert.Equal(t, "timeout", entries[0].Status)
	assert.Equal(t, "AA:BB:CC:00:00:02", entries[0].Device)
	assert.True(t, ts.Equal(entries[0].Time))
	assert.Equal(t, 3.0, entries[0].Payload["generation"])
	assert.Equal(t, []any{1.0, 4.0}, entries[0].Payload["handles"])

	assert.Equal(t, "0D18", entries[1].Payload["uuid"])
	assert.Equal(t, 8.0, entries[1].Payload["start"])

	assert.Empty(t, entries[2].Device)
	assert.Nil(t, entries[2].Payload)
}

func TestReadRejectsGarbage(t *testing.T) {
	_, err := Read(bytes.NewBufferString("{\"id\":\"1\"}\nnot json\n"))
	assert.ErrorContains(t, err, "line 2")
}

type flakyWriter struct {
	mu    sync.Mutex
	fail  bool
	calls int
	buf   bytes.Buffer
}

func (w *flakyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.fail {
		return 0, errors.New("disk full")
	}
	return w.buf.Write(p)
}

func (w *flakyWriter) setFail(fail bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fail = fail
}

func (w *flakyWriter) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func TestBreakerStopsWritesToFailingWriter(t *testing.T) {
	w := &flakyWriter{fail: true}
	j := New(w, config.JournalConfig{MaxFailures: 2, Cooldown: 20 * time.Millisecond})
	ev := event.Event{Type: event.AdvertJobDone, Timestamp: ts, Payload: event.JobDone{Job: 1, Tag: "app", Completed: true}}

	for i := 0; i < 5; i++ {
		j.Record(context.Background(), ev)
	}
	assert.Equal(t, 2, w.callCount(), "writes stop once the breaker opens")
	assert.Equal(t, int64(5), j.Skipped())
	assert.Equal(t, gobreaker.StateOpen, j.State())

	w.setFail(false)
	time.Sleep(30 * time.Millisecond)
	j.Record(context.Background(), ev)
	assert.Equal(t, gobreaker.StateClosed, j.State())
	assert.Equal(t, int64(1), j.Written())
}

func TestOpenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "events.jsonl")
	cfg := config.JournalConfig{Enabled: true, Path: path}

	for i := 0; i < 2; i++ {
		j, err := Open(cfg)
		require.NoError(t, err)
		j.Record(context.Background(), event.Event{Type: event.Connected, Timestamp: ts, Device: "x",
			Payload: event.ConnectionInfo{LocalIsMaster: true}})
		require.NoError(t, j.Close())
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	entries, err := Read(f)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, true, entries[1].Payload["local_is_master"])
}
