package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func capture(t *testing.T, level LogLevel) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := GetLevel()
	SetOutput(&buf)
	SetFormat("json")
	SetLevel(level)
	t.Cleanup(func() {
		SetLevel(prev)
		SetFormat("text")
		SetOutput(os.Stderr)
	})
	return &buf
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, WARN)

	Info("conn", "suppressed %d", 1)
	Warn("conn", "kept %d", 2)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "kept 2", entry["msg"])
	assert.Equal(t, "conn", entry["component"])
	assert.Equal(t, "warning", entry["level"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, TRACE, ParseLevel("trace"))
	assert.Equal(t, WARN, ParseLevel("warning"))
	assert.Equal(t, ERROR, ParseLevel("ERROR"))
	assert.Equal(t, INFO, ParseLevel("bogus"))
	assert.Equal(t, "DEBUG", DEBUG.String())
}

func TestToJSON(t *testing.T) {
	msg, err := structpb.NewStruct(map[string]interface{}{"handle": 3})
	require.NoError(t, err)
	assert.Contains(t, ToJSON(msg), `"handle"`)

	assert.Contains(t, ToJSON(struct{ Interval int }{12}), `"Interval": 12`)
	assert.Contains(t, ToJSON(func() {}), "<error:")
}

func TestWithFollowsLevel(t *testing.T) {
	buf := capture(t, WARN)

	With("ble", map[string]interface{}{"attempts": 3}).Info("suppressed")
	With("ble", map[string]interface{}{"attempts": 3}).Warn("giving up")
	DebugJSON("ble", "service", struct{ Start int }{1})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "giving up", entry["msg"])
	assert.Equal(t, "ble", entry["component"])
	assert.Equal(t, 3.0, entry["attempts"])
}

func TestDebugJSONRendersValue(t *testing.T) {
	buf := capture(t, DEBUG)

	DebugJSON("ble", "service", struct{ Start int }{8})
	assert.Contains(t, buf.String(), `\"Start\": 8`)
}
