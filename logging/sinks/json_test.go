package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockstep-net/server/logging"
)

func TestJSONWritesOneRecordPerLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSON(&buf, logging.JSONConfig{})

	err := sink.Write(logging.Event{
		Type:     "lockstep.control_ready",
		Tick:     12,
		Time:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Severity: logging.SeverityDebug,
		Actor:    logging.EntityRef{ID: "0", Kind: logging.EntityKindHost},
		Payload:  map[string]int{"ready": 12},
		TraceID:  "session-1",
	})
	require.NoError(t, err)

	line := strings.TrimSpace(buf.String())
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &rec))
	assert.Equal(t, "lockstep.control_ready", rec["type"])
	assert.Equal(t, float64(12), rec["tick"])
	assert.Equal(t, "debug", rec["severity"])
	assert.Equal(t, "2026-03-01T12:00:00Z", rec["time"])
	assert.Equal(t, "session-1", rec["sessionId"])
	assert.NotContains(t, rec, "targets")
}

func TestJSONBatchesUntilFull(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSON(&buf, logging.JSONConfig{MaxBatch: 2, FlushInterval: time.Hour})

	require.NoError(t, sink.Write(logging.Event{Type: "a"}))
	assert.Zero(t, buf.Len())
	require.NoError(t, sink.Write(logging.Event{Type: "b"}))
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))

	require.NoError(t, sink.Write(logging.Event{Type: "c"}))
	require.NoError(t, sink.Close(context.Background()))
	assert.Equal(t, 3, strings.Count(buf.String(), "\n"))
	require.NoError(t, sink.Close(context.Background()))
}
