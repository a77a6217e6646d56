package component

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerWithoutNATS(t *testing.T) {
	var buf bytes.Buffer
	local := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Publishing must be silently disabled when no NATS connection exists.
	cl := NewLogger("valve", "2026-03-14-09-26-53-589793", nil, local)
	cl.Debug("probing")
	cl.Info("opened")
	cl.Warn("slow response")
	cl.Error("pulse failed", assert.AnError)

	out := buf.String()
	assert.Contains(t, out, "component=valve")
	assert.Contains(t, out, "opened")
	assert.Contains(t, out, "pulse failed")
}

func TestLoggerNilEverything(t *testing.T) {
	cl := NewLogger("ttl", "s", nil, nil)
	assert.NotPanics(t, func() {
		cl.Info("no sinks configured")
		cl.Error("still fine", nil)
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "initialized", StateInitialized.String())
	assert.Equal(t, "started", StateStarted.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(99).String())
}
