package telemetry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLogger(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	dir := filepath.Join(t.TempDir(), "logs")
	logger, closer, err := InitLogger(dir, true)
	require.NoError(t, err)

	logger.Debug("Chat engine created", "session_key", "main")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, "gatewaychat.log"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"session_key":"main"`))
}

func TestInitLogger_InfoByDefault(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	dir := t.TempDir()
	logger, closer, err := InitLogger(dir, false)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("shown")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, "gatewaychat.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}

func TestInitTelemetry_Disabled(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "telemetry")
	tracer, meter, cleanup, err := InitTelemetry(context.Background(), dir, false)
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, tracer)
	assert.NotNil(t, meter)
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "nothing is written when disabled")
}

func TestInitTelemetry_Enabled(t *testing.T) {
	dir := t.TempDir()
	tracer, meter, cleanup, err := InitTelemetry(context.Background(), dir, true)
	require.NoError(t, err)

	_, span := tracer.Start(context.Background(), "chat.send")
	span.End()

	counter, err := meter.Int64Counter("gatewaychat.messages.sent")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	cleanup()

	data, err := os.ReadFile(filepath.Join(dir, "gatewaychat_traces.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "chat.send")
}
