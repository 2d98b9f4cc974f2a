package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestInitLoggerWritesFileAndMirror(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	dir := t.TempDir()
	var mirror bytes.Buffer

	logger, closer, err := InitLogger(LoggerOptions{Dir: dir, Level: "info", Mirror: &mirror})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("turn appended", "session_id", "user_0")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, "coursechat.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session_id":"user_0"`)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, mirror.String(), "turn appended")
}

func TestInitTelemetryDescribesDeployment(t *testing.T) {
	dir := t.TempDir()

	tel, err := InitTelemetry(context.Background(), TelemetryOptions{
		Dir:            dir,
		ServiceVersion: "1.2.3",
		Provider:       "openrouter",
		Model:          "deepseek/deepseek-r1-0528-qwen3-8b:free",
		StoreDriver:    "sqlite3",
	})
	require.NoError(t, err)
	require.NotNil(t, tel.Tracer)
	require.NotNil(t, tel.Meter)

	attrs := map[string]string{}
	for _, kv := range tel.Resource.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "coursechat", attrs["service.name"])
	assert.Equal(t, "1.2.3", attrs["service.version"])
	assert.Equal(t, "openrouter", attrs["llm.provider"])
	assert.Equal(t, "sqlite", attrs["db.system"])

	_, span := tel.Tracer.Start(context.Background(), "chatbot.send")
	span.End()
	tel.Shutdown()

	data, err := os.ReadFile(filepath.Join(dir, "coursechat_traces.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "chatbot.send")
	assert.Contains(t, string(data), "llm.provider")
	_, err = os.Stat(filepath.Join(dir, "coursechat_metrics.log"))
	assert.NoError(t, err)
}

func TestDBSystem(t *testing.T) {
	assert.Equal(t, "sqlite", dbSystem("sqlite3"))
	assert.Equal(t, "postgresql", dbSystem("pgx"))
	assert.Equal(t, "mysql", dbSystem("mysql"))
}
