package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/hxengine/internal/config"
)

// syncBuffer is a bytes.Buffer usable as a zapcore.WriteSyncer.
type syncBuffer struct{ bytes.Buffer }

func (*syncBuffer) Sync() error { return nil }

func TestInitialize_ConsoleWithColors(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)
	var buf syncBuffer

	Initialize(config.LoggerConfig{
		Level:       "debug",
		Format:      "console",
		ServiceName: "hxengine",
		Colors:      config.ColorConfig{Info: "green"},
	}, &buf)
	GetLogger().Named("customhttp_client").Info("Client started")
	Sync()

	out := buf.String()
	assert.Contains(t, out, colorGreen+"INFO"+colorReset)
	assert.Contains(t, out, "hxengine.customhttp_client.")
	assert.Contains(t, out, "Client started")
}

func TestInitialize_JSON(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)
	var buf syncBuffer

	Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "hxengine"}, &buf)
	GetLogger().Warn("Request failed, retrying", zap.Int("retry", 1))
	GetLogger().Debug("suppressed")
	Sync()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1, "debug is below the configured level")
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "hxengine", entry["logger"])
	assert.Equal(t, "Request failed, retrying", entry["msg"])
	assert.Equal(t, float64(1), entry["retry"])
}

func TestInitialize_RunsOnce(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)
	var first, second syncBuffer

	Initialize(config.LoggerConfig{Level: "info", Format: "json"}, &first)
	Initialize(config.LoggerConfig{Level: "info", Format: "json"}, &second)
	GetLogger().Info("hello")

	assert.NotEmpty(t, first.String())
	assert.Empty(t, second.String())
}

func TestSetLevel(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)
	var buf syncBuffer

	Initialize(config.LoggerConfig{Level: "warn", Format: "json"}, &buf)
	GetLogger().Info("hidden")
	SetLevel(zapcore.DebugLevel)
	GetLogger().Debug("visible")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
}

func TestNew_WritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hxengine.log")
	var console syncBuffer

	logger := New(config.LoggerConfig{
		Level:   "debug",
		Format:  "console",
		LogFile: path,
		MaxSize: 1,
	}, &console, zap.NewAtomicLevel())
	logger.Debug("Connection established", zap.String("remote", "127.0.0.1:443"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry), "file output is JSON")
	assert.Equal(t, "127.0.0.1:443", entry["remote"])
	assert.Contains(t, console.String(), "Connection established")
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	level := zap.NewAtomicLevel()
	var buf syncBuffer
	logger := New(config.LoggerConfig{Level: "loud", Format: "json"}, &buf, level)

	assert.Equal(t, zapcore.InfoLevel, level.Level())
	logger.Debug("dropped")
	assert.Empty(t, buf.String())
}

func TestGetLogger_Fallback(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)
	logger := GetLogger()
	require.NotNil(t, logger)
	Sync()
}
