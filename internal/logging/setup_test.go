package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"apipool-go/internal/config"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupJSONAndLevel(t *testing.T) {
	t.Cleanup(func() { _ = Close() })
	var buf bytes.Buffer
	require.NoError(t, setup(config.LogConfig{Level: "warn"}, &buf))
	assert.Equal(t, log.WarnLevel, log.GetLevel())

	log.WithField("key", "a").Info("hidden")
	log.WithField("key", "b").Warn("shown")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "b", line["key"])
}

func TestSetupDebugUsesTextFormatter(t *testing.T) {
	t.Cleanup(func() { _ = Close() })
	var buf bytes.Buffer
	require.NoError(t, setup(config.LogConfig{Level: "info", Debug: true}, &buf))
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	log.Debug("probe")
	assert.Contains(t, buf.String(), "msg=probe")
}

func TestSetupWritesFile(t *testing.T) {
	t.Cleanup(func() { _ = Close() })
	path := filepath.Join(t.TempDir(), "logs", "apipool.log")
	var buf bytes.Buffer
	require.NoError(t, setup(config.LogConfig{File: path}, &buf))

	log.Info("to file")
	require.NoError(t, Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
	assert.Contains(t, buf.String(), "to file")
}

func TestSetupRejectsBadLevel(t *testing.T) {
	require.Error(t, setup(config.LogConfig{Level: "chatty"}, &bytes.Buffer{}))
}
