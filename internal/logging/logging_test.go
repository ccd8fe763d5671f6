package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelsAndFormats(t *testing.T) {
	var buf bytes.Buffer
	log, closeFn, err := newLogger(Config{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closeFn()

	log.Info("hidden")
	log.Warn("shown", "job_id", "j1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "j1", entry["job_id"])
	assert.Equal(t, "WARN", entry["level"])
}

func TestFileTee(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "genbroker.log")

	log, closeFn, err := newLogger(Config{File: path}, &buf)
	require.NoError(t, err)
	log.Info("Broker started")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=\"Broker started\"")
	assert.Equal(t, buf.String(), string(data))
}

func TestInvalidConfig(t *testing.T) {
	_, _, err := New(Config{Level: "chatty"})
	assert.Error(t, err)

	_, _, err = New(Config{Format: "xml"})
	assert.Error(t, err)
}
