package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	SetLoggerForTest(zerolog.New(buf).Level(zerolog.DebugLevel))
	t.Cleanup(func() { SetLoggerForTest(zerolog.New(os.Stdout)) })
	return buf
}

func TestLogKeyValues(t *testing.T) {
	buf := captureLogs(t)

	Info("converted", "id", "abc", "pages", 3, "error", errors.New("boom"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "converted", entry["message"])
	assert.Equal(t, "abc", entry["id"])
	assert.Equal(t, float64(3), entry["pages"])
	assert.Equal(t, "boom", entry["error"])
}

func TestLogSkipsOddAndNonStringKeys(t *testing.T) {
	buf := captureLogs(t)

	Warn("odd", 42, "ignored", "dangling")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.NotContains(t, entry, "dangling")
}

func TestLevelFiltersAndFallsBack(t *testing.T) {
	buf := &bytes.Buffer{}
	SetLoggerForTest(zerolog.New(buf).Level(parseLevel("error")))
	t.Cleanup(func() { SetLoggerForTest(zerolog.New(os.Stdout)) })

	Info("hidden")
	assert.Empty(t, buf.String())
	Error("shown")
	assert.Contains(t, buf.String(), "shown")

	assert.Equal(t, zerolog.InfoLevel, parseLevel("nonsense"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
	assert.Equal(t, zerolog.DebugLevel, parseLevel("debug"))
}

func TestInitLoggerWritesFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "service.log")
	InitLogger(file, 1, 1, 1, false, "debug")
	t.Cleanup(func() { SetLoggerForTest(zerolog.New(os.Stdout)) })

	Debug("to file", "k", "v")

	raw, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"message":"to file"`)
}
