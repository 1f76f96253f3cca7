package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeLines parses every JSON log line written to buf.
func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry), "line %q", scanner.Text())
		entries = append(entries, entry)
	}
	return entries
}

// setupBuffer installs a JSON logger writing to a buffer and restores the
// global level when the test ends.
func setupBuffer(t *testing.T, level LogLevel, service string) *bytes.Buffer {
	t.Helper()
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	buf := &bytes.Buffer{}
	Setup(Config{Level: level, Output: buf, Service: service})
	return buf
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, LevelInfo, cfg.Level)
	assert.False(t, cfg.Pretty)
	assert.Equal(t, "agrocache", cfg.Service)
	assert.NotNil(t, cfg.Output)
}

func TestComponentLoggersCarryServiceAndComponent(t *testing.T) {
	buf := setupBuffer(t, LevelDebug, "agrocache")

	cacheLogger := NewLogger("cache")
	cacheLogger.Debug().Str("fingerprint", "0123456789abcdef").Str("layer", "memory").Msg("Cache hit")
	ratelimitLogger := NewLogger("ratelimit")
	ratelimitLogger.Warn().Str("client_id", "192.0.2.1").Msg("Request rejected by rate limiter")

	entries := decodeLines(t, buf)
	require.Len(t, entries, 2)

	assert.Equal(t, "agrocache", entries[0]["service"])
	assert.Equal(t, "cache", entries[0]["component"])
	assert.Equal(t, "debug", entries[0]["level"])
	assert.Equal(t, "memory", entries[0]["layer"])
	assert.Contains(t, entries[0], "time")

	assert.Equal(t, "ratelimit", entries[1]["component"])
	assert.Equal(t, "warn", entries[1]["level"])
	assert.Equal(t, "Request rejected by rate limiter", entries[1]["message"])
}

func TestSetup_ReturnsInstalledLogger(t *testing.T) {
	buf := setupBuffer(t, LevelInfo, "agro-test")

	logger := Setup(Config{Level: LevelInfo, Output: buf, Service: "agro-test"})
	logger.Info().Str("addr", "127.0.0.1:8080").Msg("Starting agrocache")

	entries := decodeLines(t, buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "agro-test", entries[0]["service"])
	assert.NotContains(t, entries[0], "component")
	assert.Equal(t, "127.0.0.1:8080", entries[0]["addr"])
}

func TestSetup_OmitsEmptyService(t *testing.T) {
	buf := setupBuffer(t, LevelInfo, "")

	httpLogger := NewLogger("http")
	httpLogger.Info().Msg("HTTP request")

	entries := decodeLines(t, buf)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0], "service")
	assert.Equal(t, "http", entries[0]["component"])
}

func TestSetup_LevelFromConfig(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  []string
	}{
		{level: LevelDebug, want: []string{"debug", "info", "warn", "error"}},
		{level: "INFO", want: []string{"info", "warn", "error"}},
		{level: "warning", want: []string{"warn", "error"}},
		{level: LevelError, want: []string{"error"}},
		{level: "", want: []string{"info", "warn", "error"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			buf := setupBuffer(t, tt.level, "agrocache")

			logger := NewLogger("upstream")
			logger.Debug().Msg("Provider fetch")
			logger.Info().Msg("Quota updated")
			logger.Warn().Msg("Retrying provider request")
			logger.Error().Msg("Provider failed after retries")

			var got []string
			for _, entry := range decodeLines(t, buf) {
				got = append(got, entry["level"].(string))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetup_Pretty(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Pretty: true, Output: buf, Service: "agrocache"})
	cacheLogger := NewLogger("cache")
	cacheLogger.Info().Msg("Durable tier ready")

	out := buf.String()
	assert.Contains(t, out, "Durable tier ready")
	assert.Contains(t, out, "component=")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())), "console output is not JSON")
}

func TestValidateLevel(t *testing.T) {
	for _, level := range []LogLevel{LevelDebug, LevelInfo, LevelWarn, "WARNING", "Error"} {
		assert.NoError(t, ValidateLevel(level), "level %q", level)
	}

	for _, level := range []LogLevel{"verbose", "trace", ""} {
		err := ValidateLevel(level)
		require.Error(t, err, "level %q", level)
		assert.Contains(t, err.Error(), "unknown log level")
	}
}

func TestParseLevel_UnknownFallsBackToInfo(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, parseLevel("verbose"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("Warn"))
}
