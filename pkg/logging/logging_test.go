package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		"WARNING": zerolog.WarnLevel,
		" error ": zerolog.ErrorLevel,
		"trace":   zerolog.TraceLevel,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestNew_JSONFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Settings{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	defer func() { _ = closer() }()

	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "test").Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "shown", entry["message"])
	require.Equal(t, "test", entry["component"])
	require.Equal(t, "warn", entry["level"])
}

func TestNew_AutoUsesPlainConsoleForNonTTY(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Settings{Format: "auto"}, &buf)
	require.NoError(t, err)
	logger.Info().Msg("hello")
	require.Contains(t, buf.String(), "hello")
	require.NotContains(t, buf.String(), "\x1b[")
	require.NotContains(t, buf.String(), `"message"`)
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentchat.log")
	logger, closer, err := New(Settings{Level: "debug", File: path}, os.Stderr)
	require.NoError(t, err)
	logger.Debug().Msg("to file")
	require.NoError(t, closer())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"message":"to file"`)
}

func TestNew_UnknownFormat(t *testing.T) {
	_, _, err := New(Settings{Format: "xml"}, os.Stderr)
	require.Error(t, err)
}
