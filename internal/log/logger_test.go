package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestConfigureAndBase(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "mediasearch-test", Version: "v0.0.0"})

	L().Info().Str(FieldEvent, "task.started").Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "mediasearch-test", line["service"])
	require.Equal(t, "v0.0.0", line["version"])
	require.Equal(t, "task.started", line["event"])
}

func TestSetLevelRejectsInvalid(t *testing.T) {
	Configure(Config{Output: &bytes.Buffer{}})
	err := SetLevel("not-a-level")
	require.ErrorIs(t, err, ErrInvalidLogLevel)
}

func TestSetLevelAppliesGlobally(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "info", Output: &buf})
	require.NoError(t, SetLevel("error"))

	L().Info().Msg("should be suppressed")
	require.Equal(t, 0, buf.Len(), "info line should have been filtered after raising level to error")

	L().Error().Msg("should appear")
	require.True(t, strings.Contains(buf.String(), "should appear"))
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf})

	WithComponent("taskengine").Info().Msg("dispatch")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "taskengine", line["component"])
}

func TestDeriveAttachesFields(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf})

	l := Derive(func(ctx *zerolog.Context) {
		*ctx = ctx.Str(FieldDigest, "abc123")
	})
	l.Info().Msg("stored")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "abc123", line[FieldDigest])
}

func TestRecentCapturesEntries(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf})

	L().Info().Msg("first")
	L().Info().Msg("second")

	entries := Recent()
	require.GreaterOrEqual(t, len(entries), 2)
	require.Equal(t, "second", entries[len(entries)-1].Message)
}
