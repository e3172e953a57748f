package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/logging"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, logging.ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, logging.ParseLevel(" warn "))
	assert.Equal(t, zerolog.InfoLevel, logging.ParseLevel("loud"))
	assert.Equal(t, zerolog.InfoLevel, logging.ParseLevel(""))
}

func TestConfigure_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.Configure(logging.Config{Level: "info", Output: &buf})
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.TraceLevel) })

	logger.Debug().Msg("hidden")
	logger.Info().Str("instance", "2025-03-03_mon-yoga").Msg("attendance committed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "studio", line["service"])
	assert.Equal(t, "attendance committed", line["message"])
	assert.Equal(t, "2025-03-03_mon-yoga", line["instance"])
}
