package logging

import (
	"os"
	"path/filepath"
	"testing"

	"fieldsync/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testApp = config.AppConfig{Name: "fieldsync-test", Environment: "test", Version: "0.0.1"}

func TestNewStreams(t *testing.T) {
	cases := []config.LoggingConfig{
		{},
		{Output: "stdout", Level: "debug"},
		{Output: "STDERR ", Format: "console"},
	}
	for _, cfg := range cases {
		logger, closer, err := New(cfg, testApp)
		require.NoError(t, err)
		require.NotNil(t, logger)
		assert.Nil(t, closer, "streams have nothing to close")
	}
}

func TestNewRejectsBadOutput(t *testing.T) {
	_, _, err := New(config.LoggingConfig{Output: "file"}, testApp)
	assert.ErrorContains(t, err, "file_path")

	_, _, err = New(config.LoggingConfig{Output: "syslog"}, testApp)
	assert.ErrorContains(t, err, "syslog")
}

func TestFileOutputFiltersByLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "queue.log")
	logger, closer, err := New(config.LoggingConfig{Level: "warn", Output: "file", FilePath: path}, testApp)
	require.NoError(t, err)
	require.NotNil(t, closer)

	logger.Info().Msg("drain started")
	logger.Warn().Str("component", "sync-controller").Msg("drain held")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.NotContains(t, out, "drain started")
	assert.Contains(t, out, "drain held")
	assert.Contains(t, out, `"app":"fieldsync-test"`)
	assert.Contains(t, out, `"component":"sync-controller"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("loud"))
	assert.Equal(t, zerolog.DebugLevel, parseLevel(" Debug"))
	assert.Equal(t, zerolog.ErrorLevel, parseLevel("error"))
}
