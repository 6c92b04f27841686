package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrutiny-go/internal/config"
)

func TestLevelFallback(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, level("debug"))
	assert.Equal(t, zerolog.InfoLevel, level(""))
	assert.Equal(t, zerolog.InfoLevel, level("loud"))
}

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	l := New(config.LoggingConfig{Level: "warn", Format: "json", Output: path})

	l.Info().Msg("dropped")
	l.Warn().Str("rpv", "/rpv/x1000").Msg("kept")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "dropped")
	assert.Contains(t, string(b), `"rpv":"/rpv/x1000"`)
}
