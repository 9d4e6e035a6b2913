package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	var cfg Server
	require.NoError(t, Load("", &cfg))

	assert.Equal(t, "localhost:8080", cfg.Addr)
	assert.Equal(t, "HELLO", cfg.Target)
	assert.Equal(t, time.Second, cfg.SyncInterval)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "letters.sqlite3", cfg.Store.SQLite.Path)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server: http://example.com:9000
phrase: ABC
repeat: 2
click-interval: 250ms
`), 0o600))
	t.Setenv("REPEAT", "3")

	var cfg Client
	require.NoError(t, Load(path, &cfg))

	assert.Equal(t, "http://example.com:9000", cfg.Server)
	assert.Equal(t, "ABC", cfg.Phrase)
	assert.Equal(t, 3, cfg.Repeat)
	assert.Equal(t, 250*time.Millisecond, cfg.ClickInterval)
	assert.Equal(t, 10, cfg.CanvasWidth)
}

func TestLevel(t *testing.T) {
	level, err := Level("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	_, err = Level("loud")
	assert.Error(t, err)
}
