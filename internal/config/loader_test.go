package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "does-not-exist.json"))

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Steering.MaxBuffered)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoader_LoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rudder.json")
	content := `{
		"telegram": {"bot_token": "123456789:abc", "allowlist": [42]},
		"provider": {"api_key": "key", "model": "claude-opus-4"},
		"steering": {"max_buffered": 7}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "123456789:abc", cfg.Telegram.BotToken)
	assert.Equal(t, []int64{42}, cfg.Telegram.Allowlist)
	assert.Equal(t, "claude-opus-4", cfg.Provider.Model)
	assert.Equal(t, 7, cfg.Steering.MaxBuffered)
	// Untouched values keep defaults
	assert.Equal(t, 5, cfg.Steering.DrainRounds)
}

func TestLoader_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rudder.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := NewLoader(path).Load()
	assert.Error(t, err)
}

func TestLoader_DerivedPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rudder.json")
	content := `{"data_dir": "` + dir + `"}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "rudder.log"), cfg.Logging.File)
}
