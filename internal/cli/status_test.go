package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/aruna/rudder/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		found := false
		for _, c := range GetRootCmd().Commands() {
			if c.Name() == "status" {
				found = true
				break
			}
		}
		assert.True(t, found, "status command should exist")
	})

	t.Run("help text", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"status", "--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		assert.Contains(t, output.String(), "status")
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.duration))
		})
	}
}

func TestPIDFilePath(t *testing.T) {
	t.Run("uses data dir", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.DataDir = "/var/lib/rudder"
		assert.Equal(t, "/var/lib/rudder/rudder.pid", pidFilePath(cfg))
	})

	t.Run("falls back to home", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.DataDir = ""
		path := pidFilePath(cfg)
		assert.Contains(t, path, "rudder.pid")
	})
}
