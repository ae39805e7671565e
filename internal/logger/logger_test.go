package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_FileOutput(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "rudder.log")

	l, err := New(Config{
		Level:   "debug",
		File:    logFile,
		Console: false,
	})
	require.NoError(t, err)
	defer l.Close()

	zl := l.GetZerolog()
	zl.Info().Str("key", "value").Msg("hello")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), `"key":"value"`)
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "rudder.log")

	l, err := New(Config{
		Level:   "nonsense",
		File:    logFile,
		Console: false,
	})
	require.NoError(t, err)
	defer l.Close()

	zl := l.GetZerolog()
	zl.Debug().Msg("should be filtered")
	zl.Info().Msg("should appear")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "should be filtered")
	assert.Contains(t, string(data), "should appear")
}

func TestRedactor_BotToken(t *testing.T) {
	r := NewRedactor()

	redacted := r.Redact("token is 123456789:AAHdqTcvbXmLx9_fake_token_abcdefghijk")
	assert.NotContains(t, redacted, "AAHdqTcvbXmLx9")
	assert.Contains(t, redacted, "[REDACTED]")
}

func TestRedactor_APIKey(t *testing.T) {
	r := NewRedactor()

	cases := []string{
		"sk-ant-REDACTED",
		"Bearer eyJhbGciOiJIUzI1NiJ9.payload.sig",
	}
	for _, c := range cases {
		redacted := r.Redact("credential: " + c)
		assert.NotContains(t, redacted, c)
	}
}

func TestRedactor_PlainTextUntouched(t *testing.T) {
	r := NewRedactor()

	msg := "steering buffered for chat 12345"
	assert.Equal(t, msg, r.Redact(msg))
}

func TestLogger_Component(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "rudder.log")

	l, err := New(Config{Level: "info", File: logFile})
	require.NoError(t, err)
	defer l.Close()

	cl := l.Component("session")
	cl.Info().Msg("component log")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"component":"session"`))
}
