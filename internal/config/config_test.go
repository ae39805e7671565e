package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Telegram.BotToken = "123456789:test-token"
	cfg.Provider.APIKey = "test-key"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 20, cfg.Steering.MaxBuffered)
	assert.Equal(t, 5, cfg.Steering.DrainRounds)
	assert.Equal(t, 5, cfg.Steering.DirectInputTTLMinutes)
	assert.Equal(t, 3, cfg.Provider.MaxConsecutiveLimits)
	assert.Equal(t, 5, cfg.Provider.CooldownMinutes)
	assert.InDelta(t, 0.8, cfg.Provider.FallbackUtilization, 0.001)
	assert.Equal(t, 5, cfg.Session.StopWaitSeconds)
}

func TestValidate_Valid(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_MissingBotToken(t *testing.T) {
	cfg := validConfig()
	cfg.Telegram.BotToken = ""

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "bot token")
}

func TestValidate_MissingAPIKey(t *testing.T) {
	cfg := validConfig()
	cfg.Provider.APIKey = ""

	assert.Error(t, cfg.Validate())
}

func TestValidate_BadUtilization(t *testing.T) {
	cfg := validConfig()
	cfg.Provider.FallbackUtilization = 1.5

	assert.Error(t, cfg.Validate())
}

func TestValidate_BadSteeringLimits(t *testing.T) {
	cfg := validConfig()
	cfg.Steering.MaxBuffered = 0
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Steering.DrainRounds = -1
	assert.Error(t, cfg.Validate())
}
