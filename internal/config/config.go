package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main Rudder configuration
type Config struct {
	// Telegram transport
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`

	// Agent provider
	Provider ProviderConfig `json:"provider" mapstructure:"provider"`

	// Steering engine tunables
	Steering SteeringConfig `json:"steering" mapstructure:"steering"`

	// Session lifecycle
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Default working directory handed to the provider
	WorkingDir string `json:"working_dir" mapstructure:"working_dir"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	BotToken  string  `json:"bot_token" mapstructure:"bot_token"`
	Allowlist []int64 `json:"allowlist" mapstructure:"allowlist"`
}

// ProviderConfig holds agent provider configuration
type ProviderConfig struct {
	APIKey               string  `json:"api_key" mapstructure:"api_key"`
	Model                string  `json:"model" mapstructure:"model"`
	FallbackModel        string  `json:"fallback_model" mapstructure:"fallback_model"`
	FallbackUtilization  float64 `json:"fallback_utilization" mapstructure:"fallback_utilization"`
	CooldownMinutes      int     `json:"cooldown_minutes" mapstructure:"cooldown_minutes"`
	MaxConsecutiveLimits int     `json:"max_consecutive_limits" mapstructure:"max_consecutive_limits"`
	MaxTokens            int     `json:"max_tokens" mapstructure:"max_tokens"`
}

// SteeringConfig holds steering engine tunables
type SteeringConfig struct {
	MaxBuffered           int `json:"max_buffered" mapstructure:"max_buffered"`
	DrainRounds           int `json:"drain_rounds" mapstructure:"drain_rounds"`
	SettleMs              int `json:"settle_ms" mapstructure:"settle_ms"`
	DirectInputTTLMinutes int `json:"direct_input_ttl_minutes" mapstructure:"direct_input_ttl_minutes"`
}

// SessionConfig holds session lifecycle configuration
type SessionConfig struct {
	AutoSaveThreshold float64 `json:"auto_save_threshold" mapstructure:"auto_save_threshold"`
	StopWaitSeconds   int     `json:"stop_wait_seconds" mapstructure:"stop_wait_seconds"`
	SweepIdleMinutes  int     `json:"sweep_idle_minutes" mapstructure:"sweep_idle_minutes"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Model:                "claude-sonnet-4",
			FallbackModel:        "claude-haiku-3-5",
			FallbackUtilization:  0.8,
			CooldownMinutes:      5,
			MaxConsecutiveLimits: 3,
			MaxTokens:            8192,
		},
		Steering: SteeringConfig{
			MaxBuffered:           20,
			DrainRounds:           5,
			SettleMs:              500,
			DirectInputTTLMinutes: 5,
		},
		Session: SessionConfig{
			AutoSaveThreshold: 0.8,
			StopWaitSeconds:   5,
			SweepIdleMinutes:  0,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9180",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram bot token is required")
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider api_key is required")
	}
	if c.Provider.Model == "" {
		return fmt.Errorf("provider model is required")
	}
	if c.Provider.FallbackUtilization <= 0 || c.Provider.FallbackUtilization > 1 {
		return fmt.Errorf("provider fallback_utilization must be in (0, 1], got %v", c.Provider.FallbackUtilization)
	}
	if c.Steering.MaxBuffered <= 0 {
		return fmt.Errorf("steering max_buffered must be positive, got %d", c.Steering.MaxBuffered)
	}
	if c.Steering.DrainRounds <= 0 {
		return fmt.Errorf("steering drain_rounds must be positive, got %d", c.Steering.DrainRounds)
	}
	if c.Session.AutoSaveThreshold <= 0 || c.Session.AutoSaveThreshold > 1 {
		return fmt.Errorf("session auto_save_threshold must be in (0, 1], got %v", c.Session.AutoSaveThreshold)
	}
	return nil
}
