// Package ratelimit tracks consecutive provider rate-limit failures and
// drives a temporary downgrade to a lower-tier model with cooldown.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/aruna/rudder/internal/observability"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxConsecutive is how many back-to-back rate-limit errors
	// trigger a cooldown instead of a fallback attempt.
	DefaultMaxConsecutive = 3
	// DefaultCooldown is how long the session backs off once the
	// failure threshold is reached.
	DefaultCooldown = 5 * time.Minute
	// DefaultUtilizationThreshold is the maximum utilization at which a
	// lower-tier model is still considered available for fallback.
	DefaultUtilizationThreshold = 0.8
)

// Action tells the caller how to respond to a rate-limit error
type Action string

const (
	// ActionCooldownActive means an unexpired cooldown is in effect;
	// surface the rate-limit notice and do not retry.
	ActionCooldownActive Action = "cooldown_active"
	// ActionCooldownStarted means the failure threshold was just
	// crossed and a new cooldown window began.
	ActionCooldownStarted Action = "cooldown_started"
	// ActionRetryFallback means a temporary override to a lower-tier
	// model was set; retry the same query once under it.
	ActionRetryFallback Action = "retry_fallback"
	// ActionReport means no automatic remedy applies; report the error
	// to the user.
	ActionReport Action = "report"
)

// Decision is the outcome of handling one rate-limit error
type Decision struct {
	Action        Action
	Model         string
	CooldownUntil time.Time
}

// State is the persistent part of the fallback machine
type State struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CooldownUntil       time.Time `json:"cooldown_until"`
	LastKnownResetTime  time.Time `json:"last_known_reset_time"`
}

// UsageProbe reports a model tier's current utilization in [0, 1]
type UsageProbe interface {
	Utilization(ctx context.Context, model string) (float64, error)
}

// Config tunes the fallback machine
type Config struct {
	FallbackModel        string
	MaxConsecutive       int
	Cooldown             time.Duration
	UtilizationThreshold float64
}

// DefaultConfig returns the standard fallback tuning for a given
// lower-tier model.
func DefaultConfig(fallbackModel string) Config {
	return Config{
		FallbackModel:        fallbackModel,
		MaxConsecutive:       DefaultMaxConsecutive,
		Cooldown:             DefaultCooldown,
		UtilizationThreshold: DefaultUtilizationThreshold,
	}
}

// Fallback is the per-session rate-limit state machine
type Fallback struct {
	mu       sync.Mutex
	cfg      Config
	probe    UsageProbe
	state    State
	override string
	logger   zerolog.Logger
	now      func() time.Time
}

// NewFallback creates a fallback machine. The probe may be nil, which
// disables the downgrade path entirely.
func NewFallback(cfg Config, probe UsageProbe, logger zerolog.Logger) *Fallback {
	if cfg.MaxConsecutive <= 0 {
		cfg.MaxConsecutive = DefaultMaxConsecutive
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.UtilizationThreshold <= 0 {
		cfg.UtilizationThreshold = DefaultUtilizationThreshold
	}
	return &Fallback{
		cfg:    cfg,
		probe:  probe,
		logger: logger.With().Str("component", "ratelimit").Logger(),
		now:    time.Now,
	}
}

// OnRateLimit handles one provider rate-limit error and decides the
// next step. resetTime is the provider-reported quota reset, zero when
// unknown.
func (f *Fallback) OnRateLimit(ctx context.Context, resetTime time.Time) Decision {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.state.ConsecutiveFailures++
	if !resetTime.IsZero() {
		f.state.LastKnownResetTime = resetTime
	}

	now := f.now()

	if !f.state.CooldownUntil.IsZero() && now.Before(f.state.CooldownUntil) {
		f.logger.Warn().
			Time("cooldown_until", f.state.CooldownUntil).
			Msg("Rate limited during active cooldown")
		observability.RecordFallback(string(ActionCooldownActive))
		return Decision{Action: ActionCooldownActive, CooldownUntil: f.state.CooldownUntil}
	}

	if f.state.ConsecutiveFailures >= f.cfg.MaxConsecutive {
		f.state.CooldownUntil = now.Add(f.cfg.Cooldown)
		f.logger.Warn().
			Int("consecutive_failures", f.state.ConsecutiveFailures).
			Time("cooldown_until", f.state.CooldownUntil).
			Msg("Rate-limit threshold reached, starting cooldown")
		observability.RecordFallback(string(ActionCooldownStarted))
		return Decision{Action: ActionCooldownStarted, CooldownUntil: f.state.CooldownUntil}
	}

	// A failure under an active override is reported without a second
	// automatic retry, so fallback chains stay bounded.
	if f.override != "" {
		f.logger.Warn().Str("override", f.override).Msg("Rate limited under fallback override")
		observability.RecordFallback(string(ActionReport))
		return Decision{Action: ActionReport}
	}

	if f.probe == nil || f.cfg.FallbackModel == "" {
		observability.RecordFallback(string(ActionReport))
		return Decision{Action: ActionReport}
	}

	util, err := f.probe.Utilization(ctx, f.cfg.FallbackModel)
	if err != nil {
		f.logger.Warn().Err(err).Msg("Usage probe failed, skipping fallback")
		observability.RecordFallback(string(ActionReport))
		return Decision{Action: ActionReport}
	}
	if util >= f.cfg.UtilizationThreshold {
		f.logger.Info().
			Float64("utilization", util).
			Msg("Fallback tier saturated, not downgrading")
		observability.RecordFallback(string(ActionReport))
		return Decision{Action: ActionReport}
	}

	f.override = f.cfg.FallbackModel
	f.logger.Info().
		Str("model", f.override).
		Float64("utilization", util).
		Msg("Downgrading to fallback model for one retry")
	observability.RecordFallback(string(ActionRetryFallback))
	return Decision{Action: ActionRetryFallback, Model: f.override}
}

// OnSuccess resets the consecutive-failure counter. The override, if
// any, stays in place until Reset or CheckOriginalRecovered clears it.
func (f *Fallback) OnSuccess() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.ConsecutiveFailures = 0
}

// Model returns the model to use for the next query: the override when
// one is active, otherwise the given default.
func (f *Fallback) Model(defaultModel string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.override != "" {
		return f.override
	}
	return defaultModel
}

// Overridden reports whether a temporary downgrade is active
func (f *Fallback) Overridden() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.override != ""
}

// CheckOriginalRecovered probes the original tier and clears the
// override once its utilization has dropped below the threshold. It
// returns true when the override was cleared.
func (f *Fallback) CheckOriginalRecovered(ctx context.Context, originalModel string) bool {
	f.mu.Lock()
	if f.override == "" || f.probe == nil {
		f.mu.Unlock()
		return false
	}
	f.mu.Unlock()

	util, err := f.probe.Utilization(ctx, originalModel)
	if err != nil {
		f.logger.Debug().Err(err).Msg("Original tier probe failed")
		return false
	}
	if util >= f.cfg.UtilizationThreshold {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.override == "" {
		return false
	}
	f.override = ""
	f.logger.Info().
		Str("model", originalModel).
		Float64("utilization", util).
		Msg("Original tier recovered, clearing fallback override")
	return true
}

// Reset clears the whole machine; called on explicit session reset.
func (f *Fallback) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = State{}
	f.override = ""
}

// Snapshot returns a copy of the current state for status reporting
func (f *Fallback) Snapshot() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}
