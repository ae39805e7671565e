package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProbe struct {
	utilization map[string]float64
	err         error
	calls       []string
}

func (p *fakeProbe) Utilization(_ context.Context, model string) (float64, error) {
	p.calls = append(p.calls, model)
	if p.err != nil {
		return 0, p.err
	}
	return p.utilization[model], nil
}

func newTestFallback(probe UsageProbe) *Fallback {
	return NewFallback(DefaultConfig("haiku"), probe, zerolog.Nop())
}

func TestFallback_DowngradeWhenLowerTierAvailable(t *testing.T) {
	probe := &fakeProbe{utilization: map[string]float64{"haiku": 0.4}}
	f := newTestFallback(probe)

	d := f.OnRateLimit(context.Background(), time.Time{})
	require.Equal(t, ActionRetryFallback, d.Action)
	assert.Equal(t, "haiku", d.Model)
	assert.True(t, f.Overridden())
	assert.Equal(t, "haiku", f.Model("opus"))
}

func TestFallback_NoDowngradeWhenSaturated(t *testing.T) {
	probe := &fakeProbe{utilization: map[string]float64{"haiku": 0.95}}
	f := newTestFallback(probe)

	d := f.OnRateLimit(context.Background(), time.Time{})
	assert.Equal(t, ActionReport, d.Action)
	assert.False(t, f.Overridden())
	assert.Equal(t, "opus", f.Model("opus"))
}

func TestFallback_ProbeErrorReports(t *testing.T) {
	probe := &fakeProbe{err: errors.New("probe down")}
	f := newTestFallback(probe)

	d := f.OnRateLimit(context.Background(), time.Time{})
	assert.Equal(t, ActionReport, d.Action)
}

func TestFallback_NilProbeNeverDowngrades(t *testing.T) {
	f := newTestFallback(nil)
	d := f.OnRateLimit(context.Background(), time.Time{})
	assert.Equal(t, ActionReport, d.Action)
}

func TestFallback_NoSecondRetryUnderOverride(t *testing.T) {
	probe := &fakeProbe{utilization: map[string]float64{"haiku": 0.1}}
	f := newTestFallback(probe)

	d := f.OnRateLimit(context.Background(), time.Time{})
	require.Equal(t, ActionRetryFallback, d.Action)

	// The retry itself was rate limited: report, do not chain
	d = f.OnRateLimit(context.Background(), time.Time{})
	assert.Equal(t, ActionReport, d.Action)
	assert.True(t, f.Overridden())
}

func TestFallback_ThresholdStartsCooldown(t *testing.T) {
	f := newTestFallback(nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return base }

	assert.Equal(t, ActionReport, f.OnRateLimit(context.Background(), time.Time{}).Action)
	assert.Equal(t, ActionReport, f.OnRateLimit(context.Background(), time.Time{}).Action)

	d := f.OnRateLimit(context.Background(), time.Time{})
	require.Equal(t, ActionCooldownStarted, d.Action)
	assert.Equal(t, base.Add(DefaultCooldown), d.CooldownUntil)
}

func TestFallback_ActiveCooldownWinsOverEverything(t *testing.T) {
	probe := &fakeProbe{utilization: map[string]float64{"haiku": 0.1}}
	f := NewFallback(DefaultConfig("haiku"), probe, zerolog.Nop())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return base }

	f.OnRateLimit(context.Background(), time.Time{}) // retry_fallback
	f.OnRateLimit(context.Background(), time.Time{}) // report
	f.OnRateLimit(context.Background(), time.Time{}) // cooldown_started

	f.now = func() time.Time { return base.Add(2 * time.Minute) }
	d := f.OnRateLimit(context.Background(), time.Time{})
	assert.Equal(t, ActionCooldownActive, d.Action)
	assert.Equal(t, base.Add(DefaultCooldown), d.CooldownUntil)
}

func TestFallback_CooldownExpires(t *testing.T) {
	f := newTestFallback(nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		f.OnRateLimit(context.Background(), time.Time{})
	}
	f.OnSuccess()

	f.now = func() time.Time { return base.Add(6 * time.Minute) }
	d := f.OnRateLimit(context.Background(), time.Time{})
	// Expired cooldown no longer blocks; single failure just reports
	assert.Equal(t, ActionReport, d.Action)
}

func TestFallback_SuccessResetsFailuresNotOverride(t *testing.T) {
	probe := &fakeProbe{utilization: map[string]float64{"haiku": 0.1}}
	f := newTestFallback(probe)

	require.Equal(t, ActionRetryFallback, f.OnRateLimit(context.Background(), time.Time{}).Action)
	f.OnSuccess()

	assert.Equal(t, 0, f.Snapshot().ConsecutiveFailures)
	assert.True(t, f.Overridden())
	assert.Equal(t, "haiku", f.Model("opus"))
}

func TestFallback_ResetClearsOverride(t *testing.T) {
	probe := &fakeProbe{utilization: map[string]float64{"haiku": 0.1}}
	f := newTestFallback(probe)
	f.OnRateLimit(context.Background(), time.Time{})
	require.True(t, f.Overridden())

	f.Reset()
	assert.False(t, f.Overridden())
	assert.Equal(t, State{}, f.Snapshot())
}

func TestFallback_CheckOriginalRecovered(t *testing.T) {
	probe := &fakeProbe{utilization: map[string]float64{"haiku": 0.1, "opus": 0.9}}
	f := newTestFallback(probe)
	f.OnRateLimit(context.Background(), time.Time{})
	require.True(t, f.Overridden())

	assert.False(t, f.CheckOriginalRecovered(context.Background(), "opus"))
	assert.True(t, f.Overridden())

	probe.utilization["opus"] = 0.3
	assert.True(t, f.CheckOriginalRecovered(context.Background(), "opus"))
	assert.False(t, f.Overridden())
	assert.Equal(t, "opus", f.Model("opus"))
}

func TestFallback_CheckOriginalRecoveredNoOverride(t *testing.T) {
	probe := &fakeProbe{utilization: map[string]float64{"opus": 0.1}}
	f := newTestFallback(probe)
	assert.False(t, f.CheckOriginalRecovered(context.Background(), "opus"))
	assert.Empty(t, probe.calls)
}

func TestFallback_RecordsResetTime(t *testing.T) {
	f := newTestFallback(nil)
	reset := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	f.OnRateLimit(context.Background(), reset)
	assert.Equal(t, reset, f.Snapshot().LastKnownResetTime)
}
