package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeSessions prometheus.Gauge

	steeringDepth     *prometheus.GaugeVec
	steeringPushTotal prometheus.Counter
	steeringEvictions prometheus.Counter

	staleDropsTotal   prometheus.Counter
	interruptsTotal   prometheus.Counter
	queryTotal        *prometheus.CounterVec
	queryDuration     prometheus.Histogram
	drainRoundsTotal  prometheus.Counter
	choiceResolutions *prometheus.CounterVec
	recoveryTotal     *prometheus.CounterVec
	fallbackTotal     *prometheus.CounterVec

	sessionSaveDuration prometheus.Histogram
	sessionLoadDuration prometheus.Histogram

	dispatchDepth      *prometheus.GaugeVec
	dispatchTasksTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current active session count.",
				},
			),
			steeringDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "steering_buffer_depth",
					Help: "Current steering buffer depth by session key.",
				},
				[]string{"session_key"},
			),
			steeringPushTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "steering_push_total",
					Help: "Total steering messages buffered.",
				},
			),
			steeringEvictions: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "steering_evictions_total",
					Help: "Total steering messages evicted on overflow.",
				},
			),
			staleDropsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "stale_message_drops_total",
					Help: "Total inbound messages dropped by the ordering gate.",
				},
			),
			interruptsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "interrupts_total",
					Help: "Total interrupt requests delivered.",
				},
			),
			queryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_query_total",
					Help: "Total agent queries by status.",
				},
				[]string{"status"},
			),
			queryDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agent_query_duration_seconds",
					Help:    "Agent query duration in seconds.",
					Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
				},
			),
			drainRoundsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "steering_drain_rounds_total",
					Help: "Total auto-continue drain rounds executed.",
				},
			),
			choiceResolutions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "choice_resolutions_total",
					Help: "Total choice flow resolutions by outcome.",
				},
				[]string{"outcome"},
			),
			recoveryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "recovery_resolutions_total",
					Help: "Total recovery set resolutions by policy.",
				},
				[]string{"policy"},
			),
			fallbackTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "rate_limit_fallback_total",
					Help: "Total rate limit fallback decisions by action.",
				},
				[]string{"action"},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_save_duration_seconds",
					Help:    "Session record save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_load_duration_seconds",
					Help:    "Session record load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			dispatchDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "dispatch_queue_depth",
					Help: "Queued dispatch tasks by lane.",
				},
				[]string{"lane"},
			),
			dispatchTasksTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dispatch_tasks_total",
					Help: "Total dispatch tasks by terminal status.",
				},
				[]string{"status"},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.steeringDepth,
			m.steeringPushTotal,
			m.steeringEvictions,
			m.staleDropsTotal,
			m.interruptsTotal,
			m.queryTotal,
			m.queryDuration,
			m.drainRoundsTotal,
			m.choiceResolutions,
			m.recoveryTotal,
			m.fallbackTotal,
			m.sessionSaveDuration,
			m.sessionLoadDuration,
			m.dispatchDepth,
			m.dispatchTasksTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered registers all metrics with the default registry.
// Safe to call from any package init path.
func EnsureRegistered() {
	getMetrics()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	getMetrics()
	return promhttp.Handler()
}

// SetActiveSessions sets the active session gauge.
func SetActiveSessions(n int) {
	getMetrics().activeSessions.Set(float64(n))
}

// RecordSteeringPush records a buffered steering message and the new depth.
func RecordSteeringPush(sessionKey string, depth int, evicted bool) {
	m := getMetrics()
	m.steeringPushTotal.Inc()
	m.steeringDepth.WithLabelValues(sessionKey).Set(float64(depth))
	if evicted {
		m.steeringEvictions.Inc()
	}
}

// SetSteeringDepth sets the steering buffer depth for a session.
func SetSteeringDepth(sessionKey string, depth int) {
	getMetrics().steeringDepth.WithLabelValues(sessionKey).Set(float64(depth))
}

// RecordStaleDrop records an inbound message rejected by the ordering gate.
func RecordStaleDrop() {
	getMetrics().staleDropsTotal.Inc()
}

// RecordInterrupt records a delivered interrupt.
func RecordInterrupt() {
	getMetrics().interruptsTotal.Inc()
}

// RecordQuery records a completed agent query.
func RecordQuery(status string, duration time.Duration) {
	m := getMetrics()
	m.queryTotal.WithLabelValues(status).Inc()
	m.queryDuration.Observe(duration.Seconds())
}

// RecordDrainRound records an auto-continue round.
func RecordDrainRound() {
	getMetrics().drainRoundsTotal.Inc()
}

// RecordChoiceResolution records a choice flow outcome ("resolved", "pending", "expired").
func RecordChoiceResolution(outcome string) {
	getMetrics().choiceResolutions.WithLabelValues(outcome).Inc()
}

// RecordRecoveryResolution records a recovery set resolution policy.
func RecordRecoveryResolution(policy string) {
	getMetrics().recoveryTotal.WithLabelValues(policy).Inc()
}

// RecordFallback records a rate limit fallback decision
// ("cooldown_active", "cooldown_started", "retry_fallback", "report").
func RecordFallback(action string) {
	getMetrics().fallbackTotal.WithLabelValues(action).Inc()
}

// SetDispatchDepth sets the queued task count for a dispatch lane.
func SetDispatchDepth(lane string, depth int) {
	getMetrics().dispatchDepth.WithLabelValues(lane).Set(float64(depth))
}

// RecordDispatchTask records a dispatch task outcome
// ("completed", "failed", "stale", "cleared").
func RecordDispatchTask(status string) {
	getMetrics().dispatchTasksTotal.WithLabelValues(status).Inc()
}

// RecordSessionSave records a session record save duration.
func RecordSessionSave(d time.Duration) {
	getMetrics().sessionSaveDuration.Observe(d.Seconds())
}

// RecordSessionLoad records a session record load duration.
func RecordSessionLoad(d time.Duration) {
	getMetrics().sessionLoadDuration.Observe(d.Seconds())
}
