package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aruna/rudder/internal/observability"
	"github.com/aruna/rudder/pkg/choice"
	"github.com/aruna/rudder/pkg/provider"
	"github.com/aruna/rudder/pkg/ratelimit"
	"github.com/aruna/rudder/pkg/recovery"
	"github.com/aruna/rudder/pkg/steering"
	"github.com/rs/zerolog"
)

// ErrBusy is returned when a query start races an in-flight query
var ErrBusy = fmt.Errorf("session is already processing a query")

// DefaultContextWindowSize is assumed when the provider never reported
// a window size for the active model.
const DefaultContextWindowSize = 200000

// Config tunes one session's behavior
type Config struct {
	MaxBuffered       int
	DrainRounds       int
	SettleDelay       time.Duration
	StopWait          time.Duration
	DirectInputTTL    time.Duration
	WorkingDir        string
	ContextWindowSize int
	AutoSaveThreshold float64
	Fallback          ratelimit.Config
}

// DefaultSessionConfig returns the standard tuning
func DefaultSessionConfig() Config {
	return Config{
		MaxBuffered:       steering.DefaultMaxBuffered,
		DrainRounds:       5,
		SettleDelay:       500 * time.Millisecond,
		StopWait:          5 * time.Second,
		DirectInputTTL:    choice.DirectInputTTL,
		ContextWindowSize: DefaultContextWindowSize,
		AutoSaveThreshold: 0.8,
	}
}

// Session is the per-conversation engine. All mutation goes through
// its lock; async callbacks must carry the generation they captured
// and are ignored once it is stale.
type Session struct {
	mu sync.Mutex

	identity Identity
	key      string
	cfg      Config
	logger   zerolog.Logger

	queryState    QueryState
	activityState ActivityState
	generation    int

	buffer   *steering.Buffer
	recover  *recovery.Manager
	fallback *ratelimit.Fallback

	choiceState        *choice.State
	pendingDirectInput *choice.DirectInputState
	pendingContext     string

	providerSessionID  string
	workingDir         string
	contextWindowUsage int
	contextWindowSize  int
	totals             provider.Usage
	startTime          time.Time
	lastActive         time.Time
	lastMessage        string
	savedUsage         int

	stopRequested       bool
	interruptInProgress bool
	abortFn             func()
}

// New creates a session for one conversation identity
func New(identity Identity, cfg Config, probe ratelimit.UsageProbe, hist recovery.ChatHistory, logger zerolog.Logger) *Session {
	key := identity.Key()
	sessionLogger := logger.With().Str("component", "session").Str("session_key", key).Logger()

	if cfg.ContextWindowSize <= 0 {
		cfg.ContextWindowSize = DefaultContextWindowSize
	}
	if cfg.StopWait <= 0 {
		cfg.StopWait = 5 * time.Second
	}
	if cfg.DrainRounds <= 0 {
		cfg.DrainRounds = 5
	}
	if cfg.DirectInputTTL <= 0 {
		cfg.DirectInputTTL = choice.DirectInputTTL
	}

	return &Session{
		identity:          identity,
		key:               key,
		cfg:               cfg,
		logger:            sessionLogger,
		queryState:        QueryIdle,
		activityState:     ActivityIdle,
		buffer:            steering.NewBuffer(key, cfg.MaxBuffered),
		recover:           recovery.NewManager(key, hist, logger),
		fallback:          ratelimit.NewFallback(cfg.Fallback, probe, logger.With().Str("session_key", key).Logger()),
		workingDir:        cfg.WorkingDir,
		contextWindowSize: cfg.ContextWindowSize,
		startTime:         time.Now(),
		lastActive:        time.Now(),
	}
}

// Identity returns the conversation identity
func (s *Session) Identity() Identity { return s.identity }

// Key returns the filesystem-safe conversation key
func (s *Session) Key() string { return s.key }

// Buffer returns the session's steering buffer
func (s *Session) Buffer() *steering.Buffer { return s.buffer }

// Recovery returns the session's recovery manager
func (s *Session) Recovery() *recovery.Manager { return s.recover }

// Fallback returns the session's rate-limit fallback machine
func (s *Session) Fallback() *ratelimit.Fallback { return s.fallback }

// Generation returns the current generation counter
func (s *Session) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// States returns the current query and activity states
func (s *Session) States() (QueryState, ActivityState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryState, s.activityState
}

// Busy reports whether a query is in flight
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryState != QueryIdle
}

func (s *Session) setQueryStateLocked(to QueryState) bool {
	from := s.queryState
	if from == to {
		return true
	}
	if !validQueryTransition(from, to) {
		s.logger.Warn().
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("Rejected query state transition")
		return false
	}
	s.queryState = to
	s.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("Query state changed")
	return true
}

func (s *Session) setActivityStateLocked(to ActivityState) bool {
	from := s.activityState
	if from == to {
		return true
	}
	if !validActivityTransition(from, to) {
		s.logger.Warn().
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("Rejected activity state transition")
		return false
	}
	s.activityState = to
	s.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("Activity state changed")
	return true
}

// forceIdleLocked is the cleanup path: it returns both machines to
// idle regardless of which branch got us here, and is idempotent.
func (s *Session) forceIdleLocked() {
	if s.queryState != QueryIdle {
		s.logger.Debug().Str("from", string(s.queryState)).Msg("Query state forced idle")
		s.queryState = QueryIdle
	}
	if s.activityState != ActivityIdle {
		s.logger.Debug().Str("from", string(s.activityState)).Msg("Activity state forced idle")
		s.activityState = ActivityIdle
	}
}

// StartProcessing claims the session for one query. The returned
// finish closure returns both state machines to idle on every exit
// path; it never clears the steering buffer, so unconsumed steering
// survives into the next query. The closure is generation-guarded and
// idempotent.
func (s *Session) StartProcessing() (func(), int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queryState != QueryIdle {
		return nil, 0, ErrBusy
	}

	s.setQueryStateLocked(QueryPreparing)
	if s.activityState == ActivityIdle {
		s.setActivityStateLocked(ActivityWorking)
	}
	s.stopRequested = false
	s.lastActive = time.Now()
	gen := s.generation

	finish := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.generation != gen {
			return
		}
		s.forceIdleLocked()
		s.abortFn = nil
	}

	return finish, gen, nil
}

// MarkRunning flips preparing → running once the provider stream has
// begun. Stale generations no-op.
func (s *Session) MarkRunning(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return false
	}
	return s.setQueryStateLocked(QueryRunning)
}

// SetAbort registers the abort hook for the in-flight query
func (s *Session) SetAbort(gen int, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return
	}
	s.abortFn = fn
}

// StopRequested reports whether the in-flight query was asked to abort
func (s *Session) StopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

// Stop aborts the in-flight query and waits, bounded, for the session
// to return to idle. A concurrent second stop does not issue a second
// abort; it simply waits on the first.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.queryState == QueryIdle {
		s.mu.Unlock()
		return nil
	}
	if s.interruptInProgress {
		s.mu.Unlock()
		return s.waitForIdle(ctx)
	}
	s.interruptInProgress = true
	s.stopRequested = true
	abort := s.abortFn
	s.setQueryStateLocked(QueryAborting)
	s.mu.Unlock()

	s.logger.Info().Msg("Stop requested")
	observability.RecordInterrupt()

	if abort != nil {
		abort()
	}

	err := s.waitForIdle(ctx)

	s.mu.Lock()
	s.interruptInProgress = false
	s.mu.Unlock()
	return err
}

// waitForIdle polls for queryState to return to idle. The provider
// stream has to observe the abort; cancellation is never immediate.
func (s *Session) waitForIdle(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.StopWait)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		idle := s.queryState == QueryIdle
		s.mu.Unlock()
		if idle {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("session %s did not return to idle within %s", s.key, s.cfg.StopWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Steer buffers a message that arrived mid-query. The bool reports
// whether the push evicted the oldest entry.
func (s *Session) Steer(content string, sourceMessageID int64, toolContext string) (bool, error) {
	evicted, err := s.buffer.Push(content, sourceMessageID, toolContext)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
	return evicted, nil
}

// DrainSteering runs bounded auto-continue rounds after a query
// completes: each round consumes the buffer, lets run issue a
// synthetic follow-up query, and re-checks for newly arrived messages.
// It reports the rounds executed and whether steering is still pending
// when the round budget is exhausted.
func (s *Session) DrainSteering(ctx context.Context, run func(ctx context.Context, prompt string) error) (int, bool, error) {
	gen := s.Generation()
	rounds := 0

	for rounds < s.cfg.DrainRounds {
		// Let in-flight transport messages settle before re-checking
		if s.cfg.SettleDelay > 0 {
			select {
			case <-ctx.Done():
				return rounds, s.buffer.HasPending(), ctx.Err()
			case <-time.After(s.cfg.SettleDelay):
			}
		}

		if s.Generation() != gen || s.StopRequested() {
			return rounds, false, nil
		}
		if !s.buffer.HasPending() {
			return rounds, false, nil
		}

		prompt := s.buffer.Consume()
		rounds++
		observability.RecordDrainRound()
		s.logger.Info().Int("round", rounds).Msg("Draining steering with follow-up query")

		if err := run(ctx, prompt); err != nil {
			return rounds, s.buffer.HasPending(), err
		}
	}

	return rounds, s.buffer.HasPending(), nil
}

// SetChoice installs a pending choice negotiation and flips the
// activity state to waiting.
func (s *Session) SetChoice(state *choice.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.choiceState = state
	if s.activityState == ActivityIdle {
		s.setActivityStateLocked(ActivityWorking)
	}
	s.setActivityStateLocked(ActivityWaiting)
}

// Choice returns the pending choice state, if any
func (s *Session) Choice() *choice.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.choiceState
}

// ApplyChoice advances the pending negotiation. Completion clears the
// choice state and hands the activity state back to working.
func (s *Session) ApplyChoice(input choice.Input) (choice.Result, error) {
	s.mu.Lock()
	state := s.choiceState
	s.mu.Unlock()

	result, err := choice.Apply(state, input)
	if err != nil {
		return result, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if result.Status == choice.StatusResolved {
		s.choiceState = nil
		s.pendingDirectInput = nil
		s.setActivityStateLocked(ActivityWorking)
		observability.RecordChoiceResolution("resolved")
	} else {
		s.choiceState = result.State
		observability.RecordChoiceResolution("pending")
	}
	return result, nil
}

// ClearChoice drops a pending negotiation without resolving it
func (s *Session) ClearChoice() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.choiceState == nil && s.pendingDirectInput == nil {
		return
	}
	s.choiceState = nil
	s.pendingDirectInput = nil
	if s.activityState == ActivityWaiting {
		s.setActivityStateLocked(ActivityWorking)
	}
	observability.RecordChoiceResolution("cleared")
}

// SetDirectInput arms the free-text escape for a pending choice
func (s *Session) SetDirectInput(d *choice.DirectInputState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingDirectInput = d
}

// TakeDirectInput consumes the armed direct-input state. Expiry is
// checked lazily here, never swept eagerly; an expired state is
// cleared and reported.
func (s *Session) TakeDirectInput(now time.Time) (*choice.DirectInputState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.pendingDirectInput
	if d == nil {
		return nil, false
	}
	s.pendingDirectInput = nil
	if d.Expired(now) {
		s.logger.Debug().Msg("Direct input expired")
		observability.RecordChoiceResolution("expired")
		return nil, false
	}
	return d, true
}

// SetPendingContext stores a one-shot context header for the next query
func (s *Session) SetPendingContext(header string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingContext = header
}

// TakePendingContext consumes the one-shot context header
func (s *Session) TakePendingContext() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	header := s.pendingContext
	s.pendingContext = ""
	return header
}

// SetProviderSessionID records the provider-side session id. Stale
// generations no-op.
func (s *Session) SetProviderSessionID(gen int, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen || id == "" {
		return
	}
	s.providerSessionID = id
}

// ProviderSessionID returns the provider-side session id
func (s *Session) ProviderSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providerSessionID
}

// ApplyUsage folds a completed query's token usage into the context
// window accounting. It reports whether the auto-save threshold was
// crossed by this update. Stale generations no-op.
func (s *Session) ApplyUsage(gen int, usage provider.Usage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return false
	}

	s.totals.InputTokens += usage.InputTokens
	s.totals.OutputTokens += usage.OutputTokens
	s.contextWindowUsage = usage.InputTokens + usage.OutputTokens
	s.lastActive = time.Now()

	threshold := int(float64(s.contextWindowSize) * s.cfg.AutoSaveThreshold)
	if threshold > 0 && s.contextWindowUsage >= threshold && s.savedUsage < threshold {
		s.savedUsage = s.contextWindowUsage
		s.logger.Info().
			Int("usage", s.contextWindowUsage).
			Int("window", s.contextWindowSize).
			Msg("Context window threshold crossed, auto-save needed")
		return true
	}
	return false
}

// ContextWindow returns current usage and window size
func (s *Session) ContextWindow() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextWindowUsage, s.contextWindowSize
}

// SetLastMessage remembers the most recent user message for resend
func (s *Session) SetLastMessage(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMessage = text
}

// LastMessage returns the most recent user message
func (s *Session) LastMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMessage
}

// LastActive returns the time of the last user-visible activity
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Kill invalidates the session: the generation is bumped so every
// captured callback becomes a no-op, state machines are forced idle,
// stop flags and negotiations are cleared, and any unconsumed steering
// is extracted and returned for the caller to route into recovery.
func (s *Session) Kill() []steering.Message {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.forceIdleLocked()
	s.stopRequested = false
	s.interruptInProgress = false
	s.abortFn = nil
	s.choiceState = nil
	s.pendingDirectInput = nil
	s.pendingContext = ""
	s.providerSessionID = ""
	s.contextWindowUsage = 0
	s.savedUsage = 0
	s.totals = provider.Usage{}
	s.startTime = time.Now()
	s.mu.Unlock()

	s.fallback.Reset()
	orphaned := s.buffer.Extract()

	s.logger.Info().Int("generation", gen).Int("orphaned", len(orphaned)).Msg("Session killed")
	return orphaned
}

// Record snapshots the session's persistent state
func (s *Session) Record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Record{
		ProviderSessionID:  s.providerSessionID,
		WorkingDir:         s.workingDir,
		ContextWindowUsage: s.contextWindowUsage,
		ContextWindowSize:  s.contextWindowSize,
		Totals:             s.totals,
		SessionStartTime:   s.startTime,
	}
}

// RestoreRecord rehydrates persistent state from a stored record
func (s *Session) RestoreRecord(rec *Record) {
	if rec == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providerSessionID = rec.ProviderSessionID
	if rec.WorkingDir != "" {
		s.workingDir = rec.WorkingDir
	}
	s.contextWindowUsage = rec.ContextWindowUsage
	if rec.ContextWindowSize > 0 {
		s.contextWindowSize = rec.ContextWindowSize
	}
	s.totals = rec.Totals
	if !rec.SessionStartTime.IsZero() {
		s.startTime = rec.SessionStartTime
	}
}

// WorkingDir returns the working directory handed to the provider
func (s *Session) WorkingDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workingDir
}

// StartTime returns when this session generation began
func (s *Session) StartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime
}
