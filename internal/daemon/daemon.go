package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aruna/rudder/internal/config"
	"github.com/aruna/rudder/internal/logger"
	"github.com/aruna/rudder/internal/observability"
	"github.com/aruna/rudder/internal/telegram"
	"github.com/aruna/rudder/internal/tracing"
	"github.com/aruna/rudder/pkg/dispatch"
	"github.com/aruna/rudder/pkg/history"
	"github.com/aruna/rudder/pkg/provider"
	"github.com/aruna/rudder/pkg/ratelimit"
	"github.com/aruna/rudder/pkg/session"
	"github.com/aruna/rudder/pkg/steering"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/robfig/cron/v3"
)

// transport is the outbound chat surface. *telegram.Bot satisfies it;
// tests substitute a fake.
type transport interface {
	SendText(chatID int64, text string, replyTo int) (int, time.Time, error)
	EditText(chatID int64, messageID int, text string) error
	SendChoice(chatID int64, text string, markup tgbotapi.InlineKeyboardMarkup) (int, time.Time, error)
	SendTyping(chatID int64)
	React(chatID int64, messageID int, emoji string)
	AnswerCallback(callbackID, text string)
	RemoveKeyboard(chatID int64, messageID int)
	DeleteMessage(chatID int64, messageID int)
}

// Daemon represents the Rudder daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	queue    *dispatch.Queue
	registry *session.Registry
	store    *session.Store
	history  *history.Store
	provider provider.Provider
	order    *steering.OrderPolicy

	// Telegram
	telegramBot *telegram.Bot
	transport   transport

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager
	sweeper   *cron.Cron

	metricsServer *http.Server

	// Tool attribution for steering messages, keyed by session key
	toolMu      sync.Mutex
	currentTool map[string]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status describes the daemon's runtime state
type Status struct {
	Running  bool
	PID      int
	Uptime   time.Duration
	Sessions int
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry("rudder-daemon"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		log.Info().Msg("Tracing initialized successfully")
	}

	d := &Daemon{
		config:         cfg,
		logger:         log,
		ctx:            ctx,
		cancel:         cancel,
		tracingEnabled: true,
		currentTool:    make(map[string]string),
	}

	if err := d.initializeCoreModules(); err != nil {
		cancel()
		if d.tracingEnabled {
			_ = tracing.ShutdownOpenTelemetry(context.Background())
			d.tracingEnabled = false
		}
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		cancel()
		if d.tracingEnabled {
			_ = tracing.ShutdownOpenTelemetry(context.Background())
			d.tracingEnabled = false
		}
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initializeCoreModules initializes all core modules in dependency order
func (d *Daemon) initializeCoreModules() error {
	d.queue = dispatch.New()
	d.logger.Info().Msg("Dispatch queue initialized")

	store, err := session.NewStore(filepath.Join(d.config.DataDir, "sessions"))
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}
	d.store = store
	d.logger.Info().Msg("Session store initialized")

	hist, err := history.New(filepath.Join(d.config.DataDir, "history"))
	if err != nil {
		return fmt.Errorf("failed to create history store: %w", err)
	}
	d.history = hist
	d.logger.Info().Msg("History store initialized")

	d.provider = provider.NewAnthropicProvider(d.config.Provider.APIKey, d.logger.GetZerolog())
	d.logger.Info().Str("model", d.config.Provider.Model).Msg("Provider initialized")

	d.registry = session.NewRegistry(
		sessionConfigFrom(d.config),
		d.store,
		d.provider,
		d.history,
		d.logger.GetZerolog(),
	)
	d.logger.Info().Msg("Session registry initialized")

	d.order = steering.NewOrderPolicy()
	d.logger.Info().Msg("Ordering gate initialized")

	return nil
}

// initializeServices initializes transport and background services
func (d *Daemon) initializeServices() error {
	if d.config.Telegram.BotToken != "" {
		bot, err := telegram.New(&d.config.Telegram, d.logger)
		if err != nil {
			return fmt.Errorf("failed to create telegram bot: %w", err)
		}
		d.telegramBot = bot
		d.transport = bot
		bot.SetUpdateHandler(d)
		d.logger.Info().Msg("Telegram bot initialized")
	}

	if d.config.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler())
		d.metricsServer = &http.Server{
			Addr:    d.config.Metrics.Addr,
			Handler: mux,
		}
		d.logger.Info().Str("addr", d.config.Metrics.Addr).Msg("Metrics endpoint initialized")
	}

	if d.config.Session.SweepIdleMinutes > 0 {
		d.sweeper = cron.New()
		schedule := fmt.Sprintf("@every %dm", d.config.Session.SweepIdleMinutes)
		if _, err := d.sweeper.AddFunc(schedule, d.sweepIdleSessions); err != nil {
			return fmt.Errorf("failed to schedule idle sweep: %w", err)
		}
		if _, err := d.sweeper.AddFunc("@every 10m", d.autosaveSessions); err != nil {
			return fmt.Errorf("failed to schedule session autosave: %w", err)
		}
		d.logger.Info().Int("idle_minutes", d.config.Session.SweepIdleMinutes).Msg("Idle sweep scheduled")
	}

	return nil
}

// sessionConfigFrom maps daemon configuration onto per-session tuning
func sessionConfigFrom(cfg *config.Config) session.Config {
	sc := session.DefaultSessionConfig()
	if cfg.Steering.MaxBuffered > 0 {
		sc.MaxBuffered = cfg.Steering.MaxBuffered
	}
	if cfg.Steering.DrainRounds > 0 {
		sc.DrainRounds = cfg.Steering.DrainRounds
	}
	if cfg.Steering.SettleMs > 0 {
		sc.SettleDelay = time.Duration(cfg.Steering.SettleMs) * time.Millisecond
	}
	if cfg.Steering.DirectInputTTLMinutes > 0 {
		sc.DirectInputTTL = time.Duration(cfg.Steering.DirectInputTTLMinutes) * time.Minute
	}
	if cfg.Session.StopWaitSeconds > 0 {
		sc.StopWait = time.Duration(cfg.Session.StopWaitSeconds) * time.Second
	}
	if cfg.Session.AutoSaveThreshold > 0 {
		sc.AutoSaveThreshold = cfg.Session.AutoSaveThreshold
	}
	sc.WorkingDir = cfg.WorkingDir

	fb := ratelimit.DefaultConfig(cfg.Provider.FallbackModel)
	if cfg.Provider.MaxConsecutiveLimits > 0 {
		fb.MaxConsecutive = cfg.Provider.MaxConsecutiveLimits
	}
	if cfg.Provider.CooldownMinutes > 0 {
		fb.Cooldown = time.Duration(cfg.Provider.CooldownMinutes) * time.Minute
	}
	if cfg.Provider.FallbackUtilization > 0 {
		fb.UtilizationThreshold = cfg.Provider.FallbackUtilization
	}
	sc.Fallback = fb

	return sc
}

func (d *Daemon) snapshotPath() string {
	return filepath.Join(d.config.DataDir, "steering_snapshot.json")
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	log := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	log.Info().Msg("Starting Rudder daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	// Re-seed steering buffers captured at the previous shutdown. The
	// snapshot is consumed exactly once.
	if err := d.registry.RestoreSteeringSnapshot(d.ctx, d.snapshotPath()); err != nil {
		log.Warn().Err(err).Msg("Failed to restore steering snapshot")
	}

	if d.metricsServer != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				d.logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		log.Info().Str("addr", d.config.Metrics.Addr).Msg("Metrics server started")
	}

	if d.sweeper != nil {
		d.sweeper.Start()
		log.Info().Msg("Idle sweep started")
	}

	if d.telegramBot != nil {
		if err := d.telegramBot.Start(); err != nil {
			return fmt.Errorf("failed to start telegram bot: %w", err)
		}
		log.Info().Msg("Telegram bot started")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	log.Info().Msg("Daemon started successfully - all core modules active")

	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	log := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	log.Info().Msg("Stopping Rudder daemon")

	if d.telegramBot != nil {
		if err := d.telegramBot.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop telegram bot")
		}
	}

	if d.sweeper != nil {
		d.sweeper.Stop()
	}

	d.eventLoop.HandleShutdown()

	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close dispatch queue")
		}
	}
	log.Info().Msg("Dispatch queue stopped")

	// Capture undelivered steering so it survives the restart
	if err := d.registry.SaveSteeringSnapshot(d.snapshotPath()); err != nil {
		log.Error().Err(err).Msg("Failed to save steering snapshot")
	}
	d.registry.PersistAll(context.Background())
	log.Info().Msg("Session state persisted")

	if d.metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shut down metrics server")
		}
		shutdownCancel()
	}

	if d.history != nil {
		if err := d.history.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close history store")
		}
	}

	if err := d.lifecycle.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.cancel()
	d.wg.Wait()

	if d.tracingEnabled {
		if err := tracing.ShutdownOpenTelemetry(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down tracing")
		}
		d.tracingEnabled = false
	}

	log.Info().Msg("Daemon stopped")
	return nil
}

// Status returns the daemon's runtime state
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := Status{
		Running:  d.running,
		PID:      os.Getpid(),
		Sessions: d.registry.Len(),
	}
	if d.running {
		st.Uptime = time.Since(d.startTime)
	}
	return st
}

func (d *Daemon) setCurrentTool(sessionKey, tool string) {
	d.toolMu.Lock()
	defer d.toolMu.Unlock()
	if tool == "" {
		delete(d.currentTool, sessionKey)
		return
	}
	d.currentTool[sessionKey] = tool
}

func (d *Daemon) toolContext(sessionKey string) string {
	d.toolMu.Lock()
	defer d.toolMu.Unlock()
	return d.currentTool[sessionKey]
}

// autosaveSessions persists every live session record so a hard kill
// loses at most a few minutes of accounting.
func (d *Daemon) autosaveSessions() {
	d.registry.PersistAll(context.Background())
	d.logger.Debug().Int("sessions", d.registry.Len()).Msg("Periodic session autosave completed")
}

// sweepIdleSessions drops sessions that have been idle past the
// configured horizon. Busy sessions and sessions with pending steering
// are left alone.
func (d *Daemon) sweepIdleSessions() {
	idleFor := time.Duration(d.config.Session.SweepIdleMinutes) * time.Minute
	now := time.Now()

	for _, s := range d.registry.All() {
		last := s.LastActive()
		if last.IsZero() || now.Sub(last) < idleFor {
			continue
		}
		if err := d.registry.Persist(context.Background(), s); err != nil {
			d.logger.Warn().Err(err).Str("session_key", s.Key()).Msg("Failed to persist session before sweep")
			continue
		}
		if d.registry.Remove(s.Identity()) {
			d.logger.Info().Str("session_key", s.Key()).Msg("Idle session swept")
		}
	}
}
