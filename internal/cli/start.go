package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aruna/rudder/internal/config"
	"github.com/aruna/rudder/internal/daemon"
	"github.com/aruna/rudder/internal/logger"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Rudder daemon service",
	Long: `Start the Rudder daemon in the foreground.
The daemon processes Telegram messages until it receives SIGINT or
SIGTERM, then persists session state and shuts down.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	pidFile := pidFilePath(cfg)
	if pid, err := daemon.ReadPIDFile(pidFile); err == nil && daemon.ProcessAlive(pid) {
		return fmt.Errorf("daemon is already running (PID %d)", pid)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    true,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	// Live-apply log level changes without a restart
	watcher := config.NewWatcher(loader, func(updated *config.Config) {
		log.SetLevel(updated.Logging.Level)
	}, log.GetZerolog())
	if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Config watcher could not start")
	} else {
		defer watcher.Stop()
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	if err := d.Stop(); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	return nil
}

func pidFilePath(cfg *config.Config) string {
	if cfg != nil && cfg.DataDir != "" {
		return filepath.Join(cfg.DataDir, "rudder.pid")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/rudder.pid"
	}
	return filepath.Join(home, ".rudder", "rudder.pid")
}
