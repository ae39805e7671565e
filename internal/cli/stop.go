package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/aruna/rudder/internal/config"
	"github.com/aruna/rudder/internal/daemon"
	"github.com/spf13/cobra"
)

var stopTimeout int

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the Rudder daemon service",
	Long: `Stop the Rudder daemon gracefully.
Sends SIGTERM to the daemon and waits for it to shut down.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for daemon to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	pidFile, err := resolvePIDFile()
	if err != nil {
		return err
	}

	pid, err := daemon.ReadPIDFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("Daemon is not running")
			return nil
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}
	if !daemon.ProcessAlive(pid) {
		fmt.Println("Daemon is not running (stale PID file removed)")
		os.Remove(pidFile)
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !daemon.ProcessAlive(pid) {
			fmt.Println("Daemon stopped successfully")
			os.Remove(pidFile)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Println("Timeout reached, sending SIGKILL...")
	if err := process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}
	os.Remove(pidFile)
	fmt.Println("Daemon killed")
	return nil
}

func resolvePIDFile() (string, error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	return pidFilePath(cfg), nil
}
