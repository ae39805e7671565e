package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/aruna/rudder/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show the current status of the Rudder daemon service.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	pidFile, err := resolvePIDFile()
	if err != nil {
		return err
	}

	pid, err := daemon.ReadPIDFile(pidFile)
	if err != nil || !daemon.ProcessAlive(pid) {
		fmt.Println("Status: stopped")
		return nil
	}

	fmt.Println("Status: running")
	fmt.Printf("PID: %d\n", pid)

	// PID file age approximates uptime
	if fileInfo, err := os.Stat(pidFile); err == nil {
		fmt.Printf("Uptime: %s\n", formatDuration(time.Since(fileInfo.ModTime())))
	}

	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
