package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/patchbay/patchbay/internal/config"
	"github.com/patchbay/patchbay/internal/daemon"
	"github.com/patchbay/patchbay/internal/logger"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the patchbay daemon",
	Long: `Start the patchbay daemon in the foreground.
The daemon discovers plugins, activates them, and serves the tool
registry over HTTP until it receives SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	pidFile := filepath.Join(cfg.DataDir, "patchbay.pid")
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		Console:    cfg.Logging.Console,
		Pretty:     cfg.Logging.Pretty,
		Redaction:  cfg.Logging.Redaction,
		MaxSizeMB:  cfg.Logging.MaxSize,
		MaxAgeDays: cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Patchbay daemon started on %s:%d (PID %d)\n",
		cfg.Server.Host, cfg.Server.Port, os.Getpid())

	d.Wait()
	return nil
}

// pidFilePath resolves the PID file from configuration, falling back to
// the default data directory when the config cannot be loaded.
func pidFilePath() string {
	if cfg, err := config.Load(cfgFile); err == nil {
		return filepath.Join(cfg.DataDir, "patchbay.pid")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/patchbay.pid"
	}
	return filepath.Join(home, ".patchbay", "patchbay.pid")
}

// readPID reads the process id recorded in a PID file.
func readPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

// isRunning reports whether the PID file names a live process.
func isRunning(pidFile string) bool {
	pid, err := readPID(pidFile)
	if err != nil {
		return false
	}

	// On Unix FindProcess always succeeds; signal 0 is the liveness probe.
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
