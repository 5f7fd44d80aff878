package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/patchbay/patchbay/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show the current status of the patchbay daemon.
Queries the daemon's HTTP status endpoint when reachable, falling back
to the PID file.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// systemStatus mirrors the gateway's status endpoint payload.
type systemStatus struct {
	PluginCount       int    `json:"plugin_count"`
	ActivePluginCount int    `json:"active_plugin_count"`
	TotalTools        int    `json:"total_tools"`
	ActiveTools       int    `json:"active_tools"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	APIVersion        string `json:"api_version"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	out := cmd.OutOrStdout()

	status, err := fetchStatus(cfg)
	if err == nil {
		fmt.Fprintln(out, "Status: running")
		fmt.Fprintf(out, "API version: %s\n", status.APIVersion)
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Duration(status.UptimeSeconds)*time.Second))
		fmt.Fprintf(out, "Plugins: %d (%d active)\n", status.PluginCount, status.ActivePluginCount)
		fmt.Fprintf(out, "Tools: %d (%d active)\n", status.TotalTools, status.ActiveTools)
		return nil
	}

	// The HTTP surface may be unreachable while the process is alive,
	// e.g. mid-startup; the PID file is the fallback signal.
	pidFile := pidFilePath()
	if isRunning(pidFile) {
		pid, _ := readPID(pidFile)
		fmt.Fprintln(out, "Status: running (HTTP status endpoint unreachable)")
		fmt.Fprintf(out, "PID: %d\n", pid)
		return nil
	}

	fmt.Fprintln(out, "Status: stopped")
	return nil
}

func fetchStatus(cfg *config.Config) (*systemStatus, error) {
	client := &http.Client{Timeout: 2 * time.Second}
	url := fmt.Sprintf("http://%s:%d/api/v1/system/status", cfg.Server.Host, cfg.Server.Port)

	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	var status systemStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("malformed status response: %w", err)
	}
	return &status, nil
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
