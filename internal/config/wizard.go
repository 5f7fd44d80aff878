package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
}

// NewWizard creates a new configuration wizard
func NewWizard() *Wizard {
	return &Wizard{
		reader: bufio.NewReader(os.Stdin),
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	fmt.Println("=== Patchbay Configuration Wizard ===")
	fmt.Println()

	cfg := DefaultConfig()
	validator := NewValidator()

	// Server
	fmt.Println("Server:")
	fmt.Printf("Listen host [%s]: ", cfg.Server.Host)
	host, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if host != "" {
		cfg.Server.Host = host
	}

	for {
		fmt.Printf("Listen port [%d]: ", cfg.Server.Port)
		portText, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if portText == "" {
			break
		}

		port, err := strconv.Atoi(portText)
		if err != nil {
			fmt.Println("Error: port must be a number")
			continue
		}
		if err := validator.ValidatePort(port); err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		cfg.Server.Port = port
		break
	}

	fmt.Print("Shared secret for mutating API calls (press Enter to skip): ")
	secret, err := w.readLine()
	if err != nil {
		return nil, err
	}
	cfg.Server.SharedSecret = secret

	fmt.Println()

	// Plugins
	fmt.Println("Plugins:")
	fmt.Print("Plugin directory (press Enter for <data_dir>/plugins): ")
	dir, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if dir != "" {
		cfg.Plugins.Dirs = []string{dir}
	}

	fmt.Print("Activate discovered plugins automatically? (y/n) [y]: ")
	auto, err := w.readLine()
	if err != nil {
		return nil, err
	}
	cfg.Plugins.AutoActivate = auto == "" || strings.ToLower(auto) == "y"

	fmt.Print("Watch plugin directories for manifest changes? (y/n) [n]: ")
	watch, err := w.readLine()
	if err != nil {
		return nil, err
	}
	cfg.Plugins.Watch = strings.ToLower(watch) == "y"

	fmt.Println()

	// Approval gate
	fmt.Println("Approval gate options:")
	fmt.Println("  gateway - Forward approval requests to connected clients (default)")
	fmt.Println("  auto    - Approve every gated tool without asking")
	fmt.Println("  deny    - Reject every gated tool")
	fmt.Print("Approval mode [gateway]: ")
	mode, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if mode == "" {
		mode = "gateway"
	}
	if err := validator.ValidateApprovalMode(mode); err != nil {
		fmt.Printf("Warning: %v, using default (gateway)\n", err)
		mode = "gateway"
	}
	cfg.Tools.Approval.Mode = mode

	fmt.Println()

	// Log Level
	fmt.Println("Logging:")
	fmt.Print("Log level (debug/info/warn/error) [info]: ")
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Printf("Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Println()
	fmt.Println("Configuration complete!")

	return cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
