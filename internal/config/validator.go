package config

import (
	"fmt"
	"strings"

	"github.com/patchbay/patchbay/pkg/plugin"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidatePort validates a TCP listen port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateApprovalMode validates the approval gate mode
func (v *Validator) ValidateApprovalMode(mode string) error {
	if mode == "" {
		return nil // Use default
	}

	validModes := []string{"auto", "gateway", "deny"}
	for _, valid := range validModes {
		if mode == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid approval mode: %s (must be one of: %s)", mode, strings.Join(validModes, ", "))
}

// ValidateHookEvent validates a hook's event name against the runtime's
// event types
func (v *Validator) ValidateHookEvent(event string) error {
	if event == "" {
		return fmt.Errorf("hook event cannot be empty")
	}

	validEvents := []plugin.EventType{
		plugin.EventPluginLoaded,
		plugin.EventPluginActivated,
		plugin.EventPluginDeactivated,
		plugin.EventPluginUnloaded,
		plugin.EventPluginReloaded,
		plugin.EventPluginError,
		plugin.EventToolInvoked,
		plugin.EventToolCompleted,
		plugin.EventToolFailed,
		plugin.EventApprovalRequested,
		plugin.EventApprovalResolved,
	}

	names := make([]string, 0, len(validEvents))
	for _, valid := range validEvents {
		if event == string(valid) {
			return nil
		}
		names = append(names, string(valid))
	}
	return fmt.Errorf("unknown hook event: %s (must be one of: %s)", event, strings.Join(names, ", "))
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"trace", "debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	// Validate server
	if err := v.ValidatePort(cfg.Server.Port); err != nil {
		errors = append(errors, fmt.Errorf("server: %w", err))
	}
	if cfg.Server.Host == "" {
		errors = append(errors, fmt.Errorf("server: host is required"))
	}

	// Validate plugin settings
	if cfg.Plugins.HookTimeoutSeconds < 0 {
		errors = append(errors, fmt.Errorf("plugins.hook_timeout_seconds must be >= 0"))
	}
	for i, dir := range cfg.Plugins.Dirs {
		if strings.TrimSpace(dir) == "" {
			errors = append(errors, fmt.Errorf("plugins.dirs[%d]: path is empty", i))
		}
	}

	// Validate tool settings
	if cfg.Tools.DefaultTimeoutSeconds < 0 {
		errors = append(errors, fmt.Errorf("tools.default_timeout_seconds must be >= 0"))
	}
	if cfg.Tools.MaxOutputKB < 0 {
		errors = append(errors, fmt.Errorf("tools.max_output_kb must be >= 0"))
	}
	if err := v.ValidateApprovalMode(cfg.Tools.Approval.Mode); err != nil {
		errors = append(errors, fmt.Errorf("tools.approval: %w", err))
	}
	if cfg.Tools.Approval.TimeoutSeconds < 0 {
		errors = append(errors, fmt.Errorf("tools.approval.timeout_seconds must be >= 0"))
	}

	// Validate hooks
	if cfg.Hooks.Enabled {
		for i, hook := range cfg.Hooks.Entries {
			if !hook.Enabled {
				continue
			}
			if err := v.ValidateHookEvent(hook.Event); err != nil {
				errors = append(errors, fmt.Errorf("hook %d: %w", i, err))
			}
			if strings.TrimSpace(hook.Script) == "" {
				errors = append(errors, fmt.Errorf("hook %d: script is required", i))
			}
			if hook.TimeoutSeconds < 0 {
				errors = append(errors, fmt.Errorf("hook %d: timeout_seconds must be >= 0", i))
			}
		}
	}

	// Validate history
	if cfg.History.RetentionDays < 0 {
		errors = append(errors, fmt.Errorf("history.retention_days must be >= 0"))
	}

	// Validate logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
