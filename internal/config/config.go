package config

import (
	"encoding/json"
	"errors"
)

// Config represents the main patchbay configuration
type Config struct {
	// HTTP server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Plugin discovery and lifecycle
	Plugins PluginsConfig `json:"plugins" mapstructure:"plugins"`

	// Tool invocation
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Lifecycle event hooks
	Hooks HooksConfig `json:"hooks" mapstructure:"hooks"`

	// Invocation history
	History HistoryConfig `json:"history" mapstructure:"history"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// PluginsConfig holds plugin discovery and lifecycle configuration
type PluginsConfig struct {
	Dirs               []string `json:"dirs" mapstructure:"dirs"`
	AutoActivate       bool     `json:"auto_activate" mapstructure:"auto_activate"`
	HookTimeoutSeconds int      `json:"hook_timeout_seconds" mapstructure:"hook_timeout_seconds"`
	Watch              bool     `json:"watch" mapstructure:"watch"`

	// Config holds per-plugin configuration overrides keyed by plugin ID,
	// merged over each manifest's default_config at load time.
	Config map[string]map[string]any `json:"config,omitempty" mapstructure:"config"`
}

// ToolsConfig holds tool invocation configuration
type ToolsConfig struct {
	DefaultTimeoutSeconds int            `json:"default_timeout_seconds" mapstructure:"default_timeout_seconds"`
	MaxOutputKB           int            `json:"max_output_kb" mapstructure:"max_output_kb"`
	Approval              ApprovalConfig `json:"approval" mapstructure:"approval"`
}

// ApprovalConfig holds the approval gate settings
type ApprovalConfig struct {
	Mode           string `json:"mode" mapstructure:"mode"` // auto, gateway, deny
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// HooksConfig holds lifecycle hook configuration
type HooksConfig struct {
	Enabled bool        `json:"enabled" mapstructure:"enabled"`
	Entries []HookEntry `json:"entries" mapstructure:"entries"`
}

// HookEntry represents one user-defined hook script
type HookEntry struct {
	ID             string `json:"id" mapstructure:"id"`
	Event          string `json:"event" mapstructure:"event"`
	Script         string `json:"script" mapstructure:"script"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	Enabled        bool   `json:"enabled" mapstructure:"enabled"`
}

// HistoryConfig holds invocation history configuration
type HistoryConfig struct {
	Enabled       bool   `json:"enabled" mapstructure:"enabled"`
	Path          string `json:"path" mapstructure:"path"`
	RetentionDays int    `json:"retention_days" mapstructure:"retention_days"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8420,
		},
		Plugins: PluginsConfig{
			Dirs:               []string{},
			AutoActivate:       true,
			HookTimeoutSeconds: 30,
			Watch:              false,
		},
		Tools: ToolsConfig{
			DefaultTimeoutSeconds: 30,
			MaxOutputKB:           1024,
			Approval: ApprovalConfig{
				Mode:           "gateway",
				TimeoutSeconds: 60,
			},
		},
		Hooks: HooksConfig{
			Enabled: false,
		},
		History: HistoryConfig{
			Enabled:       true,
			RetentionDays: 30,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
		},
		DataDir: "",
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
