package plugin

import (
	"time"
)

// HostAPIVersion is the runtime API version manifests are checked against.
const HostAPIVersion = "1.0.0"

// State represents the lifecycle state of a plugin instance.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoaded   State = "loaded"
	StateActive   State = "active"
	StateInactive State = "inactive"
	StateError    State = "error"
)

// Category classifies a plugin in listings.
type Category string

const (
	CategorySecurity    Category = "security"
	CategoryTools       Category = "tools"
	CategoryMonitoring  Category = "monitoring"
	CategoryStorage     Category = "storage"
	CategoryIntegration Category = "integration"
	CategoryUtility     Category = "utility"
	CategoryCustom      Category = "custom"
)

// ValidCategories is the set of accepted manifest categories.
var ValidCategories = map[Category]bool{
	CategorySecurity:    true,
	CategoryTools:       true,
	CategoryMonitoring:  true,
	CategoryStorage:     true,
	CategoryIntegration: true,
	CategoryUtility:     true,
	CategoryCustom:      true,
}

// Permission represents a capability that a plugin declares it needs.
type Permission string

const (
	PermissionProcessSpawn     Permission = "process:spawn"
	PermissionFilesystemRead   Permission = "filesystem:read"
	PermissionFilesystemWrite  Permission = "filesystem:write"
	PermissionNetworkHTTP      Permission = "network:http"
	PermissionNetworkWebSocket Permission = "network:websocket"
	PermissionEnvRead          Permission = "env:read"
)

// ValidPermissions is the set of accepted manifest permissions.
var ValidPermissions = map[Permission]bool{
	PermissionProcessSpawn:     true,
	PermissionFilesystemRead:   true,
	PermissionFilesystemWrite:  true,
	PermissionNetworkHTTP:      true,
	PermissionNetworkWebSocket: true,
	PermissionEnvRead:          true,
}

// Manifest is the validated, immutable description of one plugin.
type Manifest struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Version       string         `json:"version"`
	Description   string         `json:"description,omitempty"`
	Author        string         `json:"author,omitempty"`
	License       string         `json:"license,omitempty"`
	Category      Category       `json:"category,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	EntryPoint    string         `json:"entry_point"`
	Dependencies  []Dependency   `json:"dependencies,omitempty"`
	MinAPIVersion string         `json:"min_api_version,omitempty"`
	MaxAPIVersion string         `json:"max_api_version,omitempty"`
	Permissions   []Permission   `json:"permissions,omitempty"`
	Resources     *Resources     `json:"resources,omitempty"`
	ConfigSchema  map[string]any `json:"config_schema,omitempty"`
	DefaultConfig map[string]any `json:"default_config,omitempty"`
	Tools         []ToolSpec     `json:"tools,omitempty"`
}

// Dependency represents a dependency on another plugin.
type Dependency struct {
	PluginID string `json:"plugin_id"`
	Version  string `json:"version,omitempty"` // Semver constraint
}

// Resources declares resource hints for a plugin. Only TimeoutSeconds is
// enforced, as the plugin-level default for tool invocation deadlines.
type Resources struct {
	MemoryMB       int     `json:"memory_mb,omitempty"`
	CPUCores       float64 `json:"cpu_cores,omitempty"`
	DiskMB         int     `json:"disk_mb,omitempty"`
	TimeoutSeconds int     `json:"timeout_seconds,omitempty"`
}

// ToolSpec declares one externally invokable tool.
type ToolSpec struct {
	Name             string                   `json:"name"`
	Description      string                   `json:"description,omitempty"`
	Version          string                   `json:"version,omitempty"`
	Command          string                   `json:"command"`
	Args             []string                 `json:"args,omitempty"`
	Env              map[string]string        `json:"env,omitempty"`
	InputSchema      map[string]ParameterSpec `json:"input_schema,omitempty"`
	RequiresApproval bool                     `json:"requires_approval,omitempty"`
	TimeoutSeconds   int                      `json:"timeout,omitempty"`
	Category         string                   `json:"category,omitempty"`
	Tags             []string                 `json:"tags,omitempty"`
	Priority         int                      `json:"priority,omitempty"`
}

// FullName returns the globally unique tool identifier for an owning plugin.
func (t ToolSpec) FullName(pluginID string) string {
	return pluginID + "." + t.Name
}

// ParameterSpec describes one tool argument.
type ParameterSpec struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
}

// DiscoveredManifest is a manifest file found during directory discovery.
type DiscoveredManifest struct {
	Dir          string
	ManifestPath string
	Manifest     *Manifest
}

// InstanceInfo is a point-in-time snapshot of one plugin instance.
type InstanceInfo struct {
	ID          string              `json:"id"`
	Manifest    Manifest            `json:"manifest"`
	State       State               `json:"state"`
	Transitions map[State]time.Time `json:"transitions,omitempty"`
	LoadedAt    time.Time           `json:"loaded_at"`
	LastError   string              `json:"last_error,omitempty"`
}

// ToolListing is one tool as reported by listings: declared by a loaded
// plugin, active when the owning plugin is active.
type ToolListing struct {
	FullName         string    `json:"full_name"`
	PluginID         string    `json:"plugin_id"`
	ShortName        string    `json:"short_name"`
	Description      string    `json:"description,omitempty"`
	Version          string    `json:"version,omitempty"`
	Category         string    `json:"category,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
	RequiresApproval bool      `json:"requires_approval"`
	TimeoutSeconds   int       `json:"timeout,omitempty"`
	Active           bool      `json:"active"`
	RegisteredAt     time.Time `json:"registered_at,omitzero"`
}

// LoadReport summarizes one initialization pass over the plugin directories.
type LoadReport struct {
	Loaded    []string         // Successfully loaded plugin IDs, in resolution order
	Activated []string         // Successfully activated plugin IDs
	Skipped   map[string]error // Excluded before loading (cycle, unresolved dependency)
	Failed    map[string]error // Load or activation failures
}

// Counts are the aggregate figures reported by the status surface.
type Counts struct {
	Plugins       int `json:"plugin_count"`
	ActivePlugins int `json:"active_plugin_count"`
	TotalTools    int `json:"total_tools"`
	ActiveTools   int `json:"active_tools"`
}
