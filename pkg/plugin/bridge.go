package plugin

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// RegistryEntry is one tool as the bridge sees it: the spec from the
// manifest, the owning plugin, and the compiled argument schema.
type RegistryEntry struct {
	FullName     string
	PluginID     string
	Spec         ToolSpec
	RegisteredAt time.Time

	schema *gojsonschema.Schema
}

// ValidateArguments checks caller-supplied arguments against the tool's
// declared parameters. Tools that declare no parameters accept anything.
func (e *RegistryEntry) ValidateArguments(args map[string]any) error {
	if e.schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	result, err := e.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(details, "; "))
	}
	return nil
}

// Bridge is the single source of truth mapping tool names to their owning
// plugin. It holds tools of active plugins only; registration follows a
// successful activation and unregistration precedes any other lifecycle
// exit. All mutations are serialized, and no lock is held while a tool's
// backing process runs.
type Bridge struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*RegistryEntry
	short   map[string]map[string]struct{}
}

// NewBridge creates an empty tool bridge.
func NewBridge(logger zerolog.Logger) *Bridge {
	return &Bridge{
		logger:  logger.With().Str("component", "tool-bridge").Logger(),
		entries: make(map[string]*RegistryEntry),
		short:   make(map[string]map[string]struct{}),
	}
}

// RegisterPlugin registers every tool of one plugin, all or nothing. If any
// full name collides with an existing registration, or any declared
// parameter schema fails to compile, no tool is registered and the bridge
// is left exactly as it was.
func (b *Bridge) RegisterPlugin(pluginID string, tools []ToolSpec) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	staged := make([]*RegistryEntry, 0, len(tools))
	batch := make(map[string]struct{}, len(tools))

	for _, spec := range tools {
		fullName := spec.FullName(pluginID)
		if existing, exists := b.entries[fullName]; exists {
			return nil, fmt.Errorf("%w: %s already registered by plugin %s",
				ErrDuplicateToolName, fullName, existing.PluginID)
		}
		if _, dup := batch[fullName]; dup {
			return nil, fmt.Errorf("%w: %s declared twice", ErrDuplicateToolName, fullName)
		}
		batch[fullName] = struct{}{}

		schema, err := compileInputSchema(spec)
		if err != nil {
			return nil, fmt.Errorf("%w: tool %s: %v", ErrValidation, fullName, err)
		}

		staged = append(staged, &RegistryEntry{
			FullName:     fullName,
			PluginID:     pluginID,
			Spec:         spec,
			RegisteredAt: now,
			schema:       schema,
		})
	}

	names := make([]string, 0, len(staged))
	for _, entry := range staged {
		b.entries[entry.FullName] = entry
		set, exists := b.short[entry.Spec.Name]
		if !exists {
			set = make(map[string]struct{})
			b.short[entry.Spec.Name] = set
		}
		set[entry.FullName] = struct{}{}
		names = append(names, entry.FullName)
	}
	sort.Strings(names)

	b.logger.Debug().
		Str("plugin", pluginID).
		Strs("tools", names).
		Msg("Registered tools")

	return names, nil
}

// UnregisterPlugin removes every tool owned by the plugin and returns the
// removed full names, sorted.
func (b *Bridge) UnregisterPlugin(pluginID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var removed []string
	for fullName, entry := range b.entries {
		if entry.PluginID != pluginID {
			continue
		}
		delete(b.entries, fullName)
		if set, exists := b.short[entry.Spec.Name]; exists {
			delete(set, fullName)
			if len(set) == 0 {
				delete(b.short, entry.Spec.Name)
			}
		}
		removed = append(removed, fullName)
	}
	sort.Strings(removed)

	if len(removed) > 0 {
		b.logger.Debug().
			Str("plugin", pluginID).
			Strs("tools", removed).
			Msg("Unregistered tools")
	}

	return removed
}

// Resolve maps a caller-supplied tool name to a registry entry. Names
// containing a dot are treated as full names; anything else is a short
// name, which resolves only when exactly one active tool matches.
func (b *Bridge) Resolve(name string) (*RegistryEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.entries) == 0 {
		return nil, fmt.Errorf("%w: cannot resolve %q", ErrRegistryEmpty, name)
	}

	if strings.Contains(name, ".") {
		entry, exists := b.entries[name]
		if !exists {
			return nil, fmt.Errorf("%w: tool %q", ErrNotFound, name)
		}
		return entry, nil
	}

	set, exists := b.short[name]
	if !exists || len(set) == 0 {
		return nil, fmt.Errorf("%w: tool %q", ErrNotFound, name)
	}
	if len(set) > 1 {
		candidates := make([]string, 0, len(set))
		for fullName := range set {
			candidates = append(candidates, fullName)
		}
		sort.Strings(candidates)
		return nil, fmt.Errorf("%w: %q matches [%s]",
			ErrAmbiguousName, name, strings.Join(candidates, ", "))
	}
	for fullName := range set {
		return b.entries[fullName], nil
	}
	return nil, fmt.Errorf("%w: tool %q", ErrNotFound, name)
}

// Get retrieves one entry by full name.
func (b *Bridge) Get(fullName string) (*RegistryEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, exists := b.entries[fullName]
	return entry, exists
}

// ListByPlugin returns the entries owned by one plugin, sorted by full name.
func (b *Bridge) ListByPlugin(pluginID string) []*RegistryEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var entries []*RegistryEntry
	for _, entry := range b.entries {
		if entry.PluginID == pluginID {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].FullName < entries[j].FullName })
	return entries
}

// ListAll returns every entry, sorted by full name.
func (b *Bridge) ListAll() []*RegistryEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entries := make([]*RegistryEntry, 0, len(b.entries))
	for _, entry := range b.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].FullName < entries[j].FullName })
	return entries
}

// Count reports how many tools are currently registered.
func (b *Bridge) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// compileInputSchema turns a tool's parameter declarations into a JSON
// schema. Tools without parameters get no schema and skip validation.
func compileInputSchema(spec ToolSpec) (*gojsonschema.Schema, error) {
	if len(spec.InputSchema) == 0 {
		return nil, nil
	}

	properties := make(map[string]any, len(spec.InputSchema))
	var required []string
	for name, param := range spec.InputSchema {
		prop := map[string]any{"type": param.Type}
		if param.Description != "" {
			prop["description"] = param.Description
		}
		if len(param.Enum) > 0 {
			prop["enum"] = param.Enum
		}
		properties[name] = prop
		if param.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
}
