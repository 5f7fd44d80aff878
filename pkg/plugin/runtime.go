package plugin

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// DefaultHookTimeout bounds every lifecycle hook invocation unless
// configured otherwise.
const DefaultHookTimeout = 30 * time.Second

// ConfigProvider supplies per-plugin configuration values from the outside.
// Returned values are merged over the manifest's default_config.
type ConfigProvider func(pluginID string) map[string]any

// Options tune a Runtime.
type Options struct {
	// HookTimeout bounds each lifecycle hook call. Zero means
	// DefaultHookTimeout.
	HookTimeout time.Duration

	// AutoActivate activates plugins in resolution order during Initialize.
	AutoActivate bool

	// Configs supplies per-plugin configuration. Nil means manifest
	// defaults only.
	Configs ConfigProvider

	// Events receives lifecycle events. Nil disables emission.
	Events EventSink
}

// Runtime owns one state machine per plugin instance and keeps the tool
// bridge consistent with it: tools are registered on the transition into
// Active and unregistered on every transition out of it.
type Runtime struct {
	logger   zerolog.Logger
	loader   *Loader
	resolver *Resolver
	store    *InstanceStore
	bridge   *Bridge
	opts     Options

	orderMu sync.Mutex
	order   []string
}

// NewRuntime creates a plugin runtime around the given tool bridge.
func NewRuntime(logger zerolog.Logger, bridge *Bridge, opts Options) *Runtime {
	if opts.HookTimeout <= 0 {
		opts.HookTimeout = DefaultHookTimeout
	}
	return &Runtime{
		logger:   logger.With().Str("component", "plugin-runtime").Logger(),
		loader:   NewLoader(logger, NewValidator(logger)),
		resolver: NewResolver(logger),
		store:    NewInstanceStore(),
		bridge:   bridge,
		opts:     opts,
	}
}

// Bridge returns the tool bridge this runtime keeps consistent.
func (r *Runtime) Bridge() *Bridge {
	return r.bridge
}

// Initialize discovers manifests under dirs, resolves their dependencies,
// and loads every resolvable plugin in order. With AutoActivate set it also
// activates them in the same order. Per-plugin failures are isolated and
// recorded in the returned report.
func (r *Runtime) Initialize(ctx context.Context, dirs []string) (*LoadReport, error) {
	r.logger.Info().Strs("dirs", dirs).Msg("Initializing plugin runtime")

	report := &LoadReport{
		Loaded:    []string{},
		Activated: []string{},
		Skipped:   make(map[string]error),
		Failed:    make(map[string]error),
	}

	discovered, failures := r.loader.Discover(dirs)
	for path, err := range failures {
		r.logger.Error().Err(err).Str("path", path).Msg("Manifest rejected")
		report.Failed[path] = err
	}
	if len(discovered) == 0 {
		r.logger.Info().Msg("No plugins discovered")
		return report, nil
	}

	manifests := make([]*Manifest, 0, len(discovered))
	byID := make(map[string]DiscoveredManifest, len(discovered))
	for _, dm := range discovered {
		manifests = append(manifests, dm.Manifest)
		byID[dm.Manifest.ID] = dm
	}

	resolution := r.resolver.Resolve(manifests)
	for id, err := range resolution.Excluded {
		r.logger.Error().Err(err).Str("plugin", id).Msg("Plugin excluded from load order")
		report.Skipped[id] = err
	}

	r.setOrder(resolution.Order)

	for _, id := range resolution.Order {
		dm := byID[id]
		if err := r.Load(ctx, dm); err != nil {
			r.logger.Error().Err(err).Str("plugin", id).Msg("Failed to load plugin")
			report.Failed[id] = err
			continue
		}
		report.Loaded = append(report.Loaded, id)
	}

	if r.opts.AutoActivate {
		for _, id := range report.Loaded {
			if err := r.Activate(ctx, id); err != nil {
				r.logger.Error().Err(err).Str("plugin", id).Msg("Failed to activate plugin")
				if _, failed := report.Failed[id]; !failed {
					report.Failed[id] = err
				}
				continue
			}
			report.Activated = append(report.Activated, id)
		}
	}

	r.logger.Info().
		Int("loaded", len(report.Loaded)).
		Int("activated", len(report.Activated)).
		Int("skipped", len(report.Skipped)).
		Int("failed", len(report.Failed)).
		Msg("Plugin runtime initialization complete")

	return report, nil
}

// Load constructs the plugin object from the manifest's entry point, runs
// its load hook, and moves the instance Unloaded → Loaded. Failure leaves
// the instance in Error with no tool registration side effects.
func (r *Runtime) Load(ctx context.Context, dm DiscoveredManifest) error {
	manifest := dm.Manifest
	in, err := r.store.Add(manifest, dm.Dir, dm.ManifestPath)
	if err != nil {
		return err
	}
	defer r.store.EndTransition(manifest.ID)

	config := r.resolveConfig(manifest)
	if err := validateConfig(manifest, config); err != nil {
		r.failTransition(in, err)
		return err
	}

	object, err := r.construct(manifest, dm.Dir)
	if err != nil {
		r.failTransition(in, err)
		return err
	}

	if err := r.runHook(ctx, in, "load", func(ctx context.Context) error {
		return object.OnLoad(ctx, config)
	}); err != nil {
		closePlugin(object)
		r.failTransition(in, err)
		return err
	}

	in.Plugin = object
	in.Config = config
	r.store.SetState(in, StateLoaded)
	r.emit(Event{Type: EventPluginLoaded, PluginID: manifest.ID})

	r.logger.Info().
		Str("plugin", manifest.ID).
		Str("version", manifest.Version).
		Msg("Plugin loaded")
	return nil
}

// Activate moves a plugin Loaded|Inactive → Active. Preconditions: no other
// transition in flight, and every declared dependency currently Active.
// The activation hook runs first; then all of the plugin's tools are
// registered atomically. Any failure rolls the plugin to Error with zero
// tools registered.
func (r *Runtime) Activate(ctx context.Context, id string) error {
	in, err := r.store.BeginTransition(id)
	if err != nil {
		return err
	}
	defer r.store.EndTransition(id)

	if in.State != StateLoaded && in.State != StateInactive {
		return fmt.Errorf("%w: cannot activate plugin %s from state %s",
			ErrInvalidTransition, id, in.State)
	}

	for _, dep := range in.Manifest.Dependencies {
		state, known := r.store.StateOf(dep.PluginID)
		if !known || state != StateActive {
			return fmt.Errorf("%w: plugin %s requires %s active (currently %s)",
				ErrDependencyNotActive, id, dep.PluginID, state)
		}
	}

	if err := r.runHook(ctx, in, "activate", in.Plugin.OnActivate); err != nil {
		r.failTransition(in, err)
		return err
	}

	names, err := r.bridge.RegisterPlugin(id, in.Manifest.Tools)
	if err != nil {
		err = fmt.Errorf("tool registration: %w", err)
		r.failTransition(in, err)
		return err
	}

	r.store.SetState(in, StateActive)
	r.emit(Event{
		Type:     EventPluginActivated,
		PluginID: id,
		Details:  map[string]any{"tools": names},
	})

	r.logger.Info().
		Str("plugin", id).
		Int("tools", len(names)).
		Msg("Plugin activated")
	return nil
}

// Deactivate moves a plugin Active → Inactive. The plugin's tools are
// unregistered whether or not the deactivation hook succeeds; a failed hook
// leaves the plugin in Error instead of Inactive.
func (r *Runtime) Deactivate(ctx context.Context, id string) error {
	in, err := r.store.BeginTransition(id)
	if err != nil {
		return err
	}
	defer r.store.EndTransition(id)

	if in.State != StateActive {
		return fmt.Errorf("%w: cannot deactivate plugin %s from state %s",
			ErrInvalidTransition, id, in.State)
	}

	hookErr := r.runHook(ctx, in, "deactivate", in.Plugin.OnDeactivate)

	removed := r.bridge.UnregisterPlugin(id)

	if hookErr != nil {
		r.failTransition(in, hookErr)
		return hookErr
	}

	r.store.SetState(in, StateInactive)
	r.emit(Event{
		Type:     EventPluginDeactivated,
		PluginID: id,
		Details:  map[string]any{"tools": removed},
	})

	r.logger.Info().
		Str("plugin", id).
		Int("tools", len(removed)).
		Msg("Plugin deactivated")
	return nil
}

// Unload runs the cleanup hook, releases the plugin object, and removes the
// instance record entirely. Allowed from Loaded, Inactive, and Error. The
// record is removed even when cleanup fails; the hook error is returned.
func (r *Runtime) Unload(ctx context.Context, id string) error {
	in, err := r.store.BeginTransition(id)
	if err != nil {
		return err
	}
	defer r.store.EndTransition(id)

	if in.State == StateActive {
		return fmt.Errorf("%w: cannot unload plugin %s while active",
			ErrInvalidTransition, id)
	}

	r.bridge.UnregisterPlugin(id)

	var cleanupErr error
	if in.Plugin != nil {
		cleanupErr = r.runHook(ctx, in, "cleanup", in.Plugin.OnCleanup)
		closePlugin(in.Plugin)
		in.Plugin = nil
	}

	r.store.Remove(id)
	r.emit(Event{Type: EventPluginUnloaded, PluginID: id})

	if cleanupErr != nil {
		r.logger.Warn().Err(cleanupErr).Str("plugin", id).Msg("Plugin unloaded with cleanup failure")
		return cleanupErr
	}
	r.logger.Info().Str("plugin", id).Msg("Plugin unloaded")
	return nil
}

// Reload re-reads the plugin's manifest from disk and replays its lifecycle:
// deactivate if active, unload, load, and re-activate if it was active
// before. Used by the directory watcher when a manifest changes.
func (r *Runtime) Reload(ctx context.Context, id string) error {
	info, exists := r.store.Get(id)
	if !exists {
		return fmt.Errorf("%w: plugin %s", ErrNotFound, id)
	}
	dir, manifestPath, _ := r.store.Paths(id)
	if manifestPath == "" {
		return fmt.Errorf("%w: plugin %s has no manifest on disk", ErrValidation, id)
	}

	manifest, err := r.loader.LoadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("reload manifest: %w", err)
	}
	if manifest.ID != id {
		return fmt.Errorf("%w: manifest at %s now declares id %s",
			ErrValidation, manifestPath, manifest.ID)
	}

	wasActive := info.State == StateActive
	if wasActive {
		if err := r.Deactivate(ctx, id); err != nil {
			return err
		}
	}
	if err := r.Unload(ctx, id); err != nil {
		r.logger.Warn().Err(err).Str("plugin", id).Msg("Cleanup failed during reload")
	}
	if err := r.Load(ctx, DiscoveredManifest{Dir: dir, ManifestPath: manifestPath, Manifest: manifest}); err != nil {
		return err
	}
	if wasActive {
		if err := r.Activate(ctx, id); err != nil {
			return err
		}
	}

	r.emit(Event{Type: EventPluginReloaded, PluginID: id})
	r.logger.Info().Str("plugin", id).Msg("Plugin reloaded")
	return nil
}

// Shutdown deactivates and unloads every plugin in reverse resolution
// order. Per-plugin failures are logged, never fatal.
func (r *Runtime) Shutdown(ctx context.Context) {
	r.logger.Info().Msg("Shutting down plugin runtime")

	for _, id := range r.shutdownOrder() {
		if state, _ := r.store.StateOf(id); state == StateActive {
			if err := r.Deactivate(ctx, id); err != nil {
				r.logger.Error().Err(err).Str("plugin", id).Msg("Failed to deactivate plugin")
			}
		}
		if err := r.Unload(ctx, id); err != nil {
			r.logger.Error().Err(err).Str("plugin", id).Msg("Failed to unload plugin")
		}
	}

	r.logger.Info().Msg("Plugin runtime shutdown complete")
}

// Plugin returns a snapshot of one instance.
func (r *Runtime) Plugin(id string) (InstanceInfo, bool) {
	return r.store.Get(id)
}

// PluginDir returns the directory a plugin was discovered in, or "" for
// plugins loaded without one.
func (r *Runtime) PluginDir(id string) string {
	dir, _, _ := r.store.Paths(id)
	return dir
}

// PluginForManifest maps a manifest path back to the plugin loaded from
// it.
func (r *Runtime) PluginForManifest(path string) (string, bool) {
	for _, id := range r.store.IDs() {
		if _, manifestPath, ok := r.store.Paths(id); ok && manifestPath == path {
			return id, true
		}
	}
	return "", false
}

// Plugins returns snapshots of all instances, optionally filtered by state.
func (r *Runtime) Plugins(state State) []InstanceInfo {
	infos := r.store.List()
	if state == "" {
		return infos
	}
	filtered := infos[:0]
	for _, info := range infos {
		if info.State == state {
			filtered = append(filtered, info)
		}
	}
	return filtered
}

// Tools returns the merged tool listing: registered tools of active plugins
// plus, unless activeOnly is set, declared tools of plugins in other
// states. Filtered to one plugin when pluginID is non-empty.
func (r *Runtime) Tools(pluginID string, activeOnly bool) []ToolListing {
	var listings []ToolListing
	for _, info := range r.store.List() {
		if pluginID != "" && info.ID != pluginID {
			continue
		}
		active := info.State == StateActive
		if activeOnly && !active {
			continue
		}
		for _, spec := range info.Manifest.Tools {
			listing := listingFromSpec(info.ID, spec, active)
			if active {
				if entry, ok := r.bridge.Get(listing.FullName); ok {
					listing.RegisteredAt = entry.RegisteredAt
				}
			}
			listings = append(listings, listing)
		}
	}
	sort.Slice(listings, func(i, j int) bool { return listings[i].FullName < listings[j].FullName })
	return listings
}

// FindTool resolves a full or short name to a listing. Active tools resolve
// through the bridge; declared-but-inactive tools are found by full name
// only.
func (r *Runtime) FindTool(name string) (ToolListing, error) {
	entry, err := r.bridge.Resolve(name)
	if err == nil {
		listing := listingFromSpec(entry.PluginID, entry.Spec, true)
		listing.RegisteredAt = entry.RegisteredAt
		return listing, nil
	}
	if !strings.Contains(name, ".") {
		return ToolListing{}, err
	}
	if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrRegistryEmpty) {
		return ToolListing{}, err
	}

	pluginID, short, _ := strings.Cut(name, ".")
	info, exists := r.store.Get(pluginID)
	if !exists {
		return ToolListing{}, fmt.Errorf("%w: tool %q", ErrNotFound, name)
	}
	for _, spec := range info.Manifest.Tools {
		if spec.Name == short {
			return listingFromSpec(pluginID, spec, false), nil
		}
	}
	return ToolListing{}, fmt.Errorf("%w: tool %q", ErrNotFound, name)
}

// Resolve maps a tool name to its registry entry. See Bridge.Resolve.
func (r *Runtime) Resolve(name string) (*RegistryEntry, error) {
	return r.bridge.Resolve(name)
}

// Counts reports the aggregate plugin and tool figures.
func (r *Runtime) Counts() Counts {
	byState := r.store.CountByState()
	total := 0
	for _, m := range r.store.Manifests() {
		total += len(m.Tools)
	}
	plugins := 0
	for _, n := range byState {
		plugins += n
	}
	return Counts{
		Plugins:       plugins,
		ActivePlugins: byState[StateActive],
		TotalTools:    total,
		ActiveTools:   r.bridge.Count(),
	}
}

func (r *Runtime) setOrder(order []string) {
	r.orderMu.Lock()
	defer r.orderMu.Unlock()
	r.order = append([]string(nil), order...)
}

// shutdownOrder is the reverse of the last resolution order, with plugins
// loaded outside Initialize appended first so dependents still go down
// before their dependencies.
func (r *Runtime) shutdownOrder() []string {
	r.orderMu.Lock()
	rank := make(map[string]int, len(r.order))
	for i, id := range r.order {
		rank[id] = i
	}
	r.orderMu.Unlock()

	ids := r.store.IDs()
	sort.SliceStable(ids, func(i, j int) bool {
		ri, iKnown := rank[ids[i]]
		rj, jKnown := rank[ids[j]]
		if iKnown != jKnown {
			return !iKnown
		}
		return ri > rj
	})
	return ids
}

// construct builds the plugin object named by the manifest entry point.
func (r *Runtime) construct(manifest *Manifest, dir string) (Plugin, error) {
	scheme, ref, _ := strings.Cut(manifest.EntryPoint, ":")
	switch scheme {
	case EntryPointBuiltin:
		factory, ok := LookupFactory(ref)
		if !ok {
			return nil, fmt.Errorf("%w: no builtin factory %q", ErrUnknownEntryPoint, ref)
		}
		return factory(manifest)
	case EntryPointBinary:
		path := ref
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		return ConnectExternal(r.logger, path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntryPoint, manifest.EntryPoint)
	}
}

// runHook invokes one lifecycle hook with the configured deadline. Panics
// are recovered into errors; an overrun abandons the hook goroutine and
// reports ErrHookTimeout.
func (r *Runtime) runHook(ctx context.Context, in *Instance, name string, hook func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.HookTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("%s hook panicked: %v", name, rec)
			}
		}()
		done <- hook(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%s hook: %w", name, err)
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s hook on plugin %s exceeded %s",
				ErrHookTimeout, name, in.ID, r.opts.HookTimeout)
		}
		return fmt.Errorf("%s hook: %w", name, ctx.Err())
	}
}

// failTransition records the failure and moves the instance to Error.
func (r *Runtime) failTransition(in *Instance, err error) {
	r.store.RecordError(in, err)
	r.emit(Event{Type: EventPluginError, PluginID: in.ID, Error: err.Error()})
}

func (r *Runtime) emit(event Event) {
	if r.opts.Events == nil {
		return
	}
	event.Time = time.Now()
	r.opts.Events.Emit(event)
}

// resolveConfig merges provider-supplied values over manifest defaults.
func (r *Runtime) resolveConfig(manifest *Manifest) map[string]any {
	config := make(map[string]any, len(manifest.DefaultConfig))
	for key, value := range manifest.DefaultConfig {
		config[key] = value
	}
	if r.opts.Configs != nil {
		for key, value := range r.opts.Configs(manifest.ID) {
			config[key] = value
		}
	}
	return config
}

// validateConfig checks the resolved configuration against the manifest's
// config_schema, when one is declared.
func validateConfig(manifest *Manifest, config map[string]any) error {
	if len(manifest.ConfigSchema) == 0 {
		return nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(manifest.ConfigSchema))
	if err != nil {
		return fmt.Errorf("%w: config_schema: %v", ErrValidation, err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(config))
	if err != nil {
		return fmt.Errorf("%w: config: %v", ErrValidation, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return fmt.Errorf("%w: config: %s", ErrValidation, strings.Join(details, "; "))
	}
	return nil
}

func closePlugin(p Plugin) {
	if closer, ok := p.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

func listingFromSpec(pluginID string, spec ToolSpec, active bool) ToolListing {
	return ToolListing{
		FullName:         spec.FullName(pluginID),
		PluginID:         pluginID,
		ShortName:        spec.Name,
		Description:      spec.Description,
		Version:          spec.Version,
		Category:         spec.Category,
		Tags:             spec.Tags,
		RequiresApproval: spec.RequiresApproval,
		TimeoutSeconds:   spec.TimeoutSeconds,
		Active:           active,
	}
}
