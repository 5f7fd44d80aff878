package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/patchbay/patchbay/internal/config"
	"github.com/patchbay/patchbay/internal/history"
	"github.com/patchbay/patchbay/internal/logger"
	"github.com/patchbay/patchbay/internal/observability"
	"github.com/patchbay/patchbay/internal/tracing"
	"github.com/patchbay/patchbay/pkg/executor"
	"github.com/patchbay/patchbay/pkg/gateway"
	"github.com/patchbay/patchbay/pkg/hooks"
	"github.com/patchbay/patchbay/pkg/plugin"
)

// Daemon is the patchbay composition root: it wires the plugin runtime,
// tool executor, gateway server, and the supporting services together and
// owns their start/stop order.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	runtime   *plugin.Runtime
	executor  *executor.Executor
	approvals *executor.ApprovalManager
	forwarder *gateway.ApprovalForwarder
	hookMgr   *hooks.Manager
	history   *history.Store
	watcher   *plugin.Watcher

	// Services
	gatewayServer *gateway.Server
	scheduler     *Scheduler

	// Internal
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// Status is a point-in-time snapshot of the daemon.
type Status struct {
	Running bool          `json:"running"`
	PID     int           `json:"pid"`
	Uptime  time.Duration `json:"uptime"`
	Counts  plugin.Counts `json:"counts"`
}

// New creates a daemon instance from configuration. Nothing is started;
// call Start for that.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := d.initializeCoreModules(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initializeCoreModules builds the runtime, executor, and their event
// sinks in dependency order.
func (d *Daemon) initializeCoreModules() error {
	zl := d.logger.GetZerolog()

	auditPath := filepath.Join(d.config.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		d.logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	if d.config.History.Enabled {
		store, err := history.NewStore(history.Config{
			Path:   d.config.History.Path,
			Logger: zl,
		})
		if err != nil {
			return fmt.Errorf("failed to open history store: %w", err)
		}
		d.history = store
		d.logger.Info().Str("path", d.config.History.Path).Msg("Invocation history initialized")
	}

	hookMgr, err := hooks.NewManager(hooksConfig(d.config.Hooks, zl))
	if err != nil {
		return fmt.Errorf("failed to create hook manager: %w", err)
	}
	d.hookMgr = hookMgr
	d.logger.Info().Bool("enabled", d.config.Hooks.Enabled).Msg("Hook manager initialized")

	// The broadcaster exists before the gateway server so its sink can be
	// wired into the runtime; runtime event sinks are fixed at
	// construction.
	broadcaster := gateway.NewEventBroadcaster(gateway.NewClientRegistry(), zl)

	sinks := plugin.MultiSink{
		observability.MetricsSink(),
		observability.AuditSink(),
		broadcaster.Sink(),
		d.hookMgr.Sink(),
	}
	if d.history != nil {
		sinks = append(sinks, d.history.Sink())
	}

	d.runtime = plugin.NewRuntime(zl, plugin.NewBridge(zl), plugin.Options{
		HookTimeout:  time.Duration(d.config.Plugins.HookTimeoutSeconds) * time.Second,
		AutoActivate: d.config.Plugins.AutoActivate,
		Configs:      d.pluginConfig,
		Events:       sinks,
	})
	d.logger.Info().Msg("Plugin runtime initialized")

	var handler executor.ApprovalHandler
	switch d.config.Tools.Approval.Mode {
	case "auto":
		handler = executor.AutoApproveHandler{}
	case "deny":
		handler = executor.DenyAllHandler{}
	default:
		d.forwarder = gateway.NewApprovalForwarder(broadcaster, zl)
		handler = d.forwarder
	}
	d.approvals = executor.NewApprovalManager(zl, handler,
		time.Duration(d.config.Tools.Approval.TimeoutSeconds)*time.Second)

	d.executor = executor.New(zl, d.runtime, d.approvals, executor.Options{
		DefaultTimeout: time.Duration(d.config.Tools.DefaultTimeoutSeconds) * time.Second,
		MaxOutputBytes: d.config.Tools.MaxOutputKB * 1024,
		Events:         sinks,
	})
	d.logger.Info().Str("approval_mode", d.config.Tools.Approval.Mode).Msg("Tool executor initialized")

	d.gatewayServer, err = gateway.NewServer(gateway.Config{
		Host:         d.config.Server.Host,
		Port:         d.config.Server.Port,
		SharedSecret: d.config.Server.SharedSecret,
		Runtime:      d.runtime,
		Executor:     d.executor,
		Broadcaster:  broadcaster,
		Approvals:    d.forwarder,
		History:      d.history,
		Logger:       zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.logger.Info().Int("port", d.config.Server.Port).Msg("Gateway server initialized")

	return nil
}

// initializeServices builds the periodic jobs and the manifest watcher.
func (d *Daemon) initializeServices() error {
	d.scheduler = NewScheduler(d)
	d.logger.Info().Msg("Scheduler initialized")

	if d.config.Plugins.Watch {
		watcher, err := plugin.NewWatcher(d.logger.GetZerolog(), d.handleManifestChanges)
		if err != nil {
			return fmt.Errorf("failed to create plugin watcher: %w", err)
		}
		d.watcher = watcher
		d.logger.Info().Msg("Plugin watcher initialized")
	}

	return nil
}

// pluginConfig supplies per-plugin configuration overrides to the runtime.
func (d *Daemon) pluginConfig(pluginID string) map[string]any {
	return d.config.Plugins.Config[pluginID]
}

// Start brings the daemon up: pid file, plugin discovery, watcher,
// gateway, and periodic jobs.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting patchbay daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	report, err := d.runtime.Initialize(d.ctx, d.config.Plugins.Dirs)
	if err != nil {
		return fmt.Errorf("failed to initialize plugin runtime: %w", err)
	}
	logger.Info().
		Int("loaded", len(report.Loaded)).
		Int("activated", len(report.Activated)).
		Int("skipped", len(report.Skipped)).
		Int("failed", len(report.Failed)).
		Msg("Plugin discovery complete")
	for id, ferr := range report.Skipped {
		logger.Warn().Err(ferr).Str("plugin", id).Msg("Plugin skipped")
	}
	for id, ferr := range report.Failed {
		logger.Error().Err(ferr).Str("plugin", id).Msg("Plugin failed to load")
	}
	d.syncCounts()

	if d.watcher != nil {
		for _, dir := range d.config.Plugins.Dirs {
			if err := d.watcher.Watch(dir); err != nil {
				logger.Warn().Err(err).Str("dir", dir).Msg("Failed to watch plugin directory")
			}
		}
		logger.Info().Strs("dirs", d.config.Plugins.Dirs).Msg("Plugin watcher started")
	}

	if err := d.gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Msg("Gateway server started")

	d.scheduler.Start()
	logger.Info().Msg("Scheduler started")

	logger.Info().Msg("Daemon started successfully")
	return nil
}

// Stop shuts the daemon down gracefully, in reverse start order.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping patchbay daemon")

	d.scheduler.Stop()
	logger.Info().Msg("Scheduler stopped")

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop plugin watcher")
		}
	}

	if err := d.gatewayServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	d.runtime.Shutdown(d.ctx)

	if d.history != nil {
		if err := d.history.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close history store")
		}
	}

	d.cancel()

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	logger.Info().Msg("Daemon stopped")
	return nil
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Status reports the daemon's current state.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
		PID:     os.Getpid(),
		Counts:  d.runtime.Counts(),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
	}
	return status
}

// Runtime exposes the plugin runtime.
func (d *Daemon) Runtime() *plugin.Runtime {
	return d.runtime
}

// Executor exposes the tool executor.
func (d *Daemon) Executor() *executor.Executor {
	return d.executor
}

// GatewayServer exposes the gateway server.
func (d *Daemon) GatewayServer() *gateway.Server {
	return d.gatewayServer
}

// History exposes the invocation history store, nil when disabled.
func (d *Daemon) History() *history.Store {
	return d.history
}

// syncCounts pushes the registry aggregates into the metrics gauges.
func (d *Daemon) syncCounts() {
	counts := d.runtime.Counts()
	observability.SetPluginCounts(counts.Plugins, counts.ActivePlugins)
	observability.SetToolCounts(counts.TotalTools, counts.ActiveTools)
}

// handleManifestChanges reacts to debounced manifest edits: a changed
// manifest reloads its plugin, a new one is loaded fresh, a removed one
// unloads its plugin.
func (d *Daemon) handleManifestChanges(paths []string) {
	ctx := d.ctx
	logger := d.logger.GetZerolog()

	for _, path := range paths {
		id, known := d.runtime.PluginForManifest(path)

		switch {
		case known && fileExists(path):
			if err := d.runtime.Reload(ctx, id); err != nil {
				logger.Error().Err(err).Str("plugin", id).Msg("Hot reload failed")
			}

		case known:
			if info, ok := d.runtime.Plugin(id); ok && info.State == plugin.StateActive {
				if err := d.runtime.Deactivate(ctx, id); err != nil {
					logger.Error().Err(err).Str("plugin", id).Msg("Deactivate on manifest removal failed")
				}
			}
			if err := d.runtime.Unload(ctx, id); err != nil {
				logger.Error().Err(err).Str("plugin", id).Msg("Unload on manifest removal failed")
			}

		case fileExists(path):
			if err := d.loadNewManifest(ctx, path); err != nil {
				logger.Error().Err(err).Str("path", path).Msg("Failed to load new manifest")
			}
		}
	}

	d.syncCounts()
}

// loadNewManifest loads and optionally activates a plugin whose manifest
// appeared after startup.
func (d *Daemon) loadNewManifest(ctx context.Context, path string) error {
	zl := d.logger.GetZerolog()
	loader := plugin.NewLoader(zl, plugin.NewValidator(zl))

	manifest, err := loader.LoadFile(path)
	if err != nil {
		return err
	}

	dm := plugin.DiscoveredManifest{
		Dir:          filepath.Dir(path),
		ManifestPath: path,
		Manifest:     manifest,
	}
	if err := d.runtime.Load(ctx, dm); err != nil {
		return err
	}
	if d.config.Plugins.AutoActivate {
		return d.runtime.Activate(ctx, manifest.ID)
	}
	return nil
}

// hooksConfig maps the config schema onto the hook manager's form.
func hooksConfig(cfg config.HooksConfig, zl zerolog.Logger) hooks.Config {
	entries := make([]hooks.Hook, 0, len(cfg.Entries))
	for _, entry := range cfg.Entries {
		entries = append(entries, hooks.Hook{
			ID:      entry.ID,
			Event:   entry.Event,
			Script:  entry.Script,
			Timeout: time.Duration(entry.TimeoutSeconds) * time.Second,
			Enabled: entry.Enabled,
		})
	}
	return hooks.Config{
		Enabled: cfg.Enabled,
		Hooks:   entries,
		Logger:  zl,
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
