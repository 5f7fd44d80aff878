package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/patchbay/patchbay/pkg/plugin"
)

// DefaultTimeout bounds hook scripts that declare no timeout of their own.
const DefaultTimeout = 30 * time.Second

// Hook is one operator-configured script bound to a runtime event.
type Hook struct {
	ID      string
	Event   string
	Script  string
	Timeout time.Duration
	Enabled bool
}

// Config configures a hook Manager.
type Config struct {
	Enabled bool
	Hooks   []Hook
	Logger  zerolog.Logger
}

// Manager executes configured shell hooks for runtime events. Scripts run
// under /bin/sh with the event payload injected into the environment.
type Manager struct {
	enabled bool
	logger  zerolog.Logger

	mu           sync.RWMutex
	hooksByEvent map[string][]Hook
}

// NewManager creates a hook manager from configuration. Disabled entries
// are dropped; enabled entries without an event or script are rejected.
func NewManager(cfg Config) (*Manager, error) {
	manager := &Manager{
		enabled:      cfg.Enabled,
		logger:       cfg.Logger.With().Str("component", "hooks").Logger(),
		hooksByEvent: make(map[string][]Hook),
	}

	if !cfg.Enabled {
		return manager, nil
	}

	for _, hook := range cfg.Hooks {
		if !hook.Enabled {
			continue
		}
		event := strings.TrimSpace(hook.Event)
		if event == "" {
			return nil, fmt.Errorf("hook event is required")
		}
		if strings.TrimSpace(hook.Script) == "" {
			return nil, fmt.Errorf("hook script is required for event %q", event)
		}
		if hook.Timeout <= 0 {
			hook.Timeout = DefaultTimeout
		}
		manager.hooksByEvent[event] = append(manager.hooksByEvent[event], hook)
	}

	return manager, nil
}

// Sink adapts the manager to the runtime's event stream. Each event runs
// its hooks in a separate goroutine, so emission never blocks a plugin
// transition or an invocation.
func (m *Manager) Sink() plugin.EventSink {
	return plugin.EventSinkFunc(func(event plugin.Event) {
		if m == nil || !m.enabled {
			return
		}
		go func() {
			if err := m.Trigger(context.Background(), string(event.Type), eventData(event)); err != nil {
				m.logger.Warn().
					Err(err).
					Str("event", string(event.Type)).
					Msg("Hook execution failed")
			}
		}()
	})
}

// Trigger executes every hook registered for an event, sequentially, and
// joins their failures.
func (m *Manager) Trigger(ctx context.Context, event string, data map[string]any) error {
	if m == nil || !m.enabled {
		return nil
	}
	event = strings.TrimSpace(event)
	if event == "" {
		return fmt.Errorf("event is required")
	}

	m.mu.RLock()
	hooks := append([]Hook(nil), m.hooksByEvent[event]...)
	m.mu.RUnlock()
	if len(hooks) == 0 {
		return nil
	}

	var errs []error
	for _, hook := range hooks {
		if err := m.executeHook(ctx, event, hook, data); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (m *Manager) executeHook(ctx context.Context, event string, hook Hook, data map[string]any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	hookID := hook.ID
	if strings.TrimSpace(hookID) == "" {
		hookID = event
	}

	runCtx, cancel := context.WithTimeout(ctx, hook.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", hook.Script)
	cmd.Env = buildHookEnvironment(event, data)

	output, err := cmd.CombinedOutput()
	outputText := strings.TrimSpace(string(output))
	if err != nil {
		if outputText != "" {
			return fmt.Errorf("hook %s failed: %w: %s", hookID, err, outputText)
		}
		return fmt.Errorf("hook %s failed: %w", hookID, err)
	}

	if outputText != "" {
		m.logger.Debug().
			Str("event", event).
			Str("hook_id", hookID).
			Str("output", outputText).
			Msg("Hook executed")
	}

	return nil
}

// eventData flattens a runtime event into the payload map hooks receive.
func eventData(event plugin.Event) map[string]any {
	data := make(map[string]any, len(event.Details)+3)
	for key, value := range event.Details {
		data[key] = value
	}
	if event.PluginID != "" {
		data["plugin_id"] = event.PluginID
	}
	if event.Tool != "" {
		data["tool"] = event.Tool
	}
	if event.Error != "" {
		data["error"] = event.Error
	}
	return data
}

func buildHookEnvironment(event string, data map[string]any) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, "PATCHBAY_HOOK_EVENT="+event)

	if len(data) == 0 {
		return env
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		envKey := "PATCHBAY_HOOK_DATA_" + normalizeEnvKey(key)
		env = append(env, envKey+"="+fmt.Sprintf("%v", data[key]))
	}
	return env
}

func normalizeEnvKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}

	upper := strings.ToUpper(key)
	builder := strings.Builder{}
	builder.Grow(len(upper))
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			builder.WriteRune(r)
			continue
		}
		builder.WriteRune('_')
	}
	return builder.String()
}
