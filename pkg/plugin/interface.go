package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Plugin is the capability set a constructed plugin object implements. The
// lifecycle manager depends only on this interface, never on concrete
// plugin types.
type Plugin interface {
	// OnLoad is called once after construction, with the plugin's resolved
	// configuration (provider values merged over manifest defaults).
	OnLoad(ctx context.Context, config map[string]any) error

	// OnActivate is called on the transition into the active state, before
	// the plugin's tools are registered.
	OnActivate(ctx context.Context) error

	// OnDeactivate is called on the transition out of the active state.
	OnDeactivate(ctx context.Context) error

	// OnCleanup is called during unload; the instance is discarded afterwards.
	OnCleanup(ctx context.Context) error
}

// Factory constructs the plugin object for a builtin entry point.
type Factory func(manifest *Manifest) (Plugin, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory makes a builtin entry point constructible under the given
// name. Registering a name twice panics: factory wiring is a programming
// error, not a runtime condition.
func RegisterFactory(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if factory == nil {
		panic("plugin: RegisterFactory with nil factory")
	}
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("plugin: RegisterFactory called twice for %q", name))
	}
	factories[name] = factory
}

// LookupFactory returns the factory registered under name.
func LookupFactory(name string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// Factories lists the registered builtin entry point names, sorted.
func Factories() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Base is a Plugin with no-op hooks, meant for embedding.
type Base struct{}

func (Base) OnLoad(context.Context, map[string]any) error { return nil }
func (Base) OnActivate(context.Context) error             { return nil }
func (Base) OnDeactivate(context.Context) error           { return nil }
func (Base) OnCleanup(context.Context) error              { return nil }

func init() {
	// Declarative plugins carry tools that are plain subprocess commands and
	// need no lifecycle behavior of their own.
	RegisterFactory("declarative", func(*Manifest) (Plugin, error) {
		return Base{}, nil
	})
}
