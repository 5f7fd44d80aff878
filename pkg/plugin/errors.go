package plugin

import "errors"

var (
	// ErrValidation indicates a malformed manifest, configuration, or
	// argument set, rejected before any side effects.
	ErrValidation = errors.New("validation failed")

	// ErrIncompatibleVersion indicates the host API version falls outside the
	// manifest's declared compatibility range.
	ErrIncompatibleVersion = errors.New("incompatible api version")

	// ErrCyclicDependency indicates the dependency graph contains a cycle.
	ErrCyclicDependency = errors.New("cyclic dependency")

	// ErrUnresolvedDependency indicates a dependency is unknown or its
	// version constraint cannot be satisfied.
	ErrUnresolvedDependency = errors.New("unresolved dependency")

	// ErrAlreadyTransitioning indicates a concurrent transition is in
	// progress for the same plugin.
	ErrAlreadyTransitioning = errors.New("plugin transition already in progress")

	// ErrInvalidTransition indicates the requested transition is not allowed
	// from the plugin's current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrDependencyNotActive indicates activation was attempted while a
	// dependency plugin is not active.
	ErrDependencyNotActive = errors.New("dependency not active")

	// ErrPluginExists indicates a load was attempted for an id that already
	// has a live instance.
	ErrPluginExists = errors.New("plugin already loaded")

	// ErrDuplicateToolName indicates a registration would collide with an
	// already registered full name.
	ErrDuplicateToolName = errors.New("duplicate tool name")

	// ErrAmbiguousName indicates a short name matched more than one active tool.
	ErrAmbiguousName = errors.New("ambiguous tool name")

	// ErrNotFound indicates an unknown plugin or tool name.
	ErrNotFound = errors.New("not found")

	// ErrRegistryEmpty indicates a tool lookup while no tools are registered
	// at all, distinguishing "nothing is running" from a bad name.
	ErrRegistryEmpty = errors.New("no tools registered")

	// ErrHookTimeout indicates a lifecycle hook exceeded the configured bound.
	ErrHookTimeout = errors.New("lifecycle hook timed out")

	// ErrUnknownEntryPoint indicates an entry point with no registered
	// factory or an unrecognized scheme.
	ErrUnknownEntryPoint = errors.New("unknown entry point")
)
