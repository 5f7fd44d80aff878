package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/patchbay/patchbay/internal/tracing"
	"github.com/patchbay/patchbay/pkg/plugin"
)

// DefaultTimeout bounds a tool process when neither the tool nor its
// plugin manifest declares a deadline.
const DefaultTimeout = 30 * time.Second

// DefaultMaxOutputBytes caps the result payload carried back to callers.
const DefaultMaxOutputBytes = 1 << 20

// stderr is diagnostics only, so it gets a small fixed cap.
const maxStderrBytes = 16 * 1024

// ToolSource supplies registered tools and their owning plugins.
// *plugin.Runtime satisfies it.
type ToolSource interface {
	Resolve(name string) (*plugin.RegistryEntry, error)
	Plugin(id string) (plugin.InstanceInfo, bool)
	PluginDir(id string) string
}

// Options tune an Executor.
type Options struct {
	// DefaultTimeout applies when neither tool nor manifest declares one.
	// Zero means DefaultTimeout.
	DefaultTimeout time.Duration

	// MaxOutputBytes caps result payloads; larger results are truncated
	// and flagged. Zero means DefaultMaxOutputBytes.
	MaxOutputBytes int

	// Events receives invocation and approval events. Nil disables
	// emission.
	Events plugin.EventSink
}

// Invocation is the record of one tool execution.
type Invocation struct {
	ID         string    `json:"id"`
	Tool       string    `json:"tool"`
	PluginID   string    `json:"plugin_id"`
	Success    bool      `json:"success"`
	Result     any       `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	Stderr     string    `json:"stderr,omitempty"`
	ExitCode   int       `json:"exit_code"`
	Truncated  bool      `json:"truncated,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// Executor runs registered tools as child processes: one JSON request on
// stdin, one JSON response on stdout. Invocations are independent; no state
// is shared between them and no registry lock is held while a process runs.
type Executor struct {
	logger    zerolog.Logger
	source    ToolSource
	approvals *ApprovalManager
	opts      Options
}

// New creates an Executor over the given tool source. The approval manager
// may be nil when no tool requires approval.
func New(logger zerolog.Logger, source ToolSource, approvals *ApprovalManager, opts Options) *Executor {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return &Executor{
		logger:    logger.With().Str("component", "tool-executor").Logger(),
		source:    source,
		approvals: approvals,
		opts:      opts,
	}
}

// Invoke resolves name to a registered tool, validates args against its
// input schema, passes the approval gate when required, and runs the tool
// process to completion. The returned Invocation is non-nil whenever an
// invocation id was assigned, including on failure.
func (e *Executor) Invoke(ctx context.Context, name string, args map[string]any) (*Invocation, error) {
	entry, err := e.source.Resolve(name)
	if err != nil {
		return nil, err
	}

	args = mergeDefaults(entry.Spec, args)
	if err := entry.ValidateArguments(args); err != nil {
		return nil, err
	}

	inv := &Invocation{
		ID:        uuid.NewString(),
		Tool:      entry.FullName,
		PluginID:  entry.PluginID,
		StartedAt: time.Now(),
	}
	ctx = tracing.NewInvocationContext(ctx, inv.ID, inv.PluginID)
	logger := tracing.LoggerFromContext(ctx, e.logger)

	if entry.Spec.RequiresApproval {
		if err := e.requestApproval(ctx, inv, args); err != nil {
			return e.fail(ctx, inv, err)
		}
	}

	e.emit(plugin.Event{
		Type:     plugin.EventToolInvoked,
		PluginID: inv.PluginID,
		Tool:     inv.Tool,
		Details:  map[string]any{"invocation_id": inv.ID, "trace_id": tracing.GetTraceID(ctx)},
	})

	timeout := e.effectiveTimeout(entry)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := encodeRequest(Request{ID: inv.ID, Tool: inv.Tool, Arguments: args})
	if err != nil {
		return e.fail(ctx, inv, fmt.Errorf("%w: encode request: %v", ErrExecution, err))
	}

	cmd := exec.CommandContext(execCtx, e.commandPath(entry), entry.Spec.Args...)
	if dir := e.source.PluginDir(entry.PluginID); dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = buildEnv(entry.Spec.Env)
	cmd.Stdin = bytes.NewReader(payload)
	// Forked grandchildren can hold the output pipes open past the main
	// process's exit; don't wait on them forever.
	cmd.WaitDelay = time.Second

	stdout := &capWriter{max: e.opts.MaxOutputBytes + 64*1024}
	stderr := &capWriter{max: maxStderrBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.Debug().
		Str("tool", inv.Tool).
		Str("command", cmd.Path).
		Dur("timeout", timeout).
		Msg("Spawning tool process")

	runErr := cmd.Run()
	inv.DurationMS = time.Since(inv.StartedAt).Milliseconds()
	inv.Stderr = stderr.String()
	if cmd.ProcessState != nil {
		inv.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err := classifyRun(ctx, execCtx, runErr, inv, timeout); err != nil {
		return e.fail(ctx, inv, err)
	}
	if stdout.dropped {
		return e.fail(ctx, inv, fmt.Errorf("%w: %s wrote more than %d bytes of output",
			ErrExecution, inv.Tool, stdout.max))
	}

	resp, err := decodeResponse(inv.ID, stdout.Bytes())
	if err != nil {
		return e.fail(ctx, inv, fmt.Errorf("%w: %s: %v", ErrExecution, inv.Tool, err))
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "tool reported failure"
		}
		return e.fail(ctx, inv, fmt.Errorf("%w: %s: %s", ErrExecution, inv.Tool, msg))
	}

	inv.Success = true
	inv.Result, inv.Truncated = e.truncateResult(resp.Result)

	e.emit(plugin.Event{
		Type:     plugin.EventToolCompleted,
		PluginID: inv.PluginID,
		Tool:     inv.Tool,
		Details:  map[string]any{"invocation_id": inv.ID, "duration_ms": inv.DurationMS, "trace_id": tracing.GetTraceID(ctx)},
	})
	logger.Info().
		Str("tool", inv.Tool).
		Int64("duration_ms", inv.DurationMS).
		Bool("truncated", inv.Truncated).
		Msg("Tool invocation completed")

	return inv, nil
}

func (e *Executor) requestApproval(ctx context.Context, inv *Invocation, args map[string]any) error {
	e.emit(plugin.Event{
		Type:     plugin.EventApprovalRequested,
		PluginID: inv.PluginID,
		Tool:     inv.Tool,
		Details:  map[string]any{"invocation_id": inv.ID},
	})

	err := e.approvals.Request(ctx, ApprovalRequest{
		ID:        inv.ID,
		Tool:      inv.Tool,
		PluginID:  inv.PluginID,
		Arguments: args,
	})

	e.emit(plugin.Event{
		Type:     plugin.EventApprovalResolved,
		PluginID: inv.PluginID,
		Tool:     inv.Tool,
		Details:  map[string]any{"invocation_id": inv.ID, "approved": err == nil},
	})
	return err
}

// fail stamps the invocation record with the classified error and reports
// both.
func (e *Executor) fail(ctx context.Context, inv *Invocation, err error) (*Invocation, error) {
	inv.Error = err.Error()
	if inv.DurationMS == 0 {
		inv.DurationMS = time.Since(inv.StartedAt).Milliseconds()
	}
	e.emit(plugin.Event{
		Type:     plugin.EventToolFailed,
		PluginID: inv.PluginID,
		Tool:     inv.Tool,
		Error:    inv.Error,
		Details:  map[string]any{"invocation_id": inv.ID, "duration_ms": inv.DurationMS, "trace_id": tracing.GetTraceID(ctx)},
	})
	logger := tracing.LoggerFromContext(ctx, e.logger)
	logger.Warn().
		Str("tool", inv.Tool).
		Int64("duration_ms", inv.DurationMS).
		Err(err).
		Msg("Tool invocation failed")
	return inv, err
}

// effectiveTimeout picks the tool's own deadline, then the plugin-level
// default from the manifest, then the executor default.
func (e *Executor) effectiveTimeout(entry *plugin.RegistryEntry) time.Duration {
	if entry.Spec.TimeoutSeconds > 0 {
		return time.Duration(entry.Spec.TimeoutSeconds) * time.Second
	}
	if info, ok := e.source.Plugin(entry.PluginID); ok {
		if res := info.Manifest.Resources; res != nil && res.TimeoutSeconds > 0 {
			return time.Duration(res.TimeoutSeconds) * time.Second
		}
	}
	return e.opts.DefaultTimeout
}

// commandPath resolves a relative command with a path separator against
// the plugin directory. Bare names go through PATH as usual.
func (e *Executor) commandPath(entry *plugin.RegistryEntry) string {
	command := entry.Spec.Command
	if filepath.IsAbs(command) || !strings.ContainsRune(command, os.PathSeparator) {
		return command
	}
	if dir := e.source.PluginDir(entry.PluginID); dir != "" {
		return filepath.Join(dir, command)
	}
	return command
}

// truncateResult caps oversized results, substituting a truncated JSON
// rendering.
func (e *Executor) truncateResult(result any) (any, bool) {
	if result == nil {
		return nil, false
	}
	text, err := json.Marshal(result)
	if err != nil || len(text) <= e.opts.MaxOutputBytes {
		return result, false
	}
	return string(text[:e.opts.MaxOutputBytes]) + "\n... [output truncated]", true
}

func (e *Executor) emit(event plugin.Event) {
	if e.opts.Events == nil {
		return
	}
	event.Time = time.Now()
	e.opts.Events.Emit(event)
}

// classifyRun translates a failed process run into an error kind. The
// caller's cancellation wins over the execution deadline, which wins over
// exit-status errors. A clean exit stays a success even when the contexts
// ended moments later.
func classifyRun(ctx, execCtx context.Context, runErr error, inv *Invocation, timeout time.Duration) error {
	if runErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s", ErrCancelled, inv.Tool)
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s exceeded %s", ErrTimeout, inv.Tool, timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		if excerpt := firstLine(inv.Stderr); excerpt != "" {
			return fmt.Errorf("%w: %s exited with code %d: %s",
				ErrExecution, inv.Tool, exitErr.ExitCode(), excerpt)
		}
		return fmt.Errorf("%w: %s exited with code %d", ErrExecution, inv.Tool, exitErr.ExitCode())
	}
	return fmt.Errorf("%w: %s: %v", ErrExecution, inv.Tool, runErr)
}

// mergeDefaults copies args and fills in declared parameter defaults for
// missing keys. The caller's map is never mutated.
func mergeDefaults(spec plugin.ToolSpec, args map[string]any) map[string]any {
	merged := make(map[string]any, len(args)+len(spec.InputSchema))
	for key, value := range args {
		merged[key] = value
	}
	for name, param := range spec.InputSchema {
		if param.Default == nil {
			continue
		}
		if _, present := merged[name]; !present {
			merged[name] = param.Default
		}
	}
	return merged
}

// buildEnv merges the tool's declared environment over the parent process
// environment.
func buildEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	merged := os.Environ()
	for key, value := range env {
		merged = append(merged, key+"="+value)
	}
	return merged
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const limit = 300
	if len(s) > limit {
		s = s[:limit]
	}
	return s
}
