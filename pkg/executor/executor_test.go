package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchbay/patchbay/pkg/plugin"
)

// fakeSource serves tools from a real bridge without a full runtime.
type fakeSource struct {
	bridge *plugin.Bridge
	infos  map[string]plugin.InstanceInfo
	dirs   map[string]string
}

func (s *fakeSource) Resolve(name string) (*plugin.RegistryEntry, error) {
	return s.bridge.Resolve(name)
}

func (s *fakeSource) Plugin(id string) (plugin.InstanceInfo, bool) {
	info, ok := s.infos[id]
	return info, ok
}

func (s *fakeSource) PluginDir(id string) string { return s.dirs[id] }

func newFakeSource(t *testing.T, pluginID string, tools ...plugin.ToolSpec) *fakeSource {
	t.Helper()
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	bridge := plugin.NewBridge(logger)
	_, err := bridge.RegisterPlugin(pluginID, tools)
	require.NoError(t, err)
	return &fakeSource{
		bridge: bridge,
		infos:  map[string]plugin.InstanceInfo{pluginID: {ID: pluginID, State: plugin.StateActive}},
		dirs:   map[string]string{},
	}
}

func newTestExecutor(source ToolSource, opts Options) *Executor {
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	return New(logger, source, NewApprovalManager(logger, AutoApproveHandler{}, 0), opts)
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// echoBody replies with the full request embedded as the result.
const echoBody = `INPUT=$(cat)
printf '{"success": true, "result": %s}' "$INPUT"`

const okBody = `printf '{"success": true, "result": "ok"}'`

type eventRecorder struct {
	mu     sync.Mutex
	events []plugin.Event
}

func (r *eventRecorder) Emit(e plugin.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) types() []plugin.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]plugin.EventType, len(r.events))
	for i, e := range r.events {
		types[i] = e.Type
	}
	return types
}

func TestExecutor_Invoke(t *testing.T) {
	ctx := context.Background()

	t.Run("round-trips the request over stdin", func(t *testing.T) {
		dir := t.TempDir()
		script := writeScript(t, dir, "echo.sh", echoBody)
		source := newFakeSource(t, "kit", plugin.ToolSpec{Name: "echo", Command: script})
		exe := newTestExecutor(source, Options{})

		inv, err := exe.Invoke(ctx, "kit.echo", map[string]any{"name": "world"})
		require.NoError(t, err)
		assert.True(t, inv.Success)
		assert.Equal(t, 0, inv.ExitCode)
		assert.NotEmpty(t, inv.ID)

		result, ok := inv.Result.(map[string]any)
		require.True(t, ok, "result should echo the request object")
		assert.Equal(t, inv.ID, result["id"])
		assert.Equal(t, "kit.echo", result["tool"])
		args, ok := result["arguments"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "world", args["name"])
	})

	t.Run("fills declared defaults into the arguments", func(t *testing.T) {
		dir := t.TempDir()
		script := writeScript(t, dir, "echo.sh", echoBody)
		source := newFakeSource(t, "kit", plugin.ToolSpec{
			Name:    "echo",
			Command: script,
			InputSchema: map[string]plugin.ParameterSpec{
				"mode": {Type: "string", Default: "fast"},
			},
		})
		exe := newTestExecutor(source, Options{})

		inv, err := exe.Invoke(ctx, "kit.echo", nil)
		require.NoError(t, err)

		result := inv.Result.(map[string]any)
		args := result["arguments"].(map[string]any)
		assert.Equal(t, "fast", args["mode"])
	})

	t.Run("rejects invalid arguments before spawning", func(t *testing.T) {
		dir := t.TempDir()
		script := writeScript(t, dir, "echo.sh", "touch ran\n"+echoBody)
		source := newFakeSource(t, "kit", plugin.ToolSpec{
			Name:    "echo",
			Command: script,
			InputSchema: map[string]plugin.ParameterSpec{
				"count": {Type: "number", Required: true},
			},
		})
		source.dirs["kit"] = dir
		exe := newTestExecutor(source, Options{})

		inv, err := exe.Invoke(ctx, "kit.echo", map[string]any{"count": "three"})
		require.ErrorIs(t, err, plugin.ErrValidation)
		assert.Nil(t, inv)

		_, statErr := os.Stat(filepath.Join(dir, "ran"))
		assert.True(t, os.IsNotExist(statErr), "no process may start on validation failure")
	})

	t.Run("passes resolver errors through", func(t *testing.T) {
		source := newFakeSource(t, "kit", plugin.ToolSpec{Name: "echo", Command: "/bin/true"})
		exe := newTestExecutor(source, Options{})

		_, err := exe.Invoke(ctx, "kit.missing", nil)
		require.ErrorIs(t, err, plugin.ErrNotFound)
	})

	t.Run("classifies a non-zero exit with stderr attached", func(t *testing.T) {
		dir := t.TempDir()
		script := writeScript(t, dir, "broken.sh", `echo "boom detail" >&2
exit 3`)
		source := newFakeSource(t, "kit", plugin.ToolSpec{Name: "broken", Command: script})
		exe := newTestExecutor(source, Options{})

		inv, err := exe.Invoke(ctx, "kit.broken", nil)
		require.ErrorIs(t, err, ErrExecution)
		assert.Contains(t, err.Error(), "code 3")
		assert.Contains(t, err.Error(), "boom detail")
		assert.Equal(t, 3, inv.ExitCode)
		assert.Contains(t, inv.Stderr, "boom detail")
		assert.False(t, inv.Success)
	})

	t.Run("classifies unparseable stdout", func(t *testing.T) {
		dir := t.TempDir()
		script := writeScript(t, dir, "garbage.sh", `printf 'not json'`)
		source := newFakeSource(t, "kit", plugin.ToolSpec{Name: "garbage", Command: script})
		exe := newTestExecutor(source, Options{})

		_, err := exe.Invoke(ctx, "kit.garbage", nil)
		require.ErrorIs(t, err, ErrExecution)
		assert.Contains(t, err.Error(), "malformed response")
	})

	t.Run("classifies silence as an empty response", func(t *testing.T) {
		source := newFakeSource(t, "kit", plugin.ToolSpec{Name: "mute", Command: "/bin/true"})
		exe := newTestExecutor(source, Options{})

		_, err := exe.Invoke(ctx, "kit.mute", nil)
		require.ErrorIs(t, err, ErrExecution)
		assert.Contains(t, err.Error(), "empty response")
	})

	t.Run("propagates a tool-reported failure", func(t *testing.T) {
		dir := t.TempDir()
		script := writeScript(t, dir, "sad.sh", `printf '{"success": false, "error": "disk on fire"}'`)
		source := newFakeSource(t, "kit", plugin.ToolSpec{Name: "sad", Command: script})
		exe := newTestExecutor(source, Options{})

		inv, err := exe.Invoke(ctx, "kit.sad", nil)
		require.ErrorIs(t, err, ErrExecution)
		assert.Contains(t, err.Error(), "disk on fire")
		assert.Equal(t, 0, inv.ExitCode)
	})

	t.Run("rejects a response with a foreign id", func(t *testing.T) {
		dir := t.TempDir()
		script := writeScript(t, dir, "liar.sh", `printf '{"id": "someone-else", "success": true}'`)
		source := newFakeSource(t, "kit", plugin.ToolSpec{Name: "liar", Command: script})
		exe := newTestExecutor(source, Options{})

		_, err := exe.Invoke(ctx, "kit.liar", nil)
		require.ErrorIs(t, err, ErrExecution)
		assert.Contains(t, err.Error(), "does not match")
	})

	t.Run("merges declared env over the parent environment", func(t *testing.T) {
		dir := t.TempDir()
		script := writeScript(t, dir, "env.sh", `printf '{"success": true, "result": "%s"}' "$TOOL_FLAVOR"`)
		source := newFakeSource(t, "kit", plugin.ToolSpec{
			Name:    "env",
			Command: script,
			Env:     map[string]string{"TOOL_FLAVOR": "crunchy"},
		})
		exe := newTestExecutor(source, Options{})

		inv, err := exe.Invoke(ctx, "kit.env", nil)
		require.NoError(t, err)
		assert.Equal(t, "crunchy", inv.Result)
	})

	t.Run("resolves relative commands against the plugin dir", func(t *testing.T) {
		dir := t.TempDir()
		writeScript(t, dir, "tool.sh", okBody)
		source := newFakeSource(t, "kit", plugin.ToolSpec{Name: "local", Command: "./tool.sh"})
		source.dirs["kit"] = dir
		exe := newTestExecutor(source, Options{})

		inv, err := exe.Invoke(ctx, "kit.local", nil)
		require.NoError(t, err)
		assert.Equal(t, "ok", inv.Result)
	})

	t.Run("truncates oversized results and flags them", func(t *testing.T) {
		dir := t.TempDir()
		script := writeScript(t, dir, "chatty.sh",
			`printf '{"success": true, "result": "`+strings.Repeat("x", 200)+`"}'`)
		source := newFakeSource(t, "kit", plugin.ToolSpec{Name: "chatty", Command: script})
		exe := newTestExecutor(source, Options{MaxOutputBytes: 64})

		inv, err := exe.Invoke(ctx, "kit.chatty", nil)
		require.NoError(t, err)
		assert.True(t, inv.Truncated)
		text, ok := inv.Result.(string)
		require.True(t, ok)
		assert.True(t, strings.HasSuffix(text, "[output truncated]"))
	})

	t.Run("kills the process at the tool deadline", func(t *testing.T) {
		dir := t.TempDir()
		script := writeScript(t, dir, "slow.sh", `exec sleep 30`)
		source := newFakeSource(t, "kit", plugin.ToolSpec{
			Name:           "slow",
			Command:        script,
			TimeoutSeconds: 1,
		})
		exe := newTestExecutor(source, Options{})

		inv, err := exe.Invoke(ctx, "kit.slow", nil)
		require.ErrorIs(t, err, ErrTimeout)
		assert.GreaterOrEqual(t, inv.DurationMS, int64(900))
		assert.Less(t, inv.DurationMS, int64(5000))
	})

	t.Run("falls back to the manifest resource deadline", func(t *testing.T) {
		dir := t.TempDir()
		script := writeScript(t, dir, "slow.sh", `exec sleep 30`)
		source := newFakeSource(t, "kit", plugin.ToolSpec{Name: "slow", Command: script})
		source.infos["kit"] = plugin.InstanceInfo{
			ID:       "kit",
			State:    plugin.StateActive,
			Manifest: plugin.Manifest{ID: "kit", Resources: &plugin.Resources{TimeoutSeconds: 1}},
		}
		exe := newTestExecutor(source, Options{DefaultTimeout: 30 * time.Second})

		inv, err := exe.Invoke(ctx, "kit.slow", nil)
		require.ErrorIs(t, err, ErrTimeout)
		assert.Less(t, inv.DurationMS, int64(5000))
	})

	t.Run("reports caller cancellation distinctly", func(t *testing.T) {
		dir := t.TempDir()
		script := writeScript(t, dir, "slow.sh", `exec sleep 30`)
		source := newFakeSource(t, "kit", plugin.ToolSpec{Name: "slow", Command: script})
		exe := newTestExecutor(source, Options{})

		cancelCtx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(100 * time.Millisecond)
			cancel()
		}()

		inv, err := exe.Invoke(cancelCtx, "kit.slow", nil)
		require.ErrorIs(t, err, ErrCancelled)
		assert.NotErrorIs(t, err, ErrTimeout)
		assert.Less(t, inv.DurationMS, int64(5000))
	})

	t.Run("emits invoked and completed events", func(t *testing.T) {
		dir := t.TempDir()
		script := writeScript(t, dir, "ok.sh", okBody)
		source := newFakeSource(t, "kit", plugin.ToolSpec{Name: "ok", Command: script})
		recorder := &eventRecorder{}
		exe := newTestExecutor(source, Options{Events: recorder})

		_, err := exe.Invoke(ctx, "kit.ok", nil)
		require.NoError(t, err)
		assert.Equal(t, []plugin.EventType{plugin.EventToolInvoked, plugin.EventToolCompleted}, recorder.types())
	})
}

func TestExecutor_TimeoutIsolation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	slowScript := writeScript(t, dir, "slow.sh", `exec sleep 30`)
	fastScript := writeScript(t, dir, "fast.sh", okBody)

	source := newFakeSource(t, "kit",
		plugin.ToolSpec{Name: "slow", Command: slowScript, TimeoutSeconds: 1},
		plugin.ToolSpec{Name: "fast", Command: fastScript},
	)
	exe := newTestExecutor(source, Options{})

	type outcome struct {
		tool string
		inv  *Invocation
		err  error
	}
	results := make(chan outcome, 5)

	start := time.Now()
	var wg sync.WaitGroup
	for _, tool := range []string{"kit.slow", "kit.fast", "kit.fast", "kit.slow", "kit.fast"} {
		wg.Add(1)
		go func(tool string) {
			defer wg.Done()
			inv, err := exe.Invoke(ctx, tool, nil)
			results <- outcome{tool: tool, inv: inv, err: err}
		}(tool)
	}
	wg.Wait()
	close(results)
	elapsed := time.Since(start)

	fast, slow := 0, 0
	for res := range results {
		switch res.tool {
		case "kit.fast":
			fast++
			require.NoError(t, res.err)
			assert.Less(t, res.inv.DurationMS, int64(900),
				"a hung sibling must not delay this invocation")
		case "kit.slow":
			slow++
			require.ErrorIs(t, res.err, ErrTimeout)
		}
	}
	assert.Equal(t, 3, fast)
	assert.Equal(t, 2, slow)
	assert.Less(t, elapsed, 10*time.Second)
}

func TestExecutor_ApprovalGate(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	gated := func(t *testing.T, dir string) *fakeSource {
		t.Helper()
		script := writeScript(t, dir, "danger.sh", "touch ran\n"+okBody)
		source := newFakeSource(t, "kit", plugin.ToolSpec{
			Name:             "danger",
			Command:          script,
			RequiresApproval: true,
		})
		source.dirs["kit"] = dir
		return source
	}

	t.Run("denial stops the invocation before any process", func(t *testing.T) {
		dir := t.TempDir()
		recorder := &eventRecorder{}
		handler := &MockApprovalHandler{Decision: ApprovalDecision{Approved: false, Reason: "not today"}}
		exe := New(logger, gated(t, dir), NewApprovalManager(logger, handler, 0), Options{Events: recorder})

		inv, err := exe.Invoke(ctx, "kit.danger", nil)
		require.ErrorIs(t, err, ErrApprovalDenied)
		assert.Contains(t, err.Error(), "not today")
		require.NotNil(t, inv)
		assert.False(t, inv.Success)

		_, statErr := os.Stat(filepath.Join(dir, "ran"))
		assert.True(t, os.IsNotExist(statErr))
		assert.Equal(t, []plugin.EventType{
			plugin.EventApprovalRequested,
			plugin.EventApprovalResolved,
			plugin.EventToolFailed,
		}, recorder.types())
	})

	t.Run("a missed decision maps to approval timeout", func(t *testing.T) {
		dir := t.TempDir()
		handler := &MockApprovalHandler{Delay: time.Second, Decision: ApprovalDecision{Approved: true}}
		exe := New(logger, gated(t, dir), NewApprovalManager(logger, handler, 50*time.Millisecond), Options{})

		_, err := exe.Invoke(ctx, "kit.danger", nil)
		require.ErrorIs(t, err, ErrApprovalTimeout)
		assert.NotErrorIs(t, err, ErrTimeout)
	})

	t.Run("approval lets the invocation proceed", func(t *testing.T) {
		dir := t.TempDir()
		recorder := &eventRecorder{}
		exe := New(logger, gated(t, dir), NewApprovalManager(logger, AutoApproveHandler{}, 0), Options{Events: recorder})

		inv, err := exe.Invoke(ctx, "kit.danger", nil)
		require.NoError(t, err)
		assert.True(t, inv.Success)
		assert.Equal(t, []plugin.EventType{
			plugin.EventApprovalRequested,
			plugin.EventApprovalResolved,
			plugin.EventToolInvoked,
			plugin.EventToolCompleted,
		}, recorder.types())
	})

	t.Run("ordinary tools bypass the gate", func(t *testing.T) {
		dir := t.TempDir()
		script := writeScript(t, dir, "plain.sh", okBody)
		source := newFakeSource(t, "kit", plugin.ToolSpec{Name: "plain", Command: script})
		exe := New(logger, source, NewApprovalManager(logger, DenyAllHandler{}, 0), Options{})

		inv, err := exe.Invoke(ctx, "kit.plain", nil)
		require.NoError(t, err)
		assert.True(t, inv.Success)
	})
}
