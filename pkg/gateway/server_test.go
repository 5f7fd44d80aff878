package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchbay/patchbay/internal/history"
	"github.com/patchbay/patchbay/internal/tracing"
	"github.com/patchbay/patchbay/pkg/executor"
	"github.com/patchbay/patchbay/pkg/plugin"
)

func testManifest(id string, tools ...plugin.ToolSpec) *plugin.Manifest {
	return &plugin.Manifest{
		ID:         id,
		Name:       id,
		Version:    "1.0.0",
		EntryPoint: "builtin:declarative",
		Tools:      tools,
	}
}

// buildRuntime loads and activates the given manifests on a fresh runtime.
func buildRuntime(t *testing.T, manifests ...*plugin.Manifest) *plugin.Runtime {
	t.Helper()
	logger := zerolog.Nop()
	rt := plugin.NewRuntime(logger, plugin.NewBridge(logger), plugin.Options{})
	ctx := context.Background()
	for _, m := range manifests {
		require.NoError(t, rt.Load(ctx, plugin.DiscoveredManifest{Manifest: m}))
		require.NoError(t, rt.Activate(ctx, m.ID))
	}
	return rt
}

type gatewayFixture struct {
	server  *Server
	ts      *httptest.Server
	runtime *plugin.Runtime
}

// newGatewayFixture serves a gateway over httptest. Zero-value config
// fields are filled with working defaults; manifests seed the runtime
// when the config does not bring its own.
func newGatewayFixture(t *testing.T, cfg Config, manifests ...*plugin.Manifest) *gatewayFixture {
	t.Helper()
	logger := zerolog.Nop()
	if cfg.Runtime == nil {
		cfg.Runtime = buildRuntime(t, manifests...)
	}
	if cfg.Executor == nil {
		cfg.Executor = executor.New(logger, cfg.Runtime,
			executor.NewApprovalManager(logger, executor.AutoApproveHandler{}, 0), executor.Options{})
	}
	if cfg.Port == 0 {
		cfg.Port = 8420
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &gatewayFixture{server: srv, ts: ts, runtime: cfg.Runtime}
}

func doJSON(t *testing.T, method, url, secret string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(SecretHeader, secret)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	return doJSON(t, http.MethodGet, url, "", nil, out)
}

func postJSON(t *testing.T, url string, body, out any) int {
	t.Helper()
	return doJSON(t, http.MethodPost, url, "", body, out)
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn, out any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(out))
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

const okBody = `printf '{"success": true, "result": "ok"}'`

func TestNewServer_Validation(t *testing.T) {
	logger := zerolog.Nop()
	rt := buildRuntime(t)
	exe := executor.New(logger, rt,
		executor.NewApprovalManager(logger, executor.AutoApproveHandler{}, 0), executor.Options{})

	t.Run("rejects missing port", func(t *testing.T) {
		_, err := NewServer(Config{Runtime: rt, Executor: exe})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid port")
	})

	t.Run("rejects missing runtime", func(t *testing.T) {
		_, err := NewServer(Config{Port: 8420, Executor: exe})
		require.Error(t, err)
	})

	t.Run("rejects missing executor", func(t *testing.T) {
		_, err := NewServer(Config{Port: 8420, Runtime: rt})
		require.Error(t, err)
	})
}

func TestServer_Healthz(t *testing.T) {
	fix := newGatewayFixture(t, Config{}, testManifest("demo"))

	req, err := http.NewRequest(http.MethodGet, fix.ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set(tracing.TraceHeader, "trace-roundtrip")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "trace-roundtrip", resp.Header.Get(tracing.TraceHeader))

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_PluginEndpoints(t *testing.T) {
	fix := newGatewayFixture(t, Config{},
		testManifest("demo",
			plugin.ToolSpec{Name: "ping", Command: "/bin/true"},
			plugin.ToolSpec{Name: "echo", Command: "/bin/true"},
		),
		testManifest("extra", plugin.ToolSpec{Name: "ping", Command: "/bin/true"}),
	)

	type listResponse struct {
		Plugins []plugin.InstanceInfo `json:"plugins"`
		Count   int                   `json:"count"`
	}

	t.Run("lists every plugin", func(t *testing.T) {
		var out listResponse
		status := getJSON(t, fix.ts.URL+"/api/v1/plugins", &out)

		require.Equal(t, http.StatusOK, status)
		require.Equal(t, 2, out.Count)
		ids := []string{out.Plugins[0].ID, out.Plugins[1].ID}
		assert.ElementsMatch(t, []string{"demo", "extra"}, ids)
		for _, info := range out.Plugins {
			assert.Equal(t, plugin.StateActive, info.State)
		}
	})

	t.Run("filters by state", func(t *testing.T) {
		var active listResponse
		require.Equal(t, http.StatusOK, getJSON(t, fix.ts.URL+"/api/v1/plugins?state=active", &active))
		assert.Equal(t, 2, active.Count)

		var inactive listResponse
		require.Equal(t, http.StatusOK, getJSON(t, fix.ts.URL+"/api/v1/plugins?state=inactive", &inactive))
		assert.Equal(t, 0, inactive.Count)
	})

	t.Run("rejects unknown state filters", func(t *testing.T) {
		var out errorResponse
		status := getJSON(t, fix.ts.URL+"/api/v1/plugins?state=bogus", &out)

		assert.Equal(t, http.StatusBadRequest, status)
		assert.NotEmpty(t, out.Error)
	})

	t.Run("reports plugin detail with tool count", func(t *testing.T) {
		var out struct {
			plugin.InstanceInfo
			ToolCount int `json:"tool_count"`
		}
		status := getJSON(t, fix.ts.URL+"/api/v1/plugins/demo", &out)

		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "demo", out.ID)
		assert.Equal(t, plugin.StateActive, out.State)
		assert.Equal(t, 2, out.ToolCount)
		assert.False(t, out.LoadedAt.IsZero())
	})

	t.Run("unknown plugins are not found", func(t *testing.T) {
		var out errorResponse
		status := getJSON(t, fix.ts.URL+"/api/v1/plugins/ghost", &out)

		assert.Equal(t, http.StatusNotFound, status)
		assert.Contains(t, out.Error, "not found")
	})

	t.Run("lists a plugin's tools by full name", func(t *testing.T) {
		var out struct {
			PluginID string   `json:"plugin_id"`
			Tools    []string `json:"tools"`
			Count    int      `json:"count"`
		}
		status := getJSON(t, fix.ts.URL+"/api/v1/plugins/demo/tools", &out)

		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "demo", out.PluginID)
		assert.Equal(t, 2, out.Count)
		assert.ElementsMatch(t, []string{"demo.ping", "demo.echo"}, out.Tools)
	})

	t.Run("tools of an unknown plugin are not found", func(t *testing.T) {
		status := getJSON(t, fix.ts.URL+"/api/v1/plugins/ghost/tools", nil)
		assert.Equal(t, http.StatusNotFound, status)
	})
}

func TestServer_PluginTransitions(t *testing.T) {
	type stateResponse struct {
		State plugin.State `json:"state"`
	}

	t.Run("deactivate and activate round trip", func(t *testing.T) {
		fix := newGatewayFixture(t, Config{},
			testManifest("demo", plugin.ToolSpec{Name: "ping", Command: "/bin/true"}))

		var out stateResponse
		status := postJSON(t, fix.ts.URL+"/api/v1/plugins/demo/deactivate", nil, &out)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, plugin.StateInactive, out.State)

		// A second deactivate has no active plugin to stop.
		status = postJSON(t, fix.ts.URL+"/api/v1/plugins/demo/deactivate", nil, &errorResponse{})
		assert.Equal(t, http.StatusConflict, status)

		status = postJSON(t, fix.ts.URL+"/api/v1/plugins/demo/activate", nil, &out)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, plugin.StateActive, out.State)

		status = postJSON(t, fix.ts.URL+"/api/v1/plugins/demo/activate", nil, &errorResponse{})
		assert.Equal(t, http.StatusConflict, status)
	})

	t.Run("unknown plugins are not found", func(t *testing.T) {
		fix := newGatewayFixture(t, Config{}, testManifest("demo"))

		status := postJSON(t, fix.ts.URL+"/api/v1/plugins/ghost/activate", nil, &errorResponse{})
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("reload replays the manifest from disk", func(t *testing.T) {
		dir := t.TempDir()
		sub := filepath.Join(dir, "disk")
		require.NoError(t, os.Mkdir(sub, 0o755))
		manifestPath := filepath.Join(sub, "manifest.json")
		require.NoError(t, os.WriteFile(manifestPath, []byte(`{
			"id": "disk", "version": "1.0.0", "entry_point": "builtin:declarative",
			"tools": [{"name": "ping", "command": "/bin/true"}]}`), 0o644))

		logger := zerolog.Nop()
		loader := plugin.NewLoader(logger, plugin.NewValidator(logger))
		m, err := loader.LoadFile(manifestPath)
		require.NoError(t, err)

		ctx := context.Background()
		rt := plugin.NewRuntime(logger, plugin.NewBridge(logger), plugin.Options{})
		require.NoError(t, rt.Load(ctx, plugin.DiscoveredManifest{
			Dir:          sub,
			ManifestPath: manifestPath,
			Manifest:     m,
		}))
		require.NoError(t, rt.Activate(ctx, "disk"))

		fix := newGatewayFixture(t, Config{Runtime: rt})

		var out stateResponse
		status := postJSON(t, fix.ts.URL+"/api/v1/plugins/disk/reload", nil, &out)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, plugin.StateActive, out.State)
	})

	t.Run("reload without a manifest on disk is a client error", func(t *testing.T) {
		fix := newGatewayFixture(t, Config{}, testManifest("demo"))

		status := postJSON(t, fix.ts.URL+"/api/v1/plugins/demo/reload", nil, &errorResponse{})
		assert.Equal(t, http.StatusBadRequest, status)
	})
}

func TestServer_ToolEndpoints(t *testing.T) {
	fix := newGatewayFixture(t, Config{},
		testManifest("demo",
			plugin.ToolSpec{Name: "ping", Command: "/bin/true"},
			plugin.ToolSpec{Name: "echo", Command: "/bin/true"},
		),
		testManifest("extra", plugin.ToolSpec{Name: "ping", Command: "/bin/true"}),
	)

	type listResponse struct {
		Tools []plugin.ToolListing `json:"tools"`
		Count int                  `json:"count"`
	}

	t.Run("lists active tools by default", func(t *testing.T) {
		var out listResponse
		status := getJSON(t, fix.ts.URL+"/api/v1/tools", &out)

		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, 3, out.Count)
		for _, listing := range out.Tools {
			assert.True(t, listing.Active)
		}
	})

	t.Run("filters by plugin", func(t *testing.T) {
		var out listResponse
		status := getJSON(t, fix.ts.URL+"/api/v1/tools?plugin_id=extra", &out)

		require.Equal(t, http.StatusOK, status)
		require.Equal(t, 1, out.Count)
		assert.Equal(t, "extra.ping", out.Tools[0].FullName)
	})

	t.Run("rejects malformed active_only", func(t *testing.T) {
		status := getJSON(t, fix.ts.URL+"/api/v1/tools?active_only=banana", &errorResponse{})
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("full names fetch one tool", func(t *testing.T) {
		var out plugin.ToolListing
		status := getJSON(t, fix.ts.URL+"/api/v1/tools/demo.ping", &out)

		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "demo.ping", out.FullName)
		assert.Equal(t, "demo", out.PluginID)
		assert.True(t, out.Active)
	})

	t.Run("unique short names resolve", func(t *testing.T) {
		var out plugin.ToolListing
		status := getJSON(t, fix.ts.URL+"/api/v1/tools/echo", &out)

		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "demo.echo", out.FullName)
	})

	t.Run("ambiguous short names are conflicts", func(t *testing.T) {
		var out errorResponse
		status := getJSON(t, fix.ts.URL+"/api/v1/tools/ping", &out)

		assert.Equal(t, http.StatusConflict, status)
		assert.Contains(t, out.Error, "ambiguous")
	})

	t.Run("unknown names are not found", func(t *testing.T) {
		status := getJSON(t, fix.ts.URL+"/api/v1/tools/ghost.zap", &errorResponse{})
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("resolve reports the owning plugin", func(t *testing.T) {
		var out map[string]string
		status := getJSON(t, fix.ts.URL+"/api/v1/tools/echo/resolve", &out)

		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "demo.echo", out["full_name"])
		assert.Equal(t, "demo", out["plugin_id"])
	})

	t.Run("inactive tools stay visible on request", func(t *testing.T) {
		fix := newGatewayFixture(t, Config{},
			testManifest("demo",
				plugin.ToolSpec{Name: "ping", Command: "/bin/true"},
				plugin.ToolSpec{Name: "echo", Command: "/bin/true"},
			),
			testManifest("extra", plugin.ToolSpec{Name: "ping", Command: "/bin/true"}),
		)
		require.Equal(t, http.StatusOK,
			postJSON(t, fix.ts.URL+"/api/v1/plugins/demo/deactivate", nil, nil))

		var active listResponse
		require.Equal(t, http.StatusOK, getJSON(t, fix.ts.URL+"/api/v1/tools", &active))
		assert.Equal(t, 1, active.Count)

		var all listResponse
		require.Equal(t, http.StatusOK, getJSON(t, fix.ts.URL+"/api/v1/tools?active_only=false", &all))
		assert.Equal(t, 3, all.Count)

		var detail plugin.ToolListing
		require.Equal(t, http.StatusOK, getJSON(t, fix.ts.URL+"/api/v1/tools/demo.ping", &detail))
		assert.False(t, detail.Active)

		// Short names only resolve among active tools.
		status := getJSON(t, fix.ts.URL+"/api/v1/tools/echo", &errorResponse{})
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("an empty registry is service unavailable", func(t *testing.T) {
		logger := zerolog.Nop()
		rt := plugin.NewRuntime(logger, plugin.NewBridge(logger), plugin.Options{})
		require.NoError(t, rt.Load(context.Background(), plugin.DiscoveredManifest{
			Manifest: testManifest("idle", plugin.ToolSpec{Name: "zap", Command: "/bin/true"}),
		}))
		fix := newGatewayFixture(t, Config{Runtime: rt})

		status := getJSON(t, fix.ts.URL+"/api/v1/tools/idle.zap/resolve", &errorResponse{})
		assert.Equal(t, http.StatusServiceUnavailable, status)

		status = getJSON(t, fix.ts.URL+"/api/v1/tools/zap", &errorResponse{})
		assert.Equal(t, http.StatusServiceUnavailable, status)

		status = postJSON(t, fix.ts.URL+"/api/v1/tools/idle.zap/invoke", nil, &errorResponse{})
		assert.Equal(t, http.StatusServiceUnavailable, status)

		// Declared tools are still describable through the manifest.
		var detail plugin.ToolListing
		require.Equal(t, http.StatusOK, getJSON(t, fix.ts.URL+"/api/v1/tools/idle.zap", &detail))
		assert.False(t, detail.Active)
	})
}

func TestServer_ToolInvoke(t *testing.T) {
	dir := t.TempDir()
	okScript := writeScript(t, dir, "ok.sh", okBody)
	failScript := writeScript(t, dir, "fail.sh", `printf '{"success": false, "error": "boom"}'`)

	fix := newGatewayFixture(t, Config{},
		testManifest("demo",
			plugin.ToolSpec{Name: "ping", Command: okScript},
			plugin.ToolSpec{Name: "fail", Command: failScript},
			plugin.ToolSpec{
				Name:    "strict",
				Command: okScript,
				InputSchema: map[string]plugin.ParameterSpec{
					"count": {Type: "number", Required: true},
				},
			},
		),
	)

	t.Run("runs a tool end to end", func(t *testing.T) {
		var inv executor.Invocation
		status := postJSON(t, fix.ts.URL+"/api/v1/tools/demo.ping/invoke",
			map[string]any{"arguments": map[string]any{}}, &inv)

		require.Equal(t, http.StatusOK, status)
		assert.True(t, inv.Success)
		assert.Equal(t, "ok", inv.Result)
		assert.Equal(t, "demo.ping", inv.Tool)
		assert.Equal(t, "demo", inv.PluginID)
		assert.NotEmpty(t, inv.ID)
	})

	t.Run("short names resolve", func(t *testing.T) {
		var inv executor.Invocation
		status := postJSON(t, fix.ts.URL+"/api/v1/tools/ping/invoke", nil, &inv)

		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "demo.ping", inv.Tool)
	})

	t.Run("empty bodies mean no arguments", func(t *testing.T) {
		resp, err := http.Post(fix.ts.URL+"/api/v1/tools/demo.ping/invoke", "application/json", http.NoBody)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("malformed bodies are client errors", func(t *testing.T) {
		resp, err := http.Post(fix.ts.URL+"/api/v1/tools/demo.ping/invoke",
			"application/json", strings.NewReader("{not json"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("argument validation failures are client errors", func(t *testing.T) {
		var out errorResponse
		status := postJSON(t, fix.ts.URL+"/api/v1/tools/demo.strict/invoke",
			map[string]any{"arguments": map[string]any{}}, &out)

		assert.Equal(t, http.StatusBadRequest, status)
		assert.NotEmpty(t, out.Error)
	})

	t.Run("unknown tools are not found", func(t *testing.T) {
		status := postJSON(t, fix.ts.URL+"/api/v1/tools/ghost.zap/invoke", nil, &errorResponse{})
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("tool-reported failures map to bad gateway", func(t *testing.T) {
		var out struct {
			Error      string               `json:"error"`
			Invocation *executor.Invocation `json:"invocation"`
		}
		status := postJSON(t, fix.ts.URL+"/api/v1/tools/demo.fail/invoke", nil, &out)

		assert.Equal(t, http.StatusBadGateway, status)
		assert.Contains(t, out.Error, "boom")
		require.NotNil(t, out.Invocation)
		assert.False(t, out.Invocation.Success)
		assert.NotEmpty(t, out.Invocation.ID)
	})
}

func TestServer_SecretGate(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "ok.sh", okBody)
	fix := newGatewayFixture(t, Config{SharedSecret: "s3cret"},
		testManifest("demo", plugin.ToolSpec{Name: "ping", Command: script}))

	t.Run("reads stay open", func(t *testing.T) {
		status := getJSON(t, fix.ts.URL+"/api/v1/plugins", &map[string]any{})
		assert.Equal(t, http.StatusOK, status)
	})

	t.Run("mutations require the secret", func(t *testing.T) {
		var out errorResponse
		status := postJSON(t, fix.ts.URL+"/api/v1/tools/demo.ping/invoke", nil, &out)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Contains(t, out.Error, "secret")

		status = doJSON(t, http.MethodPost, fix.ts.URL+"/api/v1/tools/demo.ping/invoke", "wrong", nil, &out)
		assert.Equal(t, http.StatusUnauthorized, status)
	})

	t.Run("the right secret passes through", func(t *testing.T) {
		var inv executor.Invocation
		status := doJSON(t, http.MethodPost, fix.ts.URL+"/api/v1/tools/demo.ping/invoke", "s3cret", nil, &inv)
		require.Equal(t, http.StatusOK, status)
		assert.True(t, inv.Success)

		status = doJSON(t, http.MethodPost, fix.ts.URL+"/api/v1/plugins/demo/deactivate", "s3cret", nil, nil)
		assert.Equal(t, http.StatusOK, status)
	})

	t.Run("decision endpoint is gated before lookup", func(t *testing.T) {
		status := postJSON(t, fix.ts.URL+"/api/v1/approvals/nope", map[string]any{"approved": true}, &errorResponse{})
		assert.Equal(t, http.StatusUnauthorized, status)

		status = doJSON(t, http.MethodPost, fix.ts.URL+"/api/v1/approvals/nope", "s3cret",
			map[string]any{"approved": true}, &errorResponse{})
		assert.Equal(t, http.StatusNotFound, status)
	})
}

func TestServer_SystemStatus(t *testing.T) {
	fix := newGatewayFixture(t, Config{},
		testManifest("demo",
			plugin.ToolSpec{Name: "ping", Command: "/bin/true"},
			plugin.ToolSpec{Name: "echo", Command: "/bin/true"},
		),
		testManifest("extra", plugin.ToolSpec{Name: "ping", Command: "/bin/true"}),
	)

	type statusResponse struct {
		plugin.Counts
		UptimeSeconds int64  `json:"uptime_seconds"`
		APIVersion    string `json:"api_version"`
	}

	var out statusResponse
	require.Equal(t, http.StatusOK, getJSON(t, fix.ts.URL+"/api/v1/system/status", &out))
	assert.Equal(t, 2, out.Plugins)
	assert.Equal(t, 2, out.ActivePlugins)
	assert.Equal(t, 3, out.TotalTools)
	assert.Equal(t, 3, out.ActiveTools)
	assert.Equal(t, plugin.HostAPIVersion, out.APIVersion)

	require.Equal(t, http.StatusOK, postJSON(t, fix.ts.URL+"/api/v1/plugins/demo/deactivate", nil, nil))

	require.Equal(t, http.StatusOK, getJSON(t, fix.ts.URL+"/api/v1/system/status", &out))
	assert.Equal(t, 2, out.Plugins)
	assert.Equal(t, 1, out.ActivePlugins)
	assert.Equal(t, 3, out.TotalTools)
	assert.Equal(t, 1, out.ActiveTools)
}

func TestServer_Invocations(t *testing.T) {
	t.Run("without a store the endpoint is unavailable", func(t *testing.T) {
		fix := newGatewayFixture(t, Config{}, testManifest("demo"))

		status := getJSON(t, fix.ts.URL+"/api/v1/invocations", &errorResponse{})
		assert.Equal(t, http.StatusServiceUnavailable, status)
	})

	t.Run("lists stored invocations newest first", func(t *testing.T) {
		store, err := history.NewStore(history.Config{
			Path:   filepath.Join(t.TempDir(), "history.db"),
			Logger: zerolog.Nop(),
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })

		ctx := context.Background()
		base := time.Now()
		for i, rec := range []history.Record{
			{ID: "inv-1", Tool: "demo.ping", PluginID: "demo", Success: true},
			{ID: "inv-2", Tool: "demo.echo", PluginID: "demo", Success: false, Error: "boom"},
			{ID: "inv-3", Tool: "demo.ping", PluginID: "demo", Success: true},
		} {
			rec.StartedAt = base.Add(time.Duration(i) * time.Minute)
			require.NoError(t, store.Add(ctx, rec))
		}

		fix := newGatewayFixture(t, Config{History: store}, testManifest("demo"))

		type listResponse struct {
			Invocations []history.Record `json:"invocations"`
			Count       int              `json:"count"`
		}

		var out listResponse
		require.Equal(t, http.StatusOK, getJSON(t, fix.ts.URL+"/api/v1/invocations", &out))
		require.Equal(t, 3, out.Count)
		assert.Equal(t, "inv-3", out.Invocations[0].ID)

		var filtered listResponse
		require.Equal(t, http.StatusOK, getJSON(t, fix.ts.URL+"/api/v1/invocations?tool=demo.ping", &filtered))
		assert.Equal(t, 2, filtered.Count)

		var limited listResponse
		require.Equal(t, http.StatusOK, getJSON(t, fix.ts.URL+"/api/v1/invocations?limit=1", &limited))
		assert.Equal(t, 1, limited.Count)

		status := getJSON(t, fix.ts.URL+"/api/v1/invocations?limit=abc", &errorResponse{})
		assert.Equal(t, http.StatusBadRequest, status)
	})
}

// gatedFixture serves a gateway whose executor routes approvals through the
// forwarder, the way the daemon wires gateway approval mode.
func gatedFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	dir := t.TempDir()
	script := writeScript(t, dir, "danger.sh", okBody)

	rt := buildRuntime(t, testManifest("demo", plugin.ToolSpec{
		Name:             "danger",
		Command:          script,
		RequiresApproval: true,
	}))

	logger := zerolog.Nop()
	broadcaster := NewEventBroadcaster(NewClientRegistry(), logger)
	forwarder := NewApprovalForwarder(broadcaster, logger)
	exe := executor.New(logger, rt,
		executor.NewApprovalManager(logger, forwarder, 5*time.Second), executor.Options{})

	return newGatewayFixture(t, Config{
		Runtime:     rt,
		Executor:    exe,
		Broadcaster: broadcaster,
		Approvals:   forwarder,
	})
}

type invokeOutcome struct {
	status int
	body   []byte
	err    error
}

// invokeAsync fires an invocation in the background and reports its
// terminal status once the approval flow settles it.
func invokeAsync(t *testing.T, url string) <-chan invokeOutcome {
	t.Helper()
	ch := make(chan invokeOutcome, 1)
	go func() {
		resp, err := http.Post(url, "application/json", strings.NewReader(`{"arguments": {}}`))
		if err != nil {
			ch <- invokeOutcome{err: err}
			return
		}
		defer resp.Body.Close()
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		ch <- invokeOutcome{status: resp.StatusCode, body: buf.Bytes()}
	}()
	return ch
}

func awaitPendingApproval(t *testing.T, baseURL string) string {
	t.Helper()
	var approvalID string
	require.Eventually(t, func() bool {
		resp, err := http.Get(baseURL + "/api/v1/approvals")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var out struct {
			Approvals []PendingApproval `json:"approvals"`
			Count     int               `json:"count"`
		}
		if json.NewDecoder(resp.Body).Decode(&out) != nil || out.Count != 1 {
			return false
		}
		approvalID = out.Approvals[0].ID
		return true
	}, 2*time.Second, 20*time.Millisecond)
	return approvalID
}

func TestServer_ApprovalFlow(t *testing.T) {
	t.Run("an approved decision lets the tool run", func(t *testing.T) {
		fix := gatedFixture(t)
		outcome := invokeAsync(t, fix.ts.URL+"/api/v1/tools/demo.danger/invoke")

		approvalID := awaitPendingApproval(t, fix.ts.URL)

		var decided map[string]any
		status := postJSON(t, fix.ts.URL+"/api/v1/approvals/"+approvalID,
			map[string]any{"approved": true, "reason": "go ahead"}, &decided)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "resolved", decided["status"])

		select {
		case res := <-outcome:
			require.NoError(t, res.err)
			assert.Equal(t, http.StatusOK, res.status)

			var inv executor.Invocation
			require.NoError(t, json.Unmarshal(res.body, &inv))
			assert.True(t, inv.Success)
			assert.Equal(t, "ok", inv.Result)
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for invocation")
		}

		var drained struct {
			Count int `json:"count"`
		}
		require.Equal(t, http.StatusOK, getJSON(t, fix.ts.URL+"/api/v1/approvals", &drained))
		assert.Equal(t, 0, drained.Count)
	})

	t.Run("a denied decision stops the tool", func(t *testing.T) {
		fix := gatedFixture(t)
		outcome := invokeAsync(t, fix.ts.URL+"/api/v1/tools/demo.danger/invoke")

		approvalID := awaitPendingApproval(t, fix.ts.URL)

		status := postJSON(t, fix.ts.URL+"/api/v1/approvals/"+approvalID,
			map[string]any{"approved": false, "reason": "not today"}, nil)
		require.Equal(t, http.StatusOK, status)

		select {
		case res := <-outcome:
			require.NoError(t, res.err)
			assert.Equal(t, http.StatusForbidden, res.status)
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for invocation")
		}
	})

	t.Run("unknown approval ids are not found", func(t *testing.T) {
		fix := gatedFixture(t)

		status := postJSON(t, fix.ts.URL+"/api/v1/approvals/nope",
			map[string]any{"approved": true}, &errorResponse{})
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("without a forwarder every id is unknown", func(t *testing.T) {
		fix := newGatewayFixture(t, Config{}, testManifest("demo"))

		status := postJSON(t, fix.ts.URL+"/api/v1/approvals/anything",
			map[string]any{"approved": true}, &errorResponse{})
		assert.Equal(t, http.StatusNotFound, status)
	})
}

func TestServer_WebSocket(t *testing.T) {
	t.Run("open instances greet immediately and stream events", func(t *testing.T) {
		logger := zerolog.Nop()
		broadcaster := NewEventBroadcaster(NewClientRegistry(), logger)
		rt := plugin.NewRuntime(logger, plugin.NewBridge(logger), plugin.Options{
			Events: broadcaster.Sink(),
		})

		ctx := context.Background()
		m := testManifest("demo", plugin.ToolSpec{Name: "ping", Command: "/bin/true"})
		require.NoError(t, rt.Load(ctx, plugin.DiscoveredManifest{Manifest: m}))
		require.NoError(t, rt.Activate(ctx, "demo"))

		fix := newGatewayFixture(t, Config{Runtime: rt, Broadcaster: broadcaster})
		conn := dialWS(t, fix.ts)

		var greeting AuthResult
		readWS(t, conn, &greeting)
		assert.Equal(t, "auth.success", greeting.Event)
		assert.True(t, greeting.Success)

		require.NoError(t, rt.Deactivate(ctx, "demo"))

		var event EventMessage
		readWS(t, conn, &event)
		assert.Equal(t, "plugin.deactivated", event.Event)
		assert.Equal(t, StreamTypePlugin, event.Stream)
		assert.Equal(t, "demo", event.PluginID)
		assert.NotZero(t, event.Seq)
	})

	t.Run("a shared secret demands the challenge handshake", func(t *testing.T) {
		fix := newGatewayFixture(t, Config{SharedSecret: "s3cret"}, testManifest("demo"))
		conn := dialWS(t, fix.ts)

		var challenge AuthChallenge
		readWS(t, conn, &challenge)
		require.Equal(t, "auth.challenge", challenge.Event)
		require.Len(t, challenge.Challenge, 64)

		require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: "bogus"}))
		var failure AuthResult
		readWS(t, conn, &failure)
		assert.Equal(t, "auth.failure", failure.Event)
		assert.False(t, failure.Success)

		require.NoError(t, conn.WriteJSON(AuthResponse{
			Method:    "auth.response",
			Signature: computeHMAC(challenge.Challenge, "s3cret"),
		}))
		var success AuthResult
		readWS(t, conn, &success)
		assert.Equal(t, "auth.success", success.Event)
		assert.True(t, success.Success)
	})

	t.Run("decisions require authentication", func(t *testing.T) {
		fix := newGatewayFixture(t, Config{SharedSecret: "s3cret"}, testManifest("demo"))
		conn := dialWS(t, fix.ts)

		var challenge AuthChallenge
		readWS(t, conn, &challenge)

		require.NoError(t, conn.WriteJSON(DecisionMessage{
			Method:     "approval.decision",
			ApprovalID: "x",
			Approved:   true,
		}))

		var result AuthResult
		readWS(t, conn, &result)
		assert.Equal(t, "error", result.Event)
		assert.Contains(t, result.Message, "authentication required")
	})

	t.Run("decisions resolve approvals over the socket", func(t *testing.T) {
		fix := gatedFixture(t)
		conn := dialWS(t, fix.ts)

		var greeting AuthResult
		readWS(t, conn, &greeting)
		require.Equal(t, "auth.success", greeting.Event)

		outcome := invokeAsync(t, fix.ts.URL+"/api/v1/tools/demo.danger/invoke")

		var request EventMessage
		readWS(t, conn, &request)
		require.Equal(t, "approval.requested", request.Event)
		require.Equal(t, StreamTypeApproval, request.Stream)

		data, ok := request.Data.(map[string]interface{})
		require.True(t, ok)
		approvalID, _ := data["approval_id"].(string)
		require.NotEmpty(t, approvalID)

		require.NoError(t, conn.WriteJSON(DecisionMessage{
			Method:     "approval.decision",
			ApprovalID: approvalID,
			Approved:   true,
			Reason:     "ship it",
		}))

		var ack DecisionAck
		readWS(t, conn, &ack)
		assert.Equal(t, "approval.ack", ack.Event)
		assert.Equal(t, approvalID, ack.ApprovalID)
		assert.True(t, ack.Success)

		select {
		case res := <-outcome:
			require.NoError(t, res.err)
			assert.Equal(t, http.StatusOK, res.status)
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for invocation")
		}
	})

	t.Run("acks unknown approvals as failures", func(t *testing.T) {
		fix := newGatewayFixture(t, Config{}, testManifest("demo"))
		conn := dialWS(t, fix.ts)

		var greeting AuthResult
		readWS(t, conn, &greeting)

		require.NoError(t, conn.WriteJSON(DecisionMessage{
			Method:     "approval.decision",
			ApprovalID: "ghost",
			Approved:   true,
		}))

		var ack DecisionAck
		readWS(t, conn, &ack)
		assert.Equal(t, "approval.ack", ack.Event)
		assert.Equal(t, "ghost", ack.ApprovalID)
		assert.False(t, ack.Success)
		assert.NotEmpty(t, ack.Message)
	})

	t.Run("unknown methods get an error reply", func(t *testing.T) {
		fix := newGatewayFixture(t, Config{}, testManifest("demo"))
		conn := dialWS(t, fix.ts)

		var greeting AuthResult
		readWS(t, conn, &greeting)

		require.NoError(t, conn.WriteJSON(map[string]any{"method": "bogus"}))

		var result AuthResult
		readWS(t, conn, &result)
		assert.Equal(t, "error", result.Event)
		assert.Contains(t, result.Message, "unknown method")
	})
}
