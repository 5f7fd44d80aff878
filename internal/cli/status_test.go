package cli

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchbay/patchbay/internal/config"
)

func TestStatusCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"status", "--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		require.NoError(t, cmd.Execute())
		assert.Contains(t, output.String(), "Show the current status")
	})
}

func TestFetchStatus(t *testing.T) {
	t.Run("decodes the status payload", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/v1/system/status", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{
				"plugin_count": 3,
				"active_plugin_count": 2,
				"total_tools": 7,
				"active_tools": 5,
				"uptime_seconds": 61,
				"api_version": "1.0.0"
			}`)
		}))
		defer srv.Close()

		cfg := config.DefaultConfig()
		host, portText, err := net.SplitHostPort(srv.Listener.Addr().String())
		require.NoError(t, err)
		cfg.Server.Host = host
		cfg.Server.Port, err = strconv.Atoi(portText)
		require.NoError(t, err)

		status, err := fetchStatus(cfg)
		require.NoError(t, err)
		assert.Equal(t, 3, status.PluginCount)
		assert.Equal(t, 2, status.ActivePluginCount)
		assert.Equal(t, 7, status.TotalTools)
		assert.Equal(t, 5, status.ActiveTools)
		assert.EqualValues(t, 61, status.UptimeSeconds)
		assert.Equal(t, "1.0.0", status.APIVersion)
	})

	t.Run("unreachable server", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Server.Host = "127.0.0.1"
		cfg.Server.Port = unusedPort(t)

		_, err := fetchStatus(cfg)
		assert.Error(t, err)
	})

	t.Run("non-200 response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		cfg := config.DefaultConfig()
		host, portText, err := net.SplitHostPort(srv.Listener.Addr().String())
		require.NoError(t, err)
		cfg.Server.Host = host
		cfg.Server.Port, err = strconv.Atoi(portText)
		require.NoError(t, err)

		_, err = fetchStatus(cfg)
		assert.Error(t, err)
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{5 * time.Second, "5s"},
		{90 * time.Second, "1m30s"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1h2m3s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.in))
	}
}

func unusedPort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return port
}
