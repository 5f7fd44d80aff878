package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchbay/patchbay/internal/config"
)

func newTestLifecycle(t *testing.T) *LifecycleManager {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	return NewLifecycleManager(&Daemon{config: cfg, logger: testLogger(t)})
}

func TestLifecycleManager(t *testing.T) {
	t.Run("start writes the pid file", func(t *testing.T) {
		l := newTestLifecycle(t)
		require.NoError(t, l.Start())

		pid, err := l.GetPID()
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
		assert.True(t, l.IsRunning())

		require.NoError(t, l.Stop())
		assert.False(t, l.IsRunning())
	})

	t.Run("start replaces a stale pid file", func(t *testing.T) {
		l := newTestLifecycle(t)
		// PID 1 is alive but never ours; use a PID that cannot exist.
		require.NoError(t, os.MkdirAll(filepath.Dir(l.pidFile), 0755))
		require.NoError(t, os.WriteFile(l.pidFile, []byte("99999999"), 0644))

		require.NoError(t, l.Start())
		pid, err := l.GetPID()
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
	})

	t.Run("start tolerates our own pid file", func(t *testing.T) {
		l := newTestLifecycle(t)
		require.NoError(t, os.MkdirAll(filepath.Dir(l.pidFile), 0755))
		require.NoError(t, os.WriteFile(l.pidFile, []byte(strconv.Itoa(os.Getpid())), 0644))

		require.NoError(t, l.Start())
	})

	t.Run("rejects an invalid pid file", func(t *testing.T) {
		l := newTestLifecycle(t)
		require.NoError(t, os.MkdirAll(filepath.Dir(l.pidFile), 0755))
		require.NoError(t, os.WriteFile(l.pidFile, []byte("not-a-pid"), 0644))

		_, err := l.GetPID()
		assert.Error(t, err)
		assert.False(t, l.IsRunning())
	})

	t.Run("stop without a pid file succeeds", func(t *testing.T) {
		l := newTestLifecycle(t)
		assert.NoError(t, l.Stop())
	})
}
