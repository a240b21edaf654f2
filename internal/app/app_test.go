package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"followback/internal/config"
)

const testConfig = `{
  "logging": {"level": "error", "console": true},
  "directory": {"consumer_key": "ck", "consumer_secret": "cs", "base_url": "http://127.0.0.1:1/"},
  "storage": {"driver": "memory"},
  "idsync": {"enabled": true, "idle_delay": "50ms"},
  "followback": {"enabled": true, "pause": "%s", "idle_delay": "50ms"},
  "maintenance": {"prune_schedule": ""}
}`

func writeConfig(t *testing.T, path, pause string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(testConfig, pause)), 0o600))
}

func TestAppLifecycleAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "followback.json")
	writeConfig(t, path, "5m")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, path)
	require.NoError(t, err)
	require.NotNil(t, a.follow)
	require.NotNil(t, a.idsync)
	assert.Equal(t, 5*time.Minute, a.follow.Pause())

	require.NoError(t, a.Start(ctx))

	assert.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(fmt.Sprintf(testConfig, "2m")), 0o600)
		return a.follow.Pause() == 2*time.Minute
	}, 5*time.Second, 200*time.Millisecond)

	snap := a.health()
	names := map[string]bool{}
	for _, task := range snap.Tasks {
		names[task.Name] = true
	}
	for _, want := range []string{"idsync", "followback", "maintenance", "config.watch", "config.reload"} {
		assert.True(t, names[want], "supervisor missing %s", want)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	assert.NoError(t, a.Stop(stopCtx, StopSignal))
	select {
	case <-a.Done():
	default:
		t.Fatal("supervisor context still live after Stop")
	}
}

func TestNewRejectsMissingCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "followback.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"storage":{"driver":"memory"}}`), 0o600))
	t.Setenv(config.EnvAPIKey, "")
	t.Setenv(config.EnvAPISecret, "")

	_, err := New(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrMissingCredentials)
}
