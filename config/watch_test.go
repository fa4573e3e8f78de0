package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, path string) <-chan AppConfig {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan AppConfig, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watcher{Path: path, Debounce: 20 * time.Millisecond}.Start(ctx, func(cfg AppConfig) { ch <- cfg })
	}()
	t.Cleanup(func() {
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
	// 等待目录监听生效
	time.Sleep(100 * time.Millisecond)
	return ch
}

func TestWatcherReturnsOnCancel(t *testing.T) {
	path := writeTempConfig(t, "env: dev\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Watcher{Path: path}.Start(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWatcherMissingDir(t *testing.T) {
	err := Watcher{Path: "/nonexistent/dir/cfg.yaml"}.Start(context.Background(), nil)
	assert.Error(t, err)
}

func TestWatcherTriggersOnChange(t *testing.T) {
	path := writeTempConfig(t, "env: dev\nqueue:\n  rateMax: 100\n")
	ch := startWatcher(t, path)

	require.NoError(t, os.WriteFile(path, []byte("env: dev\nqueue:\n  rateMax: 20\nworker:\n  buildDelay: 50ms\n"), 0o644))

	select {
	case cfg := <-ch:
		assert.Equal(t, 20, cfg.Queue.RateMax)
		assert.Equal(t, 50*time.Millisecond, cfg.Worker.BuildDelay)
	case <-time.After(3 * time.Second):
		t.Fatalf("expected update callback")
	}
}

func TestWatcherKeepsOldConfigOnInvalid(t *testing.T) {
	path := writeTempConfig(t, "env: dev\n")
	ch := startWatcher(t, path)

	require.NoError(t, os.WriteFile(path, []byte("env: dev\nqueue:\n  attempts: 0\n"), 0o644))
	select {
	case <-ch:
		t.Fatalf("invalid config must not be applied")
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte("env: staging\n"), 0o644))
	select {
	case cfg := <-ch:
		assert.Equal(t, "staging", cfg.Env)
	case <-time.After(3 * time.Second):
		t.Fatalf("expected update callback")
	}
}
