package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunReturnsConfigErrorExitCodeOnMissingConfigFile(t *testing.T) {
	code := run([]string{"--config", "/does/not/exist.toml"})
	require.Equal(t, exitConfigError, code)
}

func TestHealthcheckFailsAgainstUnreachableAddress(t *testing.T) {
	err := healthcheck(context.Background(), "http://127.0.0.1:1")
	require.Error(t, err)
}

func TestServeStartsAndShutsDownCleanlyOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	dataDir := filepath.Join(dir, "data")

	toml := "data_dir = \"" + dataDir + "\"\n" +
		"shutdown_grace = 1\n" +
		"[server]\nlisten = \"127.0.0.1:0\"\n" +
		"[ring_buffer]\nslot_size = 4096\nslot_count = 64\noverflow = \"drop\"\n" +
		"[assembler]\ntimeout_ms = 1000\n" +
		"[audit]\nretry_attempts = 3\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(toml), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfgPath) }()

	// Give the listener a moment to bind before asking it to stop.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not shut down in time")
	}
}
