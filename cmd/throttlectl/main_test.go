package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/throttle/notify"
)

func writeConfig(t *testing.T, engineType, addr string) string {
	t.Helper()
	data := fmt.Sprintf(`
engine: %s
redis:
  addr: %q
  protocol: 2
throttles:
  - name: logins
    limit: 2
    period: 1m
    block_for: 10m
  - name: capped
    limit: 1
    period: 1s
`, engineType, addr)
	path := filepath.Join(t.TempDir(), "throttle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (int, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String()
}

func TestRun_CheckPingStatus(t *testing.T) {
	server := miniredis.RunT(t)
	path := writeConfig(t, "script", server.Addr())

	code, out := runCLI(t, "-config", path, "status", "logins", "10.0.0.1")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "logins: not blocked")

	code, out = runCLI(t, "-config", path, "check", "logins", "-n", "2", "10.0.0.1")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "of 2 remaining")

	code, _ = runCLI(t, "-config", path, "ping", "logins", "10.0.0.1")
	assert.Equal(t, 0, code)

	code, out = runCLI(t, "-config", path, "check", "logins", "10.0.0.1")
	assert.Equal(t, 3, code)
	assert.Contains(t, out, "try again in 600 seconds")

	code, out = runCLI(t, "-config", path, "status", "logins", "10.0.0.1")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "logins: blocked for")

	// A different identity is untouched.
	code, _ = runCLI(t, "-config", path, "check", "logins", "10.0.0.2")
	assert.Equal(t, 0, code)
}

func TestRun_Bench(t *testing.T) {
	server := miniredis.RunT(t)
	path := writeConfig(t, "lock", server.Addr())

	code, out := runCLI(t, "-config", path, "bench", "logins", "-requests", "40", "-concurrency", "4", "-identities", "4")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "checks:      40")
	// Each identity admits two checks before its lockout.
	assert.Contains(t, out, "allowed:     8\n")
	assert.Contains(t, out, "throttled:   32\n")
	assert.Contains(t, out, "failed:      0\n")
}

func TestRun_MemoryEngine(t *testing.T) {
	path := writeConfig(t, "memory", "")

	code, out := runCLI(t, "-config", path, "bench", "capped", "-requests", "5", "-concurrency", "1")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "allowed:     5\n")
}

func TestRun_Errors(t *testing.T) {
	server := miniredis.RunT(t)
	path := writeConfig(t, "script", server.Addr())

	tests := []struct {
		name string
		args []string
		code int
	}{
		{"no command", []string{"-config", path}, 2},
		{"unknown command", []string{"-config", path, "reset", "logins"}, 2},
		{"unknown throttle", []string{"-config", path, "check", "missing"}, 1},
		{"missing config", []string{"-config", filepath.Join(t.TempDir(), "nope.yaml"), "check", "logins"}, 1},
		{"bad log level", []string{"-log-level", "loud", "-config", path, "check", "logins"}, 2},
		{"bad bench flags", []string{"-config", path, "bench", "logins", "-requests", "0"}, 2},
		{"help", []string{"-h"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := runCLI(t, tt.args...)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestRun_StoreDown(t *testing.T) {
	server := miniredis.RunT(t)
	path := writeConfig(t, "script", server.Addr())
	server.Close()

	code, _ := runCLI(t, "-config", path, "check", "logins")
	assert.Equal(t, 1, code)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRun_Watch(t *testing.T) {
	server := miniredis.RunT(t)
	path := writeConfig(t, "script", server.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan int)
	go func() {
		done <- run(ctx, []string{"-config", path, "watch"}, out, &bytes.Buffer{})
	}()

	require.Eventually(t, func() bool {
		return server.PubSubNumSub(notify.DefaultChannel)[notify.DefaultChannel] == 1
	}, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		runCLI(t, "-config", path, "check", "logins", "10.0.0.9")
	}

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "logins logins:")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), "blocked for 10m0s")

	cancel()
	assert.Equal(t, 0, <-done)
}

func TestRun_WatchNeedsRedis(t *testing.T) {
	path := writeConfig(t, "memory", "")
	code, _ := runCLI(t, "-config", path, "watch")
	assert.Equal(t, 2, code)
}
