//go:build !windows

package runner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/rollout/am"
	"github.com/teranos/rollout/errors"
)

type collector struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *collector) add(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Write(b)
}

func (c *collector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func newTestRunner(t *testing.T, grace time.Duration) *Runner {
	return New(Config{Shell: "/bin/sh", KillGrace: grace}, zaptest.NewLogger(t).Sugar())
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	return lines[len(lines)-1]
}

func TestRun_CommandsShareWorkspace(t *testing.T) {
	r := newTestRunner(t, time.Second)
	dir := t.TempDir()
	out := &collector{}

	status, err := r.Run(context.Background(), dir, []string{"echo monkey > foo", "cat foo"}, out.add)
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Equal(t, "monkey", lastLine(out.String()))
	assert.Contains(t, out.String(), EchoPrefix+"echo monkey > foo\n")
	assert.FileExists(t, filepath.Join(dir, "foo"))
}

func TestRun_StopsAtFirstFailure(t *testing.T) {
	r := newTestRunner(t, time.Second)
	dir := t.TempDir()
	out := &collector{}

	status, err := r.Run(context.Background(), dir, []string{"echo one", "exit 3", "touch never"}, out.add)
	require.NoError(t, err, "a non-zero exit is a status, not an error")
	assert.Equal(t, 3, status)
	assert.NoFileExists(t, filepath.Join(dir, "never"))
	assert.NotContains(t, out.String(), "touch never")
}

func TestRun_CombinedOutputInOrder(t *testing.T) {
	r := newTestRunner(t, time.Second)
	out := &collector{}

	script := "for i in 1 2 3 4 5; do echo out$i; echo err$i >&2; done"
	_, err := r.Run(context.Background(), t.TempDir(), []string{script}, out.add)
	require.NoError(t, err)

	var seen []string
	for _, line := range strings.Split(out.String(), "\n") {
		if strings.HasPrefix(line, "out") || strings.HasPrefix(line, "err") {
			seen = append(seen, line)
		}
	}
	assert.Equal(t, []string{
		"out1", "err1", "out2", "err2", "out3", "err3", "out4", "err4", "out5", "err5",
	}, seen)
}

func TestRun_StreamsBeforeCompletion(t *testing.T) {
	r := newTestRunner(t, time.Second)
	first := make(chan struct{})
	var once sync.Once

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Run(context.Background(), t.TempDir(), []string{"echo early; sleep 1; echo late"}, func(b []byte) {
			if bytes.Contains(b, []byte("early")) {
				once.Do(func() { close(first) })
			}
		})
	}()

	select {
	case <-first:
	case <-done:
		t.Fatal("output was only delivered after the command finished")
	}
	<-done
}

func TestRun_InvalidCommand(t *testing.T) {
	r := newTestRunner(t, time.Second)
	out := &collector{}

	_, err := r.Run(context.Background(), t.TempDir(), []string{"echo ok", "echo 'unbalanced"}, out.add)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidCommand))
	assert.Empty(t, out.String(), "nothing runs when any line is invalid")
}

func TestRun_MissingDirectory(t *testing.T) {
	r := newTestRunner(t, time.Second)
	_, err := r.Run(context.Background(), filepath.Join(t.TempDir(), "gone"), []string{"true"}, func([]byte) {})
	assert.Error(t, err)
}

func TestRun_ContextCancelTerminatesGroup(t *testing.T) {
	r := newTestRunner(t, 200*time.Millisecond)
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "child.pid")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Wait for the grandchild to record its pid
		for i := 0; i < 200; i++ {
			if _, err := os.Stat(pidFile); err == nil {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		cancel()
	}()

	start := time.Now()
	_, err := r.Run(ctx, dir, []string{"sleep 30 & echo $! > child.pid; wait"}, func([]byte) {})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 10*time.Second)

	raw, readErr := os.ReadFile(pidFile)
	require.NoError(t, readErr)
	pid, convErr := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, convErr)

	// The background sleep must be gone; allow the kernel a moment to reap it
	assert.Eventually(t, func() bool { return !alive(pid) },
		2*time.Second, 20*time.Millisecond, "child process survived termination")
}

// alive treats zombies as dead: an orphan is only reaped when init gets to it
func alive(pid int) bool {
	if syscall.Kill(pid, 0) != nil {
		return false
	}
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return true
	}
	// Format: pid (comm) state ...
	fields := strings.Fields(string(stat[bytes.LastIndexByte(stat, ')')+1:]))
	return len(fields) == 0 || fields[0] != "Z"
}

func TestTerminate_EscalatesToKill(t *testing.T) {
	r := newTestRunner(t, 100*time.Millisecond)
	out := &collector{}

	p, err := r.Start(t.TempDir(), "trap '' TERM; echo ready; sleep 30", &chunkWriter{fn: out.add})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "ready") },
		5*time.Second, 10*time.Millisecond)

	start := time.Now()
	r.Terminate(p)
	assert.Less(t, time.Since(start), 5*time.Second)

	status, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 128+int(syscall.SIGKILL), status)

	// Idempotent on an exited process
	r.Terminate(p)
}

func TestTerminate_ExitedProcess(t *testing.T) {
	r := newTestRunner(t, time.Second)
	p, err := r.Start(t.TempDir(), "exit 0", &chunkWriter{fn: func([]byte) {}})
	require.NoError(t, err)

	status, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	r.Terminate(p)
}

func TestRun_ExtraEnv(t *testing.T) {
	r := New(Config{Shell: "/bin/sh", Env: []string{"DEPLOY_TARGET=staging"}}, nil)
	out := &collector{}

	_, err := r.Run(context.Background(), t.TempDir(), []string{"echo $DEPLOY_TARGET"}, out.add)
	require.NoError(t, err)
	assert.Equal(t, "staging", lastLine(out.String()))
}

func TestSplit(t *testing.T) {
	assert.Equal(t, []string{"echo monkey > foo", "cat foo"}, Split("echo monkey > foo\r\n\n  cat foo  \n"))
	assert.Empty(t, Split("  \n\t\n"))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate([]string{`echo "a b" 'c'`, "make deploy"}))
	assert.True(t, errors.Is(Validate(nil), ErrInvalidCommand))
	assert.True(t, errors.Is(Validate([]string{`echo "open`}), ErrInvalidCommand))
}

func TestConfigFromAm(t *testing.T) {
	cfg := ConfigFromAm(am.RunnerConfig{Shell: "/bin/bash", KillGraceSeconds: 7, Env: []string{"A=1"}})
	assert.Equal(t, "/bin/bash", cfg.Shell)
	assert.Equal(t, 7*time.Second, cfg.KillGrace)
	assert.Equal(t, []string{"A=1"}, cfg.Env)
}
