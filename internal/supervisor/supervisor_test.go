package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer guards the mirrored output, which the Listen goroutine writes
// while the test reads.
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

func TestRunCleanExit(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "run.log")
	var out syncBuffer
	s := New(WithStdout(&out))

	err := s.Run(context.Background(), logPath, []string{"sh", "-c", "echo out; echo err >&2"})
	require.NoError(t, err)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "out\n")
	assert.Contains(t, string(data), "err\n")
	assert.Equal(t, string(data), out.String(), "mirror must match the log file")
}

func TestRunPreservesLineOrder(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "run.log")
	var out syncBuffer
	s := New(WithStdout(&out))

	err := s.Run(context.Background(), logPath,
		[]string{"sh", "-c", "i=1; while [ $i -le 50 ]; do echo line-$i; i=$((i+1)); done"})
	require.NoError(t, err)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 50)
	for i, line := range lines {
		require.Equal(t, fmt.Sprintf("line-%d", i+1), line)
	}
	assert.Equal(t, string(data), out.String())
}

func TestRunSurvivesOversizedLine(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "run.log")
	var out syncBuffer
	s := New(WithStdout(&out))

	// A single line far beyond the read buffer, delimited so the test can
	// verify nothing at either end was lost.
	const lineLen = 2_000_000
	err := s.Run(context.Background(), logPath,
		[]string{"sh", "-c", fmt.Sprintf(
			`printf 'start-'; head -c %d /dev/zero | tr '\0' 'x'; printf -- '-end\n'; echo after`, lineLen)})
	require.NoError(t, err)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	content := string(data)
	assert.Equal(t, lineLen, strings.Count(content, "x"))
	assert.Contains(t, content, "start-x")
	assert.Contains(t, content, "x-end\nafter\n")
	assert.Equal(t, content, out.String())
}

func TestRunNonZeroExit(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "run.log")
	s := New(WithStdout(&syncBuffer{}))

	err := s.Run(context.Background(), logPath, []string{"sh", "-c", "exit 3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 3")
}

func TestLaunchErrors(t *testing.T) {
	t.Run("MissingExecutable", func(t *testing.T) {
		s := New(WithStdout(&syncBuffer{}))
		_, err := s.Launch(context.Background(), filepath.Join(t.TempDir(), "run.log"),
			[]string{"/nonexistent/dtrain-binary"})
		require.ErrorIs(t, err, ErrLaunch)
	})

	t.Run("EmptyCommand", func(t *testing.T) {
		s := New(WithStdout(&syncBuffer{}))
		_, err := s.Launch(context.Background(), filepath.Join(t.TempDir(), "run.log"), nil)
		require.ErrorIs(t, err, ErrLaunch)
	})

	t.Run("UnopenableLogFile", func(t *testing.T) {
		s := New(WithStdout(&syncBuffer{}))
		dir := t.TempDir()
		// A directory where the log file's parent should be.
		blocked := filepath.Join(dir, "blocked")
		require.NoError(t, os.WriteFile(blocked, []byte("x"), 0600))
		_, err := s.Launch(context.Background(), filepath.Join(blocked, "run.log"),
			[]string{"sh", "-c", "true"})
		require.ErrorIs(t, err, ErrLaunch)
	})
}

func TestEscalationKillsStubbornGroup(t *testing.T) {
	s := New(WithStdout(&syncBuffer{}), WithGraceTimeout(200*time.Millisecond))

	// The shell ignores the graceful signal and keeps respawning children.
	h, err := s.Launch(context.Background(), filepath.Join(t.TempDir(), "run.log"),
		[]string{"sh", "-c", `trap "" TERM; while :; do sleep 0.2; done`})
	require.NoError(t, err)
	defer h.close()
	assert.Equal(t, StateRunning, h.State())

	require.NoError(t, s.Terminate(h))
	assert.Equal(t, StateStopping, h.State())

	// Exactly one timeout from the bounded wait.
	_, err = h.Wait(200 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	// Then exactly one kill, which the group cannot ignore.
	require.NoError(t, s.Kill(h))
	_, err = h.Wait(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateKilled, h.State())

	// The whole group is gone.
	require.Eventually(t, func() bool {
		return syscall.Kill(-h.Pid(), 0) != nil
	}, 2*time.Second, 50*time.Millisecond)
}

func TestRunInterruptStopsGroup(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "run.log")
	var out syncBuffer
	s := New(WithStdout(&out), WithGraceTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, logPath, []string{"sh", "-c", "echo ready; sleep 30"})
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "ready")
	}, 5*time.Second, 20*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}

func TestWaitReturnsExitCode(t *testing.T) {
	s := New(WithStdout(&syncBuffer{}))
	h, err := s.Launch(context.Background(), filepath.Join(t.TempDir(), "run.log"),
		[]string{"sh", "-c", "exit 7"})
	require.NoError(t, err)
	defer h.close()

	code, err := h.Wait(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7, code)
	assert.Equal(t, StateExited, h.State())
}
