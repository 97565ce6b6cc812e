package shellexec

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/dispatch/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type chunkCollector struct {
	mu     sync.Mutex
	chunks []string
}

func (c *chunkCollector) callbacks() task.Callbacks {
	return task.Callbacks{
		OnOutput: func(chunk string) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.chunks = append(c.chunks, chunk)
		},
	}
}

func (c *chunkCollector) joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.chunks, "")
}

func awaitOutcome(t *testing.T, h task.Handle) task.Outcome {
	t.Helper()
	select {
	case out := <-h.Done():
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not settle")
		return task.Outcome{}
	}
}

func TestSuccessStreamsOutput(t *testing.T) {
	exec := New(setupTestLogger(), "sh", "-c", "echo one; echo two")
	collector := &chunkCollector{}

	h, err := exec.Start(context.Background(), collector.callbacks())
	require.NoError(t, err)

	out := awaitOutcome(t, h)
	require.NoError(t, out.Err)

	result, ok := out.Result.(Result)
	require.True(t, ok)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "one\ntwo\n", collector.joined())
}

func TestStderrIsStreamedToo(t *testing.T) {
	exec := New(setupTestLogger(), "sh", "-c", "echo oops 1>&2")
	collector := &chunkCollector{}

	h, err := exec.Start(context.Background(), collector.callbacks())
	require.NoError(t, err)

	out := awaitOutcome(t, h)
	require.NoError(t, out.Err)
	assert.Equal(t, "oops\n", collector.joined())
}

func TestNonZeroExitIsPermanentFailure(t *testing.T) {
	exec := New(setupTestLogger(), "sh", "-c", "exit 3")

	h, err := exec.Start(context.Background(), task.Callbacks{})
	require.NoError(t, err)

	out := awaitOutcome(t, h)
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "code 3")
	assert.False(t, task.IsTransient(out.Err), "exit failures must not be auto-retried")
	assert.Nil(t, out.Result)
}

func TestMissingBinaryFailsOnStart(t *testing.T) {
	exec := New(setupTestLogger(), "definitely-not-a-real-binary-12345")

	_, err := exec.Start(context.Background(), task.Callbacks{})
	require.Error(t, err)
}

func TestCancelKillsProcess(t *testing.T) {
	exec := New(setupTestLogger(), "sleep", "60")

	start := time.Now()
	h, err := exec.Start(context.Background(), task.Callbacks{})
	require.NoError(t, err)

	h.Cancel()
	out := awaitOutcome(t, h)
	require.Error(t, out.Err)
	assert.Less(t, time.Since(start), 5*time.Second, "cancel must not wait for the sleep")
}

func TestWithDir(t *testing.T) {
	dir := t.TempDir()
	exec := New(setupTestLogger(), "pwd").WithDir(dir)
	collector := &chunkCollector{}

	h, err := exec.Start(context.Background(), collector.callbacks())
	require.NoError(t, err)

	out := awaitOutcome(t, h)
	require.NoError(t, out.Err)
	assert.Contains(t, collector.joined(), dir)
}

func TestWithEnvReplacesEnvironment(t *testing.T) {
	exec := New(setupTestLogger(), "sh", "-c", `echo "got:$GREETING:$HOME"`).
		WithEnv([]string{"GREETING=hello"})
	collector := &chunkCollector{}

	h, err := exec.Start(context.Background(), collector.callbacks())
	require.NoError(t, err)

	out := awaitOutcome(t, h)
	require.NoError(t, out.Err)
	// The provided variable is visible and the inherited environment is not.
	assert.Equal(t, "got:hello:\n", collector.joined())
}
