package runner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestRunCapturesOutput(t *testing.T) {
	requireSh(t)
	e := NewExecutor(2)
	dir := t.TempDir()

	res, err := e.Run(context.Background(), dir, "sh", "-c", "pwd; echo oops >&2")
	require.NoError(t, err)
	assert.Contains(t, string(res.Stdout), dir)
	assert.Equal(t, "oops\n", string(res.Stderr))
	assert.Equal(t, 0, res.ExitCode)
}

func TestRunNonZeroExit(t *testing.T) {
	requireSh(t)
	e := NewExecutor(1)

	res, err := e.Run(context.Background(), "", "sh", "-c", "echo bad revision >&2; exit 3")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecutionFailed)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Contains(t, exitErr.Error(), "bad revision")

	require.NotNil(t, res, "the result is returned alongside the exit error")
	assert.Equal(t, 3, res.ExitCode)
}

func TestRunCommandNotFound(t *testing.T) {
	_, err := NewExecutor(1).Run(context.Background(), "", "shaderkit-definitely-missing-tool")
	assert.ErrorIs(t, err, ErrCommandNotFound)
}

func TestRunCancelled(t *testing.T) {
	requireSh(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewExecutor(1).Run(ctx, "", "sh", "-c", "sleep 5")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunEcho(t *testing.T) {
	requireSh(t)
	var echo bytes.Buffer
	e := NewExecutor(1)
	e.Echo = &echo

	_, err := e.Run(context.Background(), "", "sh", "-c", "echo visible")
	require.NoError(t, err)
	assert.Equal(t, "visible\n", echo.String())
}

func TestSlotsBoundConcurrency(t *testing.T) {
	requireSh(t)
	e := NewExecutor(1)

	// With one slot the sleeps cannot overlap, so the batch takes at least
	// three sleep periods.
	start := time.Now()
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 3; i++ {
		g.Go(func() error {
			_, err := e.Run(ctx, "", "sh", "-c", "sleep 0.05")
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestProbe(t *testing.T) {
	requireSh(t)
	e := NewExecutor(1)
	assert.True(t, Probe(context.Background(), e, "sh", "-c", "exit 0"))
	assert.False(t, Probe(context.Background(), e, "sh", "-c", "exit 1"))
	assert.False(t, Probe(context.Background(), e, "shaderkit-definitely-missing-tool"))
}
