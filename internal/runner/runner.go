// Package runner executes external tools (git, python generators, archive
// helpers) with captured output.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"shaderkit/internal/ctxlog"
)

var (
	// ErrCommandNotFound means the executable could not be located.
	ErrCommandNotFound = errors.New("command not found")
	// ErrExecutionFailed means the process started but exited non-zero.
	ErrExecutionFailed = errors.New("execution failed")
)

// Result is the captured outcome of one process.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// ExitError is returned together with the Result when a process exits non-zero.
type ExitError struct {
	Command  string
	Args     []string
	ExitCode int
	Stderr   []byte
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s %s: exit status %d", e.Command, strings.Join(e.Args, " "), e.ExitCode)
	if tail := lastLine(e.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *ExitError) Unwrap() error { return ErrExecutionFailed }

// Runner is what steps depend on; tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (*Result, error)
}

// Executor runs child processes. At most Slots children run at once across
// all callers, independent of how many scheduler workers are busy.
type Executor struct {
	Env []string // extra KEY=VALUE entries appended to the inherited environment
	// Echo, when set, receives a copy of stdout and stderr as they are produced.
	Echo io.Writer

	slots *semaphore.Weighted
}

// NewExecutor returns an executor allowing slots concurrent processes.
func NewExecutor(slots int) *Executor {
	if slots < 1 {
		slots = 1
	}
	return &Executor{slots: semaphore.NewWeighted(int64(slots))}
}

// Run executes name with args in dir and waits for it to exit.
func (e *Executor) Run(ctx context.Context, dir, name string, args ...string) (*Result, error) {
	logger := ctxlog.FromContext(ctx)

	path, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, name)
	}

	if e.slots != nil {
		if err := e.slots.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer e.slots.Release(1)
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), e.Env...)

	var stdout, stderr bytes.Buffer
	if e.Echo != nil {
		cmd.Stdout = io.MultiWriter(&stdout, e.Echo)
		cmd.Stderr = io.MultiWriter(&stderr, e.Echo)
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}
	// Own process group so cancellation takes down grandchildren (git spawns
	// remote helpers, python spawns whatever the generator does).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logger.Debug("Running command.", "cmd", name, "args", args, "dir", dir)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	pgid := cmd.Process.Pid
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		case <-done:
		}
	}()
	waitErr := cmd.Wait()
	close(done)

	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
	}

	if waitErr != nil {
		if ctx.Err() != nil {
			return res, fmt.Errorf("%s aborted: %w", name, ctx.Err())
		}
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return res, fmt.Errorf("failed to wait for %s: %w", name, waitErr)
		}
		logger.Debug("Command exited non-zero.", "cmd", name, "exit_code", res.ExitCode)
		return res, &ExitError{Command: name, Args: args, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, nil
}

// Probe reports whether name runs successfully with args. The exit status is
// the answer, so failures are never returned as errors.
func Probe(ctx context.Context, r Runner, name string, args ...string) bool {
	_, err := r.Run(ctx, "", name, args...)
	return err == nil
}

func lastLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return s
}
