// Package step defines the unit of work the scheduler runs.
package step

import (
	"context"
	"errors"
	"fmt"
)

// ErrCached is returned by Execute when the step found its result already in
// place (cache hit, checkout already at the pinned revision, unchanged
// generator inputs). The scheduler treats it as success.
var ErrCached = errors.New("up to date")

// Step is a named unit of build work with declared dependencies.
//
// Execute must be idempotent; the scheduler calls it at most once per run.
type Step interface {
	Name() string
	Dependencies() []string
	Execute(ctx context.Context) error
}

// State is the outcome of a step within one run.
type State int

const (
	Pending State = iota
	Running
	Succeeded
	Cached
	Failed
	Skipped
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Cached:
		return "cached"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Done reports whether the state is terminal.
func (s State) Done() bool {
	return s >= Succeeded
}

// Func adapts a plain function into a Step.
type Func struct {
	ID   string
	Deps []string
	Fn   func(ctx context.Context) error
}

// New returns a Step named name that runs fn after deps.
func New(name string, fn func(ctx context.Context) error, deps ...string) *Func {
	return &Func{ID: name, Deps: deps, Fn: fn}
}

func (f *Func) Name() string           { return f.ID }
func (f *Func) Dependencies() []string { return f.Deps }

func (f *Func) Execute(ctx context.Context) error {
	if f.Fn == nil {
		return nil
	}
	return f.Fn(ctx)
}

// Error attributes a failure to the step that produced it.
type Error struct {
	Step string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
