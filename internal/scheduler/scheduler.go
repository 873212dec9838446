package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"shaderkit/internal/ctxlog"
	"shaderkit/internal/step"
)

// Scheduler executes graphs.
type Scheduler struct {
	// Jobs bounds how many steps execute at once; values below 1 mean NumCPU.
	Jobs int

	// OnStart and OnFinish, when set, are called from the worker goroutine
	// around each step. They must be safe for concurrent use.
	OnStart  func(name string)
	OnFinish func(name string, res Result)
}

// Result is the outcome of one step.
type Result struct {
	State    step.State
	Err      error
	Duration time.Duration
}

// Report collects the per-step outcomes of a run.
type Report struct {
	Order   []string // topological order of the graph that ran
	Results map[string]*Result
}

// Count returns how many steps ended in state.
func (r *Report) Count(state step.State) int {
	n := 0
	for _, res := range r.Results {
		if res.State == state {
			n++
		}
	}
	return n
}

// task is the per-step run-once marker for one invocation.
type task struct {
	step step.Step
	once sync.Once
	res  Result
}

func (t *task) run(ctx context.Context, s *Scheduler) Result {
	t.once.Do(func() {
		name := t.step.Name()
		logger := ctxlog.FromContext(ctx).With("step", name)
		if s.OnStart != nil {
			s.OnStart(name)
		}
		logger.Debug("Step started.")

		start := time.Now()
		err := execute(ctxlog.WithLogger(ctx, logger), t.step)
		t.res.Duration = time.Since(start)

		switch {
		case err == nil:
			t.res.State = step.Succeeded
		case errors.Is(err, step.ErrCached):
			t.res.State = step.Cached
		default:
			t.res.State = step.Failed
			t.res.Err = err
		}
		if t.res.Err != nil {
			logger.Error("Step failed.", "error", t.res.Err, "duration", t.res.Duration)
		} else {
			logger.Info("Step finished.", "state", t.res.State.String(), "duration", t.res.Duration)
		}
		if s.OnFinish != nil {
			s.OnFinish(name, t.res)
		}
	})
	return t.res
}

func execute(ctx context.Context, s step.Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Execute(ctx)
}

type finished struct {
	name string
	res  Result
}

// Run executes every step of g once, respecting dependency order. It returns
// the report and the first failure as a *step.Error.
func (s *Scheduler) Run(ctx context.Context, g *Graph) (*Report, error) {
	logger := ctxlog.FromContext(ctx)
	jobs := s.Jobs
	if jobs < 1 {
		jobs = runtime.NumCPU()
	}

	tasks := make(map[string]*task, g.Len())
	remaining := make(map[string]int, g.Len())
	report := &Report{Order: g.Order(), Results: make(map[string]*Result, g.Len())}
	var ready []string
	for _, name := range report.Order {
		st, _ := g.Step(name)
		tasks[name] = &task{step: st}
		report.Results[name] = &Result{State: step.Pending}
		remaining[name] = len(g.deps[name])
		if remaining[name] == 0 {
			ready = append(ready, name)
		}
	}
	logger.Debug("Scheduler started.", "steps", g.Len(), "jobs", jobs)

	results := make(chan finished, g.Len())
	running := 0
	var firstErr error

	for {
		for firstErr == nil && ctx.Err() == nil && running < jobs && len(ready) > 0 {
			name := ready[0]
			ready = ready[1:]
			report.Results[name].State = step.Running
			running++
			go func(t *task) {
				results <- finished{name: t.step.Name(), res: t.run(ctx, s)}
			}(tasks[name])
		}
		if running == 0 {
			break
		}

		done := <-results
		running--
		res := done.res
		report.Results[done.name] = &res

		if res.State == step.Failed {
			if firstErr == nil {
				firstErr = &step.Error{Step: done.name, Err: res.Err}
				logger.Debug("Stopping dispatch after failure.", "step", done.name, "in_flight", running)
			}
			continue
		}

		var unlocked []string
		for _, dep := range g.dependents[done.name] {
			remaining[dep]--
			if remaining[dep] == 0 {
				unlocked = append(unlocked, dep)
			}
		}
		if len(unlocked) > 0 {
			ready = append(ready, unlocked...)
			g.sortByDepth(ready)
		}
	}

	for _, res := range report.Results {
		if res.State == step.Pending {
			res.State = step.Skipped
		}
	}
	if firstErr == nil && ctx.Err() != nil {
		firstErr = ctx.Err()
	}
	logger.Debug("Scheduler finished.",
		"succeeded", report.Count(step.Succeeded),
		"cached", report.Count(step.Cached),
		"failed", report.Count(step.Failed),
		"skipped", report.Count(step.Skipped))
	return report, firstErr
}
