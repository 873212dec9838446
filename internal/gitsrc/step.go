package gitsrc

import (
	"context"

	"shaderkit/internal/step"
)

// Step wraps Ensure as a schedulable step.
type Step struct {
	ID   string
	Deps []string
	Spec Spec
	Acq  *Acquirer
}

// NewStep returns a step named name that ensures spec after deps.
func (a *Acquirer) NewStep(name string, spec Spec, deps ...string) *Step {
	return &Step{ID: name, Deps: deps, Spec: spec, Acq: a}
}

func (s *Step) Name() string           { return s.ID }
func (s *Step) Dependencies() []string { return s.Deps }

func (s *Step) Execute(ctx context.Context) error {
	outcome, err := s.Acq.Ensure(ctx, s.Spec)
	if err != nil {
		return err
	}
	if outcome == UpToDate || outcome == PreStaged {
		return step.ErrCached
	}
	return nil
}
