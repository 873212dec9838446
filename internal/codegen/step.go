package codegen

import (
	"context"

	"shaderkit/internal/step"
)

// Step wraps Run as a schedulable step.
type Step struct {
	ID   string
	Deps []string
	Spec Spec
	Gen  *Generator
}

// NewStep returns a step named name that runs spec after deps.
func (g *Generator) NewStep(name string, spec Spec, deps ...string) *Step {
	if spec.Name == "" {
		spec.Name = name
	}
	return &Step{ID: name, Deps: deps, Spec: spec, Gen: g}
}

func (s *Step) Name() string           { return s.ID }
func (s *Step) Dependencies() []string { return s.Deps }

func (s *Step) Execute(ctx context.Context) error {
	outcome, err := s.Gen.Run(ctx, s.Spec)
	if err != nil {
		return err
	}
	if outcome == Unchanged {
		return step.ErrCached
	}
	return nil
}
