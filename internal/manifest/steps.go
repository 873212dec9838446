package manifest

import (
	"shaderkit/internal/artifact"
	"shaderkit/internal/codegen"
	"shaderkit/internal/gitsrc"
	"shaderkit/internal/scheduler"
	"shaderkit/internal/step"
)

// Builders turns manifest entries into executable steps.
type Builders struct {
	Git *gitsrc.Acquirer
	// Offline serves dependencies whose git acquisition is switched off.
	Offline *gitsrc.Acquirer
	// GitDisabled reports whether any of the given toggle names is set.
	GitDisabled func(names ...string) bool
	Downloader  *artifact.Downloader
	Generator   *codegen.Generator
}

// Steps builds one step per manifest entry.
func (m *Manifest) Steps(b Builders) []step.Step {
	var steps []step.Step
	for _, d := range m.Dependencies {
		acq := b.Git
		if b.Offline != nil && b.GitDisabled != nil && b.GitDisabled(d.Label, d.NoGitEnv) {
			acq = b.Offline
		}
		steps = append(steps, acq.NewStep(d.Name, d.Spec, d.Deps...))
	}
	for _, a := range m.Artifacts {
		dl := b.Downloader
		if a.URLTemplate != "" {
			c := *dl
			c.URLTemplate = a.URLTemplate
			dl = &c
		}
		steps = append(steps, dl.NewStep(a.Name, a.Key, a.Deps...))
	}
	for _, g := range m.Generators {
		steps = append(steps, b.Generator.NewStep(g.Name, g.Spec, g.Deps...))
	}
	return steps
}

// Graph builds and validates the step graph.
func (m *Manifest) Graph(b Builders) (*scheduler.Graph, error) {
	return scheduler.NewGraph(m.Steps(b)...)
}
