package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"shaderkit/internal/step"
)

var (
	ErrInvalidGraph = errors.New("invalid step graph")
	ErrCycle        = errors.New("cycle detected")
)

// GraphError wraps structural validation failures.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidGraph, Msg: fmt.Sprintf(format, args...)}
}

// Graph is a validated, immutable set of steps and their dependency edges.
type Graph struct {
	steps      map[string]step.Step
	deps       map[string][]string
	dependents map[string][]string
	depth      map[string]int
	order      []string
}

// NewGraph validates steps and builds the graph. Duplicate names, unknown
// dependencies, self edges and cycles are rejected here, before anything runs.
func NewGraph(steps ...step.Step) (*Graph, error) {
	g := &Graph{
		steps:      make(map[string]step.Step, len(steps)),
		deps:       make(map[string][]string, len(steps)),
		dependents: make(map[string][]string, len(steps)),
	}

	for _, s := range steps {
		if s == nil {
			return nil, invalidf("nil step")
		}
		name := s.Name()
		if name == "" {
			return nil, invalidf("step with empty name")
		}
		if _, dup := g.steps[name]; dup {
			return nil, invalidf("duplicate step %q", name)
		}
		g.steps[name] = s
	}

	for name, s := range g.steps {
		seen := make(map[string]bool)
		for _, dep := range s.Dependencies() {
			if dep == name {
				return nil, invalidf("step %q depends on itself", name)
			}
			if _, ok := g.steps[dep]; !ok {
				return nil, invalidf("step %q depends on unknown step %q", name, dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.deps[name] = append(g.deps[name], dep)
			g.dependents[dep] = append(g.dependents[dep], name)
		}
	}
	for _, m := range []map[string][]string{g.deps, g.dependents} {
		for _, list := range m {
			sort.Strings(list)
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	g.computeOrder()
	return g, nil
}

// detectCycles runs a three-colour DFS along dependency edges. Names are
// visited in sorted order so the reported cycle is stable.
func (g *Graph) detectCycles() error {
	const (
		unvisited = iota
		onStack
		finished
	)
	color := make(map[string]int, len(g.steps))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case finished:
			return nil
		case onStack:
			start := 0
			for i, n := range stack {
				if n == name {
					start = i
					break
				}
			}
			path := append(append([]string{}, stack[start:]...), name)
			return &GraphError{Kind: ErrCycle, Msg: strings.Join(path, " -> ")}
		}

		color[name] = onStack
		stack = append(stack, name)
		for _, dep := range g.deps[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = finished
		return nil
	}

	for _, name := range g.Names() {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// computeOrder assigns each step its depth (longest dependency chain below
// it) and sorts by (depth, name).
func (g *Graph) computeOrder() {
	g.depth = make(map[string]int, len(g.steps))
	var depthOf func(name string) int
	depthOf = func(name string) int {
		if d, ok := g.depth[name]; ok {
			return d
		}
		d := 0
		for _, dep := range g.deps[name] {
			if dd := depthOf(dep) + 1; dd > d {
				d = dd
			}
		}
		g.depth[name] = d
		return d
	}

	g.order = g.Names()
	for _, name := range g.order {
		depthOf(name)
	}
	g.sortByDepth(g.order)
}

func (g *Graph) sortByDepth(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		a, b := names[i], names[j]
		if g.depth[a] != g.depth[b] {
			return g.depth[a] < g.depth[b]
		}
		return a < b
	})
}

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.steps) }

// Step returns the step registered under name.
func (g *Graph) Step(name string) (step.Step, bool) {
	s, ok := g.steps[name]
	return s, ok
}

// Names returns all step names sorted alphabetically.
func (g *Graph) Names() []string {
	names := make([]string, 0, len(g.steps))
	for name := range g.steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dependencies returns the direct dependencies of name.
func (g *Graph) Dependencies(name string) []string {
	return append([]string(nil), g.deps[name]...)
}

// Dependents returns the steps that directly depend on name.
func (g *Graph) Dependents(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

// Depth returns the length of the longest dependency chain below name.
func (g *Graph) Depth(name string) int { return g.depth[name] }

// Order returns a topological order: every step appears after all of its
// dependencies; ties are broken by depth, then name.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Subgraph returns the graph restricted to targets and everything they
// transitively depend on.
func (g *Graph) Subgraph(targets ...string) (*Graph, error) {
	keep := make(map[string]bool)
	var walk func(name string)
	walk = func(name string) {
		if keep[name] {
			return
		}
		keep[name] = true
		for _, dep := range g.deps[name] {
			walk(dep)
		}
	}
	for _, t := range targets {
		if _, ok := g.steps[t]; !ok {
			return nil, invalidf("unknown step %q", t)
		}
		walk(t)
	}

	steps := make([]step.Step, 0, len(keep))
	for _, name := range g.order {
		if keep[name] {
			steps = append(steps, g.steps[name])
		}
	}
	return NewGraph(steps...)
}
