// Package manifest loads the build graph from an HCL file.
//
// A manifest declares three kinds of blocks:
//
//	dependency "glslang" {
//	  url      = "https://github.com/KhronosGroup/glslang"
//	  revision = "v14.0.0"
//	  path     = "deps/glslang"
//	}
//
//	artifact "dxcompiler" {
//	  version = "2024.03.09+d19dd6d.1"
//	}
//
//	generate "build_info" {
//	  command = "python"
//	  args    = ["${dependency.glslang.path}/build_info.py", dependency.glslang.path]
//	  outputs = ["gen/glslang/build_info.h"]
//	}
//
// Expressions can use the variables target, optimize, cache_root,
// manifest_dir and env, and refer to dependency.<name>.path and
// artifact.<name>.path. Such references also add a dependency edge.
package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"shaderkit/internal/cachekey"
	"shaderkit/internal/codegen"
	"shaderkit/internal/ctxlog"
	"shaderkit/internal/gitsrc"
)

// DefaultFile is the manifest name looked up in the working directory.
const DefaultFile = "build.hcl"

// Step name prefixes per block kind.
const (
	KindDependency = "dependency"
	KindArtifact   = "artifact"
	KindGenerate   = "generate"
)

// Vars are the evaluation inputs available to every expression.
type Vars struct {
	Target    string
	Optimize  string
	CacheRoot string
	Env       map[string]string // nil means the process environment
}

// Manifest is a decoded build graph.
type Manifest struct {
	Path         string
	Dir          string
	Dependencies []*Dependency
	Artifacts    []*Artifact
	Generators   []*Generate
}

// Dependency is a git source.
type Dependency struct {
	Name     string // step name, "dependency.<label>"
	Label    string
	Spec     gitsrc.Spec
	NoGitEnv string
	Deps     []string
}

// Artifact is a cached prebuilt archive.
type Artifact struct {
	Name        string
	Label       string
	Key         cachekey.Key
	URLTemplate string // empty means the configured template
	Path        string
	Deps        []string
}

// Generate is a code generator invocation.
type Generate struct {
	Name  string
	Label string
	Spec  codegen.Spec
	Deps  []string
}

// Names returns every step name in declaration order.
func (m *Manifest) Names() []string {
	var names []string
	for _, d := range m.Dependencies {
		names = append(names, d.Name)
	}
	for _, a := range m.Artifacts {
		names = append(names, a.Name)
	}
	for _, g := range m.Generators {
		names = append(names, g.Name)
	}
	return names
}

// Lookup resolves a user-supplied step name. A bare label matches when it
// is unambiguous across block kinds.
func (m *Manifest) Lookup(name string) (string, error) {
	var matches []string
	for _, n := range m.Names() {
		if n == name {
			return n, nil
		}
		if _, label, _ := strings.Cut(n, "."); label == name {
			matches = append(matches, n)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("unknown step %q", name)
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("ambiguous step %q: matches %s", name, strings.Join(matches, ", "))
}

// normalizeDeps turns depends_on labels into step names.
func (m *Manifest) normalizeDeps() error {
	fix := func(owner string, deps []string) error {
		for i, d := range deps {
			name, err := m.Lookup(d)
			if err != nil {
				return fmt.Errorf("%s: depends_on: %w", owner, err)
			}
			deps[i] = name
		}
		return nil
	}
	for _, d := range m.Dependencies {
		if err := fix(d.Name, d.Deps); err != nil {
			return err
		}
	}
	for _, a := range m.Artifacts {
		if err := fix(a.Name, a.Deps); err != nil {
			return err
		}
		a.Deps = merge(a.Deps, nil)
	}
	for _, g := range m.Generators {
		if err := fix(g.Name, g.Deps); err != nil {
			return err
		}
		g.Deps = merge(g.Deps, nil)
	}
	return nil
}

// Load parses and evaluates the manifest at path.
func Load(ctx context.Context, path string, vars Vars) (*Manifest, error) {
	logger := ctxlog.FromContext(ctx)

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(abs)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, diags)
	}

	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", path, diags)
	}

	m := &Manifest{Path: abs, Dir: filepath.Dir(abs)}
	l := &loader{m: m, vars: vars, seen: make(map[string]bool)}
	if err := l.evaluate(&root); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	if err := m.normalizeDeps(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}

	logger.Debug("Manifest loaded.", "path", abs,
		"dependencies", len(m.Dependencies), "artifacts", len(m.Artifacts), "generators", len(m.Generators))
	return m, nil
}

type loader struct {
	m    *Manifest
	vars Vars
	seen map[string]bool

	depVals map[string]cty.Value
	artVals map[string]cty.Value
}

func (l *loader) baseVariables() map[string]cty.Value {
	env := l.vars.Env
	if env == nil {
		env = make(map[string]string)
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				env[k] = v
			}
		}
	}
	envVals := make(map[string]cty.Value, len(env))
	for k, v := range env {
		envVals[k] = cty.StringVal(v)
	}
	envVal := cty.MapValEmpty(cty.String)
	if len(envVals) > 0 {
		envVal = cty.MapVal(envVals)
	}

	return map[string]cty.Value{
		"target":       cty.StringVal(l.vars.Target),
		"optimize":     cty.StringVal(l.vars.Optimize),
		"cache_root":   cty.StringVal(l.vars.CacheRoot),
		"manifest_dir": cty.StringVal(l.m.Dir),
		"env":          envVal,
	}
}

// evalContext exposes dependency and artifact objects evaluated so far.
func (l *loader) evalContext() *hcl.EvalContext {
	vars := l.baseVariables()
	vars[KindDependency] = cty.ObjectVal(l.depVals)
	vars[KindArtifact] = cty.ObjectVal(l.artVals)
	return &hcl.EvalContext{Variables: vars}
}

func (l *loader) claim(kind, label string) (string, error) {
	if label == "" || strings.ContainsAny(label, ". ") {
		return "", fmt.Errorf("invalid %s name %q", kind, label)
	}
	name := kind + "." + label
	if l.seen[name] {
		return "", fmt.Errorf("duplicate %s %q", kind, label)
	}
	l.seen[name] = true
	return name, nil
}

// abs resolves p against the manifest directory.
func (l *loader) abs(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(l.m.Dir, p)
}

// evaluate runs in dependency, artifact, generate order so that each pass
// can see the values of the ones before it.
func (l *loader) evaluate(root *fileRoot) error {
	l.depVals = make(map[string]cty.Value)
	l.artVals = make(map[string]cty.Value)

	ctx := l.evalContext()
	for _, b := range root.Dependencies {
		name, err := l.claim(KindDependency, b.Name)
		if err != nil {
			return err
		}
		d := &Dependency{Name: name, Label: b.Name, Spec: gitsrc.Spec{Name: b.Name}}
		var diags hcl.Diagnostics
		diags = append(diags, evalString(b.URL, ctx, &d.Spec.URL)...)
		diags = append(diags, evalString(b.Revision, ctx, &d.Spec.Revision)...)
		diags = append(diags, evalString(b.Path, ctx, &d.Spec.Dest)...)
		diags = append(diags, evalBool(b.Shallow, ctx, &d.Spec.Shallow)...)
		diags = append(diags, evalString(b.NoGitEnv, ctx, &d.NoGitEnv)...)
		if diags.HasErrors() {
			return diags
		}
		d.Spec.Dest = l.abs(d.Spec.Dest)
		d.Deps = append(d.Deps, b.DependsOn...)
		l.m.Dependencies = append(l.m.Dependencies, d)

		l.depVals[b.Name] = cty.ObjectVal(map[string]cty.Value{
			"path":     cty.StringVal(d.Spec.Dest),
			"url":      cty.StringVal(d.Spec.URL),
			"revision": cty.StringVal(d.Spec.Revision),
		})
	}

	ctx = l.evalContext()
	for _, b := range root.Artifacts {
		name, err := l.claim(KindArtifact, b.Name)
		if err != nil {
			return err
		}
		a := &Artifact{Name: name, Label: b.Name}
		a.Key.Project = b.Name
		a.Key.Target = l.vars.Target
		a.Key.Optimize = l.vars.Optimize
		var diags hcl.Diagnostics
		diags = append(diags, evalString(b.Project, ctx, &a.Key.Project)...)
		diags = append(diags, evalString(b.Version, ctx, &a.Key.Version)...)
		diags = append(diags, evalString(b.Target, ctx, &a.Key.Target)...)
		diags = append(diags, evalString(b.Optimize, ctx, &a.Key.Optimize)...)
		diags = append(diags, evalString(b.URL, ctx, &a.URLTemplate)...)
		if diags.HasErrors() {
			return diags
		}
		if err := a.Key.Validate(); err != nil {
			return fmt.Errorf("artifact %q: %w", b.Name, err)
		}
		deps, err := l.references(b.Project, b.Version, b.Target, b.Optimize, b.URL)
		if err != nil {
			return fmt.Errorf("artifact %q: %w", b.Name, err)
		}
		a.Deps = merge(deps, b.DependsOn)
		a.Path = cachekey.Resolve(l.vars.CacheRoot, a.Key)
		l.m.Artifacts = append(l.m.Artifacts, a)

		l.artVals[b.Name] = cty.ObjectVal(map[string]cty.Value{
			"path":    cty.StringVal(a.Path),
			"project": cty.StringVal(a.Key.Project),
			"version": cty.StringVal(a.Key.Version),
		})
	}

	ctx = l.evalContext()
	for _, b := range root.Generators {
		name, err := l.claim(KindGenerate, b.Name)
		if err != nil {
			return err
		}
		g := &Generate{Name: name, Label: b.Name, Spec: codegen.Spec{Name: b.Name}}
		var diags hcl.Diagnostics
		diags = append(diags, evalString(b.Command, ctx, &g.Spec.Command)...)
		diags = append(diags, evalList(b.Args, ctx, &g.Spec.Args)...)
		diags = append(diags, evalString(b.Dir, ctx, &g.Spec.Dir)...)
		diags = append(diags, evalList(b.Inputs, ctx, &g.Spec.Inputs)...)
		diags = append(diags, evalList(b.Outputs, ctx, &g.Spec.Outputs)...)
		if diags.HasErrors() {
			return diags
		}
		if g.Spec.Command == "" {
			return fmt.Errorf("generate %q: command is empty", b.Name)
		}
		g.Spec.Dir = l.abs(g.Spec.Dir)
		if g.Spec.Dir == "" {
			g.Spec.Dir = l.m.Dir
		}
		deps, err := l.references(b.Command, b.Args, b.Dir, b.Inputs, b.Outputs)
		if err != nil {
			return fmt.Errorf("generate %q: %w", b.Name, err)
		}
		g.Deps = merge(deps, b.DependsOn)
		l.m.Generators = append(l.m.Generators, g)
	}
	return nil
}

func evalString(expr hcl.Expression, ctx *hcl.EvalContext, dst *string) hcl.Diagnostics {
	val, diags := expr.Value(ctx)
	if diags.HasErrors() || val.IsNull() {
		return diags
	}
	return gohcl.DecodeExpression(expr, ctx, dst)
}

func evalBool(expr hcl.Expression, ctx *hcl.EvalContext, dst *bool) hcl.Diagnostics {
	val, diags := expr.Value(ctx)
	if diags.HasErrors() || val.IsNull() {
		return diags
	}
	return gohcl.DecodeExpression(expr, ctx, dst)
}

func evalList(expr hcl.Expression, ctx *hcl.EvalContext, dst *[]string) hcl.Diagnostics {
	val, diags := expr.Value(ctx)
	if diags.HasErrors() || val.IsNull() {
		return diags
	}
	return gohcl.DecodeExpression(expr, ctx, dst)
}

func merge(implicit, explicit []string) []string {
	seen := make(map[string]bool, len(implicit)+len(explicit))
	var out []string
	for _, list := range [][]string{implicit, explicit} {
		for _, d := range list {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	return out
}
