// Package codegen runs external generators that turn declared inputs into
// declared outputs, typically headers consumed by later compile steps.
package codegen

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"lukechampine.com/blake3"

	"shaderkit/internal/ctxlog"
	"shaderkit/internal/lockmap"
	"shaderkit/internal/runner"
)

var (
	ErrMissingInput    = errors.New("generator input missing")
	ErrMissingOutput   = errors.New("generator output missing")
	ErrGeneratorFailed = errors.New("generator failed")
	// ErrNoPython is returned for a "python" generator when neither python3
	// nor python can be run.
	ErrNoPython = errors.New("no python interpreter found")
)

// PythonCommand is resolved to the probed interpreter.
const PythonCommand = "python"

// Spec describes one generator invocation. Relative input and output paths
// are resolved against Dir.
type Spec struct {
	Name    string
	Command string
	Args    []string
	Dir     string
	Inputs  []string
	Outputs []string
}

// GeneratorError is returned when the generator could not run or exited
// non-zero.
type GeneratorError struct {
	Name    string
	Command string
	Err     error
}

func (e *GeneratorError) Error() string {
	return fmt.Sprintf("generator %s (%s): %v", e.Name, e.Command, e.Err)
}

func (e *GeneratorError) Unwrap() []error {
	return []error{ErrGeneratorFailed, e.Err}
}

// Outcome reports what Run did.
type Outcome int

const (
	Generated Outcome = iota
	Unchanged         // outputs present and stamp matched
)

// Generator runs generator specs.
type Generator struct {
	Runner runner.Runner
	// StateDir holds input stamps and lock files. Empty means a directory
	// under os.TempDir.
	StateDir string
	// NoStamps always reruns generators.
	NoStamps bool

	pyOnce sync.Once
	python string
	pyErr  error

	initOnce sync.Once
	locks    *lockmap.Map
}

// New returns a Generator running commands through r.
func New(r runner.Runner, stateDir string) *Generator {
	return &Generator{Runner: r, StateDir: stateDir}
}

func (g *Generator) stateDir() string {
	if g.StateDir != "" {
		return g.StateDir
	}
	return filepath.Join(os.TempDir(), "shaderkit-codegen")
}

// Python returns the interpreter used for "python" generators, probing once.
func (g *Generator) Python(ctx context.Context) (string, error) {
	g.pyOnce.Do(func() {
		if py, ok := ProbePython(ctx, g.Runner); ok {
			g.python = py
		} else {
			g.pyErr = ErrNoPython
		}
	})
	return g.python, g.pyErr
}

// ProbePython reports the first of python3 and python that runs.
func ProbePython(ctx context.Context, r runner.Runner) (string, bool) {
	for _, name := range []string{"python3", "python"} {
		if runner.Probe(ctx, r, name, "--version") {
			return name, true
		}
	}
	return "", false
}

// Run executes spec unless its outputs are already up to date.
func (g *Generator) Run(ctx context.Context, spec Spec) (Outcome, error) {
	logger := ctxlog.FromContext(ctx).With("generator", spec.Name)
	g.initOnce.Do(func() { g.locks = lockmap.New() })

	inputs := resolve(spec.Dir, spec.Inputs)
	outputs := resolve(spec.Dir, spec.Outputs)
	for _, in := range inputs {
		if _, err := os.Stat(in); err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrMissingInput, in, err)
		}
	}

	id := resourceID(spec.Name, outputs)
	state := g.stateDir()
	release, err := g.locks.Guard(ctx, id, filepath.Join(state, id+".lock"))
	if err != nil {
		return 0, err
	}
	defer release()

	command := spec.Command
	if command == PythonCommand {
		if command, err = g.Python(ctx); err != nil {
			return 0, &GeneratorError{Name: spec.Name, Command: spec.Command, Err: err}
		}
	}

	stampPath := filepath.Join(state, id+".stamp")
	var digest string
	if !g.NoStamps {
		digest, err = stamp(spec, inputs)
		if err != nil {
			return 0, err
		}
		if upToDate(stampPath, digest, outputs) {
			logger.Debug("Generator inputs unchanged, skipping.")
			return Unchanged, nil
		}
		// A failed or interrupted run must not leave a matching stamp behind.
		if err := os.Remove(stampPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("failed to remove generator stamp %s: %w", stampPath, err)
		}
	}

	logger.Info("Running generator.", "command", command, "args", spec.Args)
	if _, err := g.Runner.Run(ctx, spec.Dir, command, spec.Args...); err != nil {
		if ctx.Err() != nil {
			return 0, err
		}
		return 0, &GeneratorError{Name: spec.Name, Command: command, Err: err}
	}

	for _, out := range outputs {
		if _, err := os.Stat(out); err != nil {
			return 0, fmt.Errorf("%w: %s", ErrMissingOutput, out)
		}
	}

	if !g.NoStamps {
		produced, err := hashFiles(outputs)
		if err == nil {
			err = os.WriteFile(stampPath, []byte(digest+"\n"+produced), 0o644)
		}
		if err != nil {
			logger.Warn("Failed to write generator stamp.", "path", stampPath, "err", err)
		}
	}
	return Generated, nil
}

func resolve(dir string, paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		if filepath.IsAbs(p) || dir == "" {
			out[i] = p
		} else {
			out[i] = filepath.Join(dir, p)
		}
	}
	return out
}

func allExist(paths []string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// resourceID names the lock and stamp for a generator by what it writes.
func resourceID(name string, outputs []string) string {
	h := blake3.New(32, nil)
	h.Write([]byte(name))
	for _, o := range outputs {
		h.Write([]byte{0})
		h.Write([]byte(o))
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// upToDate reports whether the stamp at stampPath records digest for the
// inputs and the outputs still hold what the recorded run produced.
func upToDate(stampPath, digest string, outputs []string) bool {
	if !allExist(outputs) {
		return false
	}
	prev, err := os.ReadFile(stampPath)
	if err != nil {
		return false
	}
	in, out, ok := strings.Cut(string(prev), "\n")
	if !ok || in != digest {
		return false
	}
	produced, err := hashFiles(outputs)
	return err == nil && produced == out
}

// stamp digests the command line and the contents of every input.
func stamp(spec Spec, inputs []string) (string, error) {
	h := blake3.New(32, nil)
	var hdr bytes.Buffer
	fmt.Fprintf(&hdr, "%s\x00%s\x00%s\x00", spec.Command, strings.Join(spec.Args, "\x00"), spec.Dir)
	h.Write(hdr.Bytes())
	if err := writeFiles(h, inputs); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMissingInput, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFiles(paths []string) (string, error) {
	h := blake3.New(32, nil)
	if err := writeFiles(h, paths); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeFiles(w io.Writer, paths []string) error {
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\x00", p)
		_, err = io.Copy(w, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", p, err)
		}
	}
	return nil
}
