package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"shaderkit/internal/artifact"
	"shaderkit/internal/cache"
	"shaderkit/internal/codegen"
	"shaderkit/internal/config"
	"shaderkit/internal/ctxlog"
	"shaderkit/internal/gitsrc"
	"shaderkit/internal/manifest"
	"shaderkit/internal/runner"
	"shaderkit/internal/scheduler"
	"shaderkit/internal/step"
)

// session is everything a graph-based command needs.
type session struct {
	ui       *ui
	cfg      *config.Config
	settings *config.Settings
	exec     *runner.Executor
	manifest *manifest.Manifest
	builders manifest.Builders
}

type graphFlags struct {
	file     string
	jobs     int
	target   string
	optimize string
	config   string
}

func (f *graphFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.file, "f", manifest.DefaultFile, "Build manifest")
	fs.StringVar(&f.config, "config", "", "Config file (default $SHADERKIT_CONFIG or "+config.DefaultPath+")")
	fs.StringVar(&f.target, "target", "", "Target triple for artifacts")
	fs.StringVar(&f.optimize, "optimize", "", "Optimize mode for artifacts")
}

// newSession loads configuration and the manifest and wires the step
// builders. The returned context carries the session logger.
func newSession(ctx context.Context, f *graphFlags, stdout, stderr io.Writer) (context.Context, *session, error) {
	cfg, err := config.Load(config.Path(f.config))
	if err != nil {
		return ctx, nil, err
	}
	s, err := cfg.Settings()
	if err != nil {
		return ctx, nil, err
	}
	if f.jobs > 0 {
		s.Jobs = f.jobs
	}
	if f.target != "" {
		s.Target = f.target
	}
	if f.optimize != "" {
		s.Optimize = f.optimize
	}

	logger := ctxlog.New(s.LogLevel, s.LogFormat, stderr)
	ctx = ctxlog.WithLogger(ctx, logger)
	out := &ui{out: stdout, err: stderr, debug: s.Debug}
	out.debugf("config: cache=%s target=%s optimize=%s jobs=%d io-jobs=%d\n",
		s.CacheRoot, s.Target, s.Optimize, s.Jobs, s.IOJobs)

	m, err := manifest.Load(ctx, f.file, manifest.Vars{
		Target:    s.Target,
		Optimize:  s.Optimize,
		CacheRoot: s.CacheRoot,
	})
	if err != nil {
		return ctx, nil, err
	}

	exec := runner.NewExecutor(s.IOJobs)
	if s.Debug {
		exec.Echo = stderr
	}

	git := gitsrc.New(exec)
	git.Disabled = s.NoGit
	offline := gitsrc.New(exec)
	offline.Disabled = true

	var progress io.Writer
	if file, ok := stderr.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		progress = stderr
	}
	router := artifact.NewRouter(artifact.NewHTTPClient(), s.MaxArchiveBytes, progress, artifact.S3Options{
		Endpoint:  s.S3Endpoint,
		Region:    s.S3Region,
		AccessKey: s.S3AccessKey,
		SecretKey: s.S3SecretKey,
		Debug:     s.Debug,
	})

	gen := codegen.New(exec, filepath.Join(s.CacheRoot, "codegen"))
	gen.NoStamps = s.NoStamps

	return ctx, &session{
		ui:       out,
		cfg:      cfg,
		settings: s,
		exec:     exec,
		manifest: m,
		builders: manifest.Builders{
			Git:         git,
			Offline:     offline,
			GitDisabled: cfg.GitDisabled,
			Downloader: &artifact.Downloader{
				Store:       cache.NewDirStore(s.CacheRoot),
				Fetcher:     router,
				URLTemplate: s.ArchiveTemplate(),
			},
			Generator: gen,
		},
	}, nil
}

// graph builds the step graph, narrowed to targets when any are given.
func (s *session) graph(targets []string) (*scheduler.Graph, error) {
	g, err := s.manifest.Graph(s.builders)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return g, nil
	}
	names := make([]string, 0, len(targets))
	for _, t := range targets {
		n, err := s.manifest.Lookup(t)
		if err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return g.Subgraph(names...)
}

// preflight checks the external tools the graph needs before anything runs.
func (s *session) preflight(ctx context.Context, g *scheduler.Graph) error {
	var needGit, needPython bool
	for _, name := range g.Names() {
		st, _ := g.Step(name)
		switch st := st.(type) {
		case *gitsrc.Step:
			needGit = needGit || !st.Acq.Disabled
		case *codegen.Step:
			needPython = needPython || st.Spec.Command == codegen.PythonCommand
		}
	}

	eg, egctx := errgroup.WithContext(ctx)
	if needGit {
		eg.Go(func() error { return gitsrc.CheckGit(egctx, s.exec) })
	}
	if needPython {
		eg.Go(func() error {
			py, err := s.builders.Generator.Python(egctx)
			if err == nil {
				s.ui.debugf("python interpreter: %s\n", py)
			}
			return err
		})
	}
	return eg.Wait()
}

func runBuild(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var f graphFlags
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	fs.SetOutput(stderr)
	f.register(fs)
	fs.IntVar(&f.jobs, "j", 0, "Concurrent steps (default: number of CPUs)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, sess, err := newSession(ctx, &f, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	g, err := sess.graph(fs.Args())
	if err != nil {
		sess.ui.errorf("Invalid build graph: %v", err)
		return 1
	}
	if err := sess.preflight(ctx, g); err != nil {
		sess.ui.errorf("Required tool unavailable: %v", err)
		return 1
	}

	sess.ui.successf("Building %d steps with %d jobs", g.Len(), sess.settings.Jobs)
	sched := &scheduler.Scheduler{
		Jobs:    sess.settings.Jobs,
		OnStart: func(name string) { sess.ui.infof("%s", name) },
		OnFinish: func(name string, res scheduler.Result) {
			if res.State == step.Failed {
				sess.ui.errorf("%s failed: %v", name, res.Err)
			}
		},
	}
	report, err := sched.Run(ctx, g)
	printSummary(sess.ui, report)
	if err != nil {
		var se *step.Error
		if errors.As(err, &se) {
			sess.ui.errorf("Build failed in %s: %v", se.Step, se.Err)
		} else {
			sess.ui.errorf("Build aborted: %v", err)
		}
		return 1
	}
	sess.ui.successf("Build finished")
	return 0
}

// printSummary lists every step with its final state and duration.
func printSummary(u *ui, report *scheduler.Report) {
	if report == nil {
		return
	}
	width := 0
	for _, name := range report.Order {
		width = max(width, len(name))
	}
	u.println()
	for _, name := range report.Order {
		res := report.Results[name]
		dur := ""
		if res.State != step.Skipped {
			dur = res.Duration.Round(time.Millisecond).String()
		}
		u.printf("  %-*s  %-10s %s\n", width, name, res.State, dur)
	}
	u.printf("  %d succeeded, %d cached, %d failed, %d skipped\n",
		report.Count(step.Succeeded), report.Count(step.Cached),
		report.Count(step.Failed), report.Count(step.Skipped))
}

func runGraph(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var f graphFlags
	fs := flag.NewFlagSet("graph", flag.ContinueOnError)
	fs.SetOutput(stderr)
	f.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	_, sess, err := newSession(ctx, &f, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	g, err := sess.graph(fs.Args())
	if err != nil {
		sess.ui.errorf("Invalid build graph: %v", err)
		return 1
	}
	for _, name := range g.Order() {
		deps := g.Dependencies(name)
		if len(deps) == 0 {
			sess.ui.println(name)
			continue
		}
		sess.ui.printf("%s <- %s\n", name, strings.Join(deps, ", "))
	}
	return 0
}
