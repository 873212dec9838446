package cli

import (
	"context"
	"fmt"
	"io"

	"shaderkit/internal/cachekey"
	"shaderkit/internal/codegen"
	"shaderkit/internal/config"
	"shaderkit/internal/gitsrc"
	"shaderkit/internal/runner"
)

func runResolve(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 || len(args) > 4 {
		fmt.Fprintln(stderr, "Usage: shaderkit resolve <project> <version> [target] [optimize]")
		return 2
	}
	cfg, err := config.Load(config.Path(""))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	s, err := cfg.Settings()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	key := cachekey.Key{Project: args[0], Version: args[1], Target: s.Target, Optimize: s.Optimize}
	if len(args) > 2 {
		key.Target = args[2]
	}
	if len(args) > 3 {
		key.Optimize = args[3]
	}
	if err := key.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "path: %s\n", cachekey.Resolve(s.CacheRoot, key))
	fmt.Fprintf(stdout, "url:  %s\n", cachekey.URL(s.ArchiveTemplate(), key))
	return 0
}

func runProbe(ctx context.Context, stdout, stderr io.Writer) int {
	u := &ui{out: stdout, err: stderr}
	r := runner.NewExecutor(2)

	code := 0
	if err := gitsrc.CheckGit(ctx, r); err != nil {
		u.warnf("git: %v", err)
		code = 1
	} else {
		u.successf("git: available")
	}
	if py, ok := codegen.ProbePython(ctx, r); ok {
		u.successf("python: %s", py)
	} else {
		u.warnf("python: %v", codegen.ErrNoPython)
		code = 1
	}
	return code
}
