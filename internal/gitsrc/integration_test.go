package gitsrc

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shaderkit/internal/runner"
)

func gitExecutor(t *testing.T) *runner.Executor {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	e := runner.NewExecutor(2)
	e.Env = []string{
		"GIT_AUTHOR_NAME=shaderkit", "GIT_AUTHOR_EMAIL=shaderkit@example.invalid",
		"GIT_COMMITTER_NAME=shaderkit", "GIT_COMMITTER_EMAIL=shaderkit@example.invalid",
		"GIT_CONFIG_NOSYSTEM=1", "GIT_CONFIG_GLOBAL=/dev/null", "GIT_TERMINAL_PROMPT=0",
	}
	return e
}

// upstream creates a local repository with two commits and returns its path
// and both commit hashes.
func upstream(t *testing.T, e *runner.Executor) (string, string, string) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	git := func(args ...string) string {
		res, err := e.Run(ctx, dir, "git", args...)
		require.NoError(t, err, "git %v", args)
		return strings.TrimSpace(string(res.Stdout))
	}

	git("init", "--quiet")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CHANGES.md"), []byte("# 14.0.0\n"), 0o644))
	git("add", "CHANGES.md")
	git("commit", "--quiet", "-m", "first")
	first := git("rev-parse", "HEAD")
	git("tag", "v14.0.0")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "CHANGES.md"), []byte("# 14.1.0\n"), 0o644))
	git("commit", "--quiet", "-am", "second")
	second := git("rev-parse", "HEAD")
	return dir, first, second
}

func TestEnsureAgainstRealRepository(t *testing.T) {
	e := gitExecutor(t)
	repo, first, second := upstream(t, e)
	ctx := context.Background()
	a := New(e)
	dest := filepath.Join(t.TempDir(), "libs", "glslang")

	outcome, err := a.Ensure(ctx, Spec{Name: "glslang", URL: repo, Revision: first, Dest: dest})
	require.NoError(t, err)
	assert.Equal(t, Cloned, outcome)
	data, err := os.ReadFile(filepath.Join(dest, "CHANGES.md"))
	require.NoError(t, err)
	assert.Equal(t, "# 14.0.0\n", string(data))

	outcome, err = a.Ensure(ctx, Spec{Name: "glslang", URL: repo, Revision: "v14.0.0", Dest: dest})
	require.NoError(t, err)
	assert.Equal(t, UpToDate, outcome, "tag resolves locally to the checked-out commit")

	outcome, err = a.Ensure(ctx, Spec{Name: "glslang", URL: repo, Revision: second, Dest: dest})
	require.NoError(t, err)
	assert.Equal(t, Updated, outcome)
	data, err = os.ReadFile(filepath.Join(dest, "CHANGES.md"))
	require.NoError(t, err)
	assert.Equal(t, "# 14.1.0\n", string(data))

	_, err = a.Ensure(ctx, Spec{Name: "glslang", URL: repo, Revision: strings.Repeat("f", 40), Dest: dest})
	assert.ErrorIs(t, err, ErrCheckoutFailed)
}

func TestEnsurePullsAfterPinnedCheckout(t *testing.T) {
	e := gitExecutor(t)
	repo, first, second := upstream(t, e)
	ctx := context.Background()
	a := New(e)
	dest := filepath.Join(t.TempDir(), "headers")

	_, err := a.Ensure(ctx, Spec{Name: "headers", URL: repo, Revision: first, Dest: dest})
	require.NoError(t, err)

	outcome, err := a.Ensure(ctx, Spec{Name: "headers", URL: repo, Dest: dest})
	require.NoError(t, err, "a detached checkout can switch to tracking the default branch")
	assert.Equal(t, Pulled, outcome)

	res, err := e.Run(ctx, dest, "git", "rev-parse", "HEAD")
	require.NoError(t, err)
	assert.Equal(t, second, strings.TrimSpace(string(res.Stdout)))
	data, err := os.ReadFile(filepath.Join(dest, "CHANGES.md"))
	require.NoError(t, err)
	assert.Equal(t, "# 14.1.0\n", string(data))
}
