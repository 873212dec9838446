// Package gitsrc keeps pinned git dependencies checked out on disk.
package gitsrc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"shaderkit/internal/ctxlog"
	"shaderkit/internal/lockmap"
	"shaderkit/internal/runner"
)

var (
	ErrGitUnavailable = errors.New("git is not installed")
	ErrCloneFailed    = errors.New("clone failed")
	ErrCheckoutFailed = errors.New("checkout failed")
	// ErrSourceMissing is returned when git acquisition is disabled and the
	// destination was not staged beforehand.
	ErrSourceMissing = errors.New("source directory missing and git acquisition is disabled")
)

// Spec pins one repository to a revision at a destination directory.
type Spec struct {
	Name     string
	URL      string
	Revision string // commit or tag; "" tracks the remote default branch
	Dest     string
	Shallow  bool // fetch only the pinned revision
}

// CheckoutError reports a failure to bring Dest to Revision.
type CheckoutError struct {
	Dest     string
	Revision string
	Err      error
}

func (e *CheckoutError) Error() string {
	rev := e.Revision
	if rev == "" {
		rev = "remote HEAD"
	}
	return fmt.Sprintf("checkout of %s in %s failed: %v", rev, e.Dest, e.Err)
}

func (e *CheckoutError) Unwrap() []error { return []error{ErrCheckoutFailed, e.Err} }

// Outcome tells what Ensure had to do.
type Outcome int

const (
	UpToDate  Outcome = iota // already at the pinned revision, nothing touched
	PreStaged                // acquisition disabled, existing directory accepted
	Cloned
	Updated
	Pulled
)

func (o Outcome) String() string {
	switch o {
	case UpToDate:
		return "up to date"
	case PreStaged:
		return "pre-staged"
	case Cloned:
		return "cloned"
	case Updated:
		return "updated"
	case Pulled:
		return "pulled"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Acquirer clones and updates repositories through a Runner.
type Acquirer struct {
	Runner runner.Runner
	// Git is the executable name; empty means "git".
	Git string
	// Disabled turns acquisition off: existing destinations are trusted and
	// missing ones are an error.
	Disabled bool

	once  sync.Once
	locks *lockmap.Map
}

// New returns an Acquirer using r for every git invocation.
func New(r runner.Runner) *Acquirer {
	return &Acquirer{Runner: r, locks: lockmap.New()}
}

// CheckGit verifies that git can be executed at all.
func CheckGit(ctx context.Context, r runner.Runner) error {
	if _, err := r.Run(ctx, "", "git", "--version"); err != nil {
		if errors.Is(err, runner.ErrCommandNotFound) {
			return ErrGitUnavailable
		}
		return fmt.Errorf("%w: %v", ErrGitUnavailable, err)
	}
	return nil
}

func (a *Acquirer) git(ctx context.Context, dir string, args ...string) (string, error) {
	name := a.Git
	if name == "" {
		name = "git"
	}
	res, err := a.Runner.Run(ctx, dir, name, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// Ensure guarantees spec.Dest holds a working copy at spec.Revision,
// including initialized submodules.
func (a *Acquirer) Ensure(ctx context.Context, spec Spec) (Outcome, error) {
	if spec.Dest == "" {
		return 0, fmt.Errorf("dependency %s: empty destination", spec.Name)
	}
	dest, err := filepath.Abs(spec.Dest)
	if err != nil {
		return 0, err
	}
	logger := ctxlog.FromContext(ctx).With("dependency", spec.Name, "dest", dest)

	a.once.Do(func() {
		if a.locks == nil {
			a.locks = lockmap.New()
		}
	})
	release, err := a.locks.Guard(ctx, dest, dest+".lock")
	if err != nil {
		return 0, err
	}
	defer release()

	_, statErr := os.Stat(dest)
	exists := statErr == nil
	if statErr != nil && !os.IsNotExist(statErr) {
		return 0, fmt.Errorf("failed to stat %s: %w", dest, statErr)
	}

	if a.Disabled {
		if !exists {
			return 0, fmt.Errorf("%w: %s", ErrSourceMissing, dest)
		}
		logger.Debug("Git acquisition disabled, using pre-staged sources.")
		return PreStaged, nil
	}

	if !exists {
		logger.Info("Cloning repository.", "url", spec.URL, "revision", spec.Revision)
		if err := a.clone(ctx, spec, dest); err != nil {
			return 0, err
		}
		return Cloned, nil
	}

	if _, err := os.Stat(filepath.Join(dest, ".git")); err != nil {
		return 0, &CheckoutError{Dest: dest, Revision: spec.Revision, Err: errors.New("not a git working copy")}
	}

	if spec.Revision == "" {
		logger.Info("Tracking remote default branch, pulling.")
		if err := a.pull(ctx, dest); err != nil {
			return 0, &CheckoutError{Dest: dest, Err: err}
		}
		return Pulled, nil
	}

	head, err := a.git(ctx, dest, "rev-parse", "HEAD")
	if err != nil {
		return 0, &CheckoutError{Dest: dest, Revision: spec.Revision, Err: err}
	}
	if a.atRevision(ctx, dest, head, spec.Revision) {
		logger.Debug("Already at pinned revision.", "head", head)
		return UpToDate, nil
	}

	logger.Info("Updating repository.", "from", head, "to", spec.Revision)
	if err := a.update(ctx, spec, dest); err != nil {
		return 0, err
	}
	return Updated, nil
}

// atRevision compares HEAD with the pinned revision using local data only.
func (a *Acquirer) atRevision(ctx context.Context, dir, head, rev string) bool {
	if head == rev {
		return true
	}
	if len(rev) >= 7 && isHex(rev) && strings.HasPrefix(head, strings.ToLower(rev)) {
		return true
	}
	if isHex(rev) && len(rev) == 40 {
		return false
	}
	// Tags and other symbolic names: resolve against the local object store.
	resolved, err := a.git(ctx, dir, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	return err == nil && resolved == head
}

func (a *Acquirer) clone(ctx context.Context, spec Spec, dest string) error {
	staging := dest + ".partial"
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("failed to remove stale staging directory %s: %w", staging, err)
	}
	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", parent, err)
	}

	fail := func(err error) error {
		return fmt.Errorf("%w: %s: %w", ErrCloneFailed, spec.URL, err)
	}
	checkoutFail := func(err error) error {
		return &CheckoutError{Dest: dest, Revision: spec.Revision, Err: err}
	}

	switch {
	case spec.Revision == "":
		args := []string{"clone", "--recurse-submodules"}
		if spec.Shallow {
			args = append(args, "--depth", "1", "--shallow-submodules")
		}
		if _, err := a.git(ctx, parent, append(args, spec.URL, staging)...); err != nil {
			return fail(err)
		}

	case spec.Shallow:
		if _, err := a.git(ctx, parent, "init", "--quiet", staging); err != nil {
			return fail(err)
		}
		if _, err := a.git(ctx, staging, "remote", "add", "origin", spec.URL); err != nil {
			return fail(err)
		}
		if _, err := a.git(ctx, staging, "fetch", "--depth", "1", "origin", spec.Revision); err != nil {
			return checkoutFail(err)
		}
		if err := a.checkout(ctx, staging, "FETCH_HEAD"); err != nil {
			return checkoutFail(err)
		}

	default:
		if _, err := a.git(ctx, parent, "clone", "--no-checkout", spec.URL, staging); err != nil {
			return fail(err)
		}
		if err := a.checkout(ctx, staging, spec.Revision); err != nil {
			return checkoutFail(err)
		}
	}

	if spec.Revision != "" {
		if err := a.submodules(ctx, staging); err != nil {
			return checkoutFail(err)
		}
		if err := a.verify(ctx, staging, spec); err != nil {
			return checkoutFail(err)
		}
	}

	if err := os.Rename(staging, dest); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", staging, err)
	}
	return nil
}

func (a *Acquirer) update(ctx context.Context, spec Spec, dest string) error {
	fail := func(err error) error {
		return &CheckoutError{Dest: dest, Revision: spec.Revision, Err: err}
	}

	target := spec.Revision
	if spec.Shallow {
		if _, err := a.git(ctx, dest, "fetch", "--depth", "1", "origin", spec.Revision); err != nil {
			return fail(err)
		}
		target = "FETCH_HEAD"
	} else if _, err := a.git(ctx, dest, "fetch", "--tags", "origin"); err != nil {
		return fail(err)
	}

	if err := a.checkout(ctx, dest, target); err != nil {
		return fail(err)
	}
	if err := a.submodules(ctx, dest); err != nil {
		return fail(err)
	}
	if err := a.verify(ctx, dest, spec); err != nil {
		return fail(err)
	}
	return nil
}

func (a *Acquirer) pull(ctx context.Context, dest string) error {
	if _, err := a.git(ctx, dest, "fetch", "origin"); err != nil {
		return err
	}
	if _, err := a.git(ctx, dest, "symbolic-ref", "--quiet", "HEAD"); err != nil {
		// Detached by an earlier pinned checkout.
		if err := a.attachDefaultBranch(ctx, dest); err != nil {
			return err
		}
	}
	if _, err := a.git(ctx, dest, "pull", "--ff-only"); err != nil {
		return err
	}
	return a.submodules(ctx, dest)
}

// attachDefaultBranch puts dir back on a local branch tracking the remote
// default branch, so that a plain pull has something to merge into.
func (a *Acquirer) attachDefaultBranch(ctx context.Context, dir string) error {
	ref, err := a.git(ctx, dir, "rev-parse", "--abbrev-ref", "origin/HEAD")
	if err != nil {
		if _, err := a.git(ctx, dir, "remote", "set-head", "origin", "--auto"); err != nil {
			return err
		}
		if ref, err = a.git(ctx, dir, "rev-parse", "--abbrev-ref", "origin/HEAD"); err != nil {
			return err
		}
	}
	branch := strings.TrimPrefix(ref, "origin/")
	_, err = a.git(ctx, dir, "checkout", "--force", "-B", branch, "--track", ref)
	return err
}

func (a *Acquirer) checkout(ctx context.Context, dir, rev string) error {
	_, err := a.git(ctx, dir, "-c", "advice.detachedHead=false", "checkout", "--force", rev)
	return err
}

func (a *Acquirer) submodules(ctx context.Context, dir string) error {
	_, err := a.git(ctx, dir, "submodule", "update", "--init", "--recursive")
	return err
}

// verify checks that HEAD ended up at the pinned revision.
func (a *Acquirer) verify(ctx context.Context, dir string, spec Spec) error {
	head, err := a.git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return err
	}
	if a.atRevision(ctx, dir, head, spec.Revision) {
		return nil
	}
	if spec.Shallow {
		// A shallow fetch of a tag leaves no local tag ref; FETCH_HEAD is the proof.
		if fetched, err := a.git(ctx, dir, "rev-parse", "--verify", "--quiet", "FETCH_HEAD^{commit}"); err == nil && fetched == head {
			return nil
		}
	}
	return fmt.Errorf("HEAD is %s after checkout", head)
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
