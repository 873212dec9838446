// Package artifact downloads versioned prebuilt archives and unpacks them
// into the artifact cache.
package artifact

import (
	"context"
	"fmt"

	"shaderkit/internal/cache"
	"shaderkit/internal/cachekey"
	"shaderkit/internal/ctxlog"
	"shaderkit/internal/step"
)

// Outcome reports what Ensure had to do.
type Outcome int

const (
	Hit        Outcome = iota // complete entry already cached
	Downloaded                // fetched and unpacked
	Raced                     // another caller populated it while we waited
)

func (o Outcome) String() string {
	switch o {
	case Hit:
		return "hit"
	case Downloaded:
		return "downloaded"
	case Raced:
		return "populated concurrently"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Downloader fills cache entries from archives located by URLTemplate.
type Downloader struct {
	Store   cache.Store
	Fetcher Fetcher
	// URLTemplate uses cachekey placeholders; empty means
	// cachekey.DefaultURLTemplate.
	URLTemplate string
}

// URL is where the archive for key is fetched from.
func (d *Downloader) URL(key cachekey.Key) string {
	tmpl := d.URLTemplate
	if tmpl == "" {
		tmpl = cachekey.DefaultURLTemplate
	}
	return cachekey.URL(tmpl, key)
}

// Ensure makes sure the complete entry for key is present. A hit performs no
// network access. Fetch and unpack failures are not retried.
func (d *Downloader) Ensure(ctx context.Context, key cachekey.Key) (Outcome, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}
	ok, err := d.Store.Exists(key)
	if err != nil {
		return 0, err
	}
	if ok {
		return Hit, nil
	}

	logger := ctxlog.FromContext(ctx)
	url := d.URL(key)
	filled, err := d.Store.Populate(ctx, key, func(ctx context.Context, w cache.Writer) error {
		logger.Info("Downloading artifact.", "key", key.String(), "url", url)
		payload, err := d.Fetcher.Fetch(ctx, url)
		if err != nil {
			return err
		}
		logger.Debug("Unpacking artifact.", "bytes", len(payload))
		return Unpack(url, payload, w)
	})
	if err != nil {
		return 0, err
	}
	if !filled {
		return Raced, nil
	}
	return Downloaded, nil
}

// Step wraps Ensure as a schedulable step.
type Step struct {
	ID   string
	Deps []string
	Key  cachekey.Key
	D    *Downloader
}

// NewStep returns a step named name that ensures key after deps.
func (d *Downloader) NewStep(name string, key cachekey.Key, deps ...string) *Step {
	return &Step{ID: name, Deps: deps, Key: key, D: d}
}

func (s *Step) Name() string           { return s.ID }
func (s *Step) Dependencies() []string { return s.Deps }

// Path is the directory consumers read the artifact from.
func (s *Step) Path() string { return s.D.Store.Path(s.Key) }

func (s *Step) Execute(ctx context.Context) error {
	outcome, err := s.D.Ensure(ctx, s.Key)
	if err != nil {
		return err
	}
	if outcome == Downloaded {
		return nil
	}
	return step.ErrCached
}
