package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"shaderkit/internal/artifact"
)

// listing is a cache.Writer that records what an extraction would produce.
type listing struct {
	lines []string
}

func (l *listing) MkdirAll(name string) error {
	l.lines = append(l.lines, fmt.Sprintf("d %s/", name))
	return nil
}

func (l *listing) WriteFile(name string, r io.Reader, mode fs.FileMode) error {
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return err
	}
	l.lines = append(l.lines, fmt.Sprintf("f %s %s (%d bytes)", mode.Perm(), name, n))
	return nil
}

func (l *listing) Symlink(target, name string) error {
	l.lines = append(l.lines, fmt.Sprintf("l %s -> %s", name, target))
	return nil
}

// runInspect lists an archive as it would land in a cache entry, with the
// wrapper directory stripped, and reports any entry diagnostics.
func runInspect(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "Usage: shaderkit inspect <archive>")
		return 2
	}
	u := &ui{out: stdout, err: stderr}

	abs, err := filepath.Abs(args[0])
	if err != nil {
		u.errorf("%v", err)
		return 1
	}
	payload, err := (&artifact.FileFetcher{}).Fetch(ctx, "file://"+filepath.ToSlash(abs))
	if err != nil {
		u.errorf("%v", err)
		return 1
	}

	codec := artifact.DetectCodec(abs, payload)
	rc, err := artifact.Decompress(codec, bytes.NewReader(payload))
	if err != nil {
		u.errorf("%v", err)
		return 1
	}
	defer rc.Close()

	var l listing
	diags, err := artifact.Extract(rc, &l)
	u.successf("%s (%s, %d bytes)", args[0], codec, len(payload))
	for _, line := range l.lines {
		u.println("  " + line)
	}
	for _, d := range diags {
		u.errorf("%s", d)
	}
	if err != nil {
		u.errorf("%v", err)
		return 1
	}
	if len(diags) > 0 {
		return 1
	}
	return 0
}
