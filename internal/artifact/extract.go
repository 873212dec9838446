package artifact

import (
	"archive/tar"
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"

	"shaderkit/internal/cache"
)

// Codec names a tarball compression format.
type Codec string

const (
	None  Codec = "tar"
	Gzip  Codec = "gzip"
	Zstd  Codec = "zstd"
	XZ    Codec = "xz"
	Bzip2 Codec = "bzip2"
)

var magic = []struct {
	codec  Codec
	prefix []byte
}{
	{Gzip, []byte{0x1f, 0x8b}},
	{Zstd, []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{XZ, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}},
	{Bzip2, []byte("BZh")},
}

// DetectCodec picks the codec from the archive name, falling back to the
// payload's magic bytes for names without a known suffix.
func DetectCodec(name string, payload []byte) Codec {
	name = strings.ToLower(name)
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return Gzip
	case strings.HasSuffix(name, ".tar.zst"), strings.HasSuffix(name, ".tzst"):
		return Zstd
	case strings.HasSuffix(name, ".tar.xz"), strings.HasSuffix(name, ".txz"):
		return XZ
	case strings.HasSuffix(name, ".tar.bz2"), strings.HasSuffix(name, ".tbz2"):
		return Bzip2
	case strings.HasSuffix(name, ".tar"):
		return None
	}
	for _, m := range magic {
		if bytes.HasPrefix(payload, m.prefix) {
			return m.codec
		}
	}
	return None
}

// Decompress wraps r in a streaming decoder for codec.
func Decompress(codec Codec, r io.Reader) (io.ReadCloser, error) {
	switch codec {
	case Gzip:
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return gz, nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		return zr.IOReadCloser(), nil
	case XZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create xz reader: %w", err)
		}
		return io.NopCloser(xr), nil
	case Bzip2:
		return io.NopCloser(bzip2.NewReader(r)), nil
	case None:
		return io.NopCloser(r), nil
	}
	return nil, fmt.Errorf("unsupported archive codec %q", codec)
}

// Extract unpacks the tar stream r through w, stripping the top-level
// directory that wraps the archive contents.
//
// The wrapper is the first path component of the first entry of any type;
// an archive whose first entry is a top-level file has no wrapper and is
// extracted as-is. Once a wrapper is found, entries outside it are reported
// as OutsidePrefix instead of being written next to the stripped tree.
//
// Per-entry problems are collected and extraction carries on with the next
// entry; the returned error is reserved for a broken stream. Directory mode
// bits from the archive are ignored, and file modes are reduced to 0644 or
// 0755 depending on the executable bit.
func Extract(r io.Reader, w cache.Writer) (Diagnostics, error) {
	tr := tar.NewReader(r)
	var diags Diagnostics
	var prefix string
	prefixSet := false

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, tar.ErrInsecurePath) && hdr != nil {
			diags = append(diags, Diagnostic{Kind: UnsafePath, Path: hdr.Name, Err: err})
			continue
		}
		if err != nil {
			return diags, fmt.Errorf("error reading tar header: %w", err)
		}

		if hdr.Typeflag == tar.TypeXGlobalHeader || hdr.Typeflag == tar.TypeXHeader {
			continue
		}

		name := strings.TrimPrefix(hdr.Name, "./")
		if name == "" || name == "." {
			continue
		}
		if !prefixSet {
			prefixSet = true
			if i := strings.IndexByte(name, '/'); i != -1 {
				prefix = name[:i+1]
			} else if hdr.Typeflag == tar.TypeDir {
				prefix = name + "/"
			}
		}
		if prefix != "" {
			if name+"/" == prefix || name == prefix {
				continue
			}
			if !strings.HasPrefix(name, prefix) {
				diags = append(diags, Diagnostic{
					Kind: OutsidePrefix,
					Path: hdr.Name,
					Err:  fmt.Errorf("entry is not under %q", prefix),
				})
				continue
			}
			name = strings.TrimPrefix(name, prefix)
		}
		name = strings.TrimSuffix(name, "/")
		if name == "" {
			continue
		}
		if p := path.Clean(name); p == ".." || strings.HasPrefix(p, "../") || path.IsAbs(name) {
			diags = append(diags, Diagnostic{Kind: UnsafePath, Path: hdr.Name, Err: cache.ErrUnsafePath})
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := w.MkdirAll(name); err != nil {
				diags = append(diags, Diagnostic{Kind: CreateFailed, Path: name, Err: err})
			}
		case tar.TypeReg:
			mode := fs.FileMode(0o644)
			if hdr.Mode&0o111 != 0 {
				mode = 0o755
			}
			if err := w.WriteFile(name, tr, mode); err != nil {
				diags = append(diags, classify(name, err, CreateFailed))
			}
		case tar.TypeSymlink:
			if err := w.Symlink(hdr.Linkname, name); err != nil {
				diags = append(diags, classify(name, err, SymlinkFailed))
			}
		default:
			diags = append(diags, Diagnostic{
				Kind: UnsupportedEntry,
				Path: name,
				Err:  fmt.Errorf("tar entry type %q", hdr.Typeflag),
			})
		}
	}
	return diags, nil
}

func classify(name string, err error, fallback DiagnosticKind) Diagnostic {
	if errors.Is(err, cache.ErrUnsafePath) {
		return Diagnostic{Kind: UnsafePath, Path: name, Err: err}
	}
	return Diagnostic{Kind: fallback, Path: name, Err: err}
}

// Unpack decompresses payload (codec chosen from name) and extracts it
// through w. Any diagnostic turns into an *UnpackError.
func Unpack(name string, payload []byte, w cache.Writer) error {
	rc, err := Decompress(DetectCodec(name, payload), bytes.NewReader(payload))
	if err != nil {
		return &UnpackError{URL: name, Err: err}
	}
	defer rc.Close()

	diags, err := Extract(rc, w)
	if err != nil || len(diags) > 0 {
		return &UnpackError{URL: name, Err: err, Diagnostics: diags}
	}
	return nil
}
