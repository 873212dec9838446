package artifact

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"shaderkit/internal/cache"
	"shaderkit/internal/cachekey"
	"shaderkit/internal/step"
)

var dxc = cachekey.Key{
	Project:  "dxcompiler",
	Version:  "2024.03.09+d19dd6d.1",
	Target:   "x86_64-linux-gnu",
	Optimize: "Debug",
}

const dxcPath = "/dxcompiler/2024.03.09+d19dd6d.1/x86_64-linux-gnu_Debug_lib.tar.gz"

type entry struct {
	name     string
	typeflag byte
	body     string
	mode     int64
	link     string
}

func buildTar(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		mode := e.mode
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Mode:     mode,
			Linkname: e.link,
		}
		if e.typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func gzipped(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := pgzip.NewWriter(&buf)
	_, err := zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func libTarball(t *testing.T) []byte {
	return gzipped(t, buildTar(t,
		entry{name: "pkg/", typeflag: tar.TypeDir, mode: 0o700},
		entry{name: "pkg/lib.a", typeflag: tar.TypeReg, body: "!<arch>\n"},
		entry{name: "pkg/include/", typeflag: tar.TypeDir},
		entry{name: "pkg/include/dxc/", typeflag: tar.TypeDir},
		entry{name: "pkg/bin/dxc", typeflag: tar.TypeReg, body: "#!/bin/sh\n", mode: 0o700},
		entry{name: "pkg/lib/libdxcompiler.so", typeflag: tar.TypeSymlink, link: "../lib.a"},
	))
}

// server serves payload at dxcPath, or 404 while payload is nil.
func server(t *testing.T, payload *atomic.Pointer[[]byte], hits *atomic.Int32) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		p := payload.Load()
		if r.URL.Path != dxcPath || p == nil {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(*p)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDxcompilerFetchFailsThenSucceeds(t *testing.T) {
	var payload atomic.Pointer[[]byte]
	var hits atomic.Int32
	srv := server(t, &payload, &hits)

	store := cache.NewDirStore(t.TempDir())
	d := &Downloader{
		Store:       store,
		Fetcher:     &HTTPFetcher{Client: srv.Client()},
		URLTemplate: srv.URL + "/{project}/{version}/{target}_{optimize}_lib.tar.gz",
	}

	_, err := d.Ensure(context.Background(), dxc)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetchFailed)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	assert.Equal(t, srv.URL+dxcPath, fe.URL)

	ok, err := store.Exists(dxc)
	require.NoError(t, err)
	assert.False(t, ok, "failed fetch must not leave a complete entry")

	tarball := libTarball(t)
	payload.Store(&tarball)

	outcome, err := d.Ensure(context.Background(), dxc)
	require.NoError(t, err)
	assert.Equal(t, Downloaded, outcome)

	root := store.Path(dxc)
	data, err := os.ReadFile(filepath.Join(root, "lib.a"))
	require.NoError(t, err)
	assert.Equal(t, "!<arch>\n", string(data))
	assert.NoDirExists(t, filepath.Join(root, "pkg"))
	assert.DirExists(t, filepath.Join(root, "include", "dxc"))

	info, err := os.Stat(filepath.Join(root, "bin", "dxc"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	link, err := os.Readlink(filepath.Join(root, "lib", "libdxcompiler.so"))
	require.NoError(t, err)
	assert.Equal(t, "../lib.a", link)

	before := hits.Load()
	outcome, err = d.Ensure(context.Background(), dxc)
	require.NoError(t, err)
	assert.Equal(t, Hit, outcome)
	assert.Equal(t, before, hits.Load(), "cache hit must not touch the network")
}

func TestUnsupportedEntryFailsButKeepsOtherFiles(t *testing.T) {
	tarball := gzipped(t, buildTar(t,
		entry{name: "pkg/", typeflag: tar.TypeDir},
		entry{name: "pkg/lib.a", typeflag: tar.TypeReg, body: "lib"},
		entry{name: "pkg/pipe", typeflag: tar.TypeFifo},
		entry{name: "pkg/after.h", typeflag: tar.TypeReg, body: "hdr"},
	))
	store := cache.NewMemStore()
	d := &Downloader{Store: store, Fetcher: staticFetcher(tarball), URLTemplate: "https://example.invalid/{project}.tar.gz"}

	_, err := d.Ensure(context.Background(), dxc)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnpackFailed)

	var ue *UnpackError
	require.ErrorAs(t, err, &ue)
	require.Len(t, ue.Diagnostics, 1)
	assert.Equal(t, UnsupportedEntry, ue.Diagnostics[0].Kind)
	assert.Equal(t, "pipe", ue.Diagnostics[0].Path)
	assert.Contains(t, err.Error(), "pipe")

	e := store.Entry(dxc)
	require.NotNil(t, e)
	assert.False(t, e.Complete)
	assert.Equal(t, "lib", string(e.Files["lib.a"]))
	assert.Equal(t, "hdr", string(e.Files["after.h"]))
}

func TestUnsafeEntryIsDiagnosed(t *testing.T) {
	raw := buildTar(t,
		entry{name: "pkg/", typeflag: tar.TypeDir},
		entry{name: "pkg/../../escape", typeflag: tar.TypeReg, body: "x"},
		entry{name: "pkg/ok", typeflag: tar.TypeReg, body: "y"},
	)
	store := cache.NewMemStore()
	_, err := store.Populate(context.Background(), dxc, func(_ context.Context, w cache.Writer) error {
		return Unpack("a.tar", raw, w)
	})
	var ue *UnpackError
	require.ErrorAs(t, err, &ue)
	require.Len(t, ue.Diagnostics, 1)
	assert.Equal(t, UnsafePath, ue.Diagnostics[0].Kind)
	assert.Equal(t, "y", string(store.Entry(dxc).Files["ok"]))
}

func TestCorruptPayload(t *testing.T) {
	store := cache.NewMemStore()
	d := &Downloader{Store: store, Fetcher: staticFetcher([]byte("not a tarball at all")), URLTemplate: "https://x/{project}.tar.gz"}

	_, err := d.Ensure(context.Background(), dxc)
	assert.ErrorIs(t, err, ErrUnpackFailed)
	ok, _ := store.Exists(dxc)
	assert.False(t, ok)
}

func TestCodecs(t *testing.T) {
	raw := buildTar(t,
		entry{name: "top/", typeflag: tar.TypeDir},
		entry{name: "top/lib.a", typeflag: tar.TypeReg, body: "lib"},
	)

	var zbuf bytes.Buffer
	zw, err := zstd.NewWriter(&zbuf)
	require.NoError(t, err)
	_, err = zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var xbuf bytes.Buffer
	xw, err := xz.NewWriter(&xbuf)
	require.NoError(t, err)
	_, err = xw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, xw.Close())

	cases := []struct {
		name    string
		payload []byte
		codec   Codec
	}{
		{"lib.tar.gz", gzipped(t, raw), Gzip},
		{"lib.tgz", gzipped(t, raw), Gzip},
		{"lib.tar.zst", zbuf.Bytes(), Zstd},
		{"lib.tar.xz", xbuf.Bytes(), XZ},
		{"lib.tar", raw, None},
		{"s3-object-without-suffix", zbuf.Bytes(), Zstd},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.codec, DetectCodec(tc.name, tc.payload))

			store := cache.NewMemStore()
			_, err := store.Populate(context.Background(), dxc, func(_ context.Context, w cache.Writer) error {
				return Unpack(tc.name, tc.payload, w)
			})
			require.NoError(t, err)
			assert.Equal(t, "lib", string(store.Entry(dxc).Files["lib.a"]))
		})
	}
}

func TestArchiveWithoutWrapper(t *testing.T) {
	raw := buildTar(t,
		entry{name: "lib.a", typeflag: tar.TypeReg, body: "lib"},
		entry{name: "include/", typeflag: tar.TypeDir},
	)
	store := cache.NewMemStore()
	_, err := store.Populate(context.Background(), dxc, func(_ context.Context, w cache.Writer) error {
		return Unpack("x.tar", raw, w)
	})
	require.NoError(t, err)
	e := store.Entry(dxc)
	assert.Equal(t, "lib", string(e.Files["lib.a"]))
	assert.True(t, e.Dirs["include"])
}

func TestWrapperStrippedWhenSymlinkComesFirst(t *testing.T) {
	raw := buildTar(t,
		entry{name: "pkg/liblink.so", typeflag: tar.TypeSymlink, link: "lib.a"},
		entry{name: "pkg/lib.a", typeflag: tar.TypeReg, body: "lib"},
	)
	store := cache.NewMemStore()
	_, err := store.Populate(context.Background(), dxc, func(_ context.Context, w cache.Writer) error {
		return Unpack("x.tar", raw, w)
	})
	require.NoError(t, err)
	e := store.Entry(dxc)
	assert.Equal(t, "lib.a", e.Links["liblink.so"])
	assert.NotContains(t, e.Links, "pkg/liblink.so")
	assert.Equal(t, "lib", string(e.Files["lib.a"]))
}

func TestEntryOutsideWrapperIsDiagnosed(t *testing.T) {
	raw := buildTar(t,
		entry{name: "pkg/lib.a", typeflag: tar.TypeReg, body: "lib"},
		entry{name: "other/x", typeflag: tar.TypeReg, body: "x"},
	)
	store := cache.NewMemStore()
	_, err := store.Populate(context.Background(), dxc, func(_ context.Context, w cache.Writer) error {
		return Unpack("x.tar", raw, w)
	})
	var ue *UnpackError
	require.ErrorAs(t, err, &ue)
	require.Len(t, ue.Diagnostics, 1)
	assert.Equal(t, OutsidePrefix, ue.Diagnostics[0].Kind)
	assert.Equal(t, "other/x", ue.Diagnostics[0].Path)
	assert.Equal(t, "outside archive root", OutsidePrefix.String())

	e := store.Entry(dxc)
	assert.Equal(t, "lib", string(e.Files["lib.a"]))
	assert.NotContains(t, e.Files, "other/x")
}

func TestMaxBytes(t *testing.T) {
	big := bytes.Repeat([]byte("x"), 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Chunked, so the length check happens while reading.
		w.(http.Flusher).Flush()
		_, _ = w.Write(big)
	}))
	defer srv.Close()

	f := &HTTPFetcher{Client: srv.Client(), MaxBytes: 1024}
	_, err := f.Fetch(context.Background(), srv.URL+"/a.tar.gz")
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.ErrorIs(t, err, ErrTooLarge)

	f.MaxBytes = 8192
	data, err := f.Fetch(context.Background(), srv.URL+"/a.tar.gz")
	require.NoError(t, err)
	assert.Len(t, data, 4096)
}

func TestHTTPFetcherProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	var progress bytes.Buffer
	f := &HTTPFetcher{Client: srv.Client(), Progress: &progress}
	data, err := f.Fetch(context.Background(), srv.URL+"/a.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestRouterAndFileFetcher(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "lib.tar.gz")
	require.NoError(t, os.WriteFile(p, []byte("local"), 0o644))

	r := Router{"file": &FileFetcher{}}
	data, err := r.Fetch(context.Background(), "file://"+p)
	require.NoError(t, err)
	assert.Equal(t, "local", string(data))

	_, err = r.Fetch(context.Background(), "file://"+filepath.Join(dir, "missing.tar.gz"))
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = r.Fetch(context.Background(), "ftp://example.invalid/a.tar")
	assert.ErrorIs(t, err, ErrFetchFailed)
}

func TestSplitS3URL(t *testing.T) {
	bucket, key, err := splitS3URL("s3://mirror/dxcompiler/2024.03.09/x86_64-linux-gnu_Debug_lib.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "mirror", bucket)
	assert.Equal(t, "dxcompiler/2024.03.09/x86_64-linux-gnu_Debug_lib.tar.gz", key)

	_, _, err = splitS3URL("s3://mirror")
	assert.Error(t, err)
	_, _, err = splitS3URL("https://mirror/a")
	assert.Error(t, err)
}

func TestStepReportsCachedOnHit(t *testing.T) {
	store := cache.NewMemStore()
	var calls atomic.Int32
	f := fetcherFunc(func(context.Context, string) ([]byte, error) {
		calls.Add(1)
		return gzipped(t, buildTar(t, entry{name: "p/a", typeflag: tar.TypeReg, body: "a"})), nil
	})
	d := &Downloader{Store: store, Fetcher: f, URLTemplate: "https://x/{project}.tar.gz"}
	s := d.NewStep("dxc", dxc)

	assert.NoError(t, s.Execute(context.Background()))
	assert.ErrorIs(t, s.Execute(context.Background()), step.ErrCached)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "mem://"+dxc.String(), s.Path())
}

func TestInvalidKey(t *testing.T) {
	d := &Downloader{Store: cache.NewMemStore(), Fetcher: staticFetcher(nil)}
	_, err := d.Ensure(context.Background(), cachekey.Key{Project: "dxcompiler"})
	assert.ErrorIs(t, err, cachekey.ErrInvalidKey)
}

type fetcherFunc func(ctx context.Context, url string) ([]byte, error)

func (f fetcherFunc) Fetch(ctx context.Context, url string) ([]byte, error) { return f(ctx, url) }

func staticFetcher(b []byte) Fetcher {
	return fetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
		if b == nil {
			return nil, &FetchError{URL: url, Err: errors.New("no payload")}
		}
		return b, nil
	})
}

func TestNewRouterSchemes(t *testing.T) {
	r := NewRouter(nil, 0, nil, S3Options{})
	for _, scheme := range []string{"http", "https", "file", "s3"} {
		assert.Contains(t, r, scheme)
	}
}
