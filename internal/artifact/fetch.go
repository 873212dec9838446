package artifact

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
)

// DefaultMaxBytes bounds an in-memory archive payload.
const DefaultMaxBytes int64 = 512 << 20

// Fetcher retrieves a whole archive into memory.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// HTTPFetcher downloads archives over HTTP(S).
type HTTPFetcher struct {
	Client *http.Client
	// MaxBytes bounds the payload; 0 means DefaultMaxBytes.
	MaxBytes int64
	// Progress, when set, receives a byte progress bar.
	Progress io.Writer
}

// NewHTTPClient returns a client tuned for large archive downloads.
func NewHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	// Some artifact hosts are slow to complete the handshake.
	transport.TLSHandshakeTimeout = 30 * time.Second

	return &http.Client{
		Transport: transport,
		Timeout:   300 * time.Second,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	max := limit(f.MaxBytes)
	if resp.ContentLength > max {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)}
	}

	var body io.Reader = resp.Body
	if f.Progress != nil {
		bar := progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetWriter(f.Progress),
			progressbar.OptionSetDescription(path.Base(req.URL.Path)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Close()
		body = io.TeeReader(resp.Body, bar)
	}

	data, err := readLimited(body, max)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	return data, nil
}

// FileFetcher reads file:// locations, used for local mirrors.
type FileFetcher struct {
	MaxBytes int64
}

func (f *FileFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	file, err := os.Open(u.Path)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	defer file.Close()

	data, err := readLimited(file, limit(f.MaxBytes))
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	return data, nil
}

// Router dispatches on the URL scheme.
type Router map[string]Fetcher

func (r Router) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	f, ok := r[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	return f.Fetch(ctx, rawURL)
}

func limit(n int64) int64 {
	if n <= 0 {
		return DefaultMaxBytes
	}
	return n
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if n > max {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, max)
	}
	return buf.Bytes(), nil
}

// NewRouter returns the standard scheme table: http, https, file and s3.
func NewRouter(client *http.Client, maxBytes int64, progress io.Writer, s3 S3Options) Router {
	h := &HTTPFetcher{Client: client, MaxBytes: maxBytes, Progress: progress}
	return Router{
		"http":  h,
		"https": h,
		"file":  &FileFetcher{MaxBytes: maxBytes},
		"s3":    &lazyS3{opts: s3, maxBytes: maxBytes},
	}
}
