package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Options configures an S3-compatible mirror such as Cloudflare R2.
type S3Options struct {
	Endpoint  string // empty uses the AWS default for Region
	Region    string
	AccessKey string
	SecretKey string
	Debug     bool
}

// S3Fetcher reads s3://bucket/key locations.
type S3Fetcher struct {
	Client   *s3.Client
	MaxBytes int64
}

// NewS3Fetcher builds a path-style S3 client. Static credentials are used
// when both keys are set, otherwise the default credential chain applies.
func NewS3Fetcher(ctx context.Context, opts S3Options) (*S3Fetcher, error) {
	region := opts.Region
	if region == "" {
		region = "auto"
	}
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	if opts.Debug {
		loadOpts = append(loadOpts, config.WithClientLogMode(aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return &S3Fetcher{Client: client}, nil
}

func (f *S3Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	bucket, key, err := splitS3URL(rawURL)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}

	output, err := f.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var re *awshttp.ResponseError
		if errors.As(err, &re) {
			return nil, &FetchError{URL: rawURL, StatusCode: re.HTTPStatusCode(), Err: err}
		}
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	defer output.Body.Close()

	max := limit(f.MaxBytes)
	if output.ContentLength != nil && *output.ContentLength > max {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("%w: %d bytes", ErrTooLarge, *output.ContentLength)}
	}
	data, err := readLimited(output.Body, max)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	return data, nil
}

func splitS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3 URL: %s", rawURL)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("s3 URL needs bucket and key: %s", rawURL)
	}
	return u.Host, key, nil
}

// lazyS3 builds its client on first use so that configurations without an
// s3:// template never load AWS settings.
type lazyS3 struct {
	opts     S3Options
	maxBytes int64

	once sync.Once
	f    *S3Fetcher
	err  error
}

func (l *lazyS3) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	l.once.Do(func() {
		l.f, l.err = NewS3Fetcher(ctx, l.opts)
		if l.f != nil {
			l.f.MaxBytes = l.maxBytes
		}
	})
	if l.err != nil {
		return nil, &FetchError{URL: rawURL, Err: l.err}
	}
	return l.f.Fetch(ctx, rawURL)
}
