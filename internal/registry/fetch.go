package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrBadSource is returned for source strings that are not a relative
// path or an s3:// URI.
var ErrBadSource = errors.New("bad weights source")

// Fetcher copies a remote object to a local file.
type Fetcher interface {
	Fetch(ctx context.Context, source, dst string) (int64, error)
}

// IsRemote reports whether source must go through a Fetcher.
func IsRemote(source string) bool {
	return strings.HasPrefix(source, "s3://")
}

// ParseS3URI splits s3://bucket/key.
func ParseS3URI(source string) (bucket, key string, err error) {
	u, err := url.Parse(source)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrBadSource, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("%w: %q", ErrBadSource, source)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("%w: %q has no key", ErrBadSource, source)
	}
	return u.Host, key, nil
}

// S3Fetcher downloads weights with the S3 transfer manager.
type S3Fetcher struct {
	downloader *manager.Downloader
}

// NewS3Fetcher builds a fetcher from the default AWS credential chain.
func NewS3Fetcher(ctx context.Context, region string) (*S3Fetcher, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3FetcherFromClient(s3.NewFromConfig(cfg)), nil
}

// NewS3FetcherFromClient wraps an existing client.
func NewS3FetcherFromClient(client manager.DownloadAPIClient) *S3Fetcher {
	return &S3Fetcher{
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			d.PartSize = 16 << 20
		}),
	}
}

// Fetch downloads source into dst, writing through a temp file so a
// partial download never shows up under the final name.
func (f *S3Fetcher) Fetch(ctx context.Context, source, dst string) (int64, error) {
	bucket, key, err := ParseS3URI(source)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("create fetch dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".fetch-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	n, err := f.downloader.Download(ctx, tmp, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", source, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return 0, fmt.Errorf("install %s: %w", dst, err)
	}
	return n, nil
}
