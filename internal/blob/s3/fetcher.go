package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/mannyc2/solclash/internal/domain"
)

// downloadPartSize is the ranged-GET size used for large artifacts.
const downloadPartSize int64 = 8 * 1024 * 1024

// Fetcher implements domain.BlobFetcher using an S3-compatible backend.
type Fetcher struct {
	client     *s3.Client
	downloader *manager.Downloader
	bucket     string
}

// NewFetcher creates a Fetcher that falls back to the client's default
// bucket when a request names none.
func NewFetcher(c *Client) *Fetcher {
	return &Fetcher{
		client: c.S3(),
		downloader: manager.NewDownloader(c.S3(), func(d *manager.Downloader) {
			d.PartSize = downloadPartSize
		}),
		bucket: c.Bucket(),
	}
}

// Stat returns metadata for the object at key. Returns domain.ErrNotFound
// if the object does not exist.
func (f *Fetcher) Stat(ctx context.Context, bucket, key string) (domain.BlobInfo, error) {
	bucket, err := f.resolve(bucket)
	if err != nil {
		return domain.BlobInfo{}, err
	}
	out, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return domain.BlobInfo{}, fmt.Errorf("s3blob: stat s3://%s/%s: %w", bucket, key, domain.ErrNotFound)
		}
		return domain.BlobInfo{}, fmt.Errorf("s3blob: stat s3://%s/%s: %w", bucket, key, err)
	}
	info := domain.BlobInfo{
		Path: key,
		Size: aws.ToInt64(out.ContentLength),
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

// Download writes the object at key into dst using concurrent ranged GETs
// and returns the number of bytes written. Returns domain.ErrNotFound if the
// object does not exist.
func (f *Fetcher) Download(ctx context.Context, bucket, key string, dst io.WriterAt) (int64, error) {
	bucket, err := f.resolve(bucket)
	if err != nil {
		return 0, err
	}
	n, err := f.downloader.Download(ctx, dst, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, fmt.Errorf("s3blob: download s3://%s/%s: %w", bucket, key, domain.ErrNotFound)
		}
		return 0, fmt.Errorf("s3blob: download s3://%s/%s: %w", bucket, key, err)
	}
	return n, nil
}

func (f *Fetcher) resolve(bucket string) (string, error) {
	if bucket != "" {
		return bucket, nil
	}
	if f.bucket == "" {
		return "", errors.New("s3blob: no bucket given and no default bucket configured")
	}
	return f.bucket, nil
}

// isNotFound returns true when the error indicates the requested S3 object
// does not exist. It checks for both the SDK typed error (NoSuchKey) and
// the generic 404 response.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	// HeadObject does not return NoSuchKey; it returns a generic 404.
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}

	// Some S3-compatible providers return a ResponseError with HTTP 404.
	type httpResponseError interface {
		HTTPStatusCode() int
	}
	var httpErr httpResponseError
	if errors.As(err, &httpErr) && httpErr.HTTPStatusCode() == 404 {
		return true
	}

	return false
}
