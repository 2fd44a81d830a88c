package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobFetcher retrieves artifacts from object storage. An empty bucket
// selects the store's default bucket.
type BlobFetcher interface {
	Stat(ctx context.Context, bucket, key string) (BlobInfo, error)
	Download(ctx context.Context, bucket, key string, dst io.WriterAt) (int64, error)
}
