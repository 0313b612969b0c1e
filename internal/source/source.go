// Package source lists objects from the bucket being processed.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
)

// Object is one listed entry.
type Object struct {
	Key          string
	Size         int64
	MD5          string // hex content hash, empty when the backend does not report one
	LastModified time.Time
}

// Lister pages through the objects under a prefix. Pagination is marker
// based: each call returns up to maxKeys objects whose keys sort strictly
// after marker. An empty page means the prefix is exhausted.
type Lister interface {
	List(ctx context.Context, prefix, marker string, maxKeys int) ([]Object, error)
	Close() error
}

// Config selects the bucket to list.
type Config struct {
	// URL is a gocloud.dev bucket URL (gs://, s3://, file://, mem://). When set
	// it takes precedence over the backend fields.
	URL string

	Backend  string // "gcs" | "s3" | "local" | "mem"
	Bucket   string
	LocalDir string

	// S3 (also works for B2, R2, MinIO)
	Endpoint string
	Region   string

	// Prefix is prepended to every listed range prefix.
	Prefix string
}

var ErrInvalidBackend = errors.New("invalid source backend")

// BucketURL builds the gocloud.dev URL for cfg.
func BucketURL(cfg Config) (string, error) {
	if cfg.URL != "" {
		return cfg.URL, nil
	}
	switch cfg.Backend {
	case "gcs":
		if cfg.Bucket == "" {
			return "", fmt.Errorf("bucket required for gcs backend")
		}
		return fmt.Sprintf("gs://%s", cfg.Bucket), nil
	case "s3":
		if cfg.Bucket == "" {
			return "", fmt.Errorf("bucket required for s3 backend")
		}
		params := url.Values{}
		params.Set("awssdk", "v2")
		if cfg.Region != "" {
			params.Set("region", cfg.Region)
		}
		if cfg.Endpoint != "" {
			params.Set("endpoint", cfg.Endpoint)
			params.Set("use_path_style", "true")
		}
		return fmt.Sprintf("s3://%s?%s", cfg.Bucket, params.Encode()), nil
	case "local":
		if cfg.LocalDir == "" {
			return "", fmt.Errorf("local_dir required for local backend")
		}
		abs, err := filepath.Abs(cfg.LocalDir)
		if err != nil {
			return "", fmt.Errorf("resolve local dir: %w", err)
		}
		return "file://" + filepath.ToSlash(abs), nil
	case "mem":
		return "mem://", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBackend, cfg.Backend)
	}
}

// Open opens the configured bucket and returns a Lister over it.
func Open(ctx context.Context, cfg Config) (*BucketLister, error) {
	u, err := BucketURL(cfg)
	if err != nil {
		return nil, err
	}
	bucket, err := blob.OpenBucket(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", u, err)
	}
	return NewBucketLister(bucket, cfg.Prefix), nil
}
