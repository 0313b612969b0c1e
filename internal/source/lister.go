package source

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"slices"
	"strings"

	"cloud.google.com/go/storage"
	s3v2 "github.com/aws/aws-sdk-go-v2/service/s3"
	"gocloud.dev/blob"
)

// BucketLister lists objects from a gocloud.dev bucket.
type BucketLister struct {
	bucket *blob.Bucket
	prefix string
}

// NewBucketLister wraps an open bucket. The lister takes ownership of bucket
// and closes it on Close. prefix is prepended to every listed prefix and
// stripped from returned keys.
func NewBucketLister(bucket *blob.Bucket, prefix string) *BucketLister {
	return &BucketLister{bucket: bucket, prefix: prefix}
}

// Bucket exposes the underlying bucket.
func (l *BucketLister) Bucket() *blob.Bucket {
	return l.bucket
}

// List returns up to maxKeys objects under prefix with keys strictly after
// marker, in key order. The marker is pushed down to the backend where the
// driver supports a start position; keys at or before it are always skipped
// client-side as well.
//
// Only S3 and GCS guarantee lexicographic listing order. Other drivers (file
// buckets walk directories depth-first) are scanned in full and the lowest
// maxKeys keys after marker are kept.
func (l *BucketLister) List(ctx context.Context, prefix, marker string, maxKeys int) ([]Object, error) {
	if maxKeys <= 0 {
		return nil, fmt.Errorf("maxKeys must be positive, got %d", maxKeys)
	}

	fullPrefix := l.prefix + prefix
	fullMarker := ""
	if marker != "" {
		fullMarker = l.prefix + marker
	}

	var ordered bool
	iter := l.bucket.List(&blob.ListOptions{
		Prefix:     fullPrefix,
		BeforeList: startAfter(fullMarker, &ordered),
	})

	out := make([]Object, 0, maxKeys)
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects under %q: %w", fullPrefix, err)
		}
		if obj.IsDir {
			continue
		}
		if fullMarker != "" && obj.Key <= fullMarker {
			continue
		}
		o := Object{
			Key:          strings.TrimPrefix(obj.Key, l.prefix),
			Size:         obj.Size,
			MD5:          hex.EncodeToString(obj.MD5),
			LastModified: obj.ModTime.UTC(),
		}
		if !ordered {
			out = keepLowest(out, o, maxKeys)
			continue
		}
		out = append(out, o)
		if len(out) == maxKeys {
			break
		}
	}
	return out, nil
}

// keepLowest inserts obj into the key-sorted objs and trims it to limit.
func keepLowest(objs []Object, obj Object, limit int) []Object {
	i, found := slices.BinarySearchFunc(objs, obj.Key, func(o Object, key string) int {
		return strings.Compare(o.Key, key)
	})
	if found || i >= limit {
		return objs
	}
	objs = slices.Insert(objs, i, obj)
	if len(objs) > limit {
		objs = objs[:limit]
	}
	return objs
}

// Close releases the bucket connection.
func (l *BucketLister) Close() error {
	if l.bucket != nil {
		return l.bucket.Close()
	}
	return nil
}

// startAfter returns a BeforeList hook that starts the backend listing at
// marker for drivers that support it (S3 StartAfter, GCS StartOffset). It sets
// ordered when the driver is one that lists keys in byte order.
func startAfter(marker string, ordered *bool) func(as func(any) bool) error {
	return func(as func(any) bool) error {
		var s3in *s3v2.ListObjectsV2Input
		if as(&s3in) && s3in != nil {
			*ordered = true
			if marker != "" {
				s3in.StartAfter = &marker
			}
			return nil
		}
		var q *storage.Query
		if as(&q) && q != nil {
			*ordered = true
			// StartOffset is inclusive; the marker itself is dropped by the
			// caller's key comparison.
			q.StartOffset = marker
		}
		return nil
	}
}

var _ Lister = (*BucketLister)(nil)
