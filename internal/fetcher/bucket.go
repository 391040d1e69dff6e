package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/paulmach/orb/maptile"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/memblob" // in-memory driver
	_ "gocloud.dev/blob/s3blob"  // S3 driver
	"gocloud.dev/gcerrors"
)

// BucketOptions configures how s3:// sources are opened.
type BucketOptions struct {
	S3Region   string
	S3Endpoint string // empty for AWS, custom URL for B2/R2/MinIO
}

// BucketReader reads tiles from object storage for s3://, gs:// and mem://
// templates. Buckets are opened on first use and kept until Close.
type BucketReader struct {
	opts BucketOptions

	mu      sync.Mutex
	buckets map[string]*blob.Bucket
}

// NewBucketReader creates a reader.
func NewBucketReader(opts BucketOptions) *BucketReader {
	return &BucketReader{
		opts:    opts,
		buckets: make(map[string]*blob.Bucket),
	}
}

// IsBucketURL reports whether s names an object-storage location.
func IsBucketURL(s string) bool {
	return strings.HasPrefix(s, "s3://") ||
		strings.HasPrefix(s, "gs://") ||
		strings.HasPrefix(s, "mem://")
}

// Register makes an already opened bucket available under "<scheme>://<name>".
// The reader takes ownership and closes it on Close.
func (r *BucketReader) Register(bucketURL string, b *blob.Bucket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets[strings.TrimSuffix(bucketURL, "/")] = b
}

// Fetch reads one tile object.
func (r *BucketReader) Fetch(ctx context.Context, tile maptile.Tile, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &Error{Tile: tile, URL: rawURL, Err: fmt.Errorf("parse url: %w", err)}
	}

	bucket, err := r.bucket(ctx, u.Scheme, u.Host)
	if err != nil {
		return nil, &Error{Tile: tile, URL: rawURL, Err: err}
	}

	key := strings.TrimPrefix(u.Path, "/")
	data, err := bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			err = fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, &Error{Tile: tile, URL: rawURL, Err: err}
	}
	return data, nil
}

func (r *BucketReader) bucket(ctx context.Context, scheme, name string) (*blob.Bucket, error) {
	id := scheme + "://" + name

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.buckets[id]; ok {
		return b, nil
	}

	b, err := blob.OpenBucket(ctx, r.openURL(scheme, name))
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", id, err)
	}
	r.buckets[id] = b
	return b, nil
}

// openURL builds the gocloud.dev URL for a bucket.
// For AWS: s3://bucket-name?region=us-east-1
// For custom endpoints: s3://bucket-name?endpoint=https://...&region=...&use_path_style=true
func (r *BucketReader) openURL(scheme, name string) string {
	bucketURL := fmt.Sprintf("%s://%s", scheme, name)
	if scheme != "s3" {
		return bucketURL
	}

	params := url.Values{}
	if r.opts.S3Region != "" {
		params.Set("region", r.opts.S3Region)
	}
	if r.opts.S3Endpoint != "" {
		params.Set("endpoint", r.opts.S3Endpoint)
		params.Set("use_path_style", "true")
	}
	if len(params) > 0 {
		bucketURL += "?" + params.Encode()
	}
	return bucketURL
}

// Close releases every opened bucket.
func (r *BucketReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for id, b := range r.buckets {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close bucket %s: %w", id, err)
		}
		delete(r.buckets, id)
	}
	return firstErr
}
