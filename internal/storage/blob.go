package storage

import (
	"context"
	"fmt"
	"mime"
	"path"

	"github.com/paulmach/orb/maptile"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
)

// BlobSink writes tiles to an object-storage bucket under
// [<layer>/]<z>/<x>/<filename>.
type BlobSink struct {
	bucket     *blob.Bucket
	scheme     string // "s3" | "gs" | "mem"
	bucketName string
	layer      string
}

// NewBlobSink wraps an already opened bucket. The sink takes ownership of the
// bucket and closes it on Close.
func NewBlobSink(bucket *blob.Bucket, scheme, bucketName, layer string) *BlobSink {
	return &BlobSink{
		bucket:     bucket,
		scheme:     scheme,
		bucketName: bucketName,
		layer:      layer,
	}
}

// NewMemSink creates an in-memory bucket sink, mostly useful for dry runs
// and tests.
func NewMemSink(_ context.Context, layer string) (*BlobSink, error) {
	return NewBlobSink(memblob.OpenBucket(nil), "mem", "memory", layer), nil
}

// Store writes tile bytes to the bucket.
func (s *BlobSink) Store(ctx context.Context, tile maptile.Tile, filename string, data []byte) error {
	key := s.Key(tile, filename)

	var opts *blob.WriterOptions
	if ct := mime.TypeByExtension(path.Ext(filename)); ct != "" {
		opts = &blob.WriterOptions{ContentType: ct}
	}

	w, err := s.bucket.NewWriter(ctx, key, opts)
	if err != nil {
		return &Error{Tile: tile, Key: key, Err: fmt.Errorf("create writer: %w", err)}
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return &Error{Tile: tile, Key: key, Err: fmt.Errorf("write data: %w", err)}
	}

	if err := w.Close(); err != nil {
		return &Error{Tile: tile, Key: key, Err: fmt.Errorf("close writer: %w", err)}
	}

	return nil
}

// Key returns "[<layer>/]<z>/<x>/<filename>".
func (s *BlobSink) Key(tile maptile.Tile, filename string) string {
	return TileKey(s.layer, tile, filename)
}

// Bucket exposes the underlying bucket.
func (s *BlobSink) Bucket() *blob.Bucket {
	return s.bucket
}

// URI returns the canonical URI for the given key.
func (s *BlobSink) URI(key string) string {
	return fmt.Sprintf("%s://%s/%s", s.scheme, s.bucketName, key)
}

// Close releases the bucket connection.
func (s *BlobSink) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

var _ Sink = (*BlobSink)(nil)
