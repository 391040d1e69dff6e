package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"

	"github.com/paulmach/orb/maptile"
)

// ErrMissingDestination is returned when neither a local directory nor a
// bucket is configured.
var ErrMissingDestination = errors.New("storage: no destination configured")

// Sink persists fetched tile bytes under a deterministic key.
type Sink interface {
	// Store writes the tile. Existing data under the same key is overwritten.
	Store(ctx context.Context, tile maptile.Tile, filename string, data []byte) error

	// Key returns the key a tile is stored under.
	Key(tile maptile.Tile, filename string) string

	// URI returns the canonical URI for the given key.
	// For local: file:///path, S3: s3://bucket/key, GCS: gs://bucket/key
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// Error is a failed write of a single tile. It is recorded by the caller and
// never aborts a batch.
type Error struct {
	Tile maptile.Tile
	Key  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store tile %d/%d/%d at %s: %v", e.Tile.Z, e.Tile.X, e.Tile.Y, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// TileKey returns "[<prefix>/]<z>/<x>/<filename>".
func TileKey(prefix string, tile maptile.Tile, filename string) string {
	key := path.Join(strconv.Itoa(int(tile.Z)), strconv.FormatUint(uint64(tile.X), 10), filename)
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}

// Config configures the storage backend.
type Config struct {
	Backend string // "local" | "s3" | "gcs" | "mem"

	// Local filesystem
	LocalDir string

	// Object storage
	Bucket string
	Layer  string // optional key prefix inside the bucket

	// S3 (also works for B2, R2, MinIO)
	S3Region   string
	S3Endpoint string // custom endpoint for B2/MinIO/R2
	AccessKey  string
	SecretKey  string
}

// NewSink creates a storage backend based on configuration. An empty backend
// selects local storage when LocalDir is set and S3 when only a bucket is.
func NewSink(ctx context.Context, cfg Config) (Sink, error) {
	backend := cfg.Backend
	if backend == "" {
		switch {
		case cfg.LocalDir != "":
			backend = "local"
		case cfg.Bucket != "":
			backend = "s3"
		default:
			return nil, ErrMissingDestination
		}
	}

	switch backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("%w: LocalDir required for local backend", ErrMissingDestination)
		}
		return NewLocalSink(cfg.LocalDir)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("%w: Bucket required for s3 backend", ErrMissingDestination)
		}
		return NewS3Sink(ctx, S3Options{
			Bucket:    cfg.Bucket,
			Layer:     cfg.Layer,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		})
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("%w: Bucket required for gcs backend", ErrMissingDestination)
		}
		return NewGCSSink(ctx, cfg.Bucket, cfg.Layer)
	case "mem":
		return NewMemSink(ctx, cfg.Layer)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", backend)
	}
}
