package storage

import (
	"context"
	"fmt"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
)

// NewGCSSink creates a sink writing to Google Cloud Storage.
// Uses Application Default Credentials (ADC) for authentication.
func NewGCSSink(ctx context.Context, bucketName, layer string) (*BlobSink, error) {
	bucket, err := blob.OpenBucket(ctx, fmt.Sprintf("gs://%s", bucketName))
	if err != nil {
		return nil, fmt.Errorf("open GCS bucket %s: %w", bucketName, err)
	}

	return NewBlobSink(bucket, "gs", bucketName, layer), nil
}
