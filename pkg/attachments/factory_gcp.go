//go:build gcp

package attachments

import (
	"context"
	"fmt"
	"os"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("ATTACHMENT_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("attachments: ATTACHMENT_GCS_BUCKET is required for gcs storage")
	}
	return NewGCSStore(ctx, GCSStoreConfig{
		Bucket: bucket,
		Prefix: os.Getenv("ATTACHMENT_GCS_PREFIX"),
	})
}
