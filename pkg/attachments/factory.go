package attachments

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// BackendType selects the attachment outbox storage backend.
type BackendType string

const (
	BackendLocal BackendType = "local"
	BackendS3    BackendType = "s3"
	BackendGCS   BackendType = "gcs"
)

// NewStoreFromEnv builds a Store from environment variables, mirroring
// pkg/artifacts/factory.go's backend-selection scheme.
//
//   - ATTACHMENT_BACKEND: "local" (default), "s3", or "gcs"
//   - ATTACHMENT_DATA_DIR: base dir for the local backend (default "data/attachments")
//   - ATTACHMENT_S3_BUCKET / _REGION / _ENDPOINT / _PREFIX
//   - ATTACHMENT_GCS_BUCKET / _PREFIX
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	backend := BackendType(os.Getenv("ATTACHMENT_BACKEND"))
	if backend == "" {
		backend = BackendLocal
	}

	switch backend {
	case BackendLocal:
		return newFileStoreFromEnv()
	case BackendS3:
		return newS3StoreFromEnv(ctx)
	case BackendGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("attachments: unsupported backend %q", backend)
	}
}

func newFileStoreFromEnv() (Store, error) {
	dir := os.Getenv("ATTACHMENT_DATA_DIR")
	if dir == "" {
		dir = filepath.Join("data", "attachments")
	}
	return NewFileStore(dir)
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("ATTACHMENT_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("attachments: ATTACHMENT_S3_BUCKET is required for s3 storage")
	}
	region := os.Getenv("ATTACHMENT_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Store(ctx, S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("ATTACHMENT_S3_ENDPOINT"),
		Prefix:   os.Getenv("ATTACHMENT_S3_PREFIX"),
	})
}

// NewRefTableFromEnv selects SQLiteRefTable when ATTACHMENT_SQLITE_PATH is
// set, else falls back to an in-memory table, per SPEC_FULL.md's [F]
// persistence decision.
func NewRefTableFromEnv() (RefTable, error) {
	path := os.Getenv("ATTACHMENT_SQLITE_PATH")
	if path == "" {
		return NewMemoryRefTable(), nil
	}
	return NewSQLiteRefTable(path)
}
