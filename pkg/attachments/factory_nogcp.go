//go:build !gcp

package attachments

import (
	"context"
	"fmt"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	return nil, fmt.Errorf("attachments: gcs storage is not enabled in this build (use -tags gcp)")
}
