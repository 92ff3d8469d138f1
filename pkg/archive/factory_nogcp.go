//go:build !gcp

package archive

import (
	"context"
	"errors"
)

func newGCSFromConfig(ctx context.Context, cfg Config) (Archive, error) {
	return nil, errors.New("archive: gcs support is not enabled in this build (use -tags gcp)")
}
