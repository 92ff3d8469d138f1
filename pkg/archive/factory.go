package archive

import (
	"context"
	"fmt"
)

// Config selects and parameterizes an archive backend.
type Config struct {
	// Provider is "fs" (default), "s3", or "gcs".
	Provider string
	// Dir is the base directory for the fs provider.
	Dir string
	// Bucket, Region, Endpoint, and Prefix configure s3 and gcs.
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// New constructs the configured backend. The gcs provider requires a
// build with -tags gcp.
func New(ctx context.Context, cfg Config) (Archive, error) {
	switch cfg.Provider {
	case "", "fs":
		dir := cfg.Dir
		if dir == "" {
			dir = "data/archive"
		}
		return NewFileArchive(dir)
	case "s3":
		return NewS3Archive(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case "gcs":
		return newGCSFromConfig(ctx, cfg)
	default:
		return nil, fmt.Errorf("archive: unknown provider %q", cfg.Provider)
	}
}
