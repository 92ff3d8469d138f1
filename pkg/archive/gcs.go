//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSArchive stores records in a Google Cloud Storage bucket. Credentials
// come from Application Default Credentials.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds the GCS backend settings.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSArchive builds a client with ADC.
func NewGCSArchive(ctx context.Context, cfg GCSConfig) (*GCSArchive, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: gcs client: %w", err)
	}
	return &GCSArchive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *GCSArchive) Put(ctx context.Context, name string, data []byte) (Pointer, error) {
	id, err := ContentID(data)
	if err != nil {
		return Pointer{}, err
	}
	object := a.prefix + name

	w := a.client.Bucket(a.bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/json"
	w.Metadata = map[string]string{"cid": id}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return Pointer{}, fmt.Errorf("archive: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return Pointer{}, fmt.Errorf("archive: gcs commit: %w", err)
	}

	return Pointer{
		Provider:  "gcs",
		URL:       fmt.Sprintf("gs://%s/%s", a.bucket, object),
		CID:       id,
		SizeBytes: int64(len(data)),
	}, nil
}

func (a *GCSArchive) Fetch(ctx context.Context, ptr Pointer) ([]byte, error) {
	if ptr.Provider != "gcs" {
		return nil, ErrProviderMismatch
	}
	object, err := a.objectFromURL(ptr.URL)
	if err != nil {
		return nil, err
	}

	r, err := a.client.Bucket(a.bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("archive: gcs open: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("archive: gcs read: %w", err)
	}
	if err := verifyFetched(data, ptr); err != nil {
		return nil, err
	}
	return data, nil
}

func (a *GCSArchive) objectFromURL(url string) (string, error) {
	prefix := fmt.Sprintf("gs://%s/", a.bucket)
	if len(url) <= len(prefix) || url[:len(prefix)] != prefix {
		return "", fmt.Errorf("archive: url %q does not belong to bucket %q", url, a.bucket)
	}
	return url[len(prefix):], nil
}
