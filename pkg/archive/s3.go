package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Archive stores records in an S3 bucket. A custom endpoint switches the
// client to path-style addressing for MinIO and LocalStack.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config holds the S3 backend settings.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewS3Archive builds a client from the default AWS credential chain.
func NewS3Archive(ctx context.Context, cfg S3Config) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: s3 bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Archive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *S3Archive) Put(ctx context.Context, name string, data []byte) (Pointer, error) {
	id, err := ContentID(data)
	if err != nil {
		return Pointer{}, err
	}
	key := a.prefix + name

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata:    map[string]string{"cid": id},
	})
	if err != nil {
		return Pointer{}, fmt.Errorf("archive: s3 put: %w", err)
	}

	return Pointer{
		Provider:  "s3",
		URL:       fmt.Sprintf("s3://%s/%s", a.bucket, key),
		CID:       id,
		SizeBytes: int64(len(data)),
	}, nil
}

func (a *S3Archive) Fetch(ctx context.Context, ptr Pointer) ([]byte, error) {
	if ptr.Provider != "s3" {
		return nil, ErrProviderMismatch
	}
	key, err := a.keyFromURL(ptr.URL)
	if err != nil {
		return nil, err
	}

	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("archive: s3 get: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("archive: s3 read: %w", err)
	}
	if err := verifyFetched(data, ptr); err != nil {
		return nil, err
	}
	return data, nil
}

func (a *S3Archive) keyFromURL(url string) (string, error) {
	rest, ok := strings.CutPrefix(url, "s3://")
	if !ok {
		return "", fmt.Errorf("archive: %q is not an s3 url", url)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket != a.bucket {
		return "", fmt.Errorf("archive: url %q does not belong to bucket %q", url, a.bucket)
	}
	return key, nil
}
