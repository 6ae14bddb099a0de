// Package receipts stores and fetches raw receipt bytes addressed by content
// hash. Uploading happens on the intake path; the pipeline only fetches.
package receipts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"questpay/internal/fault"
)

// Fetcher resolves receipt bytes by content hash.
type Fetcher interface {
	Fetch(ctx context.Context, contentHash string) ([]byte, error)
}

// LocalStore keeps receipts on disk, one file per content hash.
type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		dir = "./receipts"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create receipts dir: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

func (l *LocalStore) path(contentHash string) string {
	return filepath.Join(l.dir, filepath.Base(contentHash))
}

func (l *LocalStore) Fetch(_ context.Context, contentHash string) ([]byte, error) {
	data, err := os.ReadFile(l.path(contentHash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fault.New(fault.KindValidation, "receipt bytes not found for content hash %s", contentHash)
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "read receipt file")
	}
	return data, nil
}

// Put writes receipt bytes for a content hash. Used by demos and tests; the
// production upload path writes through the same layout.
func (l *LocalStore) Put(_ context.Context, contentHash string, data []byte) error {
	if err := os.WriteFile(l.path(contentHash), data, 0o644); err != nil {
		return fmt.Errorf("write receipt file: %w", err)
	}
	return nil
}

// S3Store fetches receipts from an S3 bucket under receipts/<hash>.
type S3Store struct {
	client *s3.Client
	bucket string
}

func NewS3Store(ctx context.Context, bucket, region string) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Store{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

func (s *S3Store) key(contentHash string) string {
	return "receipts/" + contentHash
}

func (s *S3Store) Fetch(ctx context.Context, contentHash string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(contentHash)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fault.New(fault.KindValidation, "receipt bytes not found for content hash %s", contentHash)
		}
		return nil, fault.Wrap(fault.KindTransient, err, "fetch receipt from s3")
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "read receipt body")
	}
	return data, nil
}

// Put uploads receipt bytes under the content-hash key.
func (s *S3Store) Put(ctx context.Context, contentHash string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(contentHash)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("upload receipt to s3: %w", err)
	}
	return nil
}
