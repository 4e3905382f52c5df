// Package objectstore reads legacy resource payloads out of S3 and GCS
// buckets for direct-bucket migrations.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Destination is where a downloaded object is written. *os.File satisfies it.
type Destination interface {
	io.Writer
	io.WriterAt
}

// ObjectRepository defines the interface for reading source objects
type ObjectRepository interface {
	DownloadTo(ctx context.Context, key string, dst Destination, quiet bool) (int64, error)
	GetBucketName() string
	GetStorageType() string
}

// RepositoryType represents the type of object storage
type RepositoryType string

const (
	S3Type  RepositoryType = "s3"
	GCSType RepositoryType = "gcs"
)

// BucketConfig holds configuration for a storage bucket
type BucketConfig struct {
	Name   string
	Type   RepositoryType
	Prefix string // object key or key prefix, without surrounding slashes
}

// ObjectRepositoryFactory creates object repository instances
type ObjectRepositoryFactory struct {
	awsConfig aws.Config

	gcsOnce   sync.Once
	gcsClient *storage.Client
	gcsErr    error
	newGCS    func(ctx context.Context) (*storage.Client, error)
}

// NewObjectRepositoryFactory creates a new factory. The GCS client is only
// created when a gs:// bucket is first requested.
func NewObjectRepositoryFactory(awsConfig aws.Config) *ObjectRepositoryFactory {
	return &ObjectRepositoryFactory{
		awsConfig: awsConfig,
		newGCS: func(ctx context.Context) (*storage.Client, error) {
			return storage.NewClient(ctx)
		},
	}
}

// CreateRepository creates a repository based on bucket configuration
func (f *ObjectRepositoryFactory) CreateRepository(ctx context.Context, config BucketConfig) (ObjectRepository, error) {
	switch config.Type {
	case S3Type:
		client := s3.NewFromConfig(f.awsConfig)
		return NewS3ObjectRepository(client, config.Name), nil
	case GCSType:
		f.gcsOnce.Do(func() {
			f.gcsClient, f.gcsErr = f.newGCS(ctx)
		})
		if f.gcsErr != nil {
			return nil, fmt.Errorf("unable to create GCS client: %w", f.gcsErr)
		}
		return NewGCSObjectRepository(f.gcsClient, config.Name), nil
	default:
		return nil, fmt.Errorf("unsupported repository type: %s", config.Type)
	}
}

// IsBucketURI reports whether raw names an object store bucket rather than
// an HTTP location.
func IsBucketURI(raw string) bool {
	lower := strings.ToLower(strings.TrimSpace(raw))
	return strings.HasPrefix(lower, "s3://") || strings.HasPrefix(lower, "gs://")
}

// ParseBucketConfig parses bucket configuration from string
// Formats: "s3://bucket-name[/prefix]", "gs://bucket-name[/prefix]"
func ParseBucketConfig(bucketStr string) (BucketConfig, error) {
	bucketStr = strings.TrimSpace(bucketStr)

	parts := strings.SplitN(bucketStr, "://", 2)
	if len(parts) != 2 {
		return BucketConfig{}, fmt.Errorf("invalid URI format: %s", bucketStr)
	}

	scheme := strings.ToLower(strings.TrimSpace(parts[0]))
	bucketName, prefix, _ := strings.Cut(strings.TrimSpace(parts[1]), "/")

	if bucketName == "" {
		return BucketConfig{}, fmt.Errorf("bucket name cannot be empty")
	}

	var repoType RepositoryType
	switch scheme {
	case "s3":
		repoType = S3Type
	case "gs":
		repoType = GCSType
	default:
		return BucketConfig{}, fmt.Errorf("unsupported scheme: %s", scheme)
	}

	return BucketConfig{
		Name:   bucketName,
		Type:   repoType,
		Prefix: strings.Trim(prefix, "/"),
	}, nil
}
