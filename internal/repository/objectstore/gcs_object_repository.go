package objectstore

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
)

// GCSObjectRepository reads source objects from Google Cloud Storage
type GCSObjectRepository struct {
	client     *storage.Client
	bucketName string
}

// NewGCSObjectRepository creates a new GCS object repository
func NewGCSObjectRepository(client *storage.Client, bucketName string) *GCSObjectRepository {
	return &GCSObjectRepository{
		client:     client,
		bucketName: bucketName,
	}
}

// DownloadTo streams an object from GCS into dst
func (r *GCSObjectRepository) DownloadTo(ctx context.Context, key string, dst Destination, quiet bool) (int64, error) {
	obj := r.client.Bucket(r.bucketName).Object(key)

	log.Debugf("Downloading from GCS: gs://%s/%s", r.bucketName, key)

	reader, err := obj.NewReader(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to download gs://%s/%s: %w", r.bucketName, key, err)
	}
	defer reader.Close()

	var w io.Writer = dst
	if !quiet {
		bar := progressbar.DefaultBytes(reader.Attrs.Size, "downloading")
		defer bar.Finish()
		w = io.MultiWriter(dst, bar)
	}

	n, err := io.Copy(w, reader)
	if err != nil {
		return n, fmt.Errorf("failed to download gs://%s/%s: %w", r.bucketName, key, err)
	}
	return n, nil
}

// GetBucketName returns the bucket name
func (r *GCSObjectRepository) GetBucketName() string {
	return r.bucketName
}

// GetStorageType returns the storage type
func (r *GCSObjectRepository) GetStorageType() string {
	return string(GCSType)
}
