package objectstore

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
)

// S3ObjectRepository reads source objects from S3.
type S3ObjectRepository struct {
	client     manager.DownloadAPIClient
	bucketName string
	partSize   int64
}

// NewS3ObjectRepository initializes a new S3ObjectRepository.
func NewS3ObjectRepository(client manager.DownloadAPIClient, bucketName string) *S3ObjectRepository {
	return &S3ObjectRepository{
		client:     client,
		bucketName: bucketName,
		partSize:   manager.DefaultDownloadPartSize,
	}
}

// GetBucketName returns the bucket name.
func (r *S3ObjectRepository) GetBucketName() string {
	return r.bucketName
}

// GetStorageType returns the object store type.
func (r *S3ObjectRepository) GetStorageType() string {
	return string(S3Type)
}

// DownloadTo downloads an object into dst using ranged, concurrent part
// requests.
func (r *S3ObjectRepository) DownloadTo(ctx context.Context, key string, dst Destination, quiet bool) (int64, error) {
	log.Debugf("Downloading from S3: s3://%s/%s", r.bucketName, key)

	var w io.WriterAt = dst
	if !quiet {
		bar := progressbar.DefaultBytes(-1, "downloading")
		defer bar.Finish()
		w = &progressWriterAt{w: dst, bar: bar}
	}

	downloader := manager.NewDownloader(r.client, func(d *manager.Downloader) {
		d.PartSize = r.partSize
	})
	n, err := downloader.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(r.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return n, fmt.Errorf("failed to download s3://%s/%s: %w", r.bucketName, key, err)
	}
	return n, nil
}

// progressWriterAt reports bytes written through a progress bar
type progressWriterAt struct {
	w   io.WriterAt
	bar *progressbar.ProgressBar
}

func (p *progressWriterAt) WriteAt(b []byte, off int64) (int, error) {
	n, err := p.w.WriteAt(b, off)
	p.bar.Add(n)
	return n, err
}
