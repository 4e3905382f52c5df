package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBucketConfig(t *testing.T) {
	tests := []struct {
		input   string
		want    BucketConfig
		wantErr bool
	}{
		{"s3://legacy", BucketConfig{Name: "legacy", Type: S3Type}, false},
		{"s3://legacy/ckan/", BucketConfig{Name: "legacy", Type: S3Type, Prefix: "ckan"}, false},
		{"gs://archive/a/b", BucketConfig{Name: "archive", Type: GCSType, Prefix: "a/b"}, false},
		{" GS://archive ", BucketConfig{Name: "archive", Type: GCSType}, false},
		{"https://bucket.example", BucketConfig{}, true},
		{"s3://", BucketConfig{}, true},
		{"legacy", BucketConfig{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseBucketConfig(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsBucketURI(t *testing.T) {
	assert.True(t, IsBucketURI("s3://b/k"))
	assert.True(t, IsBucketURI("gs://b/k"))
	assert.False(t, IsBucketURI("https://b/k"))
	assert.False(t, IsBucketURI("file.csv"))
}

// rangeGetter serves ranged GetObject calls from memory.
type rangeGetter struct {
	objects map[string][]byte
	calls   atomic.Int32
}

func (g *rangeGetter) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	g.calls.Add(1)
	data, ok := g.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}

	start, end := int64(0), int64(len(data))-1
	if r := aws.ToString(params.Range); r != "" {
		fmt.Sscanf(r, "bytes=%d-%d", &start, &end)
	}
	if end >= int64(len(data)) {
		end = int64(len(data)) - 1
	}
	part := data[start : end+1]

	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(part)),
		ContentLength: aws.Int64(int64(len(part))),
		ContentRange:  aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end, len(data))),
	}, nil
}

func TestS3ObjectRepository_DownloadTo(t *testing.T) {
	payload := []byte(strings.Repeat("abcdefgh", 1024))
	getter := &rangeGetter{objects: map[string][]byte{"resources/r1/a.csv": payload}}
	repo := NewS3ObjectRepository(getter, "legacy")
	repo.partSize = 1024

	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer f.Close()

	n, err := repo.DownloadTo(context.Background(), "resources/r1/a.csv", f, true)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Greater(t, getter.calls.Load(), int32(1))

	got, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	assert.Equal(t, "legacy", repo.GetBucketName())
	assert.Equal(t, "s3", repo.GetStorageType())
}

func TestS3ObjectRepository_MissingKey(t *testing.T) {
	repo := NewS3ObjectRepository(&rangeGetter{objects: map[string][]byte{}}, "legacy")

	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer f.Close()

	_, err = repo.DownloadTo(context.Background(), "nope", f, true)
	assert.Error(t, err)
}

func TestObjectRepositoryFactory(t *testing.T) {
	factory := NewObjectRepositoryFactory(aws.Config{Region: "us-east-1"})
	gcsCalls := 0
	factory.newGCS = func(ctx context.Context) (*storage.Client, error) {
		gcsCalls++
		return nil, errors.New("no credentials")
	}

	repo, err := factory.CreateRepository(context.Background(), BucketConfig{Name: "legacy", Type: S3Type})
	require.NoError(t, err)
	assert.Equal(t, "legacy", repo.GetBucketName())
	assert.Equal(t, 0, gcsCalls)

	_, err = factory.CreateRepository(context.Background(), BucketConfig{Name: "archive", Type: GCSType})
	assert.Error(t, err)
	_, err = factory.CreateRepository(context.Background(), BucketConfig{Name: "archive", Type: GCSType})
	assert.Error(t, err)
	assert.Equal(t, 1, gcsCalls)

	_, err = factory.CreateRepository(context.Background(), BucketConfig{Name: "x", Type: "azure"})
	assert.Error(t, err)
}
