package fetch

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/blobmigrate/internal/domain"
	"github.com/zzenonn/blobmigrate/internal/repository/objectstore"
)

// RepositoryFactory opens object store buckets.
type RepositoryFactory interface {
	CreateRepository(ctx context.Context, config objectstore.BucketConfig) (objectstore.ObjectRepository, error)
}

// BucketFetcher reads payloads directly from the bucket the legacy uploads
// were kept in. With an empty base URL each resource URL is used verbatim.
type BucketFetcher struct {
	baseURL string
	client  *http.Client
	stores  RepositoryFactory
	quiet   bool
}

// NewBucketFetcher creates a direct-bucket fetcher. stores may be nil when
// no s3:// or gs:// locations are expected.
func NewBucketFetcher(baseURL string, client *http.Client, stores RepositoryFactory, quiet bool) *BucketFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &BucketFetcher{baseURL: baseURL, client: client, stores: stores, quiet: quiet}
}

// SourceURL returns the location the payload of res is read from.
func (f *BucketFetcher) SourceURL(res domain.Resource) string {
	if f.baseURL == "" {
		return res.URL
	}
	return fmt.Sprintf("%s/resources/%s/%s", strings.TrimSuffix(f.baseURL, "/"), res.ID, res.URL)
}

func (f *BucketFetcher) Fetch(ctx context.Context, identity domain.Identity, res domain.Resource, dst *os.File) error {
	source := f.SourceURL(res)
	log.Debugf("Fetching resource %s from %s", res.ID, source)

	if objectstore.IsBucketURI(source) {
		return f.fetchObject(ctx, source, dst)
	}
	_, err := streamGet(ctx, f.client, source, dst, f.quiet)
	return err
}

func (f *BucketFetcher) fetchObject(ctx context.Context, source string, dst *os.File) error {
	if f.stores == nil {
		return fmt.Errorf("no object store configured for %s", source)
	}

	cfg, err := objectstore.ParseBucketConfig(source)
	if err != nil {
		return err
	}
	repo, err := f.stores.CreateRepository(ctx, objectstore.BucketConfig{Name: cfg.Name, Type: cfg.Type})
	if err != nil {
		return err
	}
	// The parsed prefix is the full object key here.
	_, err = repo.DownloadTo(ctx, cfg.Prefix, dst, f.quiet)
	return err
}
