package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zzenonn/blobmigrate/internal/authz"
	"github.com/zzenonn/blobmigrate/internal/config"
	"github.com/zzenonn/blobmigrate/internal/domain"
	"github.com/zzenonn/blobmigrate/internal/download"
	"github.com/zzenonn/blobmigrate/internal/errors"
	"github.com/zzenonn/blobmigrate/internal/fetch"
	"github.com/zzenonn/blobmigrate/internal/lfs"
	"github.com/zzenonn/blobmigrate/internal/metrics"
	"github.com/zzenonn/blobmigrate/internal/namespace"
	"github.com/zzenonn/blobmigrate/internal/repository/db"
	"github.com/zzenonn/blobmigrate/internal/repository/objectstore"
	"github.com/zzenonn/blobmigrate/internal/service"
)

// authorizeAction is the host application's token action, relative to site.url.
const authorizeAction = "/api/3/action/authz_authorize"

var migrateCmd = &cobra.Command{
	Use:   "migrate [BUCKET_URL]",
	Short: "Migrate uploaded resources into the blob store",
	Long: `Migrate every uploaded resource that is not yet stored under the configured
namespace. By default payloads are read through the site's download handlers.
With --from-bucket they are read from BUCKET_URL/resources/{id}/{url}, or from
each resource's stored URL when BUCKET_URL is omitted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fromBucket, _ := cmd.Flags().GetBool("from-bucket")
		if len(args) > 0 && !fromBucket {
			return fmt.Errorf("BUCKET_URL requires --from-bucket")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, cleanup, err := newMigrationService(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		var summary service.Summary
		if fromBucket {
			bucketURL := ""
			if len(args) == 1 {
				bucketURL = args[0]
			}
			summary, err = svc.MigrateFromBucket(ctx, bucketURL)
		} else {
			summary, err = svc.Migrate(ctx)
		}
		if err != nil {
			return err
		}

		fmt.Printf("Migrated %d resources\n", summary.Migrated)
		if summary.Skipped > 0 {
			fmt.Printf("%d resources were migrated by another worker\n", summary.Skipped)
		}
		if summary.Abandoned() > 0 {
			fmt.Printf("%d resources could not be migrated and were left for a later run\n", summary.Abandoned())
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().Bool("from-bucket", false, "read payloads directly from a bucket instead of the site")
}

// newMigrationService wires the service from configuration. The returned
// cleanup closes database connections.
func newMigrationService(ctx context.Context, cfg *config.Config) (*service.MigrationService, func(), error) {
	serverURL, err := cfg.ServerURL()
	if err != nil {
		return nil, nil, err
	}

	records, cleanup, err := newRecordRepository(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	resolver := namespace.NewResolver(cfg.Namespace())
	uploader := service.NewUploader(resolver, newAuthorizer(cfg, httpClient), lfs.NewClient(serverURL, httpClient, cfg.Quiet))

	handlers := download.Chain{
		download.NewLocalUploadHandler(cfg.UploadDir),
		download.NewSiteHandler(cfg.SiteURL, cfg.HTTPTimeout),
	}
	stores := objectstore.NewObjectRepositoryFactory(cfg.AwsConfig)

	var m *metrics.MigrationMetrics
	if cfg.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		if m, err = metrics.NewMigrationMetrics(registry); err != nil {
			cleanup()
			return nil, nil, err
		}
		if _, err := metrics.Serve(ctx, cfg.MetricsAddr, registry); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to start metrics listener: %w", err)
		}
	}

	svc := service.NewMigrationService(service.Dependencies{
		Records:     records,
		Resolver:    resolver,
		Uploader:    uploader,
		Identity:    domain.Identity{User: cfg.SiteUser, APIKey: cfg.SiteAPIKey},
		PullThrough: fetch.NewPullThroughFetcher(handlers, httpClient, cfg.Quiet),
		Bucket: func(baseURL string) fetch.Fetcher {
			return fetch.NewBucketFetcher(baseURL, httpClient, stores, cfg.Quiet)
		},
		Metrics: m,
	}, service.Options{
		MaxFailures: cfg.MaxFailures,
		RetryDelay:  cfg.RetryDelay,
		TempDir:     cfg.TempDir,
		PageSize:    cfg.PageSize,
	})
	return svc, cleanup, nil
}

func newRecordRepository(ctx context.Context, cfg *config.Config) (db.RecordRepository, func(), error) {
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		if cfg.DatabaseDSN == "" {
			return nil, nil, errors.ConfigNotSetError("database.dsn")
		}
		pool, err := db.NewPostgresPool(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, err
		}
		return db.NewPostgresRecordRepository(pool), pool.Close, nil
	case config.DriverDynamoDB:
		dynamoDb, err := db.NewDatabase(cfg.AwsConfig)
		if err != nil {
			return nil, nil, err
		}
		repo := db.NewDynamoRecordRepository(dynamoDb.Client, cfg.DynamoDBTable, cfg.ClaimTTL)
		log.Debugf("Claiming DynamoDB resources as worker %s", repo.Owner())
		return repo, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.DatabaseDriver)
	}
}

// newAuthorizer prefers a locally configured signing key, then an explicit
// authorization endpoint, then the site's own action.
func newAuthorizer(cfg *config.Config, client *http.Client) authz.Authorizer {
	switch {
	case cfg.ECDSAPrivateKey != nil:
		return authz.NewJWTAuthorizer(cfg.ECDSAPrivateKey, cfg.AuthzIssuer, cfg.AuthzTokenTTL)
	case cfg.AuthzURL != "":
		return authz.NewHTTPAuthorizer(cfg.AuthzURL, client)
	case cfg.SiteURL != "":
		return authz.NewHTTPAuthorizer(strings.TrimSuffix(cfg.SiteURL, "/")+authorizeAction, client)
	default:
		log.Warn("No authorization service configured; uploads will fail")
		return nil
	}
}
