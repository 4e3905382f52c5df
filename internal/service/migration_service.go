// Package service provides the migration workflow that moves legacy
// resource payloads into the blob store.
//
// A run opens a privileged Session, walks the claimable resources oldest
// first and, for each one, fetches the payload into a temporary file,
// uploads it with a freshly issued write token and commits the storage
// properties under the claim. A resource is retried a bounded number of
// times before it is abandoned and left for a later run.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/blobmigrate/internal/domain"
	apperrors "github.com/zzenonn/blobmigrate/internal/errors"
	"github.com/zzenonn/blobmigrate/internal/fetch"
	"github.com/zzenonn/blobmigrate/internal/metrics"
	"github.com/zzenonn/blobmigrate/internal/namespace"
	"github.com/zzenonn/blobmigrate/internal/repository/db"
)

const (
	DefaultMaxFailures = 3
	DefaultRetryDelay  = 5 * time.Second
)

// Mode names the source a run reads payloads from.
type Mode string

const (
	ModePullThrough Mode = "pull_through"
	ModeBucket      Mode = "bucket"
)

// Stages of one attempt, used to label failures.
const (
	stageFetch  = "fetch"
	stageUpload = "upload"
	stageCommit = "commit"
)

// Summary counts what a run did.
type Summary struct {
	Mode     Mode
	Claimed  int
	Migrated int
	Skipped  int // migrated by another worker while this run held a claim
}

// Abandoned is the number of claimed resources left unmigrated.
func (s Summary) Abandoned() int {
	return s.Claimed - s.Migrated - s.Skipped
}

// Options tunes the retry loop.
type Options struct {
	MaxFailures int
	RetryDelay  time.Duration
	TempDir     string
	PageSize    int
}

// Dependencies wires a MigrationService.
type Dependencies struct {
	Records  db.RecordRepository
	Resolver namespace.Resolver
	Uploader *Uploader
	Identity domain.Identity

	// PullThrough reads payloads through the host download handlers.
	PullThrough fetch.Fetcher
	// Bucket builds a direct-bucket fetcher for a base URL, which may be empty.
	Bucket func(baseURL string) fetch.Fetcher

	Metrics *metrics.MigrationMetrics
}

// MigrationService runs migrations
type MigrationService struct {
	deps      Dependencies
	opts      Options
	discovery *Discovery
	sleep     func(ctx context.Context, d time.Duration) error
	tempFile  func(dir string, fn func(f *os.File) error) error
}

// NewMigrationService creates a new MigrationService
func NewMigrationService(deps Dependencies, opts Options) *MigrationService {
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return &MigrationService{
		deps:      deps,
		opts:      opts,
		discovery: NewDiscovery(deps.Records, deps.Resolver, opts.PageSize),
		sleep:     sleepContext,
		tempFile:  fetch.WithTempFile,
	}
}

// Migrate moves every resource still stored by the host application,
// reading payloads through its download handlers.
func (s *MigrationService) Migrate(ctx context.Context) (Summary, error) {
	if s.deps.PullThrough == nil {
		return Summary{Mode: ModePullThrough}, fmt.Errorf("no download handlers configured")
	}
	return s.run(ctx, ModePullThrough, s.deps.PullThrough)
}

// MigrateFromBucket moves every resource reading payloads straight from
// the bucket at baseURL. An empty baseURL uses each resource URL as is.
func (s *MigrationService) MigrateFromBucket(ctx context.Context, baseURL string) (Summary, error) {
	if s.deps.Bucket == nil {
		return Summary{Mode: ModeBucket}, fmt.Errorf("no bucket source configured")
	}
	return s.run(ctx, ModeBucket, s.deps.Bucket(baseURL))
}

func (s *MigrationService) run(ctx context.Context, mode Mode, fetcher fetch.Fetcher) (Summary, error) {
	summary := Summary{Mode: mode}

	sess, err := OpenSession(s.deps.Identity)
	if err != nil {
		return summary, err
	}
	defer sess.Close()

	log.Infof("Starting %s migration into namespace %s", mode, s.deps.Resolver.Namespace())

	for claim, err := range s.discovery.Claims(ctx) {
		if err != nil {
			return summary, fmt.Errorf("resource discovery failed: %w", err)
		}
		summary.Claimed++
		switch s.migrateResource(ctx, sess, mode, fetcher, claim) {
		case metrics.OutcomeMigrated:
			summary.Migrated++
		case metrics.OutcomeSkipped:
			summary.Skipped++
		}
	}

	log.Infof("Migrated %d resources (%d claimed, %d skipped, %d abandoned)", summary.Migrated, summary.Claimed, summary.Skipped, summary.Abandoned())
	return summary, nil
}

// migrateResource retries one claimed resource until it is migrated or the
// failure budget is spent and returns the recorded outcome. The claim is
// always committed or released.
func (s *MigrationService) migrateResource(ctx context.Context, sess *Session, mode Mode, fetcher fetch.Fetcher, claim db.Claim) string {
	res := claim.Resource()
	logger := log.WithFields(log.Fields{
		"resource": res.ID,
		"package":  res.PackageName,
	})
	logger.Debug("Claimed resource")

	finish := func(outcome string) string {
		s.deps.Metrics.RecordOutcome(string(mode), outcome)
		return outcome
	}

	for attempts := 1; ; attempts++ {
		if !claim.Active() {
			// A failed commit rolled the claim back.
			next, err := s.deps.Records.Claim(ctx, res.ID)
			if err != nil {
				logger.Warnf("Could not reclaim resource: %v", err)
				return finish(metrics.OutcomeAbandoned)
			}
			if !NeedsMigration(s.deps.Resolver, next.Resource()) {
				logger.Info("Resource was migrated by another worker")
				s.release(ctx, next, logger)
				return finish(metrics.OutcomeSkipped)
			}
			claim = next
		}

		start := time.Now()
		props, stage, err := s.attempt(ctx, sess, fetcher, claim)
		s.deps.Metrics.RecordAttemptDuration(string(mode), time.Since(start))
		if err == nil {
			logger.WithField("sha256", props.SHA256).Infof("Migrated resource (%d bytes)", props.Size)
			s.deps.Metrics.RecordBytesUploaded(props.Size)
			return finish(metrics.OutcomeMigrated)
		}

		logger.Warnf("Attempt %d/%d failed at %s: %v", attempts, s.opts.MaxFailures, stage, err)
		s.deps.Metrics.RecordAttemptFailure(string(mode), stage)

		if attempts >= s.opts.MaxFailures || errors.Is(err, apperrors.ErrSessionClosed) {
			logger.Errorf("Abandoning resource after %d failed attempts", attempts)
			s.release(ctx, claim, logger)
			return finish(metrics.OutcomeAbandoned)
		}

		if err := s.sleep(ctx, s.opts.RetryDelay); err != nil {
			logger.Errorf("Abandoning resource: %v", err)
			s.release(ctx, claim, logger)
			return finish(metrics.OutcomeAbandoned)
		}
	}
}

// attempt runs fetch, upload and commit once and names the stage that failed.
func (s *MigrationService) attempt(ctx context.Context, sess *Session, fetcher fetch.Fetcher, claim db.Claim) (props domain.StorageProps, stage string, err error) {
	res := claim.Resource()

	identity, err := sess.Identity()
	if err != nil {
		return props, stageFetch, err
	}

	var committed bool
	err = s.tempFile(s.opts.TempDir, func(f *os.File) error {
		if err := fetcher.Fetch(ctx, identity, res, f); err != nil {
			stage = stageFetch
			return err
		}
		log.Debugf("Fetched resource %s into %s", res.ID, f.Name())

		props, err = s.deps.Uploader.Upload(ctx, sess, res, f)
		if err != nil {
			stage = stageUpload
			return err
		}

		if err := claim.Commit(ctx, props); err != nil {
			stage = stageCommit
			return fmt.Errorf("commit failed: %w", err)
		}
		committed = true
		return nil
	})
	if err != nil && committed {
		// Only cleanup can fail after the commit; the resource is migrated.
		log.Warnf("Resource %s committed but its temp file was not cleaned up: %v", res.ID, err)
		return props, "", nil
	}
	if err != nil && stage == "" {
		stage = stageFetch
	}
	return props, stage, err
}

func (s *MigrationService) release(ctx context.Context, claim db.Claim, logger *log.Entry) {
	if !claim.Active() {
		return
	}
	if err := claim.Release(context.WithoutCancel(ctx)); err != nil {
		logger.Warnf("Failed to release claim: %v", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
