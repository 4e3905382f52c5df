package service

import (
	"context"
	"errors"
	"iter"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/blobmigrate/internal/domain"
	apperrors "github.com/zzenonn/blobmigrate/internal/errors"
	"github.com/zzenonn/blobmigrate/internal/namespace"
	"github.com/zzenonn/blobmigrate/internal/repository/db"
)

// DefaultPageSize is the number of candidates read per query.
const DefaultPageSize = 500

// NeedsMigration reports whether res is not yet stored under the current
// namespace. A resource moved under another namespace needs migrating again.
func NeedsMigration(resolver namespace.Resolver, res domain.Resource) bool {
	if res.Extra(domain.ExtraSHA256) == "" {
		return true
	}
	return res.Extra(domain.ExtraLFSPrefix) != resolver.ExpectedPrefix(res)
}

// Discovery finds uploaded resources that still need migrating and claims
// them one at a time.
type Discovery struct {
	records  db.RecordRepository
	resolver namespace.Resolver
	pageSize int
}

// NewDiscovery creates a new Discovery
func NewDiscovery(records db.RecordRepository, resolver namespace.Resolver, pageSize int) *Discovery {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Discovery{records: records, resolver: resolver, pageSize: pageSize}
}

// Claims yields claimed resources oldest first. Resources locked by another
// worker are skipped. The receiver owns each yielded claim and must commit
// or release it. Iteration stops after the first error.
func (d *Discovery) Claims(ctx context.Context) iter.Seq2[db.Claim, error] {
	return func(yield func(db.Claim, error) bool) {
		var cursor *domain.Cursor
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			page, err := d.records.ListCandidates(ctx, cursor, d.pageSize)
			if err != nil {
				yield(nil, err)
				return
			}

			for _, res := range page {
				cursor = domain.CursorOf(res)
				if !NeedsMigration(d.resolver, res) {
					continue
				}

				claim, err := d.claim(ctx, res.ID)
				if err != nil {
					yield(nil, err)
					return
				}
				if claim == nil {
					continue
				}
				if !yield(claim, nil) {
					return
				}
			}

			if len(page) < d.pageSize {
				return
			}
		}
	}
}

// claim locks one resource and checks it again under the lock. A nil claim
// means the resource is taken or no longer needs migrating.
func (d *Discovery) claim(ctx context.Context, id string) (db.Claim, error) {
	claim, err := d.records.Claim(ctx, id)
	if errors.Is(err, apperrors.ErrRecordClaimed) {
		log.Debugf("Resource %s is claimed by another worker, skipping", id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if !NeedsMigration(d.resolver, claim.Resource()) {
		log.Debugf("Resource %s was migrated by another worker, skipping", id)
		return nil, claim.Release(ctx)
	}
	return claim, nil
}
