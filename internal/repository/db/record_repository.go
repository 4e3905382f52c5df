// Package db provides the resource metadata stores the migration claims
// records from: PostgreSQL with row locks and DynamoDB with claim tickets.
package db

import (
	"context"

	"github.com/zzenonn/blobmigrate/internal/domain"
)

// RecordRepository lists migration candidates and claims them one at a time.
type RecordRepository interface {
	// ListCandidates returns uploaded, non-deleted resources ordered by
	// creation time (oldest first), starting strictly after the cursor.
	// The returned snapshot is unlocked.
	ListCandidates(ctx context.Context, after *domain.Cursor, limit int) ([]domain.Resource, error)

	// Claim takes an exclusive, non-blocking lock on a resource. It returns
	// errors.ErrRecordClaimed when another worker holds it or it is no
	// longer eligible.
	Claim(ctx context.Context, id string) (Claim, error)
}

// Claim is an exclusive hold on one resource for one migration attempt.
type Claim interface {
	// Resource returns the resource as read under the lock.
	Resource() domain.Resource

	// Commit persists the storage properties on the resource and releases
	// the claim. On failure the claim is rolled back and released.
	Commit(ctx context.Context, props domain.StorageProps) error

	// Release drops the claim without changes. Calling it after Commit or
	// a previous Release is a no-op.
	Release(ctx context.Context) error

	// Active reports whether the claim is still held.
	Active() bool
}
