package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/blobmigrate/internal/domain"
	apperrors "github.com/zzenonn/blobmigrate/internal/errors"
)

// PgxPool is the subset of *pgxpool.Pool the repository needs.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const resourceColumns = `
	r.id, r.package_id, p.name, COALESCE(r.name, ''), COALESCE(r.url, ''),
	COALESCE(r.url_type, ''), r.state, r.extras, r.size, r.created`

const candidateQuery = `
	SELECT` + resourceColumns + `
	FROM resource r
	JOIN package p ON p.id = r.package_id
	WHERE r.url_type = 'upload' AND r.state <> 'deleted'`

// PostgresRecordRepository reads resources from the host application's
// PostgreSQL schema and claims them with row locks that skip rows already
// locked by a peer.
type PostgresRecordRepository struct {
	pool PgxPool
}

// NewPostgresRecordRepository initializes a new PostgresRecordRepository.
func NewPostgresRecordRepository(pool PgxPool) *PostgresRecordRepository {
	return &PostgresRecordRepository{pool: pool}
}

// ListCandidates returns the next page of candidate resources.
func (repo *PostgresRecordRepository) ListCandidates(ctx context.Context, after *domain.Cursor, limit int) ([]domain.Resource, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if after == nil {
		rows, err = repo.pool.Query(ctx, candidateQuery+`
			ORDER BY r.created ASC, r.id ASC
			LIMIT $1`, limit)
	} else {
		rows, err = repo.pool.Query(ctx, candidateQuery+`
			AND (r.created, r.id) > ($1, $2)
			ORDER BY r.created ASC, r.id ASC
			LIMIT $3`, after.Created, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query candidate resources: %w", err)
	}
	defer rows.Close()

	var resources []domain.Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		resources = append(resources, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read candidate resources: %w", err)
	}

	return resources, nil
}

// Claim locks the resource row inside a new transaction. The transaction
// stays open until the returned claim is committed or released.
func (repo *PostgresRecordRepository) Claim(ctx context.Context, id string) (Claim, error) {
	tx, err := repo.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	rows, err := tx.Query(ctx, candidateQuery+`
		AND r.id = $1
		FOR UPDATE OF r SKIP LOCKED`, id)
	if err != nil {
		_ = tx.Rollback(ctx)
		if isLockFailure(err) {
			return nil, apperrors.ErrRecordClaimed
		}
		return nil, fmt.Errorf("failed to lock resource %s: %w", id, err)
	}
	res, err := pgx.CollectExactlyOneRow(rows, scanResource)
	if err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) || isLockFailure(err) {
			return nil, apperrors.ErrRecordClaimed
		}
		return nil, fmt.Errorf("failed to lock resource %s: %w", id, err)
	}

	return &pgClaim{tx: tx, res: res}, nil
}

type pgClaim struct {
	tx   pgx.Tx
	res  domain.Resource
	done bool
}

func (c *pgClaim) Resource() domain.Resource {
	return c.res
}

func (c *pgClaim) Active() bool {
	return !c.done
}

func (c *pgClaim) Commit(ctx context.Context, props domain.StorageProps) error {
	if c.done {
		return apperrors.ErrRecordClaimed
	}
	c.done = true

	res := c.res
	res.Extras = copyExtras(c.res.Extras)
	props.Apply(&res)

	extras, err := json.Marshal(res.Extras)
	if err != nil {
		_ = c.tx.Rollback(ctx)
		return fmt.Errorf("failed to marshal extras: %w", err)
	}

	tag, err := c.tx.Exec(ctx, `UPDATE resource SET extras = $2, size = $3 WHERE id = $1`, res.ID, string(extras), *res.Size)
	if err != nil {
		_ = c.tx.Rollback(ctx)
		return fmt.Errorf("failed to update resource %s: %w", res.ID, err)
	}
	if tag.RowsAffected() != 1 {
		_ = c.tx.Rollback(ctx)
		return fmt.Errorf("failed to update resource %s: %d rows affected", res.ID, tag.RowsAffected())
	}

	if err := c.tx.Commit(ctx); err != nil {
		_ = c.tx.Rollback(ctx)
		return fmt.Errorf("failed to commit resource %s: %w", res.ID, err)
	}

	c.res = res
	return nil
}

func (c *pgClaim) Release(ctx context.Context) error {
	if c.done {
		return nil
	}
	c.done = true
	if err := c.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		log.WithField("resource", c.res.ID).Warnf("Failed to roll back claim: %v", err)
		return err
	}
	return nil
}

func scanResource(row pgx.CollectableRow) (domain.Resource, error) {
	var (
		res    domain.Resource
		extras *string
	)
	if err := row.Scan(
		&res.ID, &res.PackageID, &res.PackageName, &res.Name, &res.URL,
		&res.URLType, &res.State, &extras, &res.Size, &res.Created,
	); err != nil {
		return domain.Resource{}, fmt.Errorf("failed to scan resource: %w", err)
	}

	res.Extras = map[string]any{}
	if extras != nil && *extras != "" {
		if err := json.Unmarshal([]byte(*extras), &res.Extras); err != nil {
			return domain.Resource{}, fmt.Errorf("failed to decode extras of resource %s: %w", res.ID, err)
		}
	}
	return res, nil
}

func copyExtras(extras map[string]any) map[string]any {
	out := make(map[string]any, len(extras)+2)
	for k, v := range extras {
		out[k] = v
	}
	return out
}

// isLockFailure reports lock_not_available and serialization_failure, both
// of which mean a peer holds the row.
func isLockFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "55P03"
	}
	return false
}
