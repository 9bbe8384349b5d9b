package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/thorbis/audit-core/internal/models"
)

// IdempotencyStore provides data access for idempotency records.
type IdempotencyStore struct {
	Base
}

// NewIdempotencyStore creates an IdempotencyStore.
func NewIdempotencyStore(base Base) *IdempotencyStore {
	return &IdempotencyStore{Base: base}
}

// Reserve atomically inserts a pending record for the key. Returns true
// when this caller won the reservation, false when a record already exists.
// The unique constraint on (tenant_id, key) is what guarantees that two
// callers racing on identical input get exactly one "new" outcome.
func (s *IdempotencyStore) Reserve(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginTx(ctx, rec.TenantID)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback on early return.

	var bodyJSON []byte
	if rec.RequestBody != nil {
		bodyJSON, err = json.Marshal(rec.RequestBody)
		if err != nil {
			return false, fmt.Errorf("marshaling request body: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO idempotency_records
			(key, tenant_id, route, body_hash, request_body, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6)
		ON CONFLICT (tenant_id, key) DO NOTHING`,
		rec.Key, rec.TenantID, rec.Route, rec.BodyHash, bodyJSON, rec.ExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("reserving idempotency key: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing reservation: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// Get returns the record for a tenant's key, or models.ErrRecordNotFound.
func (s *IdempotencyStore) Get(ctx context.Context, tenantID, key string) (*models.IdempotencyRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginReadTx(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback after commit.

	var rec models.IdempotencyRecord
	var bodyJSON []byte

	err = tx.QueryRow(ctx, `
		SELECT key, tenant_id, route, body_hash, request_body, response,
		       COALESCE(status_code, 0), status, created_at, expires_at
		FROM idempotency_records
		WHERE tenant_id = $1 AND key = $2 AND expires_at > NOW()`,
		tenantID, key,
	).Scan(
		&rec.Key, &rec.TenantID, &rec.Route, &rec.BodyHash, &bodyJSON, &rec.Response,
		&rec.StatusCode, &rec.Status, &rec.CreatedAt, &rec.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading idempotency record: %w", err)
	}

	if bodyJSON != nil {
		if err := json.Unmarshal(bodyJSON, &rec.RequestBody); err != nil {
			s.Log.WithError(err).Warn("failed to unmarshal idempotency request body")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing record read: %w", err)
	}

	return &rec, nil
}

// Complete stores the response for a pending record.
func (s *IdempotencyStore) Complete(ctx context.Context, tenantID, key string, statusCode int, response []byte) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginTx(ctx, tenantID)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback on early return.

	tag, err := tx.Exec(ctx, `
		UPDATE idempotency_records
		SET response = $1, status_code = $2, status = 'completed'
		WHERE tenant_id = $3 AND key = $4`,
		response, statusCode, tenantID, key,
	)
	if err != nil {
		return fmt.Errorf("completing idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrRecordNotFound
	}

	return tx.Commit(ctx)
}

// Release removes a pending reservation whose operation failed, so a later
// retry is admitted as new rather than replaying a failure.
func (s *IdempotencyStore) Release(ctx context.Context, tenantID, key string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginTx(ctx, tenantID)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback on early return.

	_, err = tx.Exec(ctx, `
		DELETE FROM idempotency_records
		WHERE tenant_id = $1 AND key = $2 AND status = 'pending'`,
		tenantID, key,
	)
	if err != nil {
		return fmt.Errorf("releasing idempotency key: %w", err)
	}

	return tx.Commit(ctx)
}

// purgeBatchSize limits the number of rows deleted per transaction to avoid
// holding long locks on idempotency_records.
const purgeBatchSize = 5000

// PurgeExpired deletes expired records in batches. Returns the number deleted.
func (s *IdempotencyStore) PurgeExpired(ctx context.Context) (int, error) {
	var totalDeleted int

	for {
		batchCtx, cancel := withTimeout(ctx)

		tag, err := s.Pool.Exec(batchCtx, `
			DELETE FROM idempotency_records WHERE ctid IN (
				SELECT ctid FROM idempotency_records
				WHERE expires_at < NOW()
				LIMIT $1
			)`,
			purgeBatchSize,
		)
		cancel()

		if err != nil {
			return totalDeleted, fmt.Errorf("purging idempotency records: %w", err)
		}

		deleted := int(tag.RowsAffected())
		totalDeleted += deleted
		if deleted < purgeBatchSize {
			break
		}
	}

	return totalDeleted, nil
}
