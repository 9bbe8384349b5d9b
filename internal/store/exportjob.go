package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/thorbis/audit-core/internal/models"
)

// ExportJobStore provides data access for export job records.
//
// Claiming runs outside the per-tenant RLS context: the export worker is an
// internal component that serves all tenants, and export_jobs carries no
// row-level policies. Tenant scoping on the read paths is enforced by
// explicit predicates.
type ExportJobStore struct {
	Base
}

// NewExportJobStore creates an ExportJobStore.
func NewExportJobStore(base Base) *ExportJobStore {
	return &ExportJobStore{Base: base}
}

// CreateJob inserts a queued job.
func (s *ExportJobStore) CreateJob(ctx context.Context, job *models.ExportJob) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshaling job config: %w", err)
	}

	progressJSON, err := json.Marshal(job.Progress)
	if err != nil {
		return fmt.Errorf("marshaling job progress: %w", err)
	}

	_, err = s.Pool.Exec(ctx, `
		INSERT INTO export_jobs (id, tenant_id, requested_by, status, priority, config, progress)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.TenantID, job.RequestedBy, job.Status, job.Priority, configJSON, progressJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting export job: %w", err)
	}

	return nil
}

// GetJob returns a tenant's job by id.
func (s *ExportJobStore) GetJob(ctx context.Context, tenantID, jobID string) (*models.ExportJob, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := s.Pool.QueryRow(ctx, `
		SELECT id, tenant_id, requested_by, status, priority, config, progress,
		       result, error, created_at, updated_at, completed_at
		FROM export_jobs
		WHERE id = $1 AND tenant_id = $2`,
		jobID, tenantID,
	)

	return scanJob(row)
}

// ClaimNextQueued atomically claims the oldest queued job across all tenants
// and marks it processing. Returns nil when no job is queued. SKIP LOCKED
// lets concurrent workers claim distinct jobs, so jobs for the same tenant
// may run in parallel — they only read the chain and never mutate it.
func (s *ExportJobStore) ClaimNextQueued(ctx context.Context) (*models.ExportJob, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback on early return.

	row := tx.QueryRow(ctx, `
		UPDATE export_jobs
		SET status = 'processing', updated_at = NOW()
		WHERE id = (
			SELECT id FROM export_jobs
			WHERE status = 'queued'
			ORDER BY priority DESC, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, tenant_id, requested_by, status, priority, config, progress,
		          result, error, created_at, updated_at, completed_at`,
	)

	job, err := scanJob(row)
	if errors.Is(err, models.ErrJobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	return job, nil
}

// UpdatePhase records the current processing phase and event count.
func (s *ExportJobStore) UpdatePhase(ctx context.Context, jobID string, phase models.ExportPhase, totalEvents int) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	progressJSON, err := json.Marshal(models.ExportProgress{Phase: phase, TotalEvents: totalEvents})
	if err != nil {
		return fmt.Errorf("marshaling progress: %w", err)
	}

	_, err = s.Pool.Exec(ctx, `
		UPDATE export_jobs SET progress = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'processing'`,
		progressJSON, jobID,
	)
	if err != nil {
		return fmt.Errorf("updating job phase: %w", err)
	}

	return nil
}

// CompleteJob transitions a processing job to completed with its result.
func (s *ExportJobStore) CompleteJob(ctx context.Context, jobID string, result *models.ExportResult) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling job result: %w", err)
	}

	tag, err := s.Pool.Exec(ctx, `
		UPDATE export_jobs
		SET status = 'completed', result = $1, updated_at = NOW(), completed_at = NOW()
		WHERE id = $2 AND status = 'processing'`,
		resultJSON, jobID,
	)
	if err != nil {
		return fmt.Errorf("completing export job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrJobNotFound
	}

	return nil
}

// FailJob transitions a job to failed with a structured error. Failed jobs
// are terminal; re-running an export creates a new job id.
func (s *ExportJobStore) FailJob(ctx context.Context, jobID string, jobErr *models.ExportError) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	errJSON, err := json.Marshal(jobErr)
	if err != nil {
		return fmt.Errorf("marshaling job error: %w", err)
	}

	tag, err := s.Pool.Exec(ctx, `
		UPDATE export_jobs
		SET status = 'failed', error = $1, updated_at = NOW()
		WHERE id = $2 AND status IN ('queued', 'processing')`,
		errJSON, jobID,
	)
	if err != nil {
		return fmt.Errorf("failing export job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrJobNotFound
	}

	return nil
}

// ExpireStale transitions jobs that have sat in queued or processing past
// the deadline to expired, so no job remains processing forever. Returns
// the expired job ids.
func (s *ExportJobStore) ExpireStale(ctx context.Context, deadline time.Duration) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.Pool.Query(ctx, `
		UPDATE export_jobs
		SET status = 'expired', updated_at = NOW()
		WHERE status IN ('queued', 'processing') AND created_at < NOW() - $1::interval
		RETURNING id`,
		fmt.Sprintf("%d seconds", int(deadline.Seconds())),
	)
	if err != nil {
		return nil, fmt.Errorf("expiring stale jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning expired job id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating expired jobs: %w", err)
	}

	return ids, nil
}

func scanJob(row pgx.Row) (*models.ExportJob, error) {
	var job models.ExportJob
	var configJSON, progressJSON, resultJSON, errJSON []byte

	err := row.Scan(
		&job.ID, &job.TenantID, &job.RequestedBy, &job.Status, &job.Priority,
		&configJSON, &progressJSON, &resultJSON, &errJSON,
		&job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning export job: %w", err)
	}

	if err := json.Unmarshal(configJSON, &job.Config); err != nil {
		return nil, fmt.Errorf("unmarshaling job config: %w", err)
	}
	if err := json.Unmarshal(progressJSON, &job.Progress); err != nil {
		return nil, fmt.Errorf("unmarshaling job progress: %w", err)
	}
	if resultJSON != nil {
		job.Result = &models.ExportResult{}
		if err := json.Unmarshal(resultJSON, job.Result); err != nil {
			return nil, fmt.Errorf("unmarshaling job result: %w", err)
		}
	}
	if errJSON != nil {
		job.Error = &models.ExportError{}
		if err := json.Unmarshal(errJSON, job.Error); err != nil {
			return nil, fmt.Errorf("unmarshaling job error: %w", err)
		}
	}

	return &job, nil
}
