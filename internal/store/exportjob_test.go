package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/thorbis/audit-core/internal/models"
	"github.com/thorbis/audit-core/internal/store"
)

func queueTestJob(t *testing.T, js *store.ExportJobStore, tenantID string) *models.ExportJob {
	t.Helper()

	job := &models.ExportJob{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		RequestedBy: "user-1",
		Status:      models.ExportStatusQueued,
		Config: models.ExportConfig{
			Format:      models.ExportFormatJSON,
			PeriodStart: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			PeriodEnd:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	if err := js.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	return job
}

// claimTenantJobs drains the queue and returns the claimed jobs belonging to
// the given tenant. Jobs queued by concurrently running tests are claimed too;
// they are processing either way, so ignoring them is safe.
func claimTenantJobs(t *testing.T, js *store.ExportJobStore, tenantID string) []*models.ExportJob {
	t.Helper()

	var mine []*models.ExportJob
	for {
		job, err := js.ClaimNextQueued(context.Background())
		if err != nil {
			t.Fatalf("ClaimNextQueued: %v", err)
		}
		if job == nil {
			return mine
		}
		if job.TenantID == tenantID {
			mine = append(mine, job)
		}
	}
}

func TestExportJobRoundTrip(t *testing.T) {
	base, tenantID := setupTestBase(t)
	js := store.NewExportJobStore(base)
	ctx := context.Background()

	job := queueTestJob(t, js, tenantID)

	got, err := js.GetJob(ctx, tenantID, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != models.ExportStatusQueued {
		t.Errorf("status = %s, want queued", got.Status)
	}
	if got.Config.Format != models.ExportFormatJSON {
		t.Errorf("format = %s, want json", got.Config.Format)
	}
	if !got.Config.PeriodStart.Equal(job.Config.PeriodStart) {
		t.Errorf("period start = %v, want %v", got.Config.PeriodStart, job.Config.PeriodStart)
	}

	// Jobs are tenant-scoped on the read path.
	if _, err := js.GetJob(ctx, uuid.New().String(), job.ID); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("GetJob for wrong tenant: err = %v, want ErrJobNotFound", err)
	}
}

func TestClaimNextQueued(t *testing.T) {
	base, tenantID := setupTestBase(t)
	js := store.NewExportJobStore(base)
	ctx := context.Background()

	job := queueTestJob(t, js, tenantID)

	claimed := claimTenantJobs(t, js, tenantID)
	if len(claimed) != 1 {
		t.Fatalf("claimed %d jobs, want 1", len(claimed))
	}
	if claimed[0].ID != job.ID {
		t.Errorf("claimed job %s, want %s", claimed[0].ID, job.ID)
	}
	if claimed[0].Status != models.ExportStatusProcessing {
		t.Errorf("claimed status = %s, want processing", claimed[0].Status)
	}

	got, err := js.GetJob(ctx, tenantID, job.ID)
	if err != nil {
		t.Fatalf("GetJob after claim: %v", err)
	}
	if got.Status != models.ExportStatusProcessing {
		t.Errorf("stored status = %s, want processing", got.Status)
	}

	// The queue is drained now.
	if again := claimTenantJobs(t, js, tenantID); len(again) != 0 {
		t.Errorf("claimed %d jobs from a drained queue", len(again))
	}
}

func TestExportJobLifecycle(t *testing.T) {
	base, tenantID := setupTestBase(t)
	js := store.NewExportJobStore(base)
	ctx := context.Background()

	job := queueTestJob(t, js, tenantID)
	if got := claimTenantJobs(t, js, tenantID); len(got) != 1 {
		t.Fatalf("claimed %d jobs, want 1", len(got))
	}

	if err := js.UpdatePhase(ctx, job.ID, models.ExportPhaseHashing, 42); err != nil {
		t.Fatalf("UpdatePhase: %v", err)
	}

	result := &models.ExportResult{
		FileName: "thorbis-audit-test.json",
		FileHash: "abc123",
		FileSize: 512,
	}
	if err := js.CompleteJob(ctx, job.ID, result); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	got, err := js.GetJob(ctx, tenantID, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != models.ExportStatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.Progress.Phase != models.ExportPhaseHashing || got.Progress.TotalEvents != 42 {
		t.Errorf("progress = %+v, want hashing/42", got.Progress)
	}
	if got.Result == nil || got.Result.FileHash != "abc123" {
		t.Errorf("result = %+v, want file hash abc123", got.Result)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}

	// Completed jobs are terminal: failing one is a no-op conflict.
	err = js.FailJob(ctx, job.ID, &models.ExportError{Code: "X", Message: "late"})
	if !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("FailJob on completed job: err = %v, want ErrJobNotFound", err)
	}
}

func TestExpireStale(t *testing.T) {
	base, tenantID := setupTestBase(t)
	js := store.NewExportJobStore(base)
	ctx := context.Background()

	job := queueTestJob(t, js, tenantID)

	// Backdate the job past any deadline.
	_, err := base.Pool.Exec(ctx,
		"UPDATE export_jobs SET created_at = NOW() - INTERVAL '2 days' WHERE id = $1",
		job.ID,
	)
	if err != nil {
		t.Fatalf("backdating job: %v", err)
	}

	ids, err := js.ExpireStale(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}

	var found bool
	for _, id := range ids {
		if id == job.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expired ids %v do not include %s", ids, job.ID)
	}

	got, err := js.GetJob(ctx, tenantID, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != models.ExportStatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
}
