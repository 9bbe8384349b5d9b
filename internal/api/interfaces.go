package api

import (
	"context"
	"time"

	"github.com/thorbis/audit-core/internal/models"
)

// EventRecorder defines the append operation used by EventHandler.
type EventRecorder interface {
	Append(ctx context.Context, tenantID string, draft models.EventDraft) (*models.AuditEvent, error)
}

// EventRepository defines query operations used by EventHandler and
// VerifyHandler.
type EventRepository interface {
	QueryEvents(ctx context.Context, tenantID string, opts models.EventQueryOpts) ([]models.AuditEvent, bool, error)
}

// ChainVerifier defines the replay checks used by VerifyHandler. Verify
// covers a whole chain from its genesis; VerifyFiltered covers a filtered
// selection, re-anchoring across the gaps the filters leave.
type ChainVerifier interface {
	Verify(ctx context.Context, events []models.AuditEvent) *models.ChainVerificationResult
	VerifyFiltered(ctx context.Context, anchor string, events []models.AuditEvent) *models.ChainVerificationResult
}

// ExportService defines the job operations used by ExportHandler.
type ExportService interface {
	Submit(ctx context.Context, tenantID, requestedBy string, cfg models.ExportConfig) (*models.ExportJob, error)
	Status(ctx context.Context, tenantID, jobID string) (*models.ExportJob, error)
}

// FileStore defines the blob operations used by ExportHandler and
// FileHandler: serving stored exports and minting/checking signed URLs.
type FileStore interface {
	GetObject(ctx context.Context, name string) ([]byte, error)
	SignedURL(name, downloadName string, ttl time.Duration) (string, error)
	VerifyURL(name, downloadName, exp, sig string) error
}
