package api_test

import (
	"context"
	"time"

	"github.com/thorbis/audit-core/internal/models"
)

// mockRecorder implements api.EventRecorder for testing.
type mockRecorder struct {
	appendFn func(ctx context.Context, tenantID string, draft models.EventDraft) (*models.AuditEvent, error)
}

func (m *mockRecorder) Append(ctx context.Context, tenantID string, draft models.EventDraft) (*models.AuditEvent, error) {
	return m.appendFn(ctx, tenantID, draft)
}

// mockEventRepo implements api.EventRepository for testing.
type mockEventRepo struct {
	queryFn func(ctx context.Context, tenantID string, opts models.EventQueryOpts) ([]models.AuditEvent, bool, error)
}

func (m *mockEventRepo) QueryEvents(ctx context.Context, tenantID string, opts models.EventQueryOpts) ([]models.AuditEvent, bool, error) {
	return m.queryFn(ctx, tenantID, opts)
}

// mockVerifier implements api.ChainVerifier for testing.
type mockVerifier struct {
	verifyFn         func(ctx context.Context, events []models.AuditEvent) *models.ChainVerificationResult
	verifyFilteredFn func(ctx context.Context, anchor string, events []models.AuditEvent) *models.ChainVerificationResult
}

func (m *mockVerifier) Verify(ctx context.Context, events []models.AuditEvent) *models.ChainVerificationResult {
	return m.verifyFn(ctx, events)
}

func (m *mockVerifier) VerifyFiltered(ctx context.Context, anchor string, events []models.AuditEvent) *models.ChainVerificationResult {
	if m.verifyFilteredFn != nil {
		return m.verifyFilteredFn(ctx, anchor, events)
	}

	return m.verifyFn(ctx, events)
}

// mockExportService implements api.ExportService for testing.
type mockExportService struct {
	submitFn func(ctx context.Context, tenantID, requestedBy string, cfg models.ExportConfig) (*models.ExportJob, error)
	statusFn func(ctx context.Context, tenantID, jobID string) (*models.ExportJob, error)
}

func (m *mockExportService) Submit(ctx context.Context, tenantID, requestedBy string, cfg models.ExportConfig) (*models.ExportJob, error) {
	return m.submitFn(ctx, tenantID, requestedBy, cfg)
}

func (m *mockExportService) Status(ctx context.Context, tenantID, jobID string) (*models.ExportJob, error) {
	return m.statusFn(ctx, tenantID, jobID)
}

// mockFileStore implements api.FileStore for testing.
type mockFileStore struct {
	getFn    func(ctx context.Context, name string) ([]byte, error)
	signFn   func(name, downloadName string, ttl time.Duration) (string, error)
	verifyFn func(name, downloadName, exp, sig string) error
}

func (m *mockFileStore) GetObject(ctx context.Context, name string) ([]byte, error) {
	return m.getFn(ctx, name)
}

func (m *mockFileStore) SignedURL(name, downloadName string, ttl time.Duration) (string, error) {
	return m.signFn(name, downloadName, ttl)
}

func (m *mockFileStore) VerifyURL(name, downloadName, exp, sig string) error {
	return m.verifyFn(name, downloadName, exp, sig)
}
