package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thorbis/audit-core/internal/models"
	"github.com/thorbis/audit-core/internal/signing"
)

const testSeed = "9f8e7d6c5b4a39281706f5e4d3c2b1a09f8e7d6c5b4a39281706f5e4d3c2b1a0"

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

// memJobStore is an in-memory JobStore for pipeline tests.
type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.ExportJob
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[string]*models.ExportJob)}
}

func (s *memJobStore) CreateJob(_ context.Context, job *models.ExportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *job
	s.jobs[job.ID] = &cp

	return nil
}

func (s *memJobStore) GetJob(_ context.Context, tenantID, jobID string) (*models.ExportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.TenantID != tenantID {
		return nil, models.ErrJobNotFound
	}

	cp := *job

	return &cp, nil
}

func (s *memJobStore) ClaimNextQueued(_ context.Context) (*models.ExportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if job.Status == models.ExportStatusQueued {
			job.Status = models.ExportStatusProcessing
			cp := *job

			return &cp, nil
		}
	}

	return nil, nil
}

func (s *memJobStore) UpdatePhase(_ context.Context, jobID string, phase models.ExportPhase, totalEvents int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[jobID]; ok {
		job.Status = models.ExportStatusProcessing
		job.Progress = models.ExportProgress{Phase: phase, TotalEvents: totalEvents}
	}

	return nil
}

func (s *memJobStore) CompleteJob(_ context.Context, jobID string, result *models.ExportResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[jobID]; ok {
		job.Status = models.ExportStatusCompleted
		job.Result = result
	}

	return nil
}

func (s *memJobStore) FailJob(_ context.Context, jobID string, jobErr *models.ExportError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[jobID]; ok {
		job.Status = models.ExportStatusFailed
		job.Error = jobErr
	}

	return nil
}

func (s *memJobStore) ExpireStale(_ context.Context, _ time.Duration) ([]string, error) {
	return nil, nil
}

type stubEvents struct {
	events []models.AuditEvent
	anchor string
	err    error
}

func (s *stubEvents) EventsForExport(_ context.Context, _ string, _ models.ExportConfig) ([]models.AuditEvent, string, error) {
	anchor := s.anchor
	if anchor == "" {
		anchor = models.SentinelChainHash
	}

	return s.events, anchor, s.err
}

type stubChecker struct {
	result *models.ChainVerificationResult

	mu        sync.Mutex
	gotAnchor string
	gotEvents int
}

func (s *stubChecker) VerifyFrom(_ context.Context, anchor string, events []models.AuditEvent) *models.ChainVerificationResult {
	s.mu.Lock()
	s.gotAnchor = anchor
	s.gotEvents = len(events)
	s.mu.Unlock()

	if s.result != nil {
		return s.result
	}

	return &models.ChainVerificationResult{
		Valid:          true,
		TotalEvents:    len(events),
		VerifiedEvents: len(events),
	}
}

func testPipeline(t *testing.T, jobs JobStore, events EventSource, checker ChainChecker) (*Pipeline, *MemoryStore, *signing.ExportSigner) {
	t.Helper()

	signer, err := signing.NewExportSigner(testSeed, "audit-core")
	if err != nil {
		t.Fatalf("NewExportSigner: %v", err)
	}

	blobs := NewMemoryStore()
	p := NewPipeline(jobs, events, checker, signer, blobs, nil, testLogger(), Config{
		Workers:    1,
		URLTTL:     15 * time.Minute,
		ExpiryDays: 7,
	})

	return p, blobs, signer
}

func sampleEvents(n int) []models.AuditEvent {
	events := make([]models.AuditEvent, 0, n)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < n; i++ {
		events = append(events, models.AuditEvent{
			ID:           "ev-" + string(rune('a'+i)),
			Sequence:     int64(i + 1),
			Timestamp:    base.Add(time.Duration(i) * time.Minute),
			TenantID:     "tenant-1",
			UserID:       "user-1",
			Action:       "invoice.update",
			ResourceType: "invoice",
			ResourceID:   "inv-9",
			AfterState:   map[string]any{"total": float64(100 + i)},
			ContentHash:  strings.Repeat("a", 64),
			ChainHash:    strings.Repeat("b", 64),
			Signature:    strings.Repeat("c", 64),
		})
	}

	return events
}

func queueJob(t *testing.T, p *Pipeline, format models.ExportFormatKind) *models.ExportJob {
	t.Helper()

	job, err := p.Submit(context.Background(), "tenant-1", "user-1", models.ExportConfig{
		Format:      format,
		PeriodStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	return job
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	p, _, _ := testPipeline(t, newMemJobStore(), &stubEvents{}, &stubChecker{})

	_, err := p.Submit(context.Background(), "tenant-1", "user-1", models.ExportConfig{
		Format:      "xml",
		PeriodStart: time.Now().Add(-time.Hour),
		PeriodEnd:   time.Now(),
	})
	if err == nil {
		t.Fatal("expected error for unsupported format")
	}

	_, err = p.Submit(context.Background(), "tenant-1", "user-1", models.ExportConfig{
		Format:      models.ExportFormatCSV,
		PeriodStart: time.Now(),
		PeriodEnd:   time.Now().Add(-time.Hour),
	})
	if err == nil {
		t.Fatal("expected error for inverted period")
	}
}

func TestPipelineCompletesJSONExport(t *testing.T) {
	jobs := newMemJobStore()
	p, blobs, signer := testPipeline(t, jobs, &stubEvents{events: sampleEvents(3)}, &stubChecker{})

	job := queueJob(t, p, models.ExportFormatJSON)
	p.drainQueue(context.Background())

	got, err := jobs.GetJob(context.Background(), "tenant-1", job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}

	if got.Status != models.ExportStatusCompleted {
		t.Fatalf("status = %s, want completed (error: %+v)", got.Status, got.Error)
	}
	if got.Result == nil {
		t.Fatal("completed job has no result")
	}
	if got.Result.DownloadURL == "" {
		t.Error("completed job has no download URL")
	}
	if got.Result.ExpiresAt == nil {
		t.Error("completed job has no expiry")
	}

	key := ObjectKey(job.ID, models.ExportFormatJSON)

	data, err := blobs.GetObject(context.Background(), key)
	if err != nil {
		t.Fatalf("GetObject(%q): %v", key, err)
	}

	if got.Result.FileSize != int64(len(data)) {
		t.Errorf("file size = %d, want %d", got.Result.FileSize, len(data))
	}

	fileHash := signing.FileHash(data)
	if got.Result.FileHash != fileHash {
		t.Errorf("file hash = %s, want %s", got.Result.FileHash, fileHash)
	}
	if !signing.VerifyExportSignature(signer.PublicKey(), fileHash, got.Result.Signature) {
		t.Error("export signature does not verify against the stored file")
	}
}

func TestPipelineCompletesCSVExport(t *testing.T) {
	jobs := newMemJobStore()
	p, blobs, _ := testPipeline(t, jobs, &stubEvents{events: sampleEvents(2)}, &stubChecker{})

	job := queueJob(t, p, models.ExportFormatCSV)
	p.drainQueue(context.Background())

	got, err := jobs.GetJob(context.Background(), "tenant-1", job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}

	if got.Status != models.ExportStatusCompleted {
		t.Fatalf("status = %s, want completed (error: %+v)", got.Status, got.Error)
	}

	data, err := blobs.GetObject(context.Background(), ObjectKey(job.ID, models.ExportFormatCSV))
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 { // header + 2 events
		t.Errorf("csv has %d lines, want 3", len(lines))
	}
	if !strings.HasPrefix(lines[0], "id,timestamp,tenant_id,") {
		t.Errorf("unexpected csv header: %s", lines[0])
	}
}

func TestPipelineFailsOnBrokenChain(t *testing.T) {
	jobs := newMemJobStore()
	checker := &stubChecker{result: &models.ChainVerificationResult{
		Valid:          false,
		TotalEvents:    3,
		VerifiedEvents: 1,
		BrokenLinks: []models.BrokenLink{{
			EventID:  "ev-b",
			Position: 1,
			Field:    "chain_hash",
		}},
	}}
	p, blobs, _ := testPipeline(t, jobs, &stubEvents{events: sampleEvents(3)}, checker)

	job := queueJob(t, p, models.ExportFormatJSON)
	p.drainQueue(context.Background())

	got, err := jobs.GetJob(context.Background(), "tenant-1", job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}

	if got.Status != models.ExportStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Error == nil {
		t.Fatal("failed job has no error")
	}
	if got.Error.Code != models.ErrCodeChainVerification {
		t.Errorf("error code = %s, want %s", got.Error.Code, models.ErrCodeChainVerification)
	}
	if got.Error.Details == nil {
		t.Error("chain verification failure has no diagnostic details")
	}

	// No artifact may exist for a failed export.
	if n := blobs.Len(); n != 0 {
		t.Errorf("blob store holds %d objects after failed export, want 0", n)
	}
}

func TestPipelineFailsOnQueryError(t *testing.T) {
	jobs := newMemJobStore()
	events := &stubEvents{err: context.DeadlineExceeded}
	p, _, _ := testPipeline(t, jobs, events, &stubChecker{})

	job := queueJob(t, p, models.ExportFormatJSON)
	p.drainQueue(context.Background())

	got, err := jobs.GetJob(context.Background(), "tenant-1", job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}

	if got.Status != models.ExportStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Error.Code != models.ErrCodeDependencyDown {
		t.Errorf("error code = %s, want %s", got.Error.Code, models.ErrCodeDependencyDown)
	}
}

// TestPipelineForwardsAnchorToVerifier pins the anchored hand-off: the
// stored hash preceding the snapshot reaches the verifier, so a period that
// starts mid-chain is not compared against the genesis sentinel.
func TestPipelineForwardsAnchorToVerifier(t *testing.T) {
	jobs := newMemJobStore()
	anchor := strings.Repeat("d", 64)
	checker := &stubChecker{}
	p, _, _ := testPipeline(t, jobs, &stubEvents{events: sampleEvents(3), anchor: anchor}, checker)

	queueJob(t, p, models.ExportFormatJSON)
	p.drainQueue(context.Background())

	if checker.gotAnchor != anchor {
		t.Errorf("verifier anchor = %s, want %s", checker.gotAnchor, anchor)
	}
	if checker.gotEvents != 3 {
		t.Errorf("verifier saw %d events, want 3", checker.gotEvents)
	}
}

// TestPipelineFiltersAfterVerification pins the order of operations: the
// verifier sees the whole period snapshot, while attribute filters narrow
// only what is rendered into the file.
func TestPipelineFiltersAfterVerification(t *testing.T) {
	jobs := newMemJobStore()

	events := sampleEvents(3)
	for i := range events {
		events[i].ChainHash = fmt.Sprintf("%064d", i)
	}
	events[0].Action = "invoice.create"
	events[2].Action = "invoice.create"

	checker := &stubChecker{}
	p, blobs, _ := testPipeline(t, jobs, &stubEvents{events: events}, checker)

	job, err := p.Submit(context.Background(), "tenant-1", "user-1", models.ExportConfig{
		Format:      models.ExportFormatJSON,
		PeriodStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		Action:      "invoice.update",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	p.drainQueue(context.Background())

	if checker.gotEvents != 3 {
		t.Errorf("verifier saw %d events, want the full snapshot of 3", checker.gotEvents)
	}

	data, err := blobs.GetObject(context.Background(), ObjectKey(job.ID, models.ExportFormatJSON))
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}

	var file models.ExportFile
	if err := json.Unmarshal(data, &file); err != nil {
		t.Fatalf("unmarshaling export: %v", err)
	}

	if len(file.Events) != 1 || file.Events[0].ID != events[1].ID {
		t.Fatalf("rendered events = %+v, want only %s", file.Events, events[1].ID)
	}

	// The file's anchor is the stored hash of the event preceding the first
	// rendered event, so a consumer can still check its first link.
	if file.ExportMetadata.ChainAnchor != events[0].ChainHash {
		t.Errorf("chain anchor = %s, want %s", file.ExportMetadata.ChainAnchor, events[0].ChainHash)
	}
}

// TestPipelineJobScopedObjectKeys pins that two exports over the same period
// never share a blob: completing the second must not invalidate the first
// job's recorded file hash.
func TestPipelineJobScopedObjectKeys(t *testing.T) {
	jobs := newMemJobStore()
	p, blobs, _ := testPipeline(t, jobs, &stubEvents{events: sampleEvents(2)}, &stubChecker{})

	first := queueJob(t, p, models.ExportFormatJSON)
	p.drainQueue(context.Background())

	second := queueJob(t, p, models.ExportFormatJSON)
	p.drainQueue(context.Background())

	if n := blobs.Len(); n != 2 {
		t.Fatalf("blob store holds %d objects, want 2", n)
	}

	firstJob, err := jobs.GetJob(context.Background(), "tenant-1", first.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}

	data, err := blobs.GetObject(context.Background(), ObjectKey(first.ID, models.ExportFormatJSON))
	if err != nil {
		t.Fatalf("GetObject after second export: %v", err)
	}

	if got := signing.FileHash(data); got != firstJob.Result.FileHash {
		t.Errorf("first export's stored bytes hash to %s, recorded %s", got, firstJob.Result.FileHash)
	}

	if _, err := blobs.GetObject(context.Background(), ObjectKey(second.ID, models.ExportFormatJSON)); err != nil {
		t.Errorf("second export missing: %v", err)
	}
}

func TestPipelineFailsOnMissingAnchor(t *testing.T) {
	jobs := newMemJobStore()
	events := &stubEvents{err: fmt.Errorf("sequence 4: %w", models.ErrAnchorNotFound)}
	p, _, _ := testPipeline(t, jobs, events, &stubChecker{})

	job := queueJob(t, p, models.ExportFormatJSON)
	p.drainQueue(context.Background())

	got, err := jobs.GetJob(context.Background(), "tenant-1", job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}

	if got.Status != models.ExportStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Error.Code != models.ErrCodeChainVerification {
		t.Errorf("error code = %s, want %s", got.Error.Code, models.ErrCodeChainVerification)
	}
}

func TestPipelineFailedRetryGetsFreshJob(t *testing.T) {
	jobs := newMemJobStore()
	checker := &stubChecker{result: &models.ChainVerificationResult{Valid: false}}
	p, _, _ := testPipeline(t, jobs, &stubEvents{events: sampleEvents(1)}, checker)

	first := queueJob(t, p, models.ExportFormatJSON)
	p.drainQueue(context.Background())

	second := queueJob(t, p, models.ExportFormatJSON)
	if second.ID == first.ID {
		t.Error("retried export reused the failed job id")
	}
}
