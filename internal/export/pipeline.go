// Package export implements the asynchronous export pipeline: a job state
// machine that snapshots a range of audit events, verifies the chain,
// renders CSV or JSON, signs the file, and publishes it to blob storage.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/thorbis/audit-core/internal/metrics"
	"github.com/thorbis/audit-core/internal/models"
	"github.com/thorbis/audit-core/internal/signing"
)

// EventSource supplies a consistent snapshot of events for an export,
// together with the chain anchor: the stored chain hash of the event
// immediately preceding the snapshot.
type EventSource interface {
	EventsForExport(ctx context.Context, tenantID string, cfg models.ExportConfig) ([]models.AuditEvent, string, error)
}

// JobStore is the data-access interface the pipeline depends on.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.ExportJob) error
	GetJob(ctx context.Context, tenantID, jobID string) (*models.ExportJob, error)
	ClaimNextQueued(ctx context.Context) (*models.ExportJob, error)
	UpdatePhase(ctx context.Context, jobID string, phase models.ExportPhase, totalEvents int) error
	CompleteJob(ctx context.Context, jobID string, result *models.ExportResult) error
	FailJob(ctx context.Context, jobID string, jobErr *models.ExportError) error
	ExpireStale(ctx context.Context, deadline time.Duration) ([]string, error)
}

// ChainChecker verifies a snapshot of events before it is exported. The
// anchor ties the snapshot's first link into the rest of the chain.
type ChainChecker interface {
	VerifyFrom(ctx context.Context, anchor string, events []models.AuditEvent) *models.ChainVerificationResult
}

// StatusNotifier receives job state transitions (e.g. for WebSocket fan-out).
type StatusNotifier interface {
	NotifyJob(job *models.ExportJob)
}

// Config tunes the pipeline.
type Config struct {
	Workers      int
	JobDeadline  time.Duration // queued/processing jobs older than this expire
	URLTTL       time.Duration // signed download URL validity
	ExpiryDays   int           // file availability after completion
	PollInterval time.Duration // fallback poll for jobs missed across restarts
}

// Pipeline runs export jobs. Phases execute sequentially within one job;
// different jobs (even for the same tenant) run concurrently, since exports
// only read the chain.
type Pipeline struct {
	jobs     JobStore
	events   EventSource
	verifier ChainChecker
	signer   *signing.ExportSigner
	blobs    BlobStore
	notifier StatusNotifier
	log      *logrus.Logger
	cfg      Config
	wake     chan struct{}
}

// NewPipeline creates a Pipeline. notifier may be nil.
func NewPipeline(
	jobs JobStore, events EventSource, verifier ChainChecker,
	signer *signing.ExportSigner, blobs BlobStore, notifier StatusNotifier,
	log *logrus.Logger, cfg Config,
) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.JobDeadline <= 0 {
		cfg.JobDeadline = time.Hour
	}
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = 15 * time.Minute
	}
	if cfg.ExpiryDays <= 0 {
		cfg.ExpiryDays = 7
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}

	return &Pipeline{
		jobs:     jobs,
		events:   events,
		verifier: verifier,
		signer:   signer,
		blobs:    blobs,
		notifier: notifier,
		log:      log,
		cfg:      cfg,
		wake:     make(chan struct{}, 1),
	}
}

// Submit validates the request and enqueues a new job. The job id is always
// fresh: re-running a failed export never reuses the old id.
func (p *Pipeline) Submit(ctx context.Context, tenantID, requestedBy string, cfg models.ExportConfig) (*models.ExportJob, error) {
	if cfg.Format != models.ExportFormatCSV && cfg.Format != models.ExportFormatJSON {
		return nil, fmt.Errorf("unsupported export format %q", cfg.Format)
	}
	if !cfg.PeriodEnd.After(cfg.PeriodStart) {
		return nil, fmt.Errorf("export period end must be after start")
	}

	job := &models.ExportJob{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		RequestedBy: requestedBy,
		Status:      models.ExportStatusQueued,
		Config:      cfg,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}

	if err := p.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating export job: %w", err)
	}

	metrics.ExportJobsTotal.WithLabelValues(string(models.ExportStatusQueued)).Inc()

	// Non-blocking wake; a sleeping worker will pick the job up.
	select {
	case p.wake <- struct{}{}:
	default:
	}

	return job, nil
}

// Status returns a tenant's job.
func (p *Pipeline) Status(ctx context.Context, tenantID, jobID string) (*models.ExportJob, error) {
	return p.jobs.GetJob(ctx, tenantID, jobID)
}

// Run spawns the worker pool and the expiry sweeper, blocking until the
// context is cancelled and all workers have stopped. Call in a goroutine.
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup

	p.log.WithField("workers", p.cfg.Workers).Info("starting export workers")

	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.runWorker(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runSweeper(ctx)
	}()

	wg.Wait()
	p.log.Info("all export workers stopped")
}

func (p *Pipeline) runWorker(ctx context.Context, id int) {
	p.log.WithField("worker_id", id).Debug("export worker started")

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}

		p.drainQueue(ctx)
	}
}

func (p *Pipeline) drainQueue(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.jobs.ClaimNextQueued(ctx)
		if err != nil {
			p.log.WithError(err).Warn("claiming export job failed")

			return
		}
		if job == nil {
			return
		}

		p.process(ctx, job)
	}
}

// runSweeper expires jobs that missed their deadline so nothing stays
// processing forever.
func (p *Pipeline) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := p.jobs.ExpireStale(ctx, p.cfg.JobDeadline)
			if err != nil {
				p.log.WithError(err).Warn("expiring stale export jobs failed")

				continue
			}

			for range ids {
				metrics.ExportJobsTotal.WithLabelValues(string(models.ExportStatusExpired)).Inc()
			}

			if len(ids) > 0 {
				p.log.WithField("expired", len(ids)).Info("export.jobs_expired")
			}
		}
	}
}

// process runs one job through all phases. Failures are recorded on the job
// record, never propagated to the (long gone) requester.
func (p *Pipeline) process(ctx context.Context, job *models.ExportJob) {
	log := p.log.WithFields(logrus.Fields{"job_id": job.ID, "tenant_id": job.TenantID})

	// querying
	p.setPhase(ctx, job, models.ExportPhaseQuerying, 0)

	var events []models.AuditEvent
	var anchor string
	err := p.withBackoff(ctx, func(ctx context.Context) error {
		var qerr error
		events, anchor, qerr = p.events.EventsForExport(ctx, job.TenantID, job.Config)

		return qerr
	})
	if err != nil {
		if errors.Is(err, models.ErrAnchorNotFound) {
			// An event before the range is gone; that is an integrity hole,
			// not an infrastructure failure.
			metrics.ChainVerificationFailures.Inc()
			p.fail(ctx, job, models.ErrCodeChainVerification, "chain verification failed", map[string]any{"cause": err.Error()})

			return
		}

		p.fail(ctx, job, models.ErrCodeDependencyDown, "querying events failed", map[string]any{"cause": err.Error()})

		return
	}

	// hashing. The whole period snapshot is verified before any filter
	// narrows it; filters select what is rendered, never what is checked.
	p.setPhase(ctx, job, models.ExportPhaseHashing, len(events))

	chainRes := p.verifier.VerifyFrom(ctx, anchor, events)
	if !chainRes.Valid {
		// An export must never be produced from a chain that fails
		// verification; the verifier's diagnostics travel with the job.
		metrics.ChainVerificationFailures.Inc()
		p.fail(ctx, job, models.ErrCodeChainVerification, "chain verification failed", verifierDetails(chainRes))

		return
	}

	// formatting
	p.setPhase(ctx, job, models.ExportPhaseFormatting, len(events))

	rendered := filterEvents(events, job.Config)
	fileName := FileName(job.TenantID, job.Config)
	objectKey := ObjectKey(job.ID, job.Config.Format)

	var data []byte
	switch job.Config.Format {
	case models.ExportFormatCSV:
		data, err = RenderCSV(rendered)
	default:
		data, err = RenderJSON(job.TenantID, job.Config, rendered, chainRes, renderAnchor(events, rendered, anchor))
	}
	if err != nil {
		p.fail(ctx, job, models.ErrCodeExport, "formatting export failed", map[string]any{"cause": err.Error()})

		return
	}

	// signing
	p.setPhase(ctx, job, models.ExportPhaseSigning, len(events))

	fileHash := signing.FileHash(data)
	sig := p.signer.Sign(fileHash)

	// uploading
	p.setPhase(ctx, job, models.ExportPhaseUploading, len(events))

	err = p.withBackoff(ctx, func(ctx context.Context) error {
		return p.blobs.PutObject(ctx, objectKey, data)
	})
	if err != nil {
		p.fail(ctx, job, models.ErrCodeDependencyDown, "uploading export failed", map[string]any{"cause": err.Error()})

		return
	}

	downloadURL, err := p.blobs.SignedURL(objectKey, fileName, p.cfg.URLTTL)
	if err != nil {
		p.fail(ctx, job, models.ErrCodeDependencyDown, "signing download URL failed", map[string]any{"cause": err.Error()})

		return
	}

	expiresAt := time.Now().UTC().Add(time.Duration(p.cfg.ExpiryDays) * 24 * time.Hour)
	result := &models.ExportResult{
		FileName:    fileName,
		FileHash:    fileHash,
		FileSize:    int64(len(data)),
		Signature:   sig,
		DownloadURL: downloadURL,
		ExpiresAt:   &expiresAt,
	}

	if err := p.jobs.CompleteJob(ctx, job.ID, result); err != nil {
		log.WithError(err).Error("recording export completion failed")

		return
	}

	job.Status = models.ExportStatusCompleted
	job.Result = result
	metrics.ExportJobsTotal.WithLabelValues(string(models.ExportStatusCompleted)).Inc()
	p.notify(job)

	log.WithFields(logrus.Fields{
		"events": len(rendered),
		"bytes":  len(data),
		"file":   fileName,
		"object": objectKey,
	}).Info("export.completed")
}

// filterEvents applies the export's attribute filters to the verified
// snapshot. Only rendering is narrowed; verification always covers the
// whole period.
func filterEvents(events []models.AuditEvent, cfg models.ExportConfig) []models.AuditEvent {
	if cfg.Action == "" && cfg.ResourceType == "" && cfg.UserID == "" {
		return events
	}

	out := make([]models.AuditEvent, 0, len(events))
	for i := range events {
		ev := &events[i]
		if cfg.Action != "" && ev.Action != cfg.Action {
			continue
		}
		if cfg.ResourceType != "" && ev.ResourceType != cfg.ResourceType {
			continue
		}
		if cfg.UserID != "" && ev.UserID != cfg.UserID {
			continue
		}
		out = append(out, *ev)
	}

	return out
}

// renderAnchor returns the chain anchor for the rendered selection: the
// stored chain hash of the event preceding the first rendered event, which
// is the snapshot anchor unless filters dropped leading events.
func renderAnchor(snapshot, rendered []models.AuditEvent, snapshotAnchor string) string {
	if len(rendered) == 0 || len(snapshot) == 0 || rendered[0].ID == snapshot[0].ID {
		return snapshotAnchor
	}

	for i := range snapshot {
		if snapshot[i].Sequence == rendered[0].Sequence-1 {
			return snapshot[i].ChainHash
		}
	}

	return snapshotAnchor
}

const (
	backoffBase     = 500 * time.Millisecond
	backoffAttempts = 3
)

// withBackoff retries transient I/O with bounded exponential backoff.
func (p *Pipeline) withBackoff(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(backoffAttempts, retry.NewExponential(backoffBase))

	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return retry.RetryableError(err)
		}

		return nil
	})
}

func (p *Pipeline) setPhase(ctx context.Context, job *models.ExportJob, phase models.ExportPhase, total int) {
	if err := p.jobs.UpdatePhase(ctx, job.ID, phase, total); err != nil {
		p.log.WithError(err).WithField("job_id", job.ID).Warn("updating export phase failed")
	}

	job.Status = models.ExportStatusProcessing
	job.Progress = models.ExportProgress{Phase: phase, TotalEvents: total}
	p.notify(job)
}

func (p *Pipeline) fail(ctx context.Context, job *models.ExportJob, code, message string, details map[string]any) {
	jobErr := &models.ExportError{Code: code, Message: message, Details: details}

	if err := p.jobs.FailJob(ctx, job.ID, jobErr); err != nil {
		p.log.WithError(err).WithField("job_id", job.ID).Error("recording export failure failed")
	}

	job.Status = models.ExportStatusFailed
	job.Error = jobErr
	metrics.ExportJobsTotal.WithLabelValues(string(models.ExportStatusFailed)).Inc()
	p.notify(job)

	p.log.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"tenant_id": job.TenantID,
		"code":      code,
	}).Warn("export.failed")
}

func (p *Pipeline) notify(job *models.ExportJob) {
	if p.notifier != nil {
		p.notifier.NotifyJob(job)
	}
}

// verifierDetails flattens a verification result into a job error payload.
func verifierDetails(res *models.ChainVerificationResult) map[string]any {
	raw, err := json.Marshal(res)
	if err != nil {
		return map[string]any{"verified_events": res.VerifiedEvents}
	}

	var details map[string]any
	if err := json.Unmarshal(raw, &details); err != nil {
		return map[string]any{"verified_events": res.VerifiedEvents}
	}

	return details
}
