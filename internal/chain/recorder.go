package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/thorbis/audit-core/internal/metrics"
	"github.com/thorbis/audit-core/internal/models"
	"github.com/thorbis/audit-core/internal/signing"
)

// EventStore is the data-access interface the Recorder depends on.
// AppendEvent must persist the event and advance the tenant's chain head in
// one atomic operation, returning models.ErrChainConflict when the head no
// longer matches prevChainHash.
type EventStore interface {
	ChainHead(ctx context.Context, tenantID string) (chainHash string, sequence int64, err error)
	AppendEvent(ctx context.Context, ev *models.AuditEvent, prevChainHash string) error
}

// maxAppendRetries bounds how often an append re-reads the head after
// losing the compare-and-swap to a concurrent writer.
const maxAppendRetries = 5

// Recorder appends audit events to per-tenant hash chains.
//
// Chain-hash computation is inherently sequential per tenant: each event
// depends on the previous event's hash. The store's compare-and-swap on the
// head row guarantees one logical writer at a time per tenant; the Recorder
// retries with the refreshed head when it loses the race. Appends for
// different tenants proceed in parallel.
type Recorder struct {
	store  EventStore
	signer *signing.EventSigner
	log    *logrus.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder.
func NewRecorder(store EventStore, signer *signing.EventSigner, log *logrus.Logger) *Recorder {
	return &Recorder{
		store:  store,
		signer: signer,
		log:    log,
		// TIMESTAMPTZ stores microseconds. Truncate before hashing so the
		// timestamp that comes back from the database reproduces the same
		// content hash.
		now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Append records one audit event for the tenant and returns the fully
// populated, persisted event. Once Append returns, the event's hashes and
// signature never change. Hashing and signing are pure computations over
// already-fetched data; persistence is the only I/O.
func (r *Recorder) Append(ctx context.Context, tenantID string, draft models.EventDraft) (*models.AuditEvent, error) {
	if draft.Action == "" {
		return nil, fmt.Errorf("append: action is required")
	}

	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		prevHash, prevSeq, err := r.store.ChainHead(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("reading chain head: %w", err)
		}

		ev := &models.AuditEvent{
			ID:           uuid.New().String(),
			Sequence:     prevSeq + 1,
			Timestamp:    r.now(),
			TenantID:     tenantID,
			UserID:       draft.UserID,
			Action:       draft.Action,
			ResourceType: draft.ResourceType,
			ResourceID:   draft.ResourceID,
			BeforeState:  draft.BeforeState,
			AfterState:   draft.AfterState,
			Metadata:     draft.Metadata,
		}

		ev.ContentHash, err = ContentHash(ev)
		if err != nil {
			return nil, err
		}

		ev.ChainHash = ChainHash(prevHash, ev.ContentHash)

		ev.Signature, err = r.signer.Sign(ctx, tenantID, ev.ChainHash)
		if err != nil {
			return nil, fmt.Errorf("signing event: %w", err)
		}

		err = r.store.AppendEvent(ctx, ev, prevHash)
		if err == nil {
			metrics.EventsRecorded.Inc()

			return ev, nil
		}

		if !errors.Is(err, models.ErrChainConflict) {
			return nil, fmt.Errorf("persisting event: %w", err)
		}

		metrics.ChainConflicts.Inc()
		r.log.WithFields(logrus.Fields{
			"tenant_id": tenantID,
			"attempt":   attempt + 1,
		}).Debug("chain head moved, retrying append")
	}

	return nil, fmt.Errorf("append for tenant %s: %w after %d attempts", tenantID, models.ErrChainConflict, maxAppendRetries)
}
