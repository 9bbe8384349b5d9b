package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/thorbis/audit-core/internal/models"
)

// EventStore provides data access for audit events and per-tenant chain heads.
type EventStore struct {
	Base
}

// NewEventStore creates an EventStore.
func NewEventStore(base Base) *EventStore {
	return &EventStore{Base: base}
}

// ChainHead returns the tenant's last chain hash and sequence number, or the
// sentinel hash and zero when the tenant has no events yet.
func (s *EventStore) ChainHead(ctx context.Context, tenantID string) (string, int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginReadTx(ctx, tenantID)
	if err != nil {
		return "", 0, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback after commit.

	var hash string
	var seq int64

	err = tx.QueryRow(ctx,
		"SELECT last_chain_hash, last_sequence FROM audit_chain_heads WHERE tenant_id = $1",
		tenantID,
	).Scan(&hash, &seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SentinelChainHash, 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("reading chain head: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", 0, fmt.Errorf("committing chain head read: %w", err)
	}

	return hash, seq, nil
}

// AppendEvent persists a fully populated event and advances the tenant's
// chain head in one transaction. The head update is a compare-and-swap on
// prevChainHash: when a concurrent append for the same tenant has already
// moved the head, nothing is written and models.ErrChainConflict is
// returned so the caller can recompute against the new head. This scopes
// contention to one tenant at a time.
func (s *EventStore) AppendEvent(ctx context.Context, ev *models.AuditEvent, prevChainHash string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginTx(ctx, ev.TenantID)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback on early return.

	// First append for a tenant: seed the head row with the sentinel so the
	// compare-and-swap below covers the empty-chain case too.
	if prevChainHash == models.SentinelChainHash {
		_, err = tx.Exec(ctx, `
			INSERT INTO audit_chain_heads (tenant_id, last_chain_hash, last_sequence)
			VALUES ($1, $2, 0)
			ON CONFLICT (tenant_id) DO NOTHING`,
			ev.TenantID, models.SentinelChainHash,
		)
		if err != nil {
			return fmt.Errorf("seeding chain head: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE audit_chain_heads
		SET last_chain_hash = $1, last_sequence = $2, updated_at = NOW()
		WHERE tenant_id = $3 AND last_chain_hash = $4`,
		ev.ChainHash, ev.Sequence, ev.TenantID, prevChainHash,
	)
	if err != nil {
		return fmt.Errorf("advancing chain head: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrChainConflict
	}

	beforeJSON, afterJSON, metaJSON, err := marshalStates(ev)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_events (
			id, tenant_id, sequence, occurred_at, user_id, action,
			resource_type, resource_id, before_state, after_state, metadata,
			content_hash, chain_hash, signature
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		ev.ID, ev.TenantID, ev.Sequence, ev.Timestamp, ev.UserID, ev.Action,
		ev.ResourceType, ev.ResourceID, beforeJSON, afterJSON, metaJSON,
		ev.ContentHash, ev.ChainHash, ev.Signature,
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}

	return tx.Commit(ctx)
}

func marshalStates(ev *models.AuditEvent) (before, after, meta []byte, err error) {
	if ev.BeforeState != nil {
		if before, err = json.Marshal(ev.BeforeState); err != nil {
			return nil, nil, nil, fmt.Errorf("marshaling before state: %w", err)
		}
	}
	if ev.AfterState != nil {
		if after, err = json.Marshal(ev.AfterState); err != nil {
			return nil, nil, nil, fmt.Errorf("marshaling after state: %w", err)
		}
	}
	if ev.Metadata != nil {
		if meta, err = json.Marshal(ev.Metadata); err != nil {
			return nil, nil, nil, fmt.Errorf("marshaling metadata: %w", err)
		}
	}

	return before, after, meta, nil
}

// buildEventFilter builds WHERE conditions and args from EventQueryOpts.
func buildEventFilter(opts models.EventQueryOpts) (conditions []string, args []any, nextArg int) {
	argIdx := 1

	if opts.Action != "" {
		conditions = append(conditions, "action = $"+strconv.Itoa(argIdx))
		args = append(args, opts.Action)
		argIdx++
	}
	if opts.ResourceType != "" {
		conditions = append(conditions, "resource_type = $"+strconv.Itoa(argIdx))
		args = append(args, opts.ResourceType)
		argIdx++
	}
	if opts.ResourceID != "" {
		conditions = append(conditions, "resource_id = $"+strconv.Itoa(argIdx))
		args = append(args, opts.ResourceID)
		argIdx++
	}
	if opts.UserID != "" {
		conditions = append(conditions, "user_id = $"+strconv.Itoa(argIdx))
		args = append(args, opts.UserID)
		argIdx++
	}
	if opts.From != nil {
		conditions = append(conditions, "occurred_at >= $"+strconv.Itoa(argIdx))
		args = append(args, *opts.From)
		argIdx++
	}
	if opts.To != nil {
		conditions = append(conditions, "occurred_at < $"+strconv.Itoa(argIdx))
		args = append(args, *opts.To)
		argIdx++
	}

	return conditions, args, argIdx
}

// QueryEvents returns events matching the given filters in chain order.
// Returns events, hasMore flag, and any error.
func (s *EventStore) QueryEvents(
	ctx context.Context, tenantID string, opts models.EventQueryOpts,
) ([]models.AuditEvent, bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginReadTx(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback on early return.

	conditions, args, argIdx := buildEventFilter(opts)
	conditions = append(conditions, "tenant_id = current_setting('app.tenant_id')::uuid")

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT id, tenant_id, sequence, occurred_at, user_id, action,
		       resource_type, resource_id, before_state, after_state, metadata,
		       content_hash, chain_hash, signature
		FROM audit_events
		WHERE %s
		ORDER BY sequence
		LIMIT $%d OFFSET $%d`,
		strings.Join(conditions, " AND "), argIdx, argIdx+1,
	)
	args = append(args, limit+1, opts.Offset)

	events, err := scanEventRows(ctx, tx, query, args, s.Log)
	if err != nil {
		return nil, false, err
	}

	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}

	return events, hasMore, nil
}

// EventsForExport reads the full period snapshot for an export, ordered by
// sequence, together with its chain anchor: the stored chain hash of the
// event immediately preceding the snapshot (the sentinel when the snapshot
// starts at sequence 1). Only the time period narrows the snapshot here;
// action and user filters are applied after verification, since filtered-out
// events would otherwise surface as broken links.
func (s *EventStore) EventsForExport(
	ctx context.Context, tenantID string, cfg models.ExportConfig,
) ([]models.AuditEvent, string, error) {
	events, _, err := s.QueryEvents(ctx, tenantID, models.EventQueryOpts{
		From:  &cfg.PeriodStart,
		To:    &cfg.PeriodEnd,
		Limit: 1 << 30, // full range in one snapshot
	})
	if err != nil {
		return nil, "", fmt.Errorf("querying events for export: %w", err)
	}

	if len(events) == 0 {
		return events, models.SentinelChainHash, nil
	}

	anchor, err := s.chainHashAt(ctx, tenantID, events[0].Sequence-1)
	if err != nil {
		return nil, "", err
	}

	return events, anchor, nil
}

// chainHashAt returns the stored chain hash of the event with the given
// sequence, the sentinel for sequence 0, or models.ErrAnchorNotFound when
// the row is missing.
func (s *EventStore) chainHashAt(ctx context.Context, tenantID string, seq int64) (string, error) {
	if seq <= 0 {
		return models.SentinelChainHash, nil
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginReadTx(ctx, tenantID)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback after commit.

	var hash string

	err = tx.QueryRow(ctx,
		"SELECT chain_hash FROM audit_events WHERE tenant_id = $1 AND sequence = $2",
		tenantID, seq,
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("sequence %d: %w", seq, models.ErrAnchorNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading chain anchor: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("committing chain anchor read: %w", err)
	}

	return hash, nil
}

// scanEventRows executes a query and scans audit events from the result.
func scanEventRows(ctx context.Context, tx pgx.Tx, query string, args []any, log *logrus.Logger) ([]models.AuditEvent, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		var beforeJSON, afterJSON, metaJSON []byte

		if err := rows.Scan(
			&ev.ID, &ev.TenantID, &ev.Sequence, &ev.Timestamp, &ev.UserID, &ev.Action,
			&ev.ResourceType, &ev.ResourceID, &beforeJSON, &afterJSON, &metaJSON,
			&ev.ContentHash, &ev.ChainHash, &ev.Signature,
		); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}

		unmarshalState(beforeJSON, &ev.BeforeState, log)
		unmarshalState(afterJSON, &ev.AfterState, log)
		unmarshalState(metaJSON, &ev.Metadata, log)

		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit events: %w", err)
	}

	return events, nil
}

func unmarshalState(raw []byte, dst *map[string]any, log *logrus.Logger) {
	if raw == nil {
		return
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		log.WithError(err).Warn("failed to unmarshal event state payload")
	}
}
