package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/thorbis/audit-core/internal/models"
	"github.com/thorbis/audit-core/internal/store"
)

// appendTestEvents chains n events for a tenant starting at the sentinel,
// with distinct fake hashes, and returns them in sequence order.
func appendTestEvents(t *testing.T, es *store.EventStore, tenantID string, n int) []models.AuditEvent {
	t.Helper()

	ctx := context.Background()
	prev := models.SentinelChainHash
	base := time.Now().UTC().Truncate(time.Microsecond).Add(-time.Duration(n) * time.Minute)

	events := make([]models.AuditEvent, 0, n)
	for i := 0; i < n; i++ {
		ev := models.AuditEvent{
			ID:           uuid.New().String(),
			Sequence:     int64(i + 1),
			Timestamp:    base.Add(time.Duration(i) * time.Minute),
			TenantID:     tenantID,
			UserID:       "user-1",
			Action:       "invoice.update",
			ResourceType: "invoice",
			ResourceID:   fmt.Sprintf("inv-%d", i+1),
			AfterState:   map[string]any{"rev": i + 1},
			ContentHash:  fmt.Sprintf("%063da", i+1),
			ChainHash:    fmt.Sprintf("%063db", i+1),
			Signature:    fmt.Sprintf("%063dc", i+1),
		}
		if err := es.AppendEvent(ctx, &ev, prev); err != nil {
			t.Fatalf("AppendEvent %d: %v", i+1, err)
		}
		prev = ev.ChainHash
		events = append(events, ev)
	}

	return events
}

func TestChainHeadEmptyTenant(t *testing.T) {
	base, tenantID := setupTestBase(t)
	es := store.NewEventStore(base)

	hash, seq, err := es.ChainHead(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("ChainHead: %v", err)
	}
	if hash != models.SentinelChainHash {
		t.Errorf("head hash = %s, want sentinel", hash)
	}
	if seq != 0 {
		t.Errorf("head sequence = %d, want 0", seq)
	}
}

func TestAppendEventAdvancesHead(t *testing.T) {
	base, tenantID := setupTestBase(t)
	es := store.NewEventStore(base)

	events := appendTestEvents(t, es, tenantID, 3)

	hash, seq, err := es.ChainHead(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("ChainHead: %v", err)
	}
	if hash != events[2].ChainHash {
		t.Errorf("head hash = %s, want %s", hash, events[2].ChainHash)
	}
	if seq != 3 {
		t.Errorf("head sequence = %d, want 3", seq)
	}
}

func TestAppendEventStalePrevConflicts(t *testing.T) {
	base, tenantID := setupTestBase(t)
	es := store.NewEventStore(base)
	ctx := context.Background()

	events := appendTestEvents(t, es, tenantID, 2)

	// A writer that computed against the old head must lose the
	// compare-and-swap and leave no row behind.
	stale := models.AuditEvent{
		ID:           uuid.New().String(),
		Sequence:     3,
		Timestamp:    time.Now().UTC().Truncate(time.Microsecond),
		TenantID:     tenantID,
		UserID:       "user-1",
		Action:       "invoice.update",
		ResourceType: "invoice",
		ResourceID:   "inv-stale",
		ContentHash:  fmt.Sprintf("%063da", 99),
		ChainHash:    fmt.Sprintf("%063db", 99),
		Signature:    fmt.Sprintf("%063dc", 99),
	}
	err := es.AppendEvent(ctx, &stale, events[0].ChainHash)
	if !errors.Is(err, models.ErrChainConflict) {
		t.Fatalf("AppendEvent with stale prev: err = %v, want ErrChainConflict", err)
	}

	got, _, err := es.QueryEvents(ctx, tenantID, models.EventQueryOpts{})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("event count after conflict = %d, want 2", len(got))
	}
}

func TestQueryEventsFiltersAndPagination(t *testing.T) {
	base, tenantID := setupTestBase(t)
	es := store.NewEventStore(base)
	ctx := context.Background()

	events := appendTestEvents(t, es, tenantID, 5)

	got, hasMore, err := es.QueryEvents(ctx, tenantID, models.EventQueryOpts{
		ResourceID: events[2].ResourceID,
	})
	if err != nil {
		t.Fatalf("QueryEvents by resource: %v", err)
	}
	if hasMore {
		t.Error("hasMore = true for a single match")
	}
	if len(got) != 1 || got[0].ID != events[2].ID {
		t.Fatalf("filtered result = %+v, want event %s", got, events[2].ID)
	}
	if got[0].AfterState["rev"] == nil {
		t.Error("after state not round-tripped")
	}

	got, hasMore, err = es.QueryEvents(ctx, tenantID, models.EventQueryOpts{Limit: 2})
	if err != nil {
		t.Fatalf("QueryEvents with limit: %v", err)
	}
	if len(got) != 2 || !hasMore {
		t.Errorf("limit=2: got %d events, hasMore=%v, want 2/true", len(got), hasMore)
	}
	if got[0].Sequence != 1 || got[1].Sequence != 2 {
		t.Errorf("events not in sequence order: %d, %d", got[0].Sequence, got[1].Sequence)
	}
}

func TestEventsForExportAnchors(t *testing.T) {
	base, tenantID := setupTestBase(t)
	es := store.NewEventStore(base)
	ctx := context.Background()

	events := appendTestEvents(t, es, tenantID, 4)

	// Full range anchors at the sentinel.
	got, anchor, err := es.EventsForExport(ctx, tenantID, models.ExportConfig{
		PeriodStart: events[0].Timestamp,
		PeriodEnd:   events[3].Timestamp.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("EventsForExport full range: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("full range returned %d events, want 4", len(got))
	}
	if anchor != models.SentinelChainHash {
		t.Errorf("full range anchor = %s, want sentinel", anchor)
	}

	// A range starting mid-chain anchors at the stored hash of the
	// preceding event.
	got, anchor, err = es.EventsForExport(ctx, tenantID, models.ExportConfig{
		PeriodStart: events[2].Timestamp,
		PeriodEnd:   events[3].Timestamp.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("EventsForExport sub-range: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("sub-range returned %d events, want 2", len(got))
	}
	if anchor != events[1].ChainHash {
		t.Errorf("sub-range anchor = %s, want %s", anchor, events[1].ChainHash)
	}

	// The store ignores action filters: the snapshot is the whole period.
	got, _, err = es.EventsForExport(ctx, tenantID, models.ExportConfig{
		PeriodStart: events[0].Timestamp,
		PeriodEnd:   events[3].Timestamp.Add(time.Second),
		Action:      "no.such.action",
	})
	if err != nil {
		t.Fatalf("EventsForExport with action filter: %v", err)
	}
	if len(got) != 4 {
		t.Errorf("action filter narrowed the snapshot to %d events, want 4", len(got))
	}
}

func TestEventsForExportEmptyRange(t *testing.T) {
	base, tenantID := setupTestBase(t)
	es := store.NewEventStore(base)

	from := time.Now().UTC().Add(-time.Hour)
	got, anchor, err := es.EventsForExport(context.Background(), tenantID, models.ExportConfig{
		PeriodStart: from,
		PeriodEnd:   from.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("EventsForExport: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("empty range returned %d events", len(got))
	}
	if anchor != models.SentinelChainHash {
		t.Errorf("empty range anchor = %s, want sentinel", anchor)
	}
}
