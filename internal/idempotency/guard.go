// Package idempotency guards external write-triggering operations against
// duplicate execution. It derives a deterministic key from tenant, route,
// and normalized request body, classifies incoming requests as new, exact
// replay, or conflicting replay, and stores responses for replays.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thorbis/audit-core/internal/canonical"
	"github.com/thorbis/audit-core/internal/metrics"
	"github.com/thorbis/audit-core/internal/models"
)

// RecordStore is the data-access interface the Guard depends on. Reserve
// must be an atomic check-and-set: of two callers racing on the same key,
// exactly one wins.
type RecordStore interface {
	Reserve(ctx context.Context, rec *models.IdempotencyRecord) (bool, error)
	Get(ctx context.Context, tenantID, key string) (*models.IdempotencyRecord, error)
	Complete(ctx context.Context, tenantID, key string, statusCode int, response []byte) error
	Release(ctx context.Context, tenantID, key string) error
}

// Guard classifies requests and mediates their stored responses. It is
// policy-agnostic: on conflict it reports the diff and leaves the retry
// decision to the caller.
type Guard struct {
	store RecordStore
	ttl   time.Duration
	log   *logrus.Logger
	now   func() time.Time
}

// NewGuard creates a Guard whose reservations expire after ttl.
func NewGuard(store RecordStore, ttl time.Duration, log *logrus.Logger) *Guard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &Guard{
		store: store,
		ttl:   ttl,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// DeriveKey computes the deterministic idempotency key for a request:
// tenant id without separators, the route, and the first 16 hex characters
// of the canonical body hash, colon-joined.
func DeriveKey(tenantID, route string, body map[string]any) (string, error) {
	bodyHash, err := BodyHash(body)
	if err != nil {
		return "", err
	}

	return stripSeparators(tenantID) + ":" + route + ":" + bodyHash[:16], nil
}

// RetryKey derives a fresh key from a conflicting one so a caller can retry
// transparently under a new identity.
func RetryKey(key string, attempt int) string {
	return fmt.Sprintf("%s:attempt%d", key, attempt)
}

// BodyHash returns the hex SHA-256 of the body's canonical idempotency
// form, with volatile fields (request ids, trace ids) excluded.
func BodyHash(body map[string]any) (string, error) {
	b, err := canonical.Marshal(canonical.ProfileIdempotency, body)
	if err != nil {
		return "", fmt.Errorf("canonicalizing request body: %w", err)
	}

	sum := sha256.Sum256(b)

	return hex.EncodeToString(sum[:]), nil
}

// Admit classifies one request. providedKey overrides key derivation when
// the caller manages its own idempotency keys.
//
// Exactly one of two racing identical requests is admitted as new; the
// other sees a replay (possibly still pending). A differing body under the
// same key is a conflict and must not execute.
func (g *Guard) Admit(ctx context.Context, tenantID, route string, body map[string]any, providedKey string) (*models.Admission, error) {
	bodyHash, err := BodyHash(body)
	if err != nil {
		return nil, err
	}

	key := providedKey
	if key == "" {
		key = stripSeparators(tenantID) + ":" + route + ":" + bodyHash[:16]
	}

	rec := &models.IdempotencyRecord{
		Key:         key,
		TenantID:    tenantID,
		Route:       route,
		BodyHash:    bodyHash,
		RequestBody: body,
		Status:      models.IdempotencyPending,
		CreatedAt:   g.now(),
		ExpiresAt:   g.now().Add(g.ttl),
	}

	// Two rounds: losing the reservation and then finding no record means
	// the winner's record expired or was released in between; reserve again.
	for attempt := 0; attempt < 2; attempt++ {
		won, err := g.store.Reserve(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("reserving idempotency key: %w", err)
		}

		if won {
			metrics.IdempotencyOutcomes.WithLabelValues(string(models.AdmissionNew)).Inc()

			return &models.Admission{Outcome: models.AdmissionNew, Key: key}, nil
		}

		existing, err := g.store.Get(ctx, tenantID, key)
		if errors.Is(err, models.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading idempotency record: %w", err)
		}

		if existing.BodyHash == bodyHash {
			metrics.IdempotencyOutcomes.WithLabelValues(string(models.AdmissionReplay)).Inc()

			return &models.Admission{
				Outcome: models.AdmissionReplay,
				Key:     key,
				Record:  existing,
				Pending: existing.Status == models.IdempotencyPending,
			}, nil
		}

		metrics.IdempotencyOutcomes.WithLabelValues(string(models.AdmissionConflict)).Inc()
		g.log.WithFields(logrus.Fields{
			"tenant_id": tenantID,
			"route":     route,
			"key":       key,
		}).Warn("idempotency conflict")

		return &models.Admission{
			Outcome: models.AdmissionConflict,
			Key:     key,
			Record:  existing,
			Diff:    diffFields(existing.RequestBody, body),
		}, nil
	}

	return nil, fmt.Errorf("admitting key %s: %w", key, models.ErrDuplicateKey)
}

// Complete stores the operation's response so later replays can return it.
func (g *Guard) Complete(ctx context.Context, tenantID, key string, statusCode int, response []byte) error {
	if err := g.store.Complete(ctx, tenantID, key, statusCode, response); err != nil {
		return fmt.Errorf("completing idempotency record: %w", err)
	}

	return nil
}

// Release drops a pending reservation after a failed operation, so the next
// attempt is admitted as new instead of replaying a failure.
func (g *Guard) Release(ctx context.Context, tenantID, key string) error {
	if err := g.store.Release(ctx, tenantID, key); err != nil {
		return fmt.Errorf("releasing idempotency key: %w", err)
	}

	return nil
}

// stripSeparators removes non-alphanumeric characters, collapsing UUID-style
// tenant ids into one token so keys stay colon-delimited.
func stripSeparators(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}

	return b.String()
}

// diffFields summarises changed top-level fields between two bodies.
func diffFields(stored, incoming map[string]any) []models.FieldDiff {
	keys := make(map[string]struct{}, len(stored)+len(incoming))
	for k := range stored {
		keys[k] = struct{}{}
	}
	for k := range incoming {
		keys[k] = struct{}{}
	}

	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)

	var diffs []models.FieldDiff
	for _, name := range names {
		sv, inStored := stored[name]
		iv, inIncoming := incoming[name]

		if inStored && inIncoming && reflect.DeepEqual(sv, iv) {
			continue
		}

		diffs = append(diffs, models.FieldDiff{Field: name, Stored: sv, Incoming: iv})
	}

	return diffs
}
