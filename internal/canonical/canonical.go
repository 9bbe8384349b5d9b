// Package canonical produces deterministic byte serializations for hashing.
//
// Two logically identical values must canonicalize to the same bytes
// regardless of field-insertion order or source language: object keys are
// sorted lexicographically, nested structures are canonicalized recursively,
// and arrays keep their semantic order.
//
// Two profiles exist on purpose. The audit profile includes volatile
// transport fields (request ids, trace ids) because they are historically
// meaningful in the audit record. The idempotency profile excludes them so
// that a retried request hashes to the same key as the original.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/thorbis/audit-core/internal/models"
)

// Profile selects which fields participate in the canonical form.
type Profile int

// Canonicalization profiles.
const (
	// ProfileAudit includes every field, volatile or not.
	ProfileAudit Profile = iota
	// ProfileIdempotency excludes volatile transport fields.
	ProfileIdempotency
)

// volatileKeys are transport-only fields excluded from the idempotency
// profile at every nesting level.
var volatileKeys = map[string]struct{}{
	"request_id": {},
	"trace_id":   {},
	"span_id":    {},
}

// Marshal renders v into canonical bytes under the given profile.
func Marshal(profile Profile, v map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, profile, v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// EventBytes renders an audit event's content fields (everything except
// content_hash, chain_hash, and signature) under the audit profile.
// Timestamps are normalized to UTC RFC 3339 with nanoseconds.
func EventBytes(ev *models.AuditEvent) ([]byte, error) {
	fields := map[string]any{
		"id":            ev.ID,
		"sequence":      ev.Sequence,
		"timestamp":     ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"tenant_id":     ev.TenantID,
		"user_id":       ev.UserID,
		"action":        ev.Action,
		"resource_type": ev.ResourceType,
		"resource_id":   ev.ResourceID,
		"before_state":  ev.BeforeState,
		"after_state":   ev.AfterState,
		"metadata":      ev.Metadata,
	}

	b, err := Marshal(ProfileAudit, fields)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing event %s: %w", ev.ID, err)
	}

	return b, nil
}

func writeValue(buf *bytes.Buffer, profile Profile, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case map[string]any:
		return writeObject(buf, profile, val)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, profile, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		// Scalars (and any remaining Go values) marshal deterministically.
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("marshaling scalar %v: %w", val, err)
		}
		buf.Write(b)
	}

	return nil
}

func writeObject(buf *bytes.Buffer, profile Profile, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		if profile == ProfileIdempotency {
			if _, volatile := volatileKeys[k]; volatile {
				continue
			}
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return fmt.Errorf("marshaling key %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		if err := writeValue(buf, profile, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')

	return nil
}
