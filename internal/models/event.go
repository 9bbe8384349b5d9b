// Package models defines data types for the audit chain.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SentinelChainHash is the "previous chain hash" for the first event of a
// tenant's chain: 64 zero hex characters, matching the SHA-256 hex width.
const SentinelChainHash = "0000000000000000000000000000000000000000000000000000000000000000"

// EventDraft is the caller-supplied portion of an audit event, before the
// recorder assigns identity, ordering, and chain fields.
type EventDraft struct {
	UserID       string         `json:"user_id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	BeforeState  map[string]any `json:"before_state,omitempty"`
	AfterState   map[string]any `json:"after_state,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Validate checks that required fields are present and within limits on EventDraft.
func (d *EventDraft) Validate() error {
	if d.Action == "" {
		return ErrMissingAction
	}

	if len(d.Action) > 200 {
		return ErrFieldTooLong("action", 200)
	}

	if len(d.UserID) > 255 {
		return ErrFieldTooLong("user_id", 255)
	}

	if len(d.ResourceType) > 100 {
		return ErrFieldTooLong("resource_type", 100)
	}

	if len(d.ResourceID) > 255 {
		return ErrFieldTooLong("resource_id", 255)
	}

	for field, state := range map[string]map[string]any{
		"before_state": d.BeforeState,
		"after_state":  d.AfterState,
		"metadata":     d.Metadata,
	} {
		if state == nil {
			continue
		}
		data, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", field, err)
		}
		if len(data) > 65536 {
			return ErrFieldTooLong(field, 65536)
		}
	}

	return nil
}

// AuditEvent is one immutable entry in a tenant's hash chain.
//
// ContentHash covers the canonical form of all fields above it. ChainHash
// binds ContentHash to the previous event's ChainHash (SentinelChainHash for
// the first event). Signature is a keyed hash over ChainHash. Once an append
// is acknowledged these three values never change.
type AuditEvent struct {
	ID           string         `json:"id"`
	Sequence     int64          `json:"sequence"`
	Timestamp    time.Time      `json:"timestamp"`
	TenantID     string         `json:"tenant_id"`
	UserID       string         `json:"user_id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	BeforeState  map[string]any `json:"before_state,omitempty"`
	AfterState   map[string]any `json:"after_state,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ContentHash  string         `json:"content_hash"`
	ChainHash    string         `json:"chain_hash"`
	Signature    string         `json:"signature"`
}

// EventQueryOpts holds filters for querying the audit chain.
type EventQueryOpts struct {
	Action       string
	ResourceType string
	ResourceID   string
	UserID       string
	From         *time.Time
	To           *time.Time
	Limit        int
	Offset       int
}
