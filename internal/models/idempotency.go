package models

import "time"

// IdempotencyStatus is the lifecycle state of an idempotency record.
type IdempotencyStatus string

// Record states: pending while the guarded operation is in flight,
// completed once its response has been stored.
const (
	IdempotencyPending   IdempotencyStatus = "pending"
	IdempotencyCompleted IdempotencyStatus = "completed"
)

// IdempotencyRecord is the stored reservation for one logical write.
// The key is unique per tenant; the body hash distinguishes an exact
// replay from a conflicting resubmission under the same key.
type IdempotencyRecord struct {
	Key         string            `json:"key"`
	TenantID    string            `json:"tenant_id"`
	Route       string            `json:"route"`
	BodyHash    string            `json:"body_hash"`
	RequestBody map[string]any    `json:"request_body,omitempty"`
	Response    []byte            `json:"response,omitempty"`
	StatusCode  int               `json:"status_code,omitempty"`
	Status      IdempotencyStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// AdmissionOutcome classifies an idempotency admission.
type AdmissionOutcome string

// Admission outcomes.
const (
	AdmissionNew      AdmissionOutcome = "new"
	AdmissionReplay   AdmissionOutcome = "replay"
	AdmissionConflict AdmissionOutcome = "conflict"
)

// FieldDiff describes one changed top-level field in a conflicting replay.
type FieldDiff struct {
	Field    string `json:"field"`
	Stored   any    `json:"stored,omitempty"`
	Incoming any    `json:"incoming,omitempty"`
}

// Admission is the result of consulting the idempotency guard.
type Admission struct {
	Outcome AdmissionOutcome `json:"outcome"`
	Key     string           `json:"key"`
	// Record is the existing record on replay or conflict; nil for new.
	Record *IdempotencyRecord `json:"record,omitempty"`
	// Pending is true when an identical request is still in flight and no
	// stored response exists yet.
	Pending bool `json:"pending,omitempty"`
	// Diff summarises changed top-level fields on conflict.
	Diff []FieldDiff `json:"diff,omitempty"`
}
