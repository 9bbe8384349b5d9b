package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thorbis/audit-core/internal/models"
)

// EventTypeExportStatus marks export-job state transition messages.
const EventTypeExportStatus = "export.status"

// jobStatusPayload is the data field of an export.status event.
type jobStatusPayload struct {
	JobID     string              `json:"job_id"`
	Status    models.ExportStatus `json:"status"`
	Phase     models.ExportPhase  `json:"phase,omitempty"`
	Total     int                 `json:"total_events,omitempty"`
	ErrorCode string              `json:"error_code,omitempty"`
}

// Event is the structured message sent to WebSocket clients. JobID scopes
// delivery for job-filtered subscriptions; it is not serialized separately
// because the data payload already carries it.
type Event struct {
	Type     string          `json:"type"`
	ID       uint64          `json:"id"`
	TenantID string          `json:"-"`
	JobID    string          `json:"-"`
	Data     json.RawMessage `json:"data"`
	Time     time.Time       `json:"time"`
}

// SubscribeMsg is sent by the client on connect to request event replay.
// A non-empty JobID narrows the stream to one export job's transitions.
type SubscribeMsg struct {
	Type        string `json:"type"`
	LastEventID uint64 `json:"last_event_id"`
	JobID       string `json:"job_id,omitempty"`
}

// ResetMsg tells the client to do a full refresh (requested events too old).
type ResetMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// EventSequence tracks monotonic event IDs per tenant.
type EventSequence struct {
	mu       sync.Mutex
	counters map[string]*atomic.Uint64
}

// NewEventSequence creates a new EventSequence.
func NewEventSequence() *EventSequence {
	return &EventSequence{
		counters: make(map[string]*atomic.Uint64),
	}
}

// Next returns the next sequence number for a tenant.
func (es *EventSequence) Next(tenantID string) uint64 {
	es.mu.Lock()
	counter, ok := es.counters[tenantID]
	if !ok {
		counter = &atomic.Uint64{}
		es.counters[tenantID] = counter
	}
	es.mu.Unlock()

	return counter.Add(1)
}
