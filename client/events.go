package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/thorbis/audit-core/internal/models"
)

// EventService handles audit event operations.
type EventService struct {
	c *Client
}

// AppendOptions tunes a single append call.
type AppendOptions struct {
	// IdempotencyKey is sent as the Idempotency-Key header. When empty the
	// server derives a key from the event body.
	IdempotencyKey string
}

// Append records a new audit event at the head of the tenant's chain.
func (s *EventService) Append(ctx context.Context, draft models.EventDraft, opts *AppendOptions) (*models.AuditEvent, error) {
	var headers map[string]string
	if opts != nil && opts.IdempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": opts.IdempotencyKey}
	}

	var ev models.AuditEvent
	if err := s.c.do(ctx, http.MethodPost, "/api/audit/events", headers, draft, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// EventQueryOptions holds filters for querying audit events.
type EventQueryOptions struct {
	Action       string
	ResourceType string
	ResourceID   string
	UserID       string
	From         *time.Time
	To           *time.Time
	Limit        int
	Offset       int
}

// eventListResponse wraps the paginated event query response.
type eventListResponse struct {
	Events  []models.AuditEvent `json:"events"`
	HasMore bool                `json:"has_more"`
}

// Query returns audit events matching the given options.
func (s *EventService) Query(ctx context.Context, opts *EventQueryOptions) ([]models.AuditEvent, bool, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Action != "" {
			params.Set("action", opts.Action)
		}
		if opts.ResourceType != "" {
			params.Set("resource_type", opts.ResourceType)
		}
		if opts.ResourceID != "" {
			params.Set("resource_id", opts.ResourceID)
		}
		if opts.UserID != "" {
			params.Set("user_id", opts.UserID)
		}
		if opts.From != nil {
			params.Set("from", opts.From.Format(time.RFC3339))
		}
		if opts.To != nil {
			params.Set("to", opts.To.Format(time.RFC3339))
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}
	var resp eventListResponse
	if err := s.c.get(ctx, "/api/audit/events", params, &resp); err != nil {
		return nil, false, err
	}
	return resp.Events, resp.HasMore, nil
}
