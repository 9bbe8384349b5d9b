package client

import (
	"context"
	"time"

	"github.com/thorbis/audit-core/internal/models"
)

// VerifyService handles chain verification requests.
type VerifyService struct {
	c *Client
}

// VerifyOptions scopes a verification run. A nil or zero value verifies the
// tenant's whole chain.
type VerifyOptions struct {
	From         *time.Time `json:"from,omitempty"`
	To           *time.Time `json:"to,omitempty"`
	Action       string     `json:"action,omitempty"`
	ResourceType string     `json:"resource_type,omitempty"`
	ResourceID   string     `json:"resource_id,omitempty"`
	UserID       string     `json:"user_id,omitempty"`
}

// Chain replays the tenant's event chain server-side and returns the
// verification result. An invalid chain is not an error: inspect
// result.Valid and the diagnostics.
func (s *VerifyService) Chain(ctx context.Context, opts *VerifyOptions) (*models.ChainVerificationResult, error) {
	var body any
	if opts != nil {
		body = opts
	}

	var res models.ChainVerificationResult
	if err := s.c.post(ctx, "/api/audit/verify", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
