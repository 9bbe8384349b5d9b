package client

import (
	"context"
	"fmt"
	"time"

	"github.com/thorbis/audit-core/internal/models"
)

// ExportService handles export job operations.
type ExportService struct {
	c *Client
}

// CreateExportResponse is the acknowledgement of a queued export job.
type CreateExportResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	StatusURL   string `json:"status_url"`
	DownloadURL string `json:"download_url"`
}

// Create queues a new export job and returns its id and polling URLs.
func (s *ExportService) Create(ctx context.Context, cfg models.ExportConfig) (*CreateExportResponse, error) {
	var resp CreateExportResponse
	if err := s.c.post(ctx, "/api/audit/exports", cfg, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns the current state of an export job.
func (s *ExportService) Status(ctx context.Context, jobID string) (*models.ExportJob, error) {
	var job models.ExportJob
	if err := s.c.get(ctx, "/api/audit/exports/"+jobID+"/status", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Wait polls the job until it reaches a terminal state or the context is
// cancelled. interval <= 0 defaults to two seconds.
func (s *ExportService) Wait(ctx context.Context, jobID string, interval time.Duration) (*models.ExportJob, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Status(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Terminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Download fetches the rendered export file for a completed job. The server
// answers the download route with a redirect to a signed file URL, which the
// underlying HTTP client follows.
func (s *ExportService) Download(ctx context.Context, jobID string) ([]byte, error) {
	data, err := s.c.getRaw(ctx, "/api/audit/exports/"+jobID+"/download")
	if err != nil {
		return nil, fmt.Errorf("download export: %w", err)
	}
	return data, nil
}
