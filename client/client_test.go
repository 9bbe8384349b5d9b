package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/thorbis/audit-core/internal/models"
)

// newTestServer creates a test server that routes to the given handler map.
// Keys are "METHOD /path", values are handler funcs.
func newTestServer(t *testing.T, routes map[string]http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range routes {
		mux.HandleFunc(pattern, handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := New(srv.URL, WithAPIKey("test-key"))
	return srv, c
}

func jsonResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func TestHealth(t *testing.T) {
	_, c := newTestServer(t, map[string]http.HandlerFunc{
		"GET /api/health": func(w http.ResponseWriter, _ *http.Request) {
			jsonResponse(w, 200, HealthResponse{Status: "ok", Version: "0.1.0"})
		},
	})
	resp, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health() error: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("got status %q, want ok", resp.Status)
	}
}

func TestEventAppendSendsAuthAndIdempotencyKey(t *testing.T) {
	_, c := newTestServer(t, map[string]http.HandlerFunc{
		"POST /api/audit/events": func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
				t.Errorf("Authorization = %q", got)
			}
			if got := r.Header.Get("Idempotency-Key"); got != "order-42" {
				t.Errorf("Idempotency-Key = %q", got)
			}
			var draft models.EventDraft
			json.NewDecoder(r.Body).Decode(&draft) //nolint:errcheck
			jsonResponse(w, 201, models.AuditEvent{
				ID:        "ev1",
				Sequence:  1,
				Action:    draft.Action,
				ChainHash: "abc",
			})
		},
	})
	ev, err := c.Events.Append(context.Background(),
		models.EventDraft{Action: "order.created"},
		&AppendOptions{IdempotencyKey: "order-42"})
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if ev.ID != "ev1" || ev.Action != "order.created" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestEventQuery(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, c := newTestServer(t, map[string]http.HandlerFunc{
		"GET /api/audit/events": func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if q.Get("action") != "order.created" {
				t.Errorf("action = %q", q.Get("action"))
			}
			if q.Get("from") != "2026-01-01T00:00:00Z" {
				t.Errorf("from = %q", q.Get("from"))
			}
			if q.Get("limit") != "10" {
				t.Errorf("limit = %q", q.Get("limit"))
			}
			jsonResponse(w, 200, map[string]any{
				"events":   []models.AuditEvent{{ID: "ev1"}, {ID: "ev2"}},
				"has_more": true,
			})
		},
	})
	events, hasMore, err := c.Events.Query(context.Background(), &EventQueryOptions{
		Action: "order.created",
		From:   &from,
		Limit:  10,
	})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(events) != 2 || !hasMore {
		t.Errorf("got %d events, hasMore=%v", len(events), hasMore)
	}
}

func TestVerifyChain(t *testing.T) {
	_, c := newTestServer(t, map[string]http.HandlerFunc{
		"POST /api/audit/verify": func(w http.ResponseWriter, _ *http.Request) {
			jsonResponse(w, 200, models.ChainVerificationResult{
				Valid:          false,
				TotalEvents:    5,
				VerifiedEvents: 3,
				BrokenLinks:    []models.BrokenLink{{EventID: "ev4", Position: 3, Field: "content_hash"}},
			})
		},
	})
	res, err := c.Verify.Chain(context.Background(), nil)
	if err != nil {
		t.Fatalf("Chain() error: %v", err)
	}
	if res.Valid {
		t.Error("expected invalid chain")
	}
	if len(res.BrokenLinks) != 1 || res.BrokenLinks[0].EventID != "ev4" {
		t.Errorf("unexpected broken links: %+v", res.BrokenLinks)
	}
}

func TestExportLifecycle(t *testing.T) {
	calls := 0
	_, c := newTestServer(t, map[string]http.HandlerFunc{
		"POST /api/audit/exports": func(w http.ResponseWriter, _ *http.Request) {
			jsonResponse(w, 202, CreateExportResponse{
				ID:        "job1",
				Status:    "queued",
				StatusURL: "/api/audit/exports/job1/status",
			})
		},
		"GET /api/audit/exports/job1/status": func(w http.ResponseWriter, _ *http.Request) {
			calls++
			status := models.ExportStatusProcessing
			if calls > 1 {
				status = models.ExportStatusCompleted
			}
			jsonResponse(w, 200, models.ExportJob{ID: "job1", Status: status})
		},
		"GET /api/audit/exports/job1/download": func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/api/audit/files/f.csv?exp=1&sig=s", http.StatusSeeOther)
		},
		"GET /api/audit/files/f.csv": func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("id,timestamp\n")) //nolint:errcheck
		},
	})

	created, err := c.Exports.Create(context.Background(), models.ExportConfig{
		Format:      models.ExportFormatCSV,
		PeriodStart: time.Now().Add(-time.Hour),
		PeriodEnd:   time.Now(),
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if created.ID != "job1" {
		t.Errorf("job id = %q", created.ID)
	}

	job, err := c.Exports.Wait(context.Background(), "job1", time.Millisecond)
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if job.Status != models.ExportStatusCompleted {
		t.Errorf("status = %s", job.Status)
	}

	data, err := c.Exports.Download(context.Background(), "job1")
	if err != nil {
		t.Fatalf("Download() error: %v", err)
	}
	if string(data) != "id,timestamp\n" {
		t.Errorf("downloaded %q", data)
	}
}

func TestAPIErrorParsing(t *testing.T) {
	_, c := newTestServer(t, map[string]http.HandlerFunc{
		"GET /api/audit/exports/missing/status": func(w http.ResponseWriter, _ *http.Request) {
			jsonResponse(w, 404, map[string]any{
				"code":       "NOT_FOUND",
				"message":    "export job not found",
				"request_id": "req-1",
			})
		},
	})
	_, err := c.Exports.Status(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsNotFound(err) {
		t.Errorf("IsNotFound = false for %v", err)
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("error type %T", err)
	}
	if apiErr.Code != "NOT_FOUND" || apiErr.RequestID != "req-1" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}
