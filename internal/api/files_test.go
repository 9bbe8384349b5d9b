package api_test

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/thorbis/audit-core/internal/api"
)

func TestFileServe(t *testing.T) {
	files := &mockFileStore{
		verifyFn: func(name, downloadName, exp, sig string) error {
			if exp != "123" || sig != "good" {
				return fmt.Errorf("bad signature")
			}

			return nil
		},
		getFn: func(_ context.Context, name string) ([]byte, error) {
			return []byte("id,timestamp\n"), nil
		},
	}

	r := newTestRouter()
	h := api.NewFileHandler(files, testLogger())
	r.GET("/api/audit/files/:name", h.Serve)

	w := doRequest(r, http.MethodGet,
		"/api/audit/files/export.csv?dl=thorbis-audit-acme-20260101-20260131.csv&exp=123&sig=good", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content type = %s", ct)
	}

	// The file downloads under its friendly name, not the blob key.
	cd := w.Header().Get("Content-Disposition")
	if cd != `attachment; filename="thorbis-audit-acme-20260101-20260131.csv"` {
		t.Errorf("content disposition = %s", cd)
	}
}

func TestFileServeRejectsBadSignature(t *testing.T) {
	files := &mockFileStore{
		verifyFn: func(string, string, string, string) error { return fmt.Errorf("invalid") },
	}

	r := newTestRouter()
	h := api.NewFileHandler(files, testLogger())
	r.GET("/api/audit/files/:name", h.Serve)

	w := doRequest(r, http.MethodGet, "/api/audit/files/export.csv?exp=123&sig=forged", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestFileServeMissingObject(t *testing.T) {
	files := &mockFileStore{
		verifyFn: func(string, string, string, string) error { return nil },
		getFn: func(context.Context, string) ([]byte, error) {
			return nil, fmt.Errorf("object not found")
		},
	}

	r := newTestRouter()
	h := api.NewFileHandler(files, testLogger())
	r.GET("/api/audit/files/:name", h.Serve)

	w := doRequest(r, http.MethodGet, "/api/audit/files/gone.json?exp=1&sig=s", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
