package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"github.com/thorbis/audit-core/internal/models"
)

func TestFileName(t *testing.T) {
	cfg := models.ExportConfig{
		Format:      models.ExportFormatCSV,
		PeriodStart: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2026, 1, 31, 23, 59, 59, 0, time.UTC),
	}

	got := FileName("acme", cfg)
	want := "thorbis-audit-acme-20260101-20260131.csv"
	if got != want {
		t.Errorf("FileName = %q, want %q", got, want)
	}

	cfg.Format = models.ExportFormatJSON
	if got := FileName("acme", cfg); got != "thorbis-audit-acme-20260101-20260131.json" {
		t.Errorf("FileName = %q", got)
	}
}

func TestRenderCSVCarriesHashesVerbatim(t *testing.T) {
	events := sampleEvents(2)
	events[1].BeforeState = map[string]any{"total": float64(50)}

	data, err := RenderCSV(events)
	if err != nil {
		t.Fatalf("RenderCSV: %v", err)
	}

	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("parsing rendered CSV: %v", err)
	}

	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}

	header := records[0]
	if len(header) != len(csvColumns) {
		t.Fatalf("header has %d columns, want %d", len(header), len(csvColumns))
	}

	row := records[1]
	idx := func(col string) int {
		for i, c := range csvColumns {
			if c == col {
				return i
			}
		}
		t.Fatalf("no column %q", col)

		return -1
	}

	if row[idx("content_hash")] != events[0].ContentHash {
		t.Error("content_hash not carried verbatim")
	}
	if row[idx("chain_hash")] != events[0].ChainHash {
		t.Error("chain_hash not carried verbatim")
	}
	if row[idx("signature")] != events[0].Signature {
		t.Error("signature not carried verbatim")
	}
	if row[idx("sequence")] != "1" {
		t.Errorf("sequence = %s, want 1", row[idx("sequence")])
	}
	if row[idx("before_state_hash")] != "" {
		t.Error("absent before state should hash to empty string")
	}
	if records[2][idx("before_state_hash")] == "" {
		t.Error("present before state should produce a hash")
	}
}

func TestRenderCSVSameStateSameHash(t *testing.T) {
	events := sampleEvents(2)
	events[0].AfterState = map[string]any{"b": float64(2), "a": "x"}
	events[1].AfterState = map[string]any{"a": "x", "b": float64(2)}

	data, err := RenderCSV(events)
	if err != nil {
		t.Fatalf("RenderCSV: %v", err)
	}

	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("parsing rendered CSV: %v", err)
	}

	// after_state_hash column is canonical, so key order must not matter.
	const afterCol = 8
	if records[1][afterCol] != records[2][afterCol] {
		t.Errorf("equal states hashed differently: %s vs %s", records[1][afterCol], records[2][afterCol])
	}
}

func TestRenderJSONIntegritySection(t *testing.T) {
	events := sampleEvents(3)
	events[0].ChainHash = "start-hash"
	events[2].ChainHash = "end-hash"

	cfg := models.ExportConfig{
		Format:      models.ExportFormatJSON,
		PeriodStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	chainRes := &models.ChainVerificationResult{Valid: true, TotalEvents: 3, VerifiedEvents: 3}

	data, err := RenderJSON("tenant-1", cfg, events, chainRes, models.SentinelChainHash)
	if err != nil {
		t.Fatalf("RenderJSON: %v", err)
	}

	var file models.ExportFile
	if err := json.Unmarshal(data, &file); err != nil {
		t.Fatalf("unmarshaling export: %v", err)
	}

	if file.ExportMetadata.TenantID != "tenant-1" {
		t.Errorf("tenant = %s", file.ExportMetadata.TenantID)
	}
	if file.ExportMetadata.ChainAnchor != models.SentinelChainHash {
		t.Errorf("chain anchor = %s", file.ExportMetadata.ChainAnchor)
	}
	if file.ExportMetadata.EventCount != 3 {
		t.Errorf("event count = %d, want 3", file.ExportMetadata.EventCount)
	}
	if len(file.Events) != 3 {
		t.Fatalf("got %d events, want 3", len(file.Events))
	}

	iv := file.IntegrityVerification
	if !iv.VerificationPassed {
		t.Error("verification_passed = false, want true")
	}
	if iv.ChainStartHash != "start-hash" || iv.ChainEndHash != "end-hash" {
		t.Errorf("chain bounds = %s..%s", iv.ChainStartHash, iv.ChainEndHash)
	}

	// Per-event signatures must survive the round trip untouched.
	if file.Events[1].Signature != events[1].Signature {
		t.Error("event signature not carried verbatim")
	}
}

func TestRenderJSONEmptyRange(t *testing.T) {
	cfg := models.ExportConfig{Format: models.ExportFormatJSON}
	chainRes := &models.ChainVerificationResult{Valid: false}

	data, err := RenderJSON("tenant-1", cfg, nil, chainRes, models.SentinelChainHash)
	if err != nil {
		t.Fatalf("RenderJSON: %v", err)
	}

	var file models.ExportFile
	if err := json.Unmarshal(data, &file); err != nil {
		t.Fatalf("unmarshaling export: %v", err)
	}

	if file.IntegrityVerification.ChainStartHash != "" {
		t.Error("empty export should carry no chain bounds")
	}
}
