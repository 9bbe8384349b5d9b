package export

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/thorbis/audit-core/internal/canonical"
	"github.com/thorbis/audit-core/internal/models"
)

// csvColumns is the fixed column order of CSV exports. Changing it breaks
// downstream consumers; append-only.
var csvColumns = []string{
	"id", "timestamp", "tenant_id", "user_id", "action",
	"resource_type", "resource_id", "before_state_hash", "after_state_hash",
	"metadata_json", "content_hash", "chain_hash", "signature", "sequence",
}

// FileName builds the download name an export is served under:
// thorbis-audit-{tenant}-{start}-{end}.{csv|json}.
func FileName(tenantID string, cfg models.ExportConfig) string {
	return fmt.Sprintf("thorbis-audit-%s-%s-%s.%s",
		tenantID,
		cfg.PeriodStart.UTC().Format("20060102"),
		cfg.PeriodEnd.UTC().Format("20060102"),
		cfg.Format,
	)
}

// ObjectKey builds the blob key an export is stored under. Keys are scoped
// to the job so two exports of the same period never overwrite each other;
// FileName is only the name the download is served as.
func ObjectKey(jobID string, format models.ExportFormatKind) string {
	return jobID + "." + string(format)
}

// RenderCSV renders events into the fixed-column CSV format. Per-event
// hashes and signatures are carried verbatim; state payloads are reduced to
// their canonical hashes.
func RenderCSV(events []models.AuditEvent) ([]byte, error) {
	var buf bytes.Buffer

	w := csv.NewWriter(&buf)
	if err := w.Write(csvColumns); err != nil {
		return nil, fmt.Errorf("writing CSV header: %w", err)
	}

	for i := range events {
		ev := &events[i]

		beforeHash, err := stateHash(ev.BeforeState)
		if err != nil {
			return nil, fmt.Errorf("hashing before state of %s: %w", ev.ID, err)
		}

		afterHash, err := stateHash(ev.AfterState)
		if err != nil {
			return nil, fmt.Errorf("hashing after state of %s: %w", ev.ID, err)
		}

		var metaJSON []byte
		if ev.Metadata != nil {
			metaJSON, err = json.Marshal(ev.Metadata)
			if err != nil {
				return nil, fmt.Errorf("marshaling metadata of %s: %w", ev.ID, err)
			}
		}

		record := []string{
			ev.ID,
			ev.Timestamp.UTC().Format(time.RFC3339Nano),
			ev.TenantID,
			ev.UserID,
			ev.Action,
			ev.ResourceType,
			ev.ResourceID,
			beforeHash,
			afterHash,
			string(metaJSON),
			ev.ContentHash,
			ev.ChainHash,
			ev.Signature,
			strconv.FormatInt(ev.Sequence, 10),
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("writing CSV record: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flushing CSV: %w", err)
	}

	return buf.Bytes(), nil
}

// RenderJSON renders the full-fidelity JSON export. The export signature is
// computed over these bytes afterwards and travels alongside the file, so
// metadata carries no file hash here.
// anchor is the stored chain hash preceding the first rendered event; it
// lets a consumer check the first event's link without the rest of the chain.
func RenderJSON(tenantID string, cfg models.ExportConfig, events []models.AuditEvent, chainRes *models.ChainVerificationResult, anchor string) ([]byte, error) {
	iv := models.IntegrityVerification{
		EventCount:         len(events),
		VerificationPassed: chainRes.Valid,
	}
	if len(events) > 0 {
		iv.ChainStartHash = events[0].ChainHash
		iv.ChainEndHash = events[len(events)-1].ChainHash
	}

	file := models.ExportFile{
		ExportMetadata: models.ExportMetadata{
			TenantID:    tenantID,
			GeneratedAt: time.Now().UTC(),
			PeriodStart: cfg.PeriodStart.UTC(),
			PeriodEnd:   cfg.PeriodEnd.UTC(),
			EventCount:  len(events),
			ChainAnchor: anchor,
		},
		Events:                events,
		IntegrityVerification: iv,
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling JSON export: %w", err)
	}

	return data, nil
}

// stateHash returns the hex SHA-256 of a state payload's canonical audit
// form, or "" for an absent payload.
func stateHash(state map[string]any) (string, error) {
	if state == nil {
		return "", nil
	}

	b, err := canonical.Marshal(canonical.ProfileAudit, state)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(b)

	return hex.EncodeToString(sum[:]), nil
}
