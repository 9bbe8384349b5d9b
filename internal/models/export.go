package models

import "time"

// ExportFormatKind selects the rendered export format.
type ExportFormatKind string

// Supported export file formats.
const (
	ExportFormatCSV  ExportFormatKind = "csv"
	ExportFormatJSON ExportFormatKind = "json"
)

// ExportStatus is the lifecycle state of an export job.
type ExportStatus string

// Export job states. Completed, failed, and expired are terminal.
const (
	ExportStatusQueued     ExportStatus = "queued"
	ExportStatusProcessing ExportStatus = "processing"
	ExportStatusCompleted  ExportStatus = "completed"
	ExportStatusFailed     ExportStatus = "failed"
	ExportStatusExpired    ExportStatus = "expired"
)

// ExportPhase is the sub-state of a processing job.
type ExportPhase string

// Processing phases, in execution order.
const (
	ExportPhaseQuerying   ExportPhase = "querying"
	ExportPhaseHashing    ExportPhase = "hashing"
	ExportPhaseFormatting ExportPhase = "formatting"
	ExportPhaseSigning    ExportPhase = "signing"
	ExportPhaseUploading  ExportPhase = "uploading"
)

// ExportConfig is the caller-supplied configuration of an export job.
type ExportConfig struct {
	Format       ExportFormatKind `json:"format"`
	PeriodStart  time.Time        `json:"period_start"`
	PeriodEnd    time.Time        `json:"period_end"`
	Action       string           `json:"action,omitempty"`
	ResourceType string           `json:"resource_type,omitempty"`
	UserID       string           `json:"user_id,omitempty"`
}

// Validate checks that the export format is supported and the period is a
// well-formed, non-empty range.
func (c *ExportConfig) Validate() error {
	if c.Format != ExportFormatCSV && c.Format != ExportFormatJSON {
		return ErrInvalidFormat
	}

	if c.PeriodStart.IsZero() || c.PeriodEnd.IsZero() {
		return ErrMissingPeriod
	}

	if !c.PeriodEnd.After(c.PeriodStart) {
		return ErrInvalidPeriod
	}

	return nil
}

// ExportProgress tracks where a processing job is and how much it has covered.
type ExportProgress struct {
	Phase       ExportPhase `json:"phase,omitempty"`
	TotalEvents int         `json:"total_events"`
}

// ExportResult holds the artifacts of a completed job.
type ExportResult struct {
	FileName    string           `json:"file_name"`
	FileHash    string           `json:"file_hash"`
	FileSize    int64            `json:"file_size"`
	Signature   *ExportSignature `json:"signature,omitempty"`
	DownloadURL string           `json:"download_url,omitempty"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
}

// ExportError is the structured failure recorded on a failed job.
type ExportError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ExportJob is the mutable state record owned by the export pipeline.
type ExportJob struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	RequestedBy string         `json:"requested_by"`
	Status      ExportStatus   `json:"status"`
	Priority    int            `json:"priority"`
	Config      ExportConfig   `json:"config"`
	Progress    ExportProgress `json:"progress"`
	Result      *ExportResult  `json:"result,omitempty"`
	Error       *ExportError   `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Terminal reports whether the job can no longer change state.
func (j *ExportJob) Terminal() bool {
	switch j.Status {
	case ExportStatusCompleted, ExportStatusFailed, ExportStatusExpired:
		return true
	default:
		return false
	}
}

// ExportSignature is the whole-file signature attached to an export,
// independent of the per-event signatures inside it.
type ExportSignature struct {
	Algorithm     string    `json:"algorithm"`
	HashAlgorithm string    `json:"hash_algorithm"`
	KeyID         string    `json:"key_id"`
	Signature     string    `json:"signature"`
	SignedAt      time.Time `json:"signed_at"`
	Signer        string    `json:"signer"`
}

// ExportMetadata heads the JSON export format.
type ExportMetadata struct {
	TenantID    string           `json:"tenant_id"`
	GeneratedAt time.Time        `json:"generated_at"`
	PeriodStart time.Time        `json:"period_start"`
	PeriodEnd   time.Time        `json:"period_end"`
	EventCount  int              `json:"event_count"`
	FileHash    string           `json:"file_hash,omitempty"`
	Signature   *ExportSignature `json:"signature,omitempty"`

	// ChainAnchor is the stored chain hash of the event immediately
	// preceding the first exported event. Consumers verify the first
	// event's link against it instead of the genesis sentinel.
	ChainAnchor string `json:"chain_anchor,omitempty"`
}

// IntegrityVerification summarises the chain check embedded in a JSON export.
type IntegrityVerification struct {
	ChainStartHash     string `json:"chain_start_hash"`
	ChainEndHash       string `json:"chain_end_hash"`
	EventCount         int    `json:"event_count"`
	VerificationPassed bool   `json:"verification_passed"`
}

// ExportFile is the top-level structure of a JSON export.
type ExportFile struct {
	ExportMetadata        ExportMetadata        `json:"export_metadata"`
	Events                []AuditEvent          `json:"events"`
	IntegrityVerification IntegrityVerification `json:"integrity_verification"`
}
