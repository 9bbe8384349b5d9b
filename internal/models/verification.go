package models

// BrokenLink is a position in the chain where recomputed hashes disagree
// with stored values.
type BrokenLink struct {
	EventID      string `json:"event_id"`
	Position     int    `json:"position"`
	Field        string `json:"field"` // "content_hash" or "chain_hash"
	ExpectedHash string `json:"expected_hash"`
	ActualHash   string `json:"actual_hash"`
}

// MissingRange marks a gap in per-tenant sequence numbers.
type MissingRange struct {
	AfterEventID string `json:"after_event_id"`
	FromSequence int64  `json:"from_sequence"`
	ToSequence   int64  `json:"to_sequence"`
}

// ChainVerificationResult is the derived outcome of replaying a chain.
// It is never persisted authoritatively.
type ChainVerificationResult struct {
	Valid          bool           `json:"valid"`
	TotalEvents    int            `json:"total_events"`
	VerifiedEvents int            `json:"verified_events"`
	FirstEventID   string         `json:"first_event_id,omitempty"`
	LastEventID    string         `json:"last_event_id,omitempty"`
	BrokenLinks    []BrokenLink   `json:"broken_links,omitempty"`
	MissingRanges  []MissingRange `json:"missing_ranges,omitempty"`
	Errors         []string       `json:"errors,omitempty"`
}

// FileVerification is the consumer-side outcome of checking a downloaded
// export file against its signature and embedded chain.
type FileVerification struct {
	FileValid      bool                     `json:"file_valid"`
	SignatureValid bool                     `json:"signature_valid"`
	FileHash       string                   `json:"file_hash"`
	Chain          *ChainVerificationResult `json:"chain,omitempty"`
	Errors         []string                 `json:"errors,omitempty"`
}
