package models

import (
	"errors"
	"fmt"
)

// Error codes shared by the HTTP surface and export job error records.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeAuth              = "AUTH_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeRateLimit         = "RATE_LIMIT"
	ErrCodeDependencyDown    = "DEPENDENCY_DOWN"
	ErrCodeChainVerification = "CHAIN_VERIFICATION_FAILED"
	ErrCodeExport            = "EXPORT_ERROR"
)

// Sentinel errors for validation.
var (
	ErrMissingAction = errors.New("action is required")
	ErrMissingPeriod = errors.New("period_start and period_end are required")
	ErrInvalidPeriod = errors.New("period_end must be after period_start")
	ErrInvalidFormat = errors.New("format must be csv or json")
)

// ErrFieldTooLong returns an error indicating a field exceeds its maximum length.
func ErrFieldTooLong(field string, maxLen int) error {
	return fmt.Errorf("%s exceeds maximum length of %d", field, maxLen)
}

// Sentinel errors for chain operations.
var (
	// ErrChainConflict indicates a concurrent append for the same tenant won
	// the head compare-and-swap; the losing append must recompute against the
	// updated previous hash.
	ErrChainConflict = errors.New("chain head changed concurrently")

	// ErrNoEvents indicates a verification request covered no events.
	ErrNoEvents = errors.New("no events to verify")

	// ErrAnchorNotFound indicates the event immediately preceding an export
	// range is missing from the store, so the range cannot be anchored into
	// the chain.
	ErrAnchorNotFound = errors.New("chain anchor event not found")
)

// Sentinel errors for entity lookups.
var (
	ErrJobNotFound    = errors.New("export job not found")
	ErrRecordNotFound = errors.New("idempotency record not found")
)

// ErrDuplicateKey indicates a unique constraint violation (maps to HTTP 409 Conflict).
var ErrDuplicateKey = errors.New("duplicate key")

// ErrJobNotDownloadable indicates a download was requested for a job that is
// not completed (or whose file has expired).
var ErrJobNotDownloadable = errors.New("export job not downloadable")
