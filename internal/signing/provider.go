// Package signing provides the keyed-hash event signer and the Ed25519
// export-file signer. Keys are injected at construction time, never read
// from ambient global state, so tests can swap providers and keys can
// rotate without code changes.
package signing

import "context"

// KeyProvider returns per-tenant signing keys.
type KeyProvider interface {
	// GetKey returns the 32-byte signing key for the given tenant.
	GetKey(ctx context.Context, tenantID string) ([]byte, error)
}
