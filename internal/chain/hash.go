// Package chain implements the tamper-evident audit chain: the recorder
// that appends hash-linked, signed events and the verifier that replays a
// sequence and reports broken links.
//
// The chain is a singly linked structure whose "pointer" is a hash: for
// event i > 0, chain_hash[i] = SHA256(chain_hash[i-1] || ":" || content_hash[i]),
// with a fixed all-zero sentinel before the first event. Tampering with any
// stored event breaks its own content hash and every downstream chain hash.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/thorbis/audit-core/internal/canonical"
	"github.com/thorbis/audit-core/internal/models"
)

// ContentHash returns the hex SHA-256 of the event's canonical content
// bytes (all fields except content_hash, chain_hash, signature).
func ContentHash(ev *models.AuditEvent) (string, error) {
	b, err := canonical.EventBytes(ev)
	if err != nil {
		return "", fmt.Errorf("hashing event content: %w", err)
	}

	sum := sha256.Sum256(b)

	return hex.EncodeToString(sum[:]), nil
}

// ChainHash binds a content hash to the previous event's chain hash.
func ChainHash(prevChainHash, contentHash string) string {
	sum := sha256.Sum256([]byte(prevChainHash + ":" + contentHash))

	return hex.EncodeToString(sum[:])
}
