package signing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// EventSigner produces and verifies per-event signatures: HMAC-SHA256 over
// the event's chain hash, keyed by the tenant's event signing key.
type EventSigner struct {
	keys KeyProvider
}

// NewEventSigner creates an EventSigner backed by the given key provider.
func NewEventSigner(keys KeyProvider) *EventSigner {
	return &EventSigner{keys: keys}
}

// Sign returns the hex-encoded HMAC-SHA256 of chainHash for the tenant.
func (s *EventSigner) Sign(ctx context.Context, tenantID, chainHash string) (string, error) {
	key, err := s.keys.GetKey(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("signing: get key: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(chainHash))

	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether signature is a valid HMAC over chainHash for the
// tenant. Comparison is constant-time.
func (s *EventSigner) Verify(ctx context.Context, tenantID, chainHash, signature string) (bool, error) {
	expected, err := s.Sign(ctx, tenantID, chainHash)
	if err != nil {
		return false, err
	}

	return hmac.Equal([]byte(expected), []byte(signature)), nil
}
