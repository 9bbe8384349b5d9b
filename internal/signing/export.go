package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/thorbis/audit-core/internal/models"
)

// FileHash returns the hex-encoded SHA-256 of a whole export file.
func FileHash(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

// ExportSigner signs whole export files with an Ed25519 key. The export key
// is logically distinct from the per-event signing keys.
type ExportSigner struct {
	priv   ed25519.PrivateKey
	keyID  string
	signer string
}

// NewExportSigner creates an ExportSigner from a hex-encoded 32-byte
// Ed25519 seed. The key id is derived from the public key.
func NewExportSigner(hexSeed, signer string) (*ExportSigner, error) {
	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil, fmt.Errorf("signing/export: invalid hex seed: %w", err)
	}

	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing/export: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)

	return &ExportSigner{
		priv:   priv,
		keyID:  DeriveKeyID(priv.Public().(ed25519.PublicKey)),
		signer: signer,
	}, nil
}

// PublicKey returns the verification key for this signer.
func (s *ExportSigner) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Sign produces an ExportSignature over the (already computed) file hash.
func (s *ExportSigner) Sign(fileHash string) *models.ExportSignature {
	sig := ed25519.Sign(s.priv, []byte(fileHash))

	return &models.ExportSignature{
		Algorithm:     "ed25519",
		HashAlgorithm: "sha256",
		KeyID:         s.keyID,
		Signature:     base64.StdEncoding.EncodeToString(sig),
		SignedAt:      time.Now().UTC(),
		Signer:        s.signer,
	}
}

// VerifyExportSignature checks sig against fileHash using pub. A malformed
// signature encoding verifies as false, not as an error.
func VerifyExportSignature(pub ed25519.PublicKey, fileHash string, sig *models.ExportSignature) bool {
	if sig == nil {
		return false
	}

	raw, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil {
		return false
	}

	return ed25519.Verify(pub, []byte(fileHash), raw)
}

// DeriveKeyID returns a short stable identifier for a public key.
func DeriveKeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)

	return hex.EncodeToString(sum[:8])
}
