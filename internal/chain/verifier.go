package chain

import (
	"context"
	"fmt"
	"sort"

	"github.com/thorbis/audit-core/internal/models"
)

// SignatureVerifier checks a per-event signature over a chain hash.
type SignatureVerifier interface {
	Verify(ctx context.Context, tenantID, chainHash, signature string) (bool, error)
}

// Verifier replays an event sequence and recomputes expected hashes and
// signatures. It is read-only and safe to run concurrently with appends,
// provided the caller supplies a consistent snapshot (a fixed slice fetched
// once, not a live cursor).
type Verifier struct {
	sigs SignatureVerifier
}

// NewVerifier creates a Verifier using sigs to check per-event signatures.
func NewVerifier(sigs SignatureVerifier) *Verifier {
	return &Verifier{sigs: sigs}
}

// Verify walks the events in chronological order, recomputing each content
// hash from stored fields and each chain hash from the running expected
// chain value.
//
// The expected chain value is propagated from recomputed hashes, not stored
// ones, so a single tampered event invalidates its own content hash and the
// chain-hash comparison of every downstream event (cascading detection).
// Downstream events whose own content hashes still match stay attributable:
// the break shows up only in their chain link. Signature mismatches are
// recorded as errors rather than broken links, since a bad signature can
// indicate key compromise rather than data tampering.
func (v *Verifier) Verify(ctx context.Context, events []models.AuditEvent) *models.ChainVerificationResult {
	return v.walk(ctx, events, walkOpts{recomputeContent: true, anchor: models.SentinelChainHash})
}

// VerifyLinks checks chain-hash continuity and signatures while trusting
// stored content hashes. Used for exports that carry state hashes but not
// the state payloads needed to recompute content (CSV files).
func (v *Verifier) VerifyLinks(ctx context.Context, events []models.AuditEvent) *models.ChainVerificationResult {
	return v.walk(ctx, events, walkOpts{anchor: models.SentinelChainHash})
}

// VerifyFrom verifies a contiguous sub-range of a chain, anchoring the first
// link at anchor: the stored chain hash of the event immediately preceding
// the range, or models.SentinelChainHash when the range starts at the first
// event. Without the anchor, any range that excludes the first event would
// report its opening link as broken.
func (v *Verifier) VerifyFrom(ctx context.Context, anchor string, events []models.AuditEvent) *models.ChainVerificationResult {
	return v.walk(ctx, events, walkOpts{recomputeContent: true, anchor: anchor})
}

// VerifyFiltered verifies a filtered selection of events: sequence gaps are
// expected (filtered-out events), so each gap re-anchors on the stored chain
// hash instead of being reported as a missing range. Content hashes are
// still recomputed for every supplied event.
func (v *Verifier) VerifyFiltered(ctx context.Context, anchor string, events []models.AuditEvent) *models.ChainVerificationResult {
	return v.walk(ctx, events, walkOpts{recomputeContent: true, anchor: anchor, allowGaps: true})
}

// VerifyLinksFiltered is VerifyFiltered in links-only mode, for filtered
// exports that carry state hashes instead of payloads.
func (v *Verifier) VerifyLinksFiltered(ctx context.Context, anchor string, events []models.AuditEvent) *models.ChainVerificationResult {
	return v.walk(ctx, events, walkOpts{anchor: anchor, allowGaps: true})
}

type walkOpts struct {
	recomputeContent bool

	// anchor is the expected previous chain hash for the first event. ""
	// adopts the first event's stored chain hash without checking its link,
	// for callers that hold a sub-range but not its predecessor's hash.
	anchor string

	// allowGaps re-anchors across sequence gaps on the stored chain hash
	// instead of recording missing ranges.
	allowGaps bool
}

func (v *Verifier) walk(ctx context.Context, events []models.AuditEvent, opts walkOpts) *models.ChainVerificationResult {
	res := &models.ChainVerificationResult{TotalEvents: len(events)}

	if len(events) == 0 {
		res.Errors = append(res.Errors, models.ErrNoEvents.Error())

		return res
	}

	// Callers should already supply chronological order; sort defensively.
	ordered := make([]models.AuditEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].Sequence < ordered[j].Sequence
		}

		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	res.FirstEventID = ordered[0].ID
	res.LastEventID = ordered[len(ordered)-1].ID

	expectedPrev := opts.anchor

	for i := range ordered {
		ev := &ordered[i]
		clean := true
		linkKnown := expectedPrev != ""

		if i > 0 && ev.Sequence > ordered[i-1].Sequence+1 {
			if opts.allowGaps {
				// Filtered-out events break local continuity; the gap event
				// re-anchors on its stored hash below.
				linkKnown = false
			} else {
				res.MissingRanges = append(res.MissingRanges, models.MissingRange{
					AfterEventID: ordered[i-1].ID,
					FromSequence: ordered[i-1].Sequence + 1,
					ToSequence:   ev.Sequence - 1,
				})
			}
		}

		contentHash := ev.ContentHash
		if opts.recomputeContent {
			expected, err := ContentHash(ev)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("event %s: %v", ev.ID, err))
				clean = false
			} else {
				contentHash = expected
				if expected != ev.ContentHash {
					res.BrokenLinks = append(res.BrokenLinks, models.BrokenLink{
						EventID:      ev.ID,
						Position:     i,
						Field:        "content_hash",
						ExpectedHash: expected,
						ActualHash:   ev.ContentHash,
					})
					clean = false
				}
			}
		}

		if linkKnown {
			expectedChain := ChainHash(expectedPrev, contentHash)
			if expectedChain != ev.ChainHash {
				res.BrokenLinks = append(res.BrokenLinks, models.BrokenLink{
					EventID:      ev.ID,
					Position:     i,
					Field:        "chain_hash",
					ExpectedHash: expectedChain,
					ActualHash:   ev.ChainHash,
				})
				clean = false
			}

			// The expected chain value propagates from recomputed hashes,
			// not stored ones, so tampering cascades downstream.
			expectedPrev = expectedChain
		} else {
			expectedPrev = ev.ChainHash
		}

		ok, err := v.sigs.Verify(ctx, ev.TenantID, ev.ChainHash, ev.Signature)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("event %s: verifying signature: %v", ev.ID, err))
			clean = false
		} else if !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("event %s: signature mismatch", ev.ID))
			clean = false
		}

		if clean {
			res.VerifiedEvents++
		}
	}

	res.Valid = res.VerifiedEvents == res.TotalEvents && len(res.MissingRanges) == 0

	return res
}
