// Package weightproof implements WeightProofVerifier (§2: "Validates a
// succinct proof of chain weight and returns a fork point"), used by the
// long-sync strategy to avoid downloading the full chain.
package weightproof

import (
	"errors"

	"github.com/tolchain/fullnode/types"
)

// RecentChainEntry mirrors one entry of a weight proof's recent-chain tail —
// the segment the long-sync validator checks against the peer's announced
// peak (§4.2 step (d): "latest recent-chain entry must match the announced
// height and weight").
type RecentChainEntry struct {
	HeaderHash     string
	SubBlockHeight int64
	Weight         uint64
}

// SubEpochSegment is an opaque proof segment covering one sub-epoch; the
// core never inspects interior structure beyond what's needed for fork-point
// discovery (§9 design note on lazy/wrapped data applies equally here).
type SubEpochSegment struct {
	SubEpochSummaryHash string
	Proofs              [][]byte
}

// Proof is a succinct proof of chain weight: a sequence of sub-epoch
// segments plus a recent-chain tail.
type Proof struct {
	SubEpochSegments []SubEpochSegment
	RecentChainData  []RecentChainEntry
}

// ErrInvalidWeightProof is returned when a proof fails structural or
// recent-chain-tail validation (§7: InvalidWeightProof).
var ErrInvalidWeightProof = errors.New("weightproof: invalid weight proof")

// SegmentVerifier is the external collaborator for heavyweight proof segment
// verification that this core does not implement (§1: "the cryptographic
// proof routines ... are collaborators with interfaces only"). Swap in a
// real implementation; tests pass nil (segment checks skipped) or a stub
// that always fails.
type SegmentVerifier interface {
	VerifySegment(seg SubEpochSegment) error
}

// Verifier validates weight proofs and derives fork points.
type Verifier struct {
	segments SegmentVerifier
}

// New creates a Verifier that delegates segment-level cryptographic checks
// to segments.
func New(segments SegmentVerifier) *Verifier {
	return &Verifier{segments: segments}
}

// Validate checks a weight proof against the peer's announced
// (headerHash, height, weight) and returns the fork point (the height at
// which our chain and the proof's recent-chain tail first agree, or -1 if
// no agreement is found within the tail).
//
// ourRecordAt reports our own locally-known header hash at a given height,
// or ("", false) if we don't have a record there — used to walk the tail
// backward looking for a shared ancestor.
func (v *Verifier) Validate(proof Proof, announcedHash string, announcedHeight int64, announcedWeight uint64, ourRecordAt func(height int64) (string, bool)) (forkPoint int64, err error) {
	if len(proof.RecentChainData) == 0 {
		return 0, ErrInvalidWeightProof
	}
	last := proof.RecentChainData[len(proof.RecentChainData)-1]
	if last.HeaderHash != announcedHash || last.SubBlockHeight != announcedHeight || last.Weight != announcedWeight {
		return 0, ErrInvalidWeightProof
	}

	for _, seg := range proof.SubEpochSegments {
		if v.segments != nil {
			if err := v.segments.VerifySegment(seg); err != nil {
				return 0, ErrInvalidWeightProof
			}
		}
	}

	forkPoint = -1
	for i := len(proof.RecentChainData) - 1; i >= 0; i-- {
		entry := proof.RecentChainData[i]
		ourHash, ok := ourRecordAt(entry.SubBlockHeight)
		if ok && ourHash == entry.HeaderHash {
			forkPoint = entry.SubBlockHeight
			break
		}
	}
	return forkPoint, nil
}

// NewRecentChainEntry builds a RecentChainEntry from an accepted record,
// used by the side of the protocol that produces weight proofs in response
// to RequestProofOfWeight.
func NewRecentChainEntry(r *types.SubBlockRecord) RecentChainEntry {
	return RecentChainEntry{HeaderHash: r.HeaderHash, SubBlockHeight: r.SubBlockHeight, Weight: r.Weight}
}
