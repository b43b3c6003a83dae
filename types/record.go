// Package types holds the canonical consensus data model shared by every
// component of the full-node core: SubBlockRecord, FullBlock, UnfinishedBlock,
// FinishedSubSlot and SignagePoint. None of these are ever mutated in place —
// a "change" always means constructing and storing a new value.
package types

// GenesisHash is the canonical previous-hash marker for the genesis sub-block.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// IsGenesisHash reports whether h is the canonical genesis prev-hash marker.
func IsGenesisHash(h string) bool {
	if len(h) != len(GenesisHash) {
		return false
	}
	for _, c := range h {
		if c != '0' {
			return false
		}
	}
	return true
}

// FirstRCChallenge is the reward-chain challenge of the very first sub-slot,
// used as the terminal value when walking back through finished sub-slots to
// find a block's previous sub-block (§4.6) or when computing rc_prev for a
// genesis-adjacent signage point (§4.5).
const FirstRCChallenge = "rc-challenge-genesis"

// FirstCCChallenge is the challenge-chain analogue of FirstRCChallenge, used
// by the end-of-sub-slot handler (§4.7) to recognise the first sub-slot.
const FirstCCChallenge = "cc-challenge-genesis"

// GenesisPrefarmPool is the pool public key that owns the block reward of the
// pre-farm genesis block. The infusion-point handler rejects any block that
// claims this pool target unless its PrevHash is genesis (§4.6). No
// pool-signature verification is performed for any block.
const GenesisPrefarmPool = "genesis-prefarm-pool"

// SubBlockRecord is the canonical, hashable description of one accepted
// sub-block. It is created when the blockchain accepts a block, never
// mutated afterward, and destroyed only when a long fork prunes it from the
// in-memory cache — the persisted copy in ChainStore survives.
type SubBlockRecord struct {
	HeaderHash       string
	PrevHash         string
	SubBlockHeight   int64
	Weight           uint64 // monotonic cumulative difficulty
	TotalIters       uint64
	Deficit          int // remaining infusions required before the next sub-slot can close
	SignagePointIndex int // 0..NUM_SPS_SUB_SLOT-1
	Overflow         bool
	RequiredIters    uint64
	SubSlotIters     uint64
	FirstInSubSlot   bool

	// RewardInfusionNewChallenge is the reward-chain challenge this record
	// infuses into — the value looked up by the infusion-point handler (§4.6)
	// when searching backward from the peak for a block's previous sub-block.
	RewardInfusionNewChallenge string

	// SubEpochSummaryIncluded is non-nil when this sub-block closes a
	// sub-epoch and carries the next difficulty/sub-slot-iters checkpoint.
	SubEpochSummaryIncluded *SubEpochSummary

	// SPTotalIters is the total-iterations value of this record's own
	// signage point; used by unfinished-block gating (§4.5: "total_iters <
	// peak.sp_total_iters").
	SPTotalIters uint64

	Timestamp int64 // foliage block timestamp, seconds since epoch
}

// SubEpochSummary is the checkpoint inserted at sub-epoch boundaries,
// carrying the next difficulty and sub-slot-iters for the epoch that follows.
type SubEpochSummary struct {
	PrevSubEpochSummaryHash string
	NextDifficulty          uint64
	NextSubSlotIters        uint64
	NumSubBlocksOverflow    int
}

// Less implements the peak tie-break order from §3: lower weight first,
// then (for equal weight) higher total_iters first, then (for equal
// total_iters) lexicographically smaller header_hash first. Peak() picks the
// maximum under this order, so "Less" ranks worse-as-peak records lower.
func (r *SubBlockRecord) Less(other *SubBlockRecord) bool {
	if r.Weight != other.Weight {
		return r.Weight < other.Weight
	}
	if r.TotalIters != other.TotalIters {
		return r.TotalIters > other.TotalIters // lower total_iters wins -> "less" means worse
	}
	return r.HeaderHash < other.HeaderHash
}
