package types

import (
	"bytes"
	"encoding/binary"
	"encoding/json"

	"github.com/tolchain/fullnode/crypto"
)

// VDFProof is an opaque, structurally-verifiable proof produced by a
// timelord. Pre-validation makes no structural check (field lengths, output
// size) of its own; it hands proofs to the external VDF-verification
// collaborator when one is configured (§1: out of scope, narrow interface
// only).
type VDFProof struct {
	Witness      []byte
	WitnessType  uint8
	NormalizedTo uint64 // iterations the proof covers
}

// ClassgroupElement is the VDF output/challenge representation; kept opaque
// on purpose — the core never inspects interior structure (§9 design note on
// lazy/wrapped script data applies equally to VDF group elements).
type ClassgroupElement []byte

// Foliage carries the parts of a block that differ between honest foliage
// variants sharing the same trunk (reward-chain) hash: the block's prev
// header hash, its proposer/farmer reward target, pool target, and the
// signature over those fields.
type Foliage struct {
	PrevHeaderHash  string
	FarmerRewardPuzzleHash string
	PoolTarget      string
	PoolSignature   string // empty when PoolTarget == GenesisPrefarmPool at genesis
	FoliageSignature string // signed by the farmer's key over the trunk hash
}

// RewardChainSubBlock is the part of a sub-block hashed into the trunk hash:
// everything needed to place the block inside the VDF chain, independent of
// which foliage variant eventually wins.
type RewardChainSubBlock struct {
	Weight                uint64
	SubBlockHeight        int64
	TotalIters            uint64
	SignagePointIndex     int
	POSpaceHash           string // commitment to the (external) proof of space
	ChallengeChainSpVDF   ClassgroupElement
	ChallengeChainSpSignature string
	RewardChainSpVDF      ClassgroupElement
	RewardChainSpSignature   string
	Overflow              bool
}

// TrunkHash is the deterministic hash of the reward-chain sub-block, stable
// across foliage variants — this is what §3 calls the "trunk hash".
func (r *RewardChainSubBlock) TrunkHash() string {
	data, _ := json.Marshal(r)
	return crypto.Hash(data)
}

// UnfinishedBlock has its reward-chain and foliage parts filled but is
// missing the infusion-point VDFs. It lives in SubSlotStore until an
// infusion-point VDF arrives (becoming a FullBlock) or it is evicted.
type UnfinishedBlock struct {
	RewardChainSubBlock RewardChainSubBlock
	Foliage             Foliage
	FinishedSubSlots    []FinishedSubSlot
	TransactionsGenerator []byte // opaque serialized program; see consensus.ScriptVM
	RequiredIters       uint64
}

// TrunkHash is the reward-chain hash, deterministic across foliage variants.
func (b *UnfinishedBlock) TrunkHash() string { return b.RewardChainSubBlock.TrunkHash() }

// PartialHash is the full unfinished-block hash, including foliage — two
// foliage variants sharing a trunk hash have distinct partial hashes.
func (b *UnfinishedBlock) PartialHash() string {
	data, _ := json.Marshal(b)
	return crypto.Hash(data)
}

// FullBlock is the full content of an accepted sub-block: foliage,
// reward-chain sub-block, challenge-chain sub-block, VDF proofs for the
// infusion point, a transactions generator, and the finished sub-slots that
// precede it.
type FullBlock struct {
	RewardChainSubBlock RewardChainSubBlock
	Foliage             Foliage
	FinishedSubSlots    []FinishedSubSlot
	TransactionsGenerator []byte

	ChallengeChainIPVDF ClassgroupElement
	ChallengeChainIPProof VDFProof
	RewardChainIPVDF    ClassgroupElement
	RewardChainIPProof  VDFProof

	PrevHeaderHash string
}

// HeaderHash is the canonical hash this block is referenced by.
func (b *FullBlock) HeaderHash() string {
	data, _ := json.Marshal(struct {
		Reward RewardChainSubBlock
		Foliage Foliage
		IPcc   ClassgroupElement
		IPrc   ClassgroupElement
	}{b.RewardChainSubBlock, b.Foliage, b.ChallengeChainIPVDF, b.RewardChainIPVDF})
	return crypto.Hash(data)
}

// SubSlotEndVDF is the end-of-slot VDF output plus its proof, shared by the
// challenge-chain and infused-challenge-chain parts of a FinishedSubSlot.
type SubSlotEndVDF struct {
	Challenge ClassgroupElement
	Output    ClassgroupElement
	Proof     VDFProof
}

// FinishedSubSlot bundles the challenge-chain, reward-chain, and (optional)
// infused-challenge-chain end-of-slot structures. Zero or more may precede
// any block.
type FinishedSubSlot struct {
	ChallengeChain SubSlotEndVDF
	RewardChain    SubSlotEndVDF
	InfusedChallengeChain *SubSlotEndVDF // nil when the previous sub-slot had deficit 0
	NewSubSlotIters *uint64             // non-nil only at an epoch boundary
	NewDifficulty   *uint64
}

// Hash is a deterministic hash of the sub-slot's end-of-slot data, used as a
// challenge by the records that follow it.
func (f *FinishedSubSlot) Hash() string {
	data, _ := json.Marshal(f)
	return crypto.Hash(data)
}

// SignagePoint is the (challenge-chain VDF, CC proof, reward-chain VDF, RC
// proof) quadruple indexed by sub-slot and signage-point-index.
type SignagePoint struct {
	SubSlotIndex int
	Index        int // 0..NUM_SPS_SUB_SLOT-1
	CCVDF        ClassgroupElement
	CCProof      VDFProof
	RCVDF        ClassgroupElement
	RCProof      VDFProof
}

// ComputeTxRoot builds a deterministic root hash over a transactions
// generator's byte content, length-prefixed to avoid boundary ambiguity —
// the same construction the teacher used for its transaction-ID list
// (core/block.go), generalized to an opaque generator blob.
func ComputeTxRoot(generator []byte) string {
	if len(generator) == 0 {
		return crypto.Hash([]byte("empty"))
	}
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(generator)))
	buf.Write(lenBuf[:])
	buf.Write(generator)
	return crypto.Hash(buf.Bytes())
}
