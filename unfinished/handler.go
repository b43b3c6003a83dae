// Package unfinished implements RespondUnfinishedSubBlock handling (§4.5):
// admission of a two-phase block assembly candidate ahead of its infusion
// point.
package unfinished

import (
	"errors"
	"fmt"

	"github.com/tolchain/fullnode/blockchain"
	"github.com/tolchain/fullnode/config"
	"github.com/tolchain/fullnode/consensus"
	"github.com/tolchain/fullnode/protocol"
	"github.com/tolchain/fullnode/subslot"
	"github.com/tolchain/fullnode/types"
)

// ErrDropped is returned (never propagated as a peer-visible error) when an
// unfinished block is silently dropped per one of §4.5's dedup/validity
// checks; callers should treat it as a no-op, not a failure worth
// disconnecting the peer over.
var ErrDropped = errors.New("unfinished: dropped")

// Broadcaster is the subset of peer fan-out RespondUnfinishedSubBlock needs.
type Broadcaster interface {
	SendTimelords(env protocol.Envelope)
	BroadcastFullNodes(excludePeerID string, env protocol.Envelope)
}

// Handler admits unfinished blocks into SubSlotStore.
type Handler struct {
	constants config.ConsensusConstants
	chain     *blockchain.Blockchain
	subSlots  *subslot.Store
	bcast     Broadcaster
}

// New creates a Handler.
func New(constants config.ConsensusConstants, chain *blockchain.Blockchain, subSlots *subslot.Store, bcast Broadcaster) *Handler {
	return &Handler{constants: constants, chain: chain, subSlots: subSlots, bcast: bcast}
}

// numSubBlocksInSubSlot walks finishedSubSlots on the block itself — if the
// block starts a new sub-slot there are none before it in this slot; a
// fuller accounting (walking the persisted chain) is left to the caller
// supplying priorSiblingCount for the common case where the block continues
// an already-open sub-slot.
func numSubBlocksInSubSlot(block *types.UnfinishedBlock, priorSiblingCount int) int {
	if len(block.FinishedSubSlots) > 0 {
		return 1
	}
	return priorSiblingCount + 1
}

// Respond handles RespondUnfinishedSubBlock (§4.5). sourcePeerID is excluded
// from the full-node advertisement broadcast. priorSiblingCount is the
// number of sub-blocks already seen in the current open sub-slot, used to
// bound MAX_SUB_SLOT_SUB_BLOCKS without re-deriving it from chain state here.
func (h *Handler) Respond(block *types.UnfinishedBlock, sourcePeerID string, priorSiblingCount int, firstSubSlotNewEpoch bool) error {
	partialHash := block.PartialHash()
	trunkHash := block.TrunkHash()

	if h.subSlots.HasSeenUnfinished(partialHash) {
		return ErrDropped
	}
	if _, exists := h.subSlots.UnfinishedByTrunk(trunkHash); exists {
		h.subSlots.MarkSeenUnfinished(partialHash)
		return ErrDropped
	}

	if !types.IsGenesisHash(block.Foliage.PrevHeaderHash) && !h.chain.ContainsSubBlock(block.Foliage.PrevHeaderHash) {
		return ErrDropped // peer will re-send via NewPeak
	}

	if peak := h.chain.GetPeak(); peak != nil && block.RewardChainSubBlock.TotalIters < peak.SPTotalIters {
		return ErrDropped // no weight contribution possible
	}

	overflow := consensus.IsOverflowBlock(h.constants, block.RewardChainSubBlock.SignagePointIndex)
	if err := consensus.ValidateOverflowNewEpochRule(overflow, firstSubSlotNewEpoch); err != nil {
		return fmt.Errorf("%w: %v", ErrDropped, err)
	}

	numInSlot := numSubBlocksInSubSlot(block, priorSiblingCount)
	if numInSlot > h.constants.MaxSubSlotSubBlocks {
		return fmt.Errorf("%w: sub-slot sub-block count %d exceeds MAX_SUB_SLOT_SUB_BLOCKS", ErrDropped, numInSlot)
	}

	requiredIters, err := h.validateUnfinishedBlock(block)
	if err != nil {
		return fmt.Errorf("unfinished: validate_unfinished_block: %w", err)
	}

	// Double-check the trunk-hash dedup in case another task raced us here.
	if !h.subSlots.AddUnfinishedBlock(block) {
		h.subSlots.MarkSeenUnfinished(partialHash)
		return ErrDropped
	}
	h.subSlots.MarkSeenUnfinished(partialHash)

	peak := h.chain.GetPeak()
	ses := consensus.NextSubEpochSummary(h.constants, peak, requiredIters)
	difficulty, subSlotIters := consensus.NextDifficultyAndSlotIters(h.constants, peak)

	rcPrev := h.previousRewardChainHash(block)

	if h.bcast != nil {
		h.bcast.SendTimelords(protocol.Envelope{
			Type: protocol.MsgNewUnfinishedSubBlock,
			Payload: protocol.NewUnfinishedSubBlockForTimelord{
				PrevRewardChainHash: rcPrev,
				Block:               block,
				SubEpochSummary:     ses,
				Difficulty:          difficulty,
				SubSlotIters:        subSlotIters,
			},
		})
		h.bcast.BroadcastFullNodes(sourcePeerID, protocol.Envelope{
			Type:    protocol.MsgNewUnfinishedSubBlock,
			Payload: protocol.NewUnfinishedSubBlock{TrunkHash: trunkHash},
		})
	}
	return nil
}

// previousRewardChainHash computes rc_prev (§4.5): for signage_point_index
// == 0, from the sub-slot's reward-chain hash (or FIRST_RC_CHALLENGE at
// genesis); otherwise from the SP's reward-chain VDF challenge.
func (h *Handler) previousRewardChainHash(block *types.UnfinishedBlock) string {
	if block.RewardChainSubBlock.SignagePointIndex == 0 {
		if len(block.FinishedSubSlots) > 0 {
			last := block.FinishedSubSlots[len(block.FinishedSubSlots)-1]
			return last.Hash()
		}
		return types.FirstRCChallenge
	}
	sp, ok := h.subSlots.SignagePoint(block.RewardChainSubBlock.SignagePointIndex)
	if !ok {
		return types.FirstRCChallenge
	}
	return string(sp.RCVDF)
}

// validateUnfinishedBlock is the consensus-level check named in §4.5
// ("call validate_unfinished_block -> yields required_iters or an error").
// Proof-of-space/VDF cryptographic soundness is delegated to the
// Blockchain's injected ProofVerifier via pre-validation upstream; here we
// only check that the block's RequiredIters is positive and return it.
func (h *Handler) validateUnfinishedBlock(block *types.UnfinishedBlock) (uint64, error) {
	if block.RequiredIters == 0 {
		return 0, errors.New("unfinished: required_iters must be positive")
	}
	return block.RequiredIters, nil
}
