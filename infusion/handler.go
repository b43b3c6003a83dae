// Package infusion implements the infusion-point handler (§4.6) and the
// end-of-sub-slot handler (§4.7). Both are serialized by a single
// timelord-facing lock so their reads of SubSlotStore and the blockchain
// peak stay stable relative to each other.
package infusion

import (
	"log"
	"sync"

	"github.com/tolchain/fullnode/blockchain"
	"github.com/tolchain/fullnode/config"
	"github.com/tolchain/fullnode/consensus"
	"github.com/tolchain/fullnode/protocol"
	"github.com/tolchain/fullnode/subslot"
	"github.com/tolchain/fullnode/types"
)

// Broadcaster is the subset of peer fan-out the two handlers need.
type Broadcaster interface {
	BroadcastFullNodes(excludePeerID string, env protocol.Envelope)
	BroadcastFarmers(env protocol.Envelope)
}

// scanDepth bounds the backward scan over recent records described in §4.6
// ("scan the last 10 records from the peak").
const scanDepth = 10

// Handler serializes infusion-point and end-of-slot processing behind a
// single lock (§5: "timelord_lock — serializes new_infusion_point_vdf and
// respond_end_of_sub_slot").
type Handler struct {
	timelordLock sync.Mutex

	constants config.ConsensusConstants
	chain     *blockchain.Blockchain
	subSlots  *subslot.Store
	bcast     Broadcaster

	// ReceiveSubBlock is the shared receive-batch/receive_block path; a
	// ConsensusError from it is logged, not propagated (§4.6 last step).
	ReceiveSubBlock func(block *types.FullBlock) (blockchain.ReceiveResult, error)
}

// New creates a Handler.
func New(constants config.ConsensusConstants, chain *blockchain.Blockchain, subSlots *subslot.Store, bcast Broadcaster) *Handler {
	return &Handler{constants: constants, chain: chain, subSlots: subSlots, bcast: bcast}
}

// NewInfusionPointVDF implements §4.6.
func (h *Handler) NewInfusionPointVDF(req protocol.NewInfusionPointVDF) {
	h.timelordLock.Lock()
	defer h.timelordLock.Unlock()

	// "unfinished_reward_hash" on the wire names the same reward-chain trunk
	// hash SubSlotStore keys unfinished blocks by (§3).
	ub, ok := h.subSlots.UnfinishedByTrunk(req.UnfinishedRewardHash)
	if !ok {
		return // no such unfinished block; drop
	}

	prevSB, resolved := h.findPrevSubBlock(ub)
	if !resolved {
		h.subSlots.CachePendingInfusion(string(req.RewardChainIPVDF), subslot.PendingInfusion{
			UnfinishedRewardHash: req.UnfinishedRewardHash,
			ChallengeChainIPVDF:  req.ChallengeChainIPVDF,
			RewardChainIPVDF:     req.RewardChainIPVDF,
		})
		return
	}

	difficulty, subSlotIters := consensus.NextDifficultyAndSlotIters(h.constants, prevSB)
	overflow := consensus.IsOverflowBlock(h.constants, ub.RewardChainSubBlock.SignagePointIndex)
	finishedSubSlots := rebuildFinishedSubSlots(ub.FinishedSubSlots, prevSB, difficulty, subSlotIters)

	full := &types.FullBlock{
		RewardChainSubBlock:   ub.RewardChainSubBlock,
		Foliage:               ub.Foliage,
		FinishedSubSlots:      finishedSubSlots,
		TransactionsGenerator: ub.TransactionsGenerator,
		ChallengeChainIPVDF:   req.ChallengeChainIPVDF,
		ChallengeChainIPProof: req.ChallengeChainIPProof,
		RewardChainIPVDF:      req.RewardChainIPVDF,
		RewardChainIPProof:    req.RewardChainIPProof,
		PrevHeaderHash:        ub.Foliage.PrevHeaderHash,
	}

	if full.Foliage.PoolTarget == types.GenesisPrefarmPool && full.PrevHeaderHash != types.GenesisHash {
		log.Printf("[infusion] rejecting block claiming pre-farm target with non-genesis prev hash")
		return
	}

	firstSubSlotNewEpoch := len(finishedSubSlots) > 0 && prevSB != nil && prevSB.SubEpochSummaryIncluded != nil
	if err := consensus.ValidateOverflowNewEpochRule(overflow, firstSubSlotNewEpoch); err != nil {
		log.Printf("[infusion] rejecting block: %v", err)
		return
	}

	if h.ReceiveSubBlock == nil {
		return
	}
	if _, err := h.ReceiveSubBlock(full); err != nil {
		log.Printf("[infusion] respond_sub_block error (discarded, node continues): %v", err)
	}
	h.subSlots.RemoveUnfinishedBlock(ub.TrunkHash())
}

// rebuildFinishedSubSlots copies the unfinished block's finished-sub-slots
// list and stamps the freshly recomputed (difficulty, sub_slot_iters) onto
// the slot that closes a sub-epoch, rather than trusting whatever the
// unfinished block carried when it was assembled ahead of prevSB being known
// (§4.6: "recompute (sub_slot_iters, difficulty) for the block with that
// sub-slots list").
func rebuildFinishedSubSlots(unfinished []types.FinishedSubSlot, prevSB *types.SubBlockRecord, difficulty, subSlotIters uint64) []types.FinishedSubSlot {
	if len(unfinished) == 0 {
		return unfinished
	}
	out := make([]types.FinishedSubSlot, len(unfinished))
	copy(out, unfinished)
	if prevSB != nil && prevSB.SubEpochSummaryIncluded != nil {
		d, s := difficulty, subSlotIters
		last := &out[len(out)-1]
		last.NewDifficulty = &d
		last.NewSubSlotIters = &s
	}
	return out
}

// findPrevSubBlock implements §4.6's backward-walk: replace the target
// challenge with each finished sub-slot's end-of-slot challenge, then scan
// the last scanDepth records from the peak for a matching
// reward_infusion_new_challenge.
func (h *Handler) findPrevSubBlock(ub *types.UnfinishedBlock) (*types.SubBlockRecord, bool) {
	target := string(ub.RewardChainSubBlock.RewardChainSpVDF)
	for _, fss := range h.subSlots.FinishedSubSlots() {
		target = string(fss.RewardChain.Challenge)
	}
	if target == types.FirstRCChallenge {
		return nil, true // pre-genesis
	}

	cur := h.chain.GetPeak()
	for i := 0; i < scanDepth && cur != nil; i++ {
		if cur.RewardInfusionNewChallenge == target {
			return cur, true
		}
		prev, ok := h.chain.SubBlockRecord(cur.PrevHash)
		if !ok {
			break
		}
		cur = prev
	}
	return nil, false
}

// RespondEndOfSubSlot implements §4.7.
func (h *Handler) RespondEndOfSubSlot(fss types.FinishedSubSlot) {
	h.timelordLock.Lock()
	defer h.timelordLock.Unlock()

	target := string(fss.ChallengeChain.Challenge)
	haveParent := target == types.FirstCCChallenge || h.havePriorSubSlot(target)
	if !haveParent {
		// We lack the previous sub-slot; a real transport would reply with a
		// request for it instead of adding (left to the network layer).
		return
	}

	peak := h.chain.GetPeak()
	var difficulty, subSlotIters uint64
	if peak != nil && peak.SubBlockHeight > 2 {
		difficulty, subSlotIters = consensus.NextDifficultyAndSlotIters(h.constants, peak)
	} else {
		difficulty, subSlotIters = h.constants.DifficultyStarting, h.constants.SubSlotItersStarting
	}

	pending, ok := h.subSlots.NewFinishedSubSlot(fss, haveParent)
	if !ok {
		return // duplicate or disconnected
	}

	if h.bcast != nil {
		h.bcast.BroadcastFullNodes("", protocol.Envelope{
			Type: protocol.MsgNewSignagePointOrEndOfSubSlot,
			Payload: protocol.NewSignagePointOrEndOfSubSlot{
				ChallengeChainHash: fss.Hash(),
			},
		})
	}

	for _, p := range pending {
		h.NewInfusionPointVDF(protocol.NewInfusionPointVDF{
			UnfinishedRewardHash: p.UnfinishedRewardHash,
			ChallengeChainIPVDF:  p.ChallengeChainIPVDF,
			RewardChainIPVDF:     p.RewardChainIPVDF,
		})
	}

	if h.bcast != nil {
		h.bcast.BroadcastFarmers(protocol.Envelope{
			Type: protocol.MsgNewSignagePoint,
			Payload: protocol.NewSignagePointFarmer{
				Difficulty:   difficulty,
				SubSlotIters: subSlotIters,
			},
		})
	}
}

func (h *Handler) havePriorSubSlot(challenge string) bool {
	for _, fss := range h.subSlots.FinishedSubSlots() {
		if fss.Hash() == challenge {
			return true
		}
	}
	return false
}
