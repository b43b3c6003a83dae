// Package peak implements PeakProcessor (§4.4): the ordered fan-out that
// runs after a commit advances the peak. It runs once ReceiveBlock has
// returned, without the blockchain write lock held.
package peak

import (
	"github.com/tolchain/fullnode/config"
	"github.com/tolchain/fullnode/consensus"
	"github.com/tolchain/fullnode/events"
	"github.com/tolchain/fullnode/mempool"
	"github.com/tolchain/fullnode/protocol"
	"github.com/tolchain/fullnode/subslot"
	"github.com/tolchain/fullnode/types"
)

// Broadcaster fans messages out to connected peers by class, adapted from
// the teacher's network/node.go peer-set iteration.
type Broadcaster interface {
	BroadcastFullNodes(excludePeerID string, env protocol.Envelope)
	BroadcastWallets(env protocol.Envelope)
	BroadcastFarmers(env protocol.Envelope)
	SendTimelords(env protocol.Envelope)
}

// CoinSpendView reports which coin names the blocks between the old and new
// peak spent, used to revalidate the mempool (§4.4 step 6). A nil set means
// "nothing known to be spent" (e.g. on a fresh chain).
type CoinSpendView func(oldPeakHash, newPeakHash string) map[string]bool

// Processor runs the PeakProcessor steps.
type Processor struct {
	constants config.ConsensusConstants
	subSlots  *subslot.Store
	pool      *mempool.Pool
	emitter   *events.Emitter
	bcast     Broadcaster
	spends    CoinSpendView

	blocksSinceCacheCheck int
}

// New creates a Processor wired to its collaborators.
func New(constants config.ConsensusConstants, subSlots *subslot.Store, pool *mempool.Pool, emitter *events.Emitter, bcast Broadcaster, spends CoinSpendView) *Processor {
	return &Processor{constants: constants, subSlots: subSlots, pool: pool, emitter: emitter, bcast: bcast, spends: spends}
}

// Input bundles what the caller already knows about the peak transition so
// Process doesn't need to re-derive it.
type Input struct {
	OldPeak          *types.SubBlockRecord
	NewPeak          *types.SubBlockRecord
	SS0, SS1         *types.FinishedSubSlot
	ForkIsNontrivial bool
	SyncMode         bool
	SourcePeerID     string
	UnfinishedRewardHash string
	PruneCache       func() // invoked in step 3 when not syncing
}

// Process runs the 11 ordered steps of §4.4. It does not hold the
// blockchain write lock: the lock is private to blockchain.Blockchain and
// is released when ReceiveBlock returns, and PruneCache takes it again
// through CleanSubBlockRecords.
func (p *Processor) Process(in Input) {
	// 1. Recompute next difficulty and next sub-slot-iters.
	difficulty, subSlotIters := consensus.NextDifficultyAndSlotIters(p.constants, in.NewPeak)

	// 2. Retrieve the two sub-slots surrounding the new peak's SP/IP — these
	// arrive as in.SS0/in.SS1, taken by the caller from the committed block's
	// own finished sub-slots, falling back to SubSlotStore for SS0.

	// 3. If not syncing, prune the in-memory record cache.
	if !in.SyncMode && in.PruneCache != nil {
		in.PruneCache()
	}

	// 4. SubSlotStore.new_peak.
	eos := p.subSlots.NewPeak(in.NewPeak, in.SS0, in.SS1, in.ForkIsNontrivial)

	// 5. Re-insert the peak's signage point (idempotent).
	if _, ok := p.subSlots.SignagePoint(in.NewPeak.SignagePointIndex); !ok {
		p.subSlots.NewSignagePoint(&types.SignagePoint{
			Index: in.NewPeak.SignagePointIndex,
		})
	}

	// 6. Notify the Mempool of the new peak.
	if p.pool != nil {
		var spent map[string]bool
		if p.spends != nil && in.OldPeak != nil {
			spent = p.spends(in.OldPeak.HeaderHash, in.NewPeak.HeaderHash)
		}
		p.pool.NotifyNewPeak(in.NewPeak.HeaderHash, spent)
	}

	// 7. If a new EOS became visible, broadcast to all full nodes.
	if eos != nil && p.bcast != nil {
		p.bcast.BroadcastFullNodes("", protocol.Envelope{
			Type: protocol.MsgNewSignagePointOrEndOfSubSlot,
			Payload: protocol.NewSignagePointOrEndOfSubSlot{
				ChallengeChainHash: string(eos.ChallengeChain.Challenge),
			},
		})
	}

	// 8. Every 1000 blocks: clear the "seen unfinished" set.
	p.subSlots.ClearSeenUnfinishedIfDue()

	// 9/10. Broadcast NewPeak.
	if p.bcast != nil {
		if !in.SyncMode {
			p.bcast.SendTimelords(protocol.Envelope{
				Type: protocol.MsgNewPeak,
				Payload: protocol.NewPeakFullNode{
					HeaderHash:           in.NewPeak.HeaderHash,
					SubBlockHeight:       in.NewPeak.SubBlockHeight,
					Weight:               in.NewPeak.Weight,
					UnfinishedRewardHash: in.UnfinishedRewardHash,
				},
			})
			p.bcast.BroadcastFullNodes(in.SourcePeerID, protocol.Envelope{
				Type: protocol.MsgNewPeak,
				Payload: protocol.NewPeakFullNode{
					HeaderHash:           in.NewPeak.HeaderHash,
					SubBlockHeight:       in.NewPeak.SubBlockHeight,
					Weight:               in.NewPeak.Weight,
					UnfinishedRewardHash: in.UnfinishedRewardHash,
				},
			})
		}
		// 10. Always: broadcast NewPeak to wallets.
		p.bcast.BroadcastWallets(protocol.Envelope{
			Type: protocol.MsgNewPeak,
			Payload: protocol.NewPeakWallet{
				HeaderHash: in.NewPeak.HeaderHash,
				Height:     in.NewPeak.SubBlockHeight,
				Weight:     in.NewPeak.Weight,
			},
		})
	}

	// 11. Emit new_peak state-change.
	if p.emitter != nil {
		p.emitter.Emit(events.Event{
			Type:        events.EventNewPeak,
			HeaderHash:  in.NewPeak.HeaderHash,
			BlockHeight: in.NewPeak.SubBlockHeight,
			Data: map[string]any{
				"difficulty":     difficulty,
				"sub_slot_iters": subSlotIters,
			},
		})
	}
}
