// Package sync implements SyncCoordinator (§4.2): strategy selection among
// single-block backtrack, batch short-sync, and weight-proof long-sync,
// with peer selection, fork-point discovery, and partial-failure recovery.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/tolchain/fullnode/blockchain"
	"github.com/tolchain/fullnode/config"
	"github.com/tolchain/fullnode/events"
	"github.com/tolchain/fullnode/syncstate"
	"github.com/tolchain/fullnode/types"
	"github.com/tolchain/fullnode/weightproof"
)

// PeerClient is the narrow outbound-request surface SyncCoordinator needs
// from the network layer, kept separate from the transport so tests can
// supply a fake (§9: "server exclusively owns the connection set;
// connections hold a non-owning handle used only for callbacks" — mirrored
// here by depending on an interface rather than the concrete peer type).
type PeerClient interface {
	RequestSubBlock(ctx context.Context, peerID string, height int64) (*types.FullBlock, error)
	RequestSubBlocks(ctx context.Context, peerID string, start, end int64) ([]*types.FullBlock, bool, error)
	RequestProofOfWeight(ctx context.Context, peerID string, height int64, headerHash string) (weightproof.Proof, error)
	Disconnect(peerID string)
}

// Announcement is a peer's NewPeak (§6).
type Announcement struct {
	PeerID               string
	HeaderHash           string
	SubBlockHeight       int64
	Weight               uint64
	ForkPointHint        int64
	UnfinishedRewardHash string
}

const longSyncPeerWaitTimeout = 20 * time.Second
const minLongSyncPeers = 3
const perRequestTimeout = 10 * time.Second

// ErrNoPeers is returned by long sync when no peer has the heaviest peak
// after waiting (§8: "Long sync with zero peers having the heaviest peak
// must fail with a non-fatal error").
var ErrNoPeers = errors.New("sync: no peers available for long sync")

// Coordinator drives sync strategy selection and execution.
type Coordinator struct {
	constants config.ConsensusConstants
	chain     *blockchain.Blockchain
	state     *syncstate.State
	verifier  *weightproof.Verifier
	peers     PeerClient
	emitter   *events.Emitter

	// ReceiveBatch is invoked for every window of blocks accepted during
	// backtrack/batch/long sync; the caller wires it to the shared
	// receive-batch algorithm (§4.3) that also runs PeakProcessor.
	ReceiveBatch func(blocks []*types.FullBlock, peerID string, forkPointHint int64) (advancedPeak bool, forkHeight int64, err error)

	// HashAtHeight looks up our locally-known header hash at a given height,
	// used by the weight-proof fork-point walk (§4.2 step (d)). cmd/node
	// wires it to indexer.Index.HashAtHeight.
	HashAtHeight func(height int64) (string, bool)

	cancelLongSync context.CancelFunc
}

// New creates a Coordinator.
func New(constants config.ConsensusConstants, chain *blockchain.Blockchain, state *syncstate.State, verifier *weightproof.Verifier, peers PeerClient, emitter *events.Emitter) *Coordinator {
	return &Coordinator{constants: constants, chain: chain, state: state, verifier: verifier, peers: peers, emitter: emitter}
}

// HandleNewPeak implements the gatekeeping and strategy-selection logic of
// §4.2. It is the entry point for every peer NewPeak message.
func (c *Coordinator) HandleNewPeak(ctx context.Context, ann Announcement) error {
	c.state.RecordPeerPeak(ann.PeerID, syncstate.PeerPeak{
		PeakHash: ann.HeaderHash, PeakHeight: ann.SubBlockHeight, PeakWeight: ann.Weight,
	})

	if c.chain.ContainsSubBlock(ann.HeaderHash) {
		return nil
	}
	peak := c.chain.GetPeak()
	if peak != nil && peak.Weight >= ann.Weight {
		return nil
	}
	if c.state.SyncMode() {
		// Already syncing: only peer bookkeeping above matters; the active
		// sync target is unaffected.
		return nil
	}

	ourHeight := int64(-1)
	if peak != nil {
		ourHeight = peak.SubBlockHeight
	}

	if ann.SubBlockHeight <= ourHeight+c.constants.ShortBacktrackThreshold {
		ok, err := c.backtrackSync(ctx, ann, ourHeight)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}

	// TODO: weight proofs don't currently validate starting from height 0;
	// this branch special-cases batch-syncing from an empty chain rather
	// than always requiring a weight proof first.
	if ann.SubBlockHeight < c.constants.WeightProofRecentBlocks || ann.SubBlockHeight < ourHeight+c.constants.BatchThreshold {
		ok, err := c.batchShortSync(ctx, ann)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}

	return c.longSync(ctx, ann)
}

// backtrackSync implements §4.2 strategy 1: request blocks h, h-1, ... until
// the parent is present or we've walked 5 below our peak.
func (c *Coordinator) backtrackSync(ctx context.Context, ann Announcement, ourHeight int64) (bool, error) {
	const maxWalk = 5
	floor := ourHeight - maxWalk
	if floor < 0 {
		floor = 0
	}

	var fetched []*types.FullBlock
	height := ann.SubBlockHeight
	for height >= floor {
		reqCtx, cancel := context.WithTimeout(ctx, perRequestTimeout)
		block, err := c.peers.RequestSubBlock(reqCtx, ann.PeerID, height)
		cancel()
		if err != nil {
			return false, nil // peer timeout/failure: fall through to next strategy
		}
		fetched = append([]*types.FullBlock{block}, fetched...)
		if c.chain.ContainsSubBlock(block.PrevHeaderHash) || types.IsGenesisHash(block.PrevHeaderHash) {
			break
		}
		height--
	}
	if len(fetched) == 0 || height < floor {
		return false, nil
	}

	advanced, forkHeight, err := c.ReceiveBatch(fetched, ann.PeerID, ourHeight)
	if err != nil {
		return false, err
	}
	log.Printf("[sync] backtrack from %s: applied %d blocks, advanced=%v fork_height=%d", ann.PeerID, len(fetched), advanced, forkHeight)
	return advanced, nil
}

// batchShortSync implements §4.2 strategy 2.
func (c *Coordinator) batchShortSync(ctx context.Context, ann Announcement) (bool, error) {
	peak := c.chain.GetPeak()
	start := int64(0)
	if peak != nil {
		start = peak.SubBlockHeight + 1
	}
	end := ann.SubBlockHeight

	if !c.state.TryStartBatchSync(ann.PeerID) {
		return false, nil
	}
	defer c.state.FinishBatchSync(ann.PeerID)

	reqCtx, cancel := context.WithTimeout(ctx, perRequestTimeout)
	first, err := c.peers.RequestSubBlock(reqCtx, ann.PeerID, start)
	cancel()
	if err != nil {
		return false, nil
	}
	if !types.IsGenesisHash(first.PrevHeaderHash) && !c.chain.ContainsSubBlock(first.PrevHeaderHash) {
		return false, nil // first-block parent absent: abandon without advancing peak (§8)
	}

	window := int64(c.constants.MaxBlockCountPerRequest)
	if window <= 0 {
		window = 32
	}
	anyAdvanced := false
	for cursor := start; cursor <= end; cursor += window {
		winEnd := cursor + window - 1
		if winEnd > end {
			winEnd = end
		}
		reqCtx, cancel := context.WithTimeout(ctx, perRequestTimeout)
		blocks, ok, err := c.peers.RequestSubBlocks(reqCtx, ann.PeerID, cursor, winEnd)
		cancel()
		if err != nil || !ok {
			return anyAdvanced, nil
		}
		advanced, _, err := c.ReceiveBatch(blocks, ann.PeerID, start-1)
		if err != nil {
			return anyAdvanced, err
		}
		anyAdvanced = anyAdvanced || advanced
	}
	return true, nil
}

// longSync implements §4.2 strategy 3.
func (c *Coordinator) longSync(parent context.Context, ann Announcement) error {
	ctx, cancel := context.WithCancel(parent)
	c.cancelLongSync = cancel
	defer cancel()

	c.state.SetSyncMode(true)
	if c.emitter != nil {
		c.emitter.Emit(events.Event{Type: events.EventSyncModeChange, Data: map[string]any{"sync_mode": true}})
	}
	defer c.finishSync()

	// (a) Wait up to 20s for at least 3 peers' peaks.
	deadline := time.Now().Add(longSyncPeerWaitTimeout)
	for c.state.PeerCount() < minLongSyncPeers && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil // CancelledError is silent (§7)
		case <-c.state.PeersChanged():
		case <-time.After(1 * time.Second):
		}
	}

	// (b) Pick the heaviest peak.
	heaviest, ok := c.state.HeaviestPeak()
	if !ok {
		return fmt.Errorf("%w", ErrNoPeers)
	}

	// (c)/(d) pick a provider uniformly at random among candidates.
	candidates := c.state.CandidatePeers(heaviest.PeakHash)
	if len(candidates) == 0 {
		return fmt.Errorf("%w", ErrNoPeers)
	}
	provider := candidates[rand.Intn(len(candidates))]

	reqCtx, reqCancel := context.WithTimeout(ctx, perRequestTimeout)
	proof, err := c.peers.RequestProofOfWeight(reqCtx, provider, heaviest.PeakHeight, heaviest.PeakHash)
	reqCancel()
	if err != nil {
		c.peers.Disconnect(provider)
		return fmt.Errorf("sync: request weight proof from %s: %w", provider, err)
	}

	ourRecordAt := c.HashAtHeight
	if ourRecordAt == nil {
		ourRecordAt = func(int64) (string, bool) { return "", false }
	}
	forkPoint, err := c.verifier.Validate(proof, heaviest.PeakHash, heaviest.PeakHeight, heaviest.PeakWeight, ourRecordAt)
	if err != nil {
		c.peers.Disconnect(provider)
		c.state.ExcludePeer(provider)
		return fmt.Errorf("sync: %w", err)
	}

	if err := c.chain.Warmup(forkPoint); err != nil {
		return fmt.Errorf("sync: warmup: %w", err)
	}

	return c.syncFromForkPoint(ctx, heaviest, forkPoint)
}

// syncFromForkPoint implements §4.2 step (f): windowed batch fetch from the
// fork point, trying each candidate peer on the target peak until one
// succeeds, stopping a window's retries once none remain.
func (c *Coordinator) syncFromForkPoint(ctx context.Context, target syncstate.PeerPeak, forkPoint int64) error {
	window := int64(c.constants.MaxBlockCountPerRequest)
	if window <= 0 {
		window = 32
	}
	cursor := forkPoint + 1
	for cursor <= target.PeakHeight {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		winEnd := cursor + window - 1
		if winEnd > target.PeakHeight {
			winEnd = target.PeakHeight
		}

		candidates := c.state.CandidatePeers(target.PeakHash)
		succeeded := false
		for _, peerID := range candidates {
			reqCtx, cancel := context.WithTimeout(ctx, perRequestTimeout)
			blocks, ok, err := c.peers.RequestSubBlocks(reqCtx, peerID, cursor, winEnd)
			cancel()
			if err != nil || !ok {
				c.state.ExcludePeer(peerID) // (§8 scenario 6: try next peer on failure)
				continue
			}
			if _, _, err := c.ReceiveBatch(blocks, peerID, forkPoint); err != nil {
				c.state.ExcludePeer(peerID)
				continue
			}
			succeeded = true
			break
		}
		if !succeeded {
			log.Printf("[sync] long sync: no peer served window [%d,%d], stopping", cursor, winEnd)
			return nil
		}
		cursor = winEnd + 1
	}
	return nil
}

// CancelLongSync cancels an in-flight long sync, if any (§4.2
// "Cancellation").
func (c *Coordinator) CancelLongSync() {
	if c.cancelLongSync != nil {
		c.cancelLongSync()
	}
}

// finishSync clears sync state and emits the sync_mode state change,
// mirroring §4.2's `_finish_sync`: called on both success and failure paths.
func (c *Coordinator) finishSync() {
	c.state.SetSyncMode(false)
	c.state.ClearExcluded()
	if c.emitter != nil {
		c.emitter.Emit(events.Event{Type: events.EventSyncModeChange, Data: map[string]any{"sync_mode": false}})
	}
}
