// Package blockchain implements the Blockchain component (§4.1): the
// canonical in-memory view of accepted sub-blocks, peak selection, fork
// handling, and block admission. Adapted from the teacher's
// core/blockchain.go tip-tracking pattern, generalized from a single linear
// tip to a weight-ordered DAG of sub-block records with reorg support.
package blockchain

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tolchain/fullnode/chainstore"
	"github.com/tolchain/fullnode/config"
	"github.com/tolchain/fullnode/consensus"
	"github.com/tolchain/fullnode/events"
	"github.com/tolchain/fullnode/types"
)

// ReceiveResult is the outcome of ReceiveBlock (§4.1, §7).
type ReceiveResult int

const (
	NewPeak ReceiveResult = iota
	AddedAsOrphan
	AlreadyHaveBlock
	InvalidBlock
	DisconnectedBlock
)

func (r ReceiveResult) String() string {
	switch r {
	case NewPeak:
		return "NEW_PEAK"
	case AddedAsOrphan:
		return "ADDED_AS_ORPHAN"
	case AlreadyHaveBlock:
		return "ALREADY_HAVE_BLOCK"
	case InvalidBlock:
		return "INVALID_BLOCK"
	case DisconnectedBlock:
		return "DISCONNECTED_BLOCK"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrDisconnected is returned by ReceiveBlock when the block's prev_hash
	// names a sub-block we don't have (§7).
	ErrDisconnected = errors.New("blockchain: disconnected block, previous sub-block not found")
	// ErrInvalid wraps a pre-validation or consensus-rule failure.
	ErrInvalid = errors.New("blockchain: invalid block")
)

// PreValidationResult is what PreValidateBlocks returns per block: the
// required_iters value computed for it, or an error if it failed
// structural/signature checks (§4.1: "returns per-block required_iters or an
// error").
type PreValidationResult struct {
	RequiredIters uint64
	Err           error
}

// Blockchain is the canonical view of the accepted sub-block DAG: peak
// selection, fork handling, and block admission, guarded by a single lock
// (§5: "Blockchain.lock ... serializes all state transitions").
type Blockchain struct {
	lock sync.RWMutex

	constants config.ConsensusConstants
	store     chainstore.Store
	cache     *chainstore.RecordCache
	proofs    consensus.ProofVerifier
	emitter   *events.Emitter

	peak *types.SubBlockRecord

	// recordsByHeight indexes cached records by height; Warmup and
	// ReceiveBlock add entries, and CleanSubBlockRecords uses it to find the
	// cached records to evict.
	recordsByHeight map[int64]string
}

// New creates a Blockchain backed by store, caching up to cacheSize recent
// records, verifying proofs through proofs, and notifying emitter of peak
// transitions.
func New(constants config.ConsensusConstants, store chainstore.Store, cacheSize int, proofs consensus.ProofVerifier, emitter *events.Emitter) (*Blockchain, error) {
	cache, err := chainstore.NewRecordCache(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("blockchain: create record cache: %w", err)
	}
	return &Blockchain{
		constants:       constants,
		store:           store,
		cache:           cache,
		proofs:          proofs,
		emitter:         emitter,
		recordsByHeight: make(map[int64]string),
	}, nil
}

// Warmup loads the peak and a window of ancestor records into the hot cache
// on startup (§4.1: "Warmup(fork_point) loads a window of ancestor records
// into the cache without touching the full block bodies").
func (bc *Blockchain) Warmup(forkPoint int64) error {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	peakHash, err := bc.store.GetPeakHash()
	if err != nil {
		return fmt.Errorf("blockchain: warmup get peak hash: %w", err)
	}
	if peakHash == "" {
		return nil // fresh chain
	}
	peak, err := bc.store.GetRecord(peakHash)
	if err != nil {
		return fmt.Errorf("blockchain: warmup load peak record: %w", err)
	}
	bc.peak = peak
	bc.cache.Put(peak)
	bc.recordsByHeight[peak.SubBlockHeight] = peak.HeaderHash

	cur := peak
	for cur != nil && cur.SubBlockHeight > forkPoint && !types.IsGenesisHash(cur.PrevHash) {
		prev, err := bc.store.GetRecord(cur.PrevHash)
		if err != nil {
			break
		}
		bc.cache.Put(prev)
		bc.recordsByHeight[prev.SubBlockHeight] = prev.HeaderHash
		cur = prev
	}
	return nil
}

// CleanSubBlockRecords evicts cached records below height - keep from the
// in-memory cache; the persisted copies in Store are untouched (§4.1).
func (bc *Blockchain) CleanSubBlockRecords(height int64, keep int64) {
	bc.lock.Lock()
	defer bc.lock.Unlock()
	threshold := height - keep
	for h, hash := range bc.recordsByHeight {
		if h < threshold {
			bc.cache.Remove(hash)
			delete(bc.recordsByHeight, h)
		}
	}
}

// GetPeak returns the current peak record, or nil for a fresh chain.
func (bc *Blockchain) GetPeak() *types.SubBlockRecord {
	bc.lock.RLock()
	defer bc.lock.RUnlock()
	return bc.peak
}

// ContainsSubBlock reports whether headerHash names a sub-block we have
// accepted, checking the hot cache before falling back to Store (§3
// invariant: "contains_sub_block(h) iff SubBlockRecord exists for h, whether
// cached or only persisted").
func (bc *Blockchain) ContainsSubBlock(headerHash string) bool {
	bc.lock.RLock()
	defer bc.lock.RUnlock()
	return bc.containsLocked(headerHash)
}

func (bc *Blockchain) containsLocked(headerHash string) bool {
	if types.IsGenesisHash(headerHash) {
		return true
	}
	if _, ok := bc.cache.Get(headerHash); ok {
		return true
	}
	_, err := bc.store.GetRecord(headerHash)
	return err == nil
}

// SubBlockRecord returns the record for headerHash, checking the cache
// first and falling back to Store.
func (bc *Blockchain) SubBlockRecord(headerHash string) (*types.SubBlockRecord, bool) {
	bc.lock.RLock()
	defer bc.lock.RUnlock()
	return bc.recordLocked(headerHash)
}

func (bc *Blockchain) recordLocked(headerHash string) (*types.SubBlockRecord, bool) {
	if r, ok := bc.cache.Get(headerHash); ok {
		return r, true
	}
	r, err := bc.store.GetRecord(headerHash)
	if err != nil {
		return nil, false
	}
	bc.cache.Put(r)
	return r, true
}

// GetNextDifficulty and GetNextSlotIters expose the epoch-boundary
// parameters that follow from the current peak (§4.1).
func (bc *Blockchain) GetNextDifficulty() uint64 {
	bc.lock.RLock()
	defer bc.lock.RUnlock()
	d, _ := consensus.NextDifficultyAndSlotIters(bc.constants, bc.peak)
	return d
}

func (bc *Blockchain) GetNextSlotIters() uint64 {
	bc.lock.RLock()
	defer bc.lock.RUnlock()
	_, s := consensus.NextDifficultyAndSlotIters(bc.constants, bc.peak)
	return s
}

// PreValidateBlocks runs structural and proof-of-space/VDF validation for a
// batch of blocks concurrently, returning one result per block in order.
// There is no first-error cancellation: a failure in any single block's
// checks does not abort the others'; each
// slot gets its own result so the caller can distinguish which blocks in
// the batch are usable.
func (bc *Blockchain) PreValidateBlocks(ctx context.Context, blocks []*types.FullBlock) []PreValidationResult {
	results := make([]PreValidationResult, len(blocks))
	g, _ := errgroup.WithContext(ctx)
	for i, b := range blocks {
		i, b := i, b
		g.Go(func() error {
			iters, err := bc.preValidateOne(b)
			results[i] = PreValidationResult{RequiredIters: iters, Err: err}
			return nil // never abort siblings; each slot records its own error
		})
	}
	_ = g.Wait()
	return results
}

func (bc *Blockchain) preValidateOne(b *types.FullBlock) (uint64, error) {
	rc := b.RewardChainSubBlock
	if bc.proofs != nil {
		ok, err := bc.proofs.VerifyProofOfSpace(rc.POSpaceHash, rc.ChallengeChainSpVDF)
		if err != nil {
			return 0, fmt.Errorf("%w: proof of space: %v", ErrInvalid, err)
		}
		if !ok {
			return 0, fmt.Errorf("%w: proof of space quality check failed", ErrInvalid)
		}
		if err := bc.proofs.VerifyVDF(b.ChallengeChainIPProof, rc.ChallengeChainSpVDF, b.ChallengeChainIPVDF); err != nil {
			return 0, fmt.Errorf("%w: challenge-chain infusion VDF: %v", ErrInvalid, err)
		}
		if err := bc.proofs.VerifyVDF(b.RewardChainIPProof, rc.RewardChainSpVDF, b.RewardChainIPVDF); err != nil {
			return 0, fmt.Errorf("%w: reward-chain infusion VDF: %v", ErrInvalid, err)
		}
	}
	return rc.TotalIters, nil
}

// ReceiveBlock admits a pre-validated FullBlock into the chain (§4.1): it
// determines disconnected/duplicate/orphan/new-peak status, enforces the
// overflow/new-epoch rule, updates the peak under lock, and returns the
// fork height relative to the previous peak (only meaningful on NewPeak).
func (bc *Blockchain) ReceiveBlock(block *types.FullBlock, requiredIters uint64) (ReceiveResult, int64, error) {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	headerHash := block.HeaderHash()
	if bc.containsLocked(headerHash) {
		return AlreadyHaveBlock, 0, nil
	}

	var prev *types.SubBlockRecord
	if !types.IsGenesisHash(block.PrevHeaderHash) {
		var ok bool
		prev, ok = bc.recordLocked(block.PrevHeaderHash)
		if !ok {
			return DisconnectedBlock, 0, ErrDisconnected
		}
	}

	overflow := consensus.IsOverflowBlock(bc.constants, block.RewardChainSubBlock.SignagePointIndex)
	firstSubSlotNewEpoch := len(block.FinishedSubSlots) > 0 && prev != nil && prev.SubEpochSummaryIncluded != nil
	if err := consensus.ValidateOverflowNewEpochRule(overflow, firstSubSlotNewEpoch); err != nil {
		return InvalidBlock, 0, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	record := bc.buildRecord(block, prev, requiredIters, overflow)
	if err := bc.store.PutBlock(block); err != nil {
		return InvalidBlock, 0, fmt.Errorf("blockchain: persist block: %w", err)
	}
	if err := bc.store.PutRecord(record); err != nil {
		return InvalidBlock, 0, fmt.Errorf("blockchain: persist record: %w", err)
	}
	bc.cache.Put(record)
	bc.recordsByHeight[record.SubBlockHeight] = record.HeaderHash

	if bc.peak == nil || !record.Less(bc.peak) {
		forkHeight, err := bc.advancePeakLocked(record)
		if err != nil {
			return InvalidBlock, 0, err
		}
		return NewPeak, forkHeight, nil
	}
	return AddedAsOrphan, 0, nil
}

// buildRecord derives the SubBlockRecord for a newly-admitted block.
func (bc *Blockchain) buildRecord(block *types.FullBlock, prev *types.SubBlockRecord, requiredIters uint64, overflow bool) *types.SubBlockRecord {
	rc := block.RewardChainSubBlock
	difficulty, subSlotIters := consensus.NextDifficultyAndSlotIters(bc.constants, prev)
	ses := consensus.NextSubEpochSummary(bc.constants, prev, requiredIters)

	deficit := bc.constants.MaxSubSlotSubBlocks
	firstInSubSlot := len(block.FinishedSubSlots) > 0
	if prev != nil && !firstInSubSlot {
		deficit = prev.Deficit - 1
		if deficit < 0 {
			deficit = 0
		}
	}

	return &types.SubBlockRecord{
		HeaderHash:                 block.HeaderHash(),
		PrevHash:                   block.PrevHeaderHash,
		SubBlockHeight:             heightOf(prev),
		Weight:                     weightOf(prev) + difficulty,
		TotalIters:                 rc.TotalIters,
		Deficit:                    deficit,
		SignagePointIndex:          rc.SignagePointIndex,
		Overflow:                   overflow,
		RequiredIters:              requiredIters,
		SubSlotIters:               subSlotIters,
		FirstInSubSlot:             firstInSubSlot,
		RewardInfusionNewChallenge: rc.POSpaceHash,
		SubEpochSummaryIncluded:    ses,
		SPTotalIters:               rc.TotalIters,
		Timestamp:                  0,
	}
}

func heightOf(prev *types.SubBlockRecord) int64 {
	if prev == nil {
		return 0
	}
	return prev.SubBlockHeight + 1
}

func weightOf(prev *types.SubBlockRecord) uint64 {
	if prev == nil {
		return 0
	}
	return prev.Weight
}

// advancePeakLocked makes record the new peak, walking back to find the
// fork point against the previous peak and emitting EventNewPeak. Must be
// called with bc.lock held.
func (bc *Blockchain) advancePeakLocked(record *types.SubBlockRecord) (int64, error) {
	oldPeak := bc.peak
	forkHeight := record.SubBlockHeight - 1
	if oldPeak != nil {
		fh, err := bc.findForkHeightLocked(oldPeak, record)
		if err != nil {
			return 0, err
		}
		forkHeight = fh
	}

	bc.peak = record
	if err := bc.store.SetPeakHash(record.HeaderHash); err != nil {
		return 0, fmt.Errorf("blockchain: set peak hash: %w", err)
	}
	if bc.emitter != nil {
		bc.emitter.Emit(events.Event{
			Type:        events.EventNewPeak,
			HeaderHash:  record.HeaderHash,
			BlockHeight: record.SubBlockHeight,
			Data: map[string]any{
				"fork_height": forkHeight,
				"weight":      record.Weight,
			},
		})
	}
	return forkHeight, nil
}

// findForkHeightLocked walks both chains back to their common ancestor.
// Must be called with bc.lock held.
func (bc *Blockchain) findForkHeightLocked(a, b *types.SubBlockRecord) (int64, error) {
	for a.SubBlockHeight > b.SubBlockHeight {
		prev, ok := bc.recordLocked(a.PrevHash)
		if !ok {
			return 0, fmt.Errorf("blockchain: fork search: missing ancestor %s", a.PrevHash)
		}
		a = prev
	}
	for b.SubBlockHeight > a.SubBlockHeight {
		prev, ok := bc.recordLocked(b.PrevHash)
		if !ok {
			return 0, fmt.Errorf("blockchain: fork search: missing ancestor %s", b.PrevHash)
		}
		b = prev
	}
	for a.HeaderHash != b.HeaderHash {
		if a.SubBlockHeight == 0 {
			return -1, nil
		}
		pa, ok := bc.recordLocked(a.PrevHash)
		if !ok {
			return 0, fmt.Errorf("blockchain: fork search: missing ancestor %s", a.PrevHash)
		}
		pb, ok := bc.recordLocked(b.PrevHash)
		if !ok {
			return 0, fmt.Errorf("blockchain: fork search: missing ancestor %s", b.PrevHash)
		}
		a, b = pa, pb
	}
	return a.SubBlockHeight, nil
}
