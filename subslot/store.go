// Package subslot implements SubSlotStore (§2: "Transient storage of
// finished sub-slots, signage points, unfinished blocks, candidate blocks").
// Everything here is in-memory and transient — nothing is persisted, mirroring
// §9's design note ("attach [seen sets/mutable caches] to the corresponding
// store with explicit lifetimes tied to the store").
package subslot

import (
	"sync"

	"github.com/tolchain/fullnode/types"
)

// Store holds finished sub-slots, signage points, unfinished blocks (keyed
// by trunk hash), and the "seen unfinished" set of partial hashes.
type Store struct {
	mu sync.Mutex

	finishedSubSlots []types.FinishedSubSlot
	signagePoints    map[int]*types.SignagePoint // index -> point, within the current sub-slot window

	unfinishedByTrunk map[string]*types.UnfinishedBlock
	seenUnfinished    map[string]bool // partial hashes already seen, deduped regardless of trunk

	// pendingInfusions caches NewInfusionPointVDF requests whose prev_sb
	// couldn't be resolved yet (§4.6: "cache the request under the prev's
	// hash for future retry").
	pendingInfusions map[string][]PendingInfusion

	blocksSinceClear int
}

// PendingInfusion is a retry-cached infusion-point request, keyed by the
// challenge it's waiting on.
type PendingInfusion struct {
	UnfinishedRewardHash string
	ChallengeChainIPVDF  types.ClassgroupElement
	RewardChainIPVDF     types.ClassgroupElement
}

// New creates an empty transient store.
func New() *Store {
	return &Store{
		signagePoints:     make(map[int]*types.SignagePoint),
		unfinishedByTrunk: make(map[string]*types.UnfinishedBlock),
		seenUnfinished:    make(map[string]bool),
		pendingInfusions:  make(map[string][]PendingInfusion),
	}
}

// HasSeenUnfinished reports whether partialHash has already been processed.
func (s *Store) HasSeenUnfinished(partialHash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seenUnfinished[partialHash]
}

// MarkSeenUnfinished records partialHash as seen.
func (s *Store) MarkSeenUnfinished(partialHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seenUnfinished[partialHash] = true
}

// UnfinishedByTrunk looks up a stored unfinished block by trunk hash.
func (s *Store) UnfinishedByTrunk(trunkHash string) (*types.UnfinishedBlock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ub, ok := s.unfinishedByTrunk[trunkHash]
	return ub, ok
}

// AddUnfinishedBlock stores ub keyed by its trunk hash. Per §3's invariant
// an UnfinishedBlock's trunk hash must be unique in the store; a duplicate
// trunk hash is rejected so the caller's earlier dedup check and this one
// agree even under a race between two goroutines.
func (s *Store) AddUnfinishedBlock(ub *types.UnfinishedBlock) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	trunk := ub.TrunkHash()
	if _, exists := s.unfinishedByTrunk[trunk]; exists {
		return false
	}
	s.unfinishedByTrunk[trunk] = ub
	return true
}

// RemoveUnfinishedBlock deletes ub once it has become a FullBlock via an
// infusion-point VDF.
func (s *Store) RemoveUnfinishedBlock(trunkHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.unfinishedByTrunk, trunkHash)
}

// SignagePoint returns the signage point at index, if resolved.
func (s *Store) SignagePoint(index int) (*types.SignagePoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.signagePoints[index]
	return sp, ok
}

// NewSignagePoint inserts or refreshes a signage point. Idempotent, matching
// §4.4 step 5 ("re-insert the peak's signage point (idempotent) so signage
// lookups by other subsystems are consistent").
func (s *Store) NewSignagePoint(sp *types.SignagePoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signagePoints[sp.Index] = sp
}

// FinishedSubSlots returns a snapshot of the currently known finished
// sub-slots, oldest first.
func (s *Store) FinishedSubSlots() []types.FinishedSubSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.FinishedSubSlot, len(s.finishedSubSlots))
	copy(out, s.finishedSubSlots)
	return out
}

// NewFinishedSubSlot records a newly finished sub-slot, keyed by its
// end-of-slot challenge. Returns (resolvable, true) when the slot was new
// and not a duplicate/disconnected slot; (nil, false) signals "drop it"
// (§4.7: "result is None (duplicate or disconnected)").
//
// resolvable carries any infusion-point requests that were cached awaiting
// this exact sub-slot (PendingInfusion entries keyed by the new slot's end
// challenge), so the caller can replay them immediately.
func (s *Store) NewFinishedSubSlot(fss types.FinishedSubSlot, haveParent bool) ([]PendingInfusion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := fss.Hash()
	for _, existing := range s.finishedSubSlots {
		if existing.Hash() == hash {
			return nil, false // duplicate
		}
	}
	if !haveParent {
		return nil, false // disconnected; caller should request the missing parent instead
	}

	s.finishedSubSlots = append(s.finishedSubSlots, fss)
	s.signagePoints = make(map[int]*types.SignagePoint) // new sub-slot resets SP tracking

	pending := s.pendingInfusions[hash]
	delete(s.pendingInfusions, hash)
	return pending, true
}

// NewPeak updates the finished-sub-slots list after a peak transition and
// returns any newly-resolvable end-of-slot entries (§4.4 step 4). ss0/ss1
// are the two sub-slots surrounding the new peak's signage/infusion points.
func (s *Store) NewPeak(peak *types.SubBlockRecord, ss0, ss1 *types.FinishedSubSlot, forkIsNontrivial bool) (eos *types.FinishedSubSlot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if forkIsNontrivial {
		// A nontrivial fork invalidates sub-slot bookkeeping accumulated
		// along the old chain; start the finished-sub-slots list over from
		// what the new peak's neighbourhood actually has.
		s.finishedSubSlots = nil
		if ss0 != nil {
			s.finishedSubSlots = append(s.finishedSubSlots, *ss0)
		}
	}
	if ss1 != nil {
		h := ss1.Hash()
		for i := range s.finishedSubSlots {
			if s.finishedSubSlots[i].Hash() == h {
				return nil // already known; nothing newly resolvable
			}
		}
		s.finishedSubSlots = append(s.finishedSubSlots, *ss1)
		return ss1
	}
	return nil
}

// CachePendingInfusion stashes an infusion-point request that couldn't be
// resolved yet, keyed by the challenge it's waiting on (§4.6).
func (s *Store) CachePendingInfusion(waitingOn string, p PendingInfusion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingInfusions[waitingOn] = append(s.pendingInfusions[waitingOn], p)
}

// ClearSeenUnfinishedIfDue clears the "seen unfinished" set every 1000
// blocks (§4.4 step 8), called once per committed block.
func (s *Store) ClearSeenUnfinishedIfDue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocksSinceClear++
	if s.blocksSinceClear >= 1000 {
		s.seenUnfinished = make(map[string]bool)
		s.blocksSinceClear = 0
	}
}
