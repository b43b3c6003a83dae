// Package syncstate implements SyncState (§2: "Tracks sync mode, peer →
// (peak hash, height, weight), batch-sync membership").
package syncstate

import "sync"

// PeerPeak is the last (peak_hash, peak_height, peak_weight) a peer
// announced.
type PeerPeak struct {
	PeakHash   string
	PeakHeight int64
	PeakWeight uint64
}

// State tracks sync mode, per-peer peak announcements, and batch-sync
// membership. All methods are safe for concurrent use (§5: "SyncState uses
// internal synchronization for its maps").
type State struct {
	mu sync.Mutex

	syncMode bool

	peerPeaks    map[string]PeerPeak   // peer id -> last announced peak
	peakToPeers  map[string]map[string]bool // peak hash -> set of peer ids
	batchSyncing map[string]bool      // peer ids currently serving us a batch sync
	excluded     map[string]bool      // peers excluded from the current sync target (§8 scenario 6)

	peersChangedCh chan struct{} // signaled (best-effort) whenever peer set changes
}

// New creates an empty State.
func New() *State {
	return &State{
		peerPeaks:      make(map[string]PeerPeak),
		peakToPeers:    make(map[string]map[string]bool),
		batchSyncing:   make(map[string]bool),
		excluded:       make(map[string]bool),
		peersChangedCh: make(chan struct{}, 1),
	}
}

// SyncMode reports whether the node is currently in sync mode.
func (s *State) SyncMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncMode
}

// SetSyncMode updates sync mode; callers are expected to also emit the
// sync_mode state-change event (§4.2 "clears sync state, and emits
// sync_mode state change").
func (s *State) SetSyncMode(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncMode = v
}

// RecordPeerPeak records a peer's announced peak, maintaining the reverse
// index described in §3.
func (s *State) RecordPeerPeak(peerID string, peak PeerPeak) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.peerPeaks[peerID]; ok {
		if set, ok := s.peakToPeers[old.PeakHash]; ok {
			delete(set, peerID)
			if len(set) == 0 {
				delete(s.peakToPeers, old.PeakHash)
			}
		}
	}
	s.peerPeaks[peerID] = peak
	set, ok := s.peakToPeers[peak.PeakHash]
	if !ok {
		set = make(map[string]bool)
		s.peakToPeers[peak.PeakHash] = set
	}
	set[peerID] = true
	s.signalPeersChanged()
}

// RemovePeer drops all bookkeeping for a disconnected peer.
func (s *State) RemovePeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.peerPeaks[peerID]; ok {
		if set, ok := s.peakToPeers[old.PeakHash]; ok {
			delete(set, peerID)
			if len(set) == 0 {
				delete(s.peakToPeers, old.PeakHash)
			}
		}
	}
	delete(s.peerPeaks, peerID)
	delete(s.batchSyncing, peerID)
	delete(s.excluded, peerID)
	s.signalPeersChanged()
}

// PeerPeak returns the last announced peak for peerID.
func (s *State) PeerPeak(peerID string) (PeerPeak, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peerPeaks[peerID]
	return p, ok
}

// PeersWithPeak returns the ids of peers that last announced peakHash.
func (s *State) PeersWithPeak(peakHash string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.peakToPeers[peakHash]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// HeaviestPeak returns the peak hash/weight with the most cumulative weight
// among all currently-known peer announcements, used by the long-sync
// strategy (§4.2 step (b)).
func (s *State) HeaviestPeak() (PeerPeak, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best PeerPeak
	found := false
	for _, p := range s.peerPeaks {
		if !found || p.PeakWeight > best.PeakWeight {
			best = p
			found = true
		}
	}
	return best, found
}

// PeerCount returns the number of peers with a recorded peak.
func (s *State) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peerPeaks)
}

// TryStartBatchSync adds peerID to batch_syncing iff it isn't already a
// member, enforcing the §3 invariant "a peer appears in batch_syncing at
// most once concurrently". Returns false if the peer was already syncing.
func (s *State) TryStartBatchSync(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batchSyncing[peerID] {
		return false
	}
	s.batchSyncing[peerID] = true
	return true
}

// FinishBatchSync removes peerID from batch_syncing. Safe to call even if
// the peer was never added, so both success and failure paths can call it
// unconditionally (§5: "remove on both success and failure paths").
func (s *State) FinishBatchSync(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.batchSyncing, peerID)
}

// IsBatchSyncing reports whether peerID currently has an in-flight batch
// sync with us.
func (s *State) IsBatchSyncing(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchSyncing[peerID]
}

// ExcludePeer marks peerID as unusable for the current long-sync target,
// e.g. after it failed a window during sync_from_fork_point (§4.2 step (f),
// §8 scenario 6).
func (s *State) ExcludePeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.excluded[peerID] = true
}

// ClearExcluded resets the excluded-peer set; sync.Coordinator calls it
// when a sync finishes.
func (s *State) ClearExcluded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.excluded = make(map[string]bool)
}

// CandidatePeers returns the ids of peers that announced peakHash and are
// not currently excluded from this sync target.
func (s *State) CandidatePeers(peakHash string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.peakToPeers[peakHash]
	out := make([]string, 0, len(set))
	for id := range set {
		if !s.excluded[id] {
			out = append(out, id)
		}
	}
	return out
}

func (s *State) signalPeersChanged() {
	select {
	case s.peersChangedCh <- struct{}{}:
	default:
	}
}

// PeersChanged returns the channel the long-sync loop polls to notice
// peer-set updates (§4.2: "Re-poll peer set whenever SyncState.peers_changed
// is signaled").
func (s *State) PeersChanged() <-chan struct{} {
	return s.peersChangedCh
}
