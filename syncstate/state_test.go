package syncstate

import "testing"

func TestRecordPeerPeakUpdatesReverseIndex(t *testing.T) {
	s := New()
	s.RecordPeerPeak("p1", PeerPeak{PeakHash: "h1", PeakHeight: 10, PeakWeight: 100})
	s.RecordPeerPeak("p2", PeerPeak{PeakHash: "h1", PeakHeight: 10, PeakWeight: 100})

	peers := s.PeersWithPeak("h1")
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers at h1, got %v", peers)
	}

	// Moving p1 to a new peak should remove it from h1's reverse index.
	s.RecordPeerPeak("p1", PeerPeak{PeakHash: "h2", PeakHeight: 11, PeakWeight: 110})
	peers = s.PeersWithPeak("h1")
	if len(peers) != 1 || peers[0] != "p2" {
		t.Fatalf("expected only p2 left at h1, got %v", peers)
	}
}

func TestRemovePeerClearsAllBookkeeping(t *testing.T) {
	s := New()
	s.RecordPeerPeak("p1", PeerPeak{PeakHash: "h1", PeakWeight: 5})
	s.TryStartBatchSync("p1")
	s.ExcludePeer("p1")

	s.RemovePeer("p1")

	if _, ok := s.PeerPeak("p1"); ok {
		t.Fatalf("expected peer peak to be cleared")
	}
	if s.IsBatchSyncing("p1") {
		t.Fatalf("expected batch-sync membership to be cleared")
	}
	if len(s.PeersWithPeak("h1")) != 0 {
		t.Fatalf("expected reverse index to be cleared")
	}
}

func TestHeaviestPeak(t *testing.T) {
	s := New()
	s.RecordPeerPeak("p1", PeerPeak{PeakHash: "h1", PeakWeight: 50})
	s.RecordPeerPeak("p2", PeerPeak{PeakHash: "h2", PeakWeight: 200})
	s.RecordPeerPeak("p3", PeerPeak{PeakHash: "h3", PeakWeight: 100})

	best, ok := s.HeaviestPeak()
	if !ok || best.PeakHash != "h2" {
		t.Fatalf("expected h2 to be heaviest, got %+v", best)
	}
}

func TestTryStartBatchSyncRejectsDouble(t *testing.T) {
	s := New()
	if !s.TryStartBatchSync("p1") {
		t.Fatalf("expected first start to succeed")
	}
	if s.TryStartBatchSync("p1") {
		t.Fatalf("expected second concurrent start to be rejected")
	}
	s.FinishBatchSync("p1")
	if !s.TryStartBatchSync("p1") {
		t.Fatalf("expected start to succeed again after finishing")
	}
}

func TestCandidatePeersExcludesMarkedPeers(t *testing.T) {
	s := New()
	s.RecordPeerPeak("p1", PeerPeak{PeakHash: "h1"})
	s.RecordPeerPeak("p2", PeerPeak{PeakHash: "h1"})
	s.ExcludePeer("p1")

	candidates := s.CandidatePeers("h1")
	if len(candidates) != 1 || candidates[0] != "p2" {
		t.Fatalf("expected only p2 as candidate, got %v", candidates)
	}

	s.ClearExcluded()
	candidates = s.CandidatePeers("h1")
	if len(candidates) != 2 {
		t.Fatalf("expected both peers after clearing exclusions, got %v", candidates)
	}
}

func TestPeersChangedSignaled(t *testing.T) {
	s := New()
	s.RecordPeerPeak("p1", PeerPeak{PeakHash: "h1"})
	select {
	case <-s.PeersChanged():
	default:
		t.Fatalf("expected a signal on the peers-changed channel")
	}
}
