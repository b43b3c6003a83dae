package mempool

import (
	"testing"
	"time"
)

type noopCoinView struct{}

func (noopCoinView) IsUnspent(peakHash, coinName string) (bool, error) { return true, nil }

func TestAddRejectsDuplicateID(t *testing.T) {
	p := New(noopCoinView{})
	sb := &SpendBundle{ID: "tx1", Timestamp: time.Now().UnixNano()}
	if err := p.Add(sb); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := p.Add(sb); err == nil {
		t.Fatalf("expected duplicate ID to be rejected")
	}
}

func TestAddRejectsExpiredAndFutureTimestamps(t *testing.T) {
	p := New(noopCoinView{})
	old := &SpendBundle{ID: "old", Timestamp: time.Now().Add(-2 * time.Hour).UnixNano()}
	if err := p.Add(old); err == nil {
		t.Fatalf("expected expired bundle to be rejected")
	}

	future := &SpendBundle{ID: "future", Timestamp: time.Now().Add(time.Hour).UnixNano()}
	if err := p.Add(future); err == nil {
		t.Fatalf("expected far-future bundle to be rejected")
	}
}

func TestPendingReturnsInsertionOrder(t *testing.T) {
	p := New(noopCoinView{})
	now := time.Now().UnixNano()
	p.Add(&SpendBundle{ID: "a", Timestamp: now})
	p.Add(&SpendBundle{ID: "b", Timestamp: now})
	p.Add(&SpendBundle{ID: "c", Timestamp: now})

	got := p.Pending(2)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestRemoveDropsFromPoolAndOrder(t *testing.T) {
	p := New(noopCoinView{})
	now := time.Now().UnixNano()
	p.Add(&SpendBundle{ID: "a", Timestamp: now})
	p.Add(&SpendBundle{ID: "b", Timestamp: now})

	p.Remove([]string{"a"})

	if _, ok := p.Get("a"); ok {
		t.Fatalf("expected a to be removed")
	}
	if p.Size() != 1 {
		t.Fatalf("expected size 1, got %d", p.Size())
	}
	got := p.Pending(10)
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("unexpected remaining order: %+v", got)
	}
}

func TestNotifyNewPeakDropsDoubleSpends(t *testing.T) {
	p := New(noopCoinView{})
	now := time.Now().UnixNano()
	p.Add(&SpendBundle{ID: "a", Timestamp: now, Spends: []string{"coin1"}})
	p.Add(&SpendBundle{ID: "b", Timestamp: now, Spends: []string{"coin2"}})

	p.NotifyNewPeak("peak1", map[string]bool{"coin1": true})

	if _, ok := p.Get("a"); ok {
		t.Fatalf("expected double-spent bundle a to be dropped")
	}
	if _, ok := p.Get("b"); !ok {
		t.Fatalf("expected bundle b to survive")
	}
	if p.PeakFingerprint() != "peak1" {
		t.Fatalf("expected peak fingerprint to update")
	}
}

func TestFingerprintChangesWithContents(t *testing.T) {
	p := New(noopCoinView{})
	empty := p.Fingerprint()
	p.Add(&SpendBundle{ID: "a", Timestamp: time.Now().UnixNano()})
	if p.Fingerprint() == empty {
		t.Fatalf("expected fingerprint to change after adding a bundle")
	}
}

func TestFilterEncodeDecodeRoundTrip(t *testing.T) {
	f := NewFilter([]string{"tx1", "tx2"})
	decoded := DecodeFilter(f.Encode())
	if !decoded.Contains("tx1") || !decoded.Contains("tx2") {
		t.Fatalf("expected round-tripped filter to contain both IDs")
	}
	if decoded.Contains("tx3") {
		t.Fatalf("expected round-tripped filter to not contain an unrelated ID")
	}
}

func TestNotCoveredByReturnsOnlyUnknownBundles(t *testing.T) {
	p := New(noopCoinView{})
	now := time.Now().UnixNano()
	p.Add(&SpendBundle{ID: "a", Timestamp: now})
	p.Add(&SpendBundle{ID: "b", Timestamp: now})

	f := NewFilter([]string{"a"})
	uncovered := p.NotCoveredBy(f)
	if len(uncovered) != 1 || uncovered[0].ID != "b" {
		t.Fatalf("expected only b to be uncovered, got %+v", uncovered)
	}
}

func TestKnownIDsMatchesPendingOrder(t *testing.T) {
	p := New(noopCoinView{})
	now := time.Now().UnixNano()
	p.Add(&SpendBundle{ID: "a", Timestamp: now})
	p.Add(&SpendBundle{ID: "b", Timestamp: now})

	ids := p.KnownIDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("unexpected known IDs: %v", ids)
	}
}

func TestCheckConditionsRejectsUnsatisfiedHeightLock(t *testing.T) {
	cd := ConditionDict{AbsoluteHeightLocks: []int64{100}}
	if err := CheckConditions(cd, "coin1", 50); err == nil {
		t.Fatalf("expected height lock not yet satisfied to fail")
	}
	if err := CheckConditions(cd, "coin1", 150); err != nil {
		t.Fatalf("expected height lock satisfied to pass, got %v", err)
	}
}

func TestCheckConditionsRejectsUnsatisfiedRelativeHeightLock(t *testing.T) {
	cd := ConditionDict{RelativeHeightLocks: []int64{100}}
	if err := CheckConditions(cd, "coin1", 50); err == nil {
		t.Fatalf("expected relative height (coin age) lock not yet satisfied to fail")
	}
	if err := CheckConditions(cd, "coin1", 150); err != nil {
		t.Fatalf("expected relative height lock satisfied to pass, got %v", err)
	}
}
