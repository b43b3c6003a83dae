package chainstore

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/tolchain/fullnode/types"
)

func TestLevelStoreRecordRoundTrip(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "chain"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	r := &types.SubBlockRecord{HeaderHash: "h1", PrevHash: types.GenesisHash, SubBlockHeight: 1, Weight: 10}
	if err := store.PutRecord(r); err != nil {
		t.Fatalf("put record: %v", err)
	}

	got, err := store.GetRecord("h1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got.HeaderHash != "h1" || got.Weight != 10 {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestLevelStoreGetRecordMissingReturnsErrNotFound(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "chain"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if _, err := store.GetRecord("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLevelStorePeakHashDefaultsEmpty(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "chain"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	hash, err := store.GetPeakHash()
	if err != nil {
		t.Fatalf("get peak hash: %v", err)
	}
	if hash != "" {
		t.Fatalf("expected empty peak hash before any is set, got %q", hash)
	}

	if err := store.SetPeakHash("h2"); err != nil {
		t.Fatalf("set peak hash: %v", err)
	}
	hash, err = store.GetPeakHash()
	if err != nil {
		t.Fatalf("get peak hash: %v", err)
	}
	if hash != "h2" {
		t.Fatalf("got %q, want h2", hash)
	}
}

func TestLevelStoreHashByHeightRoundTrip(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "chain"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if err := store.PutHashByHeight(5, "h5"); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.GetHashByHeight(5)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "h5" {
		t.Fatalf("got %q, want h5", got)
	}
}

func TestRecordCacheEvictsAndReports(t *testing.T) {
	cache, err := NewRecordCache(2)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	cache.Put(&types.SubBlockRecord{HeaderHash: "a"})
	cache.Put(&types.SubBlockRecord{HeaderHash: "b"})
	cache.Put(&types.SubBlockRecord{HeaderHash: "c"}) // evicts "a"

	if _, ok := cache.Get("a"); ok {
		t.Fatalf("expected oldest entry to be evicted")
	}
	if _, ok := cache.Get("c"); !ok {
		t.Fatalf("expected most recent entry to remain cached")
	}
	if cache.Len() != 2 {
		t.Fatalf("expected len 2, got %d", cache.Len())
	}

	cache.Remove("c")
	if _, ok := cache.Get("c"); ok {
		t.Fatalf("expected explicit removal to take effect")
	}
}
