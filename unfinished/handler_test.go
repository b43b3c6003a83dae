package unfinished

import (
	"testing"

	"github.com/tolchain/fullnode/blockchain"
	"github.com/tolchain/fullnode/config"
	"github.com/tolchain/fullnode/protocol"
	"github.com/tolchain/fullnode/subslot"
	"github.com/tolchain/fullnode/types"
)

type memStore struct {
	records map[string]*types.SubBlockRecord
	blocks  map[string]*types.FullBlock
	peak    string
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*types.SubBlockRecord), blocks: make(map[string]*types.FullBlock)}
}
func (m *memStore) GetRecord(h string) (*types.SubBlockRecord, error) {
	r, ok := m.records[h]
	if !ok {
		return nil, errNotFound{}
	}
	return r, nil
}
func (m *memStore) PutRecord(r *types.SubBlockRecord) error { m.records[r.HeaderHash] = r; return nil }
func (m *memStore) GetBlock(h string) (*types.FullBlock, error) {
	b, ok := m.blocks[h]
	if !ok {
		return nil, errNotFound{}
	}
	return b, nil
}
func (m *memStore) PutBlock(b *types.FullBlock) error { m.blocks[b.HeaderHash()] = b; return nil }
func (m *memStore) GetHashByHeight(int64) (string, error) { return "", nil }
func (m *memStore) PutHashByHeight(int64, string) error   { return nil }
func (m *memStore) GetPeakHash() (string, error)          { return m.peak, nil }
func (m *memStore) SetPeakHash(h string) error            { m.peak = h; return nil }

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

type fakeBcast struct {
	timelordSends int
	fullNodeSends int
}

func (f *fakeBcast) SendTimelords(env protocol.Envelope)                         { f.timelordSends++ }
func (f *fakeBcast) BroadcastFullNodes(exclude string, env protocol.Envelope) { f.fullNodeSends++ }

func makeUnfinished(foliagePrev string, spIndex int, requiredIters uint64) *types.UnfinishedBlock {
	return &types.UnfinishedBlock{
		RewardChainSubBlock: types.RewardChainSubBlock{SignagePointIndex: spIndex, TotalIters: 500},
		Foliage:              types.Foliage{PrevHeaderHash: foliagePrev},
		RequiredIters:         requiredIters,
	}
}

func TestRespondAcceptsFreshUnfinishedBlock(t *testing.T) {
	constants := config.DefaultConsensusConstants()
	bc, _ := blockchain.New(constants, newMemStore(), 64, nil, nil)
	store := subslot.New()
	bcast := &fakeBcast{}
	h := New(constants, bc, store, bcast)

	ub := makeUnfinished(types.GenesisHash, 0, 100)
	if err := h.Respond(ub, "peer1", 0, false); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if bcast.timelordSends != 1 || bcast.fullNodeSends != 1 {
		t.Fatalf("expected one timelord send and one full-node broadcast, got %d/%d", bcast.timelordSends, bcast.fullNodeSends)
	}
	if _, ok := store.UnfinishedByTrunk(ub.TrunkHash()); !ok {
		t.Fatalf("expected unfinished block stored by trunk hash")
	}
}

func TestRespondDropsDuplicateTrunkHash(t *testing.T) {
	constants := config.DefaultConsensusConstants()
	bc, _ := blockchain.New(constants, newMemStore(), 64, nil, nil)
	store := subslot.New()
	h := New(constants, bc, store, &fakeBcast{})

	ub1 := makeUnfinished(types.GenesisHash, 0, 100)
	if err := h.Respond(ub1, "peer1", 0, false); err != nil {
		t.Fatalf("first Respond: %v", err)
	}
	// Same trunk (identical reward-chain sub-block), different foliage.
	ub2 := *ub1
	ub2.Foliage.FoliageSignature = "different-signature"
	if err := h.Respond(&ub2, "peer1", 0, false); err == nil {
		t.Fatalf("expected duplicate trunk hash to be dropped")
	}
	if !store.HasSeenUnfinished(ub1.PartialHash()) || !store.HasSeenUnfinished(ub2.PartialHash()) {
		t.Fatalf("expected both partial hashes recorded as seen")
	}
}

func TestRespondDropsOverflowAtNewEpoch(t *testing.T) {
	constants := config.DefaultConsensusConstants() // window = NumSPsSubSlot/8 = 4, so index 31 is overflow
	bc, _ := blockchain.New(constants, newMemStore(), 64, nil, nil)
	store := subslot.New()
	h := New(constants, bc, store, &fakeBcast{})

	ub := makeUnfinished(types.GenesisHash, constants.NumSPsSubSlot-1, 100)
	if err := h.Respond(ub, "peer1", 0, true); err == nil {
		t.Fatalf("expected overflow-at-new-epoch to be dropped")
	}
}
