package blockchain

import (
	"context"
	"testing"

	"github.com/tolchain/fullnode/config"
	"github.com/tolchain/fullnode/types"
)

type memStore struct {
	records map[string]*types.SubBlockRecord
	blocks  map[string]*types.FullBlock
	heights map[int64]string
	peak    string
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]*types.SubBlockRecord),
		blocks:  make(map[string]*types.FullBlock),
		heights: make(map[int64]string),
	}
}

func (m *memStore) GetRecord(h string) (*types.SubBlockRecord, error) {
	r, ok := m.records[h]
	if !ok {
		return nil, errNotFound
	}
	return r, nil
}
func (m *memStore) PutRecord(r *types.SubBlockRecord) error {
	m.records[r.HeaderHash] = r
	return nil
}
func (m *memStore) GetBlock(h string) (*types.FullBlock, error) {
	b, ok := m.blocks[h]
	if !ok {
		return nil, errNotFound
	}
	return b, nil
}
func (m *memStore) PutBlock(b *types.FullBlock) error {
	m.blocks[b.HeaderHash()] = b
	return nil
}
func (m *memStore) GetHashByHeight(height int64) (string, error) { return m.heights[height], nil }
func (m *memStore) PutHashByHeight(height int64, h string) error {
	m.heights[height] = h
	return nil
}
func (m *memStore) GetPeakHash() (string, error) { return m.peak, nil }
func (m *memStore) SetPeakHash(h string) error    { m.peak = h; return nil }

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }

var errNotFound = notFoundErr{}

func makeBlock(prevHash string, height int64, spIndex int) *types.FullBlock {
	return &types.FullBlock{
		RewardChainSubBlock: types.RewardChainSubBlock{
			SubBlockHeight:    height,
			TotalIters:        uint64(height * 1000),
			SignagePointIndex: spIndex,
			POSpaceHash:       "pos",
		},
		Foliage:        types.Foliage{PrevHeaderHash: prevHash},
		PrevHeaderHash: prevHash,
	}
}

func TestReceiveBlockGenesisBecomesPeak(t *testing.T) {
	bc, err := New(config.DefaultConsensusConstants(), newMemStore(), 64, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	genesis := makeBlock(types.GenesisHash, 0, 0)
	result, _, err := bc.ReceiveBlock(genesis, 100)
	if err != nil {
		t.Fatalf("ReceiveBlock: %v", err)
	}
	if result != NewPeak {
		t.Fatalf("expected NewPeak, got %s", result)
	}
	peak := bc.GetPeak()
	if peak == nil || peak.HeaderHash != genesis.HeaderHash() {
		t.Fatalf("peak not set to genesis")
	}
}

func TestReceiveBlockDisconnected(t *testing.T) {
	bc, _ := New(config.DefaultConsensusConstants(), newMemStore(), 64, nil, nil)
	orphanChild := makeBlock("nonexistent-prev-hash-000000000000000000000000000000", 1, 0)
	result, _, err := bc.ReceiveBlock(orphanChild, 100)
	if err == nil {
		t.Fatalf("expected an error for a disconnected block")
	}
	if result != DisconnectedBlock {
		t.Fatalf("expected DisconnectedBlock, got %s", result)
	}
}

func TestReceiveBlockDuplicateIsAlreadyHave(t *testing.T) {
	bc, _ := New(config.DefaultConsensusConstants(), newMemStore(), 64, nil, nil)
	genesis := makeBlock(types.GenesisHash, 0, 0)
	if _, _, err := bc.ReceiveBlock(genesis, 100); err != nil {
		t.Fatalf("first receive: %v", err)
	}
	result, _, err := bc.ReceiveBlock(genesis, 100)
	if err != nil {
		t.Fatalf("second receive: %v", err)
	}
	if result != AlreadyHaveBlock {
		t.Fatalf("expected AlreadyHaveBlock, got %s", result)
	}
}

func TestReceiveBlockExtendsChainMonotonicWeight(t *testing.T) {
	bc, _ := New(config.DefaultConsensusConstants(), newMemStore(), 64, nil, nil)
	genesis := makeBlock(types.GenesisHash, 0, 0)
	if _, _, err := bc.ReceiveBlock(genesis, 100); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	child := makeBlock(genesis.HeaderHash(), 1, 1)
	result, forkHeight, err := bc.ReceiveBlock(child, 200)
	if err != nil {
		t.Fatalf("child: %v", err)
	}
	if result != NewPeak {
		t.Fatalf("expected NewPeak, got %s", result)
	}
	if forkHeight != 0 {
		t.Fatalf("expected fork height 0, got %d", forkHeight)
	}
	peak := bc.GetPeak()
	if peak.Weight <= genesis.RewardChainSubBlock.TotalIters && peak.SubBlockHeight != 1 {
		t.Fatalf("peak did not advance correctly: %+v", peak)
	}
	if !bc.ContainsSubBlock(genesis.HeaderHash()) {
		t.Fatalf("expected genesis to remain contained after advancing peak")
	}
}

func TestPreValidateBlocksNoProofVerifierSkipsChecks(t *testing.T) {
	bc, _ := New(config.DefaultConsensusConstants(), newMemStore(), 64, nil, nil)
	blocks := []*types.FullBlock{
		makeBlock(types.GenesisHash, 0, 0),
		makeBlock("whatever", 1, 1),
	}
	results := bc.PreValidateBlocks(context.Background(), blocks)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("result %d: unexpected error %v", i, r.Err)
		}
	}
}
