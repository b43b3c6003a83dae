// Package chainstore implements ChainStore (§2: "Indexed mapping of
// header-hash → SubBlockRecord; persistence adapter"), plus the bounded
// in-memory record cache that Blockchain.warmup/clean_sub_block_records
// operate on.
package chainstore

import (
	"encoding/json"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/tolchain/fullnode/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("chainstore: not found")

// Store is the persistence interface the Blockchain component depends on.
// Concrete implementations (LevelDB below) own the on-disk schema; the core
// only ever sees this interface (§6: "Persisted state is delegated to
// BlockStore/CoinStore collaborators").
type Store interface {
	GetRecord(headerHash string) (*types.SubBlockRecord, error)
	PutRecord(record *types.SubBlockRecord) error
	GetBlock(headerHash string) (*types.FullBlock, error)
	PutBlock(block *types.FullBlock) error
	GetHashByHeight(height int64) (string, error)
	PutHashByHeight(height int64, headerHash string) error
	GetPeakHash() (string, error)
	SetPeakHash(headerHash string) error
}

// LevelStore implements Store on top of LevelDB, adapted from the teacher's
// storage/leveldb.go block/tip persistence.
type LevelStore struct {
	db *leveldb.DB
}

// Open opens (or creates) a LevelDB database at path for chain persistence.
func Open(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open chainstore leveldb %q: %w", path, err)
	}
	return &LevelStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *LevelStore) Close() error { return s.db.Close() }

func (s *LevelStore) get(key string) ([]byte, error) {
	v, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *LevelStore) GetRecord(headerHash string) (*types.SubBlockRecord, error) {
	data, err := s.get("record:" + headerHash)
	if err != nil {
		return nil, err
	}
	var r types.SubBlockRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *LevelStore) PutRecord(r *types.SubBlockRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Put([]byte("record:"+r.HeaderHash), data, nil)
}

func (s *LevelStore) GetBlock(headerHash string) (*types.FullBlock, error) {
	data, err := s.get("block:" + headerHash)
	if err != nil {
		return nil, err
	}
	var b types.FullBlock
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *LevelStore) PutBlock(b *types.FullBlock) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return s.db.Put([]byte("block:"+b.HeaderHash()), data, nil)
}

func (s *LevelStore) GetHashByHeight(height int64) (string, error) {
	v, err := s.get(fmt.Sprintf("height:%d", height))
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (s *LevelStore) PutHashByHeight(height int64, headerHash string) error {
	return s.db.Put([]byte(fmt.Sprintf("height:%d", height)), []byte(headerHash), nil)
}

func (s *LevelStore) GetPeakHash() (string, error) {
	v, err := s.get("chain:peak")
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (s *LevelStore) SetPeakHash(headerHash string) error {
	return s.db.Put([]byte("chain:peak"), []byte(headerHash), nil)
}

// RecordCache is the bounded in-memory record cache backing
// Blockchain.warmup and clean_sub_block_records (§4.1): persisted records
// always remain in Store, but only a recent window is kept hot in memory.
type RecordCache struct {
	lru *lru.Cache[string, *types.SubBlockRecord]
}

// NewRecordCache creates a cache holding up to size records.
func NewRecordCache(size int) (*RecordCache, error) {
	c, err := lru.New[string, *types.SubBlockRecord](size)
	if err != nil {
		return nil, err
	}
	return &RecordCache{lru: c}, nil
}

// Get returns a cached record, if present.
func (c *RecordCache) Get(headerHash string) (*types.SubBlockRecord, bool) {
	return c.lru.Get(headerHash)
}

// Put inserts or refreshes a cached record.
func (c *RecordCache) Put(r *types.SubBlockRecord) {
	c.lru.Add(r.HeaderHash, r)
}

// Remove evicts a single record from the cache (used when pruning below a
// height threshold with more control than the LRU's own eviction order).
func (c *RecordCache) Remove(headerHash string) {
	c.lru.Remove(headerHash)
}

// Len returns the number of records currently cached.
func (c *RecordCache) Len() int { return c.lru.Len() }
