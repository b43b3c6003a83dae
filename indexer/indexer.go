// Package indexer maintains a height->header-hash secondary index driven
// by peak-change events, so sync.Coordinator's backtrack/batch strategies
// (§4.2) can answer "what hash do we have at height N" without going
// through Blockchain's in-memory record map. Adapted from the teacher's
// indexer/indexer.go event-subscription pattern, repointed from
// owner/session lookups at a single height->hash table.
package indexer

import (
	"errors"
	"fmt"
	"log"

	"github.com/tolchain/fullnode/events"
	"github.com/tolchain/fullnode/storage"
)

const prefixHeight = "idx:height:"

// Index subscribes to new-peak events and maintains a height->hash table
// covering every sub-block height this node has ever had on its best chain.
type Index struct {
	db      storage.DB
	emitter *events.Emitter
}

// New creates an Index backed by db and subscribes it to new-peak events.
func New(db storage.DB, emitter *events.Emitter) *Index {
	idx := &Index{db: db, emitter: emitter}
	emitter.Subscribe(events.EventNewPeak, idx.onNewPeak)
	return idx
}

// HashAtHeight looks up the header hash recorded for height, suitable for
// wiring directly into sync.Coordinator.HashAtHeight.
func (idx *Index) HashAtHeight(height int64) (string, bool) {
	data, err := idx.db.Get(heightKey(height))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", false
		}
		log.Printf("[indexer] height lookup failed (height=%d): %v", height, err)
		return "", false
	}
	return string(data), true
}

func (idx *Index) onNewPeak(ev events.Event) {
	if ev.HeaderHash == "" {
		return
	}
	if err := idx.db.Set(heightKey(ev.BlockHeight), []byte(ev.HeaderHash)); err != nil {
		log.Printf("[indexer] height index write failed (height=%d hash=%s): %v", ev.BlockHeight, ev.HeaderHash, err)
	}
}

func heightKey(height int64) []byte {
	return []byte(fmt.Sprintf("%s%d", prefixHeight, height))
}
