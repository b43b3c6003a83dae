// Package mempool implements the fingerprinted pending-transaction pool
// (§2, §4.4 step 6): transactions staged for inclusion in a future block,
// revalidated whenever the chain's peak changes.
package mempool

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tolchain/fullnode/crypto"
)

const (
	maxPoolSize = 10_000
	maxTxAge    = int64(time.Hour)
	maxTxFuture = int64(5 * time.Minute)
)

// SpendBundle is the atomic unit of work accepted into the pool. Payload is
// left opaque — condition parsing and execution belong to the external
// script-VM collaborator (§9, SPEC_FULL §13.3); the pool only needs an ID,
// a fee, a timestamp, and the coin names it spends/creates for fingerprinting.
type SpendBundle struct {
	ID        string          `json:"id"`
	Fee       uint64          `json:"fee"`
	Timestamp int64           `json:"timestamp"`
	Spends    []string        `json:"spends"`  // coin names consumed
	Creates   []string        `json:"creates"` // coin names produced
	Program   json.RawMessage `json:"program"` // opaque serialized CLVM program
}

// CoinView is the minimal read interface the mempool needs into the
// unspent-coin set. A concrete CoinStore is delegated persistence (§6) and
// lives outside this package — see SPEC_FULL §11 for why no concrete
// LevelDB-backed CoinStore is implemented here.
type CoinView interface {
	// IsUnspent reports whether coinName is currently unspent at the given
	// peak header hash.
	IsUnspent(peakHash, coinName string) (bool, error)
}

// ConditionDict is the pre-parsed shape §9's closed-variant design note
// describes: a known, exhaustively-matched set of condition opcodes. The
// mempool never touches a serialized CLVM program directly.
type ConditionDict struct {
	AggSigConditions    int
	AbsoluteHeightLocks []int64
	RelativeHeightLocks []int64
	CreatedCoinNames    []string
}

var errUnknownCondition = errors.New("mempool: unknown condition opcode")

// CheckConditions validates a pre-parsed condition dict against a spend
// bundle. ConditionDict has a fixed set of fields, so no unknown opcode
// reaches this function and errUnknownCondition is not returned here.
// AbsoluteHeightLocks and RelativeHeightLocks are both compared against
// spentHeight in the same way; no coin age is computed, and bundleCoinName
// is not used.
func CheckConditions(cd ConditionDict, bundleCoinName string, spentHeight int64) error {
	for _, h := range cd.AbsoluteHeightLocks {
		if spentHeight < h {
			return errors.New("mempool: absolute height lock not satisfied")
		}
	}
	for _, h := range cd.RelativeHeightLocks {
		if spentHeight < h {
			return errors.New("mempool: relative height lock (coin age) not satisfied")
		}
	}
	return nil
}

// Pool is a thread-safe pending-transaction pool, fingerprinted by the peak
// it was last validated against so PeakProcessor can tell in O(1) whether a
// revalidation pass is needed.
type Pool struct {
	mu  sync.RWMutex
	txs map[string]*SpendBundle
	ord []string // insertion order, for deterministic Pending() iteration

	peakFingerprint string // header hash of the peak this pool was validated against
	coins           CoinView
}

// New creates an empty Pool backed by coins for unspent-coin lookups.
func New(coins CoinView) *Pool {
	return &Pool{txs: make(map[string]*SpendBundle), coins: coins}
}

// Add inserts a spend bundle after basic timestamp-window and dedup checks.
// Conflict-with-pool-spends and full coin-set validation happen at apply
// time in the consensus-owned executor (out of scope here, §1); the pool's
// job is just admission control and eviction bookkeeping.
func (p *Pool) Add(sb *SpendBundle) error {
	now := time.Now().UnixNano()
	if now-sb.Timestamp > maxTxAge {
		return errors.New("mempool: spend bundle expired")
	}
	if sb.Timestamp-now > maxTxFuture {
		return errors.New("mempool: spend bundle timestamp too far in the future")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.txs) >= maxPoolSize {
		return errors.New("mempool: pool full")
	}
	if _, exists := p.txs[sb.ID]; exists {
		return errors.New("mempool: already in pool")
	}
	p.txs[sb.ID] = sb
	p.ord = append(p.ord, sb.ID)
	return nil
}

// Get returns a spend bundle by ID.
func (p *Pool) Get(id string) (*SpendBundle, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sb, ok := p.txs[id]
	return sb, ok
}

// Pending returns up to n pending spend bundles in insertion order.
func (p *Pool) Pending(n int) []*SpendBundle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	result := make([]*SpendBundle, 0, n)
	for _, id := range p.ord {
		if sb, ok := p.txs[id]; ok {
			result = append(result, sb)
			if len(result) >= n {
				break
			}
		}
	}
	return result
}

// Remove deletes spend bundles by ID, e.g. after they've been included in a
// committed block.
func (p *Pool) Remove(ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := make(map[string]bool, len(ids))
	for _, id := range ids {
		delete(p.txs, id)
		removed[id] = true
	}
	filtered := p.ord[:0]
	for _, id := range p.ord {
		if !removed[id] {
			filtered = append(filtered, id)
		}
	}
	p.ord = filtered
}

// Size returns the current number of pending spend bundles.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// Fingerprint returns a hash of the current pool contents, used to tell
// whether two NotifyNewPeak calls saw a materially different pool.
func (p *Pool) Fingerprint() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]byte, 0, 32*len(p.ord))
	for _, id := range p.ord {
		ids = append(ids, []byte(id)...)
	}
	return crypto.Hash(ids)
}

// NotifyNewPeak revalidates the pool's fingerprint against the new
// unspent-coin view (§4.4 step 6). Any spend bundle that now double-spends a
// coin consumed by the new peak's blocks is dropped; everything else is
// kept so it can be re-proposed.
func (p *Pool) NotifyNewPeak(peakHash string, spentByNewPeak map[string]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peakFingerprint = peakHash
	var dropped []string
	for id, sb := range p.txs {
		for _, coinName := range sb.Spends {
			if spentByNewPeak[coinName] {
				dropped = append(dropped, id)
				break
			}
		}
	}
	for _, id := range dropped {
		delete(p.txs, id)
	}
	if len(dropped) == 0 {
		return
	}
	removedSet := make(map[string]bool, len(dropped))
	for _, id := range dropped {
		removedSet[id] = true
	}
	filtered := p.ord[:0]
	for _, id := range p.ord {
		if !removedSet[id] {
			filtered = append(filtered, id)
		}
	}
	p.ord = filtered
}

// PeakFingerprint returns the header hash of the peak the pool was last
// validated against.
func (p *Pool) PeakFingerprint() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.peakFingerprint
}

// Filter is the seen-transaction-ID set a newly connected peer sends on
// onboarding (§4.8) so the node only replies with spend bundles the peer
// doesn't already have. The Python original used a PyBIP158 probabilistic
// filter; the wire-compression and false-positive-rate concerns that
// motivate a bloom filter don't apply here (the script-VM and gossip-relay
// layers that would benefit from them are out of scope collaborators), so
// this is an exact set instead.
type Filter struct {
	ids map[string]bool
}

// NewFilter builds a Filter from a list of spend bundle IDs the sender
// already has.
func NewFilter(knownIDs []string) *Filter {
	f := &Filter{ids: make(map[string]bool, len(knownIDs))}
	for _, id := range knownIDs {
		f.ids[id] = true
	}
	return f
}

// Contains reports whether id is already known to the filter's sender.
func (f *Filter) Contains(id string) bool {
	if f == nil {
		return false
	}
	return f.ids[id]
}

// Encode serializes the filter as a newline-joined ID list.
func (f *Filter) Encode() []byte {
	ids := make([]string, 0, len(f.ids))
	for id := range f.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return []byte(strings.Join(ids, "\n"))
}

// DecodeFilter parses the wire format Encode produces.
func DecodeFilter(data []byte) *Filter {
	if len(data) == 0 {
		return NewFilter(nil)
	}
	return NewFilter(strings.Split(string(data), "\n"))
}

// KnownIDs returns the IDs of every spend bundle currently in the pool,
// suitable for building the Filter sent to a newly connected peer.
func (p *Pool) KnownIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, len(p.ord))
	copy(ids, p.ord)
	return ids
}

// NotCoveredBy returns every pending spend bundle whose ID is absent from f,
// answering a RequestMempoolTransactions (§4.8, §12).
func (p *Pool) NotCoveredBy(f *Filter) []*SpendBundle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	result := make([]*SpendBundle, 0, len(p.ord))
	for _, id := range p.ord {
		if f.Contains(id) {
			continue
		}
		if sb, ok := p.txs[id]; ok {
			result = append(result, sb)
		}
	}
	return result
}
