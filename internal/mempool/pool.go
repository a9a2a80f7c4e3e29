// Package mempool is the node's pending-transaction store: a nonce-ordered
// pool whose ready transactions are indexed per fee bucket on a timeline
// that peer broadcast cursors walk.
package mempool

import (
	"cmp"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/zmlAEQ/aequa-mempool/internal/broadcast"
	"github.com/zmlAEQ/aequa-mempool/pkg/logger"
	"github.com/zmlAEQ/aequa-mempool/pkg/metrics"
)

// Config sizes the pool.
type Config struct {
	// Capacity bounds pending plus future transactions.
	Capacity int
	// BucketMinFees lists, ascending, the minimum fee of each broadcast
	// bucket. The first entry should be 0 so that every fee has a bucket.
	BucketMinFees []uint64
}

func DefaultConfig() Config {
	return Config{Capacity: 10_000, BucketMinFees: []uint64{0, 100, 1000}}
}

type entry struct {
	tx     *Txn
	bucket int
	id     uint64 // timeline id within bucket, 0 while not ready
}

// bucketIndex is one bucket's timeline: ids are assigned in increasing order
// and never reused.
type bucketIndex struct {
	ids    []uint64
	byID   map[uint64]*entry
	lastID uint64
}

func (b *bucketIndex) insert(e *entry) {
	b.lastID++
	e.id = b.lastID
	b.ids = append(b.ids, e.id)
	b.byID[e.id] = e
}

func (b *bucketIndex) remove(e *entry) {
	if e.id == 0 {
		return
	}
	if i, ok := slices.BinarySearch(b.ids, e.id); ok {
		b.ids = slices.Delete(b.ids, i, i+1)
	}
	delete(b.byID, e.id)
	e.id = 0
}

// after returns the position of the first id greater than id.
func (b *bucketIndex) after(id uint64) int {
	return sort.Search(len(b.ids), func(i int) bool { return b.ids[i] > id })
}

// Pool implements a pending/future nonce-ordered pool with a per-bucket
// timeline over its ready transactions. Safe for concurrent use; every
// method holds the lock for one call only.
type Pool struct {
	mu  sync.Mutex
	cfg Config
	// expected nonce per sender
	expect map[string]uint64
	// ready list per sender, contiguous nonces ascending
	pendBySender map[string][]*entry
	// future holds txs with nonce > expected
	future  map[string]map[uint64]*Txn
	byHash  map[string]*Txn
	buckets []*bucketIndex
}

func New(cfg Config) *Pool {
	if len(cfg.BucketMinFees) == 0 {
		cfg.BucketMinFees = []uint64{0}
	}
	p := &Pool{
		cfg:          cfg,
		expect:       map[string]uint64{},
		pendBySender: map[string][]*entry{},
		future:       map[string]map[uint64]*Txn{},
		byHash:       map[string]*Txn{},
	}
	for range cfg.BucketMinFees {
		p.buckets = append(p.buckets, &bucketIndex{byID: map[uint64]*entry{}})
	}
	return p
}

func (p *Pool) NumBuckets() int { return len(p.buckets) }

func (p *Pool) bucketFor(fee uint64) int {
	b := 0
	for i, floor := range p.cfg.BucketMinFees {
		if fee >= floor {
			b = i
		}
	}
	return b
}

// Add inserts a transaction. A nonce equal to the sender's expected nonce
// becomes ready and promotes any contiguous future transactions.
func (p *Pool) Add(tx *Txn) error {
	if err := tx.Validate(); err != nil {
		metrics.Inc("mempool_in_total", map[string]string{"result": "invalid"})
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byHash[tx.Hash()]; ok {
		metrics.Inc("mempool_in_total", map[string]string{"result": "dup"})
		return ErrDuplicate
	}
	if p.cfg.Capacity > 0 && len(p.byHash) >= p.cfg.Capacity {
		metrics.Inc("mempool_in_total", map[string]string{"result": "full"})
		return ErrPoolFull
	}
	exp := p.expect[tx.From]
	switch {
	case tx.Nonce < exp:
		metrics.Inc("mempool_in_total", map[string]string{"result": "old"})
		return fmt.Errorf("%w: sender %s nonce %d < %d", ErrOldNonce, tx.From, tx.Nonce, exp)
	case tx.Nonce == exp:
		p.makeReady(tx)
		// If subsequent futures become ready, promote them
		for {
			futs := p.future[tx.From]
			next, ok := futs[p.expect[tx.From]]
			if !ok {
				break
			}
			delete(futs, next.Nonce)
			p.makeReady(next)
		}
		if len(p.future[tx.From]) == 0 {
			delete(p.future, tx.From)
		}
		metrics.Inc("mempool_in_total", map[string]string{"result": "ok"})
	default: // tx.Nonce > exp
		if p.future[tx.From] == nil {
			p.future[tx.From] = map[uint64]*Txn{}
		}
		// dedup future by (from, nonce)
		if _, exists := p.future[tx.From][tx.Nonce]; exists {
			metrics.Inc("mempool_in_total", map[string]string{"result": "dup"})
			return fmt.Errorf("%w: future sender %s nonce %d", ErrDuplicate, tx.From, tx.Nonce)
		}
		p.future[tx.From][tx.Nonce] = tx
		metrics.Inc("mempool_in_total", map[string]string{"result": "future"})
	}
	p.byHash[tx.Hash()] = tx
	metrics.SetGauge("mempool_size", nil, float64(len(p.byHash)))
	return nil
}

// makeReady appends tx to its sender's ready list and onto its bucket's
// timeline. Callers must hold p.mu and have checked the nonce.
func (p *Pool) makeReady(tx *Txn) {
	e := &entry{tx: tx, bucket: p.bucketFor(tx.Fee)}
	p.buckets[e.bucket].insert(e)
	p.pendBySender[tx.From] = append(p.pendBySender[tx.From], e)
	p.expect[tx.From] = tx.Nonce + 1
	p.byHash[tx.Hash()] = tx
}

// ReadTimeline returns up to limit ready transactions that follow cursor,
// highest bucket first, and the cursor advanced past what was returned.
// A cursor with the wrong bucket count reads nothing.
func (p *Pool) ReadTimeline(cursor broadcast.Timeline, limit int) ([]*Txn, broadcast.Timeline) {
	next := cursor.Clone()
	if len(cursor) != len(p.buckets) || limit <= 0 {
		return nil, next
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Txn
	for b := len(p.buckets) - 1; b >= 0 && len(out) < limit; b-- {
		idx := p.buckets[b]
		for _, id := range idx.ids[idx.after(cursor[b]):] {
			if len(out) == limit {
				break
			}
			out = append(out, idx.byID[id].tx)
			next[b] = id
		}
	}
	return out, next
}

// TimelineRange returns the ready transactions still covered by r. A range
// with the wrong bucket count covers nothing.
func (p *Pool) TimelineRange(r broadcast.BatchRange) []*Txn {
	if len(r) != len(p.buckets) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Txn
	for b := len(p.buckets) - 1; b >= 0; b-- {
		idx := p.buckets[b]
		for _, id := range idx.ids[idx.after(r[b].Start):] {
			if id > r[b].End {
				break
			}
			out = append(out, idx.byID[id].tx)
		}
	}
	return out
}

// GetBatch selects up to maxTxns ready transactions, fee descending, whose
// cumulative size stays within maxBytes. Excluded transactions are skipped
// but count as included when deciding whether a sender's next nonce may
// follow. A sender's transactions always appear in nonce order.
func (p *Pool) GetBatch(maxTxns, maxBytes uint64, exclude []Summary) []*Txn {
	out := []*Txn{}
	if maxTxns == 0 {
		return out
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[senderNonce]bool, len(exclude))
	for _, s := range exclude {
		if s.Hash != "" {
			if tx, ok := p.byHash[s.Hash]; ok {
				seen[senderNonce{tx.From, tx.Nonce}] = true
			}
			continue
		}
		seen[s.key()] = true
	}

	var queue []*entry
	for _, ll := range p.pendBySender {
		queue = append(queue, ll...)
	}
	slices.SortFunc(queue, func(a, b *entry) int {
		if c := cmp.Compare(b.tx.Fee, a.tx.Fee); c != 0 {
			return c
		}
		if c := cmp.Compare(a.tx.From, b.tx.From); c != 0 {
			return c
		}
		return cmp.Compare(a.tx.Nonce, b.tx.Nonce)
	})

	var picked []senderNonce
	skipped := map[senderNonce]bool{}
	full := func() bool { return uint64(len(picked)) == maxTxns }
main:
	for _, e := range queue {
		k := senderNonce{e.tx.From, e.tx.Nonce}
		if seen[k] {
			continue
		}
		first := p.pendBySender[k.sender][0].tx.Nonce
		prev := k.nonce > 0 && seen[senderNonce{k.sender, k.nonce - 1}]
		if !prev && k.nonce != first {
			skipped[k] = true
			continue
		}
		seen[k] = true
		picked = append(picked, k)
		if full() {
			break
		}
		// predecessors are now in; pull in what was skipped behind them
		for nk := (senderNonce{k.sender, k.nonce + 1}); skipped[nk]; nk.nonce++ {
			seen[nk] = true
			picked = append(picked, nk)
			if full() {
				break main
			}
		}
	}

	var total uint64
	for _, k := range picked {
		tx := p.readyTxn(k)
		if tx == nil {
			continue
		}
		total += tx.Size()
		if total > maxBytes {
			break
		}
		out = append(out, tx)
	}
	return out
}

func (p *Pool) readyTxn(k senderNonce) *Txn {
	ll := p.pendBySender[k.sender]
	if len(ll) == 0 || k.nonce < ll[0].tx.Nonce {
		return nil
	}
	i := k.nonce - ll[0].tx.Nonce
	if i >= uint64(len(ll)) {
		return nil
	}
	return ll[i].tx
}

// CommitRejected evicts rejected transactions. Ready transactions of the same
// sender with later nonces are demoted to future, and the sender's expected
// nonce rewinds to the rejected one. Unknown summaries are ignored. Returns
// the number of transactions evicted.
func (p *Pool) CommitRejected(rejected []Rejected) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range rejected {
		k, ok := p.resolve(r.Summary)
		if !ok {
			metrics.Inc("mempool_rejected_total", map[string]string{"result": "unknown"})
			continue
		}
		if futs := p.future[k.sender]; futs != nil {
			if tx, ok := futs[k.nonce]; ok {
				delete(futs, k.nonce)
				if len(futs) == 0 {
					delete(p.future, k.sender)
				}
				delete(p.byHash, tx.Hash())
				n++
				metrics.Inc("mempool_rejected_total", map[string]string{"result": "ok"})
				continue
			}
		}
		if p.demote(k) {
			n++
			metrics.Inc("mempool_rejected_total", map[string]string{"result": "ok"})
		}
		logger.DebugJ("mempool_reject", map[string]any{"sender": k.sender, "nonce": k.nonce, "reason": r.Reason})
	}
	metrics.SetGauge("mempool_size", nil, float64(len(p.byHash)))
	return n
}

func (p *Pool) resolve(s Summary) (senderNonce, bool) {
	if s.Hash != "" {
		tx, ok := p.byHash[s.Hash]
		if !ok {
			return senderNonce{}, false
		}
		return senderNonce{tx.From, tx.Nonce}, true
	}
	if p.readyTxn(s.key()) != nil {
		return s.key(), true
	}
	if _, ok := p.future[s.Sender][s.Nonce]; ok {
		return s.key(), true
	}
	return senderNonce{}, false
}

// demote removes the ready transaction k and moves its successors to future.
func (p *Pool) demote(k senderNonce) bool {
	ll := p.pendBySender[k.sender]
	if len(ll) == 0 || k.nonce < ll[0].tx.Nonce {
		return false
	}
	i := int(k.nonce - ll[0].tx.Nonce)
	if i >= len(ll) {
		return false
	}
	for _, e := range ll[i:] {
		p.buckets[e.bucket].remove(e)
	}
	rejected := ll[i].tx
	delete(p.byHash, rejected.Hash())
	for _, e := range ll[i+1:] {
		if p.future[k.sender] == nil {
			p.future[k.sender] = map[uint64]*Txn{}
		}
		p.future[k.sender][e.tx.Nonce] = e.tx
	}
	if i == 0 {
		delete(p.pendBySender, k.sender)
	} else {
		p.pendBySender[k.sender] = ll[:i]
	}
	p.expect[k.sender] = k.nonce
	return true
}

// Get looks a pooled transaction up by hash.
func (p *Pool) Get(hash string) (*Txn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tx, ok := p.byHash[hash]
	return tx, ok
}

// Len is the number of ready transactions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	sum := 0
	for _, ll := range p.pendBySender {
		sum += len(ll)
	}
	return sum
}

// Total counts ready and future transactions.
func (p *Pool) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byHash)
}
