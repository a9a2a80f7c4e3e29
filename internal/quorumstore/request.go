// Package quorumstore bridges the batch-oriented ordering component and the
// mempool coordinator: batch pulls and rejection notices travel as requests
// carrying their own single-use reply.
package quorumstore

import (
	"fmt"
	"sync"

	"github.com/zmlAEQ/aequa-mempool/internal/mempool"
)

type Kind int

const (
	KindGetBatch Kind = iota + 1
	KindReject
)

func (k Kind) String() string {
	switch k {
	case KindGetBatch:
		return "get_batch"
	case KindReject:
		return "reject"
	default:
		return "unknown"
	}
}

// Request is one call from the ordering component. Exactly one of the
// GetBatch fields or Rejected is meaningful, per Kind.
type Request struct {
	Kind     Kind
	MaxTxns  uint64
	MaxBytes uint64
	Exclude  []mempool.Summary
	Rejected []mempool.Rejected
	TraceID  string

	reply chan result
	once  sync.Once
}

// Response answers a Request: a batch for KindGetBatch, a bare
// acknowledgement (CommitAck) for KindReject.
type Response struct {
	Batch     []*mempool.Txn
	CommitAck bool
}

type result struct {
	resp Response
	err  error
}

func NewGetBatch(maxTxns, maxBytes uint64, exclude []mempool.Summary) *Request {
	return &Request{Kind: KindGetBatch, MaxTxns: maxTxns, MaxBytes: maxBytes, Exclude: exclude, reply: make(chan result, 1)}
}

func NewRejectNotification(rejected []mempool.Rejected) *Request {
	return &Request{Kind: KindReject, Rejected: rejected, reply: make(chan result, 1)}
}

// Respond fulfils the request. Only the first Respond or Drop has effect;
// it never blocks.
func (r *Request) Respond(resp Response, err error) {
	r.once.Do(func() {
		r.reply <- result{resp: resp, err: err}
		close(r.reply)
	})
}

// Drop closes the reply without an answer; the caller sees ErrResponderGone.
func (r *Request) Drop() {
	r.once.Do(func() { close(r.reply) })
}

func (r *Request) String() string {
	switch r.Kind {
	case KindGetBatch:
		return fmt.Sprintf("GetBatchRequest [max_txns: %d, max_bytes: %d, excluded: %d]", r.MaxTxns, r.MaxBytes, len(r.Exclude))
	case KindReject:
		return fmt.Sprintf("RejectNotification [rejected: %d]", len(r.Rejected))
	default:
		return "UnknownRequest"
	}
}
