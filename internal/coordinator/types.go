package coordinator

import (
	"context"
	"time"

	"github.com/zmlAEQ/aequa-mempool/internal/broadcast"
	"github.com/zmlAEQ/aequa-mempool/internal/mempool"
)

// Batch is one broadcast: the transactions covered by Range on the sender's
// timeline.
type Batch struct {
	Range broadcast.BatchRange
	Txns  []*mempool.Txn
}

// Ack answers a Batch. Retry asks the sender to resend it later; Backoff asks
// it to slow down.
type Ack struct {
	Range   broadcast.BatchRange
	Retry   bool
	Backoff bool
}

// Sender delivers envelopes to a peer on one network.
type Sender interface {
	SendBatch(ctx context.Context, peer string, b Batch) error
	SendAck(ctx context.Context, peer string, a Ack) error
}

// Store is the transaction pool the coordinator reads from and writes to.
// *mempool.Pool implements it.
type Store interface {
	NumBuckets() int
	ReadTimeline(cursor broadcast.Timeline, limit int) ([]*mempool.Txn, broadcast.Timeline)
	TimelineRange(r broadcast.BatchRange) []*mempool.Txn
	GetBatch(maxTxns, maxBytes uint64, exclude []mempool.Summary) []*mempool.Txn
	CommitRejected(rejected []mempool.Rejected) int
	Add(tx *mempool.Txn) error
	Get(hash string) (*mempool.Txn, bool)
}

type StatusCode string

const (
	StatusAccepted  StatusCode = "accepted"
	StatusInvalid   StatusCode = "invalid"
	StatusDuplicate StatusCode = "duplicate"
	StatusOldNonce  StatusCode = "old_nonce"
	StatusPoolFull  StatusCode = "pool_full"
	StatusRejected  StatusCode = "rejected"
)

// SubmissionStatus is the outcome of a client submission.
type SubmissionStatus struct {
	Code    StatusCode `json:"code"`
	Message string     `json:"message,omitempty"`
}

// PeerStatus is a point-in-time view of one peer's sync state.
type PeerStatus struct {
	Peer          string             `json:"peer"`
	Network       string             `json:"network"`
	Origin        string             `json:"origin"`
	ConnectedAt   time.Time          `json:"connected_at"`
	Timeline      broadcast.Timeline `json:"timeline"`
	Sent          int                `json:"sent"`
	Retry         int                `json:"retry"`
	Backoff       bool               `json:"backoff"`
	NextBroadcast time.Time          `json:"next_broadcast,omitempty"`
}
