package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/zmlAEQ/aequa-mempool/internal/broadcast"
	"github.com/zmlAEQ/aequa-mempool/internal/coordinator"
)

// ProtocolBroadcast is the libp2p protocol id for directed mempool
// broadcasts and their acks (stable identifier).
const ProtocolBroadcast = "/aequa/mempool/broadcast/1.0.0"

// MaxEnvelopeBytes bounds a decoded envelope.
const MaxEnvelopeBytes = 8 << 20

const (
	KindBatch = "batch"
	KindAck   = "ack"
)

var ErrUnknownKind = errors.New("wire: unknown envelope kind")

// Pair is the wire form of broadcast.Pair.
type Pair struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Batch is the wire-format counterpart of coordinator.Batch.
type Batch struct {
	Range []Pair `json:"range"`
	Txns  []Txn  `json:"txns"`
}

// Ack is the wire-format counterpart of coordinator.Ack.
type Ack struct {
	Range   []Pair `json:"range"`
	Retry   bool   `json:"retry,omitempty"`
	Backoff bool   `json:"backoff,omitempty"`
}

// Envelope carries exactly one of Batch or Ack, selected by Kind.
// JSON encoding uses lower_snake_case keys and base64 for []byte fields.
type Envelope struct {
	Kind    string `json:"kind"`
	Batch   *Batch `json:"batch,omitempty"`
	Ack     *Ack   `json:"ack,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

func rangeFromInternal(r broadcast.BatchRange) []Pair {
	out := make([]Pair, len(r))
	for i, p := range r {
		out[i] = Pair{Start: p.Start, End: p.End}
	}
	return out
}

func rangeToInternal(ps []Pair) broadcast.BatchRange {
	out := make(broadcast.BatchRange, len(ps))
	for i, p := range ps {
		out[i] = broadcast.Pair{Start: p.Start, End: p.End}
	}
	return out
}

// BatchFromInternal converts a coordinator batch to its wire envelope.
func BatchFromInternal(b coordinator.Batch, traceID string) Envelope {
	w := &Batch{Range: rangeFromInternal(b.Range), Txns: make([]Txn, len(b.Txns))}
	for i, tx := range b.Txns {
		w.Txns[i] = TxFromInternal(tx)
	}
	return Envelope{Kind: KindBatch, Batch: w, TraceID: traceID}
}

// AckFromInternal converts a coordinator ack to its wire envelope.
func AckFromInternal(a coordinator.Ack, traceID string) Envelope {
	return Envelope{Kind: KindAck, Ack: &Ack{Range: rangeFromInternal(a.Range), Retry: a.Retry, Backoff: a.Backoff}, TraceID: traceID}
}

// ToInternal converts the wire batch back to the coordinator type.
func (w Batch) ToInternal() coordinator.Batch {
	b := coordinator.Batch{Range: rangeToInternal(w.Range)}
	for _, t := range w.Txns {
		if tx := t.ToInternal(); tx != nil {
			b.Txns = append(b.Txns, tx)
		}
	}
	return b
}

// ToInternal converts the wire ack back to the coordinator type.
func (w Ack) ToInternal() coordinator.Ack {
	return coordinator.Ack{Range: rangeToInternal(w.Range), Retry: w.Retry, Backoff: w.Backoff}
}

// Encode writes one envelope.
func Encode(w io.Writer, env Envelope) error {
	return json.NewEncoder(w).Encode(env)
}

// Decode reads one envelope of at most MaxEnvelopeBytes and checks that its
// kind matches its content.
func Decode(r io.Reader) (Envelope, error) {
	var env Envelope
	if err := json.NewDecoder(io.LimitReader(r, MaxEnvelopeBytes)).Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode: %w", err)
	}
	switch {
	case env.Kind == KindBatch && env.Batch != nil:
	case env.Kind == KindAck && env.Ack != nil:
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	return env, nil
}
