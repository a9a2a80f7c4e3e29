package bus

import (
	"context"
	"time"

	"github.com/zmlAEQ/aequa-mempool/pkg/metrics"
)

// Kind names a mempool notification.
type Kind string

const (
	// KindPeerStateChange is published when a peer connects or disconnects.
	KindPeerStateChange Kind = "peer_state_change"
	// KindNewTransactions is published when transactions enter the local pool.
	KindNewTransactions Kind = "new_transactions"
	// KindAck is published after a peer's broadcast ack was processed.
	KindAck Kind = "ack"
	// KindBroadcast is published after a batch was sent to a peer.
	KindBroadcast Kind = "broadcast"
)

type Event struct {
	Kind    Kind
	Peer    string
	At      time.Time
	TraceID string
}

type Subscriber chan Event

// Bus fans events out to a fixed list of subscribers handed in at startup.
type Bus struct {
	subs []Subscriber
}

func New(subs ...Subscriber) *Bus {
	return &Bus{subs: subs}
}

// NewSubscriber allocates a subscriber channel with the given buffer.
func NewSubscriber(size int) Subscriber {
	if size <= 0 { size = 128 }
	return make(Subscriber, size)
}

// Publish delivers ev to every subscriber without blocking. A subscriber whose
// buffer is full, or whose channel was closed, misses the event.
func (b *Bus) Publish(_ context.Context, ev Event) {
	if b == nil {
		return
	}
	for _, s := range b.subs {
		if !trySend(s, ev) {
			metrics.Inc("bus_dropped_total", map[string]string{"kind": string(ev.Kind)})
		}
	}
}

// Len reports the number of subscribers.
func (b *Bus) Len() int {
	if b == nil {
		return 0
	}
	return len(b.subs)
}

func trySend(s Subscriber, ev Event) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case s <- ev:
		return true
	default: /* drop on backpressure */
		return false
	}
}
