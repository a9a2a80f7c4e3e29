package broadcast

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Waker is invoked, at most once per registration, when a ScheduledBroadcast
// becomes due. It must not block.
type Waker func()

// Fire is the outcome of a due ScheduledBroadcast.
type Fire struct {
	Deadline time.Time
	Peer     PeerNetworkID
	Backoff  bool // the round was scheduled while the peer was in backoff
}

// ScheduledBroadcast is a single-fire timer for one peer's next broadcast
// round. The timer runs on the clock's own goroutine; the consumer polls it
// and registers a Waker to be told when polling again is worthwhile. Only the
// latest registered waker is kept. Once a poll observes it ready, the
// instance is retired.
type ScheduledBroadcast struct {
	clk   clock.Clock
	fire  Fire
	timer *clock.Timer

	mu      sync.Mutex
	waker   Waker
	expired bool
	retired bool
}

// NewScheduledBroadcast arms a wake at deadline. A deadline that is not in the
// future is ready immediately and arms no timer.
func NewScheduledBroadcast(clk clock.Clock, deadline time.Time, peer PeerNetworkID, backoff bool) *ScheduledBroadcast {
	sb := &ScheduledBroadcast{clk: clk, fire: Fire{Deadline: deadline, Peer: peer, Backoff: backoff}}
	if d := deadline.Sub(clk.Now()); d > 0 {
		sb.timer = clk.AfterFunc(d, sb.expire)
	} else {
		sb.expired = true
	}
	return sb
}

func (sb *ScheduledBroadcast) expire() {
	sb.mu.Lock()
	sb.expired = true
	w := sb.waker
	sb.waker = nil
	sb.mu.Unlock()
	if w != nil {
		w()
	}
}

func (sb *ScheduledBroadcast) dueLocked() bool {
	return sb.expired || !sb.clk.Now().Before(sb.fire.Deadline)
}

// Poll returns the Fire and retires the instance when the deadline has
// passed. Otherwise it stores w, replacing any earlier waker, and reports
// not ready. A retired or cancelled instance is never ready again.
func (sb *ScheduledBroadcast) Poll(w Waker) (Fire, bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.retired {
		return Fire{}, false
	}
	if sb.dueLocked() {
		sb.retired = true
		sb.waker = nil
		return sb.fire, true
	}
	sb.waker = w
	return Fire{}, false
}

// register stores w without consuming the instance; it reports whether the
// instance is already due, in which case w is not stored.
func (sb *ScheduledBroadcast) register(w Waker) bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.retired {
		return false
	}
	if sb.dueLocked() {
		return true
	}
	sb.waker = w
	return false
}

// Cancel retires the instance and stops its timer. A timer that is already
// firing finds no waker and does nothing.
func (sb *ScheduledBroadcast) Cancel() {
	sb.mu.Lock()
	sb.retired = true
	sb.waker = nil
	t := sb.timer
	sb.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

func (sb *ScheduledBroadcast) Deadline() time.Time { return sb.fire.Deadline }
func (sb *ScheduledBroadcast) Peer() PeerNetworkID { return sb.fire.Peer }
func (sb *ScheduledBroadcast) Backoff() bool       { return sb.fire.Backoff }

// Queue keeps at most one ScheduledBroadcast per peer and funnels all their
// wakes into a single channel the coordinator selects on. Queue itself is
// owned by one goroutine; only the wake channel is touched by timers.
type Queue struct {
	clk   clock.Clock
	wake  chan struct{}
	items map[PeerNetworkID]*ScheduledBroadcast
}

func NewQueue(clk clock.Clock) *Queue {
	return &Queue{clk: clk, wake: make(chan struct{}, 1), items: map[PeerNetworkID]*ScheduledBroadcast{}}
}

// C receives a value whenever some scheduled broadcast may have become due.
// Wakes coalesce; after a receive call Ready.
func (q *Queue) C() <-chan struct{} { return q.wake }

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Schedule arms the next round for peer at deadline, superseding any round
// already scheduled for it.
func (q *Queue) Schedule(deadline time.Time, peer PeerNetworkID, backoff bool) *ScheduledBroadcast {
	if old, ok := q.items[peer]; ok {
		old.Cancel()
	}
	sb := NewScheduledBroadcast(q.clk, deadline, peer, backoff)
	q.items[peer] = sb
	if sb.register(q.notify) {
		q.notify()
	}
	return sb
}

// Remove cancels the round scheduled for peer, if any.
func (q *Queue) Remove(peer PeerNetworkID) {
	if sb, ok := q.items[peer]; ok {
		sb.Cancel()
		delete(q.items, peer)
	}
}

// Ready retires and returns every due round, earliest deadline first.
func (q *Queue) Ready() []Fire {
	var out []Fire
	for peer, sb := range q.items {
		if f, ok := sb.Poll(q.notify); ok {
			out = append(out, f)
			delete(q.items, peer)
		}
	}
	slices.SortFunc(out, func(a, b Fire) int {
		if c := a.Deadline.Compare(b.Deadline); c != 0 {
			return c
		}
		return strings.Compare(a.Peer.String(), b.Peer.String())
	})
	return out
}

// Scheduled returns the round pending for peer.
func (q *Queue) Scheduled(peer PeerNetworkID) (*ScheduledBroadcast, bool) {
	sb, ok := q.items[peer]
	return sb, ok
}

func (q *Queue) Len() int { return len(q.items) }
