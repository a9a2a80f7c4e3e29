package broadcast

import (
	"slices"
	"time"

	"github.com/zmlAEQ/aequa-mempool/pkg/logger"
	"github.com/zmlAEQ/aequa-mempool/pkg/metrics"
)

type sentBatch struct {
	r  BatchRange
	at time.Time
}

// State is the broadcast bookkeeping for one remote peer: batches sent and
// not yet acked, batches the peer asked us to resend, and whether the peer is
// in backoff mode. A range is never both sent and pending retry.
//
// State is not safe for concurrent use; the coordinator loop owns it.
type State struct {
	sent    map[string]sentBatch
	retry   map[string]BatchRange
	backoff bool
	retries int
}

func NewState() *State {
	return &State{sent: map[string]sentBatch{}, retry: map[string]BatchRange{}}
}

// RecordSent marks r as sent at now. Recording a range that is pending retry
// is a caller bug: debug builds panic, release builds drop the retry entry.
func (s *State) RecordSent(r BatchRange, now time.Time) {
	k := r.Key()
	if _, ok := s.retry[k]; ok {
		if strictInvariants {
			panic("broadcast: RecordSent on a batch pending retry: " + r.String())
		}
		metrics.Inc("mempool_invariant_violations_total", map[string]string{"kind": "sent_while_retry"})
		logger.WarnJ("mempool_invariant", map[string]any{"kind": "sent_while_retry", "batch": r.String()})
		delete(s.retry, k)
	}
	s.sent[k] = sentBatch{r: r.Clone(), at: now}
}

// Resend moves a retry-pending range back to sent at now.
func (s *State) Resend(r BatchRange, now time.Time) {
	k := r.Key()
	delete(s.retry, k)
	s.sent[k] = sentBatch{r: r.Clone(), at: now}
}

// MarkRetry moves r from sent to retry, dropping its send time.
func (s *State) MarkRetry(r BatchRange) {
	k := r.Key()
	delete(s.sent, k)
	s.retry[k] = r.Clone()
	s.retries++
}

// Ack forgets r entirely and ends the retry streak. Acking an unknown range
// is a no-op and leaves the streak alone.
func (s *State) Ack(r BatchRange) {
	k := r.Key()
	_, sent := s.sent[k]
	_, retry := s.retry[k]
	if !sent && !retry {
		return
	}
	delete(s.sent, k)
	delete(s.retry, k)
	s.retries = 0
}

// Forget drops r without touching the retry streak; used when a pending
// batch no longer maps to any pooled transaction.
func (s *State) Forget(r BatchRange) {
	k := r.Key()
	delete(s.sent, k)
	delete(s.retry, k)
}

func (s *State) EnableBackoff()  { s.backoff = true }
func (s *State) DisableBackoff() { s.backoff = false }
func (s *State) Backoff() bool   { return s.backoff }

// ConsecutiveRetries counts retry acks received since the last positive ack.
func (s *State) ConsecutiveRetries() int { return s.retries }

func (s *State) NumSent() int  { return len(s.sent) }
func (s *State) NumRetry() int { return len(s.retry) }

func (s *State) IsSent(r BatchRange) bool {
	_, ok := s.sent[r.Key()]
	return ok
}

func (s *State) IsRetry(r BatchRange) bool {
	_, ok := s.retry[r.Key()]
	return ok
}

// SentAt returns when r was last sent.
func (s *State) SentAt(r BatchRange) (time.Time, bool) {
	b, ok := s.sent[r.Key()]
	return b.at, ok
}

// Sent returns the unacked ranges in ascending CompareRanges order.
func (s *State) Sent() []BatchRange {
	out := make([]BatchRange, 0, len(s.sent))
	for _, b := range s.sent {
		out = append(out, b.r)
	}
	slices.SortFunc(out, CompareRanges)
	return out
}

// Retry returns the retry-pending ranges in ascending CompareRanges order.
func (s *State) Retry() []BatchRange {
	out := make([]BatchRange, 0, len(s.retry))
	for _, r := range s.retry {
		out = append(out, r)
	}
	slices.SortFunc(out, CompareRanges)
	return out
}

// ConnMetadata describes the connection a SyncState was created for.
type ConnMetadata struct {
	Peer        PeerNetworkID
	ConnectedAt time.Time
	Origin      string // "inbound" or "outbound"
}

// SyncState is everything the coordinator tracks about a connected peer.
type SyncState struct {
	Timeline  Timeline
	Broadcast *State
	Metadata  ConnMetadata
}

// NewSyncState creates the state of a freshly connected peer; the bucket
// count is fixed for the lifetime of the connection.
func NewSyncState(md ConnMetadata, buckets int) *SyncState {
	return &SyncState{Timeline: NewTimeline(buckets), Broadcast: NewState(), Metadata: md}
}
