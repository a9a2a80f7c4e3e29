// Package broadcast holds the per-peer synchronization state of the shared
// mempool: timeline cursors, batch identifiers, broadcast/retry bookkeeping
// and the scheduled-broadcast timers that drive the coordinator loop.
package broadcast

import (
	"cmp"
	"strconv"
	"strings"
)

// NetworkID identifies one of the node's networks.
type NetworkID string

const (
	NetworkValidator NetworkID = "validator"
	NetworkVFN       NetworkID = "vfn"
	NetworkPublic    NetworkID = "public"
)

// PeerNetworkID addresses a peer on a specific network.
type PeerNetworkID struct {
	Network NetworkID
	Peer    string
}

func (p PeerNetworkID) String() string { return string(p.Network) + "/" + p.Peer }

// Timeline is a peer's position in the local pool's per-bucket timeline index:
// Timeline[b] is the highest timeline id of bucket b the peer has been sent.
// Zero means nothing was sent from that bucket.
type Timeline []uint64

// NewTimeline returns a zeroed timeline with one watermark per bucket.
func NewTimeline(buckets int) Timeline {
	if buckets < 0 {
		buckets = 0
	}
	return make(Timeline, buckets)
}

// Clone returns a copy that does not alias t.
func (t Timeline) Clone() Timeline { return append(Timeline(nil), t...) }

// Update advances each watermark to the end of the matching range pair.
// A bucket-count mismatch leaves t untouched.
func (t Timeline) Update(r BatchRange) {
	if len(t) != len(r) {
		return
	}
	for i, p := range r {
		t[i] = max(t[i], p.End)
	}
}

// Pair is a half-open (Start, End] span of one bucket's timeline ids.
type Pair struct {
	Start uint64
	End   uint64
}

func comparePairs(a, b Pair) int {
	if c := cmp.Compare(a.Start, b.Start); c != 0 {
		return c
	}
	return cmp.Compare(a.End, b.End)
}

// BatchRange identifies one broadcast batch: per bucket, the timeline span
// that produced its transactions.
type BatchRange []Pair

// RangeBetween zips two timelines of the same length into a BatchRange.
// Extra buckets on either side are ignored.
func RangeBetween(from, to Timeline) BatchRange {
	n := min(len(from), len(to))
	r := make(BatchRange, n)
	for i := 0; i < n; i++ {
		r[i] = Pair{Start: from[i], End: to[i]}
	}
	return r
}

// Empty reports whether no bucket spans any timeline id.
func (r BatchRange) Empty() bool {
	for _, p := range r {
		if p.End > p.Start {
			return false
		}
	}
	return true
}

// Key is a canonical string form, used to index ranges in maps.
func (r BatchRange) Key() string {
	var sb strings.Builder
	for i, p := range r {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatUint(p.Start, 10))
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatUint(p.End, 10))
	}
	return sb.String()
}

func (r BatchRange) String() string { return "[" + r.Key() + "]" }

// Clone returns a copy that does not alias r.
func (r BatchRange) Clone() BatchRange { return append(BatchRange(nil), r...) }

// CompareRanges orders ranges by their pairs from the last bucket to the
// first, so that the highest-priority bucket dominates. When all overlapping
// pairs are equal the shorter range sorts first.
func CompareRanges(a, b BatchRange) int {
	i, j := len(a)-1, len(b)-1
	for i >= 0 && j >= 0 {
		if c := comparePairs(a[i], b[j]); c != 0 {
			return c
		}
		i--
		j--
	}
	return cmp.Compare(len(a), len(b))
}

// BatchID identifies a batch of a single-bucket timeline. BatchIDs order
// descending on (Start, End): in a sorted container the most recently
// started batch comes first.
type BatchID struct {
	Start uint64
	End   uint64
}

// CompareBatchIDs returns -1 when a started after b.
func CompareBatchIDs(a, b BatchID) int {
	return comparePairs(Pair(b), Pair(a))
}
