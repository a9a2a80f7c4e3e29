package coordinator

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/zmlAEQ/aequa-mempool/internal/broadcast"
	"github.com/zmlAEQ/aequa-mempool/internal/mempool"
	"github.com/zmlAEQ/aequa-mempool/internal/quorumstore"
	"github.com/zmlAEQ/aequa-mempool/pkg/bus"
	"github.com/zmlAEQ/aequa-mempool/pkg/metrics"
)

const wait, poll = 2 * time.Second, 5 * time.Millisecond

var (
	peerA = broadcast.PeerNetworkID{Network: broadcast.NetworkValidator, Peer: "A"}
	peerB = broadcast.PeerNetworkID{Network: broadcast.NetworkValidator, Peer: "B"}
)

type fakeSender struct {
	mu      sync.Mutex
	batches map[string][]Batch
	acks    map[string][]Ack
	fail    atomic.Bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{batches: map[string][]Batch{}, acks: map[string][]Ack{}}
}

func (f *fakeSender) SendBatch(_ context.Context, peer string, b Batch) error {
	if f.fail.Load() {
		return errors.New("link down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[peer] = append(f.batches[peer], b)
	return nil
}

func (f *fakeSender) SendAck(_ context.Context, peer string, a Ack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks[peer] = append(f.acks[peer], a)
	return nil
}

func (f *fakeSender) batchesTo(peer string) []Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Batch(nil), f.batches[peer]...)
}

func (f *fakeSender) acksTo(peer string) []Ack {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Ack(nil), f.acks[peer]...)
}

func txn(from string, nonce, fee uint64) *mempool.Txn {
	return &mempool.Txn{From: from, Nonce: nonce, Gas: 1, Fee: fee, Sig: make([]byte, 32)}
}

func testConfig() Config {
	return Config{
		TickInterval:          50 * time.Millisecond,
		BackoffMultiplier:     10,
		BatchSize:             100,
		MaxBroadcastsPerPeer:  4,
		AckTimeout:            time.Hour,
		RetryBackoffThreshold: 3,
	}
}

// fivePlusThree fills a two-bucket pool so that a fresh cursor reads up to [5,3].
func fivePlusThree(t *testing.T) *mempool.Pool {
	t.Helper()
	p := mempool.New(mempool.Config{Capacity: 100, BucketMinFees: []uint64{0, 100}})
	for i := uint64(0); i < 5; i++ {
		require.NoError(t, p.Add(txn("low", i, 1)))
	}
	for i := uint64(0); i < 3; i++ {
		require.NoError(t, p.Add(txn("high", i, 500)))
	}
	return p
}

type harness struct {
	c   *Coordinator
	fs  *fakeSender
	clk *clock.Mock
	t0  time.Time
}

func start(t *testing.T, store Store, cfg Config, subs *bus.Bus, opts ...Option) *harness {
	t.Helper()
	metrics.Reset()
	clk := clock.NewMock()
	fs := newFakeSender()
	c, err := New(store, map[broadcast.NetworkID]Sender{broadcast.NetworkValidator: fs}, subs, cfg, append([]Option{WithClock(clk)}, opts...)...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{c: c, fs: fs, clk: clk, t0: clk.Now()}
}

func (h *harness) status(t *testing.T, peer broadcast.PeerNetworkID) PeerStatus {
	t.Helper()
	ps, err := h.c.Peers(context.Background())
	require.NoError(t, err)
	for _, s := range ps {
		if s.Peer == peer.Peer && s.Network == string(peer.Network) {
			return s
		}
	}
	return PeerStatus{}
}

// waitNext blocks until peer's next round is armed at want.
func (h *harness) waitNext(t *testing.T, peer broadcast.PeerNetworkID, want time.Time) {
	t.Helper()
	require.Eventually(t, func() bool { return h.status(t, peer).NextBroadcast.Equal(want) }, wait, poll)
}

func (h *harness) advance(d time.Duration) { h.clk.Add(d) }

func TestCoordinator_EndToEnd_SendAckThenSkipEmpty(t *testing.T) {
	h := start(t, fivePlusThree(t), testConfig(), nil)
	ctx := context.Background()
	require.NoError(t, h.c.PeerConnected(ctx, peerA, "outbound"))

	require.Eventually(t, func() bool { return len(h.fs.batchesTo("A")) == 1 }, wait, poll)
	b := h.fs.batchesTo("A")[0]
	require.Equal(t, broadcast.BatchRange{{Start: 0, End: 5}, {Start: 0, End: 3}}, b.Range)
	require.Len(t, b.Txns, 8)

	require.NoError(t, h.c.HandleAck(ctx, peerA, Ack{Range: b.Range}))
	require.Eventually(t, func() bool {
		s := h.status(t, peerA)
		return s.Sent == 0 && slices.Equal(s.Timeline, broadcast.Timeline{5, 3})
	}, wait, poll)

	next := broadcast.RangeBetween(broadcast.Timeline{5, 3}, broadcast.Timeline{5, 3})
	require.Equal(t, broadcast.BatchRange{{Start: 5, End: 5}, {Start: 3, End: 3}}, next)
	require.True(t, next.Empty())

	h.waitNext(t, peerA, h.t0.Add(50*time.Millisecond))
	h.advance(50 * time.Millisecond)
	require.Eventually(t, func() bool {
		return metricsContain(`mempool_broadcast_total{result="no_txns"} 1`)
	}, wait, poll)
	require.Len(t, h.fs.batchesTo("A"), 1)
	require.Contains(t, metrics.DumpProm(), `mempool_broadcast_total{result="ok"} 1`)
}

func TestCoordinator_BackoffPeerScheduledLater(t *testing.T) {
	pool := mempool.New(mempool.DefaultConfig())
	h := start(t, pool, testConfig(), nil)
	ctx := context.Background()
	require.NoError(t, h.c.PeerConnected(ctx, peerA, "outbound"))
	require.NoError(t, h.c.PeerConnected(ctx, peerB, "inbound"))
	first := h.t0.Add(50 * time.Millisecond)
	h.waitNext(t, peerA, first)
	h.waitNext(t, peerB, first)

	require.NoError(t, h.c.HandleAck(ctx, peerA, Ack{Range: broadcast.BatchRange{{Start: 0, End: 1}}, Backoff: true}))
	require.Eventually(t, func() bool { return h.status(t, peerA).Backoff }, wait, poll)

	h.advance(50 * time.Millisecond)
	h.waitNext(t, peerA, first.Add(500*time.Millisecond))
	h.waitNext(t, peerB, first.Add(50*time.Millisecond))
	a, b := h.status(t, peerA), h.status(t, peerB)
	require.True(t, a.NextBroadcast.After(b.NextBroadcast))
	require.Contains(t, metrics.DumpProm(), `mempool_broadcast_total{result="backoff_skip"} 1`)
}

func TestCoordinator_Reschedule_BackoffStretchesTick(t *testing.T) {
	clk := clock.NewMock()
	c, err := New(mempool.New(mempool.DefaultConfig()), nil, nil, testConfig(), WithClock(clk))
	require.NoError(t, err)
	sa, sb := broadcast.NewState(), broadcast.NewState()
	sa.EnableBackoff()
	c.reschedule(peerA, sa)
	c.reschedule(peerB, sb)
	a, _ := c.sched.Scheduled(peerA)
	b, _ := c.sched.Scheduled(peerB)
	require.True(t, a.Backoff())
	require.False(t, b.Backoff())
	require.True(t, a.Deadline().After(b.Deadline()))
	c.sched.Remove(peerA)
	c.sched.Remove(peerB)
}

func TestCoordinator_SendFailureEnablesBackoff(t *testing.T) {
	h := start(t, fivePlusThree(t), testConfig(), nil)
	h.fs.fail.Store(true)
	ctx := context.Background()
	require.NoError(t, h.c.PeerConnected(ctx, peerA, "outbound"))

	h.waitNext(t, peerA, h.t0.Add(500*time.Millisecond))
	s := h.status(t, peerA)
	require.True(t, s.Backoff)
	require.Zero(t, s.Sent)
	require.Equal(t, broadcast.Timeline{0, 0}, s.Timeline)
	require.Contains(t, metrics.DumpProm(), `mempool_broadcast_total{result="error"} 1`)

	// the backoff round clears backoff and delivers
	h.fs.fail.Store(false)
	h.advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { return len(h.fs.batchesTo("A")) == 1 }, wait, poll)
	h.waitNext(t, peerA, h.t0.Add(550*time.Millisecond))
	require.False(t, h.status(t, peerA).Backoff)
}

func TestCoordinator_RetryAckResendsSameBatch(t *testing.T) {
	h := start(t, fivePlusThree(t), testConfig(), nil)
	ctx := context.Background()
	require.NoError(t, h.c.PeerConnected(ctx, peerA, "outbound"))
	require.Eventually(t, func() bool { return len(h.fs.batchesTo("A")) == 1 }, wait, poll)
	r := h.fs.batchesTo("A")[0].Range

	require.NoError(t, h.c.HandleAck(ctx, peerA, Ack{Range: r, Retry: true}))
	require.Eventually(t, func() bool {
		s := h.status(t, peerA)
		return s.Retry == 1 && s.Sent == 0
	}, wait, poll)
	require.False(t, h.status(t, peerA).Backoff)

	h.waitNext(t, peerA, h.t0.Add(50*time.Millisecond))
	h.advance(50 * time.Millisecond)
	require.Eventually(t, func() bool { return len(h.fs.batchesTo("A")) == 2 }, wait, poll)
	require.Equal(t, r, h.fs.batchesTo("A")[1].Range)
	require.Eventually(t, func() bool {
		s := h.status(t, peerA)
		return s.Retry == 0 && s.Sent == 1
	}, wait, poll)
}

func TestCoordinator_UnknownAckLeavesTimeline(t *testing.T) {
	h := start(t, mempool.New(mempool.Config{Capacity: 100, BucketMinFees: []uint64{0, 100}}), testConfig(), nil)
	ctx := context.Background()
	require.NoError(t, h.c.PeerConnected(ctx, peerA, "outbound"))
	require.Eventually(t, func() bool {
		return metricsContain(`mempool_broadcast_total{result="no_txns"} 1`)
	}, wait, poll)

	require.NoError(t, h.c.HandleAck(ctx, peerA, Ack{Range: broadcast.BatchRange{{Start: 0, End: 10}, {Start: 0, End: 10}}}))
	require.Eventually(t, func() bool {
		return metricsContain(`mempool_ack_total{result="unknown_batch"} 1`)
	}, wait, poll)
	require.Equal(t, broadcast.Timeline{0, 0}, h.status(t, peerA).Timeline)

	for i := uint64(0); i < 3; i++ {
		st, err := h.c.Submit(ctx, txn("A", i, 1))
		require.NoError(t, err)
		require.Equal(t, StatusAccepted, st.Code)
	}
	h.waitNext(t, peerA, h.t0.Add(50*time.Millisecond))
	h.advance(50 * time.Millisecond)
	require.Eventually(t, func() bool { return len(h.fs.batchesTo("A")) == 1 }, wait, poll)
	b := h.fs.batchesTo("A")[0]
	require.Equal(t, broadcast.BatchRange{{Start: 0, End: 3}, {Start: 0, End: 0}}, b.Range)
	require.Len(t, b.Txns, 3)
}

func TestCoordinator_ConsecutiveRetriesEnterBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBackoffThreshold = 1
	h := start(t, fivePlusThree(t), cfg, nil)
	ctx := context.Background()
	require.NoError(t, h.c.PeerConnected(ctx, peerA, "outbound"))
	require.Eventually(t, func() bool { return len(h.fs.batchesTo("A")) == 1 }, wait, poll)
	r := h.fs.batchesTo("A")[0].Range
	require.NoError(t, h.c.HandleAck(ctx, peerA, Ack{Range: r, Retry: true}))
	require.Eventually(t, func() bool { return h.status(t, peerA).Backoff }, wait, poll)
}

func TestCoordinator_ResendsAfterAckTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.AckTimeout = 100 * time.Millisecond
	h := start(t, fivePlusThree(t), cfg, nil)
	require.NoError(t, h.c.PeerConnected(context.Background(), peerA, "outbound"))
	require.Eventually(t, func() bool { return len(h.fs.batchesTo("A")) == 1 }, wait, poll)

	h.waitNext(t, peerA, h.t0.Add(50*time.Millisecond))
	h.advance(50 * time.Millisecond)
	h.waitNext(t, peerA, h.t0.Add(100*time.Millisecond))
	require.Len(t, h.fs.batchesTo("A"), 1)

	h.advance(50 * time.Millisecond)
	require.Eventually(t, func() bool { return len(h.fs.batchesTo("A")) == 2 }, wait, poll)
	got := h.fs.batchesTo("A")
	require.Equal(t, got[0].Range, got[1].Range)
}

func TestCoordinator_WindowLimitsPendingBatches(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.MaxBroadcastsPerPeer = 1
	h := start(t, fivePlusThree(t), cfg, nil)
	require.NoError(t, h.c.PeerConnected(context.Background(), peerA, "outbound"))
	require.Eventually(t, func() bool { return len(h.fs.batchesTo("A")) == 1 }, wait, poll)
	require.Len(t, h.fs.batchesTo("A")[0].Txns, 1)

	h.waitNext(t, peerA, h.t0.Add(50*time.Millisecond))
	h.advance(50 * time.Millisecond)
	require.Eventually(t, func() bool {
		return metricsContain(`mempool_broadcast_total{result="too_many_pending"} 1`)
	}, wait, poll)
	require.Len(t, h.fs.batchesTo("A"), 1)
}

func TestCoordinator_QuorumStoreThroughLoop(t *testing.T) {
	reqs := make(chan *quorumstore.Request, 4)
	pool := fivePlusThree(t)
	start(t, pool, testConfig(), nil, WithQuorumStore(reqs))
	qc := quorumstore.NewClient(reqs)
	ctx := context.Background()

	empty, err := qc.GetBatch(ctx, 0, 1<<20, nil)
	require.NoError(t, err)
	require.Empty(t, empty)

	got, err := qc.GetBatch(ctx, 3, 1<<20, nil)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, uint64(500), got[0].Fee)

	require.NoError(t, qc.Reject(ctx, []mempool.Rejected{{Summary: mempool.Summary{Hash: "nope"}}}))
	require.Equal(t, 8, pool.Len())

	require.NoError(t, qc.Reject(ctx, []mempool.Rejected{{Summary: mempool.Summary{Sender: "low", Nonce: 0}, Reason: "expired"}}))
	require.Equal(t, 3, pool.Len())
}

func TestCoordinator_CollectsBatchesWhoseTxnsLeft(t *testing.T) {
	reqs := make(chan *quorumstore.Request, 4)
	pool := fivePlusThree(t)
	h := start(t, pool, testConfig(), nil, WithQuorumStore(reqs))
	ctx := context.Background()
	require.NoError(t, h.c.PeerConnected(ctx, peerA, "outbound"))
	require.Eventually(t, func() bool { return len(h.fs.batchesTo("A")) == 1 }, wait, poll)
	h.waitNext(t, peerA, h.t0.Add(50*time.Millisecond))

	qc := quorumstore.NewClient(reqs)
	require.NoError(t, qc.Reject(ctx, []mempool.Rejected{
		{Summary: mempool.Summary{Sender: "low", Nonce: 0}},
		{Summary: mempool.Summary{Sender: "high", Nonce: 0}},
	}))
	h.advance(50 * time.Millisecond)
	require.Eventually(t, func() bool { return metricsContain(`mempool_batch_gc_total 1`) }, wait, poll)
	require.Eventually(t, func() bool { return h.status(t, peerA).Sent == 0 }, wait, poll)
}

func TestCoordinator_InboundBatchAcked(t *testing.T) {
	pool := mempool.New(mempool.Config{Capacity: 2, BucketMinFees: []uint64{0}})
	sub := bus.NewSubscriber(8)
	h := start(t, pool, testConfig(), bus.New(sub))
	ctx := context.Background()
	r := broadcast.BatchRange{{Start: 0, End: 2}}

	require.NoError(t, h.c.HandleBatch(ctx, peerB, Batch{Range: r, Txns: []*mempool.Txn{txn("X", 0, 1), txn("X", 1, 1)}}))
	require.Eventually(t, func() bool { return len(h.fs.acksTo("B")) == 1 }, wait, poll)
	require.Equal(t, Ack{Range: r}, h.fs.acksTo("B")[0])
	require.Equal(t, 2, pool.Len())
	require.Eventually(t, func() bool {
		select {
		case ev := <-sub:
			return ev.Kind == bus.KindNewTransactions && ev.Peer == peerB.String()
		default:
			return false
		}
	}, wait, poll)

	// full pool asks the peer to retry and back off
	r2 := broadcast.BatchRange{{Start: 2, End: 3}}
	require.NoError(t, h.c.HandleBatch(ctx, peerB, Batch{Range: r2, Txns: []*mempool.Txn{txn("Y", 0, 1)}}))
	require.Eventually(t, func() bool { return len(h.fs.acksTo("B")) == 2 }, wait, poll)
	require.Equal(t, Ack{Range: r2, Retry: true, Backoff: true}, h.fs.acksTo("B")[1])
}

func TestCoordinator_FanOutSkipsClosedSubscriber(t *testing.T) {
	open, closed := bus.NewSubscriber(4), bus.NewSubscriber(4)
	close(closed)
	h := start(t, mempool.New(mempool.DefaultConfig()), testConfig(), bus.New(closed, open))
	require.NoError(t, h.c.PeerConnected(context.Background(), peerA, "outbound"))
	select {
	case ev := <-open:
		require.Equal(t, bus.KindPeerStateChange, ev.Kind)
		require.Equal(t, peerA.String(), ev.Peer)
	case <-time.After(wait):
		t.Fatal("no peer state change delivered")
	}
}

func TestCoordinator_DisconnectDropsState(t *testing.T) {
	h := start(t, mempool.New(mempool.DefaultConfig()), testConfig(), nil)
	ctx := context.Background()
	require.NoError(t, h.c.PeerConnected(ctx, peerA, "outbound"))
	require.NoError(t, h.c.PeerConnected(ctx, peerA, "outbound"))
	require.Eventually(t, func() bool {
		ps, _ := h.c.Peers(ctx)
		return len(ps) == 1
	}, wait, poll)
	require.NoError(t, h.c.PeerDisconnected(ctx, peerA))
	require.Eventually(t, func() bool {
		ps, _ := h.c.Peers(ctx)
		return len(ps) == 0
	}, wait, poll)
}

func TestCoordinator_SubmitAndLookup(t *testing.T) {
	cfg := testConfig()
	cfg.EagerBroadcast = true
	h := start(t, mempool.New(mempool.DefaultConfig()), cfg, nil)
	ctx := context.Background()
	require.NoError(t, h.c.PeerConnected(ctx, peerA, "outbound"))
	h.waitNext(t, peerA, h.t0.Add(50*time.Millisecond))

	tx := txn("C", 0, 10)
	st, err := h.c.Submit(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, st.Code)
	// eager broadcast does not wait for the tick
	require.Eventually(t, func() bool { return len(h.fs.batchesTo("A")) == 1 }, wait, poll)

	st, err = h.c.Submit(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, StatusDuplicate, st.Code)
	st, err = h.c.Submit(ctx, &mempool.Txn{From: "C"})
	require.NoError(t, err)
	require.Equal(t, StatusInvalid, st.Code)

	got, ok, err := h.c.GetByHash(ctx, tx.Hash())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tx.Hash(), got.Hash())
	_, ok, err = h.c.GetByHash(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCoordinator_StoppedRejectsInputs(t *testing.T) {
	metrics.Reset()
	reqs := make(chan *quorumstore.Request, 1)
	c, err := New(mempool.New(mempool.DefaultConfig()), nil, nil, testConfig(), WithClock(clock.NewMock()), WithQuorumStore(reqs))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	_, err = c.Submit(context.Background(), txn("A", 0, 1))
	require.ErrorIs(t, err, ErrStopped)
	require.ErrorIs(t, c.PeerConnected(context.Background(), peerA, ""), ErrStopped)
	require.Error(t, c.Run(context.Background()))
}

func TestCoordinator_ShutdownDropsPendingQuorumStoreRequests(t *testing.T) {
	metrics.Reset()
	reqs := make(chan *quorumstore.Request, 1)
	c, err := New(mempool.New(mempool.DefaultConfig()), nil, nil, testConfig(), WithQuorumStore(reqs))
	require.NoError(t, err)
	qc := quorumstore.NewClient(reqs)
	errs := make(chan error, 1)
	go func() {
		_, err := qc.GetBatch(context.Background(), 1, 1, nil)
		errs <- err
	}()
	require.Eventually(t, func() bool { return len(reqs) == 1 }, wait, poll)
	c.shutdown()
	require.ErrorIs(t, <-errs, quorumstore.ErrResponderGone)
	require.Contains(t, metrics.DumpProm(), "quorumstore_dropped_total 1")
}

func TestCoordinator_QuorumStorePullAfterStopFails(t *testing.T) {
	metrics.Reset()
	reqs := make(chan *quorumstore.Request, 4)
	c, err := New(mempool.New(mempool.DefaultConfig()), nil, nil, testConfig(), WithClock(clock.NewMock()), WithQuorumStore(reqs))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	qc := quorumstore.NewClient(reqs, quorumstore.WithResponderDone(c.Done()))
	errs := make(chan error, 1)
	go func() {
		_, err := qc.GetBatch(context.Background(), 1, 1, nil)
		errs <- err
	}()
	select {
	case err := <-errs:
		require.ErrorIs(t, err, quorumstore.ErrResponderGone)
	case <-time.After(wait):
		t.Fatal("GetBatch blocked after the coordinator stopped")
	}
	require.ErrorIs(t, qc.Reject(context.Background(), nil), quorumstore.ErrResponderGone)
}

func TestService_StartStop(t *testing.T) {
	c, err := New(mempool.New(mempool.DefaultConfig()), nil, nil, testConfig())
	require.NoError(t, err)
	s := NewService(c)
	require.Equal(t, "mempool_coordinator", s.Name())
	require.NoError(t, s.Start(context.Background()))
	st, err := s.Coordinator().Submit(context.Background(), txn("A", 0, 1))
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, st.Code)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}

func metricsContain(s string) bool { return strings.Contains(metrics.DumpProm(), s) }
