// Package coordinator runs the shared mempool: it owns every connected
// peer's sync state and drives broadcast rounds, acks, inbound batches,
// quorum-store pulls and client submissions from one goroutine.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zmlAEQ/aequa-mempool/internal/broadcast"
	"github.com/zmlAEQ/aequa-mempool/internal/mempool"
	"github.com/zmlAEQ/aequa-mempool/internal/quorumstore"
	"github.com/zmlAEQ/aequa-mempool/pkg/bus"
	"github.com/zmlAEQ/aequa-mempool/pkg/logger"
	"github.com/zmlAEQ/aequa-mempool/pkg/metrics"
	"github.com/zmlAEQ/aequa-mempool/pkg/trace"
)

// ErrStopped is returned by inputs once the loop has exited.
var ErrStopped = errors.New("coordinator: stopped")

type eventKind int

const (
	evConnect eventKind = iota + 1
	evDisconnect
	evAck
	evBatch
)

type event struct {
	kind    eventKind
	peer    broadcast.PeerNetworkID
	origin  string
	ack     Ack
	batch   Batch
	traceID string
}

type clientOp int

const (
	opSubmit clientOp = iota + 1
	opGet
	opPeers
)

type clientReq struct {
	op      clientOp
	txn     *mempool.Txn
	hash    string
	traceID string
	reply   chan clientResp
}

type clientResp struct {
	status SubmissionStatus
	txn    *mempool.Txn
	found  bool
	peers  []PeerStatus
}

type Option func(*Coordinator)

// WithClock substitutes the clock, for tests.
func WithClock(clk clock.Clock) Option { return func(c *Coordinator) { c.clk = clk } }

// WithQuorumStore attaches the channel the ordering component sends
// requests on.
func WithQuorumStore(requests <-chan *quorumstore.Request) Option {
	return func(c *Coordinator) { c.qs = requests }
}

// Coordinator is the mempool's single-writer event loop. Its inputs may be
// called from any goroutine.
type Coordinator struct {
	cfg     Config
	clk     clock.Clock
	store   Store
	senders map[broadcast.NetworkID]Sender
	bus     *bus.Bus

	peers map[broadcast.PeerNetworkID]*broadcast.SyncState
	sched *broadcast.Queue
	seen  *lru.Cache[string, struct{}]

	events  chan event
	client  chan clientReq
	qs      <-chan *quorumstore.Request
	done    chan struct{}
	running atomic.Bool
}

// New builds a coordinator. subscribers may be nil.
func New(store Store, senders map[broadcast.NetworkID]Sender, subscribers *bus.Bus, cfg Config, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("coordinator: nil store")
	}
	cfg = cfg.withDefaults()
	if subscribers == nil {
		subscribers = bus.New()
	}
	seen, err := lru.New[string, struct{}](cfg.SeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("coordinator: seen cache: %w", err)
	}
	c := &Coordinator{
		cfg:     cfg,
		clk:     clock.New(),
		store:   store,
		senders: senders,
		bus:     subscribers,
		peers:   map[broadcast.PeerNetworkID]*broadcast.SyncState{},
		seen:    seen,
		events:  make(chan event, cfg.EventQueueSize),
		client:  make(chan clientReq, cfg.RequestQueueSize),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.sched = broadcast.NewQueue(c.clk)
	return c, nil
}

// Run drives the loop until ctx is done. On exit every pending quorum-store
// request is dropped and later inputs fail with ErrStopped. Run may be
// called once.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("coordinator: already running")
	}
	defer c.shutdown()
	logger.InfoJ("mempool_coordinator", map[string]any{"result": "start", "buckets": c.store.NumBuckets()})
	for {
		select {
		case <-ctx.Done():
			logger.InfoJ("mempool_coordinator", map[string]any{"result": "stop", "peers": len(c.peers)})
			return nil
		case <-c.sched.C():
			for _, f := range c.sched.Ready() {
				c.broadcastRound(ctx, f)
			}
		case ev := <-c.events:
			c.handleEvent(ctx, ev)
		case req, ok := <-c.qs:
			if !ok {
				c.qs = nil
				continue
			}
			c.handleQuorumStore(req)
		case req := <-c.client:
			c.handleClient(ctx, req)
		}
	}
}

func (c *Coordinator) shutdown() {
	close(c.done)
	for peer := range c.peers {
		c.sched.Remove(peer)
	}
	dropped := 0
	for c.qs != nil {
		select {
		case req, ok := <-c.qs:
			if !ok {
				c.qs = nil
				continue
			}
			req.Drop()
			dropped++
		default:
			c.qs = nil
		}
	}
	if dropped > 0 {
		metrics.Add("quorumstore_dropped_total", nil, float64(dropped))
	}
}

func (c *Coordinator) handleEvent(ctx context.Context, ev event) {
	switch ev.kind {
	case evConnect:
		c.peerConnected(ctx, ev.peer, ev.origin)
	case evDisconnect:
		c.peerDisconnected(ctx, ev.peer)
	case evAck:
		c.handleAck(ctx, ev.peer, ev.ack)
	case evBatch:
		c.handleBatch(ctx, ev.peer, ev.batch, ev.traceID)
	}
}

func (c *Coordinator) enqueue(ctx context.Context, ev event) error {
	if id, ok := trace.FromContext(ctx); ok {
		ev.traceID = id
	}
	if c.stopped() {
		return ErrStopped
	}
	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PeerConnected registers a new upstream peer and schedules its first round.
func (c *Coordinator) PeerConnected(ctx context.Context, peer broadcast.PeerNetworkID, origin string) error {
	return c.enqueue(ctx, event{kind: evConnect, peer: peer, origin: origin})
}

// PeerDisconnected drops a peer's state and its scheduled round.
func (c *Coordinator) PeerDisconnected(ctx context.Context, peer broadcast.PeerNetworkID) error {
	return c.enqueue(ctx, event{kind: evDisconnect, peer: peer})
}

// HandleAck feeds a peer's ack of one of our batches into the loop.
func (c *Coordinator) HandleAck(ctx context.Context, peer broadcast.PeerNetworkID, a Ack) error {
	return c.enqueue(ctx, event{kind: evAck, peer: peer, ack: a})
}

// HandleBatch feeds a batch broadcast by a peer into the loop.
func (c *Coordinator) HandleBatch(ctx context.Context, peer broadcast.PeerNetworkID, b Batch) error {
	return c.enqueue(ctx, event{kind: evBatch, peer: peer, batch: b})
}

func (c *Coordinator) call(ctx context.Context, req clientReq) (clientResp, error) {
	req.reply = make(chan clientResp, 1)
	if id, ok := trace.FromContext(ctx); ok {
		req.traceID = id
	}
	if c.stopped() {
		return clientResp{}, ErrStopped
	}
	select {
	case c.client <- req:
	case <-c.done:
		return clientResp{}, ErrStopped
	case <-ctx.Done():
		return clientResp{}, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r, nil
	case <-ctx.Done():
		return clientResp{}, ctx.Err()
	case <-c.done:
		// the loop answers before it closes done
		select {
		case r := <-req.reply:
			return r, nil
		default:
			return clientResp{}, ErrStopped
		}
	}
}

// Submit adds a client transaction to the local pool.
func (c *Coordinator) Submit(ctx context.Context, txn *mempool.Txn) (SubmissionStatus, error) {
	r, err := c.call(ctx, clientReq{op: opSubmit, txn: txn})
	return r.status, err
}

// GetByHash looks a pooled transaction up.
func (c *Coordinator) GetByHash(ctx context.Context, hash string) (*mempool.Txn, bool, error) {
	r, err := c.call(ctx, clientReq{op: opGet, hash: hash})
	return r.txn, r.found, err
}

// Peers returns the sync state of every connected peer.
func (c *Coordinator) Peers(ctx context.Context) ([]PeerStatus, error) {
	r, err := c.call(ctx, clientReq{op: opPeers})
	return r.peers, err
}

// Done is closed once Run has exited. Pass it to quorumstore.NewClient with
// WithResponderDone so pulls fail fast after shutdown.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Coordinator) notify(ctx context.Context, kind bus.Kind, peer string, traceID string) {
	c.bus.Publish(ctx, bus.Event{Kind: kind, Peer: peer, At: c.clk.Now(), TraceID: traceID})
}
