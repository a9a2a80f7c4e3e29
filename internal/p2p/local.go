package p2p

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zmlAEQ/aequa-mempool/internal/coordinator"
	"github.com/zmlAEQ/aequa-mempool/internal/p2p/wire"
	"github.com/zmlAEQ/aequa-mempool/pkg/metrics"
	"github.com/zmlAEQ/aequa-mempool/pkg/trace"
)

var (
	ErrNotStarted   = errors.New("p2p: transport not started")
	ErrNotConnected = errors.New("p2p: peer not connected")
	ErrInboxFull    = errors.New("p2p: peer inbox full")
)

// LocalNetwork connects LocalTransports in one process. Envelopes are
// encoded on send and decoded by the receiver's pump, as on a real link.
type LocalNetwork struct {
	mu        sync.Mutex
	nodes     map[string]*LocalTransport
	inboxSize int
}

func NewLocalNetwork(inboxSize int) *LocalNetwork {
	if inboxSize <= 0 {
		inboxSize = 256
	}
	return &LocalNetwork{nodes: map[string]*LocalTransport{}, inboxSize: inboxSize}
}

// Join registers a node under id and returns its transport.
func (n *LocalNetwork) Join(id string) *LocalTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &LocalTransport{net: n, id: id, peers: map[string]bool{}}
	n.nodes[id] = t
	return t
}

func (n *LocalNetwork) node(id string) (*LocalTransport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.nodes[id]
	return t, ok
}

// Connect links a (dialer) and b (listener) and notifies both sides.
func (n *LocalNetwork) Connect(a, b string) error {
	ta, ok := n.node(a)
	if !ok {
		return fmt.Errorf("p2p: unknown node %q", a)
	}
	tb, ok := n.node(b)
	if !ok {
		return fmt.Errorf("p2p: unknown node %q", b)
	}
	ta.link(b, true, "outbound")
	tb.link(a, true, "inbound")
	return nil
}

// Disconnect unlinks a and b and notifies both sides.
func (n *LocalNetwork) Disconnect(a, b string) {
	if ta, ok := n.node(a); ok {
		ta.link(b, false, "")
	}
	if tb, ok := n.node(b); ok {
		tb.link(a, false, "")
	}
}

type localMsg struct {
	from string
	data []byte
}

// LocalTransport is one node's end of a LocalNetwork.
type LocalTransport struct {
	net *LocalNetwork
	id  string

	mu      sync.Mutex
	peers   map[string]bool
	inbox   chan localMsg
	cancel  context.CancelFunc
	g       *errgroup.Group
	onBatch func(string, coordinator.Batch)
	onAck   func(string, coordinator.Ack)
	onPeer  func(string, bool, string)
}

func (t *LocalTransport) ID() string { return t.id }

func (t *LocalTransport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inbox != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	t.inbox = make(chan localMsg, t.net.inboxSize)
	inbox := t.inbox
	g.Go(func() error { return t.pump(gctx, inbox) })
	t.cancel, t.g = cancel, g
	return nil
}

func (t *LocalTransport) Stop(_ context.Context) error {
	t.mu.Lock()
	cancel, g := t.cancel, t.g
	t.cancel, t.g, t.inbox = nil, nil, nil
	t.mu.Unlock()
	if g == nil {
		return nil
	}
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (t *LocalTransport) pump(ctx context.Context, inbox <-chan localMsg) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-inbox:
			t.dispatch(m)
		}
	}
}

func (t *LocalTransport) dispatch(m localMsg) {
	env, err := wire.Decode(bytes.NewReader(m.data))
	if err != nil {
		metrics.Inc(MetricP2PMessagesTotal, map[string]string{"kind": "unknown", "direction": "rx", "result": "decode_error"})
		return
	}
	metrics.Inc(MetricP2PMessagesTotal, map[string]string{"kind": env.Kind, "direction": "rx", "result": "ok"})
	metrics.Add(MetricP2PBytesTotal, map[string]string{"kind": env.Kind, "direction": "rx"}, float64(len(m.data)))
	t.mu.Lock()
	onBatch, onAck := t.onBatch, t.onAck
	t.mu.Unlock()
	switch env.Kind {
	case wire.KindBatch:
		if onBatch != nil {
			onBatch(m.from, env.Batch.ToInternal())
		}
	case wire.KindAck:
		if onAck != nil {
			onAck(m.from, env.Ack.ToInternal())
		}
	}
}

func (t *LocalTransport) link(peer string, up bool, origin string) {
	t.mu.Lock()
	was := t.peers[peer]
	if up {
		t.peers[peer] = true
	} else {
		delete(t.peers, peer)
	}
	onPeer := t.onPeer
	t.mu.Unlock()
	if was == up {
		return
	}
	event := "connected"
	if !up {
		event = "disconnected"
	}
	metrics.Inc(MetricP2PPeerEvents, map[string]string{"event": event})
	if onPeer != nil {
		onPeer(peer, up, origin)
	}
}

func (t *LocalTransport) SendBatch(ctx context.Context, peer string, b coordinator.Batch) error {
	id, _ := trace.FromContext(ctx)
	return t.send(peer, wire.BatchFromInternal(b, id))
}

func (t *LocalTransport) SendAck(ctx context.Context, peer string, a coordinator.Ack) error {
	id, _ := trace.FromContext(ctx)
	return t.send(peer, wire.AckFromInternal(a, id))
}

func (t *LocalTransport) send(peer string, env wire.Envelope) error {
	t.mu.Lock()
	connected := t.peers[peer]
	t.mu.Unlock()
	if !connected {
		metrics.Inc(MetricP2PMessagesTotal, map[string]string{"kind": env.Kind, "direction": "tx", "result": "not_connected"})
		return fmt.Errorf("%w: %s", ErrNotConnected, peer)
	}
	target, ok := t.net.node(peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, peer)
	}
	var buf bytes.Buffer
	if err := wire.Encode(&buf, env); err != nil {
		return err
	}
	if err := target.deliver(localMsg{from: t.id, data: buf.Bytes()}); err != nil {
		metrics.Inc(MetricP2PMessagesTotal, map[string]string{"kind": env.Kind, "direction": "tx", "result": "error"})
		return err
	}
	metrics.Inc(MetricP2PMessagesTotal, map[string]string{"kind": env.Kind, "direction": "tx", "result": "ok"})
	metrics.Add(MetricP2PBytesTotal, map[string]string{"kind": env.Kind, "direction": "tx"}, float64(buf.Len()))
	return nil
}

func (t *LocalTransport) deliver(m localMsg) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inbox == nil {
		return ErrNotStarted
	}
	select {
	case t.inbox <- m:
		return nil
	default:
		return ErrInboxFull
	}
}

func (t *LocalTransport) OnBatch(fn func(string, coordinator.Batch)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onBatch = fn
}

func (t *LocalTransport) OnAck(fn func(string, coordinator.Ack)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onAck = fn
}

func (t *LocalTransport) OnPeer(fn func(string, bool, string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPeer = fn
}

var _ Transport = (*LocalTransport)(nil)
