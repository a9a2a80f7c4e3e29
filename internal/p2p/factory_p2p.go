//go:build p2p

package p2p

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	p2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	peer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/zmlAEQ/aequa-mempool/internal/coordinator"
	"github.com/zmlAEQ/aequa-mempool/internal/p2p/wire"
	"github.com/zmlAEQ/aequa-mempool/pkg/logger"
	"github.com/zmlAEQ/aequa-mempool/pkg/metrics"
	"github.com/zmlAEQ/aequa-mempool/pkg/trace"
)

const protoBroadcast = protocol.ID(wire.ProtocolBroadcast)

// BuildTransport constructs a libp2p stream transport when 'p2p' tag enabled.
func BuildTransport(cfg NetConfig) (Transport, error) {
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 5 * time.Second
	}
	return &Libp2pTransport{cfg: cfg}, nil
}

// Libp2pTransport implements Transport with one short-lived libp2p stream
// per envelope.
type Libp2pTransport struct {
	cfg  NetConfig
	host p2phost.Host

	mu      sync.RWMutex
	onBatch func(string, coordinator.Batch)
	onAck   func(string, coordinator.Ack)
	onPeer  func(string, bool, string)
	cancel  context.CancelFunc
	g       *errgroup.Group
}

func (t *Libp2pTransport) Start(ctx context.Context) error {
	if !t.cfg.Enable {
		return nil
	}
	opts := []libp2p.Option{}
	if len(t.cfg.Listen) > 0 {
		var addrs []ma.Multiaddr
		for _, s := range t.cfg.Listen {
			if strings.TrimSpace(s) == "" {
				continue
			}
			a, err := ma.NewMultiaddr(s)
			if err != nil {
				return err
			}
			addrs = append(addrs, a)
		}
		if len(addrs) > 0 {
			opts = append(opts, libp2p.ListenAddrs(addrs...))
		}
	}
	if t.cfg.NAT {
		opts = append(opts, libp2p.NATPortMap())
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return err
	}
	t.host = h
	h.SetStreamHandler(protoBroadcast, t.handleStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			origin := "outbound"
			if c.Stat().Direction == network.DirInbound {
				origin = "inbound"
			}
			t.peerEvent(c.RemotePeer().String(), true, origin)
		},
		DisconnectedF: func(n network.Network, c network.Conn) {
			// other connections to the same peer may remain
			if n.Connectedness(c.RemotePeer()) == network.Connected {
				return
			}
			t.peerEvent(c.RemotePeer().String(), false, "")
		},
	})

	rctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(rctx)
	t.mu.Lock()
	t.cancel, t.g = cancel, g
	t.mu.Unlock()

	// connect bootnodes (best effort)
	for _, b := range t.cfg.Bootnodes {
		if strings.TrimSpace(b) == "" {
			continue
		}
		addr := b
		g.Go(func() error {
			if err := connectOnce(gctx, h, addr); err != nil {
				logger.WarnJ("p2p_bootnode", map[string]any{"addr": addr, "result": "error", "err": err.Error()})
			}
			return nil
		})
	}

	// Log self peer id and listen addrs for operators to copy into bootnodes.txt
	for _, a := range h.Addrs() {
		logger.InfoJ("p2p_addr", map[string]any{"self_id": h.ID().String(), "addr": a.String()})
	}
	logger.InfoJ("p2p_start", map[string]any{"result": "ok", "protocol": wire.ProtocolBroadcast})
	return nil
}

func (t *Libp2pTransport) Stop(_ context.Context) error {
	t.mu.Lock()
	cancel, g := t.cancel, t.g
	t.cancel, t.g = nil, nil
	t.mu.Unlock()
	var err error
	if cancel != nil {
		cancel()
		err = multierr.Append(err, g.Wait())
	}
	if t.host != nil {
		t.host.RemoveStreamHandler(protoBroadcast)
		err = multierr.Append(err, t.host.Close())
		t.host = nil
	}
	return err
}

func (t *Libp2pTransport) peerEvent(id string, up bool, origin string) {
	event := "connected"
	if !up {
		event = "disconnected"
	}
	metrics.Inc(MetricP2PPeerEvents, map[string]string{"event": event})
	t.mu.RLock()
	fn := t.onPeer
	t.mu.RUnlock()
	if fn != nil {
		fn(id, up, origin)
	}
}

func (t *Libp2pTransport) SendBatch(ctx context.Context, to string, b coordinator.Batch) error {
	id, _ := trace.FromContext(ctx)
	return t.send(ctx, to, wire.BatchFromInternal(b, id))
}

func (t *Libp2pTransport) SendAck(ctx context.Context, to string, a coordinator.Ack) error {
	id, _ := trace.FromContext(ctx)
	return t.send(ctx, to, wire.AckFromInternal(a, id))
}

func (t *Libp2pTransport) send(ctx context.Context, to string, env wire.Envelope) error {
	if t.host == nil {
		return errors.New("p2p not started")
	}
	pid, err := peer.Decode(to)
	if err != nil {
		return err
	}
	s, err := t.host.NewStream(ctx, pid, protoBroadcast)
	if err != nil {
		metrics.Inc(MetricP2PMessagesTotal, map[string]string{"kind": env.Kind, "direction": "tx", "result": "error"})
		return err
	}
	_ = s.SetWriteDeadline(time.Now().Add(t.cfg.StreamTimeout))
	cw := &countingWriter{w: s}
	if err := wire.Encode(cw, env); err != nil {
		_ = s.Reset()
		metrics.Inc(MetricP2PMessagesTotal, map[string]string{"kind": env.Kind, "direction": "tx", "result": "error"})
		return err
	}
	if err := s.Close(); err != nil {
		metrics.Inc(MetricP2PMessagesTotal, map[string]string{"kind": env.Kind, "direction": "tx", "result": "error"})
		return err
	}
	metrics.Inc(MetricP2PMessagesTotal, map[string]string{"kind": env.Kind, "direction": "tx", "result": "ok"})
	metrics.Add(MetricP2PBytesTotal, map[string]string{"kind": env.Kind, "direction": "tx"}, float64(cw.n))
	return nil
}

func (t *Libp2pTransport) handleStream(s network.Stream) {
	defer s.Close()
	_ = s.SetReadDeadline(time.Now().Add(t.cfg.StreamTimeout))
	from := s.Conn().RemotePeer().String()
	env, err := wire.Decode(s)
	if err != nil {
		_ = s.Reset()
		metrics.Inc(MetricP2PMessagesTotal, map[string]string{"kind": "unknown", "direction": "rx", "result": "decode_error"})
		return
	}
	metrics.Inc(MetricP2PMessagesTotal, map[string]string{"kind": env.Kind, "direction": "rx", "result": "ok"})
	t.mu.RLock()
	onBatch, onAck := t.onBatch, t.onAck
	t.mu.RUnlock()
	switch env.Kind {
	case wire.KindBatch:
		if onBatch != nil {
			onBatch(from, env.Batch.ToInternal())
		}
	case wire.KindAck:
		if onAck != nil {
			onAck(from, env.Ack.ToInternal())
		}
	}
}

func (t *Libp2pTransport) OnBatch(fn func(string, coordinator.Batch)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onBatch = fn
}

func (t *Libp2pTransport) OnAck(fn func(string, coordinator.Ack)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onAck = fn
}

func (t *Libp2pTransport) OnPeer(fn func(string, bool, string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPeer = fn
}

func connectOnce(ctx context.Context, h p2phost.Host, addr string) error {
	maAddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(maAddr)
	if err != nil {
		return err
	}
	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return h.Connect(ctx2, *info)
}

type countingWriter struct {
	w io.Writer
	n int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += n
	return n, err
}
