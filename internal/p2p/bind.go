package p2p

import (
	"context"

	"github.com/zmlAEQ/aequa-mempool/internal/broadcast"
	"github.com/zmlAEQ/aequa-mempool/internal/coordinator"
	"github.com/zmlAEQ/aequa-mempool/pkg/logger"
)

// Inbound is the side of the coordinator transports feed.
type Inbound interface {
	PeerConnected(ctx context.Context, peer broadcast.PeerNetworkID, origin string) error
	PeerDisconnected(ctx context.Context, peer broadcast.PeerNetworkID) error
	HandleBatch(ctx context.Context, peer broadcast.PeerNetworkID, b coordinator.Batch) error
	HandleAck(ctx context.Context, peer broadcast.PeerNetworkID, a coordinator.Ack) error
}

// Bind routes t's inbound traffic for network into in. Handlers only enqueue.
func Bind(t Transport, network broadcast.NetworkID, in Inbound) {
	id := func(peer string) broadcast.PeerNetworkID {
		return broadcast.PeerNetworkID{Network: network, Peer: peer}
	}
	report := func(op, peer string, err error) {
		if err != nil {
			logger.WarnJ("p2p_inbound", map[string]any{"op": op, "peer": peer, "network": string(network), "err": err.Error()})
		}
	}
	ctx := context.Background()
	t.OnPeer(func(peer string, up bool, origin string) {
		if up {
			report("connect", peer, in.PeerConnected(ctx, id(peer), origin))
			return
		}
		report("disconnect", peer, in.PeerDisconnected(ctx, id(peer)))
	})
	t.OnBatch(func(peer string, b coordinator.Batch) {
		report("batch", peer, in.HandleBatch(ctx, id(peer), b))
	})
	t.OnAck(func(peer string, a coordinator.Ack) {
		report("ack", peer, in.HandleAck(ctx, id(peer), a))
	})
}
