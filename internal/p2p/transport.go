package p2p

import (
	"context"

	"github.com/zmlAEQ/aequa-mempool/internal/coordinator"
)

// Transport is the P2P transport abstraction used by the node: directed,
// per-peer delivery of mempool batches and their acks on one network.
// Implementations (libp2p streams, in-memory) live behind build tags or in
// tests.
type Transport interface {
	// Start brings up the network stack and stream handlers.
	Start(ctx context.Context) error
	// Stop gracefully shuts the network stack down.
	Stop(ctx context.Context) error

	// SendBatch and SendAck deliver to one peer; they satisfy
	// coordinator.Sender.
	SendBatch(ctx context.Context, peer string, b coordinator.Batch) error
	SendAck(ctx context.Context, peer string, a coordinator.Ack) error

	// OnBatch registers a handler invoked on each inbound batch.
	OnBatch(fn func(peer string, b coordinator.Batch))
	// OnAck registers a handler invoked on each inbound ack.
	OnAck(fn func(peer string, a coordinator.Ack))
	// OnPeer registers a handler invoked when a peer connects (up) or
	// disconnects. origin is "inbound" or "outbound".
	OnPeer(fn func(peer string, up bool, origin string))
}

var _ coordinator.Sender = (Transport)(nil)

// NoopTransport is a stub implementation used when P2P is disabled.
// It satisfies the interface without performing any network I/O.
type NoopTransport struct {
	onBatch func(string, coordinator.Batch)
	onAck   func(string, coordinator.Ack)
	onPeer  func(string, bool, string)
}

func (n *NoopTransport) Start(_ context.Context) error { return nil }
func (n *NoopTransport) Stop(_ context.Context) error  { return nil }

func (n *NoopTransport) SendBatch(_ context.Context, _ string, _ coordinator.Batch) error {
	return nil
}
func (n *NoopTransport) SendAck(_ context.Context, _ string, _ coordinator.Ack) error { return nil }

func (n *NoopTransport) OnBatch(fn func(string, coordinator.Batch)) { n.onBatch = fn }
func (n *NoopTransport) OnAck(fn func(string, coordinator.Ack))     { n.onAck = fn }
func (n *NoopTransport) OnPeer(fn func(string, bool, string))       { n.onPeer = fn }
