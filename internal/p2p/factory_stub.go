//go:build !p2p

package p2p

import (
	"github.com/zmlAEQ/aequa-mempool/pkg/logger"
)

// LibP2PEnabled reports whether this binary carries the libp2p transport.
const LibP2PEnabled = false

// BuildTransport returns a NoopTransport when built without the 'p2p' tag.
func BuildTransport(cfg NetConfig) (Transport, error) {
	if cfg.Enable {
		logger.Warn("p2p transport requested but 'p2p' build tag not enabled; using NoopTransport")
	}
	return &NoopTransport{}, nil
}
