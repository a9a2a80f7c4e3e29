package p2p

import "time"

// NetConfig carries runtime options for one network's P2P transport.
type NetConfig struct {
	Enable    bool
	Listen    []string // multiaddrs to listen on; empty => libp2p default
	Bootnodes []string // multiaddrs to dial on start
	NAT       bool     // enable NAT port mapping if available
	// StreamTimeout bounds writing or reading one envelope.
	StreamTimeout time.Duration
}
