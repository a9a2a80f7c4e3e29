//go:build p2p

package p2p

// LibP2PEnabled reports whether this binary carries the libp2p transport.
const LibP2PEnabled = true
