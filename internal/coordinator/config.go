package coordinator

import (
	"os"
	"time"
)

// Config tunes the broadcast cadence and windows.
type Config struct {
	// TickInterval is the delay between two broadcast rounds for a peer.
	TickInterval time.Duration
	// BackoffMultiplier stretches TickInterval for peers in backoff.
	BackoffMultiplier int
	// BatchSize caps the transactions read into a new batch.
	BatchSize int
	// MaxBroadcastsPerPeer caps unacked batches per peer.
	MaxBroadcastsPerPeer int
	// AckTimeout is how long a sent batch waits for its ack before resend.
	AckTimeout time.Duration
	// RetryBackoffThreshold puts a peer in backoff after this many
	// consecutive retry acks.
	RetryBackoffThreshold int
	// SendTimeout bounds one SendBatch/SendAck call.
	SendTimeout time.Duration
	// SeenCacheSize sizes the inbound duplicate filter.
	SeenCacheSize int
	// EventQueueSize and RequestQueueSize size the loop's inbound channels.
	EventQueueSize   int
	RequestQueueSize int
	// EagerBroadcast schedules an immediate round for every non-backoff peer
	// when new transactions arrive.
	EagerBroadcast bool
}

func DefaultConfig() Config {
	return Config{
		TickInterval:          50 * time.Millisecond,
		BackoffMultiplier:     10,
		BatchSize:             300,
		MaxBroadcastsPerPeer:  20,
		AckTimeout:            2 * time.Second,
		RetryBackoffThreshold: 3,
		SendTimeout:           time.Second,
		SeenCacheSize:         10_000,
		EventQueueSize:        1024,
		RequestQueueSize:      64,
		EagerBroadcast:        os.Getenv("AEQUA_MEMPOOL_EAGER_BROADCAST") == "1",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxBroadcastsPerPeer <= 0 {
		c.MaxBroadcastsPerPeer = d.MaxBroadcastsPerPeer
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.RetryBackoffThreshold <= 0 {
		c.RetryBackoffThreshold = d.RetryBackoffThreshold
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.SeenCacheSize <= 0 {
		c.SeenCacheSize = d.SeenCacheSize
	}
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = d.EventQueueSize
	}
	if c.RequestQueueSize <= 0 {
		c.RequestQueueSize = d.RequestQueueSize
	}
	return c
}
