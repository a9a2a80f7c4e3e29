package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zmlAEQ/aequa-mempool/internal/api"
	"github.com/zmlAEQ/aequa-mempool/internal/broadcast"
	"github.com/zmlAEQ/aequa-mempool/internal/coordinator"
	"github.com/zmlAEQ/aequa-mempool/internal/mempool"
	"github.com/zmlAEQ/aequa-mempool/internal/monitoring"
	"github.com/zmlAEQ/aequa-mempool/internal/p2p"
	"github.com/zmlAEQ/aequa-mempool/internal/quorumstore"
	"github.com/zmlAEQ/aequa-mempool/pkg/bus"
	"github.com/zmlAEQ/aequa-mempool/pkg/lifecycle"
	"github.com/zmlAEQ/aequa-mempool/pkg/logger"
)

func main() {
	var (
		apiAddr   string
		monAddr   string
		network   string
		logLevel  string
		buckets   string
		capacity  int
		p2pEnable bool
		p2pListen string
		p2pBoot   string
		p2pNAT    bool
	)
	cc := coordinator.DefaultConfig()
	flag.StringVar(&apiAddr, "api", "127.0.0.1:4600", "Client API listen address")
	flag.StringVar(&monAddr, "monitoring", "127.0.0.1:4620", "Monitoring listen address")
	flag.StringVar(&network, "network", string(broadcast.NetworkValidator), "Network this node's transport serves (validator|vfn|public)")
	flag.StringVar(&logLevel, "log-level", "", "Log level override (debug|info|warn|error); defaults to AEQUA_LOG_LEVEL")
	flag.StringVar(&buckets, "pool.buckets", "0,100,1000", "Comma-separated ascending minimum fee per broadcast bucket")
	flag.IntVar(&capacity, "pool.capacity", mempool.DefaultConfig().Capacity, "Maximum pooled transactions")
	flag.DurationVar(&cc.TickInterval, "broadcast.tick", cc.TickInterval, "Delay between broadcast rounds per peer")
	flag.IntVar(&cc.BackoffMultiplier, "broadcast.backoff-multiplier", cc.BackoffMultiplier, "Tick multiplier for peers in backoff")
	flag.IntVar(&cc.BatchSize, "broadcast.batch-size", cc.BatchSize, "Maximum transactions per broadcast batch")
	flag.IntVar(&cc.MaxBroadcastsPerPeer, "broadcast.max-pending", cc.MaxBroadcastsPerPeer, "Maximum unacked batches per peer")
	flag.DurationVar(&cc.AckTimeout, "broadcast.ack-timeout", cc.AckTimeout, "Resend a batch not acked within this long")
	flag.BoolVar(&cc.EagerBroadcast, "broadcast.eager", cc.EagerBroadcast, "Broadcast new transactions without waiting for the tick")
	flag.BoolVar(&p2pEnable, "p2p.enable", false, "Enable P2P transport (libp2p streams, behind 'p2p' build tag)")
	flag.StringVar(&p2pListen, "p2p.listen", "", "P2P listen multiaddr (e.g. /ip4/0.0.0.0/tcp/31000)")
	flag.StringVar(&p2pBoot, "p2p.bootnodes", "", "Comma-separated bootnode multiaddrs or path to file")
	flag.BoolVar(&p2pNAT, "p2p.nat", false, "Enable NAT port mapping")
	flag.Parse()

	if logLevel != "" {
		logger.SetLevel(logLevel)
	}
	defer func() { _ = logger.Sync() }()

	fees, err := parseBuckets(buckets)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(2)
	}
	nid, err := parseNetwork(network)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool := mempool.New(mempool.Config{Capacity: capacity, BucketMinFees: fees})

	cfg := p2p.NetConfig{Enable: p2pEnable, NAT: p2pNAT}
	if p2pListen != "" {
		cfg.Listen = []string{p2pListen}
	}
	cfg.Bootnodes = parseBootnodes(p2pBoot)
	t, err := p2p.BuildTransport(cfg)
	if err != nil {
		logger.ErrorJ("p2p_transport", map[string]any{"result": "error", "err": err.Error()})
		os.Exit(1)
	}

	apiEvents := bus.NewSubscriber(256)
	qsRequests := make(chan *quorumstore.Request, cc.RequestQueueSize)
	coord, err := coordinator.New(pool, map[broadcast.NetworkID]coordinator.Sender{nid: t}, bus.New(apiEvents), cc,
		coordinator.WithQuorumStore(qsRequests))
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	p2p.Bind(t, nid, coord)

	apiCfg := api.DefaultConfig()
	apiCfg.Addr = apiAddr

	m := lifecycle.New()
	m.Add(monitoring.New(monAddr))
	m.Add(coordinator.NewService(coord))
	m.Add(p2p.NewNetService(string(nid), t))
	m.Add(api.New(apiCfg, coord, apiEvents))

	if err := m.StartAll(ctx); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	logger.InfoJ("node_start", map[string]any{"network": string(nid), "buckets": len(fees), "libp2p": p2p.LibP2PEnabled && p2pEnable})
	<-ctx.Done()
	stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := m.StopAll(stopCtx); err != nil {
		logger.Error(err.Error())
	}
}
