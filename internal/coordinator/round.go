package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/zmlAEQ/aequa-mempool/internal/broadcast"
	"github.com/zmlAEQ/aequa-mempool/internal/mempool"
	"github.com/zmlAEQ/aequa-mempool/internal/quorumstore"
	"github.com/zmlAEQ/aequa-mempool/pkg/bus"
	"github.com/zmlAEQ/aequa-mempool/pkg/logger"
	"github.com/zmlAEQ/aequa-mempool/pkg/metrics"
)

func (c *Coordinator) peerConnected(ctx context.Context, peer broadcast.PeerNetworkID, origin string) {
	if _, ok := c.peers[peer]; ok {
		logger.DebugJ("mempool_peer", map[string]any{"peer": peer.String(), "result": "already_connected"})
		return
	}
	md := broadcast.ConnMetadata{Peer: peer, ConnectedAt: c.clk.Now(), Origin: origin}
	c.peers[peer] = broadcast.NewSyncState(md, c.store.NumBuckets())
	c.sched.Schedule(c.clk.Now(), peer, false)
	metrics.SetGauge("mempool_peers", map[string]string{"network": string(peer.Network)}, float64(c.countPeers(peer.Network)))
	logger.InfoJ("mempool_peer", map[string]any{"peer": peer.String(), "origin": origin, "result": "connected"})
	c.notify(ctx, bus.KindPeerStateChange, peer.String(), "")
}

func (c *Coordinator) peerDisconnected(ctx context.Context, peer broadcast.PeerNetworkID) {
	if _, ok := c.peers[peer]; !ok {
		return
	}
	delete(c.peers, peer)
	c.sched.Remove(peer)
	metrics.SetGauge("mempool_peers", map[string]string{"network": string(peer.Network)}, float64(c.countPeers(peer.Network)))
	logger.InfoJ("mempool_peer", map[string]any{"peer": peer.String(), "result": "disconnected"})
	c.notify(ctx, bus.KindPeerStateChange, peer.String(), "")
}

func (c *Coordinator) countPeers(network broadcast.NetworkID) int {
	n := 0
	for p := range c.peers {
		if p.Network == network {
			n++
		}
	}
	return n
}

// broadcastRound runs one scheduled round for f.Peer and arms the next one.
func (c *Coordinator) broadcastRound(ctx context.Context, f broadcast.Fire) {
	ps, ok := c.peers[f.Peer]
	if !ok {
		metrics.Inc("mempool_broadcast_total", map[string]string{"result": "peer_gone"})
		return
	}
	st := ps.Broadcast
	// only a round scheduled in backoff mode may leave it
	if f.Backoff {
		st.DisableBackoff()
	}
	result := c.tryBroadcast(ctx, ps, f)
	metrics.Inc("mempool_broadcast_total", map[string]string{"result": result})
	c.reschedule(f.Peer, st)
}

func (c *Coordinator) reschedule(peer broadcast.PeerNetworkID, st *broadcast.State) {
	d := c.cfg.TickInterval
	if st.Backoff() {
		d *= time.Duration(c.cfg.BackoffMultiplier)
	}
	c.sched.Schedule(c.clk.Now().Add(d), peer, st.Backoff())
}

func (c *Coordinator) tryBroadcast(ctx context.Context, ps *broadcast.SyncState, f broadcast.Fire) string {
	st := ps.Broadcast
	if st.Backoff() && !f.Backoff {
		return "backoff_skip"
	}
	now := c.clk.Now()
	c.collectPending(st)
	b, resend, skip := c.pickBatch(ps, now)
	if skip != "" {
		return skip
	}
	sender, ok := c.senders[f.Peer.Network]
	if !ok {
		logger.WarnJ("mempool_broadcast", map[string]any{"peer": f.Peer.String(), "result": "no_sender"})
		return "no_sender"
	}
	sctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	err := sender.SendBatch(sctx, f.Peer.Peer, b)
	cancel()
	if err != nil {
		st.EnableBackoff()
		logger.WarnJ("mempool_broadcast", map[string]any{"peer": f.Peer.String(), "batch": b.Range.String(), "result": "error", "err": err.Error()})
		return "error"
	}
	if resend {
		st.Resend(b.Range, now)
	} else {
		st.RecordSent(b.Range, now)
	}
	ps.Timeline.Update(b.Range)
	metrics.Add("mempool_broadcast_txns_total", nil, float64(len(b.Txns)))
	logger.DebugJ("mempool_broadcast", map[string]any{"peer": f.Peer.String(), "batch": b.Range.String(), "txns": len(b.Txns), "resend": resend, "result": "ok"})
	c.notify(ctx, bus.KindBroadcast, f.Peer.String(), "")
	return "ok"
}

// collectPending forgets unacked batches none of whose transactions are
// still pooled.
func (c *Coordinator) collectPending(st *broadcast.State) {
	for _, r := range slices.Concat(st.Sent(), st.Retry()) {
		if len(c.store.TimelineRange(r)) == 0 {
			st.Forget(r)
			metrics.Inc("mempool_batch_gc_total", nil)
		}
	}
}

// pickBatch chooses what to send: the greatest retry-pending batch, then the
// greatest sent batch whose ack timed out, then a new batch off the peer's
// timeline cursor.
func (c *Coordinator) pickBatch(ps *broadcast.SyncState, now time.Time) (b Batch, resend bool, skip string) {
	st := ps.Broadcast
	if retry := st.Retry(); len(retry) > 0 {
		r := retry[len(retry)-1]
		return Batch{Range: r, Txns: c.store.TimelineRange(r)}, true, ""
	}
	sent := st.Sent()
	for i := len(sent) - 1; i >= 0; i-- {
		at, _ := st.SentAt(sent[i])
		if now.Sub(at) >= c.cfg.AckTimeout {
			return Batch{Range: sent[i], Txns: c.store.TimelineRange(sent[i])}, true, ""
		}
	}
	if st.NumSent() >= c.cfg.MaxBroadcastsPerPeer {
		return Batch{}, false, "too_many_pending"
	}
	txns, next := c.store.ReadTimeline(ps.Timeline, c.cfg.BatchSize)
	r := broadcast.RangeBetween(ps.Timeline, next)
	if r.Empty() || len(txns) == 0 {
		return Batch{}, false, "no_txns"
	}
	return Batch{Range: r, Txns: txns}, false, ""
}

func (c *Coordinator) handleAck(ctx context.Context, peer broadcast.PeerNetworkID, a Ack) {
	ps, ok := c.peers[peer]
	if !ok {
		metrics.Inc("mempool_ack_total", map[string]string{"result": "unknown_peer"})
		return
	}
	st := ps.Broadcast
	known := st.IsSent(a.Range) || st.IsRetry(a.Range)
	result := "ok"
	switch {
	case a.Retry && known:
		st.MarkRetry(a.Range)
		result = "retry"
	case a.Retry:
		result = "unknown_batch"
	case known:
		st.Ack(a.Range)
		ps.Timeline.Update(a.Range)
	default:
		// stale or unsolicited; the cursor only moves past ranges we sent
		result = "unknown_batch"
	}
	if a.Backoff || st.ConsecutiveRetries() >= c.cfg.RetryBackoffThreshold {
		if !st.Backoff() {
			logger.InfoJ("mempool_backoff", map[string]any{"peer": peer.String(), "retries": st.ConsecutiveRetries(), "requested": a.Backoff})
		}
		st.EnableBackoff()
	}
	metrics.Inc("mempool_ack_total", map[string]string{"result": result})
	c.notify(ctx, bus.KindAck, peer.String(), "")
}

// handleBatch adds a peer's broadcast to the pool and acks it. A full pool
// asks the peer to retry and back off.
func (c *Coordinator) handleBatch(ctx context.Context, peer broadcast.PeerNetworkID, b Batch, traceID string) {
	added, full := 0, false
	for _, tx := range b.Txns {
		h := tx.Hash()
		if c.seen.Contains(h) {
			metrics.Inc("mempool_inbound_txns_total", map[string]string{"result": "seen"})
			continue
		}
		err := c.store.Add(tx)
		switch {
		case err == nil:
			added++
			c.seen.Add(h, struct{}{})
			metrics.Inc("mempool_inbound_txns_total", map[string]string{"result": "ok"})
		case errors.Is(err, mempool.ErrPoolFull):
			full = true
			metrics.Inc("mempool_inbound_txns_total", map[string]string{"result": "full"})
		default:
			c.seen.Add(h, struct{}{})
			metrics.Inc("mempool_inbound_txns_total", map[string]string{"result": "rejected"})
		}
	}
	ack := Ack{Range: b.Range, Retry: full, Backoff: full}
	if sender, ok := c.senders[peer.Network]; ok {
		sctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
		if err := sender.SendAck(sctx, peer.Peer, ack); err != nil {
			logger.WarnJ("mempool_ack_send", map[string]any{"peer": peer.String(), "batch": b.Range.String(), "err": err.Error()})
		}
		cancel()
	}
	logger.DebugJ("mempool_inbound", map[string]any{"peer": peer.String(), "batch": b.Range.String(), "txns": len(b.Txns), "added": added, "full": full, "trace_id": traceID})
	if added > 0 {
		c.newTransactions(ctx, peer.String(), traceID)
	}
}

func (c *Coordinator) newTransactions(ctx context.Context, from, traceID string) {
	c.notify(ctx, bus.KindNewTransactions, from, traceID)
	if !c.cfg.EagerBroadcast {
		return
	}
	now := c.clk.Now()
	for peer, ps := range c.peers {
		if ps.Broadcast.Backoff() {
			continue
		}
		c.sched.Schedule(now, peer, false)
	}
}

func (c *Coordinator) handleQuorumStore(req *quorumstore.Request) {
	switch req.Kind {
	case quorumstore.KindGetBatch:
		txns := c.store.GetBatch(req.MaxTxns, req.MaxBytes, req.Exclude)
		req.Respond(quorumstore.Response{Batch: txns}, nil)
	case quorumstore.KindReject:
		n := c.store.CommitRejected(req.Rejected)
		metrics.Add("mempool_commit_rejected_total", nil, float64(n))
		req.Respond(quorumstore.Response{CommitAck: true}, nil)
	default:
		req.Respond(quorumstore.Response{}, fmt.Errorf("coordinator: unknown request %s", req))
	}
	logger.DebugJ("quorumstore_request", map[string]any{"request": req.String(), "trace_id": req.TraceID})
}

func (c *Coordinator) handleClient(ctx context.Context, req clientReq) {
	var resp clientResp
	switch req.op {
	case opSubmit:
		resp.status = c.submit(ctx, req.txn, req.traceID)
	case opGet:
		resp.txn, resp.found = c.store.Get(req.hash)
	case opPeers:
		resp.peers = c.peerStatuses()
	}
	req.reply <- resp
}

func (c *Coordinator) submit(ctx context.Context, txn *mempool.Txn, traceID string) SubmissionStatus {
	err := c.store.Add(txn)
	st := statusFor(err)
	metrics.Inc("mempool_submit_total", map[string]string{"result": string(st.Code)})
	logger.DebugJ("mempool_submit", map[string]any{"hash": txn.Hash(), "sender": txn.From, "nonce": txn.Nonce, "result": string(st.Code), "trace_id": traceID})
	if err == nil {
		c.seen.Add(txn.Hash(), struct{}{})
		c.newTransactions(ctx, "client", traceID)
	}
	return st
}

func statusFor(err error) SubmissionStatus {
	switch {
	case err == nil:
		return SubmissionStatus{Code: StatusAccepted}
	case errors.Is(err, mempool.ErrInvalid):
		return SubmissionStatus{Code: StatusInvalid, Message: err.Error()}
	case errors.Is(err, mempool.ErrDuplicate):
		return SubmissionStatus{Code: StatusDuplicate, Message: err.Error()}
	case errors.Is(err, mempool.ErrOldNonce):
		return SubmissionStatus{Code: StatusOldNonce, Message: err.Error()}
	case errors.Is(err, mempool.ErrPoolFull):
		return SubmissionStatus{Code: StatusPoolFull, Message: err.Error()}
	default:
		return SubmissionStatus{Code: StatusRejected, Message: err.Error()}
	}
}

func (c *Coordinator) peerStatuses() []PeerStatus {
	out := make([]PeerStatus, 0, len(c.peers))
	for peer, ps := range c.peers {
		s := PeerStatus{
			Peer:        peer.Peer,
			Network:     string(peer.Network),
			Origin:      ps.Metadata.Origin,
			ConnectedAt: ps.Metadata.ConnectedAt,
			Timeline:    ps.Timeline.Clone(),
			Sent:        ps.Broadcast.NumSent(),
			Retry:       ps.Broadcast.NumRetry(),
			Backoff:     ps.Broadcast.Backoff(),
		}
		if sb, ok := c.sched.Scheduled(peer); ok {
			s.NextBroadcast = sb.Deadline()
		}
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b PeerStatus) int {
		if n := strings.Compare(a.Network, b.Network); n != 0 {
			return n
		}
		return strings.Compare(a.Peer, b.Peer)
	})
	return out
}
