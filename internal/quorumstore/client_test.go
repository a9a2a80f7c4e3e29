package quorumstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/zmlAEQ/aequa-mempool/internal/mempool"
	"github.com/zmlAEQ/aequa-mempool/pkg/metrics"
	"github.com/zmlAEQ/aequa-mempool/pkg/trace"
)

func serveOnce(t *testing.T, reqs <-chan *Request, fn func(*Request)) {
	t.Helper()
	go func() {
		select {
		case r := <-reqs:
			fn(r)
		case <-time.After(2 * time.Second):
		}
	}()
}

func TestClient_GetBatch_RoundTrip(t *testing.T) {
	metrics.Reset()
	reqs := make(chan *Request, 1)
	c := NewClient(reqs)
	want := []*mempool.Txn{{From: "A", Gas: 1}}
	serveOnce(t, reqs, func(r *Request) {
		if r.Kind != KindGetBatch || r.MaxTxns != 10 || r.TraceID != "t-1" {
			r.Respond(Response{}, errors.New("unexpected request"))
			return
		}
		r.Respond(Response{Batch: want}, nil)
	})
	ctx := trace.WithTraceID(context.Background(), "t-1")
	got, err := c.GetBatch(ctx, 10, 1024, nil)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Contains(t, metrics.DumpProm(), `quorumstore_requests_total{kind="get_batch",result="ok"} 1`)
}

func TestClient_Reject_CommitAck(t *testing.T) {
	reqs := make(chan *Request, 1)
	c := NewClient(reqs)
	serveOnce(t, reqs, func(r *Request) { r.Respond(Response{CommitAck: true}, nil) })
	require.NoError(t, c.Reject(context.Background(), []mempool.Rejected{{Summary: mempool.Summary{Sender: "A"}}}))
}

func TestClient_DroppedRequest_ResponderGone(t *testing.T) {
	reqs := make(chan *Request, 1)
	c := NewClient(reqs)
	serveOnce(t, reqs, func(r *Request) { r.Drop() })
	_, err := c.GetBatch(context.Background(), 1, 1, nil)
	require.ErrorIs(t, err, ErrResponderGone)
}

func TestClient_ResponderDone_FailsQueuedRequest(t *testing.T) {
	metrics.Reset()
	reqs := make(chan *Request, 1) // buffered, never served
	done := make(chan struct{})
	c := NewClient(reqs, WithResponderDone(done))
	errs := make(chan error, 1)
	go func() {
		_, err := c.GetBatch(context.Background(), 1, 1, nil)
		errs <- err
	}()
	require.Eventually(t, func() bool { return len(reqs) == 1 }, time.Second, time.Millisecond)
	close(done)
	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrResponderGone)
	case <-time.After(2 * time.Second):
		t.Fatal("request still waiting after responder stopped")
	}

	// later calls fail before touching the queue
	<-reqs
	require.ErrorIs(t, c.Reject(context.Background(), nil), ErrResponderGone)
	require.Empty(t, reqs)
	require.Contains(t, metrics.DumpProm(), `quorumstore_requests_total{kind="reject",result="gone"} 1`)
}

func TestClient_ResponderDone_AnswerWins(t *testing.T) {
	reqs := make(chan *Request, 1)
	done := make(chan struct{})
	c := NewClient(reqs, WithResponderDone(done))
	serveOnce(t, reqs, func(r *Request) {
		r.Respond(Response{CommitAck: true}, nil)
		close(done)
	})
	require.NoError(t, c.Reject(context.Background(), nil))
}

func TestClient_LatencyUsesClock(t *testing.T) {
	metrics.Reset()
	clk := clock.NewMock()
	reqs := make(chan *Request, 1)
	c := NewClient(reqs, WithClientClock(clk))
	serveOnce(t, reqs, func(r *Request) {
		clk.Add(40 * time.Millisecond)
		r.Respond(Response{}, nil)
	})
	_, err := c.GetBatch(context.Background(), 1, 1, nil)
	require.NoError(t, err)
	require.Contains(t, metrics.DumpProm(), `quorumstore_request_ms_sum{kind="get_batch"} 40`)
}

func TestClient_QueueFull(t *testing.T) {
	reqs := make(chan *Request) // nobody reading
	c := NewClient(reqs)
	err := c.Reject(context.Background(), nil)
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestClient_ContextCanceled(t *testing.T) {
	reqs := make(chan *Request, 1)
	c := NewClient(reqs)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.GetBatch(ctx, 1, 1, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequest_RespondOnce(t *testing.T) {
	r := NewGetBatch(1, 2, nil)
	r.Respond(Response{Batch: []*mempool.Txn{{From: "A"}}}, nil)
	r.Respond(Response{}, errors.New("second"))
	r.Drop()
	res, ok := <-r.reply
	require.True(t, ok)
	require.NoError(t, res.err)
	require.Len(t, res.resp.Batch, 1)
	_, ok = <-r.reply
	require.False(t, ok)
}

func TestRequest_String(t *testing.T) {
	require.Equal(t, "GetBatchRequest [max_txns: 10, max_bytes: 5, excluded: 0]", NewGetBatch(10, 5, nil).String())
	require.Equal(t, "RejectNotification [rejected: 2]", NewRejectNotification(make([]mempool.Rejected, 2)).String())
}
