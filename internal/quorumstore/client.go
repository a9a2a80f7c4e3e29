package quorumstore

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/zmlAEQ/aequa-mempool/internal/mempool"
	"github.com/zmlAEQ/aequa-mempool/pkg/logger"
	"github.com/zmlAEQ/aequa-mempool/pkg/metrics"
	"github.com/zmlAEQ/aequa-mempool/pkg/trace"
)

var (
	// ErrResponderGone is returned when the coordinator dropped the request.
	ErrResponderGone = errors.New("quorumstore: responder gone")
	// ErrQueueFull is returned when the request channel has no room.
	ErrQueueFull = errors.New("quorumstore: request queue full")
)

// Client is the ordering component's handle on the coordinator.
type Client struct {
	requests chan<- *Request
	gone     <-chan struct{}
	clk      clock.Clock
}

type ClientOption func(*Client)

// WithResponderDone makes every call fail with ErrResponderGone once done is
// closed, so requests sent after the responder exits never hang.
func WithResponderDone(done <-chan struct{}) ClientOption {
	return func(c *Client) { c.gone = done }
}

// WithClientClock substitutes the clock used for latency metrics.
func WithClientClock(clk clock.Clock) ClientOption {
	return func(c *Client) { c.clk = clk }
}

func NewClient(requests chan<- *Request, opts ...ClientOption) *Client {
	c := &Client{requests: requests, clk: clock.New()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// GetBatch pulls up to maxTxns transactions totalling at most maxBytes,
// skipping those in exclude.
func (c *Client) GetBatch(ctx context.Context, maxTxns, maxBytes uint64, exclude []mempool.Summary) ([]*mempool.Txn, error) {
	resp, err := c.roundTrip(ctx, NewGetBatch(maxTxns, maxBytes, exclude))
	if err != nil {
		return nil, err
	}
	return resp.Batch, nil
}

// Reject reports transactions the ordering component discarded.
func (c *Client) Reject(ctx context.Context, rejected []mempool.Rejected) error {
	_, err := c.roundTrip(ctx, NewRejectNotification(rejected))
	return err
}

func (c *Client) roundTrip(ctx context.Context, req *Request) (Response, error) {
	begin := c.clk.Now()
	if id, ok := trace.FromContext(ctx); ok {
		req.TraceID = id
	}
	kind := req.Kind.String()
	if c.responderGone() {
		return Response{}, c.goneErr(kind)
	}
	select {
	case c.requests <- req:
	default:
		metrics.Inc("quorumstore_requests_total", map[string]string{"kind": kind, "result": "queue_full"})
		logger.WarnJ("quorumstore_request", map[string]any{"kind": kind, "result": "queue_full", "trace_id": req.TraceID})
		return Response{}, ErrQueueFull
	}
	select {
	case res, ok := <-req.reply:
		return c.finish(kind, begin, res, ok)
	case <-c.gone:
		// the responder may have answered just before it stopped
		select {
		case res, ok := <-req.reply:
			return c.finish(kind, begin, res, ok)
		default:
			return Response{}, c.goneErr(kind)
		}
	case <-ctx.Done():
		metrics.Inc("quorumstore_requests_total", map[string]string{"kind": kind, "result": "canceled"})
		return Response{}, ctx.Err()
	}
}

func (c *Client) finish(kind string, begin time.Time, res result, ok bool) (Response, error) {
	if !ok {
		return Response{}, c.goneErr(kind)
	}
	outcome := "ok"
	if res.err != nil {
		outcome = "error"
	}
	metrics.Inc("quorumstore_requests_total", map[string]string{"kind": kind, "result": outcome})
	metrics.ObserveSummary("quorumstore_request_ms", map[string]string{"kind": kind}, float64(c.clk.Since(begin).Milliseconds()))
	return res.resp, res.err
}

func (c *Client) goneErr(kind string) error {
	metrics.Inc("quorumstore_requests_total", map[string]string{"kind": kind, "result": "gone"})
	return ErrResponderGone
}

func (c *Client) responderGone() bool {
	if c.gone == nil {
		return false
	}
	select {
	case <-c.gone:
		return true
	default:
		return false
	}
}
