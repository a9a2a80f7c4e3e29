package coordinator

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Service runs a Coordinator under the node's lifecycle manager.
type Service struct {
	c *Coordinator

	mu     sync.Mutex
	cancel context.CancelFunc
	g      *errgroup.Group
}

func NewService(c *Coordinator) *Service { return &Service{c: c} }

func (s *Service) Name() string { return "mempool_coordinator" }

// Start launches the loop; it keeps running until Stop, independent of ctx.
func (s *Service) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.g != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.c.Run(gctx) })
	s.cancel, s.g = cancel, g
	return nil
}

// Stop cancels the loop and waits for it, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, g := s.cancel, s.g
	s.mu.Unlock()
	if g == nil {
		return nil
	}
	cancel()
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Coordinator exposes the wrapped loop for wiring transports and APIs.
func (s *Service) Coordinator() *Coordinator { return s.c }
