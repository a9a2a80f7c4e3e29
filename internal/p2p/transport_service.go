package p2p

import (
	"context"

	"github.com/zmlAEQ/aequa-mempool/pkg/lifecycle"
)

// NetService is a thin lifecycle wrapper for a Transport.
type NetService struct {
	name string
	t    Transport
}

func NewNetService(name string, t Transport) *NetService { return &NetService{name: name, t: t} }

func (s *NetService) Name() string                    { return "p2p-" + s.name }
func (s *NetService) Start(ctx context.Context) error { return s.t.Start(ctx) }
func (s *NetService) Stop(ctx context.Context) error  { return s.t.Stop(ctx) }

var _ lifecycle.Service = (*NetService)(nil)
