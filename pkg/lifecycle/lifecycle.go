package lifecycle

import (
    "context"
    "fmt"
    "sync"
    "time"

    "go.uber.org/multierr"

    "github.com/zmlAEQ/aequa-mempool/pkg/logger"
    "github.com/zmlAEQ/aequa-mempool/pkg/metrics"
)

// Service is a long-running component owned by the node.
// Start must return once the service is running; Stop must be idempotent.
type Service interface {
    Name() string
    Start(ctx context.Context) error
    Stop(ctx context.Context) error
}

// Manager starts services in registration order and stops them in reverse.
type Manager struct {
    mu       sync.Mutex
    services []Service
    started  []Service
}

func New() *Manager { return &Manager{} }

// Add registers a service. Services added after StartAll are not started.
func (m *Manager) Add(s Service) {
    m.mu.Lock(); defer m.mu.Unlock()
    m.services = append(m.services, s)
}

// StartAll starts every registered service. On the first failure the services
// already started are stopped (in reverse) and the start error is returned.
func (m *Manager) StartAll(ctx context.Context) error {
    m.mu.Lock()
    svcs := append([]Service(nil), m.services...)
    m.mu.Unlock()
    for _, s := range svcs {
        begin := time.Now()
        if err := s.Start(ctx); err != nil {
            observe(s.Name(), "start", "error", begin)
            logger.ErrorJ("service_op", map[string]any{"service": s.Name(), "op": "start", "result": "error", "err": err.Error()})
            stopErr := m.StopAll(context.Background())
            return multierr.Append(fmt.Errorf("start %s: %w", s.Name(), err), stopErr)
        }
        observe(s.Name(), "start", "ok", begin)
        m.mu.Lock()
        m.started = append(m.started, s)
        m.mu.Unlock()
    }
    return nil
}

// StopAll stops started services in reverse order and combines their errors.
func (m *Manager) StopAll(ctx context.Context) error {
    m.mu.Lock()
    started := m.started
    m.started = nil
    m.mu.Unlock()
    var err error
    for i := len(started) - 1; i >= 0; i-- {
        s := started[i]
        begin := time.Now()
        if e := s.Stop(ctx); e != nil {
            observe(s.Name(), "stop", "error", begin)
            err = multierr.Append(err, fmt.Errorf("stop %s: %w", s.Name(), e))
            continue
        }
        observe(s.Name(), "stop", "ok", begin)
    }
    return err
}

func observe(name, op, result string, begin time.Time) {
    dur := time.Since(begin).Milliseconds()
    logger.InfoJ("service_op", map[string]any{"service": name, "op": op, "result": result, "latency_ms": dur})
    metrics.ObserveSummary("service_op_ms", map[string]string{"service": name, "op": op}, float64(dur))
}
