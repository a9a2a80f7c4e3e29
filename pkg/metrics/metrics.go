// Package metrics is a thin process-wide facade over a Prometheus registry.
// Families are created lazily on first use; the label names of a family are
// fixed by its first observation and later calls with a different label set
// are dropped.
package metrics

import (
	"bytes"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

type registry struct {
	reg       *prometheus.Registry
	counters  map[string]*prometheus.CounterVec
	gauges    map[string]*prometheus.GaugeVec
	summaries map[string]*prometheus.SummaryVec
}

func newRegistry() *registry {
	return &registry{
		reg:       prometheus.NewRegistry(),
		counters:  map[string]*prometheus.CounterVec{},
		gauges:    map[string]*prometheus.GaugeVec{},
		summaries: map[string]*prometheus.SummaryVec{},
	}
}

var (
	mu  sync.Mutex
	cur = newRegistry()
)

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func counter(name string, labels map[string]string) prometheus.Counter {
	mu.Lock()
	defer mu.Unlock()
	vec, ok := cur.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, labelNames(labels))
		if err := cur.reg.Register(vec); err != nil {
			return nil
		}
		cur.counters[name] = vec
	}
	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return nil
	}
	return c
}

func gauge(name string, labels map[string]string) prometheus.Gauge {
	mu.Lock()
	defer mu.Unlock()
	vec, ok := cur.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, labelNames(labels))
		if err := cur.reg.Register(vec); err != nil {
			return nil
		}
		cur.gauges[name] = vec
	}
	g, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return nil
	}
	return g
}

func summary(name string, labels map[string]string) prometheus.Observer {
	mu.Lock()
	defer mu.Unlock()
	vec, ok := cur.summaries[name]
	if !ok {
		vec = prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       name,
			Help:       name,
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, labelNames(labels))
		if err := cur.reg.Register(vec); err != nil {
			return nil
		}
		cur.summaries[name] = vec
	}
	o, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return nil
	}
	return o
}

// Inc increments counter family name by one.
func Inc(name string, labels map[string]string) { Add(name, labels, 1) }

// Add increments counter family name by v (v must be >= 0).
func Add(name string, labels map[string]string, v float64) {
	if v < 0 {
		return
	}
	if c := counter(name, labels); c != nil {
		c.Add(v)
	}
}

// AddGauge moves gauge family name by delta.
func AddGauge(name string, labels map[string]string, delta float64) {
	if g := gauge(name, labels); g != nil {
		g.Add(delta)
	}
}

// SetGauge sets gauge family name to v.
func SetGauge(name string, labels map[string]string, v float64) {
	if g := gauge(name, labels); g != nil {
		g.Set(v)
	}
}

// ObserveSummary records v into summary family name.
func ObserveSummary(name string, labels map[string]string, v float64) {
	if o := summary(name, labels); o != nil {
		o.Observe(v)
	}
}

// DumpProm renders all families in the Prometheus text exposition format.
func DumpProm() string {
	mu.Lock()
	reg := cur.reg
	mu.Unlock()
	mfs, err := reg.Gather()
	if err != nil {
		return ""
	}
	var buf bytes.Buffer
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return buf.String()
		}
	}
	return buf.String()
}

// Reset drops every family. Tests call it to start from a clean slate.
func Reset() {
	mu.Lock()
	cur = newRegistry()
	mu.Unlock()
}

// Handler serves the current registry over HTTP.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		reg := cur.reg
		mu.Unlock()
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
