// Package metrics exports chain, step, worker pool and API request metrics in
// the Prometheus text format.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/chainrun/internal/chain"
	"github.com/rendis/chainrun/pkg/schema"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "chainrun"

// Collector owns a private Prometheus registry, so tests and multiple executors
// in one process never collide on the global one.
type Collector struct {
	registry *prometheus.Registry

	chains        *prometheus.CounterVec
	chainDuration *prometheus.HistogramVec
	steps         *prometheus.CounterVec
	requests      *prometheus.CounterVec
	reqDuration   *prometheus.HistogramVec
	namespace     string
}

// New creates a Collector. An empty namespace selects DefaultNamespace.
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	c := &Collector{
		registry:  prometheus.NewRegistry(),
		namespace: namespace,
		chains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chains_total",
			Help:      "Chains that reached a terminal status.",
		}, []string{"mode", "status"}),
		chainDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_duration_seconds",
			Help:      "Wall-clock duration of finished chains.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Step outcomes by plugin target.",
		}, []string{"target", "outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "API requests by route and status code.",
		}, []string{"method", "route", "status_code"}),
		reqDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	c.registry.MustRegister(c.chains, c.chainDuration, c.steps, c.requests, c.reqDuration)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Attach counts terminal chain transitions made through fsm.
func (c *Collector) Attach(fsm *chain.FSM) {
	for from, targets := range chain.ValidChainTransitions {
		for _, to := range targets {
			if !to.IsTerminal() {
				continue
			}
			fsm.OnTransition(from, to, c.observeChain)
		}
	}
}

func (c *Collector) observeChain(_ context.Context, res *schema.ChainResult, _ schema.ChainStatus) {
	mode := string(res.Mode)
	c.chains.WithLabelValues(mode, string(res.Status)).Inc()
	if res.ExecutionTime > 0 {
		c.chainDuration.WithLabelValues(mode).Observe(res.ExecutionTime)
	}
}

// ExecutorSource is what WatchExecutor samples. Satisfied by *chain.Executor.
type ExecutorSource interface {
	ListActive() []string
	PoolMetrics() chain.PoolMetrics
}

// WatchExecutor registers gauges sampled from exec at scrape time.
func (c *Collector) WatchExecutor(exec ExecutorSource) {
	gauge := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: c.namespace, Name: name, Help: help}, fn)
	}
	counter := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: c.namespace, Subsystem: "pool", Name: name, Help: help}, fn)
	}
	c.registry.MustRegister(
		gauge("active_chains", "Chains currently running.", func() float64 {
			return float64(len(exec.ListActive()))
		}),
		gauge("pool_size", "Worker pool concurrency limit.", func() float64 {
			return float64(exec.PoolMetrics().Size)
		}),
		gauge("pool_active", "Parallel steps currently holding a pool slot.", func() float64 {
			return float64(exec.PoolMetrics().Active)
		}),
		gauge("pool_waiting", "Parallel steps waiting for a pool slot.", func() float64 {
			return float64(exec.PoolMetrics().Waiting)
		}),
		counter("completed_total", "Pool tasks that returned.", func() float64 {
			return float64(exec.PoolMetrics().Completed)
		}),
		counter("rejected_total", "Pool submissions abandoned before running.", func() float64 {
			return float64(exec.PoolMetrics().Rejected)
		}),
		counter("panics_total", "Pool tasks that panicked.", func() float64 {
			return float64(exec.PoolMetrics().Panics)
		}),
	)
}

// Publisher returns a chain.Publisher that counts step events and then
// forwards every event to next. next may be nil.
func (c *Collector) Publisher(next chain.Publisher) chain.Publisher {
	return &countingPublisher{c: c, next: next}
}

type countingPublisher struct {
	c    *Collector
	next chain.Publisher
}

func (p *countingPublisher) Publish(ctx context.Context, ev schema.Event) error {
	if outcome := stepOutcome(ev.Type); outcome != "" {
		p.c.steps.WithLabelValues(ev.Target, outcome).Inc()
	}
	if p.next == nil {
		return nil
	}
	return p.next.Publish(ctx, ev)
}

func stepOutcome(eventType string) string {
	switch eventType {
	case schema.EventStepCompleted:
		return "completed"
	case schema.EventStepFailed:
		return "failed"
	case schema.EventStepSkipped:
		return "skipped"
	case schema.EventStepRetrying:
		return "retried"
	}
	return ""
}

// ObserveRequest records one API request. route is the matched mux pattern.
func (c *Collector) ObserveRequest(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	c.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.reqDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
