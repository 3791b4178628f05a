package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rpcyber/botnet-commander/internal/correlator"
	"github.com/rpcyber/botnet-commander/internal/registry"
)

// Metrics exposes ambient Prometheus gauges/counters alongside the rest of
// the control plane, instrumenting the HTTP layer rather than the domain
// packages themselves. Each Metrics owns a private registry rather than the
// global default one, so a commander process (or a test) can construct more
// than one without a duplicate-registration panic.
type Metrics struct {
	registry        *prometheus.Registry
	liveAgents      prometheus.GaugeFunc
	pendingReplies  prometheus.GaugeFunc
	dispatchResults *prometheus.CounterVec
}

// NewMetrics builds the gauges/counters and registers them against a fresh
// registry, returning a Metrics handle the dispatch path can use to record
// outcomes.
func NewMetrics(reg *registry.Manager, corr *correlator.Correlator) *Metrics {
	promReg := prometheus.NewRegistry()
	factory := promauto.With(promReg)

	m := &Metrics{
		registry: promReg,
		dispatchResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botnet_commander",
			Name:      "dispatch_results_total",
			Help:      "Count of per-target dispatch outcomes, by result.",
		}, []string{"result"}),
	}

	m.liveAgents = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "botnet_commander",
		Name:      "agents_live",
		Help:      "Number of agents currently holding an open session.",
	}, func() float64 { return float64(reg.Count()) })

	m.pendingReplies = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "botnet_commander",
		Name:      "correlator_pending_replies",
		Help:      "Number of replies buffered by the correlator awaiting flush.",
	}, func() float64 { return float64(corr.Pending()) })

	return m
}

// RecordDispatch increments the outcome counter for one dispatched target.
func (m *Metrics) RecordDispatch(success bool) {
	if success {
		m.dispatchResults.WithLabelValues("success").Inc()
	} else {
		m.dispatchResults.WithLabelValues("failed").Inc()
	}
}

// Handler returns the /metrics HTTP handler for this Metrics' registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
