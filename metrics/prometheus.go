package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	promNamespace         = "dashgate"
	promRouteSubsystem    = "route"
	promProxySubsystem    = "backend"
	promRewriteSubsystem  = "rewrite"
	promDispatchSubsystem = "dispatch"
)

// Prometheus implements the prometheus metrics backend.
type Prometheus struct {
	proxyBackendM       *prometheus.HistogramVec
	proxyBackendErrorsM *prometheus.CounterVec
	breakerOpenM        *prometheus.CounterVec
	rewriteM            *prometheus.CounterVec
	dispatchM           *prometheus.CounterVec
	routesM             *prometheus.GaugeVec
	routesUpdatedM      prometheus.Gauge

	opts     Options
	registry *prometheus.Registry
	handler  http.Handler
}

// NewPrometheus returns a new Prometheus metric backend.
func NewPrometheus(opts Options) *Prometheus {
	namespace := promNamespace
	if opts.Prefix != "" {
		namespace = strings.TrimSuffix(opts.Prefix, ".")
	}

	if len(opts.HistogramBuckets) == 0 {
		opts.HistogramBuckets = prometheus.DefBuckets
	}

	p := &Prometheus{
		proxyBackendM: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: promProxySubsystem,
			Name:      "duration_seconds",
			Help:      "Duration in seconds of a proxy backend.",
			Buckets:   opts.HistogramBuckets,
		}, []string{"route"}),
		proxyBackendErrorsM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: promProxySubsystem,
			Name:      "error_total",
			Help:      "Total number of backend route errors.",
		}, []string{"route"}),
		breakerOpenM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: promProxySubsystem,
			Name:      "breaker_rejected_total",
			Help:      "Total number of requests rejected by an open circuit breaker.",
		}, []string{"route"}),
		rewriteM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: promRewriteSubsystem,
			Name:      "total",
			Help:      "Total number of rewritten responses.",
		}, []string{"route", "kind"}),
		dispatchM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: promDispatchSubsystem,
			Name:      "total",
			Help:      "Total number of dispatched requests by outcome.",
		}, []string{"outcome"}),
		routesM: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: promRouteSubsystem,
			Name:      "count",
			Help:      "Number of routes in the current route table.",
		}, []string{"state"}),
		routesUpdatedM: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: promRouteSubsystem,
			Name:      "updated_timestamp",
			Help:      "UNIX time of the last route table update.",
		}),
		opts:     opts,
		registry: prometheus.NewRegistry(),
	}

	p.registerMetrics()
	return p
}

func (p *Prometheus) registerMetrics() {
	p.registry.MustRegister(p.proxyBackendM)
	p.registry.MustRegister(p.proxyBackendErrorsM)
	p.registry.MustRegister(p.breakerOpenM)
	p.registry.MustRegister(p.rewriteM)
	p.registry.MustRegister(p.dispatchM)
	p.registry.MustRegister(p.routesM)
	p.registry.MustRegister(p.routesUpdatedM)

	// Register prometheus runtime collectors if required.
	if p.opts.EnableRuntimeMetrics {
		p.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		p.registry.MustRegister(collectors.NewGoCollector())
	}
}

func (p *Prometheus) CreateHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) getHandler() http.Handler {
	if p.handler != nil {
		return p.handler
	}

	p.handler = p.CreateHandler()
	return p.handler
}

// RegisterHandler satisfies Metrics interface.
func (p *Prometheus) RegisterHandler(path string, mux *http.ServeMux) {
	mux.Handle(path, p.getHandler())
}

// MeasureBackend satisfies Metrics interface.
func (p *Prometheus) MeasureBackend(routeID string, start time.Time) {
	p.proxyBackendM.WithLabelValues(routeID).Observe(sinceS(start))
}

// IncErrorsBackend satisfies Metrics interface.
func (p *Prometheus) IncErrorsBackend(routeID string) {
	p.proxyBackendErrorsM.WithLabelValues(routeID).Inc()
}

// IncBreakerOpen satisfies Metrics interface.
func (p *Prometheus) IncBreakerOpen(routeID string) {
	p.breakerOpenM.WithLabelValues(routeID).Inc()
}

// IncRewrite satisfies Metrics interface.
func (p *Prometheus) IncRewrite(routeID, kind string) {
	p.rewriteM.WithLabelValues(routeID, kind).Inc()
}

// IncDispatch satisfies Metrics interface.
func (p *Prometheus) IncDispatch(outcome string) {
	p.dispatchM.WithLabelValues(outcome).Inc()
}

// UpdateRoutes satisfies Metrics interface.
func (p *Prometheus) UpdateRoutes(total, enabled int) {
	p.routesM.WithLabelValues("enabled").Set(float64(enabled))
	p.routesM.WithLabelValues("disabled").Set(float64(total - enabled))
	p.routesUpdatedM.SetToCurrentTime()
}

func sinceS(start time.Time) float64 {
	return time.Since(start).Seconds()
}
