/*
Package metrics implements collection of the gateway's performance and
routing metrics.

Metrics are collected with the Prometheus client library and exposed on
the support listener:

https://github.com/prometheus/client_golang

The collected metrics include the time waiting for the backends of the
routes, the backend errors, the number of rewritten responses, the
outcome of the request dispatching and the state of the route table.
*/
package metrics

import (
	"net/http"
	"time"
)

// Metrics is the collector interface used by the gateway components.
type Metrics interface {
	MeasureBackend(routeID string, start time.Time)
	IncErrorsBackend(routeID string)
	IncRewrite(routeID, kind string)
	IncDispatch(outcome string)
	IncBreakerOpen(routeID string)
	UpdateRoutes(total, enabled int)
	RegisterHandler(path string, mux *http.ServeMux)
}

// Options for initializing metrics collection.
type Options struct {

	// Prefix is used as the namespace of the collected metrics.
	// Defaults to "dashgate".
	Prefix string

	// If set, Go runtime and process metrics are collected in
	// addition to the http traffic metrics.
	EnableRuntimeMetrics bool

	// Buckets of the histograms. Defaults to the Prometheus defaults.
	HistogramBuckets []float64
}

type void struct{}

// Void discards all metrics.
var Void Metrics = void{}

func (void) MeasureBackend(string, time.Time)       {}
func (void) IncErrorsBackend(string)                {}
func (void) IncRewrite(string, string)              {}
func (void) IncDispatch(string)                     {}
func (void) IncBreakerOpen(string)                  {}
func (void) UpdateRoutes(int, int)                  {}
func (void) RegisterHandler(string, *http.ServeMux) {}
