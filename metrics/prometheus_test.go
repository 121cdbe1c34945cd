package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dashgate/dashgate/metrics"
)

func TestPrometheusMetrics(t *testing.T) {
	tests := []struct {
		name       string
		opts       metrics.Options
		addMetrics func(*metrics.Prometheus)
		expMetrics []string
	}{
		{
			name: "Incrementing the backend failures should get the total of backend failures.",
			addMetrics: func(pm *metrics.Prometheus) {
				pm.IncErrorsBackend("route1")
				pm.IncErrorsBackend("route2")
				pm.IncErrorsBackend("route1")
			},
			expMetrics: []string{
				`dashgate_backend_error_total{route="route1"} 2`,
				`dashgate_backend_error_total{route="route2"} 1`,
			},
		},
		{
			name: "Measuring the backend should get the duration of the backend.",
			addMetrics: func(pm *metrics.Prometheus) {
				pm.MeasureBackend("route1", time.Now().Add(-15*time.Millisecond))
			},
			expMetrics: []string{
				`dashgate_backend_duration_seconds_bucket{route="route1",le="0.01"} 0`,
				`dashgate_backend_duration_seconds_bucket{route="route1",le="+Inf"} 1`,
				`dashgate_backend_duration_seconds_count{route="route1"} 1`,
			},
		},
		{
			name: "Counting rewrites by kind.",
			addMetrics: func(pm *metrics.Prometheus) {
				pm.IncRewrite("route1", "html")
				pm.IncRewrite("route1", "js")
				pm.IncRewrite("route1", "js")
			},
			expMetrics: []string{
				`dashgate_rewrite_total{kind="html",route="route1"} 1`,
				`dashgate_rewrite_total{kind="js",route="route1"} 2`,
			},
		},
		{
			name: "Counting dispatch outcomes.",
			addMetrics: func(pm *metrics.Prometheus) {
				pm.IncDispatch("proxy")
				pm.IncDispatch("not_found")
			},
			expMetrics: []string{
				`dashgate_dispatch_total{outcome="proxy"} 1`,
				`dashgate_dispatch_total{outcome="not_found"} 1`,
			},
		},
		{
			name: "Route table gauges.",
			addMetrics: func(pm *metrics.Prometheus) {
				pm.UpdateRoutes(5, 3)
			},
			expMetrics: []string{
				`dashgate_route_count{state="enabled"} 3`,
				`dashgate_route_count{state="disabled"} 2`,
			},
		},
		{
			name: "Custom prefix.",
			opts: metrics.Options{Prefix: "gw."},
			addMetrics: func(pm *metrics.Prometheus) {
				pm.IncBreakerOpen("route1")
			},
			expMetrics: []string{
				`gw_backend_breaker_rejected_total{route="route1"} 1`,
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			pm := metrics.NewPrometheus(test.opts)
			path := "/awesome-metrics"

			mux := http.NewServeMux()
			pm.RegisterHandler(path, mux)

			test.addMetrics(pm)

			req := httptest.NewRequest("GET", path, nil)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("unexpected status code: %d", w.Code)
			}

			body, err := io.ReadAll(w.Body)
			if err != nil {
				t.Fatal(err)
			}

			for _, expMetric := range test.expMetrics {
				if !strings.Contains(string(body), expMetric) {
					t.Errorf("'%s' metric not present on the result of metrics service", expMetric)
				}
			}
		})
	}
}

func TestVoidDiscards(t *testing.T) {
	mux := http.NewServeMux()
	metrics.Void.RegisterHandler("/metrics", mux)
	metrics.Void.IncDispatch("proxy")

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected no metrics handler, got %d", w.Code)
	}
}
