package dispatch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dashgate/dashgate/metrics"
	"github.com/dashgate/dashgate/routestore"
	"github.com/dashgate/dashgate/routing"
)

func named(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Handler", name)
	})
}

func builder(kind string) routing.Builder {
	return func(r *routestore.Route) http.Handler {
		return named(kind + ":" + r.ID)
	}
}

func testRoutes() []*routestore.Route {
	return []*routestore.Route{
		{ID: "absen", Path: "/absen", Target: "http://localhost:5176", Description: "Attendance", Enabled: true},
		{ID: "raw", Path: "/raw", Target: "http://localhost:8080", Enabled: true, RewriteContent: routestore.Bool(false)},
		{ID: "vite", Path: "/gaji", Target: "http://localhost:5177", Enabled: true, RewriteContent: routestore.Bool(true)},
		{ID: "off", Path: "/off", Target: "http://localhost:9000", Description: "Disabled"},
	}
}

type countingMetrics struct {
	metrics.Metrics
	dispatched map[string]int
}

func newTestDispatcher(t *testing.T, shell http.Handler) (*Dispatcher, *routing.Routing) {
	t.Helper()
	rt := routing.New(routing.Options{})
	rt.Update(testRoutes())
	d := New(Options{
		Routing:     rt,
		HTTP:        builder("http"),
		Passthrough: builder("passthrough"),
		API:         named("api"),
		ConfigUI:    named("config-ui"),
		Shell:       shell,
		Legacy: []Legacy{
			{Prefix: "/api/attendance", Handler: named("legacy")},
		},
	})

	return d, rt
}

func TestDispatch(t *testing.T) {
	for _, ti := range []struct {
		msg      string
		path     string
		header   http.Header
		expected string
	}{
		{msg: "config page", path: "/config-path", expected: "config-ui"},
		{msg: "config assets", path: "/_static/app.js", expected: "config-ui"},
		{msg: "management api", path: "/api/routes/absen/toggle", expected: "api"},
		{msg: "shell auth", path: "/api/auth/login", expected: "shell"},
		{msg: "shell services", path: "/api/services", expected: "shell"},
		{msg: "shell assets", path: "/_next/static/chunk.js", expected: "shell"},
		{msg: "shell static", path: "/static/logo.png", expected: "shell"},
		{msg: "legacy", path: "/api/attendance/today", expected: "legacy"},
		{msg: "legacy with suffix", path: "/api/attendance-by-loc-enhanced", expected: "legacy"},
		{msg: "route", path: "/absen/app.js", expected: "http:absen"},
		{msg: "passthrough route", path: "/raw/data", expected: "passthrough:raw"},
		{msg: "dev server route", path: "/gaji/", expected: "http:vite"},
		{
			msg:      "referer",
			path:     "/assets/index.js",
			header:   http.Header{"Referer": []string{"http://gateway.example.org/absen/"}},
			expected: "http:absen",
		},
		{
			msg:      "origin",
			path:     "/api/employees",
			header:   http.Header{"Origin": []string{"http://gateway.example.org/raw"}},
			expected: "passthrough:raw",
		},
		{
			msg:      "referer beats shell page",
			path:     "/login",
			header:   http.Header{"Referer": []string{"http://gateway.example.org/absen/"}},
			expected: "http:absen",
		},
		{msg: "root", path: "/", expected: "shell"},
		{msg: "login", path: "/login", expected: "shell"},
		{msg: "dashboard", path: "/dashboard/overview", expected: "shell"},
		{msg: "admin", path: "/admin", expected: "shell"},
		{msg: "disabled route", path: "/off/x", expected: ""},
		{msg: "unknown", path: "/unknown", expected: ""},
	} {
		t.Run(ti.msg, func(t *testing.T) {
			d, _ := newTestDispatcher(t, named("shell"))
			req := httptest.NewRequest("GET", ti.path, nil)
			for k, v := range ti.header {
				req.Header[k] = v
			}

			w := httptest.NewRecorder()
			d.ServeHTTP(w, req)
			assert.Equal(t, ti.expected, w.Header().Get("X-Handler"))
			if ti.expected == "" {
				assert.Equal(t, http.StatusNotFound, w.Code)
			}
		})
	}
}

func TestNotFoundListsEnabledRoutes(t *testing.T) {
	d, _ := newTestDispatcher(t, named("shell"))
	w := httptest.NewRecorder()
	d.ServeHTTP(w, httptest.NewRequest("GET", "/unknown/page", nil))

	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	var rsp notFoundResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rsp))
	assert.Equal(t, notFoundResponse{
		Error:   "Not Found",
		Message: "No route configured for this path",
		Path:    "/unknown/page",
		AvailableRoutes: []availableRoute{
			{Path: "/absen", Target: "http://localhost:5176", Description: "Attendance"},
			{Path: "/raw", Target: "http://localhost:8080"},
			{Path: "/gaji", Target: "http://localhost:5177"},
		},
	}, rsp)
}

func TestNotFoundWithEmptyTable(t *testing.T) {
	d := New(Options{Routing: routing.New(routing.Options{})})
	w := httptest.NewRecorder()
	d.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"availableRoutes":[]`)
}

func TestWithoutShell(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	for _, p := range []string{"/", "/login", "/_next/x.js", "/api/auth/login"} {
		w := httptest.NewRecorder()
		d.ServeHTTP(w, httptest.NewRequest("GET", p, nil))
		assert.Equal(t, http.StatusNotFound, w.Code, p)
	}
}

func TestUpdatesTakeEffect(t *testing.T) {
	d, rt := newTestDispatcher(t, named("shell"))

	routes := testRoutes()
	routes[0].Enabled = false
	rt.Update(routes)

	w := httptest.NewRecorder()
	d.ServeHTTP(w, httptest.NewRequest("GET", "/absen/app.js", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, w.Header().Get("X-Handler"))
}

func upgradeRequest(path string, header http.Header) *http.Request {
	req := httptest.NewRequest("GET", path, nil)
	for k, v := range header {
		req.Header[k] = v
	}

	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	return req
}

func TestUpgrades(t *testing.T) {
	for _, ti := range []struct {
		msg      string
		path     string
		header   http.Header
		expected string
	}{
		{msg: "path", path: "/absen/ws", expected: "passthrough:absen"},
		{msg: "bypass paths are matched too", path: "/api/routes", expected: ""},
		{
			msg:      "origin",
			path:     "/socket",
			header:   http.Header{"Origin": []string{"http://gateway.example.org/raw"}},
			expected: "passthrough:raw",
		},
		{msg: "dev server hot reload", path: "/", expected: "passthrough:vite"},
		{msg: "unmatched", path: "/socket", expected: ""},
	} {
		t.Run(ti.msg, func(t *testing.T) {
			d, _ := newTestDispatcher(t, named("shell"))
			w := httptest.NewRecorder()
			d.ServeHTTP(w, upgradeRequest(ti.path, ti.header))
			assert.Equal(t, ti.expected, w.Header().Get("X-Handler"))
			if ti.expected == "" {
				assert.Equal(t, http.StatusBadGateway, w.Code)
			}
		})
	}
}

func (m *countingMetrics) IncDispatch(outcome string) {
	m.dispatched[outcome]++
}

func TestDispatchMetrics(t *testing.T) {
	m := &countingMetrics{Metrics: metrics.Void, dispatched: make(map[string]int)}
	rt := routing.New(routing.Options{})
	rt.Update(testRoutes())
	d := New(Options{
		Routing:     rt,
		HTTP:        builder("http"),
		Passthrough: builder("passthrough"),
		API:         named("api"),
		Metrics:     m,
	})

	for _, p := range []string{"/absen/", "/absen/x", "/raw/", "/api/routes", "/unknown"} {
		d.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", p, nil))
	}

	d.ServeHTTP(httptest.NewRecorder(), upgradeRequest("/absen/ws", nil))
	d.ServeHTTP(httptest.NewRecorder(), upgradeRequest("/nowhere", nil))

	assert.Equal(t, map[string]int{
		OutcomeProxy:            2,
		OutcomePassthrough:      1,
		OutcomeAPI:              1,
		OutcomeNotFound:         1,
		OutcomeUpgrade:          1,
		OutcomeUpgradeUnmatched: 1,
	}, m.dispatched)
}
