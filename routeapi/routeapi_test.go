package routeapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dashgate/dashgate/auth"
	"github.com/dashgate/dashgate/routestore"
)

type staticVerifier map[string]*auth.Claims

func (v staticVerifier) Verify(token string) (*auth.Claims, error) {
	if c, ok := v[token]; ok {
		return c, nil
	}

	return nil, auth.ErrInvalidToken
}

type testAPI struct {
	handler http.Handler
	store   *routestore.Store
	dir     string
}

func newTestAPI(t *testing.T, o Options, routes ...*routestore.Route) *testAPI {
	t.Helper()
	dir := t.TempDir()
	if len(routes) > 0 {
		b, err := json.Marshal(routes)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, routestore.DefaultFile), b, 0o644))
	}

	s := routestore.New(routestore.Options{Dir: dir})
	s.Load()
	o.Store = s
	return &testAPI{handler: New(o), store: s, dir: dir}
}

func (a *testAPI) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)

	var rsp map[string]any
	if w.Body.Len() > 0 && w.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rsp))
	}

	return w, rsp
}

func (a *testAPI) saved(t *testing.T) []*routestore.Route {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(a.dir, routestore.DefaultFile))
	require.NoError(t, err)
	var routes []*routestore.Route
	require.NoError(t, json.Unmarshal(b, &routes))
	return routes
}

func absen() *routestore.Route {
	return &routestore.Route{ID: "absen", Path: "/absen", Target: "http://localhost:5176", Description: "Attendance", Enabled: true}
}

func TestList(t *testing.T) {
	a := newTestAPI(t, Options{}, absen())
	w, _ := a.do(t, "GET", "/api/routes", "")
	require.Equal(t, http.StatusOK, w.Code)

	var routes []*routestore.Route
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &routes))
	require.Len(t, routes, 1)
	assert.Equal(t, "/absen", routes[0].Path)

	a = newTestAPI(t, Options{})
	w, _ = a.do(t, "GET", "/api/routes", "")
	assert.Equal(t, "[]\n", w.Body.String())
}

func TestAdd(t *testing.T) {
	for _, ti := range []struct {
		msg      string
		body     string
		status   int
		err      string
		enabled  bool
		describe string
	}{{
		msg:     "path and target",
		body:    `{"path": "/upah", "target": "http://localhost:5177"}`,
		status:  http.StatusOK,
		enabled: true,
	}, {
		msg:      "disabled with description",
		body:     `{"path": "/upah", "target": "http://localhost:5177", "description": "Payroll", "enabled": false}`,
		status:   http.StatusOK,
		describe: "Payroll",
	}, {
		msg:    "missing path",
		body:   `{"target": "http://localhost:5177"}`,
		status: http.StatusBadRequest,
		err:    "Path and target are required",
	}, {
		msg:    "missing target",
		body:   `{"path": "/upah"}`,
		status: http.StatusBadRequest,
		err:    "Path and target are required",
	}, {
		msg:    "invalid target",
		body:   `{"path": "/upah", "target": "localhost:5177"}`,
		status: http.StatusBadRequest,
	}, {
		msg:    "invalid path",
		body:   `{"path": "upah", "target": "http://localhost:5177"}`,
		status: http.StatusBadRequest,
	}, {
		msg:    "not json",
		body:   `path=/upah`,
		status: http.StatusBadRequest,
		err:    "Invalid request body",
	}} {
		t.Run(ti.msg, func(t *testing.T) {
			a := newTestAPI(t, Options{})
			w, rsp := a.do(t, "POST", "/api/routes", ti.body)
			require.Equal(t, ti.status, w.Code)

			if ti.status != http.StatusOK {
				if ti.err != "" {
					assert.Equal(t, ti.err, rsp["error"])
				} else {
					assert.NotEmpty(t, rsp["error"])
				}

				assert.Empty(t, a.store.Routes())
				return
			}

			assert.Equal(t, "Route added successfully", rsp["message"])
			route := rsp["route"].(map[string]any)
			assert.Regexp(t, "^route-", route["id"])
			assert.Equal(t, ti.enabled, route["enabled"])
			assert.Equal(t, ti.describe, route["description"])

			saved := a.saved(t)
			require.Len(t, saved, 1)
			assert.Equal(t, route["id"], saved[0].ID)

			w, _ = a.do(t, "GET", "/api/routes", "")
			assert.Contains(t, w.Body.String(), `"/upah"`)
		})
	}
}

func TestUpdate(t *testing.T) {
	for _, ti := range []struct {
		msg      string
		id       string
		body     string
		status   int
		expected routestore.Route
	}{{
		msg:    "target only",
		id:     "absen",
		body:   `{"target": "http://localhost:5180"}`,
		status: http.StatusOK,
		expected: routestore.Route{
			ID: "absen", Path: "/absen", Target: "http://localhost:5180", Description: "Attendance", Enabled: true,
		},
	}, {
		msg:    "empty path keeps the path",
		id:     "absen",
		body:   `{"path": "", "enabled": false}`,
		status: http.StatusOK,
		expected: routestore.Route{
			ID: "absen", Path: "/absen", Target: "http://localhost:5176", Description: "Attendance",
		},
	}, {
		msg:    "null description clears",
		id:     "absen",
		body:   `{"description": null}`,
		status: http.StatusOK,
		expected: routestore.Route{
			ID: "absen", Path: "/absen", Target: "http://localhost:5176", Enabled: true,
		},
	}, {
		msg:    "flags",
		id:     "absen",
		body:   `{"rewriteContent": false, "rewritePath": false}`,
		status: http.StatusOK,
		expected: routestore.Route{
			ID: "absen", Path: "/absen", Target: "http://localhost:5176", Description: "Attendance", Enabled: true,
			RewriteContent: routestore.Bool(false), RewritePath: routestore.Bool(false),
		},
	}, {
		msg:    "unknown id",
		id:     "missing",
		body:   `{"target": "http://localhost:5180"}`,
		status: http.StatusNotFound,
	}, {
		msg:    "invalid result",
		id:     "absen",
		body:   `{"target": "ftp://localhost"}`,
		status: http.StatusBadRequest,
	}, {
		msg:    "not json",
		id:     "absen",
		body:   `{`,
		status: http.StatusBadRequest,
	}} {
		t.Run(ti.msg, func(t *testing.T) {
			a := newTestAPI(t, Options{}, absen())
			w, rsp := a.do(t, "PUT", "/api/routes/"+ti.id, ti.body)
			require.Equal(t, ti.status, w.Code)

			if ti.status != http.StatusOK {
				if ti.status == http.StatusNotFound {
					assert.Equal(t, "Route not found", rsp["error"])
				}

				assert.Equal(t, []*routestore.Route{absen()}, a.store.Routes())
				return
			}

			assert.Equal(t, "Route updated successfully", rsp["message"])
			r, err := a.store.Get(ti.id)
			require.NoError(t, err)
			assert.Equal(t, &ti.expected, r)
			assert.Equal(t, []*routestore.Route{&ti.expected}, a.saved(t))
		})
	}
}

func TestToggle(t *testing.T) {
	a := newTestAPI(t, Options{}, absen())

	w, rsp := a.do(t, "POST", "/api/routes/absen/toggle", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Route disabled", rsp["message"])
	assert.Equal(t, false, rsp["route"].(map[string]any)["enabled"])

	_, rsp = a.do(t, "POST", "/api/routes/absen/toggle", "")
	assert.Equal(t, "Route enabled", rsp["message"])
	assert.True(t, a.saved(t)[0].Enabled)

	w, rsp = a.do(t, "POST", "/api/routes/missing/toggle", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Route not found", rsp["error"])
}

func TestDelete(t *testing.T) {
	a := newTestAPI(t, Options{}, absen())

	w, rsp := a.do(t, "DELETE", "/api/routes/absen", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Route deleted successfully", rsp["message"])
	assert.NotContains(t, rsp, "route")
	assert.Empty(t, a.store.Routes())
	assert.Empty(t, a.saved(t))

	w, _ = a.do(t, "DELETE", "/api/routes/absen", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
	}))
	defer healthy.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	block := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(block)

	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()

	a := newTestAPI(t, Options{HealthTimeout: 100 * time.Millisecond},
		&routestore.Route{ID: "healthy", Path: "/a", Target: healthy.URL, Enabled: true},
		&routestore.Route{ID: "failing", Path: "/b", Target: failing.URL, Enabled: true},
		&routestore.Route{ID: "slow", Path: "/c", Target: slow.URL, Enabled: true},
		&routestore.Route{ID: "closed", Path: "/d", Target: closed.URL, Enabled: true},
		&routestore.Route{ID: "disabled", Path: "/e", Target: healthy.URL},
	)

	for _, ti := range []struct {
		id       string
		status   string
		hasError bool
	}{
		{"healthy", "healthy", false},
		{"failing", "unhealthy", false},
		{"slow", "unhealthy", true},
		{"closed", "unhealthy", true},
		{"disabled", "unhealthy", true},
	} {
		t.Run(ti.id, func(t *testing.T) {
			start := time.Now()
			w, rsp := a.do(t, "GET", "/api/routes/"+ti.id+"/health", "")
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, ti.status, rsp["status"])
			_, hasError := rsp["error"]
			assert.Equal(t, ti.hasError, hasError)
			assert.Less(t, time.Since(start), 5*time.Second)
		})
	}

	w, rsp := a.do(t, "GET", "/api/routes/missing/health", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Route not found", rsp["error"])
}

func TestCORS(t *testing.T) {
	a := newTestAPI(t, Options{AllowedOrigins: []string{"http://dashboard.example.org"}}, absen())

	req := httptest.NewRequest("GET", "/api/routes", nil)
	req.Header.Set("Origin", "http://dashboard.example.org")
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	assert.Equal(t, "http://dashboard.example.org", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("OPTIONS", "/api/routes/absen", nil)
	req.Header.Set("Origin", "http://dashboard.example.org")
	req.Header.Set("Access-Control-Request-Method", "PUT")
	w = httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PUT")

	req = httptest.NewRequest("GET", "/api/routes", nil)
	req.Header.Set("Origin", "http://evil.example.org")
	w = httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestUnknownPath(t *testing.T) {
	a := newTestAPI(t, Options{})
	w, rsp := a.do(t, "GET", "/api/routes/absen/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Not Found", rsp["error"])
}

func TestCORSAnyOrigin(t *testing.T) {
	a := newTestAPI(t, Options{})

	req := httptest.NewRequest("GET", "/api/routes", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestTokenVerification(t *testing.T) {
	hook := test.NewGlobal()
	t.Cleanup(hook.Reset)

	a := newTestAPI(t, Options{
		Verifier: staticVerifier{
			"admin-token": {Email: "admin@example.org", Role: "admin"},
			"user-token":  {Email: "user@example.org", Role: "user"},
		},
		Roles: []string{"admin"},
	}, absen())

	for _, ti := range []struct {
		token    string
		expected int
	}{
		{"", http.StatusUnauthorized},
		{"forged", http.StatusUnauthorized},
		{"user-token", http.StatusForbidden},
		{"admin-token", http.StatusOK},
	} {
		req := httptest.NewRequest("POST", "/api/routes/absen/toggle", nil)
		if ti.token != "" {
			req.AddCookie(&http.Cookie{Name: auth.DefaultCookie, Value: ti.token})
		}

		w := httptest.NewRecorder()
		a.handler.ServeHTTP(w, req)
		assert.Equal(t, ti.expected, w.Code, ti.token)
	}

	r, err := a.store.Get("absen")
	require.NoError(t, err)
	assert.False(t, r.Enabled)

	var toggled bool
	for _, e := range hook.AllEntries() {
		if e.Message == "route toggled" {
			toggled = true
			assert.Equal(t, "admin@example.org", e.Data["user"])
		}
	}

	assert.True(t, toggled)
}
