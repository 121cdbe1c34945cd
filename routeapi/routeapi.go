/*
Package routeapi implements the management API of the route table.

	GET    /api/routes              list of all routes
	POST   /api/routes              add a route
	PUT    /api/routes/{id}         update a route partially
	POST   /api/routes/{id}/toggle  enable or disable a route
	DELETE /api/routes/{id}         delete a route
	GET    /api/routes/{id}/health  probe the target of a route

Every change is persisted by the store and takes effect for the next
request served by the gateway.
*/
package routeapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/dashgate/dashgate/auth"
	"github.com/dashgate/dashgate/routestore"
)

const (
	DefaultPrefix        = "/api/routes"
	DefaultHealthTimeout = 5 * time.Second

	maxBodySize = 1 << 20
)

// Store is the route table as seen by the API.
type Store interface {
	Routes() []*routestore.Route
	Get(id string) (*routestore.Route, error)
	Add(r *routestore.Route) (*routestore.Route, error)
	Update(id string, p routestore.Patch) (*routestore.Route, error)
	Toggle(id string) (*routestore.Route, error)
	Delete(id string) error
}

// Options of the management API.
type Options struct {
	Store Store

	// Prefix of the API paths, defaults to DefaultPrefix.
	Prefix string

	// HealthTimeout limits the health probes of the targets.
	HealthTimeout time.Duration

	// Client used by the health probes, defaults to http.DefaultClient.
	Client *http.Client

	// AllowedOrigins for cross origin calls. When empty, the origin of
	// any request is allowed.
	AllowedOrigins []string

	// Verifier enables token verification for every call when set.
	Verifier auth.Verifier

	// AuthCookie holds the token, defaults to auth.DefaultCookie.
	AuthCookie string

	// Roles allowed to manage the routes. When empty, any verified
	// token is accepted.
	Roles []string
}

type api struct {
	store         Store
	healthTimeout time.Duration
	client        *http.Client
}

type errorResponse struct {
	Error string `json:"error"`
}

type routeResponse struct {
	Message string            `json:"message"`
	Route   *routestore.Route `json:"route,omitempty"`
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type addRequest struct {
	Path           string `json:"path"`
	Target         string `json:"target"`
	Description    string `json:"description"`
	Enabled        *bool  `json:"enabled"`
	RewritePath    *bool  `json:"rewritePath"`
	ChangeOrigin   *bool  `json:"changeOrigin"`
	RewriteContent *bool  `json:"rewriteContent"`
}

// New creates the handler of the management API.
func New(o Options) http.Handler {
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}

	if o.HealthTimeout <= 0 {
		o.HealthTimeout = DefaultHealthTimeout
	}

	if o.Client == nil {
		o.Client = http.DefaultClient
	}

	a := &api{store: o.Store, healthTimeout: o.HealthTimeout, client: o.Client}

	r := mux.NewRouter()
	r.HandleFunc(o.Prefix, a.list).Methods(http.MethodGet)
	r.HandleFunc(o.Prefix, a.add).Methods(http.MethodPost)
	r.HandleFunc(o.Prefix+"/{id}", a.update).Methods(http.MethodPut)
	r.HandleFunc(o.Prefix+"/{id}/toggle", a.toggle).Methods(http.MethodPost)
	r.HandleFunc(o.Prefix+"/{id}", a.delete).Methods(http.MethodDelete)
	r.HandleFunc(o.Prefix+"/{id}/health", a.health).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Not Found"})
	})

	var h http.Handler = r
	if o.Verifier != nil {
		h = auth.NewHandler(auth.Options{Verifier: o.Verifier, Cookie: o.AuthCookie, Roles: o.Roles}, h)
	}

	origins := handlers.AllowedOrigins(o.AllowedOrigins)
	if len(o.AllowedOrigins) == 0 {
		origins = handlers.AllowedOriginValidator(func(origin string) bool { return origin != "" })
	}

	return handlers.CORS(
		origins,
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
	)(h)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("failed to write api response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, routestore.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Route not found"})
	case errors.Is(err, routestore.ErrInvalidRoute):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		log.WithError(err).Error("route api failure")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal Server Error"})
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil || !gjson.ValidBytes(b) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return nil, false
	}

	return b, true
}

// changeLog returns the log entry of a route change, with the user of the
// verified token when there is one.
func changeLog(r *http.Request, fields log.Fields) *log.Entry {
	e := log.WithFields(fields)
	if c, ok := auth.ClaimsFromContext(r.Context()); ok {
		e = e.WithField("user", c.Email)
	}

	return e
}

func (a *api) list(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.store.Routes())
}

func (a *api) add(w http.ResponseWriter, r *http.Request) {
	b, ok := readBody(w, r)
	if !ok {
		return
	}

	var req addRequest
	if err := json.Unmarshal(b, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}

	if req.Path == "" || req.Target == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Path and target are required"})
		return
	}

	route, err := a.store.Add(&routestore.Route{
		Path:           req.Path,
		Target:         req.Target,
		Description:    req.Description,
		Enabled:        req.Enabled == nil || *req.Enabled,
		RewritePath:    req.RewritePath,
		ChangeOrigin:   req.ChangeOrigin,
		RewriteContent: req.RewriteContent,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	changeLog(r, log.Fields{"route": route.ID, "path": route.Path, "target": route.Target}).Info("route added")
	writeJSON(w, http.StatusOK, routeResponse{Message: "Route added successfully", Route: route})
}

func stringField(body []byte, name string) *string {
	v := gjson.GetBytes(body, name)
	if !v.Exists() {
		return nil
	}

	s := ""
	if v.Type == gjson.String {
		s = v.Str
	}

	return &s
}

func boolField(body []byte, name string) *bool {
	v := gjson.GetBytes(body, name)
	if !v.IsBool() {
		return nil
	}

	return routestore.Bool(v.Bool())
}

// patchOf builds the patch from the fields present in the body. Empty
// paths and targets keep the current values, an explicit null
// description clears it.
func patchOf(body []byte) routestore.Patch {
	return routestore.Patch{
		Path:           stringField(body, "path"),
		Target:         stringField(body, "target"),
		Description:    stringField(body, "description"),
		Enabled:        boolField(body, "enabled"),
		RewritePath:    boolField(body, "rewritePath"),
		ChangeOrigin:   boolField(body, "changeOrigin"),
		RewriteContent: boolField(body, "rewriteContent"),
	}
}

func (a *api) update(w http.ResponseWriter, r *http.Request) {
	b, ok := readBody(w, r)
	if !ok {
		return
	}

	route, err := a.store.Update(mux.Vars(r)["id"], patchOf(b))
	if err != nil {
		writeError(w, err)
		return
	}

	changeLog(r, log.Fields{"route": route.ID, "path": route.Path, "target": route.Target}).Info("route updated")
	writeJSON(w, http.StatusOK, routeResponse{Message: "Route updated successfully", Route: route})
}

func (a *api) toggle(w http.ResponseWriter, r *http.Request) {
	route, err := a.store.Toggle(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	msg := "Route disabled"
	if route.Enabled {
		msg = "Route enabled"
	}

	changeLog(r, log.Fields{"route": route.ID, "enabled": route.Enabled}).Info("route toggled")
	writeJSON(w, http.StatusOK, routeResponse{Message: msg, Route: route})
}

func (a *api) delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.store.Delete(id); err != nil {
		writeError(w, err)
		return
	}

	changeLog(r, log.Fields{"route": id}).Info("route deleted")
	writeJSON(w, http.StatusOK, routeResponse{Message: "Route deleted successfully"})
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	route, err := a.store.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	if !route.Enabled {
		writeJSON(w, http.StatusOK, healthResponse{Status: "unhealthy", Error: "route disabled"})
		return
	}

	writeJSON(w, http.StatusOK, a.probe(r.Context(), route.Target))
}

// probe sends a HEAD request to the target. Any 2xx response is healthy.
func (a *api) probe(ctx context.Context, target string) healthResponse {
	ctx, cancel := context.WithTimeout(ctx, a.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return healthResponse{Status: "unhealthy", Error: err.Error()}
	}

	rsp, err := a.client.Do(req)
	if err != nil {
		return healthResponse{Status: "unhealthy", Error: err.Error()}
	}

	rsp.Body.Close()
	if rsp.StatusCode < 200 || rsp.StatusCode >= 300 {
		return healthResponse{Status: "unhealthy"}
	}

	return healthResponse{Status: "healthy"}
}
