/*
Package dispatch decides, for every request received by the gateway,
which handler serves it.

The order of the decisions:

  - protocol upgrades are sent to the passthrough handler of the route
    found by the upgrade matcher, or the connection is dropped
  - the configuration UI, the management API and the authentication and
    service endpoints of the application shell are never proxied
  - the internal assets of the application shell
  - the legacy fixed proxies
  - the routes of the current table, matched by path prefix, Referer or
    Origin
  - the pages of the application shell
  - everything else gets 404 with the list of the enabled routes
*/
package dispatch

import (
	"encoding/json"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/dashgate/dashgate/metrics"
	"github.com/dashgate/dashgate/proxy"
	"github.com/dashgate/dashgate/routestore"
	"github.com/dashgate/dashgate/routing"
)

// Outcomes recorded in the dispatch metrics.
const (
	OutcomeUpgrade          = "upgrade"
	OutcomeUpgradeUnmatched = "upgrade-unmatched"
	OutcomeConfigUI         = "config-ui"
	OutcomeAPI              = "api"
	OutcomeShell            = "shell"
	OutcomeLegacy           = "legacy"
	OutcomeProxy            = "proxy"
	OutcomePassthrough      = "passthrough"
	OutcomeNotFound         = "not-found"
)

const (
	configUIPath = "/config-path"
	staticPrefix = "/_static"
	apiPrefix    = "/api/routes"
)

var (
	shellBypassPrefixes = []string{"/api/auth", "/api/services"}
	shellAssetPrefixes  = []string{"/_next", "/static"}
	shellPagePrefixes   = []string{"/dashboard", "/admin", "/api/auth", "/api/services", "/api/routes"}
	shellPages          = []string{"/", "/login"}
)

// Source provides the current route table.
type Source interface {
	Get() *routing.Table
}

// Legacy is a fixed proxy that takes precedence over the route table.
type Legacy struct {
	Prefix  string
	Handler http.Handler
}

// Options of the dispatcher.
type Options struct {

	// Routing provides the route table.
	Routing Source

	// HTTP builds the content rewriting handler of a route.
	HTTP routing.Builder

	// Passthrough builds the handler of the routes that disable
	// content rewriting, and of the upgrade requests.
	Passthrough routing.Builder

	// API is the route management API.
	API http.Handler

	// ConfigUI serves the route configuration page and its assets.
	ConfigUI http.Handler

	// Shell is the application shell. When nil, its paths get 404.
	Shell http.Handler

	// Legacy proxies, checked in order.
	Legacy []Legacy

	// Metrics collector, defaults to metrics.Void.
	Metrics metrics.Metrics
}

// Dispatcher is the central handler of the gateway.
type Dispatcher struct {
	routing     Source
	http        routing.Builder
	passthrough routing.Builder
	api         http.Handler
	configUI    http.Handler
	shell       http.Handler
	legacy      []Legacy
	metrics     metrics.Metrics
}

type availableRoute struct {
	Path        string `json:"path"`
	Target      string `json:"target"`
	Description string `json:"description"`
}

type notFoundResponse struct {
	Error           string           `json:"error"`
	Message         string           `json:"message"`
	Path            string           `json:"path"`
	AvailableRoutes []availableRoute `json:"availableRoutes"`
}

// New creates a dispatcher.
func New(o Options) *Dispatcher {
	if o.Metrics == nil {
		o.Metrics = metrics.Void
	}

	return &Dispatcher{
		routing:     o.Routing,
		http:        o.HTTP,
		passthrough: o.Passthrough,
		api:         o.API,
		configUI:    o.ConfigUI,
		shell:       o.Shell,
		legacy:      o.Legacy,
		metrics:     o.Metrics,
	}
}

func hasAnyPrefix(p string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}

	return false
}

func isShellPage(p string) bool {
	for _, page := range shellPages {
		if p == page {
			return true
		}
	}

	return hasAnyPrefix(p, shellPagePrefixes)
}

func (d *Dispatcher) serve(w http.ResponseWriter, r *http.Request, outcome string, h http.Handler) {
	d.metrics.IncDispatch(outcome)
	h.ServeHTTP(w, r)
}

func (d *Dispatcher) notFound(w http.ResponseWriter, r *http.Request, t *routing.Table) {
	d.metrics.IncDispatch(OutcomeNotFound)

	available := []availableRoute{}
	for _, route := range t.All() {
		if route.Enabled {
			available = append(available, availableRoute{
				Path:        route.Path,
				Target:      route.Target,
				Description: route.Description,
			})
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	if err := json.NewEncoder(w).Encode(notFoundResponse{
		Error:           "Not Found",
		Message:         "No route configured for this path",
		Path:            r.URL.Path,
		AvailableRoutes: available,
	}); err != nil {
		log.WithError(err).Debug("failed to write not found response")
	}
}

func (d *Dispatcher) serveUpgrade(w http.ResponseWriter, r *http.Request, t *routing.Table) {
	route, reason := t.MatchUpgrade(r)
	if route == nil {
		d.metrics.IncDispatch(OutcomeUpgradeUnmatched)
		log.WithField("path", r.URL.Path).Warn("no route for upgrade request, dropping connection")
		proxy.Destroy(w)
		return
	}

	log.WithFields(log.Fields{"path": r.URL.Path, "route": route.ID, "match": reason}).Debug("upgrade request")
	d.serve(w, r, OutcomeUpgrade, t.UpgradeHandler(route, d.passthrough))
}

func (d *Dispatcher) serveRoute(w http.ResponseWriter, r *http.Request, t *routing.Table, route *routestore.Route, reason routing.Reason) {
	l := log.WithFields(log.Fields{"path": r.URL.Path, "route": route.ID, "target": route.Target})
	if reason != routing.MatchPath {
		l = l.WithField("match", reason)
	}

	if route.Passthrough() {
		l.Debug("passthrough request")
		d.serve(w, r, OutcomePassthrough, t.UpgradeHandler(route, d.passthrough))
		return
	}

	l.Debug("proxy request")
	d.serve(w, r, OutcomeProxy, t.Handler(route, d.http))
}

// ServeHTTP implements http.Handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t := d.routing.Get()
	p := r.URL.Path

	if proxy.IsUpgradeRequest(r) {
		d.serveUpgrade(w, r, t)
		return
	}

	switch {
	case p == configUIPath || strings.HasPrefix(p, staticPrefix):
		if d.configUI != nil {
			d.serve(w, r, OutcomeConfigUI, d.configUI)
			return
		}
	case strings.HasPrefix(p, apiPrefix):
		if d.api != nil {
			d.serve(w, r, OutcomeAPI, d.api)
			return
		}
	case hasAnyPrefix(p, shellBypassPrefixes), hasAnyPrefix(p, shellAssetPrefixes):
		if d.shell != nil {
			d.serve(w, r, OutcomeShell, d.shell)
			return
		}
	default:
		for _, l := range d.legacy {
			if strings.HasPrefix(p, l.Prefix) {
				d.serve(w, r, OutcomeLegacy, l.Handler)
				return
			}
		}

		if route, reason := t.Match(r); route != nil {
			d.serveRoute(w, r, t, route, reason)
			return
		}

		if d.shell != nil && isShellPage(p) {
			d.serve(w, r, OutcomeShell, d.shell)
			return
		}
	}

	d.notFound(w, r, t)
}
