/*
Package routing holds the live route table of the gateway.

The table is an immutable snapshot: the matcher built from the enabled
routes, and the caches of the proxy handlers created for them. Updates
build a new snapshot and swap it in one step. A request resolves its
route and its handler from the snapshot it loaded, so it never observes
a half applied update, and every update drops all cached handlers.
*/
package routing

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dashgate/dashgate/metrics"
	"github.com/dashgate/dashgate/routestore"
)

const LogRoutingTableUpdated = "route table updated"

// Options of the routing state.
type Options struct {

	// DevServerPorts used by the upgrade matcher. Defaults to
	// DefaultDevServerPorts.
	DevServerPorts []int

	// Metrics collector, defaults to metrics.Void.
	Metrics metrics.Metrics
}

// Builder creates the proxy handler of a route.
type Builder func(*routestore.Route) http.Handler

type handlerCache struct {
	mu       sync.Mutex
	handlers map[string]http.Handler
}

func (c *handlerCache) get(r *routestore.Route, build Builder) http.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handlers[r.ID]; ok {
		return h
	}

	if c.handlers == nil {
		c.handlers = make(map[string]http.Handler)
	}

	h := build(r)
	c.handlers[r.ID] = h
	return h
}

func (c *handlerCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}

// Table is one immutable version of the route table.
type Table struct {
	*Matcher

	// Version increases with every update.
	Version uint64

	// Created is the time of the update.
	Created time.Time

	routes   []*routestore.Route
	http     handlerCache
	upgrades handlerCache
}

// All returns every route of the table, including the disabled ones,
// in table order.
func (t *Table) All() []*routestore.Route {
	return t.routes
}

// Handler returns the cached http proxy handler of the route, building
// it on first use.
func (t *Table) Handler(r *routestore.Route, build Builder) http.Handler {
	return t.http.get(r, build)
}

// UpgradeHandler returns the cached upgrade and passthrough handler of
// the route, building it on first use.
func (t *Table) UpgradeHandler(r *routestore.Route, build Builder) http.Handler {
	return t.upgrades.get(r, build)
}

// Routing holds the current table.
type Routing struct {
	devPorts []int
	metrics  metrics.Metrics

	mu      sync.Mutex
	version uint64
	current atomic.Pointer[Table]
}

// New creates the routing state with an empty table.
func New(o Options) *Routing {
	if len(o.DevServerPorts) == 0 {
		o.DevServerPorts = DefaultDevServerPorts
	}

	if o.Metrics == nil {
		o.Metrics = metrics.Void
	}

	r := &Routing{devPorts: o.DevServerPorts, metrics: o.Metrics}
	r.current.Store(r.newTable(nil))
	return r
}

func (r *Routing) newTable(routes []*routestore.Route) *Table {
	return &Table{
		Matcher: NewMatcher(routes, r.devPorts),
		Version: r.version,
		Created: time.Now(),
		routes:  routes,
	}
}

// Update replaces the table and drops the cached handlers. The routes
// must not be modified after the call.
func (r *Routing) Update(routes []*routestore.Route) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.version++
	t := r.newTable(routes)
	r.current.Store(t)

	r.metrics.UpdateRoutes(len(routes), len(t.Routes()))
	log.WithFields(log.Fields{
		"version": t.Version,
		"routes":  len(routes),
		"enabled": len(t.Routes()),
		"created": t.Created.Format(time.RFC3339),
	}).Info(LogRoutingTableUpdated)
}

// Get returns the current table.
func (r *Routing) Get() *Table {
	return r.current.Load()
}
