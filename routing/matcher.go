package routing

import (
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/dashgate/dashgate/routestore"
)

// Reason tells how a route was matched.
type Reason int

const (
	NoMatch Reason = iota
	MatchPath
	MatchReferer
	MatchOrigin
	MatchDevServer
)

func (r Reason) String() string {
	switch r {
	case MatchPath:
		return "path"
	case MatchReferer:
		return "referer"
	case MatchOrigin:
		return "origin"
	case MatchDevServer:
		return "devserver"
	default:
		return "none"
	}
}

// DefaultDevServerPorts are the ports assumed to belong to frontend dev
// servers, used to place upgrade requests that carry no route
// information.
var DefaultDevServerPorts = []int{5173, 5174, 5175, 5176, 5177}

// Matcher selects the route of a request from an immutable set of
// routes. The routes are the enabled ones, ordered by path length,
// longest first.
type Matcher struct {
	routes   []*routestore.Route
	devPorts map[string]bool
}

// NewMatcher creates a matcher from the route table. Disabled routes are
// dropped. Routes with equal path lengths keep their table order.
func NewMatcher(routes []*routestore.Route, devServerPorts []int) *Matcher {
	var enabled []*routestore.Route
	for _, r := range routes {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}

	sort.SliceStable(enabled, func(i, j int) bool {
		return len(enabled[i].Path) > len(enabled[j].Path)
	})

	ports := make(map[string]bool)
	for _, p := range devServerPorts {
		ports[strconv.Itoa(p)] = true
	}

	return &Matcher{routes: enabled, devPorts: ports}
}

// Routes returns the enabled routes in match order.
func (m *Matcher) Routes() []*routestore.Route {
	return m.routes
}

func (m *Matcher) matchPath(p string) *routestore.Route {
	for _, r := range m.routes {
		if strings.HasPrefix(p, r.Path) {
			return r
		}
	}

	return nil
}

// matchContains returns the first route whose path occurs in the header
// value. With several candidates the longest path wins, ties are
// resolved by table order.
func (m *Matcher) matchContains(v string) *routestore.Route {
	if v == "" {
		return nil
	}

	for _, r := range m.routes {
		if strings.Contains(v, r.Path) {
			return r
		}
	}

	return nil
}

func (m *Matcher) matchDevServer() *routestore.Route {
	for _, r := range m.routes {
		if !r.DevServer() {
			continue
		}

		u, err := url.Parse(r.Target)
		if err != nil {
			continue
		}

		if m.devPorts[u.Port()] {
			return r
		}
	}

	return nil
}

// Match returns the route of a plain http request: by path prefix
// first, then by the Referer and the Origin header.
func (m *Matcher) Match(req *http.Request) (*routestore.Route, Reason) {
	if r := m.matchPath(req.URL.Path); r != nil {
		return r, MatchPath
	}

	if r := m.matchContains(req.Header.Get("Referer")); r != nil {
		return r, MatchReferer
	}

	if r := m.matchContains(req.Header.Get("Origin")); r != nil {
		return r, MatchOrigin
	}

	return nil, NoMatch
}

// MatchUpgrade returns the route of a protocol upgrade request: by path
// prefix, then by the Origin and the Referer header. Upgrade requests to
// the root path are finally sent to the first dev server route.
func (m *Matcher) MatchUpgrade(req *http.Request) (*routestore.Route, Reason) {
	if r := m.matchPath(req.URL.Path); r != nil {
		return r, MatchPath
	}

	if r := m.matchContains(req.Header.Get("Origin")); r != nil {
		return r, MatchOrigin
	}

	if r := m.matchContains(req.Header.Get("Referer")); r != nil {
		return r, MatchReferer
	}

	if req.URL.Path == "/" || req.URL.Path == "" {
		if r := m.matchDevServer(); r != nil {
			return r, MatchDevServer
		}
	}

	return nil, NoMatch
}
