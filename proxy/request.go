package proxy

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/dashgate/dashgate/routestore"
)

func escapedPath(p string) string {
	u := url.URL{Path: p}
	return u.EscapedPath()
}

func stripPrefix(p, prefix string) string {
	p = strings.TrimPrefix(p, prefix)
	if p == "" || p[0] != '/' {
		p = "/" + p
	}

	return p
}

func joinPath(base, p string) string {
	if base == "" || base == "/" {
		return p
	}

	return strings.TrimSuffix(base, "/") + p
}

// forwardPath returns the escaped path of the request to the backend.
func forwardPath(u *url.URL, r *routestore.Route, target *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}

	if r.StripsPrefix() {
		p = stripPrefix(p, escapedPath(r.Path))
	}

	return joinPath(target.EscapedPath(), p)
}

// mapRequest points the outgoing request to the backend of the route.
func mapRequest(out, in *http.Request, r *routestore.Route, target *url.URL) {
	ep := forwardPath(in.URL, r, target)
	p, err := url.PathUnescape(ep)
	if err != nil {
		p = ep
	}

	out.URL.Scheme = target.Scheme
	out.URL.Host = target.Host
	out.URL.Path = p
	out.URL.RawPath = ep

	switch {
	case target.RawQuery == "":
	case out.URL.RawQuery == "":
		out.URL.RawQuery = target.RawQuery
	default:
		out.URL.RawQuery = target.RawQuery + "&" + out.URL.RawQuery
	}

	if r.ChangesOrigin() {
		out.Host = target.Host
	} else {
		out.Host = in.Host
	}
}
