/*
Package rewrite adjusts the content of backend responses so that backends
unaware of their mount path work when served under a path prefix of the
gateway.

The rewriting is heuristic. Absolute references to the backend target
become references to the mount path, and root relative references in
HTML, JavaScript and CSS get the mount path prepended. References that
are built at runtime, or that don't follow the recognized shapes, are
left unchanged.
*/
package rewrite

import (
	"mime"
	"net/http"
	"strings"
)

// Kind is the content category of a response body.
type Kind int

const (
	None Kind = iota
	HTML
	JS
	CSS
)

func (k Kind) String() string {
	switch k {
	case HTML:
		return "html"
	case JS:
		return "js"
	case CSS:
		return "css"
	default:
		return "none"
	}
}

// Mount describes where a backend is mounted on the gateway.
type Mount struct {

	// Path is the mount prefix, e.g. /absen.
	Path string

	// Target is the backend base url, e.g. http://localhost:5176.
	Target string
}

func (m Mount) target() string {
	return strings.TrimSuffix(m.Target, "/")
}

func (m Mount) prefix() string {
	return strings.TrimSuffix(m.Path, "/")
}

// Rewriter rewrites response bodies of a mounted backend.
type Rewriter interface {
	Rewrite(m Mount, k Kind, body []byte) ([]byte, error)
}

// KindOf returns the kind of a Content-Type header value.
func KindOf(contentType string) Kind {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(contentType)
	}

	switch {
	case strings.Contains(mt, "text/html"):
		return HTML
	case strings.Contains(mt, "javascript"):
		return JS
	case strings.Contains(mt, "text/css"):
		return CSS
	default:
		return None
	}
}

func encoded(h http.Header) bool {
	for _, v := range h.Values("Content-Encoding") {
		for _, e := range strings.Split(v, ",") {
			e = strings.ToLower(strings.TrimSpace(e))
			if e != "" && e != "identity" {
				return true
			}
		}
	}

	return false
}

// Applies tells whether a response with the given headers needs body
// rewriting, and of which kind. Content encoded responses and backends
// mounted on the root path are never rewritten.
func Applies(h http.Header, m Mount) (Kind, bool) {
	if m.prefix() == "" || encoded(h) {
		return None, false
	}

	k := KindOf(h.Get("Content-Type"))
	return k, k != None
}

// Location rewrites a redirect location pointing to the backend target
// to the mount path. Other locations are returned unchanged.
func Location(location string, m Mount) string {
	t := m.target()
	if t == "" || !strings.HasPrefix(location, t) {
		return location
	}

	rest := location[len(t):]
	if rest != "" && !strings.HasPrefix(rest, "/") && !strings.HasPrefix(rest, "?") && !strings.HasPrefix(rest, "#") {
		return location
	}

	l := m.prefix() + rest
	if l == "" || l[0] != '/' {
		l = "/" + l
	}

	return l
}
