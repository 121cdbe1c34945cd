package routestore

import (
	"crypto/rand"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid"
)

var (
	// ErrNotFound is returned when no route exists with the requested id.
	ErrNotFound = errors.New("route not found")

	// ErrInvalidRoute is returned when a route fails validation. The
	// returned errors wrap it with the offending detail.
	ErrInvalidRoute = errors.New("invalid route")
)

var targetRx = regexp.MustCompile(`^https?://`)

// Route mounts a backend target under a path prefix of the gateway.
type Route struct {
	ID          string `json:"id"`
	Path        string `json:"path"`
	Target      string `json:"target"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`

	// RewritePath strips the mount prefix before forwarding. Unset means
	// true.
	RewritePath *bool `json:"rewritePath,omitempty"`

	// ChangeOrigin sends the target host as the Host header. Unset
	// means true.
	ChangeOrigin *bool `json:"changeOrigin,omitempty"`

	// RewriteContent set to false forces passthrough proxying. Set to
	// true, it marks the route as a dev server candidate for upgrade
	// requests that carry no route information.
	RewriteContent *bool `json:"rewriteContent,omitempty"`
}

// Patch holds the fields of a partial route update. Nil fields are left
// unchanged.
type Patch struct {
	Path           *string
	Target         *string
	Description    *string
	Enabled        *bool
	RewritePath    *bool
	ChangeOrigin   *bool
	RewriteContent *bool
}

// NewID generates a time ordered route id.
func NewID() string {
	return "route-" + strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String())
}

// StripsPrefix tells whether the mount prefix is removed from the
// forwarded path.
func (r *Route) StripsPrefix() bool {
	return r.RewritePath == nil || *r.RewritePath
}

// ChangesOrigin tells whether the Host header is set to the target host.
func (r *Route) ChangesOrigin() bool {
	return r.ChangeOrigin == nil || *r.ChangeOrigin
}

// Passthrough tells whether responses must be relayed without
// inspection.
func (r *Route) Passthrough() bool {
	return r.RewriteContent != nil && !*r.RewriteContent
}

// DevServer tells whether the route was explicitly flagged for content
// rewriting.
func (r *Route) DevServer() bool {
	return r.RewriteContent != nil && *r.RewriteContent
}

// Validate checks the path and the target of the route.
func (r *Route) Validate() error {
	if r.Path == "" || r.Target == "" {
		return fmt.Errorf("%w: path and target are required", ErrInvalidRoute)
	}

	if !strings.HasPrefix(r.Path, "/") {
		return fmt.Errorf("%w: path must start with '/': %s", ErrInvalidRoute, r.Path)
	}

	if !targetRx.MatchString(r.Target) {
		return fmt.Errorf("%w: target must be an http or https url: %s", ErrInvalidRoute, r.Target)
	}

	return nil
}

// Clone returns a deep copy of the route.
func (r *Route) Clone() *Route {
	c := *r
	c.RewritePath = cloneBool(r.RewritePath)
	c.ChangeOrigin = cloneBool(r.ChangeOrigin)
	c.RewriteContent = cloneBool(r.RewriteContent)
	return &c
}

func (r *Route) apply(p Patch) {
	if p.Path != nil && *p.Path != "" {
		r.Path = *p.Path
	}

	if p.Target != nil && *p.Target != "" {
		r.Target = *p.Target
	}

	if p.Description != nil {
		r.Description = *p.Description
	}

	if p.Enabled != nil {
		r.Enabled = *p.Enabled
	}

	if p.RewritePath != nil {
		r.RewritePath = cloneBool(p.RewritePath)
	}

	if p.ChangeOrigin != nil {
		r.ChangeOrigin = cloneBool(p.ChangeOrigin)
	}

	if p.RewriteContent != nil {
		r.RewriteContent = cloneBool(p.RewriteContent)
	}
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}

	v := *b
	return &v
}

// Bool returns a pointer to b, for building optional route flags.
func Bool(b bool) *bool {
	return &b
}

func cloneAll(routes []*Route) []*Route {
	c := make([]*Route, len(routes))
	for i, r := range routes {
		c[i] = r.Clone()
	}

	return c
}
