/*
Package proxy implements the forwarding engines of the gateway.

The http engine forwards requests to the backend of a route through a
fixed pipeline: the request filters sanitize the outgoing request, the
request is forwarded, and the response filters intercept authentication
errors, rewrite redirect locations and rewrite the body of HTML,
JavaScript and CSS responses for the mount path of the route.

The passthrough engine relays protocol upgrades, e.g. WebSocket
connections, and the traffic of routes that disable content rewriting,
without inspecting the responses.

Handlers are created per route. The handlers of all routes share one
http transport.
*/
package proxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/dashgate/dashgate/circuit"
	"github.com/dashgate/dashgate/metrics"
	"github.com/dashgate/dashgate/rewrite"
	"github.com/dashgate/dashgate/routestore"
)

const (
	DefaultLoginPath             = "/login"
	DefaultAuthCookie            = "auth-token"
	DefaultBackendCookie         = "payroll_auth_token"
	DefaultIdleConnsPerHost      = 64
	DefaultCloseIdleConnsPeriod  = 20 * time.Second
	DefaultResponseHeaderTimeout = 60 * time.Second
	DefaultExpectContinueTimeout = 30 * time.Second
	DefaultFlushInterval         = 20 * time.Millisecond
	DefaultTimeout               = 30 * time.Second
	DefaultKeepAlive             = 30 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	anonymousLogInterval         = time.Minute
)

// DefaultStaticAssets matches the request paths that get revalidating
// cache directives.
var DefaultStaticAssets = regexp.MustCompile(`\.(css|js|png|jpg|jpeg|gif|ico|svg|woff|woff2|ttf|eot)$`)

// Params of the proxy engines.
type Params struct {

	// Rewriter of the response bodies. Defaults to the regexp based
	// rewriter with the default public aliases.
	Rewriter rewrite.Rewriter

	// LoginPath is the redirect location for backend authentication
	// errors of page navigations.
	LoginPath string

	// AuthCookie is removed from the requests sent to the backends.
	AuthCookie string

	// BackendCookie is the session cookie of the backends. It is
	// forwarded, and its absence is logged.
	BackendCookie string

	// StaticAssets selects the requests getting revalidating cache
	// directives.
	StaticAssets *regexp.Regexp

	// CompressRewritten enables encoding of rewritten bodies with
	// the encoding accepted by the client.
	CompressRewritten bool

	// Breaker settings, breakers are disabled when no failure count
	// is set.
	Breaker circuit.BreakerSettings

	// Insecure skips the verification of backend certificates.
	Insecure bool

	// Network timeouts of the backend connections.
	Timeout               time.Duration
	KeepAlive             time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration

	// Same as net/http.Transport.MaxIdleConnsPerHost, but the default
	// is 64.
	IdleConnectionsPerHost int

	// Period of closing the idle backend connections.
	CloseIdleConnsPeriod time.Duration

	// FlushInterval of streamed responses.
	FlushInterval time.Duration

	// Metrics collector, defaults to metrics.Void.
	Metrics metrics.Metrics
}

// Proxy creates the forwarding handlers of the routes.
type Proxy struct {
	rewriter          rewrite.Rewriter
	loginPath         string
	authCookie        string
	backendCookie     string
	staticAssets      *regexp.Regexp
	compressRewritten bool
	breaker           circuit.BreakerSettings
	insecure          bool
	dialer            *net.Dialer
	roundTripper      *http.Transport
	flushInterval     time.Duration
	metrics           metrics.Metrics
	quit              chan struct{}
	closeOnce         sync.Once
}

// WithParams returns an initialized Proxy.
func WithParams(p Params) *Proxy {
	if p.Rewriter == nil {
		p.Rewriter = rewrite.New(rewrite.Options{PublicAliases: rewrite.DefaultPublicAliases})
	}

	if p.LoginPath == "" {
		p.LoginPath = DefaultLoginPath
	}

	if p.AuthCookie == "" {
		p.AuthCookie = DefaultAuthCookie
	}

	if p.BackendCookie == "" {
		p.BackendCookie = DefaultBackendCookie
	}

	if p.StaticAssets == nil {
		p.StaticAssets = DefaultStaticAssets
	}

	if p.Timeout == 0 {
		p.Timeout = DefaultTimeout
	}

	if p.KeepAlive == 0 {
		p.KeepAlive = DefaultKeepAlive
	}

	if p.TLSHandshakeTimeout == 0 {
		p.TLSHandshakeTimeout = DefaultTLSHandshakeTimeout
	}

	if p.ResponseHeaderTimeout == 0 {
		p.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
	}

	if p.ExpectContinueTimeout == 0 {
		p.ExpectContinueTimeout = DefaultExpectContinueTimeout
	}

	if p.IdleConnectionsPerHost <= 0 {
		p.IdleConnectionsPerHost = DefaultIdleConnsPerHost
	}

	if p.CloseIdleConnsPeriod == 0 {
		p.CloseIdleConnsPeriod = DefaultCloseIdleConnsPeriod
	}

	if p.FlushInterval == 0 {
		p.FlushInterval = DefaultFlushInterval
	}

	if p.Metrics == nil {
		p.Metrics = metrics.Void
	}

	dialer := &net.Dialer{Timeout: p.Timeout, KeepAlive: p.KeepAlive}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   p.TLSHandshakeTimeout,
		ResponseHeaderTimeout: p.ResponseHeaderTimeout,
		ExpectContinueTimeout: p.ExpectContinueTimeout,
		MaxIdleConnsPerHost:   p.IdleConnectionsPerHost,
		IdleConnTimeout:       p.CloseIdleConnsPeriod,

		// the backends are asked for identity encoded responses, so
		// that the bodies can be rewritten
		DisableCompression: true,
	}

	if p.Insecure {
		/* #nosec */
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	quit := make(chan struct{})
	if p.CloseIdleConnsPeriod > 0 {
		go func() {
			ticker := time.NewTicker(p.CloseIdleConnsPeriod)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					tr.CloseIdleConnections()
				case <-quit:
					return
				}
			}
		}()
	}

	return &Proxy{
		rewriter:          p.Rewriter,
		loginPath:         p.LoginPath,
		authCookie:        p.AuthCookie,
		backendCookie:     p.BackendCookie,
		staticAssets:      p.StaticAssets,
		compressRewritten: p.CompressRewritten,
		breaker:           p.Breaker,
		insecure:          p.Insecure,
		dialer:            dialer,
		roundTripper:      tr,
		flushInterval:     p.FlushInterval,
		metrics:           p.Metrics,
		quit:              quit,
	}
}

// routeProxy forwards the requests of a single route.
type routeProxy struct {
	proxy           *Proxy
	route           *routestore.Route
	target          *url.URL
	reverseProxy    *httputil.ReverseProxy
	requestFilters  []requestFilter
	responseFilters []responseFilter
	errorBody       func(*proxyContext, error) any
	anonymous       *rate.Sometimes
}

func (p *Proxy) newRouteProxy(r *routestore.Route, requestFilters []requestFilter, responseFilters []responseFilter) *routeProxy {
	rp := &routeProxy{
		proxy:           p,
		route:           r,
		requestFilters:  requestFilters,
		responseFilters: responseFilters,
		errorBody:       proxyErrorBody,
		anonymous:       &rate.Sometimes{First: 1, Interval: anonymousLogInterval},
	}

	target, err := url.Parse(r.Target)
	if err != nil || target.Host == "" {
		log.WithError(err).WithFields(log.Fields{"route": r.ID, "target": r.Target}).Error("invalid route target")
		return rp
	}

	rp.target = target

	var transport http.RoundTripper = p.roundTripper
	if p.breaker.Enabled() {
		transport = &breakerTransport{
			next:    transport,
			breaker: circuit.NewBreaker(r.ID, p.breaker),
		}
	}

	rp.reverseProxy = &httputil.ReverseProxy{
		Rewrite:        rp.rewriteRequest,
		ModifyResponse: rp.modifyResponse,
		ErrorHandler:   rp.handleError,
		Transport:      transport,
		FlushInterval:  p.flushInterval,
		ErrorLog:       newServerErrorLog(),
	}

	return rp
}

// HTTP returns the content rewriting handler of a route.
func (p *Proxy) HTTP(r *routestore.Route) http.Handler {
	return p.newRouteProxy(
		r,
		[]requestFilter{
			stripAcceptEncoding,
			stripConditionals,
			revalidateStaticAssets,
			sanitizeCookies,
			setFlowID,
		},
		[]responseFilter{
			interceptAuthErrors,
			rewriteLocation,
			rewriteBody,
		},
	)
}

// Passthrough returns the handler of a route that relays upgrades and
// responses without inspection.
func (p *Proxy) Passthrough(r *routestore.Route) http.Handler {
	return &passthrough{
		http:    p.newRouteProxy(r, []requestFilter{setFlowID}, nil),
		upgrade: p.newUpgradeProxy(r),
	}
}

// Static returns a handler forwarding to a fixed target without prefix
// stripping and without response inspection. Failures are reported with
// the given message.
func (p *Proxy) Static(prefix, target, message string) http.Handler {
	r := &routestore.Route{
		ID:          "static:" + prefix,
		Path:        prefix,
		Target:      target,
		Enabled:     true,
		RewritePath: routestore.Bool(false),
	}

	rp := p.newRouteProxy(r, []requestFilter{setFlowID}, nil)
	rp.errorBody = func(*proxyContext, error) any {
		return errorBody{Error: "Service Unavailable", Message: message}
	}

	return rp
}

// Close stops the closing of the idle connections and closes the
// currently idle ones. It can be called more than once.
func (p *Proxy) Close() error {
	p.closeOnce.Do(func() { close(p.quit) })
	p.roundTripper.CloseIdleConnections()
	return nil
}

type passthrough struct {
	http    http.Handler
	upgrade *upgradeProxy
}

func (pt *passthrough) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if IsUpgradeRequest(r) {
		pt.upgrade.ServeHTTP(w, r)
		return
	}

	pt.http.ServeHTTP(w, r)
}
