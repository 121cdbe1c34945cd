package dashgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dashgate/dashgate/auth"
	"github.com/dashgate/dashgate/circuit"
	"github.com/dashgate/dashgate/dispatch"
	"github.com/dashgate/dashgate/logging"
	"github.com/dashgate/dashgate/metrics"
	"github.com/dashgate/dashgate/proxy"
	"github.com/dashgate/dashgate/rewrite"
	"github.com/dashgate/dashgate/routeapi"
	"github.com/dashgate/dashgate/routestore"
	"github.com/dashgate/dashgate/routing"
)

const defaultShutdownTimeout = 10 * time.Second

// LegacyRoute is a fixed proxy that takes precedence over the route
// table. The path is forwarded unchanged.
type LegacyRoute struct {
	Prefix string
	Target string

	// Message is returned in the error response when the target
	// cannot be reached.
	Message string
}

// Options to start the gateway with.
type Options struct {

	// Network address that the gateway should listen on.
	Address string

	// Network address of the /metrics and /healthz endpoints. The
	// support listener is disabled when empty.
	SupportListener string

	// Environment selects the route file routes-config.<env>.json.
	Environment string

	// Directory of the route files.
	RoutesDir string

	// RoutesFile replaces the environment based route file selection.
	RoutesFile string

	// Disables reloading the routes on file changes.
	DisableRoutesWatch bool

	// Time to wait for file changes to settle.
	RoutesWatchDelay time.Duration

	// Ports of the dev servers receiving the upgrades of the root path.
	DevServerPorts []int

	// Public addresses of the backends, rewritten like the targets.
	PublicAliases []string

	LoginPath     string
	AuthCookie    string
	BackendCookie string

	// Compress the rewritten responses with the encoding accepted by
	// the client.
	CompressRewritten bool

	// Per route circuit breaker, disabled by default.
	Breaker circuit.BreakerSettings

	// Skip TLS verification of the backends.
	Insecure bool

	TimeoutBackend               time.Duration
	KeepAliveBackend             time.Duration
	TLSHandshakeTimeoutBackend   time.Duration
	ResponseHeaderTimeoutBackend time.Duration
	ExpectContinueTimeoutBackend time.Duration
	IdleConnectionsPerHost       int
	CloseIdleConnsPeriod         time.Duration

	// Fixed proxies, checked before the route table.
	LegacyRoutes []LegacyRoute

	// Timeout of the route health probes.
	HealthTimeout time.Duration

	// Origins allowed to call the management API, any when empty.
	CORSOrigins []string

	// PEM file of the RSA key verifying the tokens of the management
	// API calls. Verification is disabled when empty.
	AuthPublicKey string

	// Roles allowed to call the management API.
	AuthRoles []string

	// Address of the application shell, proxied when set.
	ShellURL string

	// Directory of the application shell, served when no ShellURL is
	// set.
	ShellDir string

	// Directory of the route configuration page.
	StaticDir string

	ApplicationLogOutput      io.Writer
	ApplicationLogPrefix      string
	ApplicationLogLevel       string
	ApplicationLogJSONEnabled bool
	AccessLogOutput           io.Writer
	AccessLogDisabled         bool
	AccessLogJSONEnabled      bool

	EnableRuntimeMetrics   bool
	HistogramMetricBuckets []float64

	// Metrics, when set, replaces the Prometheus collector.
	Metrics metrics.Metrics

	ReadTimeoutServer       time.Duration
	ReadHeaderTimeoutServer time.Duration
	WriteTimeoutServer      time.Duration
	IdleTimeoutServer       time.Duration
	MaxHeaderBytes          int
	ShutdownTimeout         time.Duration
}

// Gateway is the assembled request pipeline.
type Gateway struct {
	options Options
	store   *routestore.Store
	routing *routing.Routing
	proxy   *proxy.Proxy
	metrics metrics.Metrics
	handler http.Handler
}

func legacyHandlers(px *proxy.Proxy, routes []LegacyRoute) []dispatch.Legacy {
	var legacy []dispatch.Legacy
	for _, r := range routes {
		message := r.Message
		if message == "" {
			message = fmt.Sprintf("Service at %s is not reachable", r.Prefix)
		}

		legacy = append(legacy, dispatch.Legacy{
			Prefix:  r.Prefix,
			Handler: px.Static(r.Prefix, r.Target, message),
		})
	}

	return legacy
}

// New loads the route table and creates the gateway. It does not start
// listening, see Run.
func New(o Options) (*Gateway, error) {
	m := o.Metrics
	if m == nil {
		m = metrics.NewPrometheus(metrics.Options{
			EnableRuntimeMetrics: o.EnableRuntimeMetrics,
			HistogramBuckets:     o.HistogramMetricBuckets,
		})
	}

	var verifier auth.Verifier
	if o.AuthPublicKey != "" {
		v, err := auth.LoadRS256Verifier(o.AuthPublicKey)
		if err != nil {
			return nil, err
		}

		verifier = v
	}

	store := routestore.New(routestore.Options{
		Dir:         o.RoutesDir,
		Environment: o.Environment,
		File:        o.RoutesFile,
		Debounce:    o.RoutesWatchDelay,
	})
	store.Load()

	rt := routing.New(routing.Options{DevServerPorts: o.DevServerPorts, Metrics: m})
	store.Subscribe(rt)

	px := proxy.WithParams(proxy.Params{
		Rewriter:               rewrite.New(rewrite.Options{PublicAliases: o.PublicAliases}),
		LoginPath:              o.LoginPath,
		AuthCookie:             o.AuthCookie,
		BackendCookie:          o.BackendCookie,
		CompressRewritten:      o.CompressRewritten,
		Breaker:                o.Breaker,
		Insecure:               o.Insecure,
		Timeout:                o.TimeoutBackend,
		KeepAlive:              o.KeepAliveBackend,
		TLSHandshakeTimeout:    o.TLSHandshakeTimeoutBackend,
		ResponseHeaderTimeout:  o.ResponseHeaderTimeoutBackend,
		ExpectContinueTimeout:  o.ExpectContinueTimeoutBackend,
		IdleConnectionsPerHost: o.IdleConnectionsPerHost,
		CloseIdleConnsPeriod:   o.CloseIdleConnsPeriod,
		Metrics:                m,
	})

	shell, err := newShell(px, o.ShellURL, o.ShellDir)
	if err != nil {
		px.Close()
		return nil, err
	}

	api := routeapi.New(routeapi.Options{
		Store:          store,
		HealthTimeout:  o.HealthTimeout,
		AllowedOrigins: o.CORSOrigins,
		Verifier:       verifier,
		AuthCookie:     o.AuthCookie,
		Roles:          o.AuthRoles,
	})

	d := dispatch.New(dispatch.Options{
		Routing:     rt,
		HTTP:        px.HTTP,
		Passthrough: px.Passthrough,
		API:         api,
		ConfigUI:    newConfigUI(o.StaticDir),
		Shell:       shell,
		Legacy:      legacyHandlers(px, o.LegacyRoutes),
		Metrics:     m,
	})

	return &Gateway{
		options: o,
		store:   store,
		routing: rt,
		proxy:   px,
		metrics: m,
		handler: logging.NewHandler(d),
	}, nil
}

// Handler returns the handler serving the gateway traffic.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Store returns the route table store.
func (g *Gateway) Store() *routestore.Store {
	return g.store
}

// Close releases the backend connections. Serve calls it when it returns,
// calling it again has no effect.
func (g *Gateway) Close() error {
	return g.proxy.Close()
}

type healthStatus struct {
	Status  string `json:"status"`
	Routes  int    `json:"routes"`
	Version uint64 `json:"version"`
	Updated string `json:"updated"`
}

func (g *Gateway) supportHandler() http.Handler {
	mux := http.NewServeMux()
	g.metrics.RegisterHandler("/metrics", mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		t := g.routing.Get()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(healthStatus{
			Status:  "ok",
			Routes:  len(t.Routes()),
			Version: t.Version,
			Updated: t.Created.UTC().Format(time.RFC3339),
		}); err != nil {
			log.WithError(err).Debug("failed to write health status")
		}
	})

	return mux
}

func (g *Gateway) server(addr string, h http.Handler) *http.Server {
	o := g.options
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadTimeout:       o.ReadTimeoutServer,
		ReadHeaderTimeout: o.ReadHeaderTimeoutServer,
		WriteTimeout:      o.WriteTimeoutServer,
		IdleTimeout:       o.IdleTimeoutServer,
		MaxHeaderBytes:    o.MaxHeaderBytes,
	}
}

func listenAndServe(srv *http.Server) error {
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// Serve listens on the configured addresses until the context is done,
// then shuts the servers down gracefully.
func (g *Gateway) Serve(ctx context.Context) error {
	o := g.options
	eg, ctx := errgroup.WithContext(ctx)

	servers := []*http.Server{g.server(o.Address, g.handler)}
	if o.SupportListener != "" {
		servers = append(servers, g.server(o.SupportListener, g.supportHandler()))
	}

	for _, srv := range servers {
		eg.Go(func() error {
			log.Infof("listening on %v", srv.Addr)
			return listenAndServe(srv)
		})
	}

	if !o.DisableRoutesWatch {
		eg.Go(func() error {
			return g.store.Watch(ctx)
		})
	}

	eg.Go(func() error {
		<-ctx.Done()

		timeout := o.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}

		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		log.Info("shutting down")
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(sctx))
		}

		return errors.Join(errs...)
	})

	err := eg.Wait()
	if cerr := g.Close(); cerr != nil {
		log.WithError(cerr).Warn("failed to close the proxy")
	}

	return err
}

// Run initializes the logging, creates the gateway and serves until
// SIGINT or SIGTERM.
func Run(o Options) error {
	if err := logging.Init(logging.Options{
		ApplicationLogPrefix:      o.ApplicationLogPrefix,
		ApplicationLogOutput:      o.ApplicationLogOutput,
		ApplicationLogLevel:       o.ApplicationLogLevel,
		ApplicationLogJSONEnabled: o.ApplicationLogJSONEnabled,
		AccessLogOutput:           o.AccessLogOutput,
		AccessLogDisabled:         o.AccessLogDisabled,
		AccessLogJSONEnabled:      o.AccessLogJSONEnabled,
	}); err != nil {
		return err
	}

	g, err := New(o)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"environment": o.Environment,
		"routes":      g.store.File(),
	}).Info("gateway started")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return g.Serve(ctx)
}
