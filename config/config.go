package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/dashgate/dashgate"
	"github.com/dashgate/dashgate/proxy"
	"github.com/dashgate/dashgate/rewrite"
	"github.com/dashgate/dashgate/routeapi"
	"github.com/dashgate/dashgate/routestore"
	"github.com/dashgate/dashgate/routing"
)

const (
	defaultAddress         = ":3001"
	defaultSupportListener = ":9911"
	defaultEnvironment     = "development"
	defaultStaticDir       = "public"
	defaultBackendHost     = "localhost"
	defaultAbsenPort       = "5176"

	environmentEnv  = "GATEWAY_ENV"
	nodeEnv         = "NODE_ENV"
	portEnv         = "PORT"
	backendHostEnv  = "BACKEND_HOST"
	absenPortEnv    = "ABSEN_PORT"
	attendanceError = "Attendance service is not reachable"
)

// the fixed proxies of the attendance service, kept for the clients
// that call it through the gateway root
var attendancePrefixes = []string{"/api/attendance", "/api/attendance-by-loc-enhanced"}

type Config struct {
	ConfigFile string
	Flags      *flag.FlagSet

	// generic:
	Address         string `yaml:"address"`
	SupportListener string `yaml:"support-listener"`
	Environment     string `yaml:"environment"`
	EnvDir          string `yaml:"env-dir"`

	// routes:
	RoutesDir          string        `yaml:"routes-dir"`
	RoutesFile         string        `yaml:"routes-file"`
	DisableRoutesWatch bool          `yaml:"disable-routes-watch"`
	RoutesWatchDelay   time.Duration `yaml:"routes-watch-delay"`
	DevServerPorts     *listFlag     `yaml:"dev-server-ports"`

	// rewriting and forwarding:
	PublicAliases                *listFlag        `yaml:"public-aliases"`
	LoginPath                    string           `yaml:"login-path"`
	AuthCookie                   string           `yaml:"auth-cookie"`
	BackendCookie                string           `yaml:"backend-cookie"`
	CompressRewritten            bool             `yaml:"compress-rewritten"`
	Breakers                     breakerFlags     `yaml:"breaker"`
	Insecure                     bool             `yaml:"insecure"`
	TimeoutBackend               time.Duration    `yaml:"timeout-backend"`
	KeepaliveBackend             time.Duration    `yaml:"keepalive-backend"`
	TLSHandshakeTimeoutBackend   time.Duration    `yaml:"tls-timeout-backend"`
	ResponseHeaderTimeoutBackend time.Duration    `yaml:"response-header-timeout-backend"`
	ExpectContinueTimeoutBackend time.Duration    `yaml:"expect-continue-timeout-backend"`
	IdleConnsPerHost             int              `yaml:"idle-conns-num"`
	CloseIdleConnsPeriod         time.Duration    `yaml:"close-idle-conns-period"`
	LegacyRoutes                 legacyRouteFlags `yaml:"legacy-route"`
	DisableLegacyAttendance      bool             `yaml:"disable-legacy-attendance"`
	BackendHost                  string           `yaml:"backend-host"`
	AbsenPort                    string           `yaml:"absen-port"`

	// management:
	HealthTimeout time.Duration `yaml:"health-timeout"`
	CORSOrigins   *listFlag     `yaml:"cors-origins"`
	AuthPublicKey string        `yaml:"auth-public-key"`
	AuthRoles     *listFlag     `yaml:"auth-roles"`

	// application shell and ui:
	ShellURL  string `yaml:"shell-url"`
	ShellDir  string `yaml:"shell-dir"`
	StaticDir string `yaml:"static-dir"`

	// logging, metrics:
	ApplicationLog               string    `yaml:"application-log"`
	ApplicationLogLevelString    string    `yaml:"application-log-level"`
	ApplicationLogPrefix         string    `yaml:"application-log-prefix"`
	ApplicationLogJSONEnabled    bool      `yaml:"application-log-json-enabled"`
	AccessLog                    string    `yaml:"access-log"`
	AccessLogDisabled            bool      `yaml:"access-log-disabled"`
	AccessLogJSONEnabled         bool      `yaml:"access-log-json-enabled"`
	EnableRuntimeMetrics         bool      `yaml:"runtime-metrics"`
	HistogramMetricBucketsString string    `yaml:"histogram-metric-buckets"`
	HistogramMetricBuckets       []float64 `yaml:"-"`

	// server:
	ReadTimeoutServer       time.Duration `yaml:"read-timeout-server"`
	ReadHeaderTimeoutServer time.Duration `yaml:"read-header-timeout-server"`
	WriteTimeoutServer      time.Duration `yaml:"write-timeout-server"`
	IdleTimeoutServer       time.Duration `yaml:"idle-timeout-server"`
	MaxHeaderBytes          int           `yaml:"max-header-bytes"`
	ShutdownTimeout         time.Duration `yaml:"shutdown-timeout"`

	devServerPorts []int
	explicit       map[string]bool
	envFile        string
}

func NewConfig() *Config {
	cfg := new(Config)
	cfg.DevServerPorts = commaListFlag()
	cfg.PublicAliases = commaListFlag()
	cfg.CORSOrigins = commaListFlag()
	cfg.AuthRoles = commaListFlag()

	ports := make([]string, len(routing.DefaultDevServerPorts))
	for i, p := range routing.DefaultDevServerPorts {
		ports[i] = strconv.Itoa(p)
	}

	_ = cfg.DevServerPorts.Set(strings.Join(ports, ","))
	_ = cfg.PublicAliases.Set(strings.Join(rewrite.DefaultPublicAliases, ","))

	flag := flag.NewFlagSet("", flag.ExitOnError)

	// generic:
	flag.StringVar(&cfg.ConfigFile, "config-file", "", "if provided the flags will be loaded/overwritten by the values on the file (yaml)")
	flag.StringVar(&cfg.Address, "address", defaultAddress, "network address that the gateway should listen on, overridden by $PORT unless set explicitly")
	flag.StringVar(&cfg.SupportListener, "support-listener", defaultSupportListener, "network address used for exposing the /metrics and the /healthz endpoints, empty disables it")
	flag.StringVar(&cfg.Environment, "environment", "", "environment selecting the .env and the route files, defaults to $GATEWAY_ENV, $NODE_ENV or development")
	flag.StringVar(&cfg.EnvDir, "env-dir", ".", "directory of the .env.<environment> and .env files")

	// routes:
	flag.StringVar(&cfg.RoutesDir, "routes-dir", ".", "directory of the route files")
	flag.StringVar(&cfg.RoutesFile, "routes-file", "", "single route file, JSON or YAML, replacing the environment based file selection")
	flag.BoolVar(&cfg.DisableRoutesWatch, "disable-routes-watch", false, "disables reloading the routes when the route file changes")
	flag.DurationVar(&cfg.RoutesWatchDelay, "routes-watch-delay", routestore.DefaultDebounce, "time to wait for route file changes to settle before reloading")
	flag.Var(cfg.DevServerPorts, "dev-server-ports", "ports of the dev servers that receive the upgrade requests of the root path")

	// rewriting and forwarding:
	flag.Var(cfg.PublicAliases, "public-aliases", "public addresses of the backends, rewritten like the targets")
	flag.StringVar(&cfg.LoginPath, "login-path", proxy.DefaultLoginPath, "redirect location of the backend authentication errors of page navigations")
	flag.StringVar(&cfg.AuthCookie, "auth-cookie", proxy.DefaultAuthCookie, "session cookie of the gateway, removed from the requests to the backends")
	flag.StringVar(&cfg.BackendCookie, "backend-cookie", proxy.DefaultBackendCookie, "session cookie of the backends")
	flag.BoolVar(&cfg.CompressRewritten, "compress-rewritten", false, "compress the rewritten responses with the encoding accepted by the client")
	flag.Var(&cfg.Breakers, "breaker", breakerUsage)
	flag.BoolVar(&cfg.Insecure, "insecure", false, "when this flag set, the gateway will skip TLS verification of the backends")
	flag.DurationVar(&cfg.TimeoutBackend, "timeout-backend", proxy.DefaultTimeout, "sets the TCP client connection timeout for backend connections")
	flag.DurationVar(&cfg.KeepaliveBackend, "keepalive-backend", proxy.DefaultKeepAlive, "sets the keepalive for backend connections")
	flag.DurationVar(&cfg.TLSHandshakeTimeoutBackend, "tls-timeout-backend", proxy.DefaultTLSHandshakeTimeout, "sets the TLS handshake timeout for backend connections")
	flag.DurationVar(&cfg.ResponseHeaderTimeoutBackend, "response-header-timeout-backend", proxy.DefaultResponseHeaderTimeout, "sets the HTTP response header timeout for backend connections")
	flag.DurationVar(&cfg.ExpectContinueTimeoutBackend, "expect-continue-timeout-backend", proxy.DefaultExpectContinueTimeout, "sets the HTTP expect continue timeout for backend connections")
	flag.IntVar(&cfg.IdleConnsPerHost, "idle-conns-num", proxy.DefaultIdleConnsPerHost, "maximum idle connections per backend host")
	flag.DurationVar(&cfg.CloseIdleConnsPeriod, "close-idle-conns-period", proxy.DefaultCloseIdleConnsPeriod, "sets the time interval of closing all idle connections. Not closing when 0")
	flag.Var(&cfg.LegacyRoutes, "legacy-route", "fixed proxy in the form of /prefix=http://target, taking precedence over the route table, can be repeated")
	flag.BoolVar(&cfg.DisableLegacyAttendance, "disable-legacy-attendance", false, "disables the fixed proxies of the attendance api")
	flag.StringVar(&cfg.BackendHost, "backend-host", "", "host of the attendance service, defaults to $BACKEND_HOST or localhost")
	flag.StringVar(&cfg.AbsenPort, "absen-port", "", "port of the attendance service, defaults to $ABSEN_PORT or 5176")

	// management:
	flag.DurationVar(&cfg.HealthTimeout, "health-timeout", routeapi.DefaultHealthTimeout, "timeout of the route health probes")
	flag.Var(cfg.CORSOrigins, "cors-origins", "origins allowed to call the management api, any origin when empty")
	flag.StringVar(&cfg.AuthPublicKey, "auth-public-key", "", "PEM file of the RSA public key verifying the tokens of the management api calls, verification is disabled when empty")
	flag.Var(cfg.AuthRoles, "auth-roles", "roles allowed to call the management api, any verified token when empty")

	// application shell and ui:
	flag.StringVar(&cfg.ShellURL, "shell-url", "", "address of the application shell")
	flag.StringVar(&cfg.ShellDir, "shell-dir", "", "directory serving the application shell when no shell url is set")
	flag.StringVar(&cfg.StaticDir, "static-dir", defaultStaticDir, "directory of the route configuration page")

	// logging, metrics:
	flag.StringVar(&cfg.ApplicationLog, "application-log", "", "output file for the application log. When not set, /dev/stderr is used")
	flag.StringVar(&cfg.ApplicationLogLevelString, "application-log-level", "INFO", "log level for application logs, possible values: PANIC, FATAL, ERROR, WARN, INFO, DEBUG")
	flag.StringVar(&cfg.ApplicationLogPrefix, "application-log-prefix", "[APP]", "prefix for each log entry")
	flag.BoolVar(&cfg.ApplicationLogJSONEnabled, "application-log-json-enabled", false, "when this flag is set, log in JSON format is used")
	flag.StringVar(&cfg.AccessLog, "access-log", "", "output file for the access log, When not set, /dev/stderr is used")
	flag.BoolVar(&cfg.AccessLogDisabled, "access-log-disabled", false, "when this flag is set, no access log is printed")
	flag.BoolVar(&cfg.AccessLogJSONEnabled, "access-log-json-enabled", false, "when this flag is set, log in JSON format is used")
	flag.BoolVar(&cfg.EnableRuntimeMetrics, "runtime-metrics", true, "enables reporting of the Go runtime statistics")
	flag.StringVar(&cfg.HistogramMetricBucketsString, "histogram-metric-buckets", "", "use custom buckets for prometheus histograms, must be a comma-separated list of numbers")

	// server:
	flag.DurationVar(&cfg.ReadTimeoutServer, "read-timeout-server", 5*time.Minute, "set ReadTimeout for http server connections")
	flag.DurationVar(&cfg.ReadHeaderTimeoutServer, "read-header-timeout-server", 60*time.Second, "set ReadHeaderTimeout for http server connections")
	flag.DurationVar(&cfg.WriteTimeoutServer, "write-timeout-server", 0, "set WriteTimeout for http server connections, 0 disables it to allow long lived upgraded connections")
	flag.DurationVar(&cfg.IdleTimeoutServer, "idle-timeout-server", 60*time.Second, "set IdleTimeout for http server connections")
	flag.IntVar(&cfg.MaxHeaderBytes, "max-header-bytes", 1<<20, "set MaxHeaderBytes for http server connections")
	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "time to wait for the open requests when shutting down")

	cfg.Flags = flag
	return cfg
}

func validate(c *Config) error {
	_, err := log.ParseLevel(c.ApplicationLogLevelString)
	if err != nil {
		return err
	}

	if _, err := c.DevServerPorts.ints(); err != nil {
		return fmt.Errorf("invalid dev-server-ports: %w", err)
	}

	if c.ShellURL != "" && !strings.HasPrefix(c.ShellURL, "http://") && !strings.HasPrefix(c.ShellURL, "https://") {
		return fmt.Errorf("invalid shell-url: %s", c.ShellURL)
	}

	_, err = c.parseHistogramBuckets(c.HistogramMetricBucketsString, prometheus.DefBuckets)
	return err
}

func (c *Config) Parse() error {
	return c.ParseArgs(os.Args[0], os.Args[1:])
}

func (c *Config) ParseArgs(progname string, args []string) error {
	c.Flags.Init(progname, flag.ContinueOnError)
	err := c.Flags.Parse(args)
	if err != nil {
		return err
	}

	// check if arguments were correctly parsed.
	if len(c.Flags.Args()) != 0 {
		return fmt.Errorf("invalid arguments: %s", c.Flags.Args())
	}

	configKeys := make(map[string]any)
	if c.ConfigFile != "" {
		yamlFile, err := os.ReadFile(c.ConfigFile)
		if err != nil {
			return fmt.Errorf("invalid config file: %w", err)
		}

		// repeatable flags are collected again below
		c.LegacyRoutes = legacyRouteFlags{}

		err = yaml.Unmarshal(yamlFile, c)
		if err != nil {
			return fmt.Errorf("unmarshalling config file error: %w", err)
		}

		_ = yaml.Unmarshal(yamlFile, &configKeys)

		err = c.Flags.Parse(args)
		if err != nil {
			return err
		}
	}

	c.explicit = make(map[string]bool)
	c.Flags.Visit(func(f *flag.Flag) { c.explicit[f.Name] = true })
	for k := range configKeys {
		c.explicit[k] = true
	}

	if err := validate(c); err != nil {
		return err
	}

	c.devServerPorts, _ = c.DevServerPorts.ints()
	c.HistogramMetricBuckets, _ = c.parseHistogramBuckets(c.HistogramMetricBucketsString, prometheus.DefBuckets)

	return c.parseEnv()
}

func (c *Config) parseHistogramBuckets(bucketString string, defaultBuckets []float64) ([]float64, error) {
	if bucketString == "" {
		return defaultBuckets, nil
	}

	var result []float64
	thresholds := strings.Split(bucketString, ",")
	for _, v := range thresholds {
		bucket, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("unable to parse histogram-metric-buckets: %w", err)
		}
		result = append(result, bucket)
	}
	sort.Float64s(result)
	return result, nil
}

// loadEnvFile loads .env.<environment>, or when it does not exist,
// .env. Variables already set in the process environment win.
func (c *Config) loadEnvFile() error {
	for _, name := range []string{".env." + c.Environment, ".env"} {
		p := filepath.Join(c.EnvDir, name)
		if _, err := os.Stat(p); err != nil {
			continue
		}

		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("invalid env file %s: %w", p, err)
		}

		c.envFile = p
		return nil
	}

	return nil
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}

	return ""
}

func (c *Config) parseEnv() error {
	if c.Environment == "" {
		c.Environment = firstEnv(environmentEnv, nodeEnv)
	}

	if c.Environment == "" {
		c.Environment = defaultEnvironment
	}

	if err := c.loadEnvFile(); err != nil {
		return err
	}

	if port := os.Getenv(portEnv); port != "" && !c.explicit["address"] {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("invalid %s: %q", portEnv, port)
		}

		c.Address = ":" + port
	}

	if c.BackendHost == "" {
		c.BackendHost = firstEnv(backendHostEnv)
	}

	if c.BackendHost == "" {
		c.BackendHost = defaultBackendHost
	}

	if c.AbsenPort == "" {
		c.AbsenPort = firstEnv(absenPortEnv)
	}

	if c.AbsenPort == "" {
		c.AbsenPort = defaultAbsenPort
	}

	return nil
}

// legacyRoutes returns the configured fixed proxies followed by the ones
// of the attendance service.
func (c *Config) legacyRoutes() []dashgate.LegacyRoute {
	routes := append([]dashgate.LegacyRoute(nil), c.LegacyRoutes.routes...)
	if c.DisableLegacyAttendance {
		return routes
	}

	target := "http://" + c.BackendHost + ":" + c.AbsenPort

	// longer prefixes first, the attendance prefixes overlap
	for i := len(attendancePrefixes) - 1; i >= 0; i-- {
		routes = append(routes, dashgate.LegacyRoute{
			Prefix:  attendancePrefixes[i],
			Target:  target,
			Message: attendanceError,
		})
	}

	return routes
}

func openLog(name string) (*os.File, error) {
	if name == "" {
		return nil, nil
	}

	f, err := os.OpenFile(name, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", name, err)
	}

	return f, nil
}

// ToOptions converts the parsed configuration to the gateway options.
// It opens the log files, when configured.
func (c *Config) ToOptions() (dashgate.Options, error) {
	o := dashgate.Options{
		Address:         c.Address,
		SupportListener: c.SupportListener,
		Environment:     c.Environment,

		RoutesDir:          c.RoutesDir,
		RoutesFile:         c.RoutesFile,
		DisableRoutesWatch: c.DisableRoutesWatch,
		RoutesWatchDelay:   c.RoutesWatchDelay,
		DevServerPorts:     c.devServerPorts,

		PublicAliases:                c.PublicAliases.values,
		LoginPath:                    c.LoginPath,
		AuthCookie:                   c.AuthCookie,
		BackendCookie:                c.BackendCookie,
		CompressRewritten:            c.CompressRewritten,
		Breaker:                      c.Breakers.BreakerSettings,
		Insecure:                     c.Insecure,
		TimeoutBackend:               c.TimeoutBackend,
		KeepAliveBackend:             c.KeepaliveBackend,
		TLSHandshakeTimeoutBackend:   c.TLSHandshakeTimeoutBackend,
		ResponseHeaderTimeoutBackend: c.ResponseHeaderTimeoutBackend,
		ExpectContinueTimeoutBackend: c.ExpectContinueTimeoutBackend,
		IdleConnectionsPerHost:       c.IdleConnsPerHost,
		CloseIdleConnsPeriod:         c.CloseIdleConnsPeriod,
		LegacyRoutes:                 c.legacyRoutes(),

		HealthTimeout: c.HealthTimeout,
		CORSOrigins:   c.CORSOrigins.values,
		AuthPublicKey: c.AuthPublicKey,
		AuthRoles:     c.AuthRoles.values,

		ShellURL:  c.ShellURL,
		ShellDir:  c.ShellDir,
		StaticDir: c.StaticDir,

		ApplicationLogPrefix:      c.ApplicationLogPrefix,
		ApplicationLogLevel:       c.ApplicationLogLevelString,
		ApplicationLogJSONEnabled: c.ApplicationLogJSONEnabled,
		AccessLogDisabled:         c.AccessLogDisabled,
		AccessLogJSONEnabled:      c.AccessLogJSONEnabled,
		EnableRuntimeMetrics:      c.EnableRuntimeMetrics,
		HistogramMetricBuckets:    c.HistogramMetricBuckets,

		ReadTimeoutServer:       c.ReadTimeoutServer,
		ReadHeaderTimeoutServer: c.ReadHeaderTimeoutServer,
		WriteTimeoutServer:      c.WriteTimeoutServer,
		IdleTimeoutServer:       c.IdleTimeoutServer,
		MaxHeaderBytes:          c.MaxHeaderBytes,
		ShutdownTimeout:         c.ShutdownTimeout,
	}

	appLog, err := openLog(c.ApplicationLog)
	if err != nil {
		return o, err
	}

	if appLog != nil {
		o.ApplicationLogOutput = appLog
	}

	accessLog, err := openLog(c.AccessLog)
	if err != nil {
		return o, errors.Join(err, closeFile(appLog))
	}

	if accessLog != nil {
		o.AccessLogOutput = accessLog
	}

	return o, nil
}

func closeFile(f *os.File) error {
	if f == nil {
		return nil
	}

	return f.Close()
}

// EnvFile returns the env file that was loaded, if any.
func (c *Config) EnvFile() string {
	return c.envFile
}
