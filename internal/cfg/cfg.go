package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/keithlinneman/wsexec/internal/log"
	"github.com/keithlinneman/wsexec/internal/routes"
	"github.com/keithlinneman/wsexec/internal/session"
	"github.com/keithlinneman/wsexec/internal/wire"
)

// DefaultConfigFile is read from the working directory when -config is not given.
const DefaultConfigFile = "Settings.toml"

type App struct {
	ConfigFile  string
	MainPage    string
	HTTPListen  string
	WSListen    string
	AdminListen string
	Routes      Routes

	WireFormat        string
	HandshakeVersion  string
	KeepaliveInterval time.Duration
	PollInitial       time.Duration
	PollInterval      time.Duration

	WSRate           float64
	WSBurst          int
	WSAllowedOrigins string
	TrustedHops      int
	DrainDelay       time.Duration

	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	ShowVersion bool
}

// Routes maps action names to content references. As a flag it accepts
// name=source, repeated or comma separated.
type Routes map[string]string

func (r Routes) String() string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+"="+r[n])
	}
	return strings.Join(parts, ",")
}

func (r Routes) Set(v string) error {
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, src, ok := strings.Cut(item, "=")
		name, src = strings.TrimSpace(name), strings.TrimSpace(src)
		if !ok || name == "" || src == "" {
			return fmt.Errorf("route %q: want name=source", item)
		}
		r[name] = src
	}
	return nil
}

// Origins splits WSAllowedOrigins. Empty means any origin.
func (c App) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.WSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	if c.Routes == nil {
		c.Routes = Routes{}
	}
	fs.StringVar(&c.ConfigFile, "config", DefaultConfigFile, "TOML settings file with [global] and [proxy] tables")
	fs.StringVar(&c.MainPage, "main-page", "", "content served for every HTTP request (path, s3:// or ssm:// reference)")
	fs.StringVar(&c.HTTPListen, "http-listen", "127.0.0.1:8000", "trigger listener host:port")
	fs.StringVar(&c.WSListen, "ws-listen", "127.0.0.1:8001", "websocket listener host:port")
	fs.StringVar(&c.AdminListen, "admin-listen", "127.0.0.1:9000", "admin listener host:port (metrics, health, pprof)")
	fs.Var(c.Routes, "route", "action as name=source, repeatable; published on GET /name")

	fs.StringVar(&c.WireFormat, "wire-format", wire.FormatRaw, "raw|json")
	fs.StringVar(&c.HandshakeVersion, "handshake-version", session.DefaultVersion, "version announced in the VERSION handshake")
	fs.DurationVar(&c.KeepaliveInterval, "keepalive-interval", session.DefaultKeepalive, "interval between PONG keepalives")
	fs.DurationVar(&c.PollInitial, "poll-initial", session.DefaultPollInitial, "delay before a session first polls the store")
	fs.DurationVar(&c.PollInterval, "poll-interval", session.DefaultPollInterval, "interval between store polls")

	fs.Float64Var(&c.WSRate, "ws-rate", 2, "websocket upgrades per second per client IP")
	fs.IntVar(&c.WSBurst, "ws-burst", 10, "websocket upgrade burst per client IP")
	fs.StringVar(&c.WSAllowedOrigins, "ws-allowed-origins", "", "comma separated origins allowed to connect (empty = any)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "X-Forwarded-For hops to trust from private peers (0..10)")
	fs.DurationVar(&c.DrainDelay, "drain-delay", 0, "time readiness fails before listeners stop on shutdown")

	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin listener only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.BoolVar(&c.ShowVersion, "V", false, "Print version+build information and exit")
}

// IsSet reports whether the named flag was set on the CLI, from env or from
// a settings file.
func IsSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > settings file > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Listeners
	listen := map[string]string{
		"HTTP_LISTEN":  c.HTTPListen,
		"WS_LISTEN":    c.WSListen,
		"ADMIN_LISTEN": c.AdminListen,
	}
	seen := make(map[string]string, len(listen))
	for _, name := range []string{"HTTP_LISTEN", "WS_LISTEN", "ADMIN_LISTEN"} {
		addr := listen[name]
		if _, port, err := net.SplitHostPort(addr); err != nil || port == "" {
			errs = append(errs, fmt.Errorf("%s must be host:port (got %q)", name, addr))
			continue
		}
		if other, dup := seen[addr]; dup {
			errs = append(errs, fmt.Errorf("%s and %s must differ (both %q)", other, name, addr))
			continue
		}
		seen[addr] = name
	}

	// Content
	if strings.TrimSpace(c.MainPage) == "" {
		errs = append(errs, fmt.Errorf("MAIN_PAGE is required"))
	}
	if len(c.Routes) == 0 {
		errs = append(errs, fmt.Errorf("at least one ROUTE is required"))
	}
	names := make([]string, 0, len(c.Routes))
	for n := range c.Routes {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if _, err := routes.PathFor(n); err != nil {
			errs = append(errs, fmt.Errorf("invalid ROUTE %q: %w", n, err))
		}
	}

	// Session cadence
	if _, err := wire.Lookup(c.WireFormat); err != nil {
		errs = append(errs, fmt.Errorf("invalid WIRE_FORMAT: %w", err))
	}
	if strings.TrimSpace(c.HandshakeVersion) == "" {
		errs = append(errs, fmt.Errorf("HANDSHAKE_VERSION must not be empty"))
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"KEEPALIVE_INTERVAL", c.KeepaliveInterval},
		{"POLL_INITIAL", c.PollInitial},
		{"POLL_INTERVAL", c.PollInterval},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0 (got %s)", d.name, d.val))
		}
	}
	if c.DrainDelay < 0 {
		errs = append(errs, fmt.Errorf("DRAIN_DELAY must be >= 0 (got %s)", c.DrainDelay))
	}

	// Admission
	if c.WSRate <= 0 {
		errs = append(errs, fmt.Errorf("WS_RATE must be > 0 (got %g)", c.WSRate))
	}
	if c.WSBurst < 1 {
		errs = append(errs, fmt.Errorf("WS_BURST must be >= 1 (got %d)", c.WSBurst))
	}
	for _, o := range c.Origins() {
		if o == "*" {
			continue
		}
		if u, err := url.Parse(o); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("WS_ALLOWED_ORIGINS entry must be scheme://host (got %q)", o))
		}
	}
	if c.TrustedHops < 0 || c.TrustedHops > 10 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be 0..10 (got %d)", c.TrustedHops))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
