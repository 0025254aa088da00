package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/wsexec/internal/cfg"
	"github.com/keithlinneman/wsexec/internal/health"
	"github.com/keithlinneman/wsexec/internal/httpmw"
	"github.com/keithlinneman/wsexec/internal/httpserver"
	"github.com/keithlinneman/wsexec/internal/log"
	"github.com/keithlinneman/wsexec/internal/metrics"
	"github.com/keithlinneman/wsexec/internal/opshttp"
	"github.com/keithlinneman/wsexec/internal/otelx"
	"github.com/keithlinneman/wsexec/internal/prof"
	"github.com/keithlinneman/wsexec/internal/ratelimit"
	"github.com/keithlinneman/wsexec/internal/source"
	"github.com/keithlinneman/wsexec/internal/state"
	"github.com/keithlinneman/wsexec/internal/trigger"
	v "github.com/keithlinneman/wsexec/internal/version"
	"github.com/keithlinneman/wsexec/internal/wire"
	"github.com/keithlinneman/wsexec/internal/wsserver"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	// Parse config: cli flags, then env, then the settings file
	var conf cfg.App
	cfg.Register(flag.CommandLine, &conf)
	flag.Parse()

	if conf.ShowVersion {
		fmt.Println(vi.String())
		return 0
	}

	cfg.FillFromEnv(flag.CommandLine, "WSEXEC_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.LoadFile(conf.ConfigFile, flag.CommandLine, &conf); err != nil {
		// the default settings file is optional, an explicit one is not
		if !errors.Is(err, fs.ErrNotExist) || cfg.IsSet(flag.CommandLine, "config") {
			fmt.Fprintln(os.Stderr, "config error:", err)
			return 1
		}
	}

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}

	// Setup logging
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 1
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"config_file", conf.ConfigFile,
		"http_listen", conf.HTTPListen,
		"ws_listen", conf.WSListen,
		"admin_listen", conf.AdminListen,
		"routes", conf.Routes.String(),
		"wire_format", conf.WireFormat,
		"handshake_version", conf.HandshakeVersion,
		"keepalive_interval", conf.KeepaliveInterval,
		"poll_initial", conf.PollInitial,
		"poll_interval", conf.PollInterval,
		"ws_rate", conf.WSRate,
		"ws_burst", conf.WSBurst,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"trace_sample", conf.TraceSample,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion("server", vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}

	// Load the main page and every action's content once
	fetcher := source.NewFetcher(source.Options{Logger: L})
	mainPage, err := fetcher.Fetch(ctx, conf.MainPage)
	if err != nil {
		L.Error(ctx, err, "failed to read main page", "source", conf.MainPage)
		return 1
	}
	table, err := source.LoadTable(ctx, fetcher, conf.Routes)
	if err != nil {
		L.Error(ctx, err, "failed to load actions")
		return 1
	}

	store := state.New()
	m.RegisterStateVersion(store.Version)

	th, err := trigger.New(trigger.Options{
		Logger:   L,
		Table:    table,
		Store:    store,
		MainPage: mainPage,
		Metrics:  m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create trigger handler")
		return 1
	}

	// Fallback requests are labeled by their route path when it is a known
	// action, never by the raw path
	routeLabel := func(r *http.Request) string {
		if _, ok := th.Route(r.URL.Path); ok {
			return r.URL.Path
		}
		return ""
	}

	// readiness fails until every listener is up and again while draining
	var gate health.ShutdownGate
	gate.Set("starting")
	readiness := health.All(gate.Probe())

	clientIP := httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops}

	// start trigger http server
	httpStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Addr:         conf.HTTPListen,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware(routeLabel),
		ClientIPOpts: clientIP,
		RouteLabel:   routeLabel,
		Routes:       th.RegisterRoutes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start trigger http listener")
		return 1
	}
	defer func() { _ = httpStop(context.Background()) }()

	// Per-IP admission limit on websocket upgrades
	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.WSRate, conf.WSBurst),
		ratelimit.WithOnDenied(func(ip, reason string, first bool) {
			m.UpgradeRejected(reason)
			// only log the first denial per ip until it is evicted
			if first {
				L.Warn(ctx, "websocket admission denied", "ip", ip, "reason", reason)
			}
		}),
	)

	codec, _ := wire.Lookup(conf.WireFormat)
	wsStop, err := wsserver.Start(ctx, wsserver.Options{
		Logger:         L,
		Addr:           conf.WSListen,
		Store:          store,
		Codec:          codec,
		Keepalive:      conf.KeepaliveInterval,
		PollInitial:    conf.PollInitial,
		PollInterval:   conf.PollInterval,
		Version:        conf.HandshakeVersion,
		AllowedOrigins: conf.Origins(),
		ClientIPOpts:   clientIP,
		RateLimitMW:    limiter.Middleware,
		Metrics:        m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start websocket listener")
		return 1
	}
	defer func() { _ = wsStop(context.Background()) }()

	// admin listener serves metrics, health checks and pprof
	opsStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Addr:         conf.AdminListen,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return 1
	}
	defer func() { _ = opsStop(context.Background()) }()

	gate.Clear()
	L.Info(ctx, "relay ready", "routes", len(table.Paths()))

	if err := notifySystemd(); err != nil {
		// not fatal, worst case systemd kills the process after its timeout
		L.Debug(ctx, "systemd notify skipped", "reason", err.Error())
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	// fail readiness so load balancers stop sending new clients
	gate.Set("shutting down")
	if conf.DrainDelay > 0 {
		L.Info(bg, "draining before stopping listeners", "drain_delay", conf.DrainDelay)
		forceCh := make(chan os.Signal, 1)
		signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-time.After(conf.DrainDelay):
		case <-forceCh:
			L.Warn(bg, "second signal received, skipping drain")
		}
		signal.Stop(forceCh)
	}

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	if err := wsStop(shutdownCtx); err != nil {
		L.Error(bg, err, "websocket server shutdown")
	}
	if err := httpStop(shutdownCtx); err != nil {
		L.Error(bg, err, "trigger http server shutdown")
	}
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}

	L.Info(bg, "shutdown complete")
	return 0
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when the unit is type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify: dial: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		conn.Close()
		return fmt.Errorf("systemd notify: write: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify: close: %w", err)
	}
	return nil
}
