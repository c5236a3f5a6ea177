// idswatch correlates IDS alerts into incidents and keeps a live view of
// them synchronized with the detection backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/idswatch/internal/alert"
	"github.com/linnemanlabs/idswatch/internal/alertapi"
	"github.com/linnemanlabs/idswatch/internal/authmw"
	vc "github.com/linnemanlabs/idswatch/internal/cfg"
	"github.com/linnemanlabs/idswatch/internal/incident"
	"github.com/linnemanlabs/idswatch/internal/lifecycle"
	"github.com/linnemanlabs/idswatch/internal/lifecycle/memstore"
	"github.com/linnemanlabs/idswatch/internal/lifecycle/pgstore"
	"github.com/linnemanlabs/idswatch/internal/livesync"
	"github.com/linnemanlabs/idswatch/internal/mitre"
	"github.com/linnemanlabs/idswatch/internal/notify/slack"
	"github.com/linnemanlabs/idswatch/internal/postgres"
	"github.com/linnemanlabs/idswatch/internal/source"
	"github.com/linnemanlabs/idswatch/internal/source/httpsource"
	"github.com/linnemanlabs/idswatch/internal/source/redisfeed"
	"github.com/linnemanlabs/idswatch/internal/source/wsfeed"
	"github.com/linnemanlabs/idswatch/internal/view"
)

const appName = "idswatch"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    vc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix IDSWATCH_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "IDSWATCH_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"source_url", appCfg.SourceURL,
		"live_mode", appCfg.LiveMode,
		"poll_interval", appCfg.PollInterval,
		"fetch_timeout", appCfg.FetchTimeout,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}
	profiling := profErr == nil && profCfg.EnablePyroscope

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// Link spans to profiles when both are on
	if profiling && traceCfg.EnableTracing {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profiling)

	// Technique knowledge base
	kb := mitre.Default()
	if appCfg.KBFile != "" {
		kb, err = mitre.LoadFile(appCfg.KBFile)
		if err != nil {
			return fmt.Errorf("load knowledge base: %w", err)
		}
	}
	L.Info(ctx, "loaded technique knowledge base", "techniques", kb.Len(), "file", appCfg.KBFile)

	// Slack notifier for incident escalations
	minSev, _ := alert.ParseSeverity(appCfg.SlackMinSev)
	notifier := slack.New(appCfg.SlackWebhookURL, minSev, L)
	if notifier.Enabled() {
		L.Info(ctx, "notifier enabled", "type", "slack", "min_severity", minSev)
	}

	// View engine owns the alert store and derived views.
	viewHooks := view.NewMetrics(m.Registry()).Hooks()
	viewHooks.OnEscalation = func(ctx context.Context, esc []incident.Escalation) {
		for _, e := range esc {
			L.Info(ctx, "incident escalated",
				"source_ip", e.Incident.SourceIP,
				"severity", e.Incident.HighestSeverity,
				"new", e.New(),
			)
		}
		notifier.Notify(ctx, esc)
	}
	engine := view.New(L, appCfg.AggregateOptions(), viewHooks)

	// Register per-query DB duration histogram and wire the observer.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "idswatch_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "operation", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, route, operation, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(route, operation, outcome).Observe(dur.Seconds())
		},
	))

	// Status audit store
	var statusStore lifecycle.StatusStore
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL, appCfg.DBSlowQuery)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		statusStore = pgStore
		L.Info(ctx, "using postgres status store")
	} else {
		statusStore = memstore.New()
		L.Info(ctx, "using in-memory status store (no database-url configured)")
	}

	// Lifecycle manager is the only writer of operator status.
	manager := lifecycle.NewManager(engine, statusStore, statusPolicy(appCfg.StrictStatusTransitions), L)
	restored, err := manager.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore statuses: %w", err)
	}
	L.Info(ctx, "restored operator statuses", "count", restored, "policy", manager.Policy())

	// Source of record and live channel
	fetcher, err := httpsource.New(appCfg.SourceURL, appCfg.FetchTimeout)
	if err != nil {
		return fmt.Errorf("source client: %w", err)
	}
	subscriber, closeSubscriber, err := newSubscriber(&appCfg, L)
	if err != nil {
		return fmt.Errorf("live channel: %w", err)
	}
	defer func() {
		if err := closeSubscriber(); err != nil {
			L.Warn(context.Background(), "failed to close live channel", "error", err)
		}
	}()

	reconciler := livesync.New(fetcher, subscriber, engine, livesync.Config{
		PollInterval:      appCfg.PollInterval,
		FetchTimeout:      appCfg.FetchTimeout,
		ReconnectInterval: appCfg.LiveReconnectInterval,
	}, livesync.NewMetrics(m.Registry()).Hooks(), L)

	// Background workers keep running through the drain period and are
	// stopped with the other components.
	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()
	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		if err := reconciler.Run(workerCtx); err != nil {
			L.Error(workerCtx, err, "live sync stopped")
		}
	}()
	notifyDone := make(chan struct{})
	go func() {
		defer close(notifyDone)
		notifier.Run(workerCtx)
	}()
	stopBackground := func(sctx context.Context) error {
		stopWorkers()
		for _, done := range []chan struct{}{syncDone, notifyDone} {
			select {
			case <-done:
			case <-sctx.Done():
				return sctx.Err()
			}
		}
		return nil
	}

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses (we are JSON only)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Limit request body size; batch ingestion is the largest payload we accept
	r.Use(httpmw.MaxBody(4 << 20))

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	tokens, _ := authmw.ParseTokens(appCfg.APIToken)
	if len(tokens) == 0 {
		L.Warn(ctx, "no api-token configured, mutating endpoints are open")
	}

	// register api routes
	api := alertapi.New(L, alertapi.Deps{
		View:   engine,
		Status: manager,
		Sync:   reconciler,
		KB:     kb,
		Tokens: tokens,
	})
	api.RegisterRoutes(r)

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response, innermost is last to see request and first to see response
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection middleware
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h)

	// Recovery middleware to recover and log panics and serve 500 response.
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"background workers", stopBackground},
		{"ops http server", opsHTTPStop},
	}
	if shutdownOtelx != nil {
		stopFns = append(stopFns, stopFn{"otel", shutdownOtelx})
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// statusPolicy selects the transition policy for operator status changes.
func statusPolicy(strict bool) lifecycle.Policy {
	if strict {
		return lifecycle.Forward
	}
	return lifecycle.Permissive
}

// newSubscriber builds the live channel selected by LiveMode. A nil
// subscriber means the reconciler polls. The returned close func is never nil.
func newSubscriber(c *vc.Config, logger log.Logger) (source.Subscriber, func() error, error) {
	noop := func() error { return nil }
	switch c.LiveMode {
	case vc.LiveWebSocket:
		return wsfeed.New(c.LiveURL, logger), noop, nil
	case vc.LiveRedis:
		s, err := redisfeed.New(redisfeed.Config{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
			Channel:  c.RedisChannel,
		}, logger)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case vc.LiveNone:
		return nil, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown live mode %q", c.LiveMode)
	}
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr is from NOTIFY_SOCKET set by systemd, no context support for unixgram dial
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
