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
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/skytrail/internal/logging"
	"github.com/signalsfoundry/skytrail/internal/observability"
	"github.com/signalsfoundry/skytrail/internal/proxy"
	"github.com/signalsfoundry/skytrail/internal/simsource"
	"github.com/signalsfoundry/skytrail/timectrl"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// SimUpstream selects the built-in simulated upstream instead of N2YO.
const SimUpstream = "sim"

// Config is the proxy's runtime configuration.
type Config struct {
	ListenAddress  string
	MetricsAddress string

	// Upstream is the API root, or SimUpstream.
	Upstream       string
	APIKey         string
	AllowedOrigins []string
	RatePerSecond  float64
	Burst          int

	RedisURL string
	CacheTTL time.Duration

	// TLEPath feeds the simulated upstream; empty uses the built-in set.
	TLEPath string
	// SimStart is the simulated time at startup; zero uses the epoch of
	// the first element set.
	SimStart time.Time

	LogLevel  string
	LogFormat string
}

func main() {
	cfg := Config{
		APIKey:         os.Getenv("N2YO_KEY"),
		AllowedOrigins: proxy.ParseOrigins(os.Getenv("CORS_ALLOW")),
		RedisURL:       os.Getenv("REDIS_URL"),
		LogLevel:       os.Getenv("LOG_LEVEL"),
		LogFormat:      os.Getenv("LOG_FORMAT"),
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8000"
	}
	var simStart string
	flag.StringVar(&cfg.ListenAddress, "addr", ":"+port, "HTTP address the proxy listens on")
	flag.StringVar(&cfg.MetricsAddress, "metrics-addr", "", "separate HTTP address for Prometheus /metrics; empty serves it on -addr")
	flag.StringVar(&cfg.Upstream, "upstream", proxy.DefaultUpstream, `upstream API root, or "sim" for the built-in simulator`)
	flag.Float64Var(&cfg.RatePerSecond, "rate", 5, "requests per second allowed per client address; 0 disables limiting")
	flag.IntVar(&cfg.Burst, "burst", 20, "burst size of the per-client limiter")
	flag.DurationVar(&cfg.CacheTTL, "cache-ttl", 10*time.Second, "lifetime of cached catalog responses when REDIS_URL is set")
	flag.StringVar(&cfg.TLEPath, "tle", "", "three-line TLE file served by the simulator")
	flag.StringVar(&simStart, "sim-start", "", "RFC 3339 simulated start time; defaults to the first element set epoch")
	flag.Parse()

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, AddSource: true})

	if simStart != "" {
		t, err := time.Parse(time.RFC3339, simStart)
		if err != nil {
			log.Error(context.Background(), "invalid -sim-start", logging.String("value", simStart), logging.Err(err))
			os.Exit(2)
		}
		cfg.SimStart = t
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracingCfg := observability.TracingConfigFromEnv("skytrail-proxy")
	tracingCfg.ServiceVersion = version
	tracingCfg.Attributes = append(tracingCfg.Attributes, observability.AttrUpstream.String(cfg.Upstream))
	shutdownTracing, err := observability.InitTracing(ctx, tracingCfg, log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	lis, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Error(ctx, "failed to listen", logging.String("addr", cfg.ListenAddress), logging.Err(err))
		os.Exit(1)
	}

	if err := run(ctx, cfg, log, lis); err != nil {
		log.Error(ctx, "proxy exited", logging.Err(err))
		os.Exit(1)
	}
}

// run serves the proxy on lis until ctx is cancelled.
func run(ctx context.Context, cfg Config, log logging.Logger, lis net.Listener) error {
	reg := prometheus.NewRegistry()
	collector, err := observability.NewCollector(reg)
	if err != nil {
		return fmt.Errorf("metrics collector: %w", err)
	}

	mux := http.NewServeMux()
	upstream := cfg.Upstream

	if strings.EqualFold(upstream, SimUpstream) {
		src, clock, err := newSimSource(cfg, reg, log)
		if err != nil {
			return err
		}
		clock.Run(ctx, 0)
		mux.Handle("/sim/", http.StripPrefix("/sim", src))
		upstream = "http://" + lis.Addr().String() + "/sim"
		log.Info(ctx, "serving simulated upstream",
			logging.Int("objects", len(src.Objects())),
			logging.String("sim_start", clock.StartTime.Format(time.RFC3339)),
		)
	}

	opts := []proxy.Option{
		proxy.WithLogger(log.With(logging.String("component", "proxy"))),
		proxy.WithCollector(collector),
	}
	cache, err := proxy.NewRedisCache(ctx, cfg.RedisURL)
	switch {
	case err == nil:
		defer cache.Close()
		opts = append(opts, proxy.WithResponseCache(cache))
		log.Info(ctx, "upstream response cache enabled", logging.Duration("ttl", cfg.CacheTTL))
	case errors.Is(err, proxy.ErrCacheDisabled):
	default:
		log.Warn(ctx, "upstream response cache unavailable; continuing without it", logging.Err(err))
	}

	p := proxy.New(proxy.Config{
		Upstream:       upstream,
		APIKey:         cfg.APIKey,
		AllowedOrigins: cfg.AllowedOrigins,
		RatePerSecond:  cfg.RatePerSecond,
		Burst:          cfg.Burst,
		CacheTTL:       cfg.CacheTTL,
	}, opts...)
	mux.Handle("/api/", p.Handler())

	metricsSrv := serveMetrics(cfg.MetricsAddress, collector, log)
	if metricsSrv == nil {
		mux.Handle("/metrics", collector.Handler())
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()
	log.Info(ctx, "proxy listening",
		logging.String("addr", lis.Addr().String()),
		logging.String("upstream", upstream),
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info(shutdownCtx, "shutting down proxy")
	_ = srv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

func newSimSource(cfg Config, reg prometheus.Registerer, log logging.Logger) (*simsource.Source, *timectrl.TimeController, error) {
	objects := simsource.DefaultObjects()
	if cfg.TLEPath != "" {
		loaded, err := simsource.LoadTLEFile(cfg.TLEPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load element sets: %w", err)
		}
		if len(loaded) == 0 {
			return nil, nil, fmt.Errorf("load element sets: %s has no records", cfg.TLEPath)
		}
		objects = loaded
	}

	metrics, err := observability.NewSimCollector(reg)
	if err != nil {
		return nil, nil, fmt.Errorf("simulator metrics: %w", err)
	}

	start := cfg.SimStart
	if start.IsZero() {
		start = objects[0].Epoch
	}
	clock := timectrl.NewTimeController(start.UTC(), time.Second, timectrl.RealTime)

	src := simsource.New(objects, simsource.Config{APIKey: cfg.APIKey},
		simsource.WithClock(clock),
		simsource.WithLogger(log.With(logging.String("component", "simsource"))),
		simsource.WithCollector(metrics),
	)
	return src, clock, nil
}

func serveMetrics(addr string, collector *observability.Collector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
