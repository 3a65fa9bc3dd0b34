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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/skytrail/internal/catalog"
	"github.com/signalsfoundry/skytrail/internal/logging"
	"github.com/signalsfoundry/skytrail/internal/observability"
	"github.com/signalsfoundry/skytrail/internal/proxy"
	"github.com/signalsfoundry/skytrail/internal/session"
	"github.com/signalsfoundry/skytrail/internal/source"
	"github.com/signalsfoundry/skytrail/internal/stream"
	"github.com/signalsfoundry/skytrail/internal/tracker"
	"github.com/signalsfoundry/skytrail/model"
	"github.com/signalsfoundry/skytrail/timectrl"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// Config is the viewer backend's runtime configuration.
type Config struct {
	ListenAddress  string
	MetricsAddress string
	ProxyURL       string
	AllowedOrigins []string

	Observer model.ObserverLocation
	Catalog  catalog.Config
	Tracker  tracker.Config

	// FrameInterval is the marker animation step.
	FrameInterval time.Duration

	LogLevel  string
	LogFormat string
}

func main() {
	cfg := Config{
		AllowedOrigins: proxy.ParseOrigins(os.Getenv("CORS_ALLOW")),
		LogLevel:       os.Getenv("LOG_LEVEL"),
		LogFormat:      os.Getenv("LOG_FORMAT"),
	}
	flag.StringVar(&cfg.ListenAddress, "addr", ":8080", "HTTP address serving the viewer stream")
	flag.StringVar(&cfg.MetricsAddress, "metrics-addr", "", "separate HTTP address for Prometheus /metrics; empty serves it on -addr")
	flag.StringVar(&cfg.ProxyURL, "proxy", "http://localhost:8000", "base URL of the skytrail proxy")
	flag.Float64Var(&cfg.Observer.Lat, "lat", model.DefaultObserver.Lat, "initial observer latitude in degrees")
	flag.Float64Var(&cfg.Observer.Lng, "lng", model.DefaultObserver.Lng, "initial observer longitude in degrees")
	flag.Float64Var(&cfg.Observer.Alt, "alt", model.DefaultObserver.Alt, "initial observer altitude in metres")
	flag.DurationVar(&cfg.Catalog.TTL, "catalog-ttl", catalog.DefaultTTL, "lifetime of a cached catalog")
	flag.DurationVar(&cfg.Catalog.Debounce, "debounce", catalog.DefaultDebounce, "quiet period before a catalog fetch after an observer change")
	flag.Float64Var(&cfg.Catalog.Radius, "radius", catalog.DefaultRadius, "catalog search radius in degrees")
	flag.DurationVar(&cfg.Tracker.Interval, "poll", tracker.DefaultInterval, "trajectory polling interval")
	flag.DurationVar(&cfg.Tracker.Window, "window", tracker.DefaultWindow, "trajectory window requested per poll")
	flag.IntVar(&cfg.Tracker.MaxTrail, "max-trail", tracker.DefaultMaxTrail, "samples kept in the trail")
	flag.DurationVar(&cfg.FrameInterval, "frame", 50*time.Millisecond, "marker animation frame interval")
	flag.Parse()

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, AddSource: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracingCfg := observability.TracingConfigFromEnv("skytrail")
	tracingCfg.ServiceVersion = version
	tracingCfg.Attributes = append(observability.ObserverAttributes(cfg.Observer), observability.AttrProxyURL.String(cfg.ProxyURL))
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
		log.Error(ctx, "viewer exited", logging.Err(err))
		os.Exit(1)
	}
}

// run serves the viewer stream on lis until ctx is cancelled.
func run(ctx context.Context, cfg Config, log logging.Logger, lis net.Listener) error {
	if err := cfg.Observer.Validate(); err != nil {
		return err
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 50 * time.Millisecond
	}

	reg := prometheus.NewRegistry()
	collector, err := observability.NewCollector(reg)
	if err != nil {
		return fmt.Errorf("metrics collector: %w", err)
	}

	client, err := source.New(cfg.ProxyURL)
	if err != nil {
		return err
	}

	sess := session.New(client, session.Config{
		Observer: cfg.Observer,
		Catalog:  cfg.Catalog,
		Tracker:  cfg.Tracker,
	},
		session.WithLogger(log.With(logging.String("component", "session"))),
		session.WithMetricsRecorder(collector),
	)
	defer sess.Close()

	streamSrv := stream.NewServer(sess,
		stream.WithLogger(log.With(logging.String("component", "stream"))),
		stream.WithOriginCheck(originChecker(cfg.AllowedOrigins)),
	)
	defer streamSrv.Close()

	frames := timectrl.NewTimeController(time.Now(), cfg.FrameInterval, timectrl.RealTime)
	streamSrv.AttachClock(frames)
	frameCtx, stopFrames := context.WithCancel(ctx)
	defer stopFrames()
	framesDone := frames.Run(frameCtx, 0)

	mux := http.NewServeMux()
	mux.Handle("/", streamSrv.Handler())
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
	log.Info(ctx, "viewer listening",
		logging.String("addr", lis.Addr().String()),
		logging.String("proxy", cfg.ProxyURL),
		logging.Duration("frame", cfg.FrameInterval),
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info(shutdownCtx, "shutting down viewer")
	streamSrv.Close()
	_ = srv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	stopFrames()
	<-framesDone

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

// originChecker allows same-host connections, non-browser clients and the
// configured origins.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if origin == "http://"+r.Host || origin == "https://"+r.Host {
			return true
		}
		_, ok := set[origin]
		return ok
	}
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
