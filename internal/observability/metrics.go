package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch kinds and outcomes used as label values.
const (
	KindCatalog    = "catalog"
	KindTrajectory = "trajectory"

	OutcomeOK         = "ok"
	OutcomeError      = "error"
	OutcomeSuperseded = "superseded"
)

// Collector bundles the Prometheus metrics of the tracker, the catalog cache
// and the proxy, and provides helpers to wire them into HTTP handlers.
type Collector struct {
	gatherer prometheus.Gatherer

	Fetches        *prometheus.CounterVec
	FetchDurations *prometheus.HistogramVec
	CacheLookups   *prometheus.CounterVec
	TrailSamples   prometheus.Gauge

	ProxyRequests  *prometheus.CounterVec
	ProxyDurations *prometheus.HistogramVec
}

// NewCollector registers skytrail metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	fetches, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skytrail_fetches_total",
		Help: "Sample source fetches, labeled by kind (catalog, trajectory) and outcome (ok, error, superseded).",
	}, []string{"kind", "outcome"}), "skytrail_fetches_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "skytrail_fetch_duration_seconds",
		Help:    "Sample source fetch latency in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"kind"}), "skytrail_fetch_duration_seconds")
	if err != nil {
		return nil, err
	}

	lookups, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skytrail_catalog_cache_lookups_total",
		Help: "Catalog cache lookups, labeled by result (hit, miss).",
	}, []string{"result"}), "skytrail_catalog_cache_lookups_total")
	if err != nil {
		return nil, err
	}

	trail, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "skytrail_trail_samples",
		Help: "Number of samples currently retained in the tracked object's trail.",
	}), "skytrail_trail_samples")
	if err != nil {
		return nil, err
	}

	proxyRequests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skytrail_proxy_requests_total",
		Help: "Proxy requests, labeled by route and HTTP status code.",
	}, []string{"route", "code"}), "skytrail_proxy_requests_total")
	if err != nil {
		return nil, err
	}

	proxyDurations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "skytrail_proxy_request_duration_seconds",
		Help:    "Proxy request latency in seconds, including the upstream round trip.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"route"}), "skytrail_proxy_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:       gatherer,
		Fetches:        fetches,
		FetchDurations: durations,
		CacheLookups:   lookups,
		TrailSamples:   trail,
		ProxyRequests:  proxyRequests,
		ProxyDurations: proxyDurations,
	}, nil
}

// RecordFetch counts one completed fetch. Superseded fetches are counted but
// their duration is not observed, since their result was never used.
func (c *Collector) RecordFetch(kind, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	if c.Fetches != nil {
		c.Fetches.WithLabelValues(kind, outcome).Inc()
	}
	if c.FetchDurations != nil && outcome != OutcomeSuperseded {
		c.FetchDurations.WithLabelValues(kind).Observe(d.Seconds())
	}
}

// RecordCacheLookup counts a catalog cache hit or miss.
func (c *Collector) RecordCacheLookup(hit bool) {
	if c == nil || c.CacheLookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.CacheLookups.WithLabelValues(result).Inc()
}

// SetTrailLength satisfies the tracker's metrics recorder.
func (c *Collector) SetTrailLength(n int) {
	if c == nil || c.TrailSamples == nil {
		return
	}
	c.TrailSamples.Set(float64(n))
}

// Middleware records request counts and durations for one proxy route.
func (c *Collector) Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if c == nil {
			return
		}
		if c.ProxyRequests != nil {
			c.ProxyRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		}
		if c.ProxyDurations != nil {
			c.ProxyDurations.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
