// Package proxy forwards catalog and trajectory queries to the N2YO REST API,
// adding the API key server-side so that it never reaches the browser.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/signalsfoundry/skytrail/internal/logging"
	"github.com/signalsfoundry/skytrail/internal/observability"
	"golang.org/x/time/rate"
)

// DefaultUpstream is the N2YO satellite API root.
const DefaultUpstream = "https://api.n2yo.com/rest/v1/satellite"

const (
	defaultRadius   = "70"
	defaultSeconds  = "60"
	defaultCategory = "0"
	maxUpstreamBody = 8 << 20
)

// Config configures the proxy.
type Config struct {
	// Upstream is the API root; paths such as /above/... are appended.
	Upstream string
	APIKey   string
	// AllowedOrigins lists browser origins allowed to call the proxy.
	// Requests without an Origin header are always allowed.
	AllowedOrigins []string
	// RatePerSecond and Burst bound each client address. Zero disables
	// rate limiting.
	RatePerSecond float64
	Burst         int
	// CacheTTL applies to successful upstream responses when a cache is set.
	CacheTTL time.Duration
}

// DefaultAllowedOrigins is the dev frontend.
var DefaultAllowedOrigins = []string{"http://localhost:5173"}

// ParseOrigins splits a comma separated allow-list.
func ParseOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return append([]string(nil), DefaultAllowedOrigins...)
	}
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// HTTPClient is the subset of *http.Client used for upstream calls.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option configures a Server.
type Option func(*Server)

func WithHTTPClient(c HTTPClient) Option {
	return func(s *Server) {
		if c != nil {
			s.client = c
		}
	}
}

func WithLogger(log logging.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithCollector records per-route request metrics.
func WithCollector(c *observability.Collector) Option {
	return func(s *Server) {
		s.metrics = c
	}
}

// WithResponseCache replays upstream responses for identical queries.
func WithResponseCache(c ResponseCache) Option {
	return func(s *Server) {
		s.cache = c
	}
}

// Server is the proxy HTTP handler.
type Server struct {
	cfg     Config
	client  HTTPClient
	log     logging.Logger
	metrics *observability.Collector
	cache   ResponseCache
	limiter *IPRateLimiter
	origins map[string]struct{}
}

// New builds a proxy. A missing API key is reported once here; requests are
// still forwarded and fail upstream.
func New(cfg Config, opts ...Option) *Server {
	if cfg.Upstream == "" {
		cfg.Upstream = DefaultUpstream
	}
	cfg.Upstream = strings.TrimRight(cfg.Upstream, "/")
	if cfg.AllowedOrigins == nil {
		cfg.AllowedOrigins = append([]string(nil), DefaultAllowedOrigins...)
	}

	s := &Server{
		cfg:     cfg,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     logging.Noop(),
		origins: make(map[string]struct{}, len(cfg.AllowedOrigins)),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, o := range cfg.AllowedOrigins {
		s.origins[o] = struct{}{}
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = NewIPRateLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	if cfg.APIKey == "" {
		s.log.Warn(context.Background(), "N2YO_KEY not set; upstream requests will be rejected")
	}
	return s
}

// Handler returns the proxy routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/health", s.wrap("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("/api/above", s.wrap("above", http.HandlerFunc(s.handleAbove)))
	mux.Handle("/api/positions", s.wrap("positions", http.HandlerFunc(s.handlePositions)))
	return mux
}

// wrap applies, outermost first: request logging, CORS, rate limiting and
// route metrics.
func (s *Server) wrap(route string, h http.Handler) http.Handler {
	h = s.metrics.Middleware(route, h)
	h = s.rateLimit(h)
	h = s.cors(h)
	return s.requestLogger(route, h)
}

func (s *Server) requestLogger(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get(logging.RequestIDHeader); id != "" {
			ctx = logging.ContextWithRequestID(ctx, id)
		}
		ctx, log := logging.WithRequestLogger(ctx, s.log)
		ctx = logging.ContextWithLogger(ctx, log)
		w.Header().Set(logging.RequestIDHeader, logging.RequestIDFromContext(ctx))

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		log.Debug(ctx, "proxy request",
			logging.String("route", route),
			logging.String("method", r.Method),
			logging.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if _, ok := s.origins[origin]; !ok {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "CORS policy: The request origin is not allowed."})
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+logging.RequestIDHeader)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(r) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAbove(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, lng := q.Get("lat"), q.Get("lng")
	if lat == "" || lng == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "lat and lng are required query params"})
		return
	}
	path := "/above/" + joinPath(lat, lng, orDefault(q.Get("alt"), "0"), orDefault(q.Get("radius"), defaultRadius), orDefault(q.Get("category"), defaultCategory))
	s.forward(w, r, path, true)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, lat, lng := q.Get("id"), q.Get("lat"), q.Get("lng")
	if id == "" || lat == "" || lng == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id, lat and lng are required query params"})
		return
	}
	path := "/positions/" + joinPath(id, lat, lng, orDefault(q.Get("alt"), "0"), orDefault(q.Get("seconds"), defaultSeconds))
	// Trajectories start at the current second; a replayed window is stale.
	s.forward(w, r, path, false)
}

// forward calls the upstream at path and relays status, content type and
// body unchanged. Connection-level failures become a 500 with a JSON body.
// Only cacheable routes consult or fill the response cache.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, path string, cacheable bool) {
	ctx := r.Context()
	log := logging.LoggerFromContext(ctx, s.log)

	if !cacheable {
		w.Header().Set("X-Cache", "BYPASS")
	} else if cached, ok := s.lookup(ctx, log, path); ok {
		w.Header().Set("X-Cache", "HIT")
		writeRaw(w, cached)
		return
	}

	target := s.cfg.Upstream + path + "/&apiKey=" + url.QueryEscape(s.cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		s.proxyError(ctx, w, log, err)
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.proxyError(ctx, w, log, err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		s.proxyError(ctx, w, log, err)
		return
	}
	out := CachedResponse{
		Status:      resp.StatusCode,
		ContentType: orDefault(resp.Header.Get("Content-Type"), "application/json"),
		Body:        body,
	}
	if cacheable && s.cache != nil && out.Status >= 200 && out.Status < 300 {
		if err := s.cache.Set(ctx, path, out, s.cacheTTL()); err != nil {
			log.Warn(ctx, "response cache write failed", logging.Err(err))
		}
	}
	writeRaw(w, out)
}

func (s *Server) lookup(ctx context.Context, log logging.Logger, key string) (CachedResponse, bool) {
	if s.cache == nil {
		return CachedResponse{}, false
	}
	resp, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		log.Warn(ctx, "response cache read failed", logging.Err(err))
		return CachedResponse{}, false
	}
	return resp, ok
}

func (s *Server) cacheTTL() time.Duration {
	if s.cfg.CacheTTL > 0 {
		return s.cfg.CacheTTL
	}
	return 10 * time.Second
}

func (s *Server) proxyError(ctx context.Context, w http.ResponseWriter, log logging.Logger, err error) {
	log.Error(ctx, "proxy error", logging.Err(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error":  "proxy error",
		"detail": redactKey(err.Error(), s.cfg.APIKey),
	})
}

// redactKey keeps the API key out of error details returned to clients.
func redactKey(msg, key string) string {
	if key == "" {
		return msg
	}
	msg = strings.ReplaceAll(msg, url.QueryEscape(key), "REDACTED")
	return strings.ReplaceAll(msg, key, "REDACTED")
}

func joinPath(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return strings.Join(escaped, "/")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func writeRaw(w http.ResponseWriter, resp CachedResponse) {
	w.Header().Set("Content-Type", resp.ContentType)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
