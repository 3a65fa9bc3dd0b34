// Package catalog keeps the list of objects above the observer: a TTL cache
// keyed by quantized location, a debouncer for location edits, and a store
// that lets only the newest fetch write state.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/skytrail/internal/logging"
	"github.com/signalsfoundry/skytrail/internal/observability"
	"github.com/signalsfoundry/skytrail/model"
	"github.com/signalsfoundry/skytrail/timectrl"
)

var (
	// ErrSuperseded is returned to the caller of a fetch that a newer
	// request replaced. Its result was discarded.
	ErrSuperseded = errors.New("catalog fetch superseded")
	// ErrNoLocation is returned by Refresh before any location was set.
	ErrNoLocation = errors.New("no observer location set")
	// ErrClosed is returned once the store has been closed.
	ErrClosed = errors.New("catalog store closed")
)

// Fetcher is the sample source as seen by the catalog.
type Fetcher interface {
	SatellitesAbove(ctx context.Context, loc model.ObserverLocation, radius float64) ([]model.SatelliteSummary, error)
}

// MetricsRecorder captures catalog fetch and cache metrics.
type MetricsRecorder interface {
	RecordFetch(kind, outcome string, d time.Duration)
	RecordCacheLookup(hit bool)
}

// DefaultRadius is the catalog search radius in degrees.
const DefaultRadius = 70.0

// Config holds catalog tuning. Zero values select the defaults.
type Config struct {
	TTL      time.Duration
	Debounce time.Duration
	Radius   float64
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.Radius <= 0 {
		c.Radius = DefaultRadius
	}
	return c
}

// State is a snapshot of what the catalog exposes to the viewer.
type State struct {
	Location    model.ObserverLocation   `json:"location"`
	Entries     []model.SatelliteSummary `json:"entries"`
	Loading     bool                     `json:"loading"`
	Err         string                   `json:"error,omitempty"`
	LastUpdated time.Time                `json:"lastUpdated,omitempty"`
}

func (s State) clone() State {
	s.Entries = model.CloneSummaries(s.Entries)
	return s
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for TTL checks and debouncing.
func WithClock(clock timectrl.SimClock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithLogger(log logging.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetricsRecorder wires fetch and cache metrics.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// Store owns the catalog cache and the catalog state. At most one fetch is
// current at a time, regardless of key; older fetches are cancelled and
// their completions ignored.
type Store struct {
	cfg     Config
	fetcher Fetcher
	clock   timectrl.SimClock
	log     logging.Logger
	metrics MetricsRecorder

	cache     *Cache
	debouncer *Debouncer

	mu          sync.Mutex
	state       State
	hasLocation bool
	gen         uint64
	cancel      context.CancelFunc
	closed      bool
	subs        map[int]func(State)
	nextSub     int

	wg sync.WaitGroup
}

// NewStore builds a store fetching through f.
func NewStore(f Fetcher, cfg Config, opts ...Option) *Store {
	s := &Store{
		cfg:     cfg.withDefaults(),
		fetcher: f,
		clock:   timectrl.WallClock{},
		log:     logging.Noop(),
		subs:    make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache = NewCache(s.cfg.TTL, s.clock)
	s.debouncer = NewDebouncer(s.clock, s.cfg.Debounce, s.trigger)
	return s
}

// Cache exposes the underlying cache for housekeeping.
func (s *Store) Cache() *Cache { return s.cache }

// SetLocation records a location edit. The fetch happens once the quiet
// period passes without another edit, using the final value. A location
// equal to the current one is ignored.
func (s *Store) SetLocation(loc model.ObserverLocation) {
	s.mu.Lock()
	if s.closed || (s.hasLocation && s.state.Location.Equal(loc)) {
		s.mu.Unlock()
		return
	}
	s.hasLocation = true
	s.state.Location = loc
	// The old location's result must not land after the edit.
	s.supersedeLocked()
	snapshot := s.state.clone()
	s.publishLocked(snapshot)
	s.mu.Unlock()

	s.debouncer.Push(loc)
}

func (s *Store) trigger(loc model.ObserverLocation) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		_, _ = s.GetCatalog(context.Background(), loc, false)
	}()
}

// GetCatalog returns the catalog for loc. Unless force is set, a cache entry
// younger than the TTL is returned without network access. Any fetch still
// in flight is superseded either way.
func (s *Store) GetCatalog(ctx context.Context, loc model.ObserverLocation, force bool) ([]model.SatelliteSummary, error) {
	key := model.CacheKey(loc)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.supersedeLocked()
	gen := s.gen
	s.hasLocation = true
	s.state.Location = loc

	if !force {
		entry, ok := s.cache.Get(key)
		s.recordCacheLookup(ok)
		if ok {
			s.state.Entries = entry.Data
			s.state.Loading = false
			s.state.Err = ""
			s.state.LastUpdated = entry.FetchedAt
			s.publishLocked(s.state.clone())
			s.mu.Unlock()
			return model.CloneSummaries(entry.Data), nil
		}
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state.Loading = true
	s.state.Err = ""
	s.publishLocked(s.state.clone())
	s.mu.Unlock()
	defer cancel()

	start := s.clock.Now()
	data, err := s.fetcher.SatellitesAbove(fetchCtx, loc, s.cfg.Radius)
	elapsed := s.clock.Now().Sub(start)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		s.recordFetch(observability.OutcomeSuperseded, elapsed)
		return nil, ErrSuperseded
	}
	s.cancel = nil
	s.state.Loading = false

	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Cancelled by the caller; nothing to surface.
			s.recordFetch(observability.OutcomeSuperseded, elapsed)
			s.publishLocked(s.state.clone())
			return nil, err
		}
		s.recordFetch(observability.OutcomeError, elapsed)
		s.state.Err = err.Error()
		s.publishLocked(s.state.clone())
		s.log.Warn(ctx, "catalog fetch failed",
			logging.String("key", key),
			logging.Err(err),
		)
		return nil, fmt.Errorf("fetch catalog %s: %w", key, err)
	}

	if data == nil {
		data = []model.SatelliteSummary{}
	}
	now := s.clock.Now()
	s.cache.Put(key, data, now)
	s.recordFetch(observability.OutcomeOK, elapsed)
	s.state.Entries = model.CloneSummaries(data)
	s.state.LastUpdated = now
	s.publishLocked(s.state.clone())
	s.log.Debug(ctx, "catalog fetched",
		logging.String("key", key),
		logging.Int("entries", len(data)),
	)
	return model.CloneSummaries(data), nil
}

// Refresh refetches the current location, bypassing the cache.
func (s *Store) Refresh(ctx context.Context) ([]model.SatelliteSummary, error) {
	s.mu.Lock()
	loc, ok := s.state.Location, s.hasLocation
	s.mu.Unlock()
	if !ok {
		return nil, ErrNoLocation
	}
	s.debouncer.Cancel()
	return s.GetCatalog(ctx, loc, true)
}

// State returns a snapshot of the catalog state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Subscribe registers fn for every state change and returns a function that
// removes it. fn runs with the store locked and must not call back into it.
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Close stops the debouncer, cancels the in-flight fetch and waits for
// debounced fetches to return.
func (s *Store) Close() {
	s.debouncer.Stop()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.supersedeLocked()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Store) supersedeLocked() {
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Store) publishLocked(st State) {
	for _, fn := range s.subs {
		fn(st)
	}
}

func (s *Store) recordFetch(outcome string, d time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordFetch(observability.KindCatalog, outcome, d)
	}
}

func (s *Store) recordCacheLookup(hit bool) {
	if s.metrics != nil {
		s.metrics.RecordCacheLookup(hit)
	}
}
