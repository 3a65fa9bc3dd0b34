// Package session owns the state of one viewer: the observer location, the
// selected object, the catalog around the observer and the live trail of the
// selection. Components are wired to each other here and nowhere else.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/signalsfoundry/skytrail/internal/animator"
	"github.com/signalsfoundry/skytrail/internal/catalog"
	"github.com/signalsfoundry/skytrail/internal/logging"
	"github.com/signalsfoundry/skytrail/internal/tracker"
	"github.com/signalsfoundry/skytrail/model"
	"github.com/signalsfoundry/skytrail/timectrl"
)

// EventType indicates what changed in the session.
type EventType int

const (
	EventObserverChanged EventType = iota
	EventTargetChanged
	EventCatalogUpdated
	EventTrailUpdated
)

func (t EventType) String() string {
	switch t {
	case EventObserverChanged:
		return "observer"
	case EventTargetChanged:
		return "target"
	case EventCatalogUpdated:
		return "catalog"
	case EventTrailUpdated:
		return "trail"
	default:
		return "unknown"
	}
}

// Event is emitted to subscribers when something in the session changes.
// Only the fields relevant to Type are set.
type Event struct {
	Type     EventType
	Observer model.ObserverLocation
	TargetID int
	Catalog  catalog.State
	Trail    model.Trail
}

// Source is the sample source used by both the catalog and the tracker.
type Source interface {
	catalog.Fetcher
	tracker.Fetcher
}

// MetricsRecorder covers what the catalog and the tracker record.
type MetricsRecorder interface {
	catalog.MetricsRecorder
	tracker.MetricsRecorder
}

// Config carries the initial observer and component tuning.
type Config struct {
	Observer model.ObserverLocation
	Catalog  catalog.Config
	Tracker  tracker.Config
}

// Option configures a Session.
type Option func(*options)

type options struct {
	clock   timectrl.SimClock
	log     logging.Logger
	metrics MetricsRecorder
}

func WithClock(clock timectrl.SimClock) Option {
	return func(o *options) { o.clock = clock }
}

func WithLogger(log logging.Logger) Option {
	return func(o *options) { o.log = log }
}

func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(o *options) { o.metrics = m }
}

// Session is the explicitly owned replacement for ambient viewer state.
type Session struct {
	log      logging.Logger
	catalog  *catalog.Store
	tracker  *tracker.Tracker
	animator *animator.Animator
	// trailSeq is the tracker trail last handed to the animator. Only the
	// tracker subscriber touches it, and the tracker serializes those calls.
	trailSeq uint64

	mu       sync.Mutex
	observer model.ObserverLocation
	targetID int
	closed   bool

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int

	unsubs []func()
}

// New builds a session around src. The catalog for cfg.Observer is fetched
// once the debounce quiet period passes.
func New(src Source, cfg Config, opts ...Option) *Session {
	o := options{clock: timectrl.WallClock{}, log: logging.Noop()}
	for _, opt := range opts {
		opt(&o)
	}
	observer := cfg.Observer
	if observer.Validate() != nil {
		observer = model.DefaultObserver
	}

	catalogOpts := []catalog.Option{catalog.WithClock(o.clock), catalog.WithLogger(o.log.With(logging.String("component", "catalog")))}
	trackerOpts := []tracker.Option{tracker.WithClock(o.clock), tracker.WithLogger(o.log.With(logging.String("component", "tracker")))}
	if o.metrics != nil {
		catalogOpts = append(catalogOpts, catalog.WithMetricsRecorder(o.metrics))
		trackerOpts = append(trackerOpts, tracker.WithMetricsRecorder(o.metrics))
	}

	s := &Session{
		log:      o.log,
		catalog:  catalog.NewStore(src, cfg.Catalog, catalogOpts...),
		tracker:  tracker.New(src, cfg.Tracker, trackerOpts...),
		animator: animator.New(),
		observer: observer,
		subs:     make(map[int]func(Event)),
	}

	s.unsubs = append(s.unsubs,
		s.catalog.Subscribe(func(st catalog.State) {
			s.publish(Event{Type: EventCatalogUpdated, Catalog: st})
		}),
		s.tracker.Subscribe(func(snap tracker.Snapshot) {
			if snap.TrailSeq != s.trailSeq {
				s.trailSeq = snap.TrailSeq
				s.animator.SetTrail(snap.Trail)
			}
			s.publish(Event{Type: EventTrailUpdated, TargetID: snap.TargetID, Trail: snap.Trail})
		}),
	)

	s.catalog.SetLocation(observer)
	s.tracker.Update(0, observer)
	return s
}

// SetObserver replaces the observer location. An equal location is a no-op;
// any other value restarts the catalog and the tracking of the selection.
func (s *Session) SetObserver(loc model.ObserverLocation) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed || s.observer.Equal(loc) {
		s.mu.Unlock()
		return nil
	}
	s.observer = loc
	target := s.targetID
	s.mu.Unlock()

	s.log.Info(context.Background(), "observer changed",
		logging.Float("lat", loc.Lat),
		logging.Float("lng", loc.Lng),
		logging.Float("alt", loc.Alt),
	)
	s.catalog.SetLocation(loc)
	s.tracker.Update(target, loc)
	s.publish(Event{Type: EventObserverChanged, Observer: loc, TargetID: target})
	return nil
}

// Select makes id the tracked object. Zero deselects.
func (s *Session) Select(id int) {
	s.mu.Lock()
	if s.closed || s.targetID == id {
		s.mu.Unlock()
		return
	}
	s.targetID = id
	observer := s.observer
	s.mu.Unlock()

	// No interpolation across targets.
	s.animator.Reset()
	s.tracker.Update(id, observer)
	s.publish(Event{Type: EventTargetChanged, Observer: observer, TargetID: id})
}

// Deselect stops tracking.
func (s *Session) Deselect() { s.Select(0) }

// SetVisible relays the viewing surface's visibility to the tracker.
func (s *Session) SetVisible(visible bool) { s.tracker.SetVisible(visible) }

// Catalog returns the catalog around the current observer.
func (s *Session) Catalog(ctx context.Context, force bool) ([]model.SatelliteSummary, error) {
	return s.catalog.GetCatalog(ctx, s.Observer(), force)
}

// Refresh is the manual catalog retry; it bypasses the cache.
func (s *Session) Refresh(ctx context.Context) ([]model.SatelliteSummary, error) {
	return s.catalog.Refresh(ctx)
}

// Frame advances the marker animation by dt. It reports false when there is
// nothing to draw.
func (s *Session) Frame(dt time.Duration) (animator.Position, bool) {
	return s.animator.Advance(dt)
}

func (s *Session) Observer() model.ObserverLocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observer
}

func (s *Session) TargetID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetID
}

// Selected returns the catalog entry of the tracked object, if it is listed.
func (s *Session) Selected() (model.SatelliteSummary, bool) {
	id := s.TargetID()
	if id == 0 {
		return model.SatelliteSummary{}, false
	}
	return model.FindSummary(s.catalog.State().Entries, id)
}

func (s *Session) CatalogState() catalog.State { return s.catalog.State() }

func (s *Session) Trail() model.Trail { return s.tracker.Trail() }

func (s *Session) Tracking() bool { return s.tracker.Tracking() }

// Subscribe registers a callback for session events and returns a function
// that removes it. Callbacks may run on fetch goroutines and must not block.
func (s *Session) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Close tears down the tracker and the catalog, cancelling pending timers
// and fetches.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	for _, unsub := range s.unsubs {
		unsub()
	}
	s.tracker.Close()
	s.catalog.Close()
	s.animator.Reset()
}

func (s *Session) publish(e Event) {
	s.subMu.Lock()
	subs := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
}
