// Package tracker polls the sample source for the selected object and keeps
// a bounded trail of its newest predicted positions.
package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/signalsfoundry/skytrail/internal/logging"
	"github.com/signalsfoundry/skytrail/internal/observability"
	"github.com/signalsfoundry/skytrail/model"
	"github.com/signalsfoundry/skytrail/timectrl"
)

// Polling defaults.
const (
	DefaultInterval = 8 * time.Second
	DefaultWindow   = 60 * time.Second
	DefaultMaxTrail = 30
)

// Fetcher is the sample source as seen by the tracker.
type Fetcher interface {
	Positions(ctx context.Context, id int, loc model.ObserverLocation, seconds int) ([]model.PositionSample, error)
}

// MetricsRecorder captures trajectory fetch metrics.
type MetricsRecorder interface {
	RecordFetch(kind, outcome string, d time.Duration)
	SetTrailLength(n int)
}

// Config holds tracker tuning. Zero values select the defaults.
type Config struct {
	// Interval between polls of one cycle.
	Interval time.Duration
	// Window of future positions requested per poll.
	Window time.Duration
	// MaxTrail bounds the retained trail; the newest samples win.
	MaxTrail int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Window < time.Second {
		c.Window = DefaultWindow
	}
	if c.MaxTrail <= 0 {
		c.MaxTrail = DefaultMaxTrail
	}
	return c
}

// Snapshot is the tracking session as published to subscribers.
type Snapshot struct {
	TargetID           int
	Location           model.ObserverLocation
	Visible            bool
	Trail              model.Trail
	LastFetchStartedAt time.Time
	// TrailSeq changes only when the trail is replaced or cleared.
	TrailSeq           uint64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the wall clock used for the poll timer.
func WithClock(clock timectrl.SimClock) Option {
	return func(t *Tracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

func WithLogger(log logging.Logger) Option {
	return func(t *Tracker) {
		if log != nil {
			t.log = log
		}
	}
}

// WithMetricsRecorder wires fetch and trail metrics.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(t *Tracker) {
		t.metrics = m
	}
}

// Tracker maintains the trail of at most one selected object. A target of 0
// means nothing is selected. Polling only happens while the viewing surface
// is visible.
type Tracker struct {
	cfg     Config
	fetcher Fetcher
	clock   timectrl.SimClock
	log     logging.Logger
	metrics MetricsRecorder

	mu         sync.Mutex
	configured bool
	targetID   int
	loc        model.ObserverLocation
	visible    bool
	trail      model.Trail
	trailSeq   uint64
	lastStart  time.Time
	cycle      uint64
	fetchID    uint64
	timer      timectrl.Timer
	cancel     context.CancelFunc
	closed     bool
	subs       map[int]func(Snapshot)
	nextSub    int

	wg sync.WaitGroup
}

// New builds a tracker with nothing selected and the surface visible.
func New(f Fetcher, cfg Config, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:     cfg.withDefaults(),
		fetcher: f,
		clock:   timectrl.WallClock{},
		log:     logging.Noop(),
		visible: true,
		subs:    make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Update sets the target and observer location. Both are compared by value;
// an unchanged pair leaves the running cycle alone. Any change drops the
// trail and restarts polling.
func (t *Tracker) Update(targetID int, loc model.ObserverLocation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if t.configured && t.targetID == targetID && t.loc.Equal(loc) {
		return
	}
	t.configured = true
	t.targetID = targetID
	t.loc = loc
	t.restartLocked()
}

// SetVisible gates polling on the viewing surface. Hiding stops the timer and
// cancels the in-flight fetch; showing again starts a fresh cycle.
func (t *Tracker) SetVisible(visible bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.visible == visible {
		return
	}
	t.visible = visible
	if !visible {
		t.stopLocked()
		t.publishLocked()
		return
	}
	t.restartLocked()
}

// Trail returns a copy of the retained trail.
func (t *Tracker) Trail() model.Trail {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trail.Clone()
}

// Tracking reports whether a target is selected and being polled.
func (t *Tracker) Tracking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.targetID != 0 && t.visible && !t.closed
}

// Snapshot returns the current tracking session.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Subscribe registers fn for every trail change and returns a function that
// removes it. fn runs with the tracker locked and must not call back into it.
func (t *Tracker) Subscribe(fn func(Snapshot)) func() {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Close stops polling and waits for outstanding fetch goroutines.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.stopLocked()
	t.mu.Unlock()
	t.wg.Wait()
}

func (t *Tracker) restartLocked() {
	t.stopLocked()
	t.trail = nil
	t.trailSeq++
	t.lastStart = time.Time{}
	t.setTrailLength(0)
	t.publishLocked()
	if t.targetID != 0 && t.visible {
		t.fetchLocked()
		t.scheduleLocked()
	}
}

// stopLocked ends the current cycle. Completions of fetches started before
// this point are ignored.
func (t *Tracker) stopLocked() {
	t.cycle++
	t.fetchID++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *Tracker) scheduleLocked() {
	cycle := t.cycle
	t.timer = t.clock.AfterFunc(t.cfg.Interval, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.closed || cycle != t.cycle {
			return
		}
		t.fetchLocked()
		t.scheduleLocked()
	})
}

func (t *Tracker) fetchLocked() {
	if t.cancel != nil {
		t.cancel()
	}
	t.fetchID++
	id := t.fetchID
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	target, loc := t.targetID, t.loc
	seconds := int(t.cfg.Window / time.Second)
	start := t.clock.Now()
	t.lastStart = start

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancel()
		samples, err := t.fetcher.Positions(ctx, target, loc, seconds)
		t.complete(ctx, id, target, samples, err, t.clock.Now().Sub(start))
	}()
}

func (t *Tracker) complete(ctx context.Context, id uint64, target int, samples []model.PositionSample, err error, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id != t.fetchID || t.closed {
		t.recordFetch(observability.OutcomeSuperseded, elapsed)
		return
	}
	t.cancel = nil

	if err != nil {
		if errors.Is(err, context.Canceled) {
			t.recordFetch(observability.OutcomeSuperseded, elapsed)
			return
		}
		t.recordFetch(observability.OutcomeError, elapsed)
		t.log.Warn(ctx, "trajectory fetch failed; keeping last trail",
			logging.Int("target_id", target),
			logging.Int("trail_len", len(t.trail)),
			logging.Err(err),
		)
		return
	}

	t.trail = model.NormalizeTrail(samples).Last(t.cfg.MaxTrail)
	t.trailSeq++
	t.recordFetch(observability.OutcomeOK, elapsed)
	t.setTrailLength(len(t.trail))
	t.log.Debug(ctx, "trajectory fetched",
		logging.Int("target_id", target),
		logging.Int("received", len(samples)),
		logging.Int("retained", len(t.trail)),
	)
	t.publishLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	return Snapshot{
		TargetID:           t.targetID,
		Location:           t.loc,
		Visible:            t.visible,
		Trail:              t.trail.Clone(),
		LastFetchStartedAt: t.lastStart,
		TrailSeq:           t.trailSeq,
	}
}

func (t *Tracker) publishLocked() {
	if len(t.subs) == 0 {
		return
	}
	snap := t.snapshotLocked()
	for _, fn := range t.subs {
		fn(snap)
	}
}

func (t *Tracker) recordFetch(outcome string, d time.Duration) {
	if t.metrics != nil {
		t.metrics.RecordFetch(observability.KindTrajectory, outcome, d)
	}
}

func (t *Tracker) setTrailLength(n int) {
	if t.metrics != nil {
		t.metrics.SetTrailLength(n)
	}
}
