package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/skytrail/internal/observability"
	"github.com/signalsfoundry/skytrail/model"
	"github.com/signalsfoundry/skytrail/timectrl"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type positionsCall struct {
	id      int
	loc     model.ObserverLocation
	seconds int
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []positionsCall
	fn    func(ctx context.Context, id int) ([]model.PositionSample, error)
}

func (f *fakeFetcher) Positions(ctx context.Context, id int, loc model.ObserverLocation, seconds int) ([]model.PositionSample, error) {
	f.mu.Lock()
	f.calls = append(f.calls, positionsCall{id: id, loc: loc, seconds: seconds})
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return samplesFor(id, 5), nil
	}
	return fn(ctx, id)
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func samplesFor(id, n int) []model.PositionSample {
	out := make([]model.PositionSample, n)
	for i := range out {
		out[i] = model.PositionSample{ID: id, Lat: float64(i), Lng: float64(id), Timestamp: 1700000000 + int64(i)}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// settle waits for fetch goroutines to publish, then checks nothing else
// arrives.
func settle(t *testing.T, f *fakeFetcher, want int) {
	t.Helper()
	waitFor(t, "fetch count", func() bool { return f.count() >= want })
	time.Sleep(20 * time.Millisecond)
	if got := f.count(); got != want {
		t.Fatalf("fetch count = %d, want %d", got, want)
	}
}

func newTestTracker(t *testing.T, f Fetcher, opts ...Option) (*Tracker, *timectrl.TimeController) {
	t.Helper()
	clock := timectrl.NewTimeController(t0, time.Second, timectrl.Accelerated)
	tr := New(f, Config{}, append([]Option{WithClock(clock)}, opts...)...)
	t.Cleanup(tr.Close)
	return tr, clock
}

func TestPollingCycleFetchesImmediatelyThenOnInterval(t *testing.T) {
	f := &fakeFetcher{}
	tr, clock := newTestTracker(t, f)

	tr.Update(25544, model.DefaultObserver)
	settle(t, f, 1)
	waitFor(t, "trail", func() bool { return len(tr.Trail()) == 5 })

	clock.Advance(7 * time.Second)
	settle(t, f, 1)
	clock.Advance(time.Second)
	settle(t, f, 2)
	clock.Advance(16 * time.Second)
	settle(t, f, 4)

	f.mu.Lock()
	first := f.calls[0]
	f.mu.Unlock()
	if first.id != 25544 || first.seconds != 60 || !first.loc.Equal(model.DefaultObserver) {
		t.Fatalf("first call = %+v", first)
	}
	if !tr.Tracking() {
		t.Fatalf("Tracking() = false with a visible target")
	}
	if got := tr.Snapshot().LastFetchStartedAt; !got.Equal(t0.Add(24 * time.Second)) {
		t.Fatalf("LastFetchStartedAt = %v", got)
	}
}

func TestUpdateComparesByValue(t *testing.T) {
	f := &fakeFetcher{}
	tr, _ := newTestTracker(t, f)

	tr.Update(25544, model.ObserverLocation{Lat: 1, Lng: 2, Alt: 3})
	settle(t, f, 1)

	tr.Update(25544, model.ObserverLocation{Lat: 1, Lng: 2, Alt: 3})
	settle(t, f, 1)

	tr.Update(25544, model.ObserverLocation{Lat: 1, Lng: 2, Alt: 4})
	settle(t, f, 2)
}

func TestTrailKeepsNewestThirty(t *testing.T) {
	cases := []struct {
		received int
		want     int
	}{
		{received: 61, want: 30},
		{received: 30, want: 30},
		{received: 12, want: 12},
		{received: 0, want: 0},
	}
	for _, tc := range cases {
		f := &fakeFetcher{fn: func(_ context.Context, id int) ([]model.PositionSample, error) {
			return samplesFor(id, tc.received), nil
		}}
		tr, _ := newTestTracker(t, f)
		tr.Update(7, model.DefaultObserver)
		settle(t, f, 1)
		waitFor(t, "trail", func() bool { return len(tr.Trail()) == tc.want })

		trail := tr.Trail()
		if tc.want > 0 {
			last, _ := trail.Latest()
			if last.Timestamp != 1700000000+int64(tc.received-1) {
				t.Fatalf("received %d: newest sample dropped, last ts = %d", tc.received, last.Timestamp)
			}
		}
		tr.Close()
	}
}

func TestOlderTargetCompletionIsIgnored(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	f := &fakeFetcher{fn: func(_ context.Context, id int) ([]model.PositionSample, error) {
		if id == 1 {
			close(started)
			<-release
			return samplesFor(1, 20), nil
		}
		return samplesFor(2, 3), nil
	}}
	m := &recordingMetrics{}
	tr, _ := newTestTracker(t, f, WithMetricsRecorder(m))

	tr.Update(1, model.DefaultObserver)
	<-started
	tr.Update(2, model.DefaultObserver)
	waitFor(t, "target 2 trail", func() bool { return len(tr.Trail()) == 3 })

	close(release)
	waitFor(t, "superseded completion", func() bool { return m.count(observability.OutcomeSuperseded) == 1 })

	trail := tr.Trail()
	if len(trail) != 3 || trail[0].ID != 2 {
		t.Fatalf("trail = %+v, want target 2 samples", trail)
	}
}

func TestFailedPollKeepsLastGoodTrail(t *testing.T) {
	var mu sync.Mutex
	fail := false
	f := &fakeFetcher{fn: func(_ context.Context, id int) ([]model.PositionSample, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, errors.New("connection refused")
		}
		return samplesFor(id, 4), nil
	}}
	m := &recordingMetrics{}
	tr, clock := newTestTracker(t, f, WithMetricsRecorder(m))

	tr.Update(9, model.DefaultObserver)
	waitFor(t, "trail", func() bool { return len(tr.Trail()) == 4 })

	mu.Lock()
	fail = true
	mu.Unlock()
	clock.Advance(8 * time.Second)
	waitFor(t, "failed poll", func() bool { return m.count(observability.OutcomeError) == 1 })
	if got := len(tr.Trail()); got != 4 {
		t.Fatalf("trail len after failure = %d, want 4", got)
	}

	mu.Lock()
	fail = false
	mu.Unlock()
	clock.Advance(8 * time.Second)
	waitFor(t, "recovery", func() bool { return m.count(observability.OutcomeOK) == 2 })
}

func TestHiddenSurfaceStopsPolling(t *testing.T) {
	cancelled := make(chan struct{})
	var mu sync.Mutex
	block := true
	f := &fakeFetcher{fn: func(ctx context.Context, id int) ([]model.PositionSample, error) {
		mu.Lock()
		b := block
		mu.Unlock()
		if b {
			<-ctx.Done()
			close(cancelled)
			return nil, ctx.Err()
		}
		return samplesFor(id, 5), nil
	}}
	tr, clock := newTestTracker(t, f)

	tr.Update(25544, model.DefaultObserver)
	settle(t, f, 1)

	tr.SetVisible(false)
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatalf("in-flight fetch not cancelled on hide")
	}
	if clock.Pending() != 0 {
		t.Fatalf("poll timer still armed while hidden")
	}
	if tr.Tracking() {
		t.Fatalf("Tracking() = true while hidden")
	}

	clock.Advance(time.Minute)
	settle(t, f, 1)

	mu.Lock()
	block = false
	mu.Unlock()
	tr.SetVisible(true)
	settle(t, f, 2)
	waitFor(t, "fresh trail", func() bool { return len(tr.Trail()) == 5 })
	if clock.Pending() != 1 {
		t.Fatalf("pending timers = %d, want the next poll", clock.Pending())
	}
}

func TestDeselectClearsTrailAndStops(t *testing.T) {
	f := &fakeFetcher{}
	tr, clock := newTestTracker(t, f)

	var snaps []Snapshot
	var mu sync.Mutex
	tr.Subscribe(func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})

	tr.Update(5, model.DefaultObserver)
	waitFor(t, "trail", func() bool { return len(tr.Trail()) == 5 })

	tr.Update(0, model.DefaultObserver)
	if len(tr.Trail()) != 0 || clock.Pending() != 0 {
		t.Fatalf("deselect left trail=%d pending=%d", len(tr.Trail()), clock.Pending())
	}
	clock.Advance(time.Minute)
	settle(t, f, 1)

	mu.Lock()
	defer mu.Unlock()
	last := snaps[len(snaps)-1]
	if last.TargetID != 0 || last.Trail != nil {
		t.Fatalf("last snapshot = %+v", last)
	}
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
	trailLen int
}

func (r *recordingMetrics) RecordFetch(kind, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind != observability.KindTrajectory {
		return
	}
	if r.outcomes == nil {
		r.outcomes = map[string]int{}
	}
	r.outcomes[outcome]++
}

func (r *recordingMetrics) SetTrailLength(n int) {
	r.mu.Lock()
	r.trailLen = n
	r.mu.Unlock()
}

func (r *recordingMetrics) count(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[outcome]
}

func TestTrailSeqChangesOnlyWithTrail(t *testing.T) {
	f := &fakeFetcher{}
	tr, _ := newTestTracker(t, f)

	tr.Update(25544, model.DefaultObserver)
	waitFor(t, "trail", func() bool { return len(tr.Trail()) == 5 })
	fetched := tr.Snapshot().TrailSeq

	tr.SetVisible(false)
	hidden := tr.Snapshot()
	if hidden.TrailSeq != fetched || len(hidden.Trail) != 5 {
		t.Fatalf("hiding changed the trail: seq %d -> %d, len %d", fetched, hidden.TrailSeq, len(hidden.Trail))
	}

	tr.Update(0, model.DefaultObserver)
	if got := tr.Snapshot().TrailSeq; got == fetched {
		t.Fatalf("deselect kept trail seq %d", got)
	}
}
