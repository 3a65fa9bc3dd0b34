package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/skytrail/internal/observability"
	"github.com/signalsfoundry/skytrail/internal/source"
	"github.com/signalsfoundry/skytrail/model"
	"github.com/signalsfoundry/skytrail/timectrl"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls []model.ObserverLocation
	fn    func(ctx context.Context, loc model.ObserverLocation) ([]model.SatelliteSummary, error)
}

func (f *fakeFetcher) SatellitesAbove(ctx context.Context, loc model.ObserverLocation, radius float64) ([]model.SatelliteSummary, error) {
	f.mu.Lock()
	f.calls = append(f.calls, loc)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return summaries(1), nil
	}
	return fn(ctx, loc)
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) call(i int) model.ObserverLocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []string
	hits     int
	misses   int
}

func (r *recordingMetrics) RecordFetch(kind, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == observability.KindCatalog {
		r.outcomes = append(r.outcomes, outcome)
	}
}

func (r *recordingMetrics) RecordCacheLookup(hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hit {
		r.hits++
	} else {
		r.misses++
	}
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

func newTestStore(t *testing.T, f Fetcher, opts ...Option) (*Store, *timectrl.TimeController) {
	t.Helper()
	clock := timectrl.NewTimeController(t0, time.Second, timectrl.Accelerated)
	s := NewStore(f, Config{}, append([]Option{WithClock(clock)}, opts...)...)
	t.Cleanup(s.Close)
	return s, clock
}

func TestRapidLocationEditsProduceOneFetch(t *testing.T) {
	f := &fakeFetcher{}
	s, clock := newTestStore(t, f)

	final := model.ObserverLocation{Lat: 28.7, Lng: 77.3, Alt: 5}
	for _, loc := range []model.ObserverLocation{
		{Lat: 28.1, Lng: 77.2},
		{Lat: 28.4, Lng: 77.2},
		final,
	} {
		s.SetLocation(loc)
		clock.Advance(100 * time.Millisecond)
	}
	if f.count() != 0 {
		t.Fatalf("fetched during the quiet period")
	}

	clock.Advance(150 * time.Millisecond)
	waitFor(t, "debounced fetch", func() bool {
		st := s.State()
		return f.count() == 1 && !st.Loading && len(st.Entries) == 1
	})
	s.Close()

	if f.count() != 1 {
		t.Fatalf("fetch count = %d, want 1", f.count())
	}
	if got := f.call(0); !got.Equal(final) {
		t.Fatalf("fetched %+v, want final location %+v", got, final)
	}
}

func TestSetLocationIgnoresEqualValue(t *testing.T) {
	f := &fakeFetcher{}
	s, clock := newTestStore(t, f)

	s.SetLocation(model.DefaultObserver)
	clock.Advance(250 * time.Millisecond)
	waitFor(t, "first fetch", func() bool { return len(s.State().Entries) == 1 })

	s.SetLocation(model.ObserverLocation{Lat: 28.6139, Lng: 77.2090, Alt: 0})
	if s.debouncer.Pending() {
		t.Fatalf("equal location scheduled a fetch")
	}
}

func TestCacheHitWithinTTL(t *testing.T) {
	f := &fakeFetcher{}
	m := &recordingMetrics{}
	s, clock := newTestStore(t, f, WithMetricsRecorder(m))
	ctx := context.Background()
	loc := model.DefaultObserver

	if _, err := s.GetCatalog(ctx, loc, false); err != nil {
		t.Fatalf("first GetCatalog: %v", err)
	}
	clock.Advance(119 * time.Second)

	// Same quantized key.
	nearby := model.ObserverLocation{Lat: loc.Lat + 0.00001, Lng: loc.Lng, Alt: 0.4}
	got, err := s.GetCatalog(ctx, nearby, false)
	if err != nil {
		t.Fatalf("second GetCatalog: %v", err)
	}
	if len(got) != 1 || f.count() != 1 {
		t.Fatalf("second call: entries=%d fetches=%d, want 1/1", len(got), f.count())
	}
	if !s.State().LastUpdated.Equal(t0) {
		t.Fatalf("LastUpdated = %v, want cached fetch time", s.State().LastUpdated)
	}

	clock.Advance(time.Second)
	if _, err := s.GetCatalog(ctx, loc, false); err != nil {
		t.Fatalf("third GetCatalog: %v", err)
	}
	if f.count() != 2 {
		t.Fatalf("fetches after TTL = %d, want 2", f.count())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hits != 1 || m.misses != 2 {
		t.Fatalf("cache lookups hit/miss = %d/%d, want 1/2", m.hits, m.misses)
	}
}

func TestNewerFetchSupersedesOlder(t *testing.T) {
	a := model.ObserverLocation{Lat: 10, Lng: 10}
	b := model.ObserverLocation{Lat: 20, Lng: 20}
	started := make(chan struct{})
	release := make(chan struct{})

	f := &fakeFetcher{fn: func(ctx context.Context, loc model.ObserverLocation) ([]model.SatelliteSummary, error) {
		if loc.Equal(a) {
			close(started)
			<-release
			// A late success that ignores cancellation.
			return summaries(100, 101), nil
		}
		return summaries(200), nil
	}}
	m := &recordingMetrics{}
	s, _ := newTestStore(t, f, WithMetricsRecorder(m))

	var aErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, aErr = s.GetCatalog(context.Background(), a, false)
	}()
	<-started

	if _, err := s.GetCatalog(context.Background(), b, false); err != nil {
		t.Fatalf("GetCatalog(b): %v", err)
	}
	close(release)
	<-done

	if !errors.Is(aErr, ErrSuperseded) {
		t.Fatalf("superseded fetch err = %v, want ErrSuperseded", aErr)
	}
	st := s.State()
	if len(st.Entries) != 1 || st.Entries[0].ID != 200 || st.Loading || st.Err != "" {
		t.Fatalf("state after supersession = %+v", st)
	}
	if _, ok := s.Cache().Get(model.CacheKey(a)); ok {
		t.Fatalf("superseded result was cached")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.outcomes) != 2 || m.outcomes[1] != observability.OutcomeSuperseded {
		t.Fatalf("outcomes = %v", m.outcomes)
	}
}

func TestEmptyCatalogIsNotAnError(t *testing.T) {
	f := &fakeFetcher{fn: func(context.Context, model.ObserverLocation) ([]model.SatelliteSummary, error) {
		return []model.SatelliteSummary{}, nil
	}}
	s, _ := newTestStore(t, f)

	got, err := s.GetCatalog(context.Background(), model.DefaultObserver, false)
	if err != nil {
		t.Fatalf("GetCatalog: %v", err)
	}
	st := s.State()
	if len(got) != 0 || len(st.Entries) != 0 || st.Err != "" || st.Loading {
		t.Fatalf("state = %+v, want zero entries and no error", st)
	}
}

func TestServerErrorKeepsLastGoodAndRetryBypassesCache(t *testing.T) {
	var fail bool
	var mu sync.Mutex
	f := &fakeFetcher{fn: func(context.Context, model.ObserverLocation) ([]model.SatelliteSummary, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, &source.StatusError{Code: 500, Message: "proxy error 500"}
		}
		return summaries(1, 2, 3), nil
	}}
	s, clock := newTestStore(t, f)
	ctx := context.Background()

	if _, err := s.GetCatalog(ctx, model.DefaultObserver, false); err != nil {
		t.Fatalf("GetCatalog: %v", err)
	}

	mu.Lock()
	fail = true
	mu.Unlock()
	clock.Advance(10 * time.Second)

	_, err := s.GetCatalog(ctx, model.DefaultObserver, true)
	var se *source.StatusError
	if !errors.As(err, &se) || se.Code != 500 {
		t.Fatalf("err = %v, want wrapped StatusError 500", err)
	}
	st := s.State()
	if st.Err != "proxy error 500" || len(st.Entries) != 3 || st.Loading {
		t.Fatalf("state after failure = %+v", st)
	}

	mu.Lock()
	fail = false
	mu.Unlock()

	before := f.count()
	if _, err := s.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if f.count() != before+1 {
		t.Fatalf("Refresh served from cache inside TTL")
	}
	if st := s.State(); st.Err != "" {
		t.Fatalf("error not cleared by successful retry: %q", st.Err)
	}
}

func TestServerErrorWithNoPreviousCatalogLeavesEmpty(t *testing.T) {
	f := &fakeFetcher{fn: func(context.Context, model.ObserverLocation) ([]model.SatelliteSummary, error) {
		return nil, &source.StatusError{Code: 500, Message: "proxy error 500"}
	}}
	s, _ := newTestStore(t, f)

	if _, err := s.GetCatalog(context.Background(), model.DefaultObserver, false); err == nil {
		t.Fatalf("expected error")
	}
	st := s.State()
	if len(st.Entries) != 0 || st.Err == "" {
		t.Fatalf("state = %+v", st)
	}
}

func TestRefreshWithoutLocation(t *testing.T) {
	s, _ := newTestStore(t, &fakeFetcher{})
	if _, err := s.Refresh(context.Background()); !errors.Is(err, ErrNoLocation) {
		t.Fatalf("err = %v, want ErrNoLocation", err)
	}
}

func TestSubscribersSeeLoadingThenResult(t *testing.T) {
	s, _ := newTestStore(t, &fakeFetcher{})
	var seen []State
	unsubscribe := s.Subscribe(func(st State) { seen = append(seen, st) })

	if _, err := s.GetCatalog(context.Background(), model.DefaultObserver, false); err != nil {
		t.Fatalf("GetCatalog: %v", err)
	}
	unsubscribe()
	if _, err := s.GetCatalog(context.Background(), model.DefaultObserver, true); err != nil {
		t.Fatalf("GetCatalog: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("got %d notifications, want 2", len(seen))
	}
	if !seen[0].Loading || seen[1].Loading || len(seen[1].Entries) != 1 {
		t.Fatalf("notifications = %+v", seen)
	}
}

func TestClosedStoreRejectsFetches(t *testing.T) {
	s, _ := newTestStore(t, &fakeFetcher{})
	s.Close()
	if _, err := s.GetCatalog(context.Background(), model.DefaultObserver, false); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
