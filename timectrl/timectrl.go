package timectrl

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SimClock is the time source used by the tracker, the catalog debouncer and
// the animator frame driver. Production code uses WallClock; tests drive a
// TimeController by hand so that poll intervals and quiet periods elapse
// deterministically.
type SimClock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that receives the clock's time once d has
	// elapsed on this clock.
	After(d time.Duration) <-chan time.Time
	// AfterFunc calls fn once d has elapsed on this clock. The returned
	// Timer can cancel the call.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call from happening. It reports whether the call
	// was still pending.
	Stop() bool
}

// WallClock implements SimClock on top of the time package.
type WallClock struct{}

func (WallClock) Now() time.Time                         { return time.Now() }
func (WallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (WallClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances according to wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the loop can run while still stepping by Tick.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return "unknown"
	}
}

// TimeController drives simulation time, fires timers registered against it
// and notifies listeners on every advance. Started, it is the frame driver of
// the viewer; advanced by hand, it is the clock of every timing test.
type TimeController struct {
	mu        sync.Mutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time
	timers      []*simTimer
	seq         uint64

	listeners []func(time.Time)
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.currentTime
}

// SetTime jumps the simulation clock without firing timers or listeners.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	tc.mu.Unlock()
}

// After returns a channel that receives the simulation time once d has
// elapsed in simulation time. Implements SimClock.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	tc.AfterFunc(d, func() {
		ch <- tc.Now()
	})
	return ch
}

// AfterFunc registers fn to run once simulation time has advanced by d.
// Implements SimClock.
func (tc *TimeController) AfterFunc(d time.Duration, fn func()) Timer {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.seq++
	t := &simTimer{
		tc:       tc,
		deadline: tc.currentTime.Add(d),
		seq:      tc.seq,
		fn:       fn,
	}
	tc.timers = append(tc.timers, t)
	return t
}

// Pending reports how many timers are waiting to fire.
func (tc *TimeController) Pending() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.timers)
}

// Advance moves simulation time forward by d. Timers due inside the window
// fire in deadline order with Now() reporting their deadline, including
// timers registered by earlier callbacks in the same window. Listeners run
// once, at the end of the window.
func (tc *TimeController) Advance(d time.Duration) {
	tc.mu.Lock()
	target := tc.currentTime.Add(d)
	tc.mu.Unlock()

	for {
		tc.mu.Lock()
		next := tc.popDueLocked(target)
		if next == nil {
			tc.currentTime = target
			listeners := append([]func(time.Time){}, tc.listeners...)
			tc.mu.Unlock()
			for _, fn := range listeners {
				fn(target)
			}
			return
		}
		if next.deadline.After(tc.currentTime) {
			tc.currentTime = next.deadline
		}
		tc.mu.Unlock()
		next.fn()
	}
}

func (tc *TimeController) popDueLocked(target time.Time) *simTimer {
	if len(tc.timers) == 0 {
		return nil
	}
	sort.Slice(tc.timers, func(i, j int) bool {
		a, b := tc.timers[i], tc.timers[j]
		if a.deadline.Equal(b.deadline) {
			return a.seq < b.seq
		}
		return a.deadline.Before(b.deadline)
	})
	first := tc.timers[0]
	if first.deadline.After(target) {
		return nil
	}
	tc.timers = tc.timers[1:]
	return first
}

func (tc *TimeController) removeTimer(t *simTimer) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for i, candidate := range tc.timers {
		if candidate == t {
			tc.timers = append(tc.timers[:i], tc.timers[i+1:]...)
			return true
		}
	}
	return false
}

// AddListener registers a callback invoked on every advance.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	tc.listeners = append(tc.listeners, fn)
	tc.mu.Unlock()
}

// Start runs the controller for the specified duration in a separate goroutine.
// A zero duration runs until Run's context is cancelled; see Run.
// It returns a channel that is closed when the controller finishes.
func (tc *TimeController) Start(duration time.Duration) <-chan struct{} {
	return tc.Run(context.Background(), duration)
}

// Run is Start with a context that stops the loop early.
func (tc *TimeController) Run(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		tc.mu.Lock()
		tc.currentTime = tc.StartTime
		tc.mu.Unlock()

		elapsed := time.Duration(0)

		// In both modes we use a ticker for simplicity and determinism.
		ticker := time.NewTicker(tc.Tick)
		defer ticker.Stop()

		for {
			if duration > 0 && elapsed >= duration {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			elapsed += tc.Tick
			tc.Advance(tc.Tick)
		}
	}()
	return done
}

type simTimer struct {
	tc       *TimeController
	deadline time.Time
	seq      uint64
	fn       func()
}

func (t *simTimer) Stop() bool {
	return t.tc.removeTimer(t)
}
