package catalog

import (
	"sync"
	"time"

	"github.com/signalsfoundry/skytrail/model"
	"github.com/signalsfoundry/skytrail/timectrl"
)

// DefaultDebounce is the quiet period before a catalog fetch.
const DefaultDebounce = 250 * time.Millisecond

// Debouncer turns a stream of location updates into at most one trigger per
// quiet period, carrying the latest value. It knows nothing about fetching.
type Debouncer struct {
	clock timectrl.SimClock
	quiet time.Duration
	fire  func(model.ObserverLocation)

	mu      sync.Mutex
	timer   timectrl.Timer
	seq     uint64
	stopped bool
}

// NewDebouncer calls fire with the last pushed location once quiet has
// elapsed without another Push.
func NewDebouncer(clock timectrl.SimClock, quiet time.Duration, fire func(model.ObserverLocation)) *Debouncer {
	if clock == nil {
		clock = timectrl.WallClock{}
	}
	if quiet <= 0 {
		quiet = DefaultDebounce
	}
	return &Debouncer{clock: clock, quiet: quiet, fire: fire}
}

// Push restarts the quiet period with loc as the pending value.
func (d *Debouncer) Push(loc model.ObserverLocation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.seq++
	seq := d.seq
	d.timer = d.clock.AfterFunc(d.quiet, func() {
		d.mu.Lock()
		current := seq == d.seq && !d.stopped
		if current {
			d.timer = nil
		}
		d.mu.Unlock()
		if current {
			d.fire(loc)
		}
	})
}

// Pending reports whether a trigger is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Cancel drops the pending trigger, if any. The debouncer stays usable.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Stop drops the pending trigger and ignores later pushes.
func (d *Debouncer) Stop() {
	d.Cancel()
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}
