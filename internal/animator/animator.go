// Package animator moves a single displayed position along a trail between
// its discrete samples. It has no clock of its own; callers feed elapsed time
// through Advance.
package animator

import (
	"sync"
	"time"

	"github.com/signalsfoundry/skytrail/model"
)

// MinSegmentDuration is the shortest time spent on one segment. Samples with
// equal or reversed timestamps still animate over this duration.
const MinSegmentDuration = 300 * time.Millisecond

// Position is the displayed marker position.
type Position struct {
	ID        int     `json:"id"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	AltMeters float64 `json:"altMeters"`
	// Segment is the index of the earlier sample of the segment being drawn.
	Segment int `json:"segment"`
	// Fraction is how far along the segment the position is, in [0, 1].
	Fraction float64 `json:"fraction"`
	// Holding is set once the last sample is reached.
	Holding bool `json:"holding"`
}

// Animator interpolates linearly in latitude and longitude between
// consecutive samples. This is a flat-earth approximation meant for the
// short hops between ~1 Hz samples.
type Animator struct {
	mu       sync.Mutex
	trail    model.Trail
	segment  int
	now      time.Duration
	segStart time.Duration
}

func New() *Animator {
	return &Animator{}
}

// SetTrail replaces the trail and restarts at its first segment. The new
// trail is a fresh timeline; nothing is spliced across trails.
func (a *Animator) SetTrail(trail model.Trail) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trail = trail.Clone()
	a.segment = 0
	a.now = 0
	a.segStart = 0
}

// Reset drops the trail. The marker is hidden until a new trail arrives.
func (a *Animator) Reset() {
	a.SetTrail(nil)
}

// Advance moves the animation clock forward by dt and returns the displayed
// position. It reports false, and does nothing, when there is no trail.
func (a *Animator) Advance(dt time.Duration) (Position, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.trail) == 0 {
		return Position{}, false
	}
	if dt > 0 {
		a.now += dt
	}

	last := len(a.trail) - 1
	for a.segment < last {
		dur := segmentDuration(a.trail[a.segment], a.trail[a.segment+1])
		if a.now-a.segStart < dur {
			break
		}
		// Overshoot carries into the next segment so that the step size does
		// not change where the marker ends up.
		a.segStart += dur
		a.segment++
	}

	if a.segment >= last {
		p := a.trail[last]
		return Position{
			ID:        p.ID,
			Lat:       p.Lat,
			Lng:       p.Lng,
			AltMeters: p.AltMeters,
			Segment:   last,
			Fraction:  1,
			Holding:   true,
		}, true
	}

	from, to := a.trail[a.segment], a.trail[a.segment+1]
	frac := clamp01(float64(a.now-a.segStart) / float64(segmentDuration(from, to)))
	return Position{
		ID:        from.ID,
		Lat:       lerp(from.Lat, to.Lat, frac),
		Lng:       lerp(from.Lng, to.Lng, frac),
		AltMeters: lerp(from.AltMeters, to.AltMeters, frac),
		Segment:   a.segment,
		Fraction:  frac,
	}, true
}

// Segment returns the current segment index.
func (a *Animator) Segment() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.segment
}

// Trail returns a copy of the trail being animated.
func (a *Animator) Trail() model.Trail {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.trail.Clone()
}

func segmentDuration(from, to model.PositionSample) time.Duration {
	d := time.Duration(to.Timestamp-from.Timestamp) * time.Second
	if d < MinSegmentDuration {
		return MinSegmentDuration
	}
	return d
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
