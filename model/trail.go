package model

import (
	"sort"
	"time"
)

// PositionSample is one predicted position of a tracked object.
type PositionSample struct {
	ID        int     `json:"id"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	AltMeters float64 `json:"altMeters"`
	// Timestamp is in Unix seconds.
	Timestamp int64 `json:"timestamp"`

	Azimuth   *float64 `json:"azimuth,omitempty"`
	Elevation *float64 `json:"elevation,omitempty"`
	// RA and Dec are the topocentric right ascension and declination in
	// degrees.
	RA       *float64 `json:"ra,omitempty"`
	Dec      *float64 `json:"dec,omitempty"`
	Eclipsed *bool    `json:"eclipsed,omitempty"`
}

// Time returns the sample timestamp as a time.Time.
func (p PositionSample) Time() time.Time {
	return time.Unix(p.Timestamp, 0).UTC()
}

// Trail is an ordered sequence of samples: ascending timestamps, no
// duplicates.
type Trail []PositionSample

// NormalizeTrail returns a copy of samples sorted by timestamp with repeated
// timestamps dropped; the first sample seen for a timestamp is kept.
func NormalizeTrail(samples []PositionSample) Trail {
	if len(samples) == 0 {
		return nil
	}
	out := make(Trail, len(samples))
	copy(out, samples)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })

	n := 1
	for i := 1; i < len(out); i++ {
		if out[i].Timestamp == out[n-1].Timestamp {
			continue
		}
		out[n] = out[i]
		n++
	}
	return out[:n]
}

// Last returns a copy of the newest n samples, or all of them when the
// trail is shorter.
func (t Trail) Last(n int) Trail {
	if n <= 0 || len(t) == 0 {
		return nil
	}
	if len(t) > n {
		t = t[len(t)-n:]
	}
	out := make(Trail, len(t))
	copy(out, t)
	return out
}

// Clone copies the trail.
func (t Trail) Clone() Trail {
	if t == nil {
		return nil
	}
	out := make(Trail, len(t))
	copy(out, t)
	return out
}

// Latest returns the newest sample.
func (t Trail) Latest() (PositionSample, bool) {
	if len(t) == 0 {
		return PositionSample{}, false
	}
	return t[len(t)-1], true
}
