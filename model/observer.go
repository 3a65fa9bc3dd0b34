package model

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidLocation is returned by ObserverLocation.Validate.
var ErrInvalidLocation = errors.New("invalid observer location")

// ObserverLocation is the ground point from which visibility and
// trajectories are computed. Alt is in metres and may be negative.
type ObserverLocation struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
	Alt float64 `json:"alt"`
}

// DefaultObserver is New Delhi at sea level.
var DefaultObserver = ObserverLocation{Lat: 28.6139, Lng: 77.2090, Alt: 0}

// Validate checks latitude and longitude ranges.
func (l ObserverLocation) Validate() error {
	if math.IsNaN(l.Lat) || l.Lat < -90 || l.Lat > 90 {
		return fmt.Errorf("%w: latitude %v outside [-90, 90]", ErrInvalidLocation, l.Lat)
	}
	if math.IsNaN(l.Lng) || l.Lng < -180 || l.Lng > 180 {
		return fmt.Errorf("%w: longitude %v outside [-180, 180]", ErrInvalidLocation, l.Lng)
	}
	if math.IsNaN(l.Alt) || math.IsInf(l.Alt, 0) {
		return fmt.Errorf("%w: altitude %v", ErrInvalidLocation, l.Alt)
	}
	return nil
}

// Equal compares all three fields by value.
func (l ObserverLocation) Equal(other ObserverLocation) bool {
	return l.Lat == other.Lat && l.Lng == other.Lng && l.Alt == other.Alt
}

// CacheKey quantizes a location so that visually identical queries collapse
// to one key: lat/lng to 4 decimal places, altitude to the nearest metre.
func CacheKey(l ObserverLocation) string {
	return fmt.Sprintf("%.4f_%.4f_%d", quantize(l.Lat), quantize(l.Lng), int64(math.Round(l.Alt)))
}

// quantize rounds to 4 decimal places and folds -0 into 0.
func quantize(v float64) float64 {
	v = math.Round(v*1e4) / 1e4
	if v == 0 {
		return 0
	}
	return v
}
