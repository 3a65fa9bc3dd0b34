package model

import "time"

// SatelliteSummary is one entry of the "objects above location" catalog.
// Optional fields are nil when the upstream omitted them; zero is a valid
// value and never stands in for "absent".
type SatelliteSummary struct {
	ID         int      `json:"satid"`
	Name       string   `json:"satname"`
	Designator *string  `json:"intDesignator,omitempty"`
	LaunchDate *string  `json:"launchDate,omitempty"`
	Lat        *float64 `json:"satlat,omitempty"`
	Lng        *float64 `json:"satlng,omitempty"`
	Alt        *float64 `json:"satalt,omitempty"`
	Azimuth    *float64 `json:"azimuth,omitempty"`
	Elevation  *float64 `json:"elevation,omitempty"`
	// Category is kept as text; the upstream sends either a name or a
	// numeric category id.
	Category *string `json:"category,omitempty"`
}

// CacheEntry is one memoized catalog response.
type CacheEntry struct {
	Key       string
	FetchedAt time.Time
	Data      []SatelliteSummary
}

// CloneSummaries copies the slice header and entries. Pointer fields are
// shared; they are never mutated after decoding.
func CloneSummaries(src []SatelliteSummary) []SatelliteSummary {
	if src == nil {
		return nil
	}
	out := make([]SatelliteSummary, len(src))
	copy(out, src)
	return out
}

// FindSummary returns the entry with the given id.
func FindSummary(list []SatelliteSummary, id int) (SatelliteSummary, bool) {
	for _, s := range list {
		if s.ID == id {
			return s, true
		}
	}
	return SatelliteSummary{}, false
}
