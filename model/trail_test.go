package model

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNormalizeTrailSortsAndDropsDuplicateTimestamps(t *testing.T) {
	in := []PositionSample{
		{ID: 1, Lng: 3, Timestamp: 30},
		{ID: 1, Lng: 1, Timestamp: 10},
		{ID: 1, Lng: 2, Timestamp: 20},
		{ID: 1, Lng: 99, Timestamp: 20},
	}

	got := NormalizeTrail(in)
	want := Trail{
		{ID: 1, Lng: 1, Timestamp: 10},
		{ID: 1, Lng: 2, Timestamp: 20},
		{ID: 1, Lng: 3, Timestamp: 30},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("NormalizeTrail mismatch (-want +got):\n%s", diff)
	}
	if in[0].Timestamp != 30 {
		t.Fatalf("NormalizeTrail mutated its input")
	}
}

func TestTrailLastKeepsNewest(t *testing.T) {
	var trail Trail
	for i := 0; i < 45; i++ {
		trail = append(trail, PositionSample{Timestamp: int64(i)})
	}

	got := trail.Last(30)
	if len(got) != 30 {
		t.Fatalf("len(Last(30)) = %d, want 30", len(got))
	}
	if got[0].Timestamp != 15 || got[29].Timestamp != 44 {
		t.Fatalf("Last(30) spans %d..%d, want 15..44", got[0].Timestamp, got[29].Timestamp)
	}

	short := trail[:5].Last(30)
	if len(short) != 5 {
		t.Fatalf("len(Last(30)) on 5 samples = %d, want 5", len(short))
	}
	if Trail(nil).Last(30) != nil {
		t.Fatalf("Last on empty trail should be nil")
	}
}

func TestCacheKeyQuantizes(t *testing.T) {
	a := ObserverLocation{Lat: 28.61391, Lng: 77.20904, Alt: 0.4}
	b := ObserverLocation{Lat: 28.61389, Lng: 77.20896, Alt: -0.4}
	if CacheKey(a) != CacheKey(b) {
		t.Fatalf("CacheKey(%v)=%q != CacheKey(%v)=%q", a, CacheKey(a), b, CacheKey(b))
	}
	if got, want := CacheKey(a), "28.6139_77.2090_0"; got != want {
		t.Fatalf("CacheKey = %q, want %q", got, want)
	}

	c := ObserverLocation{Lat: 28.6140, Lng: 77.2090, Alt: 0}
	if CacheKey(a) == CacheKey(c) {
		t.Fatalf("locations 0.0001 deg apart share key %q", CacheKey(a))
	}
}

func TestCacheKeyFoldsNegativeZero(t *testing.T) {
	a := ObserverLocation{Lat: -0.00001, Lng: -0.00003}
	b := ObserverLocation{}
	if got, want := CacheKey(a), "0.0000_0.0000_0"; got != want {
		t.Fatalf("CacheKey(%v) = %q, want %q", a, got, want)
	}
	if CacheKey(a) != CacheKey(b) {
		t.Fatalf("keys differ: %q vs %q", CacheKey(a), CacheKey(b))
	}
}

func TestObserverLocationValidate(t *testing.T) {
	cases := []struct {
		name string
		loc  ObserverLocation
		ok   bool
	}{
		{"delhi", DefaultObserver, true},
		{"dead sea", ObserverLocation{Lat: 31.5, Lng: 35.5, Alt: -430}, true},
		{"poles", ObserverLocation{Lat: -90, Lng: 180}, true},
		{"lat too high", ObserverLocation{Lat: 90.5}, false},
		{"lng too low", ObserverLocation{Lng: -180.1}, false},
	}
	for _, tc := range cases {
		err := tc.loc.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: Validate() = %v, want nil", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidLocation) {
			t.Fatalf("%s: Validate() = %v, want ErrInvalidLocation", tc.name, err)
		}
	}
}
