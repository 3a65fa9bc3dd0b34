package simsource

import (
	"errors"
	"fmt"
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
	"github.com/signalsfoundry/skytrail/model"
)

// ErrPropagation is returned when SGP4 produces no usable state, typically
// because the requested time is too far from the element set epoch.
var ErrPropagation = errors.New("propagation failed")

// Fix is the propagated state of an object at one instant, as seen from
// an observer.
type Fix struct {
	Time time.Time
	// Lat and Lng are geodetic degrees; Lng is in [-180, 180).
	Lat   float64
	Lng   float64
	AltKm float64
	// Azimuth and Elevation are degrees in the observer's horizon frame.
	Azimuth   float64
	Elevation float64
}

// Propagate runs SGP4 for t, truncated to whole seconds.
func (o *Object) Propagate(t time.Time, obs model.ObserverLocation) (Fix, error) {
	t = t.UTC().Truncate(time.Second)
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	posECI, _ := satellite.Propagate(o.sat, year, int(month), day, hour, min, sec)
	if !finite(posECI.X, posECI.Y, posECI.Z) || (posECI.X == 0 && posECI.Y == 0 && posECI.Z == 0) {
		return Fix{}, fmt.Errorf("%w: object %d at %s", ErrPropagation, o.ID, t.Format(time.RFC3339))
	}

	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	gmst := satellite.ThetaG_JD(jd)
	altKm, _, ll := satellite.ECIToLLA(posECI, gmst)

	obsRad := satellite.LatLong{
		Latitude:  obs.Lat * math.Pi / 180,
		Longitude: obs.Lng * math.Pi / 180,
	}
	look := satellite.ECIToLookAngles(posECI, obsRad, obs.Alt/1000, jd)

	fix := Fix{
		Time:      t,
		Lat:       ll.Latitude * 180 / math.Pi,
		Lng:       wrapLongitude(ll.Longitude * 180 / math.Pi),
		AltKm:     altKm,
		Azimuth:   wrapAzimuth(look.Az * 180 / math.Pi),
		Elevation: look.El * 180 / math.Pi,
	}
	if !finite(fix.Lat, fix.Lng, fix.AltKm, fix.Azimuth, fix.Elevation) {
		return Fix{}, fmt.Errorf("%w: object %d at %s", ErrPropagation, o.ID, t.Format(time.RFC3339))
	}
	return fix, nil
}

// Track propagates n consecutive one-second fixes starting at start.
func (o *Object) Track(start time.Time, n int, obs model.ObserverLocation) ([]Fix, error) {
	out := make([]Fix, 0, n)
	for i := 0; i < n; i++ {
		fix, err := o.Propagate(start.Add(time.Duration(i)*time.Second), obs)
		if err != nil {
			return nil, err
		}
		out = append(out, fix)
	}
	return out, nil
}

func wrapLongitude(deg float64) float64 {
	deg = math.Mod(deg+180, 360)
	if deg < 0 {
		deg += 360
	}
	return deg - 180
}

func wrapAzimuth(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
