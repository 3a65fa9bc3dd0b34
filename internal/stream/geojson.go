package stream

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/signalsfoundry/skytrail/internal/animator"
	"github.com/signalsfoundry/skytrail/model"
)

// TrailFeatures renders a trail as GeoJSON: a LineString through the samples
// and a Point at the newest one. An empty trail gives an empty collection.
func TrailFeatures(trail model.Trail) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	if len(trail) == 0 {
		return fc
	}
	first, last := trail[0], trail[len(trail)-1]

	if len(trail) > 1 {
		line := make(orb.LineString, 0, len(trail))
		for _, s := range trail {
			line = append(line, orb.Point{s.Lng, s.Lat})
		}
		f := geojson.NewFeature(line)
		f.Properties["kind"] = "trail"
		f.Properties["id"] = first.ID
		f.Properties["samples"] = len(trail)
		f.Properties["from"] = first.Timestamp
		f.Properties["to"] = last.Timestamp
		fc.Append(f)
	}

	head := geojson.NewFeature(orb.Point{last.Lng, last.Lat})
	head.Properties["kind"] = "latest"
	head.Properties["id"] = last.ID
	head.Properties["altMeters"] = last.AltMeters
	head.Properties["timestamp"] = last.Timestamp
	fc.Append(head)
	return fc
}

// MarkerFeature renders the animated marker position.
func MarkerFeature(p animator.Position) *geojson.Feature {
	f := geojson.NewFeature(orb.Point{p.Lng, p.Lat})
	f.Properties["kind"] = "marker"
	f.Properties["id"] = p.ID
	f.Properties["altMeters"] = p.AltMeters
	f.Properties["segment"] = p.Segment
	return f
}
