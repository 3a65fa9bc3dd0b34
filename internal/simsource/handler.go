package simsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/skytrail/internal/logging"
	"github.com/signalsfoundry/skytrail/internal/observability"
	"github.com/signalsfoundry/skytrail/model"
	"github.com/signalsfoundry/skytrail/timectrl"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MaxSeconds is the longest trajectory the upstream API serves.
const MaxSeconds = 300

var errBadRequest = errors.New("bad request")

// Config configures a Source.
type Config struct {
	// APIKey, when set, must match the apiKey segment of every request.
	// Mismatches are answered the way the real upstream does: status 200
	// with an error body.
	APIKey string
}

// Option configures a Source.
type Option func(*Source)

// WithClock sets the time at which objects are propagated.
func WithClock(c timectrl.SimClock) Option {
	return func(s *Source) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(log logging.Logger) Option {
	return func(s *Source) {
		if log != nil {
			s.log = log
		}
	}
}

func WithCollector(c *observability.SimCollector) Option {
	return func(s *Source) {
		s.metrics = c
	}
}

// Source serves the upstream's /above and /positions URL shapes from a
// fixed set of element sets.
type Source struct {
	cfg     Config
	objects []*Object
	byID    map[int]*Object
	clock   timectrl.SimClock
	log     logging.Logger
	metrics *observability.SimCollector
	tracer  trace.Tracer
}

// New builds a Source over objects. Later duplicates of an id are ignored.
func New(objects []*Object, cfg Config, opts ...Option) *Source {
	s := &Source{
		cfg:    cfg,
		byID:   make(map[int]*Object, len(objects)),
		clock:  timectrl.WallClock{},
		log:    logging.Noop(),
		tracer: observability.Tracer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, o := range objects {
		if o == nil {
			continue
		}
		if _, dup := s.byID[o.ID]; dup {
			continue
		}
		s.byID[o.ID] = o
		s.objects = append(s.objects, o)
	}
	return s
}

// Objects returns the served objects in load order.
func (s *Source) Objects() []*Object {
	return append([]*Object(nil), s.objects...)
}

// Visible is one object above the observer.
type Visible struct {
	Object *Object
	Fix    Fix
}

// Above returns the objects whose elevation from obs is at least
// 90-radius degrees at time at. A category of zero matches everything.
func (s *Source) Above(ctx context.Context, at time.Time, obs model.ObserverLocation, radius float64, category int) []Visible {
	start := time.Now()
	defer func() { s.metrics.ObservePropagation(time.Since(start)) }()

	minElevation := 90 - radius
	var out []Visible
	for _, o := range s.objects {
		if category != 0 && o.Category != category {
			continue
		}
		fix, err := o.Propagate(at, obs)
		if err != nil {
			s.metrics.IncPropagationErrors()
			s.log.Warn(ctx, "skipping object", logging.Int("satid", o.ID), logging.Err(err))
			continue
		}
		if fix.Elevation >= minElevation {
			out = append(out, Visible{Object: o, Fix: fix})
		}
	}
	s.metrics.SetObjectsAbove(len(out))
	return out
}

// Positions returns seconds one-second fixes of object id starting at the
// whole second of at. seconds is clamped to [1, MaxSeconds].
func (s *Source) Positions(id int, at time.Time, obs model.ObserverLocation, seconds int) (*Object, []Fix, error) {
	o, ok := s.byID[id]
	if !ok {
		return nil, nil, fmt.Errorf("unknown satellite %d", id)
	}
	if seconds < 1 {
		seconds = 1
	}
	if seconds > MaxSeconds {
		seconds = MaxSeconds
	}

	start := time.Now()
	fixes, err := o.Track(at, seconds, obs)
	s.metrics.ObservePropagation(time.Since(start))
	if err != nil {
		s.metrics.IncPropagationErrors()
		return o, nil, err
	}
	return o, fixes, nil
}

// ServeHTTP handles /above/{lat}/{lng}/{alt}/{radius}/{category}/&apiKey={key}
// and /positions/{id}/{lat}/{lng}/{alt}/{seconds}/&apiKey={key}.
func (s *Source) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}
	segments, key := splitPath(r.URL.Path)
	if len(segments) == 0 {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
		return
	}
	if s.cfg.APIKey != "" && key != s.cfg.APIKey {
		writeJSON(w, http.StatusOK, errorBody{Error: "Invalid API Key!"})
		return
	}

	ctx, span := s.tracer.Start(r.Context(), "simsource."+segments[0], trace.WithAttributes(
		attribute.String("path", strings.Join(segments, "/")),
	))
	defer span.End()

	var err error
	switch segments[0] {
	case "above":
		err = s.serveAbove(ctx, w, segments[1:])
	case "positions":
		err = s.servePositions(ctx, w, segments[1:])
	default:
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
		return
	}
	if err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	status := http.StatusInternalServerError
	if errors.Is(err, errBadRequest) {
		status = http.StatusBadRequest
	}
	s.log.Warn(ctx, "simulated upstream request failed",
		logging.String("path", r.URL.Path),
		logging.Int("status", status),
		logging.Err(err),
	)
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func (s *Source) serveAbove(ctx context.Context, w http.ResponseWriter, args []string) error {
	if len(args) != 5 {
		return fmt.Errorf("%w: above wants lat/lng/alt/radius/category", errBadRequest)
	}
	obs, err := parseObserver(args[0], args[1], args[2])
	if err != nil {
		return err
	}
	trace.SpanFromContext(ctx).SetAttributes(observability.ObserverAttributes(obs)...)
	radius, err := parseFloat("radius", args[3])
	if err != nil {
		return err
	}
	if radius < 0 || radius > 90 {
		return fmt.Errorf("%w: radius %v outside [0, 90]", errBadRequest, radius)
	}
	category, err := parseInt("category", args[4])
	if err != nil {
		return err
	}

	visible := s.Above(ctx, s.clock.Now(), obs, radius, category)
	resp := aboveResponse{
		Info:  aboveInfo{Category: "ANY", SatCount: len(visible)},
		Above: make([]aboveEntry, 0, len(visible)),
	}
	if category != 0 {
		resp.Info.Category = strconv.Itoa(category)
	}
	for _, v := range visible {
		resp.Above = append(resp.Above, aboveEntry{
			SatID:         v.Object.ID,
			SatName:       v.Object.Name,
			IntDesignator: v.Object.Designator,
			SatLat:        round(v.Fix.Lat, 4),
			SatLng:        round(v.Fix.Lng, 4),
			SatAlt:        round(v.Fix.AltKm, 3),
			Azimuth:       round(v.Fix.Azimuth, 2),
			Elevation:     round(v.Fix.Elevation, 2),
			Category:      v.Object.Category,
		})
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (s *Source) servePositions(ctx context.Context, w http.ResponseWriter, args []string) error {
	if len(args) != 5 {
		return fmt.Errorf("%w: positions wants id/lat/lng/alt/seconds", errBadRequest)
	}
	id, err := parseInt("id", args[0])
	if err != nil {
		return err
	}
	obs, err := parseObserver(args[1], args[2], args[3])
	if err != nil {
		return err
	}
	trace.SpanFromContext(ctx).SetAttributes(append(observability.ObserverAttributes(obs), observability.AttrSatelliteID.Int(id))...)
	seconds, err := parseInt("seconds", args[4])
	if err != nil {
		return err
	}

	o, fixes, err := s.Positions(id, s.clock.Now(), obs, seconds)
	if o == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return nil
	}
	if err != nil {
		return err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("positions.count", len(fixes)))

	resp := positionsResponse{
		Info:      positionsInfo{SatName: o.Name, SatID: o.ID},
		Positions: make([]positionEntry, 0, len(fixes)),
	}
	for _, f := range fixes {
		resp.Positions = append(resp.Positions, positionEntry{
			SatLatitude:  round(f.Lat, 6),
			SatLongitude: round(f.Lng, 6),
			SatAltitude:  round(f.AltKm, 3),
			Azimuth:      round(f.Azimuth, 2),
			Elevation:    round(f.Elevation, 2),
			Timestamp:    f.Time.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

// splitPath returns the positional segments and the apiKey segment value.
func splitPath(path string) ([]string, string) {
	var segments []string
	var key string
	for _, seg := range strings.Split(path, "/") {
		switch {
		case seg == "":
		case strings.HasPrefix(seg, "&apiKey="):
			key = strings.TrimPrefix(seg, "&apiKey=")
		case strings.HasPrefix(seg, "&"):
		default:
			segments = append(segments, seg)
		}
	}
	return segments, key
}

func parseObserver(lat, lng, alt string) (model.ObserverLocation, error) {
	var obs model.ObserverLocation
	var err error
	if obs.Lat, err = parseFloat("lat", lat); err != nil {
		return obs, err
	}
	if obs.Lng, err = parseFloat("lng", lng); err != nil {
		return obs, err
	}
	if obs.Alt, err = parseFloat("alt", alt); err != nil {
		return obs, err
	}
	if err := obs.Validate(); err != nil {
		return obs, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return obs, nil
}

func parseFloat(name, raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not a number", errBadRequest, name, raw)
	}
	return v, nil
}

func parseInt(name, raw string) (int, error) {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not an integer", errBadRequest, name, raw)
	}
	return v, nil
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

type errorBody struct {
	Error string `json:"error"`
}

type aboveInfo struct {
	Category          string `json:"category"`
	TransactionsCount int    `json:"transactionscount"`
	SatCount          int    `json:"satcount"`
}

type aboveEntry struct {
	SatID         int     `json:"satid"`
	SatName       string  `json:"satname"`
	IntDesignator string  `json:"intDesignator"`
	SatLat        float64 `json:"satlat"`
	SatLng        float64 `json:"satlng"`
	SatAlt        float64 `json:"satalt"`
	Azimuth       float64 `json:"azimuth"`
	Elevation     float64 `json:"elevation"`
	Category      int     `json:"category,omitempty"`
}

type aboveResponse struct {
	Info  aboveInfo    `json:"info"`
	Above []aboveEntry `json:"above"`
}

type positionsInfo struct {
	SatName           string `json:"satname"`
	SatID             int    `json:"satid"`
	TransactionsCount int    `json:"transactionscount"`
}

type positionEntry struct {
	SatLatitude  float64 `json:"satlatitude"`
	SatLongitude float64 `json:"satlongitude"`
	SatAltitude  float64 `json:"sataltitude"`
	Azimuth      float64 `json:"azimuth"`
	Elevation    float64 `json:"elevation"`
	Timestamp    int64   `json:"timestamp"`
}

type positionsResponse struct {
	Info      positionsInfo   `json:"info"`
	Positions []positionEntry `json:"positions"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
