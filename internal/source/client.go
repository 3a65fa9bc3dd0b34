// Package source is the client side of the sample source: it asks the proxy
// for the catalog of objects above a location and for short future
// trajectories of one object.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/signalsfoundry/skytrail/internal/observability"
	"github.com/signalsfoundry/skytrail/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultRadius is the default search radius of a catalog query, in degrees
// of view cone.
const DefaultRadius = 70

// maxBodyBytes bounds how much of a response is read.
const maxBodyBytes = 8 << 20

// HTTPClient is the subset of *http.Client used by Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is returned when the proxy answers with a non-success status,
// or when the upstream reports an error inside a successful response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string { return e.Message }

// Client talks to the proxy's /api/above and /api/positions endpoints.
type Client struct {
	base   *url.URL
	http   HTTPClient
	tracer trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(h HTTPClient) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithTracer overrides the global skytrail tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		if t != nil {
			c.tracer = t
		}
	}
}

// New returns a client for the proxy at baseURL, e.g. http://localhost:8000.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse proxy url %q: %w", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("proxy url %q must be absolute", baseURL)
	}
	c := &Client{
		base:   u,
		http:   http.DefaultClient,
		tracer: observability.Tracer(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SatellitesAbove fetches the catalog of objects above loc within radius
// degrees. A radius <= 0 uses DefaultRadius.
func (c *Client) SatellitesAbove(ctx context.Context, loc model.ObserverLocation, radius float64) ([]model.SatelliteSummary, error) {
	if radius <= 0 {
		radius = DefaultRadius
	}
	ctx, span := c.tracer.Start(ctx, "source.SatellitesAbove", trace.WithAttributes(
		append(observability.ObserverAttributes(loc), attribute.Float64("radius", radius))...,
	))
	defer span.End()

	q := observerQuery(loc)
	q.Set("radius", formatFloat(radius))

	var body aboveResponse
	if err := c.get(ctx, "/api/above", q, &body); err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	entries := decodeAboveList(body.Above)
	span.SetAttributes(attribute.Int("catalog.count", len(entries)))
	return entries, nil
}

// Positions fetches seconds worth of predicted positions of object id as
// seen from loc, ordered as the upstream returned them.
func (c *Client) Positions(ctx context.Context, id int, loc model.ObserverLocation, seconds int) ([]model.PositionSample, error) {
	ctx, span := c.tracer.Start(ctx, "source.Positions", trace.WithAttributes(
		append(observability.ObserverAttributes(loc),
			observability.AttrSatelliteID.Int(id),
			attribute.Int("seconds", seconds),
		)...,
	))
	defer span.End()

	q := observerQuery(loc)
	q.Set("id", strconv.Itoa(id))
	q.Set("seconds", strconv.Itoa(seconds))

	var body positionsResponse
	if err := c.get(ctx, "/api/positions", q, &body); err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	samples := make([]model.PositionSample, 0, len(body.Positions))
	for _, p := range body.Positions {
		samples = append(samples, model.PositionSample{
			ID:        id,
			Lat:       p.SatLatitude,
			Lng:       p.SatLongitude,
			AltMeters: p.SatAltitude * 1000,
			Timestamp: p.Timestamp,
			Azimuth:   p.Azimuth,
			Elevation: p.Elevation,
			RA:        p.RA,
			Dec:       p.Dec,
			Eclipsed:  p.Eclipsed,
		})
	}
	span.SetAttributes(attribute.Int("positions.count", len(samples)))
	return samples, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, dest any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Message: errorMessage(raw, resp.StatusCode)}
	}

	// The upstream reports bad keys and quota exhaustion as {"error": "..."}
	// with a 200 status.
	var envelope struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error != "" {
		return &StatusError{Code: resp.StatusCode, Message: envelope.Error}
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func errorMessage(raw []byte, status int) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return fmt.Sprintf("proxy error %d", status)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func observerQuery(loc model.ObserverLocation) url.Values {
	q := url.Values{}
	q.Set("lat", formatFloat(loc.Lat))
	q.Set("lng", formatFloat(loc.Lng))
	q.Set("alt", formatFloat(loc.Alt))
	return q
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type aboveResponse struct {
	Info  json.RawMessage `json:"info"`
	Above json.RawMessage `json:"above"`
}

type aboveEntry struct {
	SatID         int             `json:"satid"`
	SatName       string          `json:"satname"`
	IntDesignator *string         `json:"intDesignator"`
	LaunchDate    *string         `json:"launchDate"`
	SatLat        *float64        `json:"satlat"`
	SatLng        *float64        `json:"satlng"`
	SatAlt        *float64        `json:"satalt"`
	Azimuth       *float64        `json:"azimuth"`
	Elevation     *float64        `json:"elevation"`
	Category      json.RawMessage `json:"category"`
}

// decodeAboveList treats anything other than a JSON array as an empty
// catalog. Fields the upstream omitted or sent as null stay nil.
func decodeAboveList(raw json.RawMessage) []model.SatelliteSummary {
	var list []aboveEntry
	if len(bytes.TrimSpace(raw)) == 0 || json.Unmarshal(raw, &list) != nil {
		return []model.SatelliteSummary{}
	}
	out := make([]model.SatelliteSummary, 0, len(list))
	for _, e := range list {
		out = append(out, model.SatelliteSummary{
			ID:         e.SatID,
			Name:       e.SatName,
			Designator: e.IntDesignator,
			LaunchDate: e.LaunchDate,
			Lat:        e.SatLat,
			Lng:        e.SatLng,
			Alt:        e.SatAlt,
			Azimuth:    e.Azimuth,
			Elevation:  e.Elevation,
			Category:   decodeCategory(e.Category),
		})
	}
	return out
}

func decodeCategory(raw json.RawMessage) *string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		text := n.String()
		return &text
	}
	return nil
}

type positionsResponse struct {
	Info      json.RawMessage `json:"info"`
	Positions []positionEntry `json:"positions"`
}

type positionEntry struct {
	SatLatitude  float64  `json:"satlatitude"`
	SatLongitude float64  `json:"satlongitude"`
	SatAltitude  float64  `json:"sataltitude"`
	Azimuth      *float64 `json:"azimuth"`
	Elevation    *float64 `json:"elevation"`
	RA           *float64 `json:"ra"`
	Dec          *float64 `json:"dec"`
	Timestamp    int64    `json:"timestamp"`
	Eclipsed     *bool    `json:"eclipsed"`
}
