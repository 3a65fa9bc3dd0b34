package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SimCollector exposes metrics of the simulated upstream.
type SimCollector struct {
	gatherer prometheus.Gatherer

	PropagationDuration prometheus.Histogram
	ObjectsAbove        prometheus.Gauge
	PropagationErrors   prometheus.Counter
}

// NewSimCollector registers simulated upstream metrics against the provided
// registerer.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	propagation := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "skytrail_sim_propagation_duration_seconds",
		Help:    "Time spent propagating element sets for one simulated upstream request.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})
	propagation, err := registerHistogram(reg, propagation, "skytrail_sim_propagation_duration_seconds")
	if err != nil {
		return nil, err
	}

	above := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "skytrail_sim_objects_above",
		Help: "Objects returned by the most recent simulated catalog query.",
	})
	above, err = registerGauge(reg, above, "skytrail_sim_objects_above")
	if err != nil {
		return nil, err
	}

	failures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "skytrail_sim_propagation_errors_total",
		Help: "Element sets that could not be propagated to the requested time.",
	})
	failures, err = registerCounter(reg, failures, "skytrail_sim_propagation_errors_total")
	if err != nil {
		return nil, err
	}

	return &SimCollector{
		gatherer:            gatherer,
		PropagationDuration: propagation,
		ObjectsAbove:        above,
		PropagationErrors:   failures,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SimCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObservePropagation records the propagation time of one request.
func (c *SimCollector) ObservePropagation(d time.Duration) {
	if c == nil || c.PropagationDuration == nil {
		return
	}
	c.PropagationDuration.Observe(d.Seconds())
}

// SetObjectsAbove updates the catalog size gauge.
func (c *SimCollector) SetObjectsAbove(count int) {
	if c == nil || c.ObjectsAbove == nil {
		return
	}
	c.ObjectsAbove.Set(float64(count))
}

// IncPropagationErrors counts one failed propagation.
func (c *SimCollector) IncPropagationErrors() {
	if c == nil || c.PropagationErrors == nil {
		return
	}
	c.PropagationErrors.Inc()
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
