package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSimCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}

	c.ObservePropagation(2 * time.Millisecond)
	c.SetObjectsAbove(3)
	c.IncPropagationErrors()

	if got := testutil.ToFloat64(c.ObjectsAbove); got != 3 {
		t.Fatalf("objects above = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.PropagationErrors); got != 1 {
		t.Fatalf("propagation errors = %v, want 1", got)
	}
	if count := histogramSampleCount(t, c.Gatherer(), "skytrail_sim_propagation_duration_seconds", nil); count != 1 {
		t.Fatalf("propagation samples = %d, want 1", count)
	}
}

func TestSimCollectorNilSafe(t *testing.T) {
	var c *SimCollector
	c.ObservePropagation(time.Second)
	c.SetObjectsAbove(1)
	c.IncPropagationErrors()
	if c.Gatherer() != nil {
		t.Fatal("nil collector must have no gatherer")
	}
}

func TestSimCollectorSharesRegistryWithCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewCollector(reg); err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	if _, err := NewSimCollector(reg); err != nil {
		t.Fatalf("NewSimCollector on shared registry: %v", err)
	}
	if _, err := NewSimCollector(reg); err != nil {
		t.Fatalf("second NewSimCollector: %v", err)
	}
}
