package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPoolMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())
	p := m.Pool("cam0")
	p.Published()
	p.Published()
	p.Reclaimed()
	p.Allocated(3)

	if got := testutil.ToFloat64(m.FramesPublished.WithLabelValues("cam0")); got != 2 {
		t.Errorf("published = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.FramesInFlight.WithLabelValues("cam0")); got != 1 {
		t.Errorf("in flight = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BuffersAllocated.WithLabelValues("cam0")); got != 3 {
		t.Errorf("allocated = %v, want 3", got)
	}
}

func TestForgetSharedName(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	a := m.Pool("porch")
	b := m.Pool("porch")
	a.Published()
	b.Published()

	m.Forget("porch")
	if n, _ := testutil.GatherAndCount(reg, "camserver_frames_published_total"); n != 1 {
		t.Fatalf("series after first Forget = %d, want 1", n)
	}
	if got := testutil.ToFloat64(m.FramesPublished.WithLabelValues("porch")); got != 2 {
		t.Errorf("published = %v, want 2", got)
	}

	m.Forget("porch")
	if n, _ := testutil.GatherAndCount(reg, "camserver_frames_published_total"); n != 0 {
		t.Errorf("series after last Forget = %d, want 0", n)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.SetHandles("source", 1)
	m.EventDelivered("source_created")
	m.ClientConnected("mjpeg", 1)
	m.Forget("cam0")
	p := m.Pool("cam0")
	if p != nil {
		t.Fatal("nil Metrics returned non-nil pool metrics")
	}
	p.Published()
	p.Reclaimed()
	p.Dropped()
	p.Allocated(1)
}

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.SetHandles("sink", 4)
	n, err := testutil.GatherAndCount(reg, "camserver_handles_live")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("series = %d, want 1", n)
	}
}
