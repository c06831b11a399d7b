package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveCycle(ResultOK, 250*time.Millisecond, 3)
	m.ObserveCycle(ResultFailed, time.Second, 0)
	m.AddDeleted(ReasonDuplicate, 2)
	m.AddDownloadedBytes(1024)
	m.SetState(4, 7)

	if v := testutil.ToFloat64(m.CyclesTotal.WithLabelValues(ResultOK)); v != 1 {
		t.Errorf("cycles{ok} = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.CyclesTotal.WithLabelValues(ResultFailed)); v != 1 {
		t.Errorf("cycles{failed} = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.ChangedFilesTotal); v != 3 {
		t.Errorf("ChangedFilesTotal = %v, want 3", v)
	}
	if v := testutil.ToFloat64(m.DeletedFilesTotal.WithLabelValues(ReasonDuplicate)); v != 2 {
		t.Errorf("deleted{duplicate} = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.DownloadedBytes); v != 1024 {
		t.Errorf("DownloadedBytes = %v, want 1024", v)
	}
	if v := testutil.ToFloat64(m.PendingDeployments); v != 4 {
		t.Errorf("PendingDeployments = %v, want 4", v)
	}
	if v := testutil.ToFloat64(m.CacheEntries); v != 7 {
		t.Errorf("CacheEntries = %v, want 7", v)
	}

	if n := testutil.CollectAndCount(m.CycleDuration); n != 1 {
		t.Errorf("CycleDuration collected %d series, want 1", n)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveCycle(ResultOK, time.Second, 1)
	m.AddDeleted(ReasonObsolete, 1)
	m.AddDownloadedBytes(1)
	m.SetState(1, 1)
}

func TestInit_Singleton(t *testing.T) {
	if Init() != Init() {
		t.Error("Init() should return the same instance")
	}
}
