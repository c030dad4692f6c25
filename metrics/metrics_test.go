package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.Append("ok")
	m.Refresh("p", nil, time.Second)
	m.RouterFallback("x")
	m.Archived(3, true)
	m.VersionCache("hit")
}

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Append("ok")
	m.Append("ok")
	m.Append("conflict")
	m.RouterFallback("unknown.type")
	m.Refresh("unified-analysis", errors.New("boom"), 10*time.Millisecond)
	m.Archived(5, false)
	m.Archived(2, true)

	tests := []struct {
		name string
		c    prometheus.Counter
		want float64
	}{
		{"appends ok", m.AppendsTotal.WithLabelValues("ok"), 2},
		{"appends conflict", m.AppendsTotal.WithLabelValues("conflict"), 1},
		{"fallback", m.RouterFallbackTotal.WithLabelValues("unknown.type"), 1},
		{"refresh error", m.RefreshTotal.WithLabelValues("unified-analysis", "error"), 1},
		{"archived", m.ArchivedEventsTotal, 7},
		{"archive failures", m.ArchiveFailures, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := counterValue(t, tt.c); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNew_SeparateRegistries(t *testing.T) {
	// Registering twice against fresh registries must not panic.
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}
