package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Dial("chat", "ok")
	m.SetOpen("chat", true)
	m.Duplicate("message")
	m.Resync("ok")
	m.Transition("processed")
	m.Transferred(10)
	m.Payout()
	m.Dispute()
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Dial("chat", "error")
	m.Dial("chat", "error")
	m.Dial("chat", "ok")
	m.SetOpen("chat", true)
	m.Transferred(2048)

	if got := testutil.ToFloat64(m.ChannelDials.WithLabelValues("chat", "error")); got != 2 {
		t.Errorf("dial errors = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ChannelOpen.WithLabelValues("chat")); got != 1 {
		t.Errorf("open gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ArtifactBytes); got != 2048 {
		t.Errorf("artifact bytes = %v, want 2048", got)
	}
	if n := testutil.CollectAndCount(m.ChannelDials); n != 2 {
		t.Errorf("dial series = %d, want 2", n)
	}
}
