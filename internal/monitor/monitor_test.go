package monitor

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ezyindustries/aplikasi-umroh-crm/internal/events"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/model"
)

var t0 = time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)

func newTestMonitor(cfg Config) (*Monitor, *Metrics, *[]model.Event) {
	var (
		mu  sync.Mutex
		got []model.Event
	)
	metrics := NewMetrics(prometheus.NewRegistry())
	m := New(cfg, metrics, nil).
		WithClock(func() time.Time { return t0 }).
		WithObserver(events.Func(func(ev model.Event) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, ev)
		}))
	return m, metrics, &got
}

func TestMonitor_NoPauseBelowMinSamples(t *testing.T) {
	t.Parallel()

	m, _, got := newTestMonitor(DefaultConfig())

	for i := 0; i < 3; i++ {
		m.RecordOutcome("62811", false)
	}

	if m.Paused(t0) {
		t.Fatalf("expected no pause with fewer than MinSamples outcomes")
	}
	if len(*got) != 0 {
		t.Fatalf("expected no events, got %v", *got)
	}
}

func TestMonitor_FailureRateTripsPause(t *testing.T) {
	t.Parallel()

	m, metrics, got := newTestMonitor(DefaultConfig())

	for i := 0; i < 8; i++ {
		m.RecordOutcome("ok", true)
	}
	m.RecordOutcome("bad", false)
	m.RecordOutcome("bad", false) // 2/10 = 20%

	if !m.Paused(t0) {
		t.Fatalf("expected pause at 20%% failure rate")
	}
	if len(*got) != 1 || (*got)[0].Type != model.EventEmergencyPaused {
		t.Fatalf("expected one emergency-paused event, got %v", *got)
	}
	if !strings.Contains((*got)[0].Reason, "failure rate") {
		t.Fatalf("unexpected reason %q", (*got)[0].Reason)
	}
	if v := testutil.ToFloat64(metrics.Paused); v != 1 {
		t.Fatalf("expected paused gauge 1, got %v", v)
	}

	// further outcomes while paused emit nothing new
	m.RecordOutcome("bad", false)
	if len(*got) != 1 {
		t.Fatalf("expected a single pause event, got %d", len(*got))
	}
}

func TestMonitor_BlockRateTripsPause(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestMonitor(DefaultConfig())

	for i := 0; i < 10; i++ {
		m.RecordOutcome("ok", true)
	}
	m.RecordBlocked("x") // 1/10 = 10% > 5%

	s := m.Snapshot()
	if !s.Paused || !strings.Contains(s.PauseReason, "block rate") {
		t.Fatalf("expected block-rate pause, got %+v", s)
	}
}

func TestMonitor_PauseExpiresAfterDuration(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.PauseDuration = 10 * time.Minute
	cfg.MinSamples = 1
	m, _, _ := newTestMonitor(cfg)

	m.RecordOutcome("bad", false)
	if !m.Paused(t0.Add(9 * time.Minute)) {
		t.Fatalf("expected still paused before duration elapsed")
	}
	if m.Paused(t0.Add(10 * time.Minute)) {
		t.Fatalf("expected pause lifted after duration")
	}
	if s := m.Snapshot(); s.Failed != 0 {
		t.Fatalf("expected counters reset after pause lifted, got %+v", s)
	}
}

func TestMonitor_ClearLiftsPause(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MinSamples = 1
	cfg.PauseDuration = 0
	m, metrics, _ := newTestMonitor(cfg)

	m.RecordOutcome("bad", false)
	if !m.Paused(t0.Add(48 * time.Hour)) {
		t.Fatalf("expected pause without duration to persist")
	}

	m.Clear()
	if m.Paused(t0) {
		t.Fatalf("expected pause cleared")
	}
	if v := testutil.ToFloat64(metrics.Paused); v != 0 {
		t.Fatalf("expected paused gauge 0, got %v", v)
	}
}

func TestMonitor_SnapshotCountsUniqueRecipients(t *testing.T) {
	t.Parallel()

	m, metrics, _ := newTestMonitor(DefaultConfig())

	m.RecordOutcome("a", true)
	m.RecordOutcome("a", true)
	m.RecordOutcome("b", false)

	s := m.Snapshot()
	if s.Sent != 2 || s.Failed != 1 || s.UniqueRecipients != 2 {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	if v := testutil.ToFloat64(metrics.Outcomes.WithLabelValues("sent")); v != 2 {
		t.Fatalf("expected sent counter 2, got %v", v)
	}

	m.Reset()
	if s := m.Snapshot(); s.Sent != 0 || s.UniqueRecipients != 0 {
		t.Fatalf("expected reset snapshot, got %+v", s)
	}
}

func TestMetrics_RejectionsCoverEveryStage(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics(prometheus.NewRegistry())
	metrics.Rejections.WithLabelValues("compliance").Inc()
	metrics.Rejections.WithLabelValues("dispatch").Inc()

	want := `
# HELP umroh_delivery_rejections_total Messages rejected at enqueue (compliance, rate_limit) or at send time (dispatch), by stage
# TYPE umroh_delivery_rejections_total counter
umroh_delivery_rejections_total{stage="compliance"} 1
umroh_delivery_rejections_total{stage="dispatch"} 1
`
	if err := testutil.CollectAndCompare(metrics.Rejections, strings.NewReader(want)); err != nil {
		t.Fatalf("unexpected rejection metrics: %v", err)
	}
}
