package monitor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ezyindustries/aplikasi-umroh-crm/internal/events"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/model"
)

type Config struct {
	FailureRateThreshold float64
	BlockRateThreshold   float64
	// MinSamples keeps a handful of early failures from tripping the pause.
	MinSamples    int
	PauseDuration time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureRateThreshold: 0.10,
		BlockRateThreshold:   0.05,
		MinSamples:           10,
		PauseDuration:        time.Hour,
	}
}

type Stats struct {
	Sent             int       `json:"sent"`
	Failed           int       `json:"failed"`
	Blocked          int       `json:"blocked"`
	UniqueRecipients int       `json:"uniqueRecipients"`
	FailureRate      float64   `json:"failureRate"`
	BlockRate        float64   `json:"blockRate"`
	Paused           bool      `json:"paused"`
	PausedAt         time.Time `json:"pausedAt,omitempty"`
	PauseReason      string    `json:"pauseReason,omitempty"`
}

// Monitor tracks outcome rates since the last reset and flips the emergency
// pause when they cross the thresholds.
type Monitor struct {
	cfg     Config
	metrics *Metrics
	log     *slog.Logger

	now      func() time.Time
	observer events.Observer

	mu          sync.Mutex
	sent        int
	failed      int
	blocked     int
	unique      map[string]struct{}
	paused      bool
	pausedAt    time.Time
	pauseReason string
}

func New(cfg Config, metrics *Metrics, logger *slog.Logger) *Monitor {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:     cfg,
		metrics: metrics,
		log:     logger.With("component", "monitor"),
		now:     time.Now,
		unique:  make(map[string]struct{}),
	}
}

func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

func (m *Monitor) WithObserver(o events.Observer) *Monitor {
	m.observer = o
	return m
}

func (m *Monitor) RecordOutcome(recipient string, success bool) {
	m.mu.Lock()
	m.unique[recipient] = struct{}{}
	if success {
		m.sent++
		m.metrics.Outcomes.WithLabelValues(string(model.Sent)).Inc()
	} else {
		m.failed++
		m.metrics.Outcomes.WithLabelValues(string(model.Failed)).Inc()
	}
	ev := m.evaluateLocked()
	m.mu.Unlock()

	m.emit(ev)
}

// RecordBlocked counts a recipient that blocked us or is undeliverable. It
// does not count as an attempt on its own.
func (m *Monitor) RecordBlocked(recipient string) {
	m.mu.Lock()
	m.unique[recipient] = struct{}{}
	m.blocked++
	m.metrics.Outcomes.WithLabelValues("blocked").Inc()
	ev := m.evaluateLocked()
	m.mu.Unlock()

	m.emit(ev)
}

// Paused reports whether sending is halted. A timed-out pause clears itself.
func (m *Monitor) Paused(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused && m.cfg.PauseDuration > 0 && !now.Before(m.pausedAt.Add(m.cfg.PauseDuration)) {
		m.log.Info("emergency pause expired", "paused_at", m.pausedAt, "duration", m.cfg.PauseDuration.String())
		m.clearLocked()
	}
	return m.paused
}

// Clear lifts the pause and restarts the rate window so the same history
// does not trip it again immediately.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused {
		m.log.Info("emergency pause cleared by operator")
	}
	m.clearLocked()
}

// Reset zeroes the counters. The pause state is kept.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resetCountsLocked()
}

func (m *Monitor) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	fr, br := m.ratesLocked()
	return Stats{
		Sent:             m.sent,
		Failed:           m.failed,
		Blocked:          m.blocked,
		UniqueRecipients: len(m.unique),
		FailureRate:      fr,
		BlockRate:        br,
		Paused:           m.paused,
		PausedAt:         m.pausedAt,
		PauseReason:      m.pauseReason,
	}
}

func (m *Monitor) ratesLocked() (failure, block float64) {
	total := m.sent + m.failed
	if total == 0 {
		return 0, 0
	}
	return float64(m.failed) / float64(total), float64(m.blocked) / float64(total)
}

func (m *Monitor) evaluateLocked() *model.Event {
	if m.paused || m.sent+m.failed < m.cfg.MinSamples {
		return nil
	}

	fr, br := m.ratesLocked()
	var reason string
	switch {
	case m.cfg.FailureRateThreshold > 0 && fr > m.cfg.FailureRateThreshold:
		reason = fmt.Sprintf("failure rate %.1f%% above %.1f%%", fr*100, m.cfg.FailureRateThreshold*100)
	case m.cfg.BlockRateThreshold > 0 && br > m.cfg.BlockRateThreshold:
		reason = fmt.Sprintf("block rate %.1f%% above %.1f%%", br*100, m.cfg.BlockRateThreshold*100)
	default:
		return nil
	}

	m.paused = true
	m.pausedAt = m.now()
	m.pauseReason = reason
	m.metrics.Paused.Set(1)
	m.log.Warn("emergency pause triggered", "reason", reason, "sent", m.sent, "failed", m.failed, "blocked", m.blocked)

	return &model.Event{Type: model.EventEmergencyPaused, Reason: reason, At: m.pausedAt}
}

func (m *Monitor) clearLocked() {
	m.paused = false
	m.pausedAt = time.Time{}
	m.pauseReason = ""
	m.metrics.Paused.Set(0)
	m.resetCountsLocked()
}

func (m *Monitor) resetCountsLocked() {
	m.sent, m.failed, m.blocked = 0, 0, 0
	m.unique = make(map[string]struct{})
}

func (m *Monitor) emit(ev *model.Event) {
	if ev != nil && m.observer != nil {
		m.observer.Notify(*ev)
	}
}
