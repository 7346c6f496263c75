package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Outcomes   *prometheus.CounterVec
	Rejections *prometheus.CounterVec
	QueueDepth prometheus.Gauge
	Paused     prometheus.Gauge
}

// NewMetrics registers the delivery collectors on reg. A nil reg yields
// working but unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Outcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "umroh_delivery_outcomes_total",
				Help: "Transport outcomes by status",
			},
			[]string{"status"},
		),
		Rejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "umroh_delivery_rejections_total",
				Help: "Messages rejected at enqueue (compliance, rate_limit) or at send time (dispatch), by stage",
			},
			[]string{"stage"},
		),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "umroh_delivery_queue_depth",
			Help: "Items waiting in the delivery queue",
		}),
		Paused: f.NewGauge(prometheus.GaugeOpts{
			Name: "umroh_delivery_paused",
			Help: "1 while the emergency pause is active",
		}),
	}
}
