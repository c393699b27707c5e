package progress

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/histpull/histpull/internal/scraper"
)

// Metrics exports pass progress via Prometheus. It owns all collectors for
// outcome counts and the remaining-key gauge.
type Metrics struct {
	outcomes  *prometheus.CounterVec
	remaining prometheus.Gauge
	ceiling   prometheus.Gauge
}

// NewMetrics registers the collectors against the provided registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "histpull_keys_total",
			Help: "Key outcomes partitioned by result.",
		}, []string{"outcome"}),
		remaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "histpull_pass_remaining_keys",
			Help: "Keys not yet resolved in the current pass.",
		}),
		ceiling: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "histpull_rate_ceiling_rpm",
			Help: "Current effective request ceiling in requests per minute.",
		}),
	}
	for _, collector := range []prometheus.Collector{m.outcomes, m.remaining, m.ceiling} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return m, nil
}

// SetRateCeiling records the controller's effective ceiling.
func (m *Metrics) SetRateCeiling(rpm int) {
	m.ceiling.Set(float64(rpm))
}

func (m *Metrics) observeOutcome(outcome scraper.Outcome) {
	m.outcomes.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) setRemaining(n int) {
	m.remaining.Set(float64(n))
}
