package deploy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var stageBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600}

// Metrics records pipeline outcomes.
type Metrics struct {
	stageDuration *prometheus.HistogramVec
	results       *prometheus.CounterVec
	inFlight      prometheus.Gauge
}

// NewMetrics registers deploy collectors on reg. A nil reg uses the default
// registerer. Collectors that already exist are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "localvercel",
			Subsystem: "deploy",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages",
			Buckets:   stageBuckets,
		}, []string{"stage", "outcome"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "localvercel",
			Subsystem: "deploy",
			Name:      "results_total",
			Help:      "Number of deployments reaching a terminal state",
		}, []string{"status", "stage"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "localvercel",
			Subsystem: "deploy",
			Name:      "in_flight",
			Help:      "Deployments currently building",
		}),
	}

	if err := reg.Register(m.stageDuration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				m.stageDuration = existing
			}
		}
	}
	if err := reg.Register(m.results); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				m.results = existing
			}
		}
	}
	if err := reg.Register(m.inFlight); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				m.inFlight = existing
			}
		}
	}
	return m
}

func (m *Metrics) observeStage(stage string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.stageDuration.WithLabelValues(stage, outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) recordResult(status, stage string) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(status, stage).Inc()
}

func (m *Metrics) started() {
	if m != nil {
		m.inFlight.Inc()
	}
}

func (m *Metrics) finished() {
	if m != nil {
		m.inFlight.Dec()
	}
}
