package httpx

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// routerMetrics is nil-safe; a router built without a registerer records
// nothing.
type routerMetrics struct {
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	throttled     *prometheus.CounterVec
	uploadBytes   prometheus.Counter
	uploadRejects *prometheus.CounterVec
}

func newRouterMetrics(reg prometheus.Registerer) *routerMetrics {
	if reg == nil {
		return nil
	}
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: "localvercel", Subsystem: "api", Name: name, Help: help}
	}
	labels := []string{"method", "route", "status"}
	return &routerMetrics{
		requests: registerOrReuse(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts(opts("http_requests_total", "Count of processed HTTP requests")), labels)),
		latency: registerOrReuse(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "localvercel",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   latencyBuckets,
		}, labels)),
		throttled: registerOrReuse(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts(opts("rate_limit_hits_total", "Requests rejected by a rate policy")), []string{"route", "bucket"})),
		uploadBytes: registerOrReuse(reg, prometheus.NewCounter(
			prometheus.CounterOpts(opts("upload_bytes_total", "Bytes of project archives accepted for deployment")))),
		uploadRejects: registerOrReuse(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts(opts("upload_rejected_total", "Archive uploads refused before a deployment was created")), []string{"reason"})),
	}
}

// registerOrReuse hands back the collector already registered under the same
// descriptor, so several routers can share one registry in tests.
func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *routerMetrics) request(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	l := prometheus.Labels{"method": method, "route": route, "status": strconv.Itoa(status)}
	m.requests.With(l).Inc()
	m.latency.With(l).Observe(took.Seconds())
}

func (m *routerMetrics) rateLimited(route, bucket string) {
	if m == nil {
		return
	}
	m.throttled.WithLabelValues(route, bucket).Inc()
}

func (m *routerMetrics) uploadAccepted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.uploadBytes.Add(float64(n))
}

// Upload rejection reasons.
const (
	rejectTooLarge  = "too_large"
	rejectMalformed = "malformed"
	rejectNoProject = "project"
	rejectDeploy    = "deploy"
)

func (m *routerMetrics) uploadRejected(reason string) {
	if m == nil {
		return
	}
	m.uploadRejects.WithLabelValues(reason).Inc()
}
