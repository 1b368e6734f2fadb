package edgepurge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	depth        *prometheus.GaugeVec
	failed       *prometheus.GaugeVec
	intents      *prometheus.CounterVec
	dispatched   *prometheus.CounterVec
	requests     *prometheus.CounterVec
	requestTime  *prometheus.HistogramVec
	burstSeconds *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		depth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "edgepurge",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Unfinished (pending + reserved) items per queue.",
		}, []string{"queue"}),
		failed: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "edgepurge",
			Subsystem: "queue",
			Name:      "failed_items",
			Help:      "Items that exhausted their attempts, per queue.",
		}, []string{"queue"}),
		intents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgepurge",
			Subsystem: "objects",
			Name:      "intents_total",
			Help:      "Object intents processed, labelled by type and outcome.",
		}, []string{"site", "type", "outcome"}),
		dispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgepurge",
			Subsystem: "urls",
			Name:      "items_total",
			Help:      "URL-queue items sent to the driver, labelled by kind and result.",
		}, []string{"site", "kind", "result"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgepurge",
			Subsystem: "driver",
			Name:      "requests_total",
			Help:      "Purge calls made to the CDN driver.",
		}, []string{"driver", "op", "result"}),
		requestTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "edgepurge",
			Subsystem: "driver",
			Name:      "request_duration_seconds",
			Help:      "Purge call latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		}, []string{"driver", "op"}),
		burstSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "edgepurge",
			Subsystem: "runtime",
			Name:      "burst_duration_seconds",
			Help:      "Time spent in one scheduled burst per site.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"site"}),
	}
}

func (m *Metrics) setDepth(queue string, depth, failed int64) {
	if m == nil {
		return
	}
	m.depth.WithLabelValues(queue).Set(float64(depth))
	m.failed.WithLabelValues(queue).Set(float64(failed))
}

func (m *Metrics) intent(site string, t IntentType, outcome string) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(site, string(t), outcome).Inc()
}

func (m *Metrics) items(site, kind, result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.dispatched.WithLabelValues(site, kind, result).Add(float64(n))
}

func (m *Metrics) request(drv, op string, err error, took time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.requests.WithLabelValues(drv, op, result).Inc()
	m.requestTime.WithLabelValues(drv, op).Observe(took.Seconds())
}

func (m *Metrics) burst(site string, took time.Duration) {
	if m == nil {
		return
	}
	m.burstSeconds.WithLabelValues(site).Observe(took.Seconds())
}
