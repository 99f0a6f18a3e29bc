package channel

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "logchannel"

// Metrics are the channel's Prometheus instruments, labelled by group.
type Metrics struct {
	enqueued *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	sent     *prometheus.CounterVec
	failed   *prometheus.CounterVec
	inFlight *prometheus.GaugeVec
}

const (
	dropReasonDisabled     = "disabled"
	dropReasonUnknownGroup = "unknown_group"
	dropReasonOversize     = "oversize"
	dropReasonSerialize    = "serialize"
	dropReasonStorage      = "storage"
	dropReasonDevice       = "device"
	dropReasonShutdown     = "shutdown"

	failureRetryable = "retryable"
	failureFatal     = "fatal"
	failureExhausted = "exhausted"
)

// NewMetrics creates and registers the channel metrics on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "logs_enqueued_total",
			Help:      "Logs persisted for delivery.",
		}, []string{"group"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "logs_dropped_total",
			Help:      "Logs rejected at enqueue time.",
		}, []string{"group", "reason"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "batches_sent_total",
			Help:      "Batches accepted by the ingestion endpoint.",
		}, []string{"group"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "batches_failed_total",
			Help:      "Batches that failed, by failure class.",
		}, []string{"group", "class"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "inflight_batches",
			Help:      "Batches handed to the ingestion endpoint and not yet resolved.",
		}, []string{"group"}),
	}

	for _, c := range []prometheus.Collector{m.enqueued, m.dropped, m.sent, m.failed, m.inFlight} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) logEnqueued(group string) {
	m.enqueued.WithLabelValues(group).Inc()
}

func (m *Metrics) logDropped(group, reason string) {
	m.dropped.WithLabelValues(group, reason).Inc()
}

func (m *Metrics) batchSent(group string) {
	m.sent.WithLabelValues(group).Inc()
}

func (m *Metrics) batchFailed(group, class string) {
	m.failed.WithLabelValues(group, class).Inc()
}

func (m *Metrics) setInFlight(group string, n int) {
	m.inFlight.WithLabelValues(group).Set(float64(n))
}
