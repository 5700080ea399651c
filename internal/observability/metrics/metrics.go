package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus instruments for the authorization pipeline.
type Metrics struct {
	AuthRequests     *prometheus.CounterVec
	AuthOutcomes     *prometheus.CounterVec
	FastPathHits     prometheus.Counter
	FastPathTimeouts prometheus.Counter

	ProcessorCalls   *prometheus.CounterVec
	ProcessorLatency *prometheus.HistogramVec

	OutboxPublished prometheus.Counter
	OutboxRetried   prometheus.Counter
	OutboxDropped   prometheus.Counter

	LockAcquisitions *prometheus.CounterVec

	TokenDecrypts *prometheus.CounterVec
}

func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		AuthRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payauth_auth_requests_total",
			Help: "Authorization ingress requests by result.",
		}, []string{"result"}),
		AuthOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payauth_auth_outcomes_total",
			Help: "Terminal authorization outcomes recorded by the worker.",
		}, []string{"status"}),
		FastPathHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payauth_fast_path_hits_total",
			Help: "Authorize calls resolved within the fast-path window.",
		}),
		FastPathTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payauth_fast_path_timeouts_total",
			Help: "Authorize calls that fell back to the status endpoint.",
		}),
		ProcessorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payauth_processor_calls_total",
			Help: "Processor authorize calls by processor and outcome.",
		}, []string{"processor", "outcome"}),
		ProcessorLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payauth_processor_latency_seconds",
			Help:    "Processor authorize call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"processor"}),
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payauth_outbox_published_total",
			Help: "Outbox rows successfully published to a queue.",
		}),
		OutboxRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payauth_outbox_retried_total",
			Help: "Outbox rows rescheduled after a publish failure.",
		}),
		OutboxDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payauth_outbox_dropped_total",
			Help: "Outbox rows dropped because no queue is registered for the destination.",
		}),
		LockAcquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payauth_lock_acquisitions_total",
			Help: "Processing lock acquisition attempts by result.",
		}, []string{"result"}),
		TokenDecrypts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payauth_token_decrypts_total",
			Help: "Token store decrypt attempts by result.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.AuthRequests,
			m.AuthOutcomes,
			m.FastPathHits,
			m.FastPathTimeouts,
			m.ProcessorCalls,
			m.ProcessorLatency,
			m.OutboxPublished,
			m.OutboxRetried,
			m.OutboxDropped,
			m.LockAcquisitions,
			m.TokenDecrypts,
		)
	}
	return m
}

func (m *Metrics) ObserveProcessorCall(processor, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ProcessorCalls.WithLabelValues(processor, outcome).Inc()
	m.ProcessorLatency.WithLabelValues(processor).Observe(elapsed.Seconds())
}
