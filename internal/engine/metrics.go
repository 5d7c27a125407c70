package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: сколько времени занял пайплайн (и отправка для execute)
	RequestDuration *prometheus.HistogramVec

	// Traffic: общее кол-во запросов
	TotalRequests *prometheus.CounterVec

	// Decisions: исход пайплайна с причиной
	Decisions *prometheus.CounterVec

	// Integrity: провал проверки тега GCM (подмена данных или чужой мастер-ключ)
	IntegrityFaults prometheus.Counter

	// Compensation: возвраты списаний после сбоя отправки
	Releases prometheus.Counter

	// Saturation: состояние Circuit Breaker (0 - закрыт, 1 - полуоткрыт, 2 - открыт)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentguard_request_duration_seconds",
			Help:    "Histogram of swap request latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"operation", "venue", "outcome"}),

		TotalRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentguard_requests_total",
			Help: "Total number of processed swap requests.",
		}, []string{"operation", "venue"}),

		Decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentguard_decisions_total",
			Help: "Pipeline decisions by outcome and reason.",
		}, []string{"outcome", "reason"}),

		IntegrityFaults: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "agentguard_vault_integrity_faults_total",
			Help: "Credential decryptions rejected by the authentication tag.",
		}),

		Releases: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "agentguard_permission_releases_total",
			Help: "Permission debits returned after a failed broadcast or key release.",
		}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentguard_circuit_breaker_state",
			Help: "Current state of the broadcaster circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"breaker"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agentguard_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}
