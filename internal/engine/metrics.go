package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xela07ax/fleet-orchestrator/internal/domain"
)

type Metrics struct {
	// Events: все записанные события по виду
	EventsTotal *prometheus.CounterVec
	Alerts      prometheus.Counter

	// Capacity: цель политики и фактически запланированные сессии
	TargetSessions    prometheus.Gauge
	ScheduledSessions prometheus.Gauge
	ReconcileActions  *prometheus.CounterVec

	// Pool: точки выхода по здоровью и суммарные аренды
	Endpoints         *prometheus.GaugeVec
	EndpointsAssigned prometheus.Gauge
	ProbeDuration     *prometheus.HistogramVec

	// Sessions
	LiveSessions     prometheus.Gauge
	SessionDuration  *prometheus.HistogramVec
	PersistFailures  prometheus.Counter
	DriverStartTotal *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker драйвера (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_events_total",
			Help: "Recorded lifecycle and pool events by kind.",
		}, []string{"kind"}),
		Alerts: f.NewCounter(prometheus.CounterOpts{
			Name: "fleet_alerts_total",
			Help: "Alerts raised for critical events.",
		}),
		TargetSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_target_sessions",
			Help: "Concurrency allowed by the current shift.",
		}),
		ScheduledSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_scheduled_sessions",
			Help: "Active sessions plus reserved start slots at the last reconcile.",
		}),
		ReconcileActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_reconcile_actions_total",
			Help: "Sessions requested to start or stop by reconcile.",
		}, []string{"action"}), // start, stop
		Endpoints: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_endpoints",
			Help: "Pooled endpoints by health.",
		}, []string{"health"}),
		EndpointsAssigned: f.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_endpoint_leases",
			Help: "Total leases held across the pool.",
		}),
		ProbeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_endpoint_probe_seconds",
			Help:    "Endpoint health probe latency.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"result"}),
		LiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_live_sessions",
			Help: "Sessions held in the live map.",
		}),
		SessionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_session_duration_seconds",
			Help:    "Session duration from creation to cleanup.",
			Buckets: prometheus.ExponentialBuckets(60, 2, 10),
		}, []string{"state"}),
		PersistFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "fleet_persist_failures_total",
			Help: "Session record writes that failed.",
		}),
		DriverStartTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_driver_runs_total",
			Help: "Automation runs by result.",
		}, []string{"result"}),
		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open).",
		}, []string{"driver"}),
	}
}

func (m *Metrics) observePool(s domain.PoolStats) {
	m.Endpoints.WithLabelValues("healthy").Set(float64(s.Healthy))
	m.Endpoints.WithLabelValues("unhealthy").Set(float64(s.Unhealthy))
	m.EndpointsAssigned.Set(float64(s.TotalAssigned))
}
