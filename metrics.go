package balancerd

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "balancerd"

var (
	probeResultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "probe_results_total",
		Help:      "Count of health probe results per server.",
	}, []string{
		"backend",
		"server",
		"result",
	})

	probeDurationSummary = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace:  metricsNamespace,
		Name:       "probe_duration_seconds",
		Help:       "Time from probe connect to verdict.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	}, []string{
		"backend",
		"server",
	})

	serverUpGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "server_up",
		Help:      "Whether the server is considered alive (1) or down (0).",
	}, []string{
		"backend",
		"server",
	})

	serverHealthGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "server_health",
		Help:      "Position inside the rise/fall hysteresis window.",
	}, []string{
		"backend",
		"server",
	})

	downTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "server_down_transitions_total",
		Help:      "Count of UP to DOWN transitions per server.",
	}, []string{
		"backend",
		"server",
	})

	sessionsRequeuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sessions_requeued_total",
		Help:      "Sessions moved between queues by liveness transitions.",
	}, []string{
		"backend",
		"server",
	})

	pendingQueueDepthGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "pending_queue_depth",
		Help:      "Sessions waiting for a server slot, per backend.",
	}, []string{
		"backend",
	})

	sessionsAcceptedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sessions_accepted_total",
		Help:      "Frontend connections accepted per backend.",
	}, []string{
		"backend",
	})

	sessionsActiveGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "sessions_active",
		Help:      "Frontend connections currently relayed per backend.",
	}, []string{
		"backend",
	})

	sessionsRedispatchedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sessions_redispatched_total",
		Help:      "Sessions rebound to a different server after a failure.",
	}, []string{
		"backend",
	})

	sessionsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sessions_rejected_total",
		Help:      "Frontend connections dropped before dispatch.",
	}, []string{
		"backend",
		"reason",
	})
)

func init() {
	prometheus.MustRegister(
		probeResultsTotal,
		probeDurationSummary,
		serverUpGauge,
		serverHealthGauge,
		downTransitionsTotal,
		sessionsRequeuedTotal,
		pendingQueueDepthGauge,
		sessionsAcceptedTotal,
		sessionsActiveGauge,
		sessionsRedispatchedTotal,
		sessionsRejectedTotal,
	)
}

func RecordProbeResult(backend, server string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	probeResultsTotal.WithLabelValues(backend, server, result).Inc()
}

func RecordProbeDuration(backend, server string, seconds float64) {
	probeDurationSummary.WithLabelValues(backend, server).Observe(seconds)
}

func RecordServerUp(backend, server string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	serverUpGauge.WithLabelValues(backend, server).Set(v)
}

func RecordServerHealth(backend, server string, health int) {
	serverHealthGauge.WithLabelValues(backend, server).Set(float64(health))
}

func RecordDownTransition(backend, server string) {
	downTransitionsTotal.WithLabelValues(backend, server).Inc()
}

func RecordSessionsRequeued(backend, server string, n int) {
	if n > 0 {
		sessionsRequeuedTotal.WithLabelValues(backend, server).Add(float64(n))
	}
}

func RecordPendingQueueDepth(backend string, depth int) {
	pendingQueueDepthGauge.WithLabelValues(backend).Set(float64(depth))
}

func RecordSessionAccepted(backend string) {
	sessionsAcceptedTotal.WithLabelValues(backend).Inc()
}

func RecordSessionsActive(backend string, delta int) {
	sessionsActiveGauge.WithLabelValues(backend).Add(float64(delta))
}

func RecordSessionRedispatched(backend string) {
	sessionsRedispatchedTotal.WithLabelValues(backend).Inc()
}

func RecordSessionRejected(backend, reason string) {
	sessionsRejectedTotal.WithLabelValues(backend, reason).Inc()
}
