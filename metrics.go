package agentrink

import "github.com/prometheus/client_golang/prometheus"

var (
	leaderGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agentrink",
		Subsystem: "scheduler",
		Name:      "leader_bool",
		Help:      "Whether or not this client holds the leader task",
	}, []string{"namespace"})

	taskGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agentrink",
		Subsystem: "scheduler",
		Name:      "task_bool",
		Help:      "Whether or not this client owns a task",
	}, []string{"namespace", "task"})

	claimCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentrink",
		Subsystem: "scheduler",
		Name:      "claims_total",
		Help:      "Resolved task claims by outcome (won or lost)",
	}, []string{"namespace", "result"})

	clearCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentrink",
		Subsystem: "scheduler",
		Name:      "clears_total",
		Help:      "Tasks cleared because their owner left",
	}, []string{"namespace"})

	dispatchErrCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentrink",
		Subsystem: "scheduler",
		Name:      "dispatch_errors_total",
		Help:      "Won tasks whose runnable could not be resolved or failed",
	}, []string{"namespace"})
)

func init() {
	prometheus.MustRegister(
		leaderGauge,
		taskGauge,
		claimCounter,
		clearCounter,
		dispatchErrCounter)
}
