package incidents

import (
	"github.com/bissquit/sterility-garden/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	incidentsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "incidents",
			Name:      "created_total",
			Help:      "Total BI failure incidents created by severity",
		},
		[]string{"severity"},
	)

	workflowTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "incidents",
			Name:      "workflow_transitions_total",
			Help:      "Total workflow operations by action and result",
		},
		[]string{"action", "result"},
	)

	storeRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "incidents",
			Name:      "store_retries_total",
			Help:      "Total retried incident store operations",
		},
		[]string{"operation"},
	)

	toolValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "incidents",
			Name:      "tool_validations_total",
			Help:      "Total tool validations by result",
		},
		[]string{"result"},
	)
)

func recordWorkflowTransition(action string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	workflowTransitions.WithLabelValues(action, result).Inc()
}

func recordStoreRetry(op string, _ int, _ error) {
	storeRetries.WithLabelValues(op).Inc()
}
