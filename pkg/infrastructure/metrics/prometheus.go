// Package metrics provides a Prometheus implementation of the engine's
// metrics collector port.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/driftkit-ai/driftkit-go/pkg/domain/workflow"
	"github.com/driftkit-ai/driftkit-go/pkg/engine"
)

// Collector implements engine.MetricsCollector on Prometheus.
type Collector struct {
	stepDuration       *prometheus.HistogramVec
	stepExecutions     *prometheus.CounterVec
	stepRetries        *prometheus.CounterVec
	workflowCompletion *prometheus.CounterVec
	circuitState       *prometheus.GaugeVec
}

var _ engine.MetricsCollector = (*Collector)(nil)

// NewCollector registers the engine metrics on the given registerer; nil
// uses the default registry.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if namespace == "" {
		namespace = "driftkit"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "step_duration_seconds",
			Help:      "Wall time of step executions, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"workflow_id", "step_id", "success"}),
		stepExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "step_executions_total",
			Help:      "Step executions by outcome.",
		}, []string{"workflow_id", "step_id", "success"}),
		stepRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "step_retries_total",
			Help:      "Retry attempts beyond the first invocation.",
		}, []string{"workflow_id", "step_id"}),
		workflowCompletion: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "workflow_completions_total",
			Help:      "Workflow runs reaching a terminal status.",
		}, []string{"workflow_id", "status"}),
		circuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "circuit_breaker_state",
			Help:      "Per-step breaker state: 0 closed, 1 open, 2 half-open.",
		}, []string{"step_id"}),
	}
}

// RecordStepExecution records one completed step invocation.
func (c *Collector) RecordStepExecution(workflowID, stepID string, duration time.Duration, success bool) {
	outcome := "true"
	if !success {
		outcome = "false"
	}
	c.stepDuration.WithLabelValues(workflowID, stepID, outcome).Observe(duration.Seconds())
	c.stepExecutions.WithLabelValues(workflowID, stepID, outcome).Inc()
}

// RecordStepRetry counts a retry attempt.
func (c *Collector) RecordStepRetry(workflowID, stepID string, attempt int) {
	if attempt <= 1 {
		return
	}
	c.stepRetries.WithLabelValues(workflowID, stepID).Inc()
}

// RecordWorkflowCompletion counts a terminal run.
func (c *Collector) RecordWorkflowCompletion(workflowID string, status workflow.Status) {
	c.workflowCompletion.WithLabelValues(workflowID, string(status)).Inc()
}

// RecordCircuitTransition tracks the breaker state of a step.
func (c *Collector) RecordCircuitTransition(stepID string, state engine.BreakerState) {
	var v float64
	switch state {
	case engine.BreakerOpen:
		v = 1
	case engine.BreakerHalfOpen:
		v = 2
	}
	c.circuitState.WithLabelValues(stepID).Set(v)
}
