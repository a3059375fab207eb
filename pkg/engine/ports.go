// Package engine contains the workflow run loop: graph registry, step
// executor with its policy middleware chain, circuit breaker, and the
// suspend/resume/async lifecycle of workflow instances.
package engine

import (
	"context"
	"time"

	"github.com/driftkit-ai/driftkit-go/pkg/domain/workflow"
)

// MetricsCollector receives execution metrics. A nil collector is replaced
// with a no-op, so instrumentation can never fail a workflow.
type MetricsCollector interface {
	RecordStepExecution(workflowID, stepID string, duration time.Duration, success bool)
	RecordStepRetry(workflowID, stepID string, attempt int)
	RecordWorkflowCompletion(workflowID string, status workflow.Status)
	RecordCircuitTransition(stepID string, state BreakerState)
}

type noopMetrics struct{}

func (noopMetrics) RecordStepExecution(string, string, time.Duration, bool) {}
func (noopMetrics) RecordStepRetry(string, string, int)                     {}
func (noopMetrics) RecordWorkflowCompletion(string, workflow.Status)        {}
func (noopMetrics) RecordCircuitTransition(string, BreakerState)            {}

// Span is one traced operation.
type Span interface {
	End()
	RecordError(err error)
}

// Tracer starts spans around step executions.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, Span)
}

type noopTracer struct{}

type noopSpan struct{}

func (noopSpan) End()              {}
func (noopSpan) RecordError(error) {}

func (noopTracer) StartSpan(ctx context.Context, _ string, _ map[string]string) (context.Context, Span) {
	return ctx, noopSpan{}
}
