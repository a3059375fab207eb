package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/driftkit-ai/driftkit-go/pkg/domain/errors"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/workflow"
)

// StepHandler is the executable form of a step inside the middleware chain.
type StepHandler func(ctx context.Context, input any, wc *workflow.Context) (workflow.StepResult, error)

// StepMiddleware wraps a StepHandler with cross-cutting behavior.
type StepMiddleware func(next StepHandler) StepHandler

// Chain composes middlewares around a handler; the first middleware is the
// outermost.
func Chain(handler StepHandler, middlewares ...StepMiddleware) StepHandler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// Executor runs a single step invocation under its policies: circuit
// breaker admission, invocation limit, retry loop, per-attempt timeout. It
// records every attempt in the instance history but never touches instance
// status; routing and status are the engine's job.
type Executor struct {
	breakers *BreakerRegistry
	metrics  MetricsCollector
	tracer   Tracer
	logger   *slog.Logger

	// sleep is a seam for tests; the default honors context cancellation.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor. metrics and tracer may be nil.
func NewExecutor(breakers *BreakerRegistry, metrics MetricsCollector, tracer Tracer, logger *slog.Logger) *Executor {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if tracer == nil {
		tracer = noopTracer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		breakers: breakers,
		metrics:  metrics,
		tracer:   tracer,
		logger:   logger.With("component", "step_executor"),
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs one step invocation. The returned error is terminal: retries
// have already been exhausted or ruled out.
func (e *Executor) Execute(ctx context.Context, inst *workflow.Instance, node *workflow.StepNode, input any, wc *workflow.Context) (workflow.StepResult, error) {
	ctx, span := e.tracer.StartSpan(ctx, "workflow.step", map[string]string{
		"workflow_id": inst.WorkflowID,
		"instance_id": inst.InstanceID,
		"step_id":     node.ID,
	})
	defer span.End()

	start := time.Now()
	handler := Chain(e.baseHandler(node),
		e.circuitBreakerMiddleware(node),
		e.invocationLimitMiddleware(inst, node),
		e.retryMiddleware(inst, node),
		e.timeoutMiddleware(node),
	)
	result, err := handler(ctx, input, wc)

	success := err == nil && !isFail(result)
	e.metrics.RecordStepExecution(inst.WorkflowID, node.ID, time.Since(start), success)
	if err != nil {
		span.RecordError(err)
	}
	return result, err
}

// baseHandler invokes the step function and normalizes panics into errors.
func (e *Executor) baseHandler(node *workflow.StepNode) StepHandler {
	return func(ctx context.Context, input any, wc *workflow.Context) (result workflow.StepResult, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Newf(errors.CodeStepFailed, "engine", "step %q panicked: %v", node.ID, r)
			}
		}()
		if node.Run == nil {
			return nil, errors.Newf(errors.CodeStepFailed, "engine", "step %q has no function", node.ID)
		}
		return node.Run(ctx, input, wc)
	}
}

// circuitBreakerMiddleware denies invocations while the step's circuit is
// open. It sits outside the retry loop so a denial never burns attempts.
func (e *Executor) circuitBreakerMiddleware(node *workflow.StepNode) StepMiddleware {
	return func(next StepHandler) StepHandler {
		return func(ctx context.Context, input any, wc *workflow.Context) (workflow.StepResult, error) {
			breaker := e.breakers.For(node.ID)
			before := breaker.State()
			if err := breaker.Allow(node.ID); err != nil {
				e.logger.Warn("Step denied by circuit breaker", "step_id", node.ID)
				return nil, err
			}
			if after := breaker.State(); after != before {
				e.metrics.RecordCircuitTransition(node.ID, after)
			}

			result, err := next(ctx, input, wc)

			if err == nil && !isFail(result) {
				breaker.RecordSuccess()
			} else {
				breaker.RecordFailure()
			}
			if after := breaker.State(); after != before {
				e.metrics.RecordCircuitTransition(node.ID, after)
			}
			return result, err
		}
	}
}

// invocationLimitMiddleware counts per-instance invocations. The limit-th
// call still proceeds; the call after it triggers the configured action.
func (e *Executor) invocationLimitMiddleware(inst *workflow.Instance, node *workflow.StepNode) StepMiddleware {
	return func(next StepHandler) StepHandler {
		return func(ctx context.Context, input any, wc *workflow.Context) (workflow.StepResult, error) {
			if node.InvocationLimit <= 0 {
				return next(ctx, input, wc)
			}

			if inst.InvocationCounts == nil {
				inst.InvocationCounts = make(map[string]int)
			}
			inst.InvocationCounts[node.ID]++
			count := inst.InvocationCounts[node.ID]
			if count <= node.InvocationLimit {
				return next(ctx, input, wc)
			}

			switch node.OnLimit {
			case workflow.LimitContinue:
				return next(ctx, input, wc)
			case workflow.LimitError:
				return nil, errors.Newf(errors.CodeInvocationLimit, "engine",
					"step %q exceeded its invocation limit of %d", node.ID, node.InvocationLimit)
			default: // STOP
				latest, _ := inst.LastOutputOf(node.ID)
				e.logger.Info("Invocation limit reached, finishing with latest output",
					"step_id", node.ID, "limit", node.InvocationLimit)
				return workflow.Finish(latest), nil
			}
		}
	}
}

// retryMiddleware re-runs the step per its policy and records every attempt
// in the execution history.
func (e *Executor) retryMiddleware(inst *workflow.Instance, node *workflow.StepNode) StepMiddleware {
	return func(next StepHandler) StepHandler {
		return func(ctx context.Context, input any, wc *workflow.Context) (workflow.StepResult, error) {
			policy := node.Retry
			if policy == nil {
				policy = workflow.DefaultRetryPolicy()
			}
			maxAttempts := policy.MaxAttempts
			if maxAttempts < 1 {
				maxAttempts = 1
			}

			for attempt := 1; ; attempt++ {
				started := time.Now()
				result, err := next(ctx, input, wc)

				rec := workflow.StepExecutionRecord{
					StepID:      node.ID,
					Input:       input,
					StartedAt:   started,
					CompletedAt: time.Now(),
					Attempt:     attempt,
				}

				failErr := failureOf(result, err)
				if failErr == nil {
					rec.Output = resultValue(result)
					inst.RecordExecution(rec)
					return result, nil
				}
				rec.Error = failErr.Error()
				inst.RecordExecution(rec)

				if attempt >= maxAttempts || !retryable(policy, result, err) {
					return result, err
				}

				delay := policy.DelayFor(attempt)
				e.metrics.RecordStepRetry(inst.WorkflowID, node.ID, attempt)
				e.logger.Info("Retrying step",
					"step_id", node.ID, "attempt", attempt, "delay", delay, "error", failErr)
				if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
					return nil, errors.Newf(errors.CodeStepFailed, "engine",
						"retry of step %q interrupted: %v", node.ID, sleepErr)
				}
			}
		}
	}
}

// timeoutMiddleware bounds one attempt. A zero timeout means no enforcement.
// The step goroutine is abandoned on timeout; cancellation is cooperative
// through the context.
func (e *Executor) timeoutMiddleware(node *workflow.StepNode) StepMiddleware {
	return func(next StepHandler) StepHandler {
		return func(ctx context.Context, input any, wc *workflow.Context) (workflow.StepResult, error) {
			if node.Timeout <= 0 {
				return next(ctx, input, wc)
			}

			ctx, cancel := context.WithTimeout(ctx, node.Timeout)
			defer cancel()

			type outcome struct {
				result workflow.StepResult
				err    error
			}
			done := make(chan outcome, 1)
			go func() {
				r, err := next(ctx, input, wc)
				done <- outcome{result: r, err: err}
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				return nil, errors.Newf(errors.CodeStepTimeout, "engine",
					"step %q exceeded its %s timeout", node.ID, node.Timeout)
			}
		}
	}
}

func isFail(result workflow.StepResult) bool {
	_, ok := result.(workflow.FailResult)
	return ok
}

// failureOf normalizes the two failure channels into one error.
func failureOf(result workflow.StepResult, err error) error {
	if err != nil {
		return err
	}
	if f, ok := result.(workflow.FailResult); ok {
		if f.Err != nil {
			return f.Err
		}
		return errors.Newf(errors.CodeStepFailed, "engine", "step reported failure")
	}
	return nil
}

// retryable decides whether another attempt is allowed. Fail results retry
// only when the policy opts in; errors go through the policy's class lists.
func retryable(policy *workflow.RetryPolicy, result workflow.StepResult, err error) bool {
	if err != nil {
		return policy.ShouldRetry(err)
	}
	if isFail(result) {
		return policy.RetryOnFailResult
	}
	return false
}

func resultValue(result workflow.StepResult) any {
	switch r := result.(type) {
	case workflow.ContinueResult:
		return r.Value
	case workflow.BranchResult:
		return r.Value
	case workflow.FinishResult:
		return r.Value
	default:
		return nil
	}
}
