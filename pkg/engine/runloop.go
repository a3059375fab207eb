package engine

import (
	"context"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/driftkit-ai/driftkit-go/pkg/async"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/errors"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/events"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/workflow"
)

// runLoop drives one instance from stepID until it suspends, yields to an
// async task, or terminates. The caller holds the instance lock; the
// instance is persisted after every transition so a cold engine can resume
// from the stored row alone.
func (e *Engine) runLoop(ctx context.Context, g *workflow.Graph, inst *workflow.Instance, stepID string, input any) (*workflow.Instance, error) {
	wc := inst.Context()

	for {
		node, ok := g.Node(stepID)
		if !ok {
			return e.failInstance(ctx, g, inst, errors.Newf(errors.CodeNoSuccessor, "engine",
				"instance %q points at unknown step %q", inst.InstanceID, stepID))
		}

		inst.Status = workflow.StatusRunning
		inst.CurrentStepID = stepID
		inst.UpdatedAt = time.Now()
		if err := e.instances.Save(ctx, inst); err != nil {
			return inst, err
		}

		result, err := e.executor.Execute(ctx, inst, node, input, wc)
		inst.SyncContext(wc)

		if err != nil {
			next, nextInput, handled := e.routeFailure(g, node.ID, err)
			if !handled {
				return e.failInstance(ctx, g, inst, err)
			}
			stepID, input = next, nextInput
			continue
		}

		switch r := result.(type) {
		case workflow.ContinueResult:
			wc.SetStepOutput(node.ID, r.Value)
			inst.SyncContext(wc)
			next, ok := chooseNext(g, node.ID, workflow.KindContinue, r.Value, wc)
			if !ok {
				return e.failInstance(ctx, g, inst, errors.Newf(errors.CodeNoSuccessor, "engine",
					"step %q produced %T but no edge matches", node.ID, r.Value))
			}
			stepID, input = next, r.Value

		case workflow.BranchResult:
			wc.SetStepOutput(node.ID, r.Value)
			inst.SyncContext(wc)
			next, ok := chooseNext(g, node.ID, workflow.KindBranch, r.Value, wc)
			if !ok {
				return e.failInstance(ctx, g, inst, errors.Newf(errors.CodeNoSuccessor, "engine",
					"step %q branched on %T but no edge matches", node.ID, r.Value))
			}
			stepID, input = next, r.Value

		case workflow.SuspendResult:
			return e.suspendInstance(ctx, g, inst, node, r)

		case workflow.AsyncResult:
			return e.dispatchAsync(ctx, g, inst, node, r, wc)

		case workflow.FinishResult:
			wc.SetStepOutput(node.ID, r.Value)
			inst.SyncContext(wc)
			return e.completeInstance(ctx, g, inst, r.Value)

		case workflow.FailResult:
			failErr := failureOf(r, nil)
			next, nextInput, handled := e.routeFailure(g, node.ID, failErr)
			if !handled {
				return e.failInstance(ctx, g, inst, failErr)
			}
			stepID, input = next, nextInput

		default:
			return e.failInstance(ctx, g, inst, errors.Newf(errors.CodeStepFailed, "engine",
				"step %q returned no result", node.ID))
		}
	}
}

// continueFrom routes the resume input as the suspending step's result and
// re-enters the run loop at the chosen successor.
func (e *Engine) continueFrom(ctx context.Context, g *workflow.Graph, inst *workflow.Instance, fromStep string, payload any) (*workflow.Instance, error) {
	wc := inst.Context()
	wc.SetStepOutput(fromStep, payload)
	inst.SyncContext(wc)

	next, ok := chooseNext(g, fromStep, workflow.KindContinue, payload, wc)
	if !ok {
		return e.failInstance(ctx, g, inst, errors.Newf(errors.CodeNoSuccessor, "engine",
			"resumed step %q has no edge matching %T", fromStep, payload))
	}
	return e.runLoop(ctx, g, inst, next, payload)
}

// consumeAsyncResult replays a completed async task into the run loop.
// Caller holds the instance lock.
func (e *Engine) consumeAsyncResult(ctx context.Context, g *workflow.Graph, inst *workflow.Instance, state *workflow.AsyncStepState) (*workflow.Instance, error) {
	wc := inst.Context()

	if state.Error != "" {
		if node, ok := g.Node(state.StepID); ok && asyncRetryable(node, state) {
			return e.requeueAsync(ctx, g, inst, node, state)
		}
		failErr := errors.Newf(errors.CodeStepFailed, "engine",
			"async task %q failed: %s", state.TaskID, state.Error)
		next, nextInput, handled := e.routeFailure(g, state.StepID, failErr)
		if !handled {
			return e.failInstance(ctx, g, inst, failErr)
		}
		return e.runLoop(ctx, g, inst, next, nextInput)
	}

	switch state.ResultKind {
	case workflow.KindFinish:
		wc.SetStepOutput(state.StepID, state.ResultData)
		inst.SyncContext(wc)
		inst.RecordExecution(workflow.StepExecutionRecord{
			StepID:      state.StepID,
			Output:      state.ResultData,
			StartedAt:   state.CreatedAt,
			CompletedAt: state.UpdatedAt,
			Attempt:     1,
		})
		return e.completeInstance(ctx, g, inst, state.ResultData)

	case workflow.KindContinue, workflow.KindBranch:
		wc.SetStepOutput(state.StepID, state.ResultData)
		inst.SyncContext(wc)
		next, ok := chooseNext(g, state.StepID, state.ResultKind, state.ResultData, wc)
		if !ok {
			return e.failInstance(ctx, g, inst, errors.Newf(errors.CodeNoSuccessor, "engine",
				"async step %q produced %T but no edge matches", state.StepID, state.ResultData))
		}
		return e.runLoop(ctx, g, inst, next, state.ResultData)

	default:
		return e.failInstance(ctx, g, inst, errors.Newf(errors.CodeStepFailed, "engine",
			"async task %q completed with unsupported result kind %q", state.TaskID, state.ResultKind))
	}
}

// suspendInstance persists the suspension row, flips status and settles the
// execution.
func (e *Engine) suspendInstance(ctx context.Context, g *workflow.Graph, inst *workflow.Instance, node *workflow.StepNode, r workflow.SuspendResult) (*workflow.Instance, error) {
	messageID := r.MessageID
	if messageID == "" {
		messageID = uuid.New().String()
	}

	susp := &workflow.SuspensionData{
		InstanceID:    inst.InstanceID,
		MessageID:     messageID,
		PromptToUser:  r.Prompt,
		NextInputName: e.nextInputName(r.NextInputType),
		CreatedAt:     time.Now(),
	}
	if err := e.suspensions.Save(ctx, susp); err != nil {
		return inst, err
	}

	inst.Status = workflow.StatusSuspended
	inst.CurrentStepID = node.ID
	inst.UpdatedAt = time.Now()
	if err := e.instances.Save(ctx, inst); err != nil {
		return inst, err
	}

	e.publish(ctx, events.NewWorkflowSuspended(inst.InstanceID, g.ID(), node.ID, messageID))
	e.logger.Info("Workflow suspended",
		"instance_id", inst.InstanceID, "step_id", node.ID, "message_id", messageID)
	return inst, nil
}

// nextInputName registers the suspension's expected input type under its
// schema name so a raw resume request can be rehydrated later.
func (e *Engine) nextInputName(t reflect.Type) string {
	if t == nil {
		return ""
	}
	if e.schemas == nil {
		return t.Name()
	}
	s := e.schemas.SchemaFor(t)
	e.schemas.RegisterNamed(s.Name, t)
	return s.Name
}

// dispatchAsync persists the async state, hands the task to the coordinator
// and leaves the instance RUNNING with the outstanding-async marker set.
func (e *Engine) dispatchAsync(ctx context.Context, g *workflow.Graph, inst *workflow.Instance, node *workflow.StepNode, r workflow.AsyncResult, wc *workflow.Context) (*workflow.Instance, error) {
	registry := e.handlerRegistry(g.ID())
	var handler *workflow.AsyncHandler
	if registry != nil {
		handler, _ = registry.Match(r.TaskID)
	}
	if handler == nil {
		failErr := errors.Newf(errors.CodeAsyncHandlerMissing, "engine",
			"task %q of step %q matches no async handler", r.TaskID, node.ID)
		next, nextInput, handled := e.routeFailure(g, node.ID, failErr)
		if !handled {
			return e.failInstance(ctx, g, inst, failErr)
		}
		return e.runLoop(ctx, g, inst, next, nextInput)
	}

	messageID := uuid.New().String()
	now := time.Now()
	state := &workflow.AsyncStepState{
		MessageID:   messageID,
		InstanceID:  inst.InstanceID,
		StepID:      node.ID,
		TaskID:      r.TaskID,
		TaskArgs:    r.TaskArgs,
		InitialData: r.Immediate,
		Attempt:     1,
		Timeout:     r.Timeout,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.asyncStates.Save(ctx, state); err != nil {
		return inst, err
	}

	inst.AsyncMessageID = messageID
	inst.Status = workflow.StatusRunning
	inst.CurrentStepID = node.ID
	inst.UpdatedAt = now
	if err := e.instances.Save(ctx, inst); err != nil {
		return inst, err
	}

	err := e.coordinator.Dispatch(ctx, async.Task{
		State:      state,
		Handler:    handler,
		WorkflowID: g.ID(),
		Context:    wc,
		Timeout:    r.Timeout,
	})
	if err != nil {
		return e.failInstance(ctx, g, inst, err)
	}

	e.logger.Info("Async task dispatched",
		"instance_id", inst.InstanceID, "step_id", node.ID, "task_id", r.TaskID, "message_id", messageID)
	return inst, nil
}

// asyncRetryable reports whether a failed async task gets another dispatch
// under the triggering step's retry policy. A handler Fail result only
// retries when the policy opts in; handler errors retry while attempts
// remain.
func asyncRetryable(node *workflow.StepNode, state *workflow.AsyncStepState) bool {
	policy := node.Retry
	if policy == nil || state.Attempt >= policy.MaxAttempts {
		return false
	}
	if state.ResultKind == workflow.KindFail {
		return policy.RetryOnFailResult
	}
	return true
}

// requeueAsync dispatches a fresh attempt of a failed async task after the
// policy's backoff delay. Caller holds the instance lock.
func (e *Engine) requeueAsync(ctx context.Context, g *workflow.Graph, inst *workflow.Instance, node *workflow.StepNode, prev *workflow.AsyncStepState) (*workflow.Instance, error) {
	registry := e.handlerRegistry(g.ID())
	var handler *workflow.AsyncHandler
	if registry != nil {
		handler, _ = registry.Match(prev.TaskID)
	}
	if handler == nil {
		return e.failInstance(ctx, g, inst, errors.Newf(errors.CodeAsyncHandlerMissing, "engine",
			"task %q of step %q matches no async handler", prev.TaskID, node.ID))
	}

	if err := e.sleep(ctx, node.Retry.DelayFor(prev.Attempt)); err != nil {
		return e.failInstance(ctx, g, inst, errors.Newf(errors.CodeStepFailed, "engine",
			"requeue of task %q interrupted: %v", prev.TaskID, err))
	}

	attempt := prev.Attempt + 1
	e.metrics.RecordStepRetry(inst.WorkflowID, node.ID, attempt)

	messageID := uuid.New().String()
	now := time.Now()
	state := &workflow.AsyncStepState{
		MessageID:   messageID,
		InstanceID:  inst.InstanceID,
		StepID:      node.ID,
		TaskID:      prev.TaskID,
		TaskArgs:    prev.TaskArgs,
		InitialData: prev.InitialData,
		Attempt:     attempt,
		Timeout:     prev.Timeout,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.asyncStates.Save(ctx, state); err != nil {
		return inst, err
	}

	inst.AsyncMessageID = messageID
	inst.Status = workflow.StatusRunning
	inst.UpdatedAt = now
	if err := e.instances.Save(ctx, inst); err != nil {
		return inst, err
	}

	err := e.coordinator.Dispatch(ctx, async.Task{
		State:      state,
		Handler:    handler,
		WorkflowID: g.ID(),
		Context:    inst.Context(),
		Timeout:    state.Timeout,
	})
	if err != nil {
		return e.failInstance(ctx, g, inst, err)
	}

	e.logger.Info("Async task requeued",
		"instance_id", inst.InstanceID, "step_id", node.ID, "task_id", prev.TaskID,
		"attempt", attempt, "message_id", messageID)
	return inst, nil
}

func (e *Engine) completeInstance(ctx context.Context, g *workflow.Graph, inst *workflow.Instance, result any) (*workflow.Instance, error) {
	inst.Status = workflow.StatusCompleted
	inst.UpdatedAt = time.Now()
	if err := e.instances.Save(ctx, inst); err != nil {
		return inst, err
	}

	e.metrics.RecordWorkflowCompletion(inst.WorkflowID, workflow.StatusCompleted)
	e.publish(ctx, events.NewWorkflowCompleted(inst.InstanceID, g.ID(), result))
	e.logger.Info("Workflow completed", "instance_id", inst.InstanceID, "workflow_id", g.ID())
	return inst, nil
}

// failInstance marks the instance FAILED. The instance row is returned
// without error: the failure is recorded on the instance itself.
func (e *Engine) failInstance(ctx context.Context, g *workflow.Graph, inst *workflow.Instance, failErr error) (*workflow.Instance, error) {
	inst.Status = workflow.StatusFailed
	inst.ErrorInfo = failErr.Error()
	inst.UpdatedAt = time.Now()
	if err := e.instances.Save(ctx, inst); err != nil {
		return inst, err
	}

	e.metrics.RecordWorkflowCompletion(inst.WorkflowID, workflow.StatusFailed)
	e.publish(ctx, events.NewWorkflowFailed(inst.InstanceID, g.ID(), inst.CurrentStepID, failErr.Error()))
	e.logger.Warn("Workflow failed",
		"instance_id", inst.InstanceID, "step_id", inst.CurrentStepID, "error", failErr)
	return inst, nil
}

// routeFailure finds an Error edge out of the failing step. The error value
// becomes the sink step's input.
func (e *Engine) routeFailure(g *workflow.Graph, stepID string, failErr error) (string, any, bool) {
	for _, edge := range g.Edges(stepID) {
		if edge.Kind == workflow.EdgeError {
			e.logger.Info("Routing failure to error step",
				"from", stepID, "to", edge.To, "error", failErr)
			return edge.To, failErr, true
		}
	}
	return "", nil, false
}

// chooseNext selects the successor for a step result. Edges are stored in
// kind precedence order; a Branch result flips Branch edges ahead of
// Sequential ones. Error edges are never chosen here.
func chooseNext(g *workflow.Graph, from string, kind workflow.ResultKind, payload any, wc *workflow.Context) (string, bool) {
	edges := g.Edges(from)

	kindOrder := []workflow.EdgeKind{workflow.EdgeSequential, workflow.EdgeBranch, workflow.EdgeConditional}
	if kind == workflow.KindBranch {
		kindOrder = []workflow.EdgeKind{workflow.EdgeBranch, workflow.EdgeSequential, workflow.EdgeConditional}
	}

	for _, want := range kindOrder {
		for _, edge := range edges {
			if edge.Kind != want {
				continue
			}
			if edgeMatches(g, edge, payload, wc) {
				return edge.To, true
			}
		}
	}
	return "", false
}

func edgeMatches(g *workflow.Graph, edge workflow.Edge, payload any, wc *workflow.Context) bool {
	switch edge.Kind {
	case workflow.EdgeSequential:
		target, ok := g.Node(edge.To)
		if !ok {
			return false
		}
		return payloadAssignable(payload, target.InputType)
	case workflow.EdgeBranch:
		return payloadAssignable(payload, edge.PayloadType)
	case workflow.EdgeConditional:
		return edge.Condition != nil && edge.Condition(wc)
	default:
		return false
	}
}

// payloadAssignable reports whether a payload can flow into a declared
// type. Untyped targets and nil payloads always match.
func payloadAssignable(payload any, t reflect.Type) bool {
	if t == nil || payload == nil {
		return true
	}
	return reflect.TypeOf(payload).AssignableTo(t)
}
