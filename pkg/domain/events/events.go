// Package events defines the workflow lifecycle events and the in-process
// publisher that fans them out to subscribed handlers. The engine publishes
// on every instance transition; subscribers observe, they never steer.
package events

import (
	"time"

	"github.com/google/uuid"
)

// DomainEvent is implemented by every workflow lifecycle event.
type DomainEvent interface {
	EventID() string
	OccurredAt() time.Time
	InstanceID() string
	EventType() string
}

// BaseEvent carries the fields shared by all events.
type BaseEvent struct {
	ID         string    `json:"event_id"`
	Timestamp  time.Time `json:"occurred_at"`
	Instance   string    `json:"instance_id"`
	WorkflowID string    `json:"workflow_id"`
}

func newBaseEvent(instanceID, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Timestamp:  time.Now(),
		Instance:   instanceID,
		WorkflowID: workflowID,
	}
}

func (e BaseEvent) EventID() string       { return e.ID }
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }
func (e BaseEvent) InstanceID() string    { return e.Instance }

// WorkflowStarted fires when an instance enters RUNNING for the first time.
type WorkflowStarted struct {
	BaseEvent
	TriggerData any `json:"trigger_data,omitempty"`
}

func (WorkflowStarted) EventType() string { return "workflow.started" }

// NewWorkflowStarted creates a WorkflowStarted event.
func NewWorkflowStarted(instanceID, workflowID string, triggerData any) WorkflowStarted {
	return WorkflowStarted{BaseEvent: newBaseEvent(instanceID, workflowID), TriggerData: triggerData}
}

// WorkflowSuspended fires when an instance suspends awaiting user input.
type WorkflowSuspended struct {
	BaseEvent
	StepID    string `json:"step_id"`
	MessageID string `json:"message_id"`
}

func (WorkflowSuspended) EventType() string { return "workflow.suspended" }

// NewWorkflowSuspended creates a WorkflowSuspended event.
func NewWorkflowSuspended(instanceID, workflowID, stepID, messageID string) WorkflowSuspended {
	return WorkflowSuspended{BaseEvent: newBaseEvent(instanceID, workflowID), StepID: stepID, MessageID: messageID}
}

// WorkflowResumed fires when a suspended instance receives input and
// re-enters RUNNING.
type WorkflowResumed struct {
	BaseEvent
	StepID string `json:"step_id"`
}

func (WorkflowResumed) EventType() string { return "workflow.resumed" }

// NewWorkflowResumed creates a WorkflowResumed event.
func NewWorkflowResumed(instanceID, workflowID, stepID string) WorkflowResumed {
	return WorkflowResumed{BaseEvent: newBaseEvent(instanceID, workflowID), StepID: stepID}
}

// StepCompleted fires after each successful step execution.
type StepCompleted struct {
	BaseEvent
	StepID   string        `json:"step_id"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration"`
}

func (StepCompleted) EventType() string { return "workflow.step.completed" }

// NewStepCompleted creates a StepCompleted event.
func NewStepCompleted(instanceID, workflowID, stepID string, attempt int, duration time.Duration) StepCompleted {
	return StepCompleted{BaseEvent: newBaseEvent(instanceID, workflowID), StepID: stepID, Attempt: attempt, Duration: duration}
}

// AsyncProgress fires on each progress update of an async task.
type AsyncProgress struct {
	BaseEvent
	MessageID       string `json:"message_id"`
	TaskID          string `json:"task_id"`
	PercentComplete int    `json:"percent_complete"`
	StatusMessage   string `json:"status_message,omitempty"`
}

func (AsyncProgress) EventType() string { return "workflow.async.progress" }

// NewAsyncProgress creates an AsyncProgress event.
func NewAsyncProgress(instanceID, workflowID, messageID, taskID string, percent int, message string) AsyncProgress {
	return AsyncProgress{
		BaseEvent:       newBaseEvent(instanceID, workflowID),
		MessageID:       messageID,
		TaskID:          taskID,
		PercentComplete: percent,
		StatusMessage:   message,
	}
}

// WorkflowCompleted fires when an instance reaches COMPLETED.
type WorkflowCompleted struct {
	BaseEvent
	Result any `json:"result,omitempty"`
}

func (WorkflowCompleted) EventType() string { return "workflow.completed" }

// NewWorkflowCompleted creates a WorkflowCompleted event.
func NewWorkflowCompleted(instanceID, workflowID string, result any) WorkflowCompleted {
	return WorkflowCompleted{BaseEvent: newBaseEvent(instanceID, workflowID), Result: result}
}

// WorkflowFailed fires when an instance reaches FAILED.
type WorkflowFailed struct {
	BaseEvent
	StepID string `json:"step_id,omitempty"`
	Reason string `json:"reason"`
}

func (WorkflowFailed) EventType() string { return "workflow.failed" }

// NewWorkflowFailed creates a WorkflowFailed event.
func NewWorkflowFailed(instanceID, workflowID, stepID, reason string) WorkflowFailed {
	return WorkflowFailed{BaseEvent: newBaseEvent(instanceID, workflowID), StepID: stepID, Reason: reason}
}
