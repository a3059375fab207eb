package workflow

import (
	"time"
)

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusRunning   Status = "RUNNING"
	StatusSuspended Status = "SUSPENDED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepExecutionRecord is one entry of an instance's execution history.
type StepExecutionRecord struct {
	StepID      string    `json:"step_id"`
	Input       any       `json:"input,omitempty"`
	Output      any       `json:"output,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Attempt     int       `json:"attempt"`
	Error       string    `json:"error,omitempty"`
}

// Instance is the durable, mutable execution state of one workflow run.
// Only the engine mutates it; everything needed to resume on a cold engine
// is persisted after every transition.
type Instance struct {
	InstanceID      string                `json:"instance_id"`
	ChatID          string                `json:"chat_id,omitempty"`
	WorkflowID      string                `json:"workflow_id"`
	WorkflowVersion string                `json:"workflow_version"`
	Status          Status                `json:"status"`
	CurrentStepID   string                `json:"current_step_id,omitempty"`
	History         []StepExecutionRecord `json:"history"`
	ContextValues   map[string]any        `json:"context_values"`
	StepOutputs     map[string]any        `json:"step_outputs"`
	// InvocationCounts tracks per-step invocations for the invocation-limit
	// policy; durable so limits survive restarts.
	InvocationCounts map[string]int `json:"invocation_counts,omitempty"`
	// AsyncMessageID marks an outstanding async step while non-empty.
	AsyncMessageID string    `json:"async_message_id,omitempty"`
	ErrorInfo      string    `json:"error_info,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewInstance creates a CREATED instance for the given graph.
func NewInstance(instanceID, chatID string, g *Graph) *Instance {
	now := time.Now()
	return &Instance{
		InstanceID:       instanceID,
		ChatID:           chatID,
		WorkflowID:       g.ID(),
		WorkflowVersion:  g.Version(),
		Status:           StatusCreated,
		ContextValues:    make(map[string]any),
		StepOutputs:      make(map[string]any),
		InvocationCounts: make(map[string]int),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Context materializes the persisted context maps.
func (i *Instance) Context() *Context {
	return RestoreContext(i.ContextValues, i.StepOutputs)
}

// SyncContext writes the live context back into the persisted maps.
func (i *Instance) SyncContext(c *Context) {
	i.ContextValues, i.StepOutputs = c.Snapshot()
}

// RecordExecution appends a history entry and bumps UpdatedAt.
func (i *Instance) RecordExecution(rec StepExecutionRecord) {
	i.History = append(i.History, rec)
	i.UpdatedAt = time.Now()
}

// LastRecord returns the most recent history entry.
func (i *Instance) LastRecord() (StepExecutionRecord, bool) {
	if len(i.History) == 0 {
		return StepExecutionRecord{}, false
	}
	return i.History[len(i.History)-1], true
}

// LastOutputOf returns the most recent output of the given step.
func (i *Instance) LastOutputOf(stepID string) (any, bool) {
	for n := len(i.History) - 1; n >= 0; n-- {
		if i.History[n].StepID == stepID && i.History[n].Error == "" {
			return i.History[n].Output, true
		}
	}
	return nil, false
}

// SuspensionData is the durable record of an outstanding prompt and the
// expected next-input type. At most one exists per instance; it is deleted
// on resume.
type SuspensionData struct {
	InstanceID string `json:"instance_id"`
	// MessageID is globally unique and doubles as the chat response id.
	MessageID     string    `json:"message_id"`
	PromptToUser  any       `json:"prompt_to_user,omitempty"`
	NextInputName string    `json:"next_input_name,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// AsyncStepState is the durable progress record of one async task, keyed by
// message id. Invariant: Completed implies PercentComplete == 100 and one of
// ResultData or Error set.
type AsyncStepState struct {
	MessageID   string         `json:"message_id"`
	InstanceID  string         `json:"instance_id"`
	StepID      string         `json:"step_id"`
	TaskID      string         `json:"task_id"`
	TaskArgs    map[string]any `json:"task_args,omitempty"`
	InitialData map[string]any `json:"initial_data,omitempty"`
	// Attempt is the 1-based dispatch count. A failed handler requeues the
	// task with the next attempt while the triggering step's retry policy
	// allows.
	Attempt int `json:"attempt"`
	// Timeout is carried so a requeued attempt runs under the same limit.
	Timeout time.Duration `json:"timeout,omitempty"`
	// ResultKind preserves the handler's StepResult variant so the engine can
	// replay it when it consumes the completion.
	ResultKind      ResultKind `json:"result_kind,omitempty"`
	ResultData      any        `json:"result_data,omitempty"`
	PercentComplete int        `json:"percent_complete"`
	StatusMessage   string     `json:"status_message,omitempty"`
	Completed       bool       `json:"completed"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
