package workflow

import (
	"reflect"
	"time"
)

// ResultKind tags the variant of a StepResult.
type ResultKind string

const (
	KindContinue ResultKind = "continue"
	KindBranch   ResultKind = "branch"
	KindSuspend  ResultKind = "suspend"
	KindAsync    ResultKind = "async"
	KindFinish   ResultKind = "finish"
	KindFail     ResultKind = "fail"
)

// StepResult is the closed set of outcomes a step can produce. The engine
// routes on the concrete variant; steps construct them through Continue,
// Branch, Suspend, Async, Finish and Fail.
type StepResult interface {
	Kind() ResultKind
}

// ContinueResult carries a value to the next compatible step.
type ContinueResult struct {
	Value any
}

func (ContinueResult) Kind() ResultKind { return KindContinue }

// BranchResult selects a branch edge by the runtime type of its value.
type BranchResult struct {
	Value any
}

func (BranchResult) Kind() ResultKind { return KindBranch }

// SuspendResult yields the workflow to its caller awaiting external input.
type SuspendResult struct {
	// Prompt is an arbitrary payload shown to the user.
	Prompt any
	// NextInputType is the type expected on resume.
	NextInputType reflect.Type
	// MessageID correlates the suspension with a chat response. The engine
	// assigns one when empty.
	MessageID string
}

func (SuspendResult) Kind() ResultKind { return KindSuspend }

// AsyncResult yields the workflow while a registered handler runs the task.
type AsyncResult struct {
	TaskID    string
	Timeout   time.Duration
	TaskArgs  map[string]any
	Immediate map[string]any
}

func (AsyncResult) Kind() ResultKind { return KindAsync }

// FinishResult terminates the workflow with a final value.
type FinishResult struct {
	Value any
}

func (FinishResult) Kind() ResultKind { return KindFinish }

// FailResult reports a step failure; the retry policy may re-run the step.
type FailResult struct {
	Err error
}

func (FailResult) Kind() ResultKind { return KindFail }

// Continue returns a result whose value flows to the next compatible step.
func Continue(value any) StepResult {
	return ContinueResult{Value: value}
}

// Branch returns a result routed by the runtime type of value.
func Branch(value any) StepResult {
	return BranchResult{Value: value}
}

// Suspend yields to the caller with a prompt; nextInput is a prototype value
// of the type expected on resume (nil when any input is acceptable).
func Suspend(prompt any, nextInput any) StepResult {
	var t reflect.Type
	if nextInput != nil {
		t = reflect.TypeOf(nextInput)
	}
	return SuspendResult{Prompt: prompt, NextInputType: t}
}

// SuspendWithMessageID is Suspend with an explicit correlation id.
func SuspendWithMessageID(prompt any, nextInput any, messageID string) StepResult {
	r := Suspend(prompt, nextInput).(SuspendResult)
	r.MessageID = messageID
	return r
}

// Async yields while the coordinator runs the handler matching taskID.
func Async(taskID string, timeout time.Duration, taskArgs, immediate map[string]any) StepResult {
	return AsyncResult{TaskID: taskID, Timeout: timeout, TaskArgs: taskArgs, Immediate: immediate}
}

// Finish terminates the workflow with value.
func Finish(value any) StepResult {
	return FinishResult{Value: value}
}

// Fail reports a step failure.
func Fail(err error) StepResult {
	return FailResult{Err: err}
}
