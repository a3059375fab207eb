package async

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftkit-ai/driftkit-go/pkg/domain/workflow"
	"github.com/driftkit-ai/driftkit-go/pkg/infrastructure/persistence/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistryMatching(t *testing.T) {
	reg := NewRegistry()
	wildcard := &workflow.AsyncHandler{Pattern: "*"}
	jobs := &workflow.AsyncHandler{Pattern: "jobs/*"}
	exact := &workflow.AsyncHandler{Pattern: "jobs/export"}
	reg.Register(wildcard)
	reg.Register(jobs)
	reg.Register(exact)

	h, ok := reg.Match("jobs/export")
	require.True(t, ok)
	assert.Same(t, exact, h, "most specific pattern wins")

	h, ok = reg.Match("jobs/import")
	require.True(t, ok)
	assert.Same(t, jobs, h)

	h, ok = reg.Match("anything")
	require.True(t, ok)
	assert.Same(t, wildcard, h)

	empty := NewRegistry()
	_, ok = empty.Match("jobs/export")
	assert.False(t, ok)
}

func TestRegistrySingleStarStopsAtSegment(t *testing.T) {
	reg := NewRegistry()
	flat := &workflow.AsyncHandler{Pattern: "export*"}
	deep := &workflow.AsyncHandler{Pattern: "export/**"}
	reg.Register(flat)
	reg.Register(deep)

	h, ok := reg.Match("export/pdf")
	require.True(t, ok)
	assert.Same(t, deep, h, "a single star does not cross a slash")

	h, ok = reg.Match("export-archive")
	require.True(t, ok)
	assert.Same(t, flat, h)
}

func TestRegistryTieBrokenByRegistrationOrder(t *testing.T) {
	reg := NewRegistry()
	first := &workflow.AsyncHandler{Pattern: "a?c"}
	second := &workflow.AsyncHandler{Pattern: "ab?"}
	reg.Register(first)
	reg.Register(second)

	h, ok := reg.Match("abc")
	require.True(t, ok)
	assert.Same(t, first, h, "equal specificity falls back to registration order")
}

func newTestState(messageID, taskID string) *workflow.AsyncStepState {
	now := time.Now()
	return &workflow.AsyncStepState{
		MessageID: messageID,
		TaskID:    taskID,
		TaskArgs:  map[string]any{"data": "please process"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

type completionRecorder struct {
	mu       sync.Mutex
	messages []string
	done     chan struct{}
}

func newCompletionRecorder(expected int) *completionRecorder {
	return &completionRecorder{done: make(chan struct{}, expected)}
}

func (c *completionRecorder) listen(ctx context.Context, messageID string) {
	c.mu.Lock()
	c.messages = append(c.messages, messageID)
	c.mu.Unlock()
	c.done <- struct{}{}
}

func (c *completionRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async completion")
	}
}

func TestCoordinatorRunsHandlerWithProgress(t *testing.T) {
	states := memory.NewAsyncStateStore()
	coord := NewCoordinator(DefaultConfig(), states, nil, nil)
	recorder := newCompletionRecorder(1)
	coord.SetCompletionListener(recorder.listen)

	handler := &workflow.AsyncHandler{
		Pattern: "processDataAsync",
		Run: func(ctx context.Context, args map[string]any, wc *workflow.Context, reporter workflow.ProgressReporter) (workflow.StepResult, error) {
			reporter.UpdateProgress(25, "Analyzing data")
			reporter.UpdateProgress(50, "Processing data")
			reporter.UpdateProgress(75, "Generating results")
			reporter.UpdateProgress(100, "Completed")
			return workflow.Finish(map[string]any{"processed": args["data"]}), nil
		},
	}

	state := newTestState("msg-1", "processDataAsync")
	ctx := context.Background()
	require.NoError(t, states.Save(ctx, state))
	require.NoError(t, coord.Dispatch(ctx, Task{State: state, Handler: handler, WorkflowID: "wf", Context: workflow.NewContext()}))
	recorder.wait(t)

	final, err := states.FindByMessageID(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, final.Completed)
	assert.Equal(t, 100, final.PercentComplete)
	assert.Equal(t, workflow.KindFinish, final.ResultKind)
	assert.Equal(t, map[string]any{"processed": "please process"}, final.ResultData)
	assert.Empty(t, final.Error)
	assert.Equal(t, []string{"msg-1"}, recorder.messages)
}

func TestCoordinatorRecordsHandlerError(t *testing.T) {
	states := memory.NewAsyncStateStore()
	coord := NewCoordinator(DefaultConfig(), states, nil, nil)
	recorder := newCompletionRecorder(1)
	coord.SetCompletionListener(recorder.listen)

	handler := &workflow.AsyncHandler{
		Pattern: "boom",
		Run: func(ctx context.Context, args map[string]any, wc *workflow.Context, reporter workflow.ProgressReporter) (workflow.StepResult, error) {
			return nil, assert.AnError
		},
	}

	state := newTestState("msg-err", "boom")
	ctx := context.Background()
	require.NoError(t, states.Save(ctx, state))
	require.NoError(t, coord.Dispatch(ctx, Task{State: state, Handler: handler, WorkflowID: "wf", Context: workflow.NewContext()}))
	recorder.wait(t)

	final, err := states.FindByMessageID(ctx, "msg-err")
	require.NoError(t, err)
	assert.True(t, final.Completed)
	assert.Equal(t, 100, final.PercentComplete)
	assert.NotEmpty(t, final.Error)
}

func TestCoordinatorTimesOutSlowHandler(t *testing.T) {
	states := memory.NewAsyncStateStore()
	coord := NewCoordinator(DefaultConfig(), states, nil, nil)
	recorder := newCompletionRecorder(1)
	coord.SetCompletionListener(recorder.listen)

	handler := &workflow.AsyncHandler{
		Pattern: "slow",
		Run: func(ctx context.Context, args map[string]any, wc *workflow.Context, reporter workflow.ProgressReporter) (workflow.StepResult, error) {
			select {
			case <-time.After(5 * time.Second):
				return workflow.Finish("too late"), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	state := newTestState("msg-slow", "slow")
	ctx := context.Background()
	require.NoError(t, states.Save(ctx, state))
	require.NoError(t, coord.Dispatch(ctx, Task{
		State: state, Handler: handler, WorkflowID: "wf",
		Context: workflow.NewContext(), Timeout: 50 * time.Millisecond,
	}))
	recorder.wait(t)

	final, err := states.FindByMessageID(ctx, "msg-slow")
	require.NoError(t, err)
	assert.True(t, final.Completed)
	assert.Contains(t, final.Error, "slow")
}

func TestCoordinatorRecoversPanickingHandler(t *testing.T) {
	states := memory.NewAsyncStateStore()
	coord := NewCoordinator(DefaultConfig(), states, nil, nil)
	recorder := newCompletionRecorder(1)
	coord.SetCompletionListener(recorder.listen)

	handler := &workflow.AsyncHandler{
		Pattern: "panic",
		Run: func(ctx context.Context, args map[string]any, wc *workflow.Context, reporter workflow.ProgressReporter) (workflow.StepResult, error) {
			panic("handler bug")
		},
	}

	state := newTestState("msg-panic", "panic")
	ctx := context.Background()
	require.NoError(t, states.Save(ctx, state))
	require.NoError(t, coord.Dispatch(ctx, Task{State: state, Handler: handler, WorkflowID: "wf", Context: workflow.NewContext()}))
	recorder.wait(t)

	final, err := states.FindByMessageID(ctx, "msg-panic")
	require.NoError(t, err)
	assert.Contains(t, final.Error, "panicked")
}

func TestCoordinatorRejectsMissingHandler(t *testing.T) {
	states := memory.NewAsyncStateStore()
	coord := NewCoordinator(DefaultConfig(), states, nil, nil)

	err := coord.Dispatch(context.Background(), Task{State: newTestState("msg", "nope")})
	assert.Error(t, err)
}

func TestProgressReporterMonotonicClamp(t *testing.T) {
	states := memory.NewAsyncStateStore()
	state := newTestState("msg-clamp", "task")
	ctx := context.Background()
	require.NoError(t, states.Save(ctx, state))

	reporter := newProgressReporter(state, states, nil, "wf", discardLogger())

	reporter.UpdateProgress(60, "ahead")
	reporter.UpdateProgress(30, "regression")
	loaded, err := states.FindByMessageID(ctx, "msg-clamp")
	require.NoError(t, err)
	assert.Equal(t, 60, loaded.PercentComplete, "regressions clamp to previous max")
	assert.Equal(t, "regression", loaded.StatusMessage, "status message is last-writer-wins")

	reporter.UpdateProgress(150, "overflow")
	loaded, err = states.FindByMessageID(ctx, "msg-clamp")
	require.NoError(t, err)
	assert.Equal(t, 100, loaded.PercentComplete)
}
