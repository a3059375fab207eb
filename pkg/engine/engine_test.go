package engine

import (
	"context"
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftkit-ai/driftkit-go/pkg/domain/errors"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/schema"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/workflow"
	"github.com/driftkit-ai/driftkit-go/pkg/infrastructure/persistence/memory"
)

type testFixture struct {
	engine      *Engine
	instances   *memory.InstanceStore
	suspensions *memory.SuspensionStore
	asyncStates *memory.AsyncStateStore
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	instances := memory.NewInstanceStore()
	suspensions := memory.NewSuspensionStore()
	asyncStates := memory.NewAsyncStateStore()

	e, err := New(Options{
		Config:      DefaultConfig(),
		Instances:   instances,
		Suspensions: suspensions,
		AsyncStates: asyncStates,
		Schemas:     schema.NewService(testLogger()),
		Logger:      testLogger(),
	})
	require.NoError(t, err)
	return &testFixture{engine: e, instances: instances, suspensions: suspensions, asyncStates: asyncStates}
}

func textPipelineGraph(t *testing.T) *workflow.Graph {
	t.Helper()
	g, err := workflow.Define("text-pipeline", "1.0").
		Then("trim", func(ctx context.Context, input any, wc *workflow.Context) (workflow.StepResult, error) {
			return workflow.Continue(strings.TrimSpace(input.(string))), nil
		}, "", "").
		Then("upper", func(ctx context.Context, input any, wc *workflow.Context) (workflow.StepResult, error) {
			return workflow.Continue(strings.ToUpper(input.(string))), nil
		}, "", "").
		Then("exclaim", func(ctx context.Context, input any, wc *workflow.Context) (workflow.StepResult, error) {
			return workflow.Finish(input.(string) + "!"), nil
		}, "", "").
		Build()
	require.NoError(t, err)
	return g
}

func TestEngineLinearPipeline(t *testing.T) {
	f := newTestFixture(t)
	require.NoError(t, f.engine.Register(textPipelineGraph(t)))

	exec, err := f.engine.Execute(context.Background(), "text-pipeline", "  hi  ", ExecuteOptions{})
	require.NoError(t, err)

	inst, err := exec.Get(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, inst.Status)

	require.Len(t, inst.History, 3)
	order := []string{inst.History[0].StepID, inst.History[1].StepID, inst.History[2].StepID}
	assert.Equal(t, []string{"trim", "upper", "exclaim"}, order)
	assert.Equal(t, "HI!", inst.History[2].Output)
	assert.Equal(t, "HI!", inst.StepOutputs["exclaim"])
	assert.Equal(t, "  hi  ", inst.ContextValues[workflow.TriggerDataKey])
}

func numberGraph(t *testing.T) *workflow.Graph {
	t.Helper()
	g, err := workflow.Define("number-check", "1.0").
		Then("check", func(ctx context.Context, input any, wc *workflow.Context) (workflow.StepResult, error) {
			wc.Set("n", input.(int))
			return workflow.Continue(input), nil
		}, 0, 0).
		Branch(
			func(wc *workflow.Context) bool {
				n, _ := workflow.ValueAs[int](wc, "n")
				return n > 0
			},
			func(sub *workflow.Builder) {
				sub.Then("positive", func(ctx context.Context, input any, wc *workflow.Context) (workflow.StepResult, error) {
					n, _ := workflow.ValueAs[int](wc, "n")
					return workflow.Finish("Positive: " + strconv.Itoa(n)), nil
				}, nil, nil)
			},
			func(sub *workflow.Builder) {
				sub.Then("non-positive", func(ctx context.Context, input any, wc *workflow.Context) (workflow.StepResult, error) {
					n, _ := workflow.ValueAs[int](wc, "n")
					return workflow.Finish("Non-positive: " + strconv.Itoa(n)), nil
				}, nil, nil)
			},
		).
		Build()
	require.NoError(t, err)
	return g
}

func reflectTypeOfError() reflect.Type {
	return reflect.TypeOf((*error)(nil)).Elem()
}

func TestEngineBranchByPredicate(t *testing.T) {
	f := newTestFixture(t)
	require.NoError(t, f.engine.Register(numberGraph(t)))

	tests := []struct {
		input int
		want  string
	}{
		{10, "Positive: 10"},
		{-5, "Non-positive: -5"},
	}
	for _, tt := range tests {
		exec, err := f.engine.Execute(context.Background(), "number-check", tt.input, ExecuteOptions{})
		require.NoError(t, err)
		inst, err := exec.Get(2 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, workflow.StatusCompleted, inst.Status)
		last, ok := inst.LastRecord()
		require.True(t, ok)
		assert.Equal(t, tt.want, last.Output)
	}
}

type selfAssessment struct {
	Level string `json:"level" required:"true"`
}

func assessmentGraph(t *testing.T) *workflow.Graph {
	t.Helper()
	g, err := workflow.Define("assessment", "1.0").
		Then("ask", func(ctx context.Context, input any, wc *workflow.Context) (workflow.StepResult, error) {
			prompt := map[string]any{
				"message": "Please assess",
				"options": []string{"BEGINNER", "INTERMEDIATE", "ADVANCED"},
			}
			return workflow.Suspend(prompt, selfAssessment{}), nil
		}, "", nil).
		Then("evaluate", func(ctx context.Context, input any, wc *workflow.Context) (workflow.StepResult, error) {
			sa := input.(selfAssessment)
			return workflow.Finish(map[string]any{"selfAssessmentLevel": sa.Level}), nil
		}, selfAssessment{}, nil).
		Build()
	require.NoError(t, err)
	return g
}

func TestEngineSuspendAndResume(t *testing.T) {
	f := newTestFixture(t)
	require.NoError(t, f.engine.Register(assessmentGraph(t)))
	ctx := context.Background()

	exec, err := f.engine.Execute(ctx, "assessment", "start", ExecuteOptions{ChatID: "chat-1"})
	require.NoError(t, err)
	inst, err := exec.Get(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusSuspended, inst.Status)
	assert.Equal(t, "ask", inst.CurrentStepID)

	susp, err := f.suspensions.FindByInstanceID(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, "selfAssessment", susp.NextInputName)
	prompt, ok := susp.PromptToUser.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Please assess", prompt["message"])

	found, err := f.engine.FindLatestSuspendedByChatID(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, inst.InstanceID, found.InstanceID)

	// resume with a raw property map; the schema service rehydrates it
	resumed, err := f.engine.Resume(ctx, inst.InstanceID, map[string]string{"level": "INTERMEDIATE"})
	require.NoError(t, err)
	final, err := resumed.Get(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, final.Status)
	last, ok := final.LastRecord()
	require.True(t, ok)
	assert.Equal(t, map[string]any{"selfAssessmentLevel": "INTERMEDIATE"}, last.Output)

	// the suspension row is gone; a second resume is rejected
	_, err = f.suspensions.FindByInstanceID(ctx, inst.InstanceID)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
	_, err = f.engine.Resume(ctx, inst.InstanceID, map[string]string{"level": "BEGINNER"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidResume))
}

type contactInfo struct {
	Email string `json:"email" required:"true"`
}

func interviewGraph(t *testing.T) *workflow.Graph {
	t.Helper()
	g, err := workflow.Define("interview", "1.0").
		Then("ask-level", func(ctx context.Context, input any, wc *workflow.Context) (workflow.StepResult, error) {
			return workflow.Suspend(map[string]any{"message": "Your level?"}, selfAssessment{}), nil
		}, "", nil).
		Then("ask-contact", func(ctx context.Context, input any, wc *workflow.Context) (workflow.StepResult, error) {
			sa := input.(selfAssessment)
			wc.Set("level", sa.Level)
			return workflow.Suspend(map[string]any{"message": "Your email?"}, contactInfo{}), nil
		}, selfAssessment{}, nil).
		Then("summarize", func(ctx context.Context, input any, wc *workflow.Context) (workflow.StepResult, error) {
			ci := input.(contactInfo)
			level, _ := workflow.ValueAs[string](wc, "level")
			return workflow.Finish(map[string]any{"level": level, "email": ci.Email}), nil
		}, contactInfo{}, nil).
		Build()
	require.NoError(t, err)
	return g
}

func TestEngineSuspendsTwiceBeforeFinishing(t *testing.T) {
	f := newTestFixture(t)
	require.NoError(t, f.engine.Register(interviewGraph(t)))
	ctx := context.Background()

	exec, err := f.engine.Execute(ctx, "interview", "start", ExecuteOptions{ChatID: "chat-2"})
	require.NoError(t, err)
	inst, err := exec.Get(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusSuspended, inst.Status)
	assert.Equal(t, "ask-level", inst.CurrentStepID)

	first, err := f.suspensions.FindByInstanceID(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, "selfAssessment", first.NextInputName)

	// first resume lands on the next suspension, not a terminal state
	resumed, err := f.engine.Resume(ctx, inst.InstanceID, map[string]string{"level": "ADVANCED"})
	require.NoError(t, err)
	mid, err := resumed.Get(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusSuspended, mid.Status)
	assert.Equal(t, "ask-contact", mid.CurrentStepID)

	second, err := f.suspensions.FindByInstanceID(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, "contactInfo", second.NextInputName, "suspension row replaced")
	assert.NotEqual(t, first.MessageID, second.MessageID)

	resumed, err = f.engine.Resume(ctx, inst.InstanceID, map[string]string{"email": "dev@example.com"})
	require.NoError(t, err)
	final, err := resumed.Get(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, final.Status)
	last, ok := final.LastRecord()
	require.True(t, ok)
	assert.Equal(t, map[string]any{"level": "ADVANCED", "email": "dev@example.com"}, last.Output)

	_, err = f.suspensions.FindByInstanceID(ctx, inst.InstanceID)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestEngineResumeRequiresSuspended(t *testing.T) {
	f := newTestFixture(t)
	require.NoError(t, f.engine.Register(textPipelineGraph(t)))
	ctx := context.Background()

	exec, err := f.engine.Execute(ctx, "text-pipeline", "  x  ", ExecuteOptions{})
	require.NoError(t, err)
	inst, err := exec.Get(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusCompleted, inst.Status)

	_, err = f.engine.Resume(ctx, inst.InstanceID, "more")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidResume))
}

func asyncGraph(t *testing.T) *workflow.Graph {
	t.Helper()
	g, err := workflow.Define("async-processing", "1.0").
		Then("start", func(ctx context.Context, input any, wc *workflow.Context) (workflow.StepResult, error) {
			return workflow.Async("processDataAsync", 5*time.Second,
				map[string]any{"data": "please process"},
				map[string]any{"status": "Initializing", "progressPercent": 0}), nil
		}, nil, nil).
		MarkAsync().
		WithAsyncHandler("processDataAsync", func(ctx context.Context, args map[string]any, wc *workflow.Context, reporter workflow.ProgressReporter) (workflow.StepResult, error) {
			reporter.UpdateProgress(25, "Analyzing data")
			reporter.UpdateProgress(50, "Processing data")
			reporter.UpdateProgress(75, "Generating results")
			reporter.UpdateProgress(100, "Completed")
			return workflow.Finish(map[string]any{"processed": args["data"]}), nil
		}).
		Build()
	require.NoError(t, err)
	return g
}

func TestEngineAsyncLifecycle(t *testing.T) {
	f := newTestFixture(t)
	require.NoError(t, f.engine.Register(asyncGraph(t)))
	ctx := context.Background()

	exec, err := f.engine.Execute(ctx, "async-processing", "go", ExecuteOptions{})
	require.NoError(t, err)

	inst, err := exec.Get(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, inst.Status, "execution settles with outstanding async work")
	require.NotEmpty(t, inst.AsyncMessageID)
	messageID := inst.AsyncMessageID

	state, err := f.asyncStates.FindByMessageID(ctx, messageID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "Initializing", "progressPercent": 0}, state.InitialData)

	require.Eventually(t, func() bool {
		current, err := f.engine.GetWorkflowInstance(ctx, inst.InstanceID)
		return err == nil && current.Status == workflow.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	final, err := f.engine.GetWorkflowInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Empty(t, final.AsyncMessageID, "marker cleared on consumption")
	assert.Equal(t, map[string]any{"processed": "please process"}, final.StepOutputs["start"])

	state, err = f.asyncStates.FindByMessageID(ctx, messageID)
	require.NoError(t, err)
	assert.True(t, state.Completed)
	assert.Equal(t, 100, state.PercentComplete)
}

func flakyAsyncGraph(t *testing.T, calls *int32, failures int32) *workflow.Graph {
	t.Helper()
	g, err := workflow.Define("flaky-async", "1.0").
		Then("start", func(ctx context.Context, input any, wc *workflow.Context) (workflow.StepResult, error) {
			return workflow.Async("flaky-task", 5*time.Second, map[string]any{"data": "payload"}, nil), nil
		}, nil, nil).
		MarkAsync().
		WithRetryPolicy(&workflow.RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}).
		WithAsyncHandler("flaky-task", func(ctx context.Context, args map[string]any, wc *workflow.Context, reporter workflow.ProgressReporter) (workflow.StepResult, error) {
			n := atomic.AddInt32(calls, 1)
			if n <= failures {
				return nil, assert.AnError
			}
			return workflow.Finish(map[string]any{"data": args["data"], "attempts": int(n)}), nil
		}).
		Build()
	require.NoError(t, err)
	return g
}

func TestEngineAsyncRetryRequeuesFailedHandler(t *testing.T) {
	f := newTestFixture(t)
	var calls int32
	require.NoError(t, f.engine.Register(flakyAsyncGraph(t, &calls, 2)))
	ctx := context.Background()

	exec, err := f.engine.Execute(ctx, "flaky-async", nil, ExecuteOptions{})
	require.NoError(t, err)
	inst, err := exec.Get(2 * time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		current, err := f.engine.GetWorkflowInstance(ctx, inst.InstanceID)
		return err == nil && current.Status == workflow.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "two failures then success")
	final, err := f.engine.GetWorkflowInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"data": "payload", "attempts": 3}, final.StepOutputs["start"])
}

func TestEngineAsyncRetryExhaustionFails(t *testing.T) {
	f := newTestFixture(t)
	var calls int32
	require.NoError(t, f.engine.Register(flakyAsyncGraph(t, &calls, 100)))
	ctx := context.Background()

	exec, err := f.engine.Execute(ctx, "flaky-async", nil, ExecuteOptions{})
	require.NoError(t, err)
	inst, err := exec.Get(2 * time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		current, err := f.engine.GetWorkflowInstance(ctx, inst.InstanceID)
		return err == nil && current.Status == workflow.StatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "retries stop at MaxAttempts")
	final, err := f.engine.GetWorkflowInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Contains(t, final.ErrorInfo, "flaky-task")
}

func TestEngineAsyncEqualSpecificityUsesFirstDeclared(t *testing.T) {
	f := newTestFixture(t)
	var ran atomic.Value
	handlerFor := func(name string) workflow.AsyncHandlerFunc {
		return func(ctx context.Context, args map[string]any, wc *workflow.Context, reporter workflow.ProgressReporter) (workflow.StepResult, error) {
			ran.Store(name)
			return workflow.Finish(name), nil
		}
	}
	g, err := workflow.Define("tie-break", "1.0").
		Then("start", func(ctx context.Context, input any, wc *workflow.Context) (workflow.StepResult, error) {
			return workflow.Async("task/aa", time.Second, nil, nil), nil
		}, nil, nil).
		MarkAsync().
		WithAsyncHandler("task/a*", handlerFor("first")).
		WithAsyncHandler("task/*a", handlerFor("second")).
		Build()
	require.NoError(t, err)
	require.NoError(t, f.engine.Register(g))

	exec, err := f.engine.Execute(context.Background(), "tie-break", nil, ExecuteOptions{})
	require.NoError(t, err)
	inst, err := exec.Get(2 * time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		current, err := f.engine.GetWorkflowInstance(context.Background(), inst.InstanceID)
		return err == nil && current.Status == workflow.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, "first", ran.Load(), "equally specific patterns resolve by declaration order")
}

func TestEngineAsyncHandlerMissing(t *testing.T) {
	f := newTestFixture(t)
	g, err := workflow.Define("orphan-async", "1.0").
		Then("start", func(ctx context.Context, input any, wc *workflow.Context) (workflow.StepResult, error) {
			return workflow.Async("no-such-task", time.Second, nil, nil), nil
		}, nil, nil).
		Build()
	require.NoError(t, err)
	require.NoError(t, f.engine.Register(g))

	exec, err := f.engine.Execute(context.Background(), "orphan-async", nil, ExecuteOptions{})
	require.NoError(t, err)
	inst, err := exec.Get(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, inst.Status)
	assert.Contains(t, inst.ErrorInfo, "no async handler")
}

func TestEngineRegisterIdempotent(t *testing.T) {
	f := newTestFixture(t)
	require.NoError(t, f.engine.Register(textPipelineGraph(t)))
	require.NoError(t, f.engine.Register(textPipelineGraph(t)), "same structure is a no-op")

	different, err := workflow.Define("text-pipeline", "1.0").
		Then("only", func(ctx context.Context, input any, wc *workflow.Context) (workflow.StepResult, error) {
			return workflow.Finish(input), nil
		}, nil, nil).
		Build()
	require.NoError(t, err)

	err = f.engine.Register(different)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeVersionMismatch))
}

func TestEngineNoSuccessorFails(t *testing.T) {
	f := newTestFixture(t)
	g, err := workflow.Define("dead-end", "1.0").
		Then("only", func(ctx context.Context, input any, wc *workflow.Context) (workflow.StepResult, error) {
			return workflow.Continue("onwards"), nil
		}, nil, nil).
		Build()
	require.NoError(t, err)
	require.NoError(t, f.engine.Register(g))

	exec, err := f.engine.Execute(context.Background(), "dead-end", nil, ExecuteOptions{})
	require.NoError(t, err)
	inst, err := exec.Get(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, inst.Status)
	assert.Contains(t, inst.ErrorInfo, "no edge matches")
}

func TestEngineErrorEdgeRouting(t *testing.T) {
	f := newTestFixture(t)
	g, err := workflow.Define("with-recovery", "1.0").
		Then("work", func(ctx context.Context, input any, wc *workflow.Context) (workflow.StepResult, error) {
			return nil, assert.AnError
		}, nil, nil).
		Then("recover", func(ctx context.Context, input any, wc *workflow.Context) (workflow.StepResult, error) {
			failure := input.(error)
			return workflow.Finish("recovered from: " + failure.Error()), nil
		}, reflectTypeOfError(), nil).
		Build()
	require.NoError(t, err)
	require.NoError(t, f.engine.Register(g))

	exec, err := f.engine.Execute(context.Background(), "with-recovery", nil, ExecuteOptions{})
	require.NoError(t, err)
	inst, err := exec.Get(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, inst.Status)
	last, ok := inst.LastRecord()
	require.True(t, ok)
	assert.Contains(t, last.Output, "recovered from:")
}

func TestEngineExecuteUnknownWorkflow(t *testing.T) {
	f := newTestFixture(t)
	_, err := f.engine.Execute(context.Background(), "ghost", nil, ExecuteOptions{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestEngineIntrospection(t *testing.T) {
	f := newTestFixture(t)
	require.NoError(t, f.engine.Register(textPipelineGraph(t)))
	require.NoError(t, f.engine.Register(numberGraph(t)))

	graphs := f.engine.GetRegisteredWorkflows()
	require.Len(t, graphs, 2)
	assert.Equal(t, "number-check", graphs[0].ID())
	assert.Equal(t, "text-pipeline", graphs[1].ID())

	initial, err := f.engine.GetInitialSchema("text-pipeline")
	require.NoError(t, err)
	require.NotNil(t, initial)
	require.Len(t, initial.Properties, 1)
	assert.Equal(t, "string", initial.Properties[0].Type)

	schemas, err := f.engine.GetWorkflowSchemas("text-pipeline")
	require.NoError(t, err)
	assert.Len(t, schemas, 3)
}
