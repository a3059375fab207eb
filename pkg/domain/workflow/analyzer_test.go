package workflow

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftkit-ai/driftkit-go/pkg/domain/errors"
)

// textPipeline is a declarative three-step chain used across the analyzer
// tests.
type textPipeline struct{}

func (p textPipeline) Define() Definition {
	return Definition{
		ID:      "pipeline",
		Version: "1.0",
		Steps: []StepSpec{
			{Method: "Trim", ID: "trim", Initial: true, NextSteps: []string{"upper"}},
			{Method: "Upper", ID: "upper", NextSteps: []string{"exclaim"}},
			{Method: "Exclaim", ID: "exclaim", Finishes: ""},
		},
	}
}

func (p textPipeline) Trim(ctx context.Context, in string) (StepResult, error) {
	return Continue(strings.TrimSpace(in)), nil
}

func (p textPipeline) Upper(ctx context.Context, in string) (StepResult, error) {
	return Continue(strings.ToUpper(in)), nil
}

func (p textPipeline) Exclaim(ctx context.Context, in string) (StepResult, error) {
	return Finish(in + "!"), nil
}

func TestAnalyzeLinearChain(t *testing.T) {
	g, err := Analyze(textPipeline{})
	require.NoError(t, err)

	assert.Equal(t, "pipeline", g.ID())
	assert.Equal(t, "trim", g.InitialStepID())
	assert.Equal(t, []string{"exclaim", "trim", "upper"}, g.StepIDs())
	assert.Equal(t, "string", g.InputType().String(), "input inferred from the initial step signature")
	assert.Equal(t, "string", g.OutputType().String(), "output taken from Finishes")

	edges := g.Edges("trim")
	require.Len(t, edges, 1)
	assert.Equal(t, EdgeSequential, edges[0].Kind)
	assert.Equal(t, "upper", edges[0].To)
}

func TestAnalyzeMatchesBuilderFingerprint(t *testing.T) {
	declarative, err := Analyze(textPipeline{})
	require.NoError(t, err)

	fluent, err := Define("pipeline", "1.0").
		Then("trim", echoStep, "", "").
		Then("upper", echoStep, "", "").
		Then("exclaim", echoStep, "", "").
		Build()
	require.NoError(t, err)

	assert.Equal(t, fluent.Fingerprint(), declarative.Fingerprint(),
		"both construction surfaces must produce the same structural graph")
}

func TestAnalyzeRunsSteps(t *testing.T) {
	g, err := Analyze(textPipeline{})
	require.NoError(t, err)

	n, ok := g.Node("trim")
	require.True(t, ok)
	result, err := n.Run(context.Background(), "  hi  ", NewContext())
	require.NoError(t, err)
	assert.Equal(t, Continue("hi"), result)
}

// typedRouter exercises payload-type edge inference.
type approval struct{ Amount int }
type rejection struct{ Reason string }

type typedRouter struct{}

func (r typedRouter) Define() Definition {
	return Definition{
		ID:      "router",
		Version: "1.0",
		Steps: []StepSpec{
			{Method: "Decide", Initial: true, Emits: []any{approval{}, rejection{}}},
			{Method: "Approve"},
			{Method: "Reject"},
		},
	}
}

func (r typedRouter) Decide(ctx context.Context, in approval) (StepResult, error) {
	return Branch(in), nil
}

func (r typedRouter) Approve(ctx context.Context, in approval) (StepResult, error) {
	return Finish(in), nil
}

func (r typedRouter) Reject(ctx context.Context, in rejection) (StepResult, error) {
	return Finish(in), nil
}

func TestAnalyzeBranchEdgesFromEmits(t *testing.T) {
	g, err := Analyze(typedRouter{})
	require.NoError(t, err)

	edges := g.Edges("Decide")
	require.Len(t, edges, 2)
	for _, e := range edges {
		assert.Equal(t, EdgeBranch, e.Kind)
	}
	targets := map[string]string{
		edges[0].To: edges[0].PayloadType.Name(),
		edges[1].To: edges[1].PayloadType.Name(),
	}
	assert.Equal(t, "approval", targets["Approve"])
	assert.Equal(t, "rejection", targets["Reject"])
}

// conditionalFork exercises the condition/OnTrue/OnFalse rule.
type conditionalFork struct{}

func (f conditionalFork) Define() Definition {
	return Definition{
		ID:      "fork",
		Version: "1.0",
		Steps: []StepSpec{
			{
				Method: "Check", Initial: true,
				Condition: func(wc *Context) bool { return wc.GetString("mode") == "fast" },
				OnTrue:    "Fast",
				OnFalse:   "Slow",
			},
			{Method: "Fast"},
			{Method: "Slow"},
		},
	}
}

func (f conditionalFork) Check(ctx context.Context) (StepResult, error) { return Continue(nil), nil }
func (f conditionalFork) Fast(ctx context.Context) (StepResult, error)  { return Finish("fast"), nil }
func (f conditionalFork) Slow(ctx context.Context) (StepResult, error)  { return Finish("slow"), nil }

func TestAnalyzeConditionalFork(t *testing.T) {
	g, err := Analyze(conditionalFork{})
	require.NoError(t, err)

	edges := g.Edges("Check")
	require.Len(t, edges, 2)
	assert.Equal(t, "Fast", edges[0].To)
	assert.Equal(t, "Slow", edges[1].To)

	wc := NewContext()
	wc.Set("mode", "fast")
	assert.True(t, edges[0].Condition(wc))
	assert.False(t, edges[1].Condition(wc))
}

// asyncWorkflow exercises async handler discovery.
type asyncWorkflow struct{}

func (w asyncWorkflow) Define() Definition {
	return Definition{
		ID:      "exporter",
		Version: "1.0",
		Steps: []StepSpec{
			{Method: "Start", Initial: true},
		},
		AsyncSteps: []AsyncSpec{
			{Method: "RunExport", TaskIDPattern: "export/**"},
		},
	}
}

func (w asyncWorkflow) Start(ctx context.Context) (StepResult, error) {
	return Async("export/csv/1", 0, nil, nil), nil
}

func (w asyncWorkflow) RunExport(ctx context.Context, args map[string]any, reporter ProgressReporter) (StepResult, error) {
	reporter.UpdateProgress(100, "done")
	return Finish(args["format"]), nil
}

type recordingReporter struct {
	percent int
	message string
}

func (r *recordingReporter) UpdateProgress(percent int, message string) {
	r.percent = percent
	r.message = message
}

func TestAnalyzeAsyncHandlers(t *testing.T) {
	g, err := Analyze(asyncWorkflow{})
	require.NoError(t, err)

	handlers := g.AsyncHandlers()
	require.Len(t, handlers, 1)
	assert.Equal(t, "export/**", handlers[0].Pattern)
	assert.NotContains(t, g.StepIDs(), "RunExport", "handlers are not graph nodes")

	reporter := &recordingReporter{}
	result, err := handlers[0].Run(context.Background(), map[string]any{"format": "csv"}, NewContext(), reporter)
	require.NoError(t, err)
	assert.Equal(t, Finish("csv"), result)
	assert.Equal(t, 100, reporter.percent)
}

// invalid workflows

type noInitial struct{}

func (w noInitial) Define() Definition {
	return Definition{ID: "bad", Version: "1.0", Steps: []StepSpec{{Method: "Only"}}}
}
func (w noInitial) Only(ctx context.Context) (StepResult, error) { return Finish(nil), nil }

type twoInitials struct{}

func (w twoInitials) Define() Definition {
	return Definition{ID: "bad", Version: "1.0", Steps: []StepSpec{
		{Method: "A", Initial: true}, {Method: "B", Initial: true},
	}}
}
func (w twoInitials) A(ctx context.Context) (StepResult, error) { return Finish(nil), nil }
func (w twoInitials) B(ctx context.Context) (StepResult, error) { return Finish(nil), nil }

type doubleRole struct{}

func (w doubleRole) Define() Definition {
	return Definition{
		ID: "bad", Version: "1.0",
		Steps:      []StepSpec{{Method: "Work", Initial: true}},
		AsyncSteps: []AsyncSpec{{Method: "Work", TaskIDPattern: "x/**"}},
	}
}
func (w doubleRole) Work(ctx context.Context) (StepResult, error) { return Finish(nil), nil }

type badSignature struct{}

func (w badSignature) Define() Definition {
	return Definition{ID: "bad", Version: "1.0", Steps: []StepSpec{{Method: "Work", Initial: true}}}
}
func (w badSignature) Work(in string) string { return in }

func TestAnalyzeRejectsInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name string
		wf   Declarative
		want string
	}{
		{"no initial step", noInitial{}, "no initial step"},
		{"multiple initial steps", twoInitials{}, "marked initial"},
		{"step doubling as async handler", doubleRole{}, "both"},
		{"wrong method signature", badSignature{}, "must return"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Analyze(tt.wf)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.CodeGraphValidation))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
