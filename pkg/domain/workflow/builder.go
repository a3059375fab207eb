package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/driftkit-ai/driftkit-go/pkg/domain/errors"
)

// Builder is the fluent surface for constructing workflow graphs. Graphs
// built here are indistinguishable from analyzer-built ones; both funnel
// through the same validation.
//
//	g, err := workflow.Define("pipeline", "1.0").
//		Then("trim", trimFn, "", "").
//		Then("upper", upperFn, "", "").
//		Build()
type Builder struct {
	id          string
	version     string
	description string
	inputType   reflect.Type
	outputType  reflect.Type
	initial     string
	order       []string
	nodes       map[string]*StepNode
	edges       map[string][]Edge
	handlers    []*AsyncHandler
	last        string
	branchSeq   int
	errs        []error
	logger      *slog.Logger
}

// Define starts a new workflow builder for (id, version).
func Define(id, version string) *Builder {
	return &Builder{
		id:      id,
		version: version,
		nodes:   make(map[string]*StepNode),
		edges:   make(map[string][]Edge),
		logger:  slog.Default().With("component", "workflow_builder", "workflow_id", id),
	}
}

// Description sets the workflow description.
func (b *Builder) Description(d string) *Builder {
	b.description = d
	return b
}

// Input declares the initial input type from a prototype value.
func (b *Builder) Input(prototype any) *Builder {
	b.inputType = reflect.TypeOf(prototype)
	return b
}

// Output declares the final output type from a prototype value.
func (b *Builder) Output(prototype any) *Builder {
	b.outputType = reflect.TypeOf(prototype)
	return b
}

// Then appends a step and links it sequentially after the previous one.
// An empty id is generated from the declaration position. The in and out
// prototypes declare the step's types; nil means untyped.
func (b *Builder) Then(id string, fn StepFunc, in, out any) *Builder {
	if id == "" {
		id = fmt.Sprintf("step-%d", len(b.order)+1)
	}
	node := &StepNode{
		ID:        id,
		Run:       fn,
		InputType: typeOf(in),
	}
	node.OutputType = typeOf(out)
	b.addNode(node)

	if b.last != "" {
		b.edges[b.last] = append(b.edges[b.last], Edge{Kind: EdgeSequential, From: b.last, To: id})
	}
	b.last = id
	return b
}

// Branch inserts a synthetic decision node after the current step and two
// conditional edges into sub-graphs built by onTrue and onFalse. The
// decision node passes its input through untouched.
func (b *Builder) Branch(predicate Predicate, onTrue, onFalse func(sub *Builder)) *Builder {
	b.branchSeq++
	decisionID := fmt.Sprintf("branch-%d", b.branchSeq)

	decision := &StepNode{
		ID: decisionID,
		Run: func(ctx context.Context, input any, wc *Context) (StepResult, error) {
			return Continue(input), nil
		},
	}
	b.addNode(decision)
	if b.last != "" {
		b.edges[b.last] = append(b.edges[b.last], Edge{Kind: EdgeSequential, From: b.last, To: decisionID})
	}

	trueHead := b.subChain(onTrue)
	falseHead := b.subChain(onFalse)

	if trueHead != "" {
		b.edges[decisionID] = append(b.edges[decisionID], Edge{
			Kind: EdgeConditional, From: decisionID, To: trueHead,
			Condition: predicate, Label: "onTrue",
		})
	}
	if falseHead != "" {
		b.edges[decisionID] = append(b.edges[decisionID], Edge{
			Kind: EdgeConditional, From: decisionID, To: falseHead,
			Condition: func(wc *Context) bool { return !predicate(wc) }, Label: "onFalse",
		})
	}

	b.last = decisionID
	return b
}

// subChain runs build against a child builder sharing this builder's node
// and edge maps, returning the first step the child declared.
func (b *Builder) subChain(build func(sub *Builder)) string {
	if build == nil {
		return ""
	}
	child := &Builder{
		id:      b.id,
		version: b.version,
		nodes:   b.nodes,
		edges:   b.edges,
		logger:  b.logger,
	}
	markerLen := len(b.order)
	child.order = b.order
	child.handlers = b.handlers
	build(child)
	b.order = child.order
	b.handlers = child.handlers
	b.branchSeq += child.branchSeq
	b.errs = append(b.errs, child.errs...)

	if len(b.order) > markerLen {
		return b.order[markerLen]
	}
	return ""
}

// BranchTo adds an explicit branch edge from the current step, taken when
// the step's Branch result payload is assignable to the prototype's type.
func (b *Builder) BranchTo(targetID string, payloadPrototype any) *Builder {
	if b.last == "" {
		b.errs = append(b.errs, errors.Newf(errors.CodeGraphValidation, "workflow", "BranchTo before any step"))
		return b
	}
	b.edges[b.last] = append(b.edges[b.last], Edge{
		Kind: EdgeBranch, From: b.last, To: targetID, PayloadType: typeOf(payloadPrototype),
	})
	return b
}

// EdgeTo adds an explicit sequential edge from the current step.
func (b *Builder) EdgeTo(targetID string) *Builder {
	if b.last == "" {
		b.errs = append(b.errs, errors.Newf(errors.CodeGraphValidation, "workflow", "EdgeTo before any step"))
		return b
	}
	b.edges[b.last] = append(b.edges[b.last], Edge{Kind: EdgeSequential, From: b.last, To: targetID})
	return b
}

// WithAsyncHandler registers an async handler under a task-id glob pattern.
// Declaration order is kept: equally specific patterns resolve to the first
// declared. A duplicate pattern replaces the earlier handler in place.
func (b *Builder) WithAsyncHandler(pattern string, fn AsyncHandlerFunc) *Builder {
	handler := &AsyncHandler{Pattern: pattern, Run: fn}
	for i, h := range b.handlers {
		if h.Pattern == pattern {
			b.handlers[i] = handler
			return b
		}
	}
	b.handlers = append(b.handlers, handler)
	return b
}

// WithRetryPolicy attaches a retry policy to the most recent step.
func (b *Builder) WithRetryPolicy(policy *RetryPolicy) *Builder {
	if n := b.lastNode(); n != nil {
		n.Retry = policy
	}
	return b
}

// WithInvocationLimit caps per-instance invocations of the most recent step.
func (b *Builder) WithInvocationLimit(limit int, action LimitAction) *Builder {
	if n := b.lastNode(); n != nil {
		n.InvocationLimit = limit
		n.OnLimit = action
	}
	return b
}

// WithTimeout attaches an execution timeout to the most recent step.
func (b *Builder) WithTimeout(d time.Duration) *Builder {
	if n := b.lastNode(); n != nil {
		n.Timeout = d
	}
	return b
}

// WithStepDescription sets the description of the most recent step.
func (b *Builder) WithStepDescription(d string) *Builder {
	if n := b.lastNode(); n != nil {
		n.Description = d
	}
	return b
}

// MarkAsync flags the most recent step as an async trigger.
func (b *Builder) MarkAsync() *Builder {
	if n := b.lastNode(); n != nil {
		n.Async = true
	}
	return b
}

func (b *Builder) lastNode() *StepNode {
	if b.last == "" {
		b.errs = append(b.errs, errors.Newf(errors.CodeGraphValidation, "workflow", "policy declared before any step"))
		return nil
	}
	return b.nodes[b.last]
}

func (b *Builder) addNode(node *StepNode) {
	if _, exists := b.nodes[node.ID]; exists {
		b.errs = append(b.errs, errors.Newf(errors.CodeGraphValidation, "workflow", "duplicate step id %q", node.ID))
		return
	}
	b.nodes[node.ID] = node
	b.order = append(b.order, node.ID)
}

// Build validates and returns the immutable graph. The first declared step
// is the initial step unless one was marked explicitly.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if len(b.order) == 0 {
		return nil, errors.Newf(errors.CodeGraphValidation, "workflow", "workflow %q has no steps", b.id)
	}

	initial := b.initial
	if initial == "" {
		initial = b.order[0]
	}
	if n, ok := b.nodes[initial]; ok {
		n.Initial = true
	}

	if b.inputType == nil {
		if n, ok := b.nodes[initial]; ok {
			b.inputType = n.InputType
		}
	}

	addErrorEdges(b.nodes, b.edges, b.order)

	g, err := newGraph(b.id, b.version, b.description, b.inputType, b.outputType, initial, b.nodes, b.edges, b.handlers)
	if err != nil {
		return nil, err
	}
	if unreachable := g.Unreachable(); len(unreachable) > 0 {
		b.logger.Warn("Workflow has unreachable steps", "steps", unreachable)
	}
	return g, nil
}

// addErrorEdges wires an Error edge from every step to each step whose
// declared input type accepts an error value.
func addErrorEdges(nodes map[string]*StepNode, edges map[string][]Edge, order []string) {
	var sinks []string
	for _, id := range order {
		n := nodes[id]
		if n.InputType != nil && n.InputType.Implements(errorInterface) || n.InputType == errorInterface {
			sinks = append(sinks, id)
		}
	}
	for _, from := range order {
		for _, sink := range sinks {
			if from == sink {
				continue
			}
			edges[from] = append(edges[from], Edge{Kind: EdgeError, From: from, To: sink})
		}
	}
}

var errorInterface = reflect.TypeOf((*error)(nil)).Elem()

func typeOf(prototype any) reflect.Type {
	if prototype == nil {
		return nil
	}
	if t, ok := prototype.(reflect.Type); ok {
		return t
	}
	return reflect.TypeOf(prototype)
}
