package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/driftkit-ai/driftkit-go/pkg/domain/errors"
)

// Definition is the declarative description of a workflow type: which
// methods are steps, which are async handlers, and how they route. It is
// the Go rendering of an annotated workflow class.
type Definition struct {
	ID          string
	Version     string
	Description string
	// Input is a prototype of the initial input type (optional; inferred
	// from the initial step's signature when nil).
	Input      any
	Steps      []StepSpec
	AsyncSteps []AsyncSpec
}

// StepSpec declares one step method and its routing hints. Routing rules
// apply in precedence order: NextTypes, NextSteps, Condition, then
// inference from Emits; the first rule that yields any edge wins.
type StepSpec struct {
	// Method names the step method on the workflow value.
	Method string
	// ID overrides the step id (defaults to the method name).
	ID          string
	Description string
	Initial     bool
	// Input overrides the inferred input type with a prototype value.
	Input any
	// Emits lists payload prototypes this step may produce. A single entry
	// infers sequential edges; multiple entries infer branch edges per type.
	Emits []any
	// Finishes declares the Finish payload prototype; the workflow output
	// type is the union of these across steps.
	Finishes any
	// NextTypes routes sequentially to every step accepting one of these
	// payload types.
	NextTypes []any
	// NextSteps routes sequentially to the named steps; unknown targets are
	// dropped with a warning.
	NextSteps []string
	// Condition with OnTrue/OnFalse creates two conditional edges.
	Condition Predicate
	OnTrue    string
	OnFalse   string

	Retry           *RetryPolicy
	InvocationLimit int
	OnLimit         LimitAction
	Timeout         time.Duration
}

// AsyncSpec declares an async handler method. Handlers are not graph nodes;
// they are discovered at runtime by matching a task id against the pattern.
type AsyncSpec struct {
	Method        string
	TaskIDPattern string
	Description   string
	Input         any
}

// Declarative is implemented by workflow types that describe themselves.
type Declarative interface {
	Define() Definition
}

// Analyze builds a graph from a declarative workflow value by reflecting
// its step methods. The result is interchangeable with a Builder graph.
func Analyze(wf Declarative) (*Graph, error) {
	def := wf.Define()
	a := &analyzer{
		def:    def,
		value:  reflect.ValueOf(wf),
		logger: slog.Default().With("component", "workflow_analyzer", "workflow_id", def.ID),
	}
	return a.analyze()
}

type analyzer struct {
	def    Definition
	value  reflect.Value
	logger *slog.Logger
}

type stepInfo struct {
	spec StepSpec
	node *StepNode
}

func (a *analyzer) analyze() (*Graph, error) {
	asyncMethods := make(map[string]bool, len(a.def.AsyncSteps))
	for _, spec := range a.def.AsyncSteps {
		asyncMethods[spec.Method] = true
	}

	nodes := make(map[string]*StepNode)
	edges := make(map[string][]Edge)
	var order []string
	var infos []stepInfo
	initial := ""

	for _, spec := range a.def.Steps {
		if asyncMethods[spec.Method] {
			return nil, errors.Newf(errors.CodeGraphValidation, "workflow",
				"method %q is declared both as a step and as an async handler", spec.Method)
		}

		node, err := a.buildStepNode(spec)
		if err != nil {
			return nil, err
		}
		if _, dup := nodes[node.ID]; dup {
			return nil, errors.Newf(errors.CodeGraphValidation, "workflow", "duplicate step id %q", node.ID)
		}
		nodes[node.ID] = node
		order = append(order, node.ID)
		infos = append(infos, stepInfo{spec: spec, node: node})

		if spec.Initial {
			if initial != "" {
				return nil, errors.Newf(errors.CodeGraphValidation, "workflow",
					"both %q and %q are marked initial", initial, node.ID)
			}
			initial = node.ID
		}
	}
	if initial == "" {
		return nil, errors.Newf(errors.CodeGraphValidation, "workflow",
			"workflow %q declares no initial step", a.def.ID)
	}

	for _, info := range infos {
		a.buildEdges(info, nodes, order, edges)
	}
	addErrorEdges(nodes, edges, order)

	// Handlers keep declaration order; equally specific patterns resolve to
	// the first declared. A duplicate pattern replaces the earlier handler.
	handlers := make([]*AsyncHandler, 0, len(a.def.AsyncSteps))
	for _, spec := range a.def.AsyncSteps {
		h, err := a.buildAsyncHandler(spec)
		if err != nil {
			return nil, err
		}
		replaced := false
		for i, existing := range handlers {
			if existing.Pattern == h.Pattern {
				handlers[i] = h
				replaced = true
				break
			}
		}
		if !replaced {
			handlers = append(handlers, h)
		}
	}

	inputType := typeOf(a.def.Input)
	if inputType == nil {
		inputType = nodes[initial].InputType
	}
	outputType := a.unionOutputType(infos)

	g, err := newGraph(a.def.ID, a.def.Version, a.def.Description, inputType, outputType, initial, nodes, edges, handlers)
	if err != nil {
		return nil, err
	}
	if unreachable := g.Unreachable(); len(unreachable) > 0 {
		a.logger.Warn("Workflow has unreachable steps", "steps", unreachable)
	}
	return g, nil
}

// buildStepNode validates the method signature and wraps it into a StepFunc.
// Accepted shapes, ctx first and (StepResult, error) returned:
//
//	func (w) Step(ctx context.Context) (StepResult, error)
//	func (w) Step(ctx context.Context, in T) (StepResult, error)
//	func (w) Step(ctx context.Context, wc *Context) (StepResult, error)
//	func (w) Step(ctx context.Context, in T, wc *Context) (StepResult, error)
func (a *analyzer) buildStepNode(spec StepSpec) (*StepNode, error) {
	method := a.value.MethodByName(spec.Method)
	if !method.IsValid() {
		return nil, errors.Newf(errors.CodeGraphValidation, "workflow", "step method %q not found", spec.Method)
	}

	mt := method.Type()
	if err := validateStepReturns(spec.Method, mt); err != nil {
		return nil, err
	}
	if mt.NumIn() == 0 || mt.In(0) != contextInterface {
		return nil, errors.Newf(errors.CodeGraphValidation, "workflow",
			"step method %q must take context.Context first", spec.Method)
	}

	inputIdx, wcIdx := -1, -1
	for i := 1; i < mt.NumIn(); i++ {
		switch {
		case mt.In(i) == workflowContextType:
			if wcIdx >= 0 {
				return nil, errors.Newf(errors.CodeGraphValidation, "workflow",
					"step method %q takes the workflow context twice", spec.Method)
			}
			wcIdx = i
		default:
			if inputIdx >= 0 {
				return nil, errors.Newf(errors.CodeGraphValidation, "workflow",
					"step method %q takes more than one data parameter", spec.Method)
			}
			inputIdx = i
		}
	}

	inputType := typeOf(spec.Input)
	if inputType == nil && inputIdx >= 0 {
		inputType = mt.In(inputIdx)
	}

	id := spec.ID
	if id == "" {
		id = spec.Method
	}

	node := &StepNode{
		ID:              id,
		Description:     spec.Description,
		Initial:         spec.Initial,
		InputType:       inputType,
		OutputType:      emitType(spec),
		Run:             reflectiveStepFunc(method, mt, inputIdx, wcIdx),
		Retry:           spec.Retry,
		InvocationLimit: spec.InvocationLimit,
		OnLimit:         spec.OnLimit,
		Timeout:         spec.Timeout,
	}
	return node, nil
}

func emitType(spec StepSpec) reflect.Type {
	if len(spec.Emits) == 1 {
		return typeOf(spec.Emits[0])
	}
	if spec.Finishes != nil {
		return typeOf(spec.Finishes)
	}
	return nil
}

func reflectiveStepFunc(method reflect.Value, mt reflect.Type, inputIdx, wcIdx int) StepFunc {
	return func(ctx context.Context, input any, wc *Context) (StepResult, error) {
		args := make([]reflect.Value, mt.NumIn())
		args[0] = reflect.ValueOf(ctx)
		if wcIdx >= 0 {
			args[wcIdx] = reflect.ValueOf(wc)
		}
		if inputIdx >= 0 {
			v, err := coerceArg(input, mt.In(inputIdx))
			if err != nil {
				return nil, err
			}
			args[inputIdx] = v
		}

		out := method.Call(args)
		var result StepResult
		if !out[0].IsNil() {
			result = out[0].Interface().(StepResult)
		}
		var callErr error
		if !out[1].IsNil() {
			callErr = out[1].Interface().(error)
		}
		return result, callErr
	}
}

func coerceArg(input any, want reflect.Type) (reflect.Value, error) {
	if input == nil {
		return reflect.Zero(want), nil
	}
	v := reflect.ValueOf(input)
	if v.Type().AssignableTo(want) {
		return v, nil
	}
	if v.Type().ConvertibleTo(want) {
		return v.Convert(want), nil
	}
	return reflect.Value{}, errors.Newf(errors.CodeTypeConversionFailed, "workflow",
		"input of type %s is not assignable to %s", v.Type(), want)
}

func validateStepReturns(method string, mt reflect.Type) error {
	if mt.NumOut() != 2 || mt.Out(0) != stepResultInterface || mt.Out(1) != errorInterface {
		return errors.Newf(errors.CodeGraphValidation, "workflow",
			"step method %q must return (workflow.StepResult, error)", method)
	}
	return nil
}

// buildEdges applies the routing precedence for one step: the first rule
// producing any edge wins; error edges are added separately for all steps.
func (a *analyzer) buildEdges(info stepInfo, nodes map[string]*StepNode, order []string, edges map[string][]Edge) {
	from := info.node.ID
	spec := info.spec

	// (a) declared payload types
	if len(spec.NextTypes) > 0 {
		for _, proto := range spec.NextTypes {
			payload := typeOf(proto)
			for _, id := range order {
				if id != from && accepts(nodes[id].InputType, payload) {
					edges[from] = append(edges[from], Edge{Kind: EdgeSequential, From: from, To: id})
				}
			}
		}
		if len(edges[from]) > 0 {
			return
		}
	}

	// (b) named targets
	if len(spec.NextSteps) > 0 {
		added := false
		for _, target := range spec.NextSteps {
			if _, ok := nodes[target]; !ok {
				a.logger.Warn("Dropping unknown next step", "from", from, "to", target)
				continue
			}
			edges[from] = append(edges[from], Edge{Kind: EdgeSequential, From: from, To: target})
			added = true
		}
		if added {
			return
		}
	}

	// (c) boolean condition fork
	if spec.Condition != nil && spec.OnTrue != "" && spec.OnFalse != "" {
		pred := spec.Condition
		edges[from] = append(edges[from],
			Edge{Kind: EdgeConditional, From: from, To: spec.OnTrue, Condition: pred, Label: "onTrue"},
			Edge{Kind: EdgeConditional, From: from, To: spec.OnFalse,
				Condition: func(wc *Context) bool { return !pred(wc) }, Label: "onFalse"},
		)
		return
	}

	// (d) inferred from declared emissions
	if len(spec.Emits) == 1 {
		payload := typeOf(spec.Emits[0])
		for _, id := range order {
			if id != from && accepts(nodes[id].InputType, payload) {
				edges[from] = append(edges[from], Edge{Kind: EdgeSequential, From: from, To: id})
			}
		}
		return
	}
	for _, proto := range spec.Emits {
		payload := typeOf(proto)
		for _, id := range order {
			if id != from && accepts(nodes[id].InputType, payload) {
				edges[from] = append(edges[from], Edge{Kind: EdgeBranch, From: from, To: id, PayloadType: payload})
			}
		}
	}
}

// accepts reports whether a step input type can take a payload of type t.
func accepts(input, t reflect.Type) bool {
	if input == nil || t == nil {
		return false
	}
	return t.AssignableTo(input)
}

// unionOutputType is the workflow output: the single Finish type when all
// finishing steps agree, the empty interface otherwise.
func (a *analyzer) unionOutputType(infos []stepInfo) reflect.Type {
	var out reflect.Type
	for _, info := range infos {
		if info.spec.Finishes == nil {
			continue
		}
		t := typeOf(info.spec.Finishes)
		if out == nil {
			out = t
			continue
		}
		if out != t {
			return anyInterface
		}
	}
	return out
}

// buildAsyncHandler validates and wraps an async handler method. Accepted
// shapes, ctx and args first:
//
//	func (w) Handle(ctx context.Context, args map[string]any, ...) (StepResult, error)
//
// with optional *Context and ProgressReporter parameters in any order.
func (a *analyzer) buildAsyncHandler(spec AsyncSpec) (*AsyncHandler, error) {
	if spec.TaskIDPattern == "" {
		return nil, errors.Newf(errors.CodeGraphValidation, "workflow",
			"async handler %q has an empty task-id pattern", spec.Method)
	}
	method := a.value.MethodByName(spec.Method)
	if !method.IsValid() {
		return nil, errors.Newf(errors.CodeGraphValidation, "workflow", "async handler method %q not found", spec.Method)
	}

	mt := method.Type()
	if err := validateStepReturns(spec.Method, mt); err != nil {
		return nil, err
	}
	if mt.NumIn() < 2 || mt.In(0) != contextInterface || mt.In(1) != taskArgsType {
		return nil, errors.Newf(errors.CodeGraphValidation, "workflow",
			"async handler %q must take (context.Context, map[string]any, ...)", spec.Method)
	}

	wcIdx, reporterIdx := -1, -1
	for i := 2; i < mt.NumIn(); i++ {
		switch mt.In(i) {
		case workflowContextType:
			wcIdx = i
		case progressReporterInterface:
			reporterIdx = i
		default:
			return nil, errors.Newf(errors.CodeGraphValidation, "workflow",
				"async handler %q has unsupported parameter %s", spec.Method, mt.In(i))
		}
	}

	run := func(ctx context.Context, args map[string]any, wc *Context, reporter ProgressReporter) (StepResult, error) {
		callArgs := make([]reflect.Value, mt.NumIn())
		callArgs[0] = reflect.ValueOf(ctx)
		if args == nil {
			args = map[string]any{}
		}
		callArgs[1] = reflect.ValueOf(args)
		if wcIdx >= 0 {
			callArgs[wcIdx] = reflect.ValueOf(wc)
		}
		if reporterIdx >= 0 {
			callArgs[reporterIdx] = reflect.ValueOf(reporter)
		}

		out := method.Call(callArgs)
		var result StepResult
		if !out[0].IsNil() {
			result = out[0].Interface().(StepResult)
		}
		var callErr error
		if !out[1].IsNil() {
			callErr = out[1].Interface().(error)
		}
		return result, callErr
	}

	return &AsyncHandler{
		Pattern:     spec.TaskIDPattern,
		Description: spec.Description,
		InputType:   typeOf(spec.Input),
		Run:         run,
	}, nil
}

var (
	contextInterface          = reflect.TypeOf((*context.Context)(nil)).Elem()
	stepResultInterface       = reflect.TypeOf((*StepResult)(nil)).Elem()
	workflowContextType       = reflect.TypeOf((*Context)(nil))
	progressReporterInterface = reflect.TypeOf((*ProgressReporter)(nil)).Elem()
	taskArgsType              = reflect.TypeOf(map[string]any{})
	anyInterface              = reflect.TypeOf((*any)(nil)).Elem()
)

// String renders a short human-readable summary, useful in logs.
func (g *Graph) String() string {
	return fmt.Sprintf("workflow %s@%s (%d steps, initial %s)", g.id, g.version, len(g.nodes), g.initialStepID)
}
