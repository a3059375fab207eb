// Package workflow provides the domain model for the durable workflow
// engine: the immutable step graph, the closed StepResult variants, the
// per-instance execution state and the per-step policies.
//
// A Graph is built once per (id, version) through either the fluent Builder
// or the declarative Analyzer, registered with the engine, and never mutated
// afterwards. The engine walks it by matching each step's result variant
// against the step's outgoing edges.
package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/driftkit-ai/driftkit-go/pkg/domain/errors"
)

// StepFunc is the executable body of a step.
type StepFunc func(ctx context.Context, input any, wc *Context) (StepResult, error)

// ProgressReporter streams progress from an async handler back into the
// async step state. Percent updates are monotonic; regressions are clamped.
type ProgressReporter interface {
	UpdateProgress(percent int, message string)
}

// AsyncHandlerFunc executes the long-running work behind an Async result.
type AsyncHandlerFunc func(ctx context.Context, args map[string]any, wc *Context, reporter ProgressReporter) (StepResult, error)

// StepNode is one executable node of a workflow graph.
type StepNode struct {
	ID          string
	Description string
	Initial     bool
	// Async marks steps that trigger async work (return an Async result).
	Async      bool
	InputType  reflect.Type
	OutputType reflect.Type
	Run        StepFunc

	Retry           *RetryPolicy
	InvocationLimit int
	OnLimit         LimitAction
	Timeout         time.Duration
}

// AsyncHandler is the worker side of an async step, discovered by task-id
// pattern rather than being a graph node.
type AsyncHandler struct {
	Pattern     string
	Description string
	InputType   reflect.Type
	Run         AsyncHandlerFunc
}

// EdgeKind orders edge evaluation: Sequential < Branch < Conditional < Error.
type EdgeKind int

const (
	EdgeSequential EdgeKind = iota
	EdgeBranch
	EdgeConditional
	EdgeError
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeSequential:
		return "sequential"
	case EdgeBranch:
		return "branch"
	case EdgeConditional:
		return "conditional"
	case EdgeError:
		return "error"
	default:
		return "unknown"
	}
}

// Predicate guards a conditional edge.
type Predicate func(wc *Context) bool

// Edge is a directed relationship between two steps, selected at runtime by
// the producing step's result.
type Edge struct {
	Kind EdgeKind
	From string
	To   string
	// PayloadType restricts a Branch edge to payloads assignable to it.
	PayloadType reflect.Type
	// Condition guards a Conditional edge.
	Condition Predicate
	Label     string
}

// Graph is an immutable workflow definition.
type Graph struct {
	id            string
	version       string
	description   string
	inputType     reflect.Type
	outputType    reflect.Type
	initialStepID string
	nodes         map[string]*StepNode
	edges         map[string][]Edge
	asyncHandlers []*AsyncHandler
}

// ID returns the workflow id.
func (g *Graph) ID() string { return g.id }

// Version returns the workflow version.
func (g *Graph) Version() string { return g.version }

// Description returns the workflow description.
func (g *Graph) Description() string { return g.description }

// InputType returns the type of the initial input.
func (g *Graph) InputType() reflect.Type { return g.inputType }

// OutputType returns the type of the final output.
func (g *Graph) OutputType() reflect.Type { return g.outputType }

// InitialStepID returns the id of the initial step.
func (g *Graph) InitialStepID() string { return g.initialStepID }

// Node returns the step node with the given id.
func (g *Graph) Node(id string) (*StepNode, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// StepIDs returns all step ids in deterministic order.
func (g *Graph) StepIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Edges returns the outgoing edges of a step in evaluation order.
func (g *Graph) Edges(stepID string) []Edge {
	return g.edges[stepID]
}

// AsyncHandlers returns the async handlers in declaration order. The order
// is load-bearing: equally specific task-id patterns resolve to the one
// declared first.
func (g *Graph) AsyncHandlers() []*AsyncHandler {
	return g.asyncHandlers
}

// Fingerprint returns a structural hash used for idempotent registration:
// two graphs with the same id, version, nodes and edge shape share it.
func (g *Graph) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s@%s;init=%s;", g.id, g.version, g.initialStepID)
	for _, id := range g.StepIDs() {
		n := g.nodes[id]
		fmt.Fprintf(h, "node=%s,async=%t,in=%s;", id, n.Async, typeString(n.InputType))
		for _, e := range g.edges[id] {
			fmt.Fprintf(h, "edge=%s->%s,%s,%s;", e.From, e.To, e.Kind, typeString(e.PayloadType))
		}
	}
	for _, handler := range g.asyncHandlers {
		fmt.Fprintf(h, "async=%s;", handler.Pattern)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func typeString(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}

// newGraph assembles and validates a graph; both builder surfaces funnel
// through it so they cannot diverge.
func newGraph(id, version, description string, inputType, outputType reflect.Type, initial string, nodes map[string]*StepNode, edges map[string][]Edge, handlers []*AsyncHandler) (*Graph, error) {
	g := &Graph{
		id:            id,
		version:       version,
		description:   description,
		inputType:     inputType,
		outputType:    outputType,
		initialStepID: initial,
		nodes:         nodes,
		edges:         edges,
		asyncHandlers: handlers,
	}
	if err := g.validate(); err != nil {
		return nil, err
	}
	g.sortEdges()
	return g, nil
}

func (g *Graph) validate() error {
	if g.id == "" {
		return errors.Newf(errors.CodeGraphValidation, "workflow", "workflow id must not be empty")
	}
	if len(g.nodes) == 0 {
		return errors.Newf(errors.CodeGraphValidation, "workflow", "workflow %q has no steps", g.id)
	}
	if g.initialStepID == "" {
		return errors.Newf(errors.CodeGraphValidation, "workflow", "workflow %q has no initial step", g.id)
	}
	if _, ok := g.nodes[g.initialStepID]; !ok {
		return errors.Newf(errors.CodeGraphValidation, "workflow", "initial step %q is not a node of workflow %q", g.initialStepID, g.id)
	}

	initials := 0
	for _, n := range g.nodes {
		if n.Initial {
			initials++
		}
	}
	if initials > 1 {
		return errors.Newf(errors.CodeGraphValidation, "workflow", "workflow %q declares %d initial steps", g.id, initials)
	}

	for from, outgoing := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return errors.Newf(errors.CodeGraphValidation, "workflow", "edge source %q is not a node", from)
		}
		for _, e := range outgoing {
			if _, ok := g.nodes[e.To]; !ok {
				return errors.Newf(errors.CodeGraphValidation, "workflow", "edge %s->%s targets an unknown step", e.From, e.To)
			}
			if e.Kind == EdgeConditional && e.Condition == nil {
				return errors.Newf(errors.CodeGraphValidation, "workflow", "conditional edge %s->%s has no predicate", e.From, e.To)
			}
		}
	}

	for _, h := range g.asyncHandlers {
		if h.Pattern == "" {
			return errors.Newf(errors.CodeGraphValidation, "workflow", "async handler of workflow %q has an empty task-id pattern", g.id)
		}
		if h.Run == nil {
			return errors.Newf(errors.CodeGraphValidation, "workflow", "async handler %q has no function", h.Pattern)
		}
	}
	return nil
}

// sortEdges fixes the evaluation order: kind precedence first, declaration
// order within a kind (SliceStable preserves it).
func (g *Graph) sortEdges() {
	for from := range g.edges {
		edges := g.edges[from]
		sort.SliceStable(edges, func(i, j int) bool {
			return edges[i].Kind < edges[j].Kind
		})
		g.edges[from] = edges
	}
}

// Unreachable returns step ids not reachable from the initial step. The
// builders warn on these rather than failing.
func (g *Graph) Unreachable() []string {
	seen := map[string]bool{g.initialStepID: true}
	queue := []string{g.initialStepID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, e := range g.edges[current] {
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}

	var unreachable []string
	for _, id := range g.StepIDs() {
		if !seen[id] {
			unreachable = append(unreachable, id)
		}
	}
	return unreachable
}
