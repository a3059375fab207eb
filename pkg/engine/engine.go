package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftkit-ai/driftkit-go/pkg/async"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/errors"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/events"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/schema"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/workflow"
)

// Config tunes the engine.
type Config struct {
	// Workers bounds concurrently progressing instances.
	Workers int `json:"workers" yaml:"workers"`
	// CircuitBreaker is shared by all step breakers.
	CircuitBreaker workflow.CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	// Async tunes the coordinator pool.
	Async async.Config `json:"async" yaml:"async"`
}

// DefaultConfig returns the default engine tuning.
func DefaultConfig() Config {
	return Config{
		Workers:        16,
		CircuitBreaker: workflow.DefaultCircuitBreakerConfig(),
		Async:          async.DefaultConfig(),
	}
}

// Options carries the engine's dependencies. Instances, Suspensions and
// AsyncStates are required; everything else defaults sensibly (nil Publisher
// means no events, nil Metrics/Tracer mean no-ops).
type Options struct {
	Config      Config
	Instances   workflow.InstanceStore
	Suspensions workflow.SuspensionStore
	AsyncStates workflow.AsyncStateStore
	Schemas     *schema.Service
	Publisher   *events.Publisher
	Metrics     MetricsCollector
	Tracer      Tracer
	Logger      *slog.Logger
}

// Engine owns the graph registry and drives instances through their run
// loops. One goroutine progresses a given instance at a time; across
// instances work runs on a bounded pool.
type Engine struct {
	cfg         Config
	logger      *slog.Logger
	instances   workflow.InstanceStore
	suspensions workflow.SuspensionStore
	asyncStates workflow.AsyncStateStore
	schemas     *schema.Service
	publisher   *events.Publisher
	coordinator *async.Coordinator
	executor    *Executor
	breakers    *BreakerRegistry
	metrics     MetricsCollector
	// sleep is a seam for tests; backs async requeue delays.
	sleep func(ctx context.Context, d time.Duration) error

	mu           sync.RWMutex
	graphs       map[string]*workflow.Graph
	handlers     map[string]*async.Registry
	fingerprints map[string]string

	locks sync.Map // instanceID -> *sync.Mutex
	sem   chan struct{}
}

// New assembles an engine from its dependencies.
func New(opts Options) (*Engine, error) {
	if opts.Instances == nil || opts.Suspensions == nil || opts.AsyncStates == nil {
		return nil, errors.Newf(errors.CodeMissingParameter, "engine",
			"instance, suspension and async state stores are required")
	}
	if opts.Config.Workers <= 0 {
		opts.Config.Workers = DefaultConfig().Workers
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "workflow_engine")
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	breakers := NewBreakerRegistry(opts.Config.CircuitBreaker)
	e := &Engine{
		cfg:          opts.Config,
		logger:       logger,
		instances:    opts.Instances,
		suspensions:  opts.Suspensions,
		asyncStates:  opts.AsyncStates,
		schemas:      opts.Schemas,
		publisher:    opts.Publisher,
		executor:     NewExecutor(breakers, metrics, opts.Tracer, logger),
		breakers:     breakers,
		metrics:      metrics,
		sleep:        sleepContext,
		graphs:       make(map[string]*workflow.Graph),
		handlers:     make(map[string]*async.Registry),
		fingerprints: make(map[string]string),
		sem:          make(chan struct{}, opts.Config.Workers),
	}
	e.coordinator = async.NewCoordinator(opts.Config.Async, opts.AsyncStates, opts.Publisher, logger)
	e.coordinator.SetCompletionListener(e.onAsyncCompleted)
	return e, nil
}

// Register adds a graph to the registry. Registering the same structure
// twice is a no-op; a same-id graph with differing structure is rejected.
func (e *Engine) Register(g *workflow.Graph) error {
	fp := g.Fingerprint()

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.fingerprints[g.ID()]; ok {
		if existing == fp {
			return nil
		}
		return errors.Newf(errors.CodeVersionMismatch, "engine",
			"workflow %q is already registered with a different structure", g.ID())
	}

	registry := async.NewRegistry()
	for _, h := range g.AsyncHandlers() {
		registry.Register(h)
	}

	e.graphs[g.ID()] = g
	e.handlers[g.ID()] = registry
	e.fingerprints[g.ID()] = fp
	e.logger.Info("Workflow registered", "workflow_id", g.ID(), "version", g.Version())
	return nil
}

// ExecuteOptions are optional identifiers for Execute.
type ExecuteOptions struct {
	// InstanceID defaults to a fresh uuid.
	InstanceID string
	// ChatID correlates the instance with a conversation.
	ChatID string
}

// Execute creates an instance of a registered workflow and starts its run
// loop. The returned Execution settles on the first (partial-)terminal
// state.
func (e *Engine) Execute(ctx context.Context, workflowID string, input any, opts ExecuteOptions) (*Execution, error) {
	g, ok := e.GetWorkflowGraph(workflowID)
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "engine", "workflow %q is not registered", workflowID)
	}

	instanceID := opts.InstanceID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	inst := workflow.NewInstance(instanceID, opts.ChatID, g)
	wc := inst.Context()
	wc.Set(workflow.TriggerDataKey, input)
	inst.SyncContext(wc)
	if err := e.instances.Save(ctx, inst); err != nil {
		return nil, err
	}

	e.publish(ctx, events.NewWorkflowStarted(instanceID, g.ID(), input))
	e.logger.Info("Workflow execution started",
		"workflow_id", g.ID(), "instance_id", instanceID, "chat_id", opts.ChatID)

	exec := newExecution(instanceID)
	e.spawn(ctx, exec, func(runCtx context.Context) (*workflow.Instance, error) {
		return e.runLoop(runCtx, g, inst, g.InitialStepID(), input)
	})
	return exec, nil
}

// Resume continues a SUSPENDED instance, feeding input as the suspending
// step's result. Raw property maps are converted to the declared next-input
// type through the schema service when possible.
func (e *Engine) Resume(ctx context.Context, instanceID string, input any) (*Execution, error) {
	unlock := e.lockInstance(instanceID)
	inst, g, entryStep, converted, err := e.prepareResume(ctx, instanceID, input)
	unlock()
	if err != nil {
		return nil, err
	}

	e.publish(ctx, events.NewWorkflowResumed(instanceID, g.ID(), entryStep))
	e.logger.Info("Workflow resumed", "workflow_id", g.ID(), "instance_id", instanceID, "step_id", entryStep)

	exec := newExecution(instanceID)
	e.spawn(ctx, exec, func(runCtx context.Context) (*workflow.Instance, error) {
		return e.continueFrom(runCtx, g, inst, entryStep, converted)
	})
	return exec, nil
}

// prepareResume validates status, converts the input and clears the
// suspension row. Caller holds the instance lock.
func (e *Engine) prepareResume(ctx context.Context, instanceID string, input any) (*workflow.Instance, *workflow.Graph, string, any, error) {
	inst, err := e.instances.FindByID(ctx, instanceID)
	if err != nil {
		return nil, nil, "", nil, err
	}
	if inst.Status != workflow.StatusSuspended {
		return nil, nil, "", nil, errors.Newf(errors.CodeInvalidResume, "engine",
			"instance %q is %s, only SUSPENDED instances can be resumed", instanceID, inst.Status)
	}
	g, ok := e.GetWorkflowGraph(inst.WorkflowID)
	if !ok {
		return nil, nil, "", nil, errors.Newf(errors.CodeNotFound, "engine",
			"workflow %q of instance %q is not registered", inst.WorkflowID, instanceID)
	}

	susp, err := e.suspensions.FindByInstanceID(ctx, instanceID)
	if err != nil {
		return nil, nil, "", nil, errors.Newf(errors.CodeInvalidResume, "engine",
			"instance %q has no suspension data: %v", instanceID, err)
	}

	converted, err := e.convertResumeInput(susp, input)
	if err != nil {
		return nil, nil, "", nil, err
	}

	if err := e.suspensions.DeleteByInstanceID(ctx, instanceID); err != nil {
		return nil, nil, "", nil, err
	}
	// Mark RUNNING while still under the lock so a concurrent second resume
	// of the same suspension is rejected rather than racing.
	inst.Status = workflow.StatusRunning
	inst.UpdatedAt = time.Now()
	if err := e.instances.Save(ctx, inst); err != nil {
		return nil, nil, "", nil, err
	}
	return inst, g, inst.CurrentStepID, converted, nil
}

// convertResumeInput rehydrates a raw property map into the declared
// next-input type. An unknown schema name falls back to the raw input with
// a warning; a failed conversion rejects the resume.
func (e *Engine) convertResumeInput(susp *workflow.SuspensionData, input any) (any, error) {
	if e.schemas == nil || susp.NextInputName == "" {
		return input, nil
	}
	props, ok := asPropertyMap(input)
	if !ok {
		return input, nil
	}

	t, err := e.schemas.Lookup(susp.NextInputName)
	if err != nil {
		e.logger.Warn("Next-input schema not registered, passing raw input",
			"schema", susp.NextInputName, "instance_id", susp.InstanceID)
		return input, nil
	}

	converted, err := e.schemas.FromPropertiesMap(t, props)
	if err != nil {
		return nil, errors.Newf(errors.CodeInvalidResume, "engine",
			"resume input does not convert to %q: %v", susp.NextInputName, err)
	}
	return converted, nil
}

func asPropertyMap(input any) (map[string]string, bool) {
	switch m := input.(type) {
	case map[string]string:
		return m, true
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, v := range m {
			s, ok := v.(string)
			if !ok {
				return nil, false
			}
			out[k] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// GetWorkflowInstance returns the persisted instance.
func (e *Engine) GetWorkflowInstance(ctx context.Context, instanceID string) (*workflow.Instance, error) {
	return e.instances.FindByID(ctx, instanceID)
}

// FindLatestSuspendedByChatID returns the newest suspended instance of a
// chat.
func (e *Engine) FindLatestSuspendedByChatID(ctx context.Context, chatID string) (*workflow.Instance, error) {
	return e.instances.FindLatestSuspendedByChatID(ctx, chatID)
}

// GetRegisteredWorkflows returns all registered graphs ordered by id.
func (e *Engine) GetRegisteredWorkflows() []*workflow.Graph {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*workflow.Graph, 0, len(e.graphs))
	for _, g := range e.graphs {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// GetWorkflowGraph returns a registered graph by id.
func (e *Engine) GetWorkflowGraph(workflowID string) (*workflow.Graph, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.graphs[workflowID]
	return g, ok
}

// GetInitialSchema returns the schema of a workflow's initial input, nil
// when the workflow is untyped.
func (e *Engine) GetInitialSchema(workflowID string) (*schema.Schema, error) {
	g, ok := e.GetWorkflowGraph(workflowID)
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "engine", "workflow %q is not registered", workflowID)
	}
	if e.schemas == nil || g.InputType() == nil {
		return nil, nil
	}
	return e.schemas.SchemaFor(g.InputType()), nil
}

// GetWorkflowSchemas returns the input schema of every typed step.
func (e *Engine) GetWorkflowSchemas(workflowID string) (map[string]*schema.Schema, error) {
	g, ok := e.GetWorkflowGraph(workflowID)
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "engine", "workflow %q is not registered", workflowID)
	}
	out := make(map[string]*schema.Schema)
	if e.schemas == nil {
		return out, nil
	}
	for _, id := range g.StepIDs() {
		n, _ := g.Node(id)
		if n.InputType != nil {
			out[id] = e.schemas.SchemaFor(n.InputType)
		}
	}
	return out, nil
}

// BreakerStateOf exposes a step's circuit state for introspection.
func (e *Engine) BreakerStateOf(stepID string) BreakerState {
	return e.breakers.StateOf(stepID)
}

// WaitForAsync blocks until all dispatched async tasks finish. Shutdown and
// test helper.
func (e *Engine) WaitForAsync() {
	e.coordinator.Wait()
}

// spawn runs fn on the worker pool under the instance lock.
func (e *Engine) spawn(ctx context.Context, exec *Execution, fn func(ctx context.Context) (*workflow.Instance, error)) {
	runCtx := context.WithoutCancel(ctx)
	go func() {
		e.sem <- struct{}{}
		defer func() { <-e.sem }()
		unlock := e.lockInstance(exec.InstanceID())
		defer unlock()

		inst, err := fn(runCtx)
		exec.complete(inst, err)
	}()
}

func (e *Engine) lockInstance(instanceID string) func() {
	v, _ := e.locks.LoadOrStore(instanceID, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func (e *Engine) publish(ctx context.Context, ev events.DomainEvent) {
	if e.publisher != nil {
		e.publisher.Publish(ctx, ev)
	}
}

func (e *Engine) handlerRegistry(workflowID string) *async.Registry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handlers[workflowID]
}

// onAsyncCompleted is the coordinator's completion callback: it replays the
// handler's result into the suspended run loop.
func (e *Engine) onAsyncCompleted(ctx context.Context, messageID string) {
	state, err := e.asyncStates.FindByMessageID(ctx, messageID)
	if err != nil {
		e.logger.Error("Completed async state not found", "message_id", messageID, "error", err)
		return
	}

	unlock := e.lockInstance(state.InstanceID)
	defer unlock()

	inst, err := e.instances.FindByID(ctx, state.InstanceID)
	if err != nil {
		e.logger.Error("Instance of completed async task not found",
			"message_id", messageID, "instance_id", state.InstanceID, "error", err)
		return
	}
	if inst.AsyncMessageID != messageID || inst.Status.Terminal() {
		e.logger.Warn("Stale async completion ignored",
			"message_id", messageID, "instance_id", state.InstanceID, "status", inst.Status)
		return
	}
	g, ok := e.GetWorkflowGraph(inst.WorkflowID)
	if !ok {
		e.logger.Error("Workflow of completed async task not registered", "workflow_id", inst.WorkflowID)
		return
	}

	inst.AsyncMessageID = ""
	if _, err := e.consumeAsyncResult(ctx, g, inst, state); err != nil {
		e.logger.Error("Failed to continue after async completion",
			"message_id", messageID, "instance_id", state.InstanceID, "error", err)
	}
}
