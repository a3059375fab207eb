package async

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/driftkit-ai/driftkit-go/pkg/domain/errors"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/events"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/workflow"
)

// CompletionListener is notified after a task reaches its terminal state
// and the state row has been persisted. The engine uses it to continue the
// suspended run loop.
type CompletionListener func(ctx context.Context, messageID string)

// Config tunes the coordinator.
type Config struct {
	// Workers bounds the number of concurrently running handlers.
	Workers int `json:"workers" yaml:"workers"`
	// DefaultTimeout applies to tasks dispatched without an explicit one.
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`
}

// DefaultConfig returns the default coordinator tuning.
func DefaultConfig() Config {
	return Config{
		Workers:        8,
		DefaultTimeout: 5 * time.Minute,
	}
}

// Task is one unit of async work: the durable state row plus everything the
// handler needs to run.
type Task struct {
	State      *workflow.AsyncStepState
	Handler    *workflow.AsyncHandler
	WorkflowID string
	Context    *workflow.Context
	Timeout    time.Duration
}

// Coordinator owns the async worker pool. Handlers never run on the engine's
// run-loop goroutines, so a saturated pool cannot stall instance progress.
type Coordinator struct {
	cfg       Config
	states    workflow.AsyncStateStore
	publisher *events.Publisher
	logger    *slog.Logger

	sem      chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	listener CompletionListener
}

// NewCoordinator creates a coordinator persisting into states. publisher may
// be nil.
func NewCoordinator(cfg Config, states workflow.AsyncStateStore, publisher *events.Publisher, logger *slog.Logger) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:       cfg,
		states:    states,
		publisher: publisher,
		logger:    logger.With("component", "async_coordinator"),
		sem:       make(chan struct{}, cfg.Workers),
	}
}

// SetCompletionListener installs the completion callback. Must be called
// before the first Dispatch.
func (c *Coordinator) SetCompletionListener(fn CompletionListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = fn
}

// Dispatch enqueues a task. It returns immediately; the handler runs on a
// pool worker once a slot frees up.
func (c *Coordinator) Dispatch(ctx context.Context, task Task) error {
	if task.Handler == nil || task.Handler.Run == nil {
		return errors.Newf(errors.CodeAsyncHandlerMissing, "async",
			"no handler for task %q", task.State.TaskID)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sem <- struct{}{}
		defer func() { <-c.sem }()
		c.run(task)
	}()
	return nil
}

// Wait blocks until all dispatched tasks have finished. Intended for
// shutdown and tests.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) run(task Task) {
	state := task.State
	log := c.logger.With("message_id", state.MessageID, "task_id", state.TaskID, "instance_id", state.InstanceID)

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	reporter := newProgressReporter(state, c.states, c.publisher, task.WorkflowID, log)

	result, err := c.invoke(ctx, task, reporter)
	if err == nil && ctx.Err() != nil {
		err = errors.Newf(errors.CodeStepTimeout, "async",
			"async task %q exceeded its %s timeout", state.TaskID, timeout)
	}

	c.complete(state, result, err, log)
}

// invoke runs the handler on its own goroutine so a timeout can be observed
// even when the handler ignores cancellation.
func (c *Coordinator) invoke(ctx context.Context, task Task, reporter workflow.ProgressReporter) (result workflow.StepResult, err error) {
	type outcome struct {
		result workflow.StepResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: errors.Newf(errors.CodeStepFailed, "async", "async handler panicked: %v", r)}
			}
		}()
		r, e := task.Handler.Run(ctx, task.State.TaskArgs, task.Context, reporter)
		done <- outcome{result: r, err: e}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, errors.Newf(errors.CodeStepTimeout, "async",
			"async task %q cancelled: %v", task.State.TaskID, ctx.Err())
	}
}

// complete persists the terminal state and notifies the listener. Fail
// results and handler errors both land in the error field; everything else
// lands in result data with its variant preserved.
func (c *Coordinator) complete(state *workflow.AsyncStepState, result workflow.StepResult, err error, log *slog.Logger) {
	now := time.Now()
	state.Completed = true
	state.PercentComplete = 100
	state.UpdatedAt = now

	switch {
	case err != nil:
		state.Error = err.Error()
	case result == nil:
		state.Error = "async handler returned no result"
	default:
		switch r := result.(type) {
		case workflow.FailResult:
			state.ResultKind = workflow.KindFail
			state.Error = failMessage(r)
		case workflow.FinishResult:
			state.ResultKind = workflow.KindFinish
			state.ResultData = r.Value
		case workflow.ContinueResult:
			state.ResultKind = workflow.KindContinue
			state.ResultData = r.Value
		case workflow.BranchResult:
			state.ResultKind = workflow.KindBranch
			state.ResultData = r.Value
		default:
			state.Error = fmt.Sprintf("async handler returned unsupported result %q", result.Kind())
		}
	}

	ctx := context.Background()
	if updateErr := c.states.Update(ctx, state); updateErr != nil {
		log.Error("Failed to persist async completion", "error", updateErr)
	}
	if state.Error != "" {
		log.Warn("Async task failed", "error", state.Error)
	} else {
		log.Info("Async task completed")
	}

	c.mu.RLock()
	listener := c.listener
	c.mu.RUnlock()
	if listener != nil {
		listener(ctx, state.MessageID)
	}
}

func failMessage(r workflow.FailResult) string {
	if r.Err == nil {
		return "step reported failure"
	}
	return r.Err.Error()
}
