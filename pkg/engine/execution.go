package engine

import (
	"sync"
	"time"

	"github.com/driftkit-ai/driftkit-go/pkg/domain/errors"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/workflow"
)

// Execution is the handle returned by Execute and Resume. It completes when
// the instance reaches a terminal state or a partial-terminal one (SUSPENDED
// or RUNNING with outstanding async work).
type Execution struct {
	instanceID string
	done       chan struct{}
	once       sync.Once

	mu       sync.RWMutex
	instance *workflow.Instance
	err      error
}

func newExecution(instanceID string) *Execution {
	return &Execution{instanceID: instanceID, done: make(chan struct{})}
}

// InstanceID returns the id of the instance this execution drives.
func (e *Execution) InstanceID() string { return e.instanceID }

// Done returns a channel closed when the execution settles.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Get blocks until the execution settles or timeout elapses.
func (e *Execution) Get(timeout time.Duration) (*workflow.Instance, error) {
	select {
	case <-e.done:
		e.mu.RLock()
		defer e.mu.RUnlock()
		return e.instance, e.err
	case <-time.After(timeout):
		return nil, errors.Newf(errors.CodeStepTimeout, "engine",
			"execution of instance %q did not settle within %s", e.instanceID, timeout)
	}
}

func (e *Execution) complete(instance *workflow.Instance, err error) {
	e.once.Do(func() {
		e.mu.Lock()
		e.instance = instance
		e.err = err
		e.mu.Unlock()
		close(e.done)
	})
}
