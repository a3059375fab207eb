package workflow

import (
	"sync"
)

// TriggerDataKey is the context key the engine seeds with the execute input.
const TriggerDataKey = "triggerData"

// Context is the per-instance key/value bag and typed step-output store
// passed to every step. It is a capability handed to step functions, not a
// global; all methods are safe for concurrent use.
type Context struct {
	mu      sync.RWMutex
	values  map[string]any
	outputs map[string]any
}

// NewContext creates an empty workflow context.
func NewContext() *Context {
	return &Context{
		values:  make(map[string]any),
		outputs: make(map[string]any),
	}
}

// Set stores a value under key.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Get returns the value stored under key.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// GetString returns the string stored under key, or "" when absent or not a
// string.
func (c *Context) GetString(key string) string {
	v, ok := c.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// TriggerData returns the input the workflow was executed with.
func (c *Context) TriggerData() any {
	v, _ := c.Get(TriggerDataKey)
	return v
}

// SetStepOutput records the output produced by a step.
func (c *Context) SetStepOutput(stepID string, output any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[stepID] = output
}

// StepOutput returns the recorded output of a step.
func (c *Context) StepOutput(stepID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.outputs[stepID]
	return v, ok
}

// Snapshot copies the context into plain maps for persistence.
func (c *Context) Snapshot() (values map[string]any, outputs map[string]any) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	values = make(map[string]any, len(c.values))
	for k, v := range c.values {
		values[k] = v
	}
	outputs = make(map[string]any, len(c.outputs))
	for k, v := range c.outputs {
		outputs[k] = v
	}
	return values, outputs
}

// RestoreContext rebuilds a context from persisted maps.
func RestoreContext(values, outputs map[string]any) *Context {
	c := NewContext()
	for k, v := range values {
		c.values[k] = v
	}
	for k, v := range outputs {
		c.outputs[k] = v
	}
	return c
}

// StepOutputAs looks up a step output and asserts it to T, the typed
// retrieval surface steps use to read predecessor results.
func StepOutputAs[T any](c *Context, stepID string) (T, bool) {
	var zero T
	v, ok := c.StepOutput(stepID)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// ValueAs looks up a context value and asserts it to T.
func ValueAs[T any](c *Context, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
