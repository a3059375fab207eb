// Package async runs workflow async handlers on a bounded worker pool and
// streams their progress back into durable async step state. The engine
// dispatches tasks here when a step yields an Async result and is notified
// when the handler finishes.
package async

import (
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/driftkit-ai/driftkit-go/pkg/domain/workflow"
)

// Registry resolves task ids to handlers by glob pattern. Task ids are
// path-like: a single star matches within one slash-separated segment and
// a double star spans segments, so "export/*" matches "export/pdf" but
// "export*" does not. When several patterns match, the one with the most
// literal (non-wildcard) characters wins; ties fall back to registration
// order.
type Registry struct {
	mu      sync.RWMutex
	entries []registryEntry
}

type registryEntry struct {
	pattern     string
	specificity int
	handler     *workflow.AsyncHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a handler under its pattern. A duplicate pattern replaces
// the earlier handler.
func (r *Registry) Register(handler *workflow.AsyncHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.pattern == handler.Pattern {
			r.entries[i].handler = handler
			return
		}
	}
	r.entries = append(r.entries, registryEntry{
		pattern:     handler.Pattern,
		specificity: specificity(handler.Pattern),
		handler:     handler,
	})
}

// Match returns the handler for a task id, or false when no pattern matches.
func (r *Registry) Match(taskID string) (*workflow.AsyncHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *registryEntry
	for i := range r.entries {
		e := &r.entries[i]
		ok, err := doublestar.Match(e.pattern, taskID)
		if err != nil || !ok {
			continue
		}
		if best == nil || e.specificity > best.specificity {
			best = e
		}
	}
	if best == nil {
		return nil, false
	}
	return best.handler, true
}

// specificity counts the literal characters of a pattern; wildcards and
// meta characters do not count.
func specificity(pattern string) int {
	n := 0
	for _, r := range pattern {
		switch r {
		case '*', '?', '[', ']', '{', '}':
		default:
			n++
		}
	}
	return n
}
