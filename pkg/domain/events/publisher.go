package events

import (
	"context"
	"log/slog"
	"sync"
)

// Handler consumes domain events. Handlers must not block; slow work should
// go through PublishAsync.
type Handler interface {
	Handle(ctx context.Context, event DomainEvent) error
	EventTypes() []string
}

// HandlerFunc adapts a function to the Handler interface for the given
// event types (empty means all).
type HandlerFunc struct {
	Fn    func(ctx context.Context, event DomainEvent) error
	Types []string
}

func (h HandlerFunc) Handle(ctx context.Context, event DomainEvent) error { return h.Fn(ctx, event) }
func (h HandlerFunc) EventTypes() []string                                { return h.Types }

// Publisher fans events out to subscribed handlers in process. Handler
// errors are logged and swallowed so observation can never fail a workflow.
type Publisher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *slog.Logger
}

// NewPublisher creates an empty publisher.
func NewPublisher(logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		handlers: make(map[string][]Handler),
		logger:   logger.With("component", "event_publisher"),
	}
}

// Subscribe registers a handler for its declared event types; an empty
// EventTypes list subscribes it to everything.
func (p *Publisher) Subscribe(handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	types := handler.EventTypes()
	if len(types) == 0 {
		types = []string{"*"}
	}
	for _, t := range types {
		p.handlers[t] = append(p.handlers[t], handler)
	}
}

// Publish delivers an event synchronously to all matching handlers.
func (p *Publisher) Publish(ctx context.Context, event DomainEvent) {
	for _, h := range p.matching(event.EventType()) {
		if err := h.Handle(ctx, event); err != nil {
			p.logger.Warn("Event handler failed",
				"event_type", event.EventType(),
				"event_id", event.EventID(),
				"error", err)
		}
	}
}

// PublishAsync delivers an event on a new goroutine per handler.
func (p *Publisher) PublishAsync(ctx context.Context, event DomainEvent) {
	for _, h := range p.matching(event.EventType()) {
		handler := h
		go func() {
			if err := handler.Handle(ctx, event); err != nil {
				p.logger.Warn("Async event handler failed",
					"event_type", event.EventType(),
					"event_id", event.EventID(),
					"error", err)
			}
		}()
	}
}

func (p *Publisher) matching(eventType string) []Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()

	matched := make([]Handler, 0, len(p.handlers[eventType])+len(p.handlers["*"]))
	matched = append(matched, p.handlers[eventType]...)
	matched = append(matched, p.handlers["*"]...)
	return matched
}
