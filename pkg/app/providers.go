// Package app assembles the engine, persistence and chat facade into a
// runnable application via Wire.
package app

import (
	"log/slog"

	"github.com/google/wire"

	chatapp "github.com/driftkit-ai/driftkit-go/pkg/application/chat"
	"github.com/driftkit-ai/driftkit-go/pkg/config"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/chat"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/events"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/schema"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/workflow"
	"github.com/driftkit-ai/driftkit-go/pkg/engine"
	"github.com/driftkit-ai/driftkit-go/pkg/infrastructure/metrics"
	"github.com/driftkit-ai/driftkit-go/pkg/infrastructure/persistence/bolt"
	"github.com/driftkit-ai/driftkit-go/pkg/infrastructure/persistence/memory"
	"github.com/driftkit-ai/driftkit-go/pkg/infrastructure/tracing"
)

// Providers is the full provider set for the application.
var Providers = wire.NewSet(
	ProvideSchemaService,
	ProvidePublisher,
	ProvideStores,
	ProvideMetrics,
	ProvideTracer,
	ProvideEngine,
	ProvideChatService,
	NewApplication,
)

// Application bundles the wired components a binary needs.
type Application struct {
	Config *config.Config
	Logger *slog.Logger
	Engine *engine.Engine
	Chat   *chatapp.Service
}

// NewApplication collects the wired components.
func NewApplication(cfg *config.Config, logger *slog.Logger, eng *engine.Engine, chatSvc *chatapp.Service) *Application {
	return &Application{Config: cfg, Logger: logger, Engine: eng, Chat: chatSvc}
}

// Stores groups the persistence ports so providers can hand them around as
// one unit.
type Stores struct {
	Instances   workflow.InstanceStore
	Suspensions workflow.SuspensionStore
	AsyncStates workflow.AsyncStateStore
	Sessions    chat.SessionStore
	Messages    chat.MessageStore
	Responses   chat.ResponseStore
}

// ProvideSchemaService builds the shared schema service.
func ProvideSchemaService(logger *slog.Logger) *schema.Service {
	return schema.NewService(logger)
}

// ProvidePublisher builds the domain event publisher.
func ProvidePublisher(logger *slog.Logger) *events.Publisher {
	return events.NewPublisher(logger)
}

// ProvideStores selects the persistence backend: BoltDB when a store path is
// configured, in-memory otherwise. Chat history always lives in memory; it
// is a rebuildable view over instance state.
func ProvideStores(cfg *config.Config, logger *slog.Logger) (*Stores, func(), error) {
	stores := &Stores{
		Sessions:  memory.NewSessionStore(),
		Messages:  memory.NewMessageStore(),
		Responses: memory.NewResponseStore(),
	}

	if cfg.StorePath == "" {
		stores.Instances = memory.NewInstanceStore()
		stores.Suspensions = memory.NewSuspensionStore()
		stores.AsyncStates = memory.NewAsyncStateStore()
		return stores, func() {}, nil
	}

	db, err := bolt.Open(cfg.StorePath, logger)
	if err != nil {
		return nil, nil, err
	}
	stores.Instances = db.Instances()
	stores.Suspensions = db.Suspensions()
	stores.AsyncStates = db.AsyncStates()
	return stores, func() { _ = db.Close() }, nil
}

// ProvideMetrics builds the Prometheus collector when metrics are enabled;
// a nil collector makes the engine fall back to no-ops.
func ProvideMetrics(cfg *config.Config) engine.MetricsCollector {
	if !cfg.MetricsEnabled {
		return nil
	}
	return metrics.NewCollector(cfg.ServiceName, nil)
}

// ProvideTracer builds the OpenTelemetry adapter on the global provider.
func ProvideTracer() engine.Tracer {
	return tracing.NewTracer(nil)
}

// ProvideEngine builds the workflow engine.
func ProvideEngine(cfg *config.Config, stores *Stores, schemas *schema.Service, publisher *events.Publisher, collector engine.MetricsCollector, tracer engine.Tracer, logger *slog.Logger) (*engine.Engine, error) {
	return engine.New(engine.Options{
		Config:      cfg.Engine,
		Instances:   stores.Instances,
		Suspensions: stores.Suspensions,
		AsyncStates: stores.AsyncStates,
		Schemas:     schemas,
		Publisher:   publisher,
		Metrics:     collector,
		Tracer:      tracer,
		Logger:      logger,
	})
}

// ProvideChatService builds the chat facade.
func ProvideChatService(cfg *config.Config, eng *engine.Engine, stores *Stores, schemas *schema.Service, logger *slog.Logger) *chatapp.Service {
	return chatapp.NewService(cfg.Chat, eng, stores.Sessions, stores.Messages, stores.Responses,
		stores.Suspensions, stores.AsyncStates, schemas, logger)
}
