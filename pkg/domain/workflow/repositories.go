package workflow

import "context"

// InstanceStore persists workflow instances. Implementations must be safe
// for concurrent readers; the engine serializes writers per instance id.
type InstanceStore interface {
	Save(ctx context.Context, instance *Instance) error
	FindByID(ctx context.Context, instanceID string) (*Instance, error)
	// FindLatestSuspendedByChatID returns the most recently updated
	// SUSPENDED instance correlated with chatID, or a NOT_FOUND error.
	FindLatestSuspendedByChatID(ctx context.Context, chatID string) (*Instance, error)
	Delete(ctx context.Context, instanceID string) error
}

// SuspensionStore persists suspension data, at most one row per instance.
type SuspensionStore interface {
	Save(ctx context.Context, data *SuspensionData) error
	FindByInstanceID(ctx context.Context, instanceID string) (*SuspensionData, error)
	DeleteByInstanceID(ctx context.Context, instanceID string) error
}

// AsyncStateStore persists async step state keyed by message id.
type AsyncStateStore interface {
	Save(ctx context.Context, state *AsyncStepState) error
	FindByMessageID(ctx context.Context, messageID string) (*AsyncStepState, error)
	Update(ctx context.Context, state *AsyncStepState) error
	DeleteByMessageID(ctx context.Context, messageID string) error
}
