package async

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/driftkit-ai/driftkit-go/pkg/domain/events"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/workflow"
)

// progressReporter writes handler progress through to the async step state.
// Percent updates are monotonic: a value below the previous maximum is
// clamped up, anything above 100 is clamped down. Status messages are
// last-writer-wins.
type progressReporter struct {
	mu         sync.Mutex
	state      *workflow.AsyncStepState
	states     workflow.AsyncStateStore
	publisher  *events.Publisher
	workflowID string
	logger     *slog.Logger
	maxPercent int
}

var _ workflow.ProgressReporter = (*progressReporter)(nil)

func newProgressReporter(state *workflow.AsyncStepState, states workflow.AsyncStateStore, publisher *events.Publisher, workflowID string, logger *slog.Logger) *progressReporter {
	return &progressReporter{
		state:      state,
		states:     states,
		publisher:  publisher,
		workflowID: workflowID,
		logger:     logger,
		maxPercent: state.PercentComplete,
	}
}

// UpdateProgress records a progress step. Writes happen under the reporter
// lock so concurrent handler goroutines cannot interleave a regression.
func (r *progressReporter) UpdateProgress(percent int, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if percent < r.maxPercent {
		percent = r.maxPercent
	}
	if percent > 100 {
		percent = 100
	}
	r.maxPercent = percent

	r.state.PercentComplete = percent
	r.state.StatusMessage = message
	r.state.UpdatedAt = time.Now()

	ctx := context.Background()
	if err := r.states.Update(ctx, r.state); err != nil {
		r.logger.Warn("Failed to persist progress update",
			"message_id", r.state.MessageID, "percent", percent, "error", err)
	}
	if r.publisher != nil {
		r.publisher.Publish(ctx, events.NewAsyncProgress(
			r.state.InstanceID, r.workflowID, r.state.MessageID, r.state.TaskID, percent, message))
	}
}
