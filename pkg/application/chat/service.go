// Package chat is the conversational facade over the workflow engine. It
// maps chat requests to execute/resume calls, synthesizes responses from
// instance state, and keeps the per-chat history and session bookkeeping.
package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/driftkit-ai/driftkit-go/pkg/domain/chat"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/errors"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/paging"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/schema"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/workflow"
	"github.com/driftkit-ai/driftkit-go/pkg/engine"
)

// Config tunes the facade's wait behavior.
type Config struct {
	// WaitTimeout caps how long ExecuteChat and WaitForTerminalState block.
	WaitTimeout time.Duration `json:"wait_timeout" yaml:"wait_timeout"`
	// PollInterval is the instance polling cadence of WaitForTerminalState.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// DefaultConfig returns the default wait tuning.
func DefaultConfig() Config {
	return Config{
		WaitTimeout:  100 * time.Second,
		PollInterval: 50 * time.Millisecond,
	}
}

// Service orchestrates chat-driven workflow execution.
type Service struct {
	cfg         Config
	engine      *engine.Engine
	sessions    chat.SessionStore
	messages    chat.MessageStore
	responses   chat.ResponseStore
	asyncStates workflow.AsyncStateStore
	suspensions workflow.SuspensionStore
	schemas     *schema.Service
	logger      *slog.Logger
}

// NewService assembles the facade.
func NewService(cfg Config, eng *engine.Engine, sessions chat.SessionStore, messages chat.MessageStore, responses chat.ResponseStore, suspensions workflow.SuspensionStore, asyncStates workflow.AsyncStateStore, schemas *schema.Service, logger *slog.Logger) *Service {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultConfig().WaitTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:         cfg,
		engine:      eng,
		sessions:    sessions,
		messages:    messages,
		responses:   responses,
		suspensions: suspensions,
		asyncStates: asyncStates,
		schemas:     schemas,
		logger:      logger.With("component", "chat_service"),
	}
}

// ExecuteChat handles an inbound message: it resumes the chat's suspended
// instance when one exists, starts a fresh execution otherwise, and always
// answers with a persisted response. Failures come back as error responses,
// never as Go errors, so the user always sees a message.
func (s *Service) ExecuteChat(ctx context.Context, req chat.Request) (*chat.Message, error) {
	session, err := s.GetOrCreateSession(ctx, req.ChatID, req.UserID)
	if err != nil {
		return nil, err
	}
	req.ChatID = session.ChatID

	request := chat.NewRequestMessage(req)
	if err := s.messages.Add(ctx, request); err != nil {
		return nil, err
	}

	resp := s.runChatTurn(ctx, session, req)
	return resp, s.finishTurn(ctx, session, resp)
}

// ResumeChat resumes the chat identified by a previous response id.
func (s *Service) ResumeChat(ctx context.Context, messageID string, req chat.Request) (*chat.Message, error) {
	original, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		original, err = s.responses.FindByMessageID(ctx, messageID)
		if err != nil {
			return nil, errors.Newf(errors.CodeNotFound, "chat", "message %q not found", messageID)
		}
	}
	req.ChatID = original.ChatID
	if req.UserID == "" {
		req.UserID = original.UserID
	}
	return s.ExecuteChat(ctx, req)
}

// runChatTurn drives the engine and synthesizes the outbound response.
func (s *Service) runChatTurn(ctx context.Context, session *chat.Session, req chat.Request) *chat.Message {
	input := chatInput(req)

	var exec *engine.Execution
	suspended, err := s.engine.FindLatestSuspendedByChatID(ctx, session.ChatID)
	if err == nil {
		exec, err = s.engine.Resume(ctx, suspended.InstanceID, input)
	} else {
		if req.WorkflowID == "" {
			return s.errorResponse(session, "", "no workflow specified and no suspended conversation to resume")
		}
		exec, err = s.engine.Execute(ctx, req.WorkflowID, input, engine.ExecuteOptions{ChatID: session.ChatID})
	}
	if err != nil {
		return s.errorResponse(session, req.WorkflowID, err.Error())
	}

	inst, err := exec.Get(s.cfg.WaitTimeout)
	if err != nil {
		return s.errorResponse(session, req.WorkflowID, err.Error())
	}
	return s.responseFor(ctx, inst, session)
}

// responseFor loads whatever auxiliary state the instance's status calls
// for and maps it to a response.
func (s *Service) responseFor(ctx context.Context, inst *workflow.Instance, session *chat.Session) *chat.Message {
	var susp *workflow.SuspensionData
	if inst.Status == workflow.StatusSuspended {
		susp, _ = s.suspensions.FindByInstanceID(ctx, inst.InstanceID)
	}
	var asyncState *workflow.AsyncStepState
	if inst.AsyncMessageID != "" {
		asyncState, _ = s.asyncStates.FindByMessageID(ctx, inst.AsyncMessageID)
	}
	return s.buildResponse(inst, session, susp, asyncState)
}

// finishTurn persists the response into history and the polling store and
// bumps the session activity time.
func (s *Service) finishTurn(ctx context.Context, session *chat.Session, resp *chat.Message) error {
	if err := s.messages.Add(ctx, resp); err != nil {
		return err
	}
	if err := s.responses.Save(ctx, resp); err != nil {
		return err
	}
	session.LastMessageTime = time.Now()
	return s.sessions.Save(ctx, session)
}

func (s *Service) errorResponse(session *chat.Session, workflowID, message string) *chat.Message {
	s.logger.Warn("Chat turn failed", "chat_id", session.ChatID, "error", message)
	resp := chat.NewResponseMessage("", session.ChatID, session.UserID, workflowID)
	resp.Language = session.Language
	resp.Completed = true
	resp.PercentComplete = 100
	resp.Properties = map[string]string{"error": message}
	return resp
}

// chatInput picks the engine input for a request: the property map when
// present (with the message folded in), the bare message otherwise.
func chatInput(req chat.Request) any {
	if len(req.Properties) == 0 {
		return req.Message
	}
	input := make(map[string]string, len(req.Properties)+1)
	for k, v := range req.Properties {
		input[k] = v
	}
	if req.Message != "" {
		input["message"] = req.Message
	}
	return input
}

// GetAsyncStatus returns the freshest polling snapshot for an async
// response id and refreshes the stored response.
func (s *Service) GetAsyncStatus(ctx context.Context, messageID string) (*chat.Message, error) {
	state, err := s.asyncStates.FindByMessageID(ctx, messageID)
	if err != nil {
		return nil, err
	}

	original, err := s.responses.FindByMessageID(ctx, messageID)
	if err != nil {
		return nil, err
	}

	snapshot := chat.NewResponseMessage(messageID, original.ChatID, original.UserID, original.WorkflowID)
	snapshot.Language = original.Language
	snapshot.Completed = state.Completed
	snapshot.PercentComplete = state.PercentComplete
	snapshot.Properties = s.asyncProperties(state)

	if err := s.responses.Update(ctx, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// WaitForTerminalState polls an instance until it settles: SUSPENDED,
// COMPLETED, FAILED, or RUNNING with outstanding async work.
func (s *Service) WaitForTerminalState(ctx context.Context, instanceID string) (*workflow.Instance, error) {
	deadline := time.Now().Add(s.cfg.WaitTimeout)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		inst, err := s.engine.GetWorkflowInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if inst.Status.Terminal() || inst.Status == workflow.StatusSuspended || inst.AsyncMessageID != "" {
			return inst, nil
		}
		if time.Now().After(deadline) {
			return nil, errors.Newf(errors.CodeTimeoutError, "chat",
				"instance %q did not settle within %s", instanceID, s.cfg.WaitTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetOrCreateSession loads a session by id, creating one (with a fresh id
// when chatID is empty) if none exists.
func (s *Service) GetOrCreateSession(ctx context.Context, chatID, userID string) (*chat.Session, error) {
	if chatID != "" {
		session, err := s.sessions.FindByID(ctx, chatID)
		if err == nil {
			return session, nil
		}
		if !errors.HasCode(err, errors.CodeNotFound) {
			return nil, err
		}
	}
	session := chat.NewSession(chatID, userID, "")
	if err := s.sessions.Save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// CreateChatSession creates a named session.
func (s *Service) CreateChatSession(ctx context.Context, userID, name string) (*chat.Session, error) {
	session := chat.NewSession("", userID, name)
	if err := s.sessions.Save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// ArchiveChatSession marks a session archived.
func (s *Service) ArchiveChatSession(ctx context.Context, chatID string) error {
	session, err := s.sessions.FindByID(ctx, chatID)
	if err != nil {
		return err
	}
	session.Archived = true
	return s.sessions.Save(ctx, session)
}

// ListChatsForUser pages the user's active sessions.
func (s *Service) ListChatsForUser(ctx context.Context, userID string, req paging.PageRequest) (paging.Page[*chat.Session], error) {
	return s.sessions.FindActiveByUserID(ctx, userID, req)
}

// GetChatHistory pages a chat's messages. includeContext additionally
// annotates responses with the instance's current step, useful for
// debugging conversations.
func (s *Service) GetChatHistory(ctx context.Context, chatID string, req paging.PageRequest, includeContext bool) (paging.Page[*chat.Message], error) {
	page, err := s.messages.FindByChatID(ctx, chatID, req)
	if err != nil {
		return paging.Page[*chat.Message]{}, err
	}
	if !includeContext {
		return page, nil
	}

	inst, err := s.engine.FindLatestSuspendedByChatID(ctx, chatID)
	if err != nil {
		return page, nil
	}
	for _, msg := range page.Content {
		if msg.Kind == chat.KindResponse {
			if msg.Properties == nil {
				msg.Properties = map[string]string{}
			}
			msg.Properties["currentStep"] = inst.CurrentStepID
		}
	}
	return page, nil
}
