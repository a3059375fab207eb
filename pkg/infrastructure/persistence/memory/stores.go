// Package memory provides map-backed implementations of every persistence
// port. They are the default wiring for tests and single-process embedding;
// all stores are safe for concurrent use.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/driftkit-ai/driftkit-go/pkg/domain/chat"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/errors"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/paging"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/workflow"
)

// InstanceStore is the in-memory workflow.InstanceStore.
type InstanceStore struct {
	mu        sync.RWMutex
	instances map[string]workflow.Instance
}

// NewInstanceStore creates an empty instance store.
func NewInstanceStore() *InstanceStore {
	return &InstanceStore{instances: make(map[string]workflow.Instance)}
}

func (s *InstanceStore) Save(ctx context.Context, instance *workflow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[instance.InstanceID] = copyInstance(instance)
	return nil
}

func (s *InstanceStore) FindByID(ctx context.Context, instanceID string) (*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "persistence", "workflow instance %q not found", instanceID)
	}
	out := copyInstance(&inst)
	return &out, nil
}

func (s *InstanceStore) FindLatestSuspendedByChatID(ctx context.Context, chatID string) (*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *workflow.Instance
	for id := range s.instances {
		inst := s.instances[id]
		if inst.ChatID != chatID || inst.Status != workflow.StatusSuspended {
			continue
		}
		if latest == nil || inst.UpdatedAt.After(latest.UpdatedAt) {
			c := copyInstance(&inst)
			latest = &c
		}
	}
	if latest == nil {
		return nil, errors.Newf(errors.CodeNotFound, "persistence", "no suspended instance for chat %q", chatID)
	}
	return latest, nil
}

func (s *InstanceStore) Delete(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, instanceID)
	return nil
}

// copyInstance detaches an instance from the caller so later mutations do
// not leak into the stored row, mimicking a real database round trip.
func copyInstance(in *workflow.Instance) workflow.Instance {
	out := *in
	out.History = append([]workflow.StepExecutionRecord(nil), in.History...)
	out.ContextValues = copyMap(in.ContextValues)
	out.StepOutputs = copyMap(in.StepOutputs)
	out.InvocationCounts = copyIntMap(in.InvocationCounts)
	return out
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyIntMap(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// SuspensionStore is the in-memory workflow.SuspensionStore. At most one
// row exists per instance; a second Save overwrites.
type SuspensionStore struct {
	mu   sync.RWMutex
	rows map[string]workflow.SuspensionData
}

// NewSuspensionStore creates an empty suspension store.
func NewSuspensionStore() *SuspensionStore {
	return &SuspensionStore{rows: make(map[string]workflow.SuspensionData)}
}

func (s *SuspensionStore) Save(ctx context.Context, data *workflow.SuspensionData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[data.InstanceID] = *data
	return nil
}

func (s *SuspensionStore) FindByInstanceID(ctx context.Context, instanceID string) (*workflow.SuspensionData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[instanceID]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "persistence", "no suspension data for instance %q", instanceID)
	}
	out := row
	return &out, nil
}

func (s *SuspensionStore) DeleteByInstanceID(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, instanceID)
	return nil
}

// AsyncStateStore is the in-memory workflow.AsyncStateStore.
type AsyncStateStore struct {
	mu   sync.RWMutex
	rows map[string]workflow.AsyncStepState
}

// NewAsyncStateStore creates an empty async state store.
func NewAsyncStateStore() *AsyncStateStore {
	return &AsyncStateStore{rows: make(map[string]workflow.AsyncStepState)}
}

func (s *AsyncStateStore) Save(ctx context.Context, state *workflow.AsyncStepState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[state.MessageID]; exists {
		return errors.Newf(errors.CodeAlreadyExists, "persistence", "async state %q already exists", state.MessageID)
	}
	s.rows[state.MessageID] = copyAsyncState(state)
	return nil
}

func (s *AsyncStateStore) FindByMessageID(ctx context.Context, messageID string) (*workflow.AsyncStepState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[messageID]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "persistence", "async state %q not found", messageID)
	}
	out := copyAsyncState(&row)
	return &out, nil
}

func (s *AsyncStateStore) Update(ctx context.Context, state *workflow.AsyncStepState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[state.MessageID]; !ok {
		return errors.Newf(errors.CodeNotFound, "persistence", "async state %q not found", state.MessageID)
	}
	s.rows[state.MessageID] = copyAsyncState(state)
	return nil
}

func (s *AsyncStateStore) DeleteByMessageID(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, messageID)
	return nil
}

func copyAsyncState(in *workflow.AsyncStepState) workflow.AsyncStepState {
	out := *in
	out.TaskArgs = copyMap(in.TaskArgs)
	out.InitialData = copyMap(in.InitialData)
	return out
}

// SessionStore is the in-memory chat.SessionStore.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]chat.Session
}

// NewSessionStore creates an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]chat.Session)}
}

func (s *SessionStore) Save(ctx context.Context, session *chat.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ChatID] = *session
	return nil
}

func (s *SessionStore) FindByID(ctx context.Context, chatID string) (*chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[chatID]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "persistence", "chat session %q not found", chatID)
	}
	out := session
	return &out, nil
}

func (s *SessionStore) FindByUserID(ctx context.Context, userID string, req paging.PageRequest) (paging.Page[*chat.Session], error) {
	return s.pageSessions(userID, req, false)
}

func (s *SessionStore) FindActiveByUserID(ctx context.Context, userID string, req paging.PageRequest) (paging.Page[*chat.Session], error) {
	return s.pageSessions(userID, req, true)
}

func (s *SessionStore) pageSessions(userID string, req paging.PageRequest, activeOnly bool) (paging.Page[*chat.Session], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*chat.Session
	for id := range s.sessions {
		session := s.sessions[id]
		if session.UserID != userID {
			continue
		}
		if activeOnly && session.Archived {
			continue
		}
		c := session
		matched = append(matched, &c)
	}

	req = req.Normalize()
	paging.SortSlice(matched, req.SortDirection, func(a, b *chat.Session) bool {
		if strings.EqualFold(req.SortBy, "name") {
			return a.Name < b.Name
		}
		return a.LastMessageTime.Before(b.LastMessageTime)
	})
	return paging.NewPage(matched, req), nil
}

// MessageStore is the in-memory chat.MessageStore. History order is
// insertion order per chat, which matches timestamp order for a single
// writer.
type MessageStore struct {
	mu     sync.RWMutex
	byID   map[string]*chat.Message
	byChat map[string][]*chat.Message
}

// NewMessageStore creates an empty message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		byID:   make(map[string]*chat.Message),
		byChat: make(map[string][]*chat.Message),
	}
}

func (s *MessageStore) Add(ctx context.Context, message *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := copyMessage(message)
	s.byID[stored.ID] = stored
	s.byChat[stored.ChatID] = append(s.byChat[stored.ChatID], stored)
	return nil
}

func (s *MessageStore) GetByID(ctx context.Context, messageID string) (*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.byID[messageID]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "persistence", "chat message %q not found", messageID)
	}
	return copyMessage(msg), nil
}

func (s *MessageStore) GetAll(ctx context.Context, chatID string) ([]*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.byChat[chatID]
	out := make([]*chat.Message, len(history))
	for i, msg := range history {
		out[i] = copyMessage(msg)
	}
	return out, nil
}

func (s *MessageStore) FindByChatID(ctx context.Context, chatID string, req paging.PageRequest) (paging.Page[*chat.Message], error) {
	all, _ := s.GetAll(ctx, chatID)
	req = req.Normalize()
	paging.SortSlice(all, req.SortDirection, func(a, b *chat.Message) bool {
		return a.Timestamp.Before(b.Timestamp)
	})
	return paging.NewPage(all, req), nil
}

func (s *MessageStore) CountByChatID(ctx context.Context, chatID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byChat[chatID]), nil
}

func (s *MessageStore) FindRecentByChatID(ctx context.Context, chatID string, n int) ([]*chat.Message, error) {
	all, _ := s.GetAll(ctx, chatID)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	if n < len(all) {
		all = all[len(all)-n:]
	}
	return all, nil
}

func copyMessage(in *chat.Message) *chat.Message {
	out := *in
	if in.Properties != nil {
		out.Properties = make(map[string]string, len(in.Properties))
		for k, v := range in.Properties {
			out.Properties[k] = v
		}
	}
	return &out
}

// ResponseStore is the in-memory chat.ResponseStore.
type ResponseStore struct {
	mu   sync.RWMutex
	rows map[string]*chat.Message
}

// NewResponseStore creates an empty response store.
func NewResponseStore() *ResponseStore {
	return &ResponseStore{rows: make(map[string]*chat.Message)}
}

func (s *ResponseStore) Save(ctx context.Context, response *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[response.ID] = copyMessage(response)
	return nil
}

func (s *ResponseStore) FindByMessageID(ctx context.Context, messageID string) (*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[messageID]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "persistence", "response %q not found", messageID)
	}
	return copyMessage(row), nil
}

func (s *ResponseStore) Update(ctx context.Context, response *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[response.ID]; !ok {
		return errors.Newf(errors.CodeNotFound, "persistence", "response %q not found", response.ID)
	}
	s.rows[response.ID] = copyMessage(response)
	return nil
}

// interface conformance
var (
	_ workflow.InstanceStore   = (*InstanceStore)(nil)
	_ workflow.SuspensionStore = (*SuspensionStore)(nil)
	_ workflow.AsyncStateStore = (*AsyncStateStore)(nil)
	_ chat.SessionStore        = (*SessionStore)(nil)
	_ chat.MessageStore        = (*MessageStore)(nil)
	_ chat.ResponseStore       = (*ResponseStore)(nil)
)
