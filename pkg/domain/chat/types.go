// Package chat holds the conversational model layered on top of workflow
// execution: sessions, the request/response message history, and the
// persistence ports backing them.
package chat

import (
	"time"

	"github.com/google/uuid"

	"github.com/driftkit-ai/driftkit-go/pkg/domain/schema"
)

// Session groups messages of one conversation and pins its workflow context.
type Session struct {
	ChatID          string    `json:"chat_id"`
	UserID          string    `json:"user_id"`
	Name            string    `json:"name,omitempty"`
	Language        string    `json:"language,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastMessageTime time.Time `json:"last_message_time"`
	Archived        bool      `json:"archived"`
}

// NewSession creates an active session; an empty chatID gets a fresh uuid.
func NewSession(chatID, userID, name string) *Session {
	if chatID == "" {
		chatID = uuid.New().String()
	}
	now := time.Now()
	return &Session{
		ChatID:          chatID,
		UserID:          userID,
		Name:            name,
		CreatedAt:       now,
		LastMessageTime: now,
	}
}

// MessageKind discriminates the two message variants.
type MessageKind string

const (
	KindRequest  MessageKind = "REQUEST"
	KindResponse MessageKind = "RESPONSE"
)

// Message is one entry of a chat history, either a user request or an
// engine response. Kind tells the variant; response-only fields are zero on
// requests.
type Message struct {
	ID         string            `json:"id"`
	ChatID     string            `json:"chat_id"`
	UserID     string            `json:"user_id,omitempty"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	Kind       MessageKind       `json:"kind"`
	Timestamp  time.Time         `json:"timestamp"`
	Properties map[string]string `json:"properties,omitempty"`

	// Response-only fields.
	Language        string         `json:"language,omitempty"`
	Completed       bool           `json:"completed,omitempty"`
	PercentComplete int            `json:"percent_complete,omitempty"`
	NextInputSchema *schema.Schema `json:"next_input_schema,omitempty"`
}

// Request is the inbound API shape the facade accepts.
type Request struct {
	ChatID     string            `json:"chat_id,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	Message    string            `json:"message,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// NewRequestMessage converts an inbound request into a history entry.
func NewRequestMessage(req Request) *Message {
	props := map[string]string{}
	for k, v := range req.Properties {
		props[k] = v
	}
	if req.Message != "" {
		props["message"] = req.Message
	}
	return &Message{
		ID:         uuid.New().String(),
		ChatID:     req.ChatID,
		UserID:     req.UserID,
		WorkflowID: req.WorkflowID,
		Kind:       KindRequest,
		Timestamp:  time.Now(),
		Properties: props,
	}
}

// NewResponseMessage creates a response entry; an empty id gets a fresh uuid.
func NewResponseMessage(id, chatID, userID, workflowID string) *Message {
	if id == "" {
		id = uuid.New().String()
	}
	return &Message{
		ID:         id,
		ChatID:     chatID,
		UserID:     userID,
		WorkflowID: workflowID,
		Kind:       KindResponse,
		Timestamp:  time.Now(),
		Properties: map[string]string{},
	}
}
