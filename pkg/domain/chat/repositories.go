package chat

import (
	"context"

	"github.com/driftkit-ai/driftkit-go/pkg/domain/paging"
)

// SessionStore persists chat sessions.
type SessionStore interface {
	Save(ctx context.Context, session *Session) error
	FindByID(ctx context.Context, chatID string) (*Session, error)
	// FindByUserID pages all sessions of a user, archived included.
	FindByUserID(ctx context.Context, userID string, req paging.PageRequest) (paging.Page[*Session], error)
	// FindActiveByUserID pages the user's non-archived sessions.
	FindActiveByUserID(ctx context.Context, userID string, req paging.PageRequest) (paging.Page[*Session], error)
}

// MessageStore persists the chat history.
type MessageStore interface {
	Add(ctx context.Context, message *Message) error
	GetByID(ctx context.Context, messageID string) (*Message, error)
	GetAll(ctx context.Context, chatID string) ([]*Message, error)
	FindByChatID(ctx context.Context, chatID string, req paging.PageRequest) (paging.Page[*Message], error)
	CountByChatID(ctx context.Context, chatID string) (int, error)
	FindRecentByChatID(ctx context.Context, chatID string, n int) ([]*Message, error)
}

// ResponseStore keeps the latest response snapshot per message id so async
// progress polling can rebuild a response without replaying history.
type ResponseStore interface {
	Save(ctx context.Context, response *Message) error
	FindByMessageID(ctx context.Context, messageID string) (*Message, error)
	Update(ctx context.Context, response *Message) error
}
