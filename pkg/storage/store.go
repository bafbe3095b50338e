// Package storage persists chats and messages in a relational store.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a chat or message does not exist.
var ErrNotFound = errors.New("storage: not found")

// Chat is a conversation owned by a user.
type Chat struct {
	ID        int64
	UserID    string
	Title     string
	CreatedAt time.Time
}

// Message is a persisted chat entry. Messages are append-only; the only
// deletion path is the bulk ClearHistory operation.
type Message struct {
	ID        int64
	UserID    string
	ChatID    int64
	Content   string
	IsBot     bool
	DBType    string
	CreatedAt time.Time
}

// Store is the persistence surface the gateway depends on. Implementations
// must be safe for concurrent use.
type Store interface {
	Ping(ctx context.Context) error

	CreateChat(ctx context.Context, userID, title string) (*Chat, error)
	GetChat(ctx context.Context, chatID int64) (*Chat, error)
	ListChats(ctx context.Context, userID string) ([]Chat, error)

	// AppendMessage inserts the message and fills its ID and CreatedAt.
	AppendMessage(ctx context.Context, m *Message) error

	// RecentMessages returns up to limit messages for the chat in descending
	// id order (newest first). When beforeID > 0, only messages with a
	// smaller id are returned.
	RecentMessages(ctx context.Context, chatID int64, limit int, beforeID int64) ([]Message, error)

	// ClearHistory deletes every message in the chat owned by the user and
	// returns the number of rows removed.
	ClearHistory(ctx context.Context, userID string, chatID int64) (int64, error)

	Close()
}
