package types

import (
	"context"
	"time"
)

// UpsertChatParams describes a full replacement of a chat's message list.
// Title is only applied when non-nil; it is required when the chat does not
// exist yet.
type UpsertChatParams struct {
	UserID   UserID
	ChatID   ChatID
	Title    *string
	Messages []Message
}

type ChatStore interface {
	UpsertChat(ctx context.Context, params UpsertChatParams) error
	// GetChat returns nil, nil when the chat is missing or owned by someone else.
	GetChat(ctx context.Context, chatID ChatID, userID UserID) (*ChatWithMessages, error)
	ListChats(ctx context.Context, userID UserID) ([]Chat, error)
	DeleteChat(ctx context.Context, chatID ChatID, userID UserID) error
}

type RequestLedger interface {
	Append(ctx context.Context, userID UserID, at time.Time) error
	CountSince(ctx context.Context, userID UserID, since time.Time) (int64, error)
}
