package types

import (
	"github.com/google/uuid"
)

type ChatID string
type MessageID string
type UserID string

func NewChatID() ChatID {
	return ChatID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}
