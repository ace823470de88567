package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/csiyang/ai-hero/internal/types"
)

type chatRow struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)"`
	UserID    string    `gorm:"column:user_id;not null;index"`
	Title     string    `gorm:"column:title;not null;default:''"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;index"`
}

func (chatRow) TableName() string { return "chats" }

type messageRow struct {
	ChatID    string         `gorm:"primaryKey;column:chat_id;type:varchar(64)"`
	ID        string         `gorm:"primaryKey;column:id;type:varchar(64)"`
	Role      string         `gorm:"column:role;not null"`
	Parts     datatypes.JSON `gorm:"column:parts;not null"`
	Order     int            `gorm:"column:position;not null;index"`
	CreatedAt time.Time      `gorm:"not null"`
}

func (messageRow) TableName() string { return "messages" }

// ChatStore persists chats and their ordered messages.
type ChatStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewChatStore creates a ChatStore on an opened database.
func NewChatStore(db *gorm.DB) *ChatStore {
	return &ChatStore{db: db, now: time.Now}
}

// UpsertChat creates the chat if needed and replaces its entire message list
// in one transaction. Messages are stored with Order equal to their index.
func (s *ChatStore) UpsertChat(ctx context.Context, p types.UpsertChatParams) error {
	if p.ChatID == "" || p.UserID == "" {
		return fmt.Errorf("upsert chat: chat id and user id are required")
	}
	seen := make(map[types.MessageID]bool, len(p.Messages))
	for i, m := range p.Messages {
		if m.ID != "" {
			if seen[m.ID] {
				return fmt.Errorf("%w: duplicate message id %s", types.ErrInvalidPart, m.ID)
			}
			seen[m.ID] = true
		}
		for _, part := range m.Parts {
			if err := part.Validate(); err != nil {
				return fmt.Errorf("message %d: %w", i, err)
			}
		}
	}

	err := s.upsert(ctx, p)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// lost a create race for the same id; the second pass sees the row
		err = s.upsert(ctx, p)
	}
	return err
}

func (s *ChatStore) upsert(ctx context.Context, p types.UpsertChatParams) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()

		var existing chatRow
		err := tx.Where("id = ?", string(p.ChatID)).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if p.Title == nil || strings.TrimSpace(*p.Title) == "" {
				return types.ErrTitleRequired
			}
			row := chatRow{
				ID:        string(p.ChatID),
				UserID:    string(p.UserID),
				Title:     *p.Title,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("create chat: %w", err)
			}
		case err != nil:
			return fmt.Errorf("load chat: %w", err)
		default:
			if existing.UserID != string(p.UserID) {
				return types.ErrPermissionDenied
			}
			updates := map[string]any{"updated_at": now}
			if p.Title != nil && strings.TrimSpace(*p.Title) != "" {
				updates["title"] = *p.Title
			}
			if err := tx.Model(&chatRow{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
				return fmt.Errorf("update chat: %w", err)
			}
			if err := tx.Where("chat_id = ?", existing.ID).Delete(&messageRow{}).Error; err != nil {
				return fmt.Errorf("clear messages: %w", err)
			}
		}

		if len(p.Messages) == 0 {
			return nil
		}
		rows := make([]messageRow, len(p.Messages))
		for i, m := range p.Messages {
			row, err := toMessageRow(p.ChatID, i, m, now)
			if err != nil {
				return err
			}
			rows[i] = row
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("insert messages: %w", err)
		}
		return nil
	})
}

func toMessageRow(chatID types.ChatID, order int, m types.Message, now time.Time) (messageRow, error) {
	id := m.ID
	if id == "" {
		id = types.NewMessageID()
	}
	parts := m.Parts
	if parts == nil {
		parts = []types.Part{}
	}
	data, err := json.Marshal(parts)
	if err != nil {
		return messageRow{}, fmt.Errorf("marshal parts: %w", err)
	}
	created := m.CreatedAt
	if created.IsZero() {
		created = now
	}
	return messageRow{
		ChatID:    string(chatID),
		ID:        string(id),
		Role:      string(m.Role),
		Parts:     datatypes.JSON(data),
		Order:     order,
		CreatedAt: created.UTC(),
	}, nil
}

// GetChat loads a chat with its messages in order. A chat that does not
// exist and a chat owned by another user are indistinguishable: both
// return nil, nil.
func (s *ChatStore) GetChat(ctx context.Context, chatID types.ChatID, userID types.UserID) (*types.ChatWithMessages, error) {
	db := s.db.WithContext(ctx)

	var row chatRow
	err := db.Where("id = ? AND user_id = ?", string(chatID), string(userID)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}

	var rows []messageRow
	if err := db.Where("chat_id = ?", row.ID).Order("position ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	out := &types.ChatWithMessages{
		Chat:     toChat(row),
		Messages: make([]types.Message, 0, len(rows)),
	}
	for _, r := range rows {
		var parts []types.Part
		if err := json.Unmarshal(r.Parts, &parts); err != nil {
			return nil, fmt.Errorf("decode parts of message %s: %w", r.ID, err)
		}
		out.Messages = append(out.Messages, types.Message{
			ID:        types.MessageID(r.ID),
			ChatID:    types.ChatID(r.ChatID),
			Role:      types.Role(r.Role),
			Parts:     parts,
			Order:     r.Order,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

// ListChats returns the user's chats, most recently updated first.
func (s *ChatStore) ListChats(ctx context.Context, userID types.UserID) ([]types.Chat, error) {
	var rows []chatRow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", string(userID)).
		Order("updated_at DESC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	out := make([]types.Chat, len(rows))
	for i, r := range rows {
		out[i] = toChat(r)
	}
	return out, nil
}

// DeleteChat removes a chat owned by userID together with its messages.
func (s *ChatStore) DeleteChat(ctx context.Context, chatID types.ChatID, userID types.UserID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", string(chatID), string(userID)).Delete(&chatRow{})
		if res.Error != nil {
			return fmt.Errorf("delete chat: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return types.ErrChatNotFound
		}
		if err := tx.Where("chat_id = ?", string(chatID)).Delete(&messageRow{}).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		return nil
	})
}

func toChat(r chatRow) types.Chat {
	return types.Chat{
		ID:        types.ChatID(r.ID),
		UserID:    types.UserID(r.UserID),
		Title:     r.Title,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}
