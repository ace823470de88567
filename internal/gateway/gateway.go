// Package gateway admits chat turns: it enforces the daily quota, writes the
// placeholder chat, records the request and hands the turn to the runtime.
// The final chat write happens in the runtime's finalize hook.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/csiyang/ai-hero/internal/quota"
	"github.com/csiyang/ai-hero/internal/runtime"
	"github.com/csiyang/ai-hero/internal/types"
)

// PlaceholderMode controls what a new chat holds before the turn finishes.
type PlaceholderMode string

const (
	// PlaceholderPrompt stores the submitted messages right away.
	PlaceholderPrompt PlaceholderMode = "prompt"
	// PlaceholderEmpty stores a titled chat with no messages.
	PlaceholderEmpty PlaceholderMode = "empty"
)

// ParsePlaceholderMode maps a config value to a mode, defaulting to prompt.
func ParsePlaceholderMode(s string) (PlaceholderMode, error) {
	switch PlaceholderMode(s) {
	case "", PlaceholderPrompt:
		return PlaceholderPrompt, nil
	case PlaceholderEmpty:
		return PlaceholderEmpty, nil
	}
	return "", fmt.Errorf("unknown placeholder mode %q", s)
}

// Gateway turns authenticated requests into runtime turns.
type Gateway struct {
	store       types.ChatStore
	quota       *quota.Gate
	runner      Runner
	lanes       *Lanes
	placeholder PlaceholderMode
	flush       func(context.Context) error
	now         func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMaxConcurrent bounds the number of turns running at once.
func WithMaxConcurrent(n int64) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.lanes = NewLanes(n)
		}
	}
}

// WithPlaceholder selects what a new chat holds while the turn runs.
func WithPlaceholder(mode PlaceholderMode) Option {
	return func(g *Gateway) { g.placeholder = mode }
}

// WithFlush sets a hook run after every turn's final write, typically a
// telemetry flush.
func WithFlush(fn func(context.Context) error) Option {
	return func(g *Gateway) { g.flush = fn }
}

// New creates a Gateway. Concurrency defaults to 2 turns at once.
func New(store types.ChatStore, gate *quota.Gate, runner Runner, opts ...Option) *Gateway {
	g := &Gateway{
		store:       store,
		quota:       gate,
		runner:      runner,
		lanes:       NewLanes(2),
		placeholder: PlaceholderPrompt,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Quota reports the user's current quota without recording anything.
func (g *Gateway) Quota(ctx context.Context, user types.User) (quota.Status, error) {
	return g.quota.Check(ctx, user)
}

// StartTurn admits a turn and starts it. On success the caller must drain
// Turn.Events; canceling ctx stops the model but the final write still runs.
//
// Errors: ErrInvalidRequest or types.ErrInvalidPart for a malformed request,
// *quota.ExceededError when over quota, types.ErrQuotaUnavailable when the
// ledger cannot be read or written and types.ErrPermissionDenied when the
// chat belongs to someone else.
func (g *Gateway) StartTurn(ctx context.Context, user types.User, req TurnRequest) (*Turn, error) {
	if user.ID == "" {
		return nil, types.ErrUnauthorized
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// cheap rejection before queueing behind other turns; Admit re-checks
	status, err := g.quota.Check(ctx, user)
	if err != nil {
		slog.Error("quota check failed", "user_id", user.ID, "error", err)
		return nil, err
	}
	if !status.Allowed {
		return nil, &quota.ExceededError{Status: status}
	}

	chatID := req.ChatID
	if chatID == "" {
		chatID = types.NewChatID()
	}

	release, err := g.lanes.Acquire(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("wait for chat lane: %w", err)
	}

	messages := g.prepare(chatID, req.Messages)
	var isNew bool
	status, err = g.quota.Admit(ctx, user, func(ctx context.Context) error {
		created, err := g.writePlaceholder(ctx, user, chatID, req.ChatID != "", messages)
		isNew = created
		return err
	})
	if err != nil {
		release()
		if errors.Is(err, types.ErrQuotaUnavailable) {
			slog.Error("quota admission failed", "user_id", user.ID, "chat_id", chatID, "error", err)
		}
		return nil, err
	}

	slog.Info("turn started", "user_id", user.ID, "chat_id", chatID, "new", isNew, "messages", len(messages))
	events := g.runner.Run(ctx, runtime.Input{
		ChatID:       chatID,
		AnnounceChat: isNew,
		Messages:     messages,
	}, g.finalizer(user, release))

	return &Turn{ChatID: chatID, IsNew: isNew, Quota: status, Events: events}, nil
}

// prepare fills in ids and ownership on client-supplied messages.
func (g *Gateway) prepare(chatID types.ChatID, in []types.Message) []types.Message {
	now := g.now()
	out := make([]types.Message, len(in))
	for i, m := range in {
		if m.ID == "" {
			m.ID = types.NewMessageID()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		m.ChatID = chatID
		m.Order = i
		out[i] = m
	}
	return out
}

// writePlaceholder stores the chat before the model runs and reports whether
// it created the chat. A client-supplied id is looked up first so an existing
// chat keeps its title whatever the request's isNewChat flag says; an id that
// is not visible to the user is created, which fails with
// types.ErrPermissionDenied when another user owns it.
func (g *Gateway) writePlaceholder(ctx context.Context, user types.User, chatID types.ChatID, supplied bool, messages []types.Message) (bool, error) {
	params := types.UpsertChatParams{
		UserID:   user.ID,
		ChatID:   chatID,
		Messages: messages,
	}
	create := true
	if supplied {
		existing, err := g.store.GetChat(ctx, chatID, user.ID)
		if err != nil {
			return false, fmt.Errorf("load chat: %w", err)
		}
		create = existing == nil
	}
	if create {
		title := runtime.DeriveTitle(messages)
		params.Title = &title
		if g.placeholder == PlaceholderEmpty {
			params.Messages = nil
		}
	}

	if err := g.store.UpsertChat(ctx, params); err != nil {
		return false, fmt.Errorf("write placeholder: %w", err)
	}
	return create, nil
}

func (g *Gateway) finalizer(user types.User, release func()) runtime.FinalizeFunc {
	return func(ctx context.Context, out runtime.Outcome) {
		defer release()

		if err := g.store.UpsertChat(ctx, types.UpsertChatParams{
			UserID:   user.ID,
			ChatID:   out.ChatID,
			Messages: out.Messages,
		}); err != nil {
			slog.Error("final chat write failed", "user_id", user.ID, "chat_id", out.ChatID, "error", err)
		}
		slog.Info("turn finished", "user_id", user.ID, "chat_id", out.ChatID,
			"stop", out.StopReason, "steps", out.Steps, "messages", len(out.Messages))

		if g.flush != nil {
			fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := g.flush(fctx); err != nil {
				slog.Warn("telemetry flush failed", "error", err)
			}
		}
	}
}

// Wait blocks until in-flight turns have finished their final write or the
// timeout expires.
func (g *Gateway) Wait(timeout time.Duration) bool {
	return g.lanes.WaitIdle(timeout)
}
