package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/csiyang/ai-hero/internal/quota"
	"github.com/csiyang/ai-hero/internal/runtime"
	"github.com/csiyang/ai-hero/internal/types"
)

// ErrInvalidRequest marks a turn request that cannot be processed as sent.
var ErrInvalidRequest = errors.New("invalid request")

// TurnRequest is one user submission.
type TurnRequest struct {
	// ChatID is optional; a new chat is created when empty.
	ChatID types.ChatID
	// IsNewChat is the client's hint for a client-chosen ChatID. The store
	// decides: an existing chat is continued and keeps its title.
	IsNewChat bool
	// Messages is the full conversation, ending with the new user message.
	Messages []types.Message
}

// Validate checks the request shape before any storage is touched.
func (r TurnRequest) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrInvalidRequest)
	}
	last := r.Messages[len(r.Messages)-1]
	if last.Role != types.RoleUser {
		return fmt.Errorf("%w: last message must be from the user", ErrInvalidRequest)
	}
	for i, m := range r.Messages {
		switch m.Role {
		case types.RoleUser, types.RoleAssistant, types.RoleSystem:
		default:
			return fmt.Errorf("%w: message %d has unknown role %q", ErrInvalidRequest, i, m.Role)
		}
		for _, p := range m.Parts {
			if err := p.Validate(); err != nil {
				return fmt.Errorf("message %d: %w", i, err)
			}
		}
	}
	return nil
}

// Turn is an admitted turn. Events is closed after the final write.
type Turn struct {
	ChatID types.ChatID
	IsNew  bool
	Quota  quota.Status
	Events <-chan runtime.Event
}

// Runner executes a turn. *runtime.Runtime satisfies it.
type Runner interface {
	Run(ctx context.Context, in runtime.Input, finalize runtime.FinalizeFunc) <-chan runtime.Event
}
