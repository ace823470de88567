package runtime

import (
	"encoding/json"

	"github.com/csiyang/ai-hero/internal/types"
)

// EventType names a streamed turn event.
type EventType string

const (
	EventNewChat    EventType = "NEW_CHAT_CREATED"
	EventTextDelta  EventType = "text-delta"
	EventToolCall   EventType = "tool-call"
	EventToolResult EventType = "tool-result"
	EventSources    EventType = "sources"
	EventError      EventType = "error"
	EventFinish     EventType = "finish"
)

// StopReason says why a turn ended.
type StopReason string

const (
	StopDone      StopReason = "done"
	StopStepLimit StopReason = "step-limit"
	StopError     StopReason = "error"
	StopCanceled  StopReason = "canceled"
)

// Event is one item of a turn's stream. Only the fields relevant to Type are
// set.
type Event struct {
	Type       EventType       `json:"type"`
	ChatID     types.ChatID    `json:"chatId,omitempty"`
	Text       string          `json:"textDelta,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Sources    []types.Source  `json:"sources,omitempty"`
	Error      string          `json:"error,omitempty"`
	StopReason StopReason      `json:"finishReason,omitempty"`
	Steps      int             `json:"steps,omitempty"`
}
