package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type PartType string

const (
	PartText           PartType = "text"
	PartSource         PartType = "source"
	PartToolInvocation PartType = "tool-invocation"
)

type InvocationState string

const (
	StatePartialCall InvocationState = "partial-call"
	StateCall        InvocationState = "call"
	StateResult      InvocationState = "result"
)

// Part is one element of a message. Exactly one payload field is set,
// selected by Type.
type Part struct {
	Type           PartType        `json:"type"`
	Text           string          `json:"text,omitempty"`
	Source         *Source         `json:"source,omitempty"`
	ToolInvocation *ToolInvocation `json:"toolInvocation,omitempty"`
}

type Source struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

type ToolInvocation struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	State      InvocationState `json:"state"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

func SourcePart(url, title string) Part {
	return Part{Type: PartSource, Source: &Source{URL: url, Title: title}}
}

// Validate checks the structural rules of a part: a result invocation must
// carry a non-null result, a call or partial call must carry arguments.
func (p Part) Validate() error {
	switch p.Type {
	case PartText:
		return nil
	case PartSource:
		if p.Source == nil || p.Source.URL == "" {
			return fmt.Errorf("%w: source part without url", ErrInvalidPart)
		}
		return nil
	case PartToolInvocation:
		inv := p.ToolInvocation
		if inv == nil || inv.ToolCallID == "" || inv.ToolName == "" {
			return fmt.Errorf("%w: incomplete tool invocation", ErrInvalidPart)
		}
		switch inv.State {
		case StateResult:
			if isNullJSON(inv.Result) {
				return fmt.Errorf("%w: tool invocation %s in result state has no result", ErrInvalidPart, inv.ToolCallID)
			}
		case StateCall, StatePartialCall:
			if len(inv.Args) == 0 {
				return fmt.Errorf("%w: tool invocation %s has no args", ErrInvalidPart, inv.ToolCallID)
			}
		default:
			return fmt.Errorf("%w: unknown invocation state %q", ErrInvalidPart, inv.State)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown part type %q", ErrInvalidPart, p.Type)
	}
}

func isNullJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

type Message struct {
	ID        MessageID `json:"id"`
	ChatID    ChatID    `json:"chatId,omitempty"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	Order     int       `json:"order"`
	CreatedAt time.Time `json:"createdAt"`
}

// FirstText returns the first text part's content, or "".
func (m Message) FirstText() string {
	for _, p := range m.Parts {
		if p.Type == PartText && p.Text != "" {
			return p.Text
		}
	}
	return ""
}

type Chat struct {
	ID        ChatID    `json:"id"`
	UserID    UserID    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type ChatWithMessages struct {
	Chat
	Messages []Message `json:"messages"`
}

type User struct {
	ID      UserID `json:"id"`
	IsAdmin bool   `json:"isAdmin"`
}

type RequestRecord struct {
	ID        int64     `json:"id"`
	UserID    UserID    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}
