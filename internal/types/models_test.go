package types

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestPartValidate(t *testing.T) {
	valid := []Part{
		TextPart("hello"),
		SourcePart("https://example.com", "Example"),
		{Type: PartToolInvocation, ToolInvocation: &ToolInvocation{
			ToolCallID: "c1", ToolName: "searchWeb", State: StateCall, Args: json.RawMessage(`{"query":"x"}`),
		}},
		{Type: PartToolInvocation, ToolInvocation: &ToolInvocation{
			ToolCallID: "c1", ToolName: "searchWeb", State: StateResult, Args: json.RawMessage(`{}`), Result: json.RawMessage(`[]`),
		}},
	}
	for i, p := range valid {
		if err := p.Validate(); err != nil {
			t.Errorf("part %d: expected valid, got %v", i, err)
		}
	}

	invalid := []Part{
		{Type: "image"},
		{Type: PartSource},
		{Type: PartToolInvocation},
		{Type: PartToolInvocation, ToolInvocation: &ToolInvocation{
			ToolCallID: "c1", ToolName: "searchWeb", State: StateResult, Result: json.RawMessage(`null`),
		}},
		{Type: PartToolInvocation, ToolInvocation: &ToolInvocation{
			ToolCallID: "c1", ToolName: "searchWeb", State: StatePartialCall,
		}},
	}
	for i, p := range invalid {
		err := p.Validate()
		if !errors.Is(err, ErrInvalidPart) {
			t.Errorf("part %d: expected ErrInvalidPart, got %v", i, err)
		}
	}
}

func TestMessageFirstText(t *testing.T) {
	m := Message{Parts: []Part{SourcePart("https://a.test", ""), TextPart(""), TextPart("question")}}
	if got := m.FirstText(); got != "question" {
		t.Errorf("expected 'question', got %q", got)
	}
	if got := (Message{}).FirstText(); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}
