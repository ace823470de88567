package context

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/csiyang/ai-hero/internal/types"
	"github.com/csiyang/ai-hero/pkg/llm"
)

// PromptData is the data passed to the system prompt template.
type PromptData struct {
	Date     string
	Time     string
	Tools    []string
	MaxSteps int
}

// Engine assembles token-budgeted prompts for the LLM.
type Engine struct {
	tokenizer       *tiktoken.Tiktoken
	maxTokens       int
	reserve         int
	toolResultLimit int
	tmpl            *template.Template
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	tmpl, err := template.New("system").Funcs(template.FuncMap{"join": strings.Join}).Parse(DefaultPrompt)
	if err != nil {
		return nil, fmt.Errorf("parse system prompt: %w", err)
	}
	return &Engine{
		tokenizer:       enc,
		maxTokens:       maxTokens,
		reserve:         reserve,
		toolResultLimit: 8000,
		tmpl:            tmpl,
	}, nil
}

// SetToolResultLimit caps the tokens of each tool result fed back to the model.
func (e *Engine) SetToolResultLimit(n int) {
	if n > 0 {
		e.toolResultLimit = n
	}
}

// countTokens returns the token count for a string.
func (e *Engine) countTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// TruncateTokens cuts text to at most n tokens.
func (e *Engine) TruncateTokens(text string, n int) string {
	tokens := e.tokenizer.Encode(text, nil, nil)
	if len(tokens) <= n {
		return text
	}
	return e.tokenizer.Decode(tokens[:n]) + "\n[truncated]"
}

// SystemPrompt renders the system prompt for the given time.
func (e *Engine) SystemPrompt(now time.Time, toolNames []string, maxSteps int) (string, error) {
	var sb strings.Builder
	err := e.tmpl.Execute(&sb, PromptData{
		Date:     now.Format("Monday, 2 January 2006"),
		Time:     now.Format(time.RFC3339),
		Tools:    toolNames,
		MaxSteps: maxSteps,
	})
	if err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return sb.String(), nil
}

// BuildPrompt assembles the system prompt and as much of the chat history as
// fits the budget. History is kept from the newest message backwards; the
// newest message is always included.
func (e *Engine) BuildPrompt(
	ctx context.Context,
	history []types.Message,
	now time.Time,
	toolNames []string,
	maxSteps int,
) ([]llm.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inputBudget := e.maxTokens - e.reserve

	sysPrompt, err := e.SystemPrompt(now, toolNames, maxSteps)
	if err != nil {
		return nil, err
	}
	remaining := inputBudget - e.countTokens(sysPrompt)

	groups := make([][]llm.Message, 0, len(history))
	for _, m := range history {
		groups = append(groups, e.ToLLMMessages(m))
	}

	// walk backwards so the most recent context survives
	start := len(groups)
	used := 0
	for i := len(groups) - 1; i >= 0; i-- {
		cost := e.groupTokens(groups[i])
		if used+cost > remaining && i != len(groups)-1 {
			break
		}
		used += cost
		start = i
	}

	messages := []llm.Message{{Role: "system", Content: sysPrompt}}
	for _, g := range groups[start:] {
		messages = append(messages, g...)
	}
	return messages, nil
}

func (e *Engine) groupTokens(msgs []llm.Message) int {
	n := 0
	for _, m := range msgs {
		n += e.countTokens(m.Content) + 4
		for _, tc := range m.Tools {
			n += e.countTokens(tc.Function.Name)
			n += e.countTokens(string(tc.Function.Arguments))
		}
	}
	return n
}

// ToLLMMessages converts one stored message into provider messages. An
// assistant message that spans several steps becomes alternating assistant
// tool-call messages and tool results, ending with any trailing text.
// Invocations without a result are dropped and source parts are omitted.
func (e *Engine) ToLLMMessages(m types.Message) []llm.Message {
	switch m.Role {
	case types.RoleUser, types.RoleSystem:
		return []llm.Message{{Role: string(m.Role), Content: joinText(m.Parts)}}
	}

	var (
		out     []llm.Message
		text    strings.Builder
		calls   []llm.ToolCall
		results []llm.Message
	)
	flush := func() {
		if len(calls) > 0 {
			out = append(out, llm.Message{Role: "assistant", Content: text.String(), Tools: calls})
			out = append(out, results...)
			text.Reset()
			calls, results = nil, nil
		}
	}
	for _, p := range m.Parts {
		switch p.Type {
		case types.PartText:
			if len(calls) > 0 {
				flush()
			}
			text.WriteString(p.Text)
		case types.PartToolInvocation:
			inv := p.ToolInvocation
			if inv == nil || inv.State != types.StateResult {
				continue
			}
			calls = append(calls, llm.ToolCall{
				ID:       inv.ToolCallID,
				Type:     "function",
				Function: llm.FunctionCall{Name: inv.ToolName, Arguments: inv.Args},
			})
			results = append(results, llm.Message{
				Role:       "tool",
				Content:    e.TruncateTokens(resultText(inv.Result), e.toolResultLimit),
				ToolCallID: inv.ToolCallID,
			})
		}
	}
	flush()
	if text.Len() > 0 {
		out = append(out, llm.Message{Role: "assistant", Content: text.String()})
	}
	return out
}

func joinText(parts []types.Part) string {
	var texts []string
	for _, p := range parts {
		if p.Type == types.PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// resultText unwraps string results so the model does not see quoted JSON.
func resultText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
