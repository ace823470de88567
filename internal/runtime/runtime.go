// Package runtime drives one research turn: it streams model output, runs
// the tool calls the model asks for, and feeds results back until the model
// answers or the step ceiling is reached.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	ctxengine "github.com/csiyang/ai-hero/internal/context"
	"github.com/csiyang/ai-hero/internal/types"
	"github.com/csiyang/ai-hero/pkg/llm"
)

const (
	DefaultMaxSteps = 10

	// StepLimitNotice closes an answer cut short by the step ceiling.
	StepLimitNotice = "\n\n_I reached the research step limit for this turn. The answer above is based on what I found so far._"

	eventBuffer = 64
)

var tracer = otel.Tracer("github.com/csiyang/ai-hero/internal/runtime")

// Input is one turn's request.
type Input struct {
	ChatID       types.ChatID
	AnnounceChat bool
	// Messages is the full history including the new user message.
	Messages []types.Message
}

// Outcome is handed to the finalize hook once the turn is over.
type Outcome struct {
	ChatID types.ChatID
	// Messages is the history plus the assistant message built this turn,
	// if it has any parts.
	Messages   []types.Message
	StopReason StopReason
	Steps      int
	Err        error
}

// FinalizeFunc runs exactly once per turn on a context that is not canceled
// with the request.
type FinalizeFunc func(ctx context.Context, out Outcome)

// Runtime implements the agentic turn loop.
type Runtime struct {
	provider llm.Provider
	engine   *ctxengine.Engine
	registry *Registry
	maxSteps int
	now      func() time.Time
}

// New creates a Runtime with the given dependencies.
func New(provider llm.Provider, engine *ctxengine.Engine, registry *Registry, maxSteps int) *Runtime {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Runtime{
		provider: provider,
		engine:   engine,
		registry: registry,
		maxSteps: maxSteps,
		now:      time.Now,
	}
}

// MaxSteps returns the step ceiling.
func (rt *Runtime) MaxSteps() int { return rt.maxSteps }

// turn is the mutable state of one Run.
type turn struct {
	in        Input
	assistant types.Message
	seen      map[string]bool
	steps     int
	events    chan<- Event
	ctx       context.Context
}

func (t *turn) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

func (t *turn) outcome(reason StopReason, err error) Outcome {
	msgs := make([]types.Message, 0, len(t.in.Messages)+1)
	msgs = append(msgs, t.in.Messages...)
	if len(t.assistant.Parts) > 0 {
		t.assistant.Order = len(msgs)
		msgs = append(msgs, t.assistant)
	}
	return Outcome{
		ChatID:     t.in.ChatID,
		Messages:   msgs,
		StopReason: reason,
		Steps:      t.steps,
		Err:        err,
	}
}

// Run starts a turn and returns its event stream. The channel is closed after
// the finish event has been sent and finalize has returned. Events are
// dropped once ctx is canceled, but finalize still runs.
func (rt *Runtime) Run(ctx context.Context, in Input, finalize FinalizeFunc) <-chan Event {
	events := make(chan Event, eventBuffer)
	t := &turn{
		in: in,
		assistant: types.Message{
			ID:        types.NewMessageID(),
			ChatID:    in.ChatID,
			Role:      types.RoleAssistant,
			CreatedAt: rt.now(),
		},
		seen:   make(map[string]bool),
		events: events,
		ctx:    ctx,
	}

	go func() {
		defer close(events)
		var out Outcome
		defer func() {
			if r := recover(); r != nil {
				slog.Error("turn panicked", "chat", in.ChatID, "panic", r)
				out = t.outcome(StopError, fmt.Errorf("turn panicked: %v", r))
				t.emit(Event{Type: EventError, Error: "internal error"})
			}
			t.emit(Event{Type: EventFinish, StopReason: out.StopReason, Steps: out.Steps})
			if finalize != nil {
				finalize(context.WithoutCancel(ctx), out)
			}
		}()
		out = rt.loop(ctx, t)
	}()
	return events
}

func (rt *Runtime) loop(ctx context.Context, t *turn) Outcome {
	ctx, span := tracer.Start(ctx, "turn")
	defer span.End()
	span.SetAttributes(attribute.String("chat.id", string(t.in.ChatID)))

	if t.in.AnnounceChat {
		t.emit(Event{Type: EventNewChat, ChatID: t.in.ChatID})
	}

	names := rt.registry.Names()
	tools := rt.registry.AsLLMTools()

	for step := 1; step <= rt.maxSteps; step++ {
		t.steps = step
		calls, err := rt.step(ctx, t, names, tools)
		if err != nil {
			if ctx.Err() != nil {
				span.SetAttributes(attribute.String("turn.stop", string(StopCanceled)))
				return t.outcome(StopCanceled, ctx.Err())
			}
			slog.Warn("turn aborted", "chat", t.in.ChatID, "step", step, "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			t.emit(Event{Type: EventError, Error: err.Error()})
			return t.outcome(StopError, err)
		}
		if len(calls) == 0 {
			span.SetAttributes(attribute.Int("turn.steps", step), attribute.String("turn.stop", string(StopDone)))
			return t.outcome(StopDone, nil)
		}

		rt.runTools(ctx, t, calls)
		if ctx.Err() != nil {
			return t.outcome(StopCanceled, ctx.Err())
		}
	}

	slog.Info("step limit reached", "chat", t.in.ChatID, "steps", rt.maxSteps)
	t.assistant.Parts = append(t.assistant.Parts, types.TextPart(StepLimitNotice))
	t.emit(Event{Type: EventTextDelta, Text: StepLimitNotice})
	span.SetAttributes(attribute.Int("turn.steps", rt.maxSteps), attribute.String("turn.stop", string(StopStepLimit)))
	return t.outcome(StopStepLimit, nil)
}

// step makes one model call and returns the tool calls it requested. Streamed
// text is recorded even when the stream fails part way.
func (rt *Runtime) step(ctx context.Context, t *turn, names []string, tools []llm.Tool) ([]llm.ToolCall, error) {
	ctx, span := tracer.Start(ctx, "step")
	defer span.End()
	span.SetAttributes(attribute.Int("step", t.steps))

	history := t.in.Messages
	if len(t.assistant.Parts) > 0 {
		history = append(append([]types.Message(nil), t.in.Messages...), t.assistant)
	}
	prompt, err := rt.engine.BuildPrompt(ctx, history, rt.now(), names, rt.maxSteps)
	if err != nil {
		return nil, err
	}

	stream, err := rt.provider.Stream(ctx, prompt, tools)
	if err != nil {
		return nil, fmt.Errorf("LLM call: %w", err)
	}

	var (
		text  strings.Builder
		calls []llm.ToolCall
	)
	defer func() {
		if text.Len() > 0 {
			t.assistant.Parts = append(t.assistant.Parts, types.TextPart(text.String()))
		}
	}()

	for {
		select {
		case d, ok := <-stream:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				span.SetAttributes(attribute.Int("step.tool_calls", len(calls)))
				return calls, nil
			}
			if d.Err != nil {
				return nil, fmt.Errorf("LLM stream: %w", d.Err)
			}
			if d.Content != "" {
				text.WriteString(d.Content)
				t.emit(Event{Type: EventTextDelta, Text: d.Content})
			}
			calls = append(calls, d.ToolCalls...)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// runTools executes every call of a step concurrently and records the
// results in the order the model issued them.
func (rt *Runtime) runTools(ctx context.Context, t *turn, calls []llm.ToolCall) {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + string(types.NewMessageID())
		}
		args := calls[i].Function.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
			calls[i].Function.Arguments = args
		}
		t.emit(Event{
			Type:       EventToolCall,
			ToolCallID: calls[i].ID,
			ToolName:   calls[i].Function.Name,
			Args:       args,
		})
	}

	outputs := make([]Output, len(calls))
	var g errgroup.Group
	for i, tc := range calls {
		g.Go(func() error {
			outputs[i] = rt.execute(ctx, tc)
			return nil
		})
	}
	_ = g.Wait()

	var fresh []types.Source
	for i, tc := range calls {
		t.assistant.Parts = append(t.assistant.Parts, types.Part{
			Type: types.PartToolInvocation,
			ToolInvocation: &types.ToolInvocation{
				ToolCallID: tc.ID,
				ToolName:   tc.Function.Name,
				State:      types.StateResult,
				Args:       tc.Function.Arguments,
				Result:     outputs[i].Result,
			},
		})
		t.emit(Event{
			Type:       EventToolResult,
			ToolCallID: tc.ID,
			ToolName:   tc.Function.Name,
			Result:     outputs[i].Result,
		})
		for _, src := range outputs[i].Sources {
			if src.URL == "" || t.seen[src.URL] {
				continue
			}
			t.seen[src.URL] = true
			fresh = append(fresh, src)
		}
	}
	for _, src := range fresh {
		t.assistant.Parts = append(t.assistant.Parts, types.SourcePart(src.URL, src.Title))
	}
	if len(fresh) > 0 {
		t.emit(Event{Type: EventSources, Sources: fresh})
	}
}

func (rt *Runtime) execute(ctx context.Context, tc llm.ToolCall) Output {
	ctx, span := tracer.Start(ctx, "tool."+tc.Function.Name)
	defer span.End()

	call, err := ParseCall(tc.Function.Name, tc.Function.Arguments)
	if err != nil {
		span.RecordError(err)
		return Output{Result: errorResult(err)}
	}
	start := time.Now()
	out, err := rt.registry.Execute(ctx, call)
	if err != nil {
		slog.Warn("tool failed", "tool", tc.Function.Name, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Output{Result: errorResult(err)}
	}
	slog.Debug("tool done", "tool", tc.Function.Name, "duration", time.Since(start), "sources", len(out.Sources))
	return out
}

// DefaultTitle is used when the first user message has no text.
const DefaultTitle = "New Chat"

const maxTitleRunes = 100

// DeriveTitle builds a chat title from the first user message's first text
// part: whitespace collapsed, at most 100 runes.
func DeriveTitle(messages []types.Message) string {
	for _, m := range messages {
		if m.Role != types.RoleUser {
			continue
		}
		title := strings.Join(strings.Fields(m.FirstText()), " ")
		if title == "" {
			return DefaultTitle
		}
		if r := []rune(title); len(r) > maxTitleRunes {
			title = strings.TrimSpace(string(r[:maxTitleRunes]))
		}
		return title
	}
	return DefaultTitle
}
