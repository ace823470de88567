package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/csiyang/ai-hero/internal/quota"
	"github.com/csiyang/ai-hero/internal/runtime"
	"github.com/csiyang/ai-hero/internal/state"
	"github.com/csiyang/ai-hero/internal/types"
)

// fakeRunner answers every turn with a fixed assistant message.
type fakeRunner struct {
	reply       string
	beforeFinal func(in runtime.Input)
	runs        atomic.Int32
}

func (f *fakeRunner) Run(ctx context.Context, in runtime.Input, finalize runtime.FinalizeFunc) <-chan runtime.Event {
	f.runs.Add(1)
	ch := make(chan runtime.Event, 4)
	go func() {
		defer close(ch)
		if in.AnnounceChat {
			ch <- runtime.Event{Type: runtime.EventNewChat, ChatID: in.ChatID}
		}
		ch <- runtime.Event{Type: runtime.EventTextDelta, Text: f.reply}
		ch <- runtime.Event{Type: runtime.EventFinish, StopReason: runtime.StopDone}
		if f.beforeFinal != nil {
			f.beforeFinal(in)
		}
		msgs := append(append([]types.Message(nil), in.Messages...), types.Message{
			ID:    types.NewMessageID(),
			Role:  types.RoleAssistant,
			Parts: []types.Part{types.TextPart(f.reply)},
		})
		finalize(context.WithoutCancel(ctx), runtime.Outcome{ChatID: in.ChatID, Messages: msgs, StopReason: runtime.StopDone, Steps: 1})
	}()
	return ch
}

type fixture struct {
	gw     *Gateway
	store  *state.ChatStore
	ledger *state.RequestLedger
	runner *fakeRunner
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db, err := state.Open(state.Options{Driver: state.DriverSQLite, DSN: filepath.Join(t.TempDir(), "gw.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { state.Close(db) })

	store := state.NewChatStore(db)
	ledger := state.NewRequestLedger(db)
	runner := &fakeRunner{reply: "It is sunny."}
	gw := New(store, quota.New(ledger), runner, opts...)
	return &fixture{gw: gw, store: store, ledger: ledger, runner: runner}
}

func drain(t *testing.T, turn *Turn) []runtime.Event {
	t.Helper()
	var out []runtime.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-turn.Events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out draining turn")
		}
	}
}

func ask(text string) TurnRequest {
	return TurnRequest{Messages: []types.Message{{
		Role:  types.RoleUser,
		Parts: []types.Part{types.TextPart(text)},
	}}}
}

var alice = types.User{ID: "alice"}

func TestStartTurnNewChat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	turn, err := f.gw.StartTurn(ctx, alice, ask("What's the weather in Paris?"))
	if err != nil {
		t.Fatal(err)
	}
	if !turn.IsNew || turn.ChatID == "" {
		t.Fatalf("expected a new chat, got %+v", turn)
	}
	if turn.Quota.Remaining != quota.DefaultDailyLimit-1 {
		t.Errorf("expected remaining %d, got %d", quota.DefaultDailyLimit-1, turn.Quota.Remaining)
	}

	events := drain(t, turn)
	if events[0].Type != runtime.EventNewChat || events[0].ChatID != turn.ChatID {
		t.Errorf("expected NEW_CHAT_CREATED for %s first, got %+v", turn.ChatID, events[0])
	}

	chat, err := f.store.GetChat(ctx, turn.ChatID, alice.ID)
	if err != nil {
		t.Fatal(err)
	}
	if chat == nil {
		t.Fatal("expected chat to be stored")
	}
	if chat.Title != "What's the weather in Paris?" {
		t.Errorf("unexpected title %q", chat.Title)
	}
	if len(chat.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(chat.Messages))
	}
	if chat.Messages[1].FirstText() != "It is sunny." {
		t.Errorf("unexpected assistant text %q", chat.Messages[1].FirstText())
	}

	n, err := f.ledger.CountSince(ctx, alice.ID, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 request record, got %d", n)
	}
}

func TestStartTurnPlaceholderModes(t *testing.T) {
	tests := []struct {
		mode PlaceholderMode
		want int
	}{
		{PlaceholderPrompt, 1},
		{PlaceholderEmpty, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			f := newFixture(t, WithPlaceholder(tt.mode))
			ctx := context.Background()

			seen := -1
			f.runner.beforeFinal = func(in runtime.Input) {
				chat, err := f.store.GetChat(ctx, in.ChatID, alice.ID)
				if err != nil || chat == nil {
					t.Errorf("expected placeholder chat, got %v, %v", chat, err)
					return
				}
				seen = len(chat.Messages)
			}

			turn, err := f.gw.StartTurn(ctx, alice, ask("hello"))
			if err != nil {
				t.Fatal(err)
			}
			drain(t, turn)
			if seen != tt.want {
				t.Errorf("expected %d placeholder messages, got %d", tt.want, seen)
			}
		})
	}
}

func TestStartTurnQuotaExceeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < quota.DefaultDailyLimit; i++ {
		if err := f.ledger.Append(ctx, alice.ID, time.Now()); err != nil {
			t.Fatal(err)
		}
	}

	_, err := f.gw.StartTurn(ctx, alice, ask("one more"))
	var exceeded *quota.ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected ExceededError, got %v", err)
	}
	if exceeded.Status.Remaining != 0 || exceeded.Status.Limit != quota.DefaultDailyLimit {
		t.Errorf("unexpected status %+v", exceeded.Status)
	}
	if f.runner.runs.Load() != 0 {
		t.Error("runner should not be invoked")
	}
	chats, err := f.store.ListChats(ctx, alice.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 0 {
		t.Errorf("expected no chat, got %d", len(chats))
	}
	n, _ := f.ledger.CountSince(ctx, alice.ID, time.Time{})
	if n != int64(quota.DefaultDailyLimit) {
		t.Errorf("expected ledger untouched at %d, got %d", quota.DefaultDailyLimit, n)
	}
}

func TestStartTurnAdminBypassesQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := types.User{ID: "root", IsAdmin: true}
	for i := 0; i < quota.DefaultDailyLimit+5; i++ {
		f.ledger.Append(ctx, admin.ID, time.Now())
	}

	turn, err := f.gw.StartTurn(ctx, admin, ask("hi"))
	if err != nil {
		t.Fatal(err)
	}
	drain(t, turn)
	if turn.Quota.Remaining != quota.Unlimited || turn.Quota.Limit != quota.Unlimited {
		t.Errorf("expected unlimited sentinels, got %+v", turn.Quota)
	}
}

type brokenLedger struct{}

func (brokenLedger) Append(context.Context, types.UserID, time.Time) error {
	return errors.New("disk full")
}

func (brokenLedger) CountSince(context.Context, types.UserID, time.Time) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestStartTurnQuotaUnavailable(t *testing.T) {
	f := newFixture(t)
	gw := New(f.store, quota.New(brokenLedger{}), f.runner)

	_, err := gw.StartTurn(context.Background(), alice, ask("hi"))
	if !errors.Is(err, types.ErrQuotaUnavailable) {
		t.Fatalf("expected ErrQuotaUnavailable, got %v", err)
	}
	if f.runner.runs.Load() != 0 {
		t.Error("runner should not be invoked")
	}
}

// appendFailLedger counts normally but cannot record.
type appendFailLedger struct {
	*state.RequestLedger
}

func (appendFailLedger) Append(context.Context, types.UserID, time.Time) error {
	return errors.New("disk full")
}

func TestStartTurnRecordFailureAborts(t *testing.T) {
	f := newFixture(t)
	gw := New(f.store, quota.New(appendFailLedger{f.ledger}), f.runner)

	_, err := gw.StartTurn(context.Background(), alice, ask("hi"))
	if !errors.Is(err, types.ErrQuotaUnavailable) {
		t.Fatalf("expected ErrQuotaUnavailable, got %v", err)
	}
	if f.runner.runs.Load() != 0 {
		t.Error("runner should not be invoked when the request cannot be recorded")
	}
	if n := gw.lanes.Active(); n != 0 {
		t.Errorf("expected lane released, %d still active", n)
	}
}

func TestStartTurnConcurrentAdmissionRespectsLimit(t *testing.T) {
	f := newFixture(t)
	gw := New(f.store, quota.New(f.ledger, quota.WithLimit(1)), f.runner, WithMaxConcurrent(1))
	ctx := context.Background()

	// hold the only global slot so every request passes the early check
	// before any of them is admitted
	hold, err := gw.lanes.Acquire(ctx, "busy-chat")
	if err != nil {
		t.Fatal(err)
	}

	const attempts = 3
	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
		exceeded atomic.Int32
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			turn, err := gw.StartTurn(ctx, alice, ask("race"))
			var ex *quota.ExceededError
			switch {
			case err == nil:
				admitted.Add(1)
				drain(t, turn)
			case errors.As(err, &ex):
				exceeded.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	deadline := time.Now().Add(5 * time.Second)
	for gw.lanes.size() < attempts+1 {
		if time.Now().After(deadline) {
			t.Fatal("requests never queued behind the busy slot")
		}
		time.Sleep(10 * time.Millisecond)
	}
	hold()
	wg.Wait()

	if admitted.Load() != 1 || exceeded.Load() != attempts-1 {
		t.Errorf("expected 1 admitted and %d exceeded, got %d and %d", attempts-1, admitted.Load(), exceeded.Load())
	}
	n, err := f.ledger.CountSince(ctx, alice.ID, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 request record, got %d", n)
	}
	if f.runner.runs.Load() != 1 {
		t.Errorf("expected 1 run, got %d", f.runner.runs.Load())
	}
}

func TestStartTurnExistingChatFlaggedNewKeepsTitle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.gw.StartTurn(ctx, alice, ask("original title"))
	if err != nil {
		t.Fatal(err)
	}
	drain(t, first)
	chat, _ := f.store.GetChat(ctx, first.ChatID, alice.ID)

	req := TurnRequest{ChatID: first.ChatID, IsNewChat: true, Messages: append(chat.Messages, types.Message{
		Role:  types.RoleUser,
		Parts: []types.Part{types.TextPart("something else entirely")},
	})}
	second, err := f.gw.StartTurn(ctx, alice, req)
	if err != nil {
		t.Fatal(err)
	}
	if second.IsNew {
		t.Error("expected an existing chat not to be reported as new")
	}
	for _, ev := range drain(t, second) {
		if ev.Type == runtime.EventNewChat {
			t.Error("existing chat must not be announced")
		}
	}

	chat, _ = f.store.GetChat(ctx, first.ChatID, alice.ID)
	if chat.Title != "original title" {
		t.Errorf("expected title kept, got %q", chat.Title)
	}
	if len(chat.Messages) != 4 {
		t.Errorf("expected 4 messages, got %d", len(chat.Messages))
	}
}

func TestStartTurnForeignChat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	turn, err := f.gw.StartTurn(ctx, alice, ask("mine"))
	if err != nil {
		t.Fatal(err)
	}
	drain(t, turn)

	req := ask("let me in")
	req.ChatID = turn.ChatID
	_, err = f.gw.StartTurn(ctx, types.User{ID: "mallory"}, req)
	if !errors.Is(err, types.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}

	chat, _ := f.store.GetChat(ctx, turn.ChatID, alice.ID)
	if chat == nil || len(chat.Messages) != 2 {
		t.Errorf("expected alice's chat untouched, got %+v", chat)
	}
	n, _ := f.ledger.CountSince(ctx, "mallory", time.Time{})
	if n != 0 {
		t.Errorf("expected no request recorded for mallory, got %d", n)
	}
}

func TestStartTurnContinuesExistingChat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.gw.StartTurn(ctx, alice, ask("first question"))
	if err != nil {
		t.Fatal(err)
	}
	drain(t, first)
	chat, _ := f.store.GetChat(ctx, first.ChatID, alice.ID)

	req := TurnRequest{ChatID: first.ChatID, Messages: append(chat.Messages, types.Message{
		Role:  types.RoleUser,
		Parts: []types.Part{types.TextPart("follow up")},
	})}
	second, err := f.gw.StartTurn(ctx, alice, req)
	if err != nil {
		t.Fatal(err)
	}
	if second.IsNew {
		t.Error("expected existing chat")
	}
	events := drain(t, second)
	if events[0].Type == runtime.EventNewChat {
		t.Error("existing chat must not be announced")
	}

	chat, _ = f.store.GetChat(ctx, first.ChatID, alice.ID)
	if len(chat.Messages) != 4 {
		t.Errorf("expected 4 messages, got %d", len(chat.Messages))
	}
	if chat.Title != "first question" {
		t.Errorf("expected title kept, got %q", chat.Title)
	}
}

func TestStartTurnInvalidRequest(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		req  TurnRequest
	}{
		{"empty", TurnRequest{}},
		{"last not user", TurnRequest{Messages: []types.Message{{Role: types.RoleAssistant, Parts: []types.Part{types.TextPart("x")}}}}},
		{"unknown role", TurnRequest{Messages: []types.Message{{Role: "tool"}, {Role: types.RoleUser}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.gw.StartTurn(context.Background(), alice, tt.req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
	if f.runner.runs.Load() != 0 {
		t.Error("runner should not be invoked")
	}
}

func TestFinalizeFlushesOnce(t *testing.T) {
	var flushes atomic.Int32
	f := newFixture(t, WithFlush(func(context.Context) error {
		flushes.Add(1)
		return nil
	}))

	turn, err := f.gw.StartTurn(context.Background(), alice, ask("hi"))
	if err != nil {
		t.Fatal(err)
	}
	drain(t, turn)
	if n := flushes.Load(); n != 1 {
		t.Errorf("expected 1 flush, got %d", n)
	}
	if !f.gw.Wait(time.Second) {
		t.Error("expected gateway to be idle")
	}
}

func TestParsePlaceholderMode(t *testing.T) {
	if m, err := ParsePlaceholderMode(""); err != nil || m != PlaceholderPrompt {
		t.Errorf("expected default prompt, got %q, %v", m, err)
	}
	if _, err := ParsePlaceholderMode("bogus"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
