package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/csiyang/ai-hero/internal/gateway"
	"github.com/csiyang/ai-hero/internal/runtime"
	"github.com/csiyang/ai-hero/internal/types"
)

type chatRequest struct {
	ChatID    types.ChatID    `json:"chatId,omitempty"`
	IsNewChat bool            `json:"isNewChat,omitempty"`
	Messages  []types.Message `json:"messages"`
}

// handleChat admits a turn and streams its events as server-sent events.
// Admission failures are plain JSON errors; once streaming starts, failures
// arrive as error events.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	var req chatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: decode body: %v", gateway.ErrInvalidRequest, err))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	turn, err := s.gw.StartTurn(r.Context(), user, gateway.TurnRequest{
		ChatID:    req.ChatID,
		IsNewChat: req.IsNewChat,
		Messages:  req.Messages,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Chat-Id", string(turn.ChatID))
	setRateLimitHeaders(w, turn.Quota)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case ev, ok := <-turn.Events:
			if !ok {
				return
			}
			if err := sendSSE(w, ev); err != nil {
				slog.Warn("write event failed", "chat_id", turn.ChatID, "error", err)
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func sendSSE(w http.ResponseWriter, ev runtime.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	return err
}
