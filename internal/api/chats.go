package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/csiyang/ai-hero/internal/types"
)

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.chats.ListChats(r.Context(), userFrom(r.Context()).ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if chats == nil {
		chats = []types.Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	chatID := types.ChatID(chi.URLParam(r, "chatID"))
	chat, err := s.chats.GetChat(r.Context(), chatID, userFrom(r.Context()).ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if chat == nil {
		writeError(w, r, types.ErrChatNotFound)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	chatID := types.ChatID(chi.URLParam(r, "chatID"))
	if err := s.chats.DeleteChat(r.Context(), chatID, userFrom(r.Context()).ID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	status, err := s.gw.Quota(r.Context(), userFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	setRateLimitHeaders(w, status)
	writeJSON(w, http.StatusOK, status)
}
