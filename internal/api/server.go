// Package api exposes the research assistant over HTTP: a streaming chat
// endpoint plus chat history and quota lookups for the authenticated user.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/csiyang/ai-hero/internal/auth"
	"github.com/csiyang/ai-hero/internal/gateway"
	"github.com/csiyang/ai-hero/internal/types"
)

const (
	maxBodyBytes     = 1 << 20
	defaultHeartbeat = 15 * time.Second
)

// Server is the HTTP handler for the API.
type Server struct {
	gw        *gateway.Gateway
	chats     types.ChatStore
	auth      *auth.Authenticator
	router    chi.Router
	heartbeat time.Duration
}

// NewServer wires the routes. Every /api route requires a bearer token.
func NewServer(gw *gateway.Gateway, chats types.ChatStore, authn *auth.Authenticator) *Server {
	s := &Server{
		gw:        gw,
		chats:     chats,
		auth:      authn,
		router:    chi.NewRouter(),
		heartbeat: defaultHeartbeat,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Route("/api", func(r chi.Router) {
		r.Use(s.requireUser)
		r.Post("/chat", s.handleChat)
		r.Get("/chats", s.handleListChats)
		r.Get("/chats/{chatID}", s.handleGetChat)
		r.Delete("/chats/{chatID}", s.handleDeleteChat)
		r.Get("/quota", s.handleQuota)
	})
	return s
}

// ServeHTTP delegates to the router, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}

// requestLogger logs one line per request through slog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
