package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/csiyang/ai-hero/internal/gateway"
	"github.com/csiyang/ai-hero/internal/quota"
	"github.com/csiyang/ai-hero/internal/types"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type quotaErrorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Remaining int    `json:"remaining"`
	Limit     int    `json:"limit"`
}

func setRateLimitHeaders(w http.ResponseWriter, st quota.Status) {
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(st.Remaining))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(st.Limit))
}

// writeError maps a domain error onto an HTTP status.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var exceeded *quota.ExceededError
	switch {
	case errors.As(err, &exceeded):
		setRateLimitHeaders(w, exceeded.Status)
		writeJSON(w, http.StatusTooManyRequests, quotaErrorBody{
			Error:     "QuotaExceeded",
			Message:   "You have reached your daily request limit. Try again tomorrow.",
			Remaining: exceeded.Status.Remaining,
			Limit:     exceeded.Status.Limit,
		})
	case errors.Is(err, types.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorBody{"Unauthorized", "A valid bearer token is required."})
	case errors.Is(err, types.ErrPermissionDenied):
		writeJSON(w, http.StatusForbidden, errorBody{"PermissionDenied", "This chat belongs to another user."})
	case errors.Is(err, types.ErrChatNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{"NotFound", "Chat not found."})
	case errors.Is(err, gateway.ErrInvalidRequest), errors.Is(err, types.ErrInvalidPart):
		writeJSON(w, http.StatusBadRequest, errorBody{"BadRequest", err.Error()})
	case errors.Is(err, types.ErrQuotaUnavailable):
		slog.Error("quota unavailable", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{"ServiceUnavailable", "Usage limits cannot be checked right now. Try again shortly."})
	default:
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{"InternalError", "Something went wrong."})
	}
}
