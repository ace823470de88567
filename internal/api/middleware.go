package api

import (
	"context"
	"net/http"

	"github.com/csiyang/ai-hero/internal/auth"
	"github.com/csiyang/ai-hero/internal/types"
)

type ctxKey struct{}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.FromHeader(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, r, types.ErrUnauthorized)
			return
		}
		user, err := s.auth.Verify(token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFrom(ctx context.Context) types.User {
	u, _ := ctx.Value(ctxKey{}).(types.User)
	return u
}
