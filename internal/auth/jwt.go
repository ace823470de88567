// Package auth issues and verifies the bearer tokens that identify API users.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/csiyang/ai-hero/internal/types"
)

const DefaultTTL = 24 * time.Hour

// Authenticator signs and verifies HS256 tokens. Admin status comes from
// the configured admin list, never from the token.
type Authenticator struct {
	secret []byte
	admins map[types.UserID]bool
	now    func() time.Time
}

// New creates an Authenticator. An empty secret is rejected.
func New(secret string, admins []string) (*Authenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	a := &Authenticator{
		secret: []byte(secret),
		admins: make(map[types.UserID]bool, len(admins)),
		now:    time.Now,
	}
	for _, id := range admins {
		if id = strings.TrimSpace(id); id != "" {
			a.admins[types.UserID(id)] = true
		}
	}
	return a, nil
}

// Sign issues a token for userID valid for ttl.
func (a *Authenticator) Sign(userID types.UserID, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   string(userID),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Verify parses a token and returns the user it identifies. Every failure
// wraps types.ErrUnauthorized.
func (a *Authenticator) Verify(tokenString string) (types.User, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return types.User{}, fmt.Errorf("%w: %v", types.ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return types.User{}, fmt.Errorf("%w: token has no subject", types.ErrUnauthorized)
	}
	id := types.UserID(claims.Subject)
	return types.User{ID: id, IsAdmin: a.admins[id]}, nil
}

// FromHeader extracts the token from an Authorization header value.
func FromHeader(h string) (string, bool) {
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}
