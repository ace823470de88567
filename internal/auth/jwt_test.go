package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/csiyang/ai-hero/internal/types"
)

func TestSignVerify(t *testing.T) {
	a, err := New("s3cret", []string{"root"})
	if err != nil {
		t.Fatal(err)
	}

	tok, err := a.Sign("alice", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	user, err := a.Verify(tok)
	if err != nil {
		t.Fatal(err)
	}
	if user.ID != "alice" || user.IsAdmin {
		t.Errorf("unexpected user %+v", user)
	}

	tok, _ = a.Sign("root", time.Hour)
	user, err = a.Verify(tok)
	if err != nil {
		t.Fatal(err)
	}
	if !user.IsAdmin {
		t.Error("expected root to be admin")
	}
}

func TestVerifyRejects(t *testing.T) {
	a, _ := New("s3cret", nil)
	other, _ := New("different", nil)
	foreign, _ := other.Sign("alice", time.Hour)

	expired := func() string {
		a2, _ := New("s3cret", nil)
		a2.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
		tok, _ := a2.Sign("alice", time.Hour)
		return tok
	}()

	none := func() string {
		tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		s, _ := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
		return s
	}()

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", foreign},
		{"expired", expired},
		{"alg none", none},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Verify(tt.token)
			if !errors.Is(err, types.ErrUnauthorized) {
				t.Errorf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New("  ", nil); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestFromHeader(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := FromHeader(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("FromHeader(%q) = %q, %v; expected %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
