package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func TestVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("secret")
	token, err := v.Issue("42", "doctor", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	u, err := v.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if u.ID != "42" || !u.IsDoctor() {
		t.Fatalf("unexpected user %+v", u)
	}
}

func TestVerifyNumericUserID(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": 17,
		"role":    "user",
		"exp":     time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	u, err := NewVerifier("secret").Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if u.ID != "17" || u.IsDoctor() {
		t.Fatalf("unexpected user %+v", u)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier("secret")
	expired, _ := v.Issue("1", "", -time.Minute)
	foreign, _ := NewVerifier("other").Issue("1", "", time.Minute)
	noUser, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"role": "doctor"}).SignedString([]byte("secret"))
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"user_id": "1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"expired", expired, ErrInvalidToken},
		{"wrong secret", foreign, ErrInvalidToken},
		{"garbage", "not-a-token", ErrInvalidToken},
		{"alg none", none, ErrInvalidToken},
		{"no user", noUser, ErrNoUserID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.token); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestUserContext(t *testing.T) {
	if UserFromContext(context.Background()) != nil {
		t.Fatal("expected no user")
	}
	ctx := WithUser(context.Background(), &User{ID: "3"})
	if u := UserFromContext(ctx); u == nil || u.ID != "3" {
		t.Fatalf("unexpected user %+v", u)
	}
}
