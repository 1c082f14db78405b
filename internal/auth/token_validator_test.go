package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSigningSecret = []byte("validator-test-secret")

func issueToken(t *testing.T, secret []byte, subject, issuer string, expiresAt time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(expiresAt.Add(-time.Hour)),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func newValidator(t *testing.T) *TokenValidator {
	t.Helper()
	validator, err := NewTokenValidator(TokenValidatorConfig{
		SigningSecret: testSigningSecret,
		Issuer:        "inkwell-auth",
		Clock:         func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func TestValidateTokenReturnsSubject(t *testing.T) {
	validator := newValidator(t)
	token := issueToken(t, testSigningSecret, "owner-1", "inkwell-auth", time.Unix(1700003600, 0))

	subject, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "owner-1" {
		t.Fatalf("unexpected subject %q", subject)
	}
}

func TestValidateTokenRejections(t *testing.T) {
	validator := newValidator(t)

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{name: "empty", token: "", wantErr: ErrMissingToken},
		{name: "garbage", token: "not.a.jwt", wantErr: ErrInvalidToken},
		{
			name:    "wrong-secret",
			token:   issueToken(t, []byte("other-secret"), "owner-1", "inkwell-auth", time.Unix(1700003600, 0)),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "expired",
			token:   issueToken(t, testSigningSecret, "owner-1", "inkwell-auth", time.Unix(1699990000, 0)),
			wantErr: ErrExpiredToken,
		},
		{
			name:    "wrong-issuer",
			token:   issueToken(t, testSigningSecret, "owner-1", "someone-else", time.Unix(1700003600, 0)),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "missing-subject",
			token:   issueToken(t, testSigningSecret, "", "inkwell-auth", time.Unix(1700003600, 0)),
			wantErr: ErrMissingSubject,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validator.ValidateToken(tt.token)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNewTokenValidatorRequiresSecret(t *testing.T) {
	if _, err := NewTokenValidator(TokenValidatorConfig{}); !errors.Is(err, ErrMissingSigningSecret) {
		t.Fatalf("expected ErrMissingSigningSecret, got %v", err)
	}
}
