package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "feedsync",
		Audience:      "feedsync-api",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerIssuesViewerTokens(t *testing.T) {
	issuer := newTestIssuer(t, nil)

	tokenString, expiresIn, err := issuer.IssueViewerToken(context.Background(), "user-123", "Example")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	claims := &ViewerClaims{}
	_, err = jwt.NewParser().ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "user-123" || claims.DisplayName != "Example" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if claims.Issuer != "feedsync" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "feedsync-api" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	tokenString, _, err := issuer.IssueViewerToken(context.Background(), "user-321", "")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	claims, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if claims.Subject != "user-321" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}

	if _, err := issuer.ValidateToken("invalid.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
	if _, err := issuer.ValidateToken(" "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestTokenIssuerRejectsExpiredTokens(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	current := now
	issuer := newTestIssuer(t, func() time.Time { return current })
	tokenString, _, err := issuer.IssueViewerToken(context.Background(), "user-1", "")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	current = now.Add(time.Hour)
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestTokenIssuerRejectsForeignAudience(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	other, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("super-secret"), Issuer: "feedsync", Audience: "other"})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	tokenString, _, _ := other.IssueViewerToken(context.Background(), "user-1", "")
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected audience mismatch to be rejected, got %v", err)
	}
}

func TestValidateRequestReadsHeaderOrQuery(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	tokenString, _, _ := issuer.IssueViewerToken(context.Background(), "user-9", "")

	headerRequest := httptest.NewRequest("GET", "/feed", nil)
	headerRequest.Header.Set("Authorization", "Bearer "+tokenString)
	if claims, err := issuer.ValidateRequest(headerRequest); err != nil || claims.Subject != "user-9" {
		t.Fatalf("expected header token to validate, got %v", err)
	}

	queryRequest := httptest.NewRequest("GET", "/feed/stream?access_token="+tokenString, nil)
	if claims, err := issuer.ValidateRequest(queryRequest); err != nil || claims.Subject != "user-9" {
		t.Fatalf("expected query token to validate, got %v", err)
	}

	basicRequest := httptest.NewRequest("GET", "/feed", nil)
	basicRequest.Header.Set("Authorization", "Basic abc")
	if _, err := issuer.ValidateRequest(basicRequest); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected non-bearer header to be rejected, got %v", err)
	}
	if _, err := issuer.ValidateRequest(httptest.NewRequest("GET", "/feed", nil)); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	testCases := []struct {
		name   string
		config TokenIssuerConfig
		want   error
	}{
		{name: "secret", config: TokenIssuerConfig{Issuer: "a", Audience: "b"}, want: ErrMissingSigningSecret},
		{name: "issuer", config: TokenIssuerConfig{SigningSecret: []byte("s"), Audience: "b"}, want: ErrMissingIssuer},
		{name: "audience", config: TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "a", Audience: " "}, want: ErrMissingAudience},
		{name: "ttl", config: TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "a", Audience: "b", TokenTTL: -time.Second}, want: ErrInvalidTokenTTL},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewTokenIssuer(testCase.config); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}
