package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NoOpLogger for testing
type NoOpLogger struct{}

func (l *NoOpLogger) Debug(msg string, args ...any) {}
func (l *NoOpLogger) Info(msg string, args ...any)  {}
func (l *NoOpLogger) Error(msg string, args ...any) {}

// MockKeySet satisfies oidc.KeySet to bypass signature verification
type MockKeySet struct{}

func (m *MockKeySet) VerifySignature(ctx context.Context, jwtToken string) ([]byte, error) {
	parts := strings.Split(jwtToken, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed jwt")
	}
	return base64.RawURLEncoding.DecodeString(parts[1])
}

const (
	issuer   = "https://test-issuer.com"
	clientID = "cohortd"
)

func fakeToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	base := map[string]any{
		"iss": issuer,
		"aud": clientID,
		"sub": "ops-bot",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Add(-1 * time.Minute).Unix(),
	}
	for k, v := range claims {
		base[k] = v
	}
	headerBytes, err := json.Marshal(map[string]any{"alg": "RS256", "typ": "JWT", "kid": "test-key"})
	require.NoError(t, err)
	payload, err := json.Marshal(base)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(headerBytes) + "." +
		base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString([]byte("fakesignature"))
}

func testAuth() *Auth {
	verifier := oidc.NewVerifier(issuer, &MockKeySet{}, &oidc.Config{ClientID: clientID})
	return NewWithVerifier(verifier, &NoOpLogger{})
}

func serve(a *Auth, header string, scopes ...string) (*httptest.ResponseRecorder, string) {
	var subject string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ = Subject(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cycles", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	a.RequireBearer(scopes...)(next).ServeHTTP(rec, req)
	return rec, subject
}

func TestRequireBearer(t *testing.T) {
	a := testAuth()

	t.Run("valid token with scp array", func(t *testing.T) {
		rec, subject := serve(a, "Bearer "+fakeToken(t, map[string]any{"scp": []string{ScopeCohortsWrite}}), ScopeCohortsWrite)
		assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
		assert.Equal(t, "ops-bot", subject)
	})

	t.Run("valid token with scope string", func(t *testing.T) {
		rec, _ := serve(a, "Bearer "+fakeToken(t, map[string]any{"scope": "openid cohorts:read cohorts:write"}), AllScopes...)
		assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	})

	t.Run("missing header", func(t *testing.T) {
		rec, _ := serve(a, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
	})

	t.Run("expired token", func(t *testing.T) {
		rec, _ := serve(a, "Bearer "+fakeToken(t, map[string]any{"exp": time.Now().Add(-time.Hour).Unix()}))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong audience", func(t *testing.T) {
		rec, _ := serve(a, "Bearer "+fakeToken(t, map[string]any{"aud": "someone-else"}))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing scope", func(t *testing.T) {
		rec, _ := serve(a, "Bearer "+fakeToken(t, map[string]any{"scp": []string{ScopeCohortsRead}}), ScopeCohortsWrite)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, rec.Body.String(), ScopeCohortsWrite)
	})
}

func TestNew_DisabledWithoutIssuer(t *testing.T) {
	a, err := New(context.Background(), "", "", &NoOpLogger{})
	require.NoError(t, err)
	assert.False(t, a.Enabled())

	rec, _ := serve(a, "", ScopeCohortsWrite)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestNew_IssuerWithoutClientID(t *testing.T) {
	_, err := New(context.Background(), issuer, "", &NoOpLogger{})
	assert.Error(t, err)
}
