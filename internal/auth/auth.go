// Package auth protects the mutating ops endpoints with OpenID Connect
// bearer tokens.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type contextKey string

const subjectKey contextKey = "subject"

// Auth verifies bearer access tokens issued by the configured provider. A
// zero issuer disables verification.
type Auth struct {
	apiVerifier *oidc.IDTokenVerifier
	logger      Logger
	disabled    bool
}

// New discovers the provider at issuer and prepares a verifier whose audience
// must contain clientID. An empty issuer returns a disabled Auth.
func New(ctx context.Context, issuer, clientID string, logger Logger) (*Auth, error) {
	if issuer == "" {
		return &Auth{logger: logger, disabled: true}, nil
	}
	if clientID == "" {
		return nil, errors.New("auth configuration is incomplete")
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, err
	}
	return NewWithVerifier(provider.Verifier(&oidc.Config{ClientID: clientID}), logger), nil
}

// NewWithVerifier wraps an existing verifier.
func NewWithVerifier(v *oidc.IDTokenVerifier, logger Logger) *Auth {
	return &Auth{apiVerifier: v, logger: logger}
}

// Enabled reports whether tokens are checked.
func (a *Auth) Enabled() bool { return !a.disabled }

// RequireBearer returns middleware that admits requests carrying a valid
// bearer token granting every scope in scopes. The token subject is stored
// in the request context; see Subject.
func (a *Auth) RequireBearer(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.disabled {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				w.Header().Set("WWW-Authenticate", `Bearer realm="cohortd"`)
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			rawToken := strings.TrimPrefix(authHeader, "Bearer ")
			token, err := a.apiVerifier.Verify(r.Context(), rawToken)
			if err != nil {
				if a.logger != nil {
					a.logger.Debug("rejected bearer token", "error", err)
				}
				http.Error(w, "invalid token: "+err.Error(), http.StatusUnauthorized)
				return
			}

			var claims tokenClaims
			if err := token.Claims(&claims); err != nil {
				http.Error(w, "failed to parse token claims", http.StatusUnauthorized)
				return
			}
			granted := claims.scopes()
			for _, want := range scopes {
				if !granted[want] {
					if a.logger != nil {
						a.logger.Info("bearer token lacks scope", "subject", token.Subject, "scope", want)
					}
					http.Error(w, "insufficient scope: "+want, http.StatusForbidden)
					return
				}
			}

			ctx := context.WithValue(r.Context(), subjectKey, token.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Subject returns the token subject stored by RequireBearer.
func Subject(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(subjectKey).(string)
	return sub, ok
}

// tokenClaims accepts both the "scp" array and the space separated "scope"
// string forms.
type tokenClaims struct {
	Scp   []string `json:"scp"`
	Scope string   `json:"scope"`
}

func (c tokenClaims) scopes() map[string]bool {
	out := make(map[string]bool, len(c.Scp))
	for _, s := range c.Scp {
		out[s] = true
	}
	for _, s := range strings.Fields(c.Scope) {
		out[s] = true
	}
	return out
}
