package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// PrincipalStore resolves credentials to principals. Both lookups return
// nil, nil when nothing matches.
type PrincipalStore interface {
	PrincipalByToken(ctx context.Context, token string) (*Principal, error)
	PrincipalByUserID(ctx context.Context, userID int64) (*Principal, error)
}

// Middleware authenticates API tokens sent as the Basic auth username and
// session JWTs sent as Bearer tokens.
type Middleware struct {
	Store  PrincipalStore
	Secret []byte
	Policy Policy
	Logger *zap.Logger
}

// NewMiddleware constructs an auth middleware.
func NewMiddleware(store PrincipalStore, secret []byte, policy Policy, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{Store: store, Secret: secret, Policy: policy, Logger: logger}
}

// Wrap applies authentication to the handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Policy.IsExempt(r) {
			next.ServeHTTP(w, r)
			return
		}

		principal, err := m.authenticate(r)
		if err != nil {
			m.Logger.Debug("authentication failed", zap.String("path", r.URL.Path), zap.Error(err))
			unauthorized(w, "invalid credentials")
			return
		}
		if principal == nil {
			if m.Policy.AllowsAnonymous(r) {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// authenticate returns nil, nil when no credential was presented.
func (m *Middleware) authenticate(r *http.Request) (*Principal, error) {
	if m.Store == nil {
		return nil, ErrUnauthorized
	}
	if token := extractBearer(r); token != "" {
		userID, err := ParseSession(token, m.Secret)
		if err != nil {
			return nil, err
		}
		p, err := m.Store.PrincipalByUserID(r.Context(), userID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, ErrInvalidToken
		}
		return p, nil
	}
	token, _, ok := r.BasicAuth()
	if !ok {
		return nil, nil
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	p, err := m.Store.PrincipalByToken(r.Context(), token)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrInvalidToken
	}
	return p, nil
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Basic realm="api"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "message": message})
}

func extractBearer(r *http.Request) string {
	if r == nil {
		return ""
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
