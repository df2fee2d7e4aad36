package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

const (
	defaultRoleClaim     = "role"
	defaultVerifyTimeout = 5 * time.Second
)

var (
	// ErrTokenExpired signals an expired bearer token.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenInvalid signals a bearer token that failed verification.
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// Claims is the verifier-neutral view of a verified bearer token.
type Claims struct {
	Subject string
	Email   string
	Phone   string
	Values  map[string]any
}

// TokenVerifier verifies a bearer token and returns its claims.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (Claims, error)
	Name() string
}

// Authenticator turns verified bearer tokens into an Identity on the request context.
type Authenticator struct {
	verifier     TokenVerifier
	roleClaim    string
	fallbackRole string
	timeout      time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithRoleClaim overrides the claim roles are read from.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithFallbackRole sets the role assigned when a token carries none.
func WithFallbackRole(role string) Option {
	return func(a *Authenticator) {
		a.fallbackRole = normaliseRole(role)
	}
}

// WithVerificationTimeout bounds each verification call.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator builds an Authenticator around verifier.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:     verifier,
		roleClaim:    defaultRoleClaim,
		fallbackRole: RoleUser,
		timeout:      defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireAuth verifies the Authorization bearer token. When allowedRoles is
// non-empty the identity must carry at least one of them.
func (a *Authenticator) RequireAuth(allowedRoles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedRoles))
	for _, role := range allowedRoles {
		if role = normaliseRole(role); role != "" {
			allowed[role] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a == nil || a.verifier == nil {
				respondAuthError(w, http.StatusServiceUnavailable, "auth_unavailable", "authentication is not configured")
				return
			}
			token, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
			claims, err := a.verifier.VerifyToken(ctx, token)
			cancel()
			if err != nil {
				if errors.Is(err, ErrTokenExpired) {
					respondAuthError(w, http.StatusUnauthorized, "token_expired", "token expired")
					return
				}
				respondAuthError(w, http.StatusUnauthorized, "invalid_token", "token verification failed")
				return
			}
			if strings.TrimSpace(claims.Subject) == "" {
				respondAuthError(w, http.StatusUnauthorized, "invalid_token", "token subject missing")
				return
			}

			identity := &Identity{
				UID:      claims.Subject,
				Email:    claims.Email,
				Phone:    claims.Phone,
				Roles:    rolesFromClaims(claims.Values, a.roleClaim),
				Provider: a.verifier.Name(),
			}
			if len(identity.Roles) == 0 && a.fallbackRole != "" {
				identity.Roles = []string{a.fallbackRole}
			}
			if len(allowed) > 0 && !hasAllowedRole(identity.Roles, allowed) {
				respondAuthError(w, http.StatusForbidden, "insufficient_role", "identity does not have required role")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func hasAllowedRole(roles []string, allowed map[string]struct{}) bool {
	for _, role := range roles {
		if _, ok := allowed[normaliseRole(role)]; ok {
			return true
		}
	}
	return false
}

// rolesFromClaims accepts a single role string, a list of roles, a
// {role: bool} map or the boolean "is_admin" flag used by staff tokens.
func rolesFromClaims(claims map[string]any, key string) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(role string) {
		role = normaliseRole(role)
		if role == "" {
			return
		}
		if _, dup := seen[role]; dup {
			return
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}

	switch v := claims[key].(type) {
	case string:
		add(v)
	case []string:
		for _, item := range v {
			add(item)
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	case map[string]any:
		for role, flag := range v {
			if b, ok := flag.(bool); ok && b {
				add(role)
			}
		}
	}
	if isAdmin, ok := claims["is_admin"].(bool); ok && isAdmin {
		add(RoleAdmin)
	}
	return out
}

func claimString(claims map[string]any, key string) string {
	s, _ := claims[key].(string)
	return strings.TrimSpace(s)
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   code,
		"message": message,
		"status":  status,
	})
}
