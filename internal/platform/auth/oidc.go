package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

var (
	// ErrJWKSKeyNotFound indicates the token's kid is not in the published key set.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed indicates the key set could not be downloaded.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

const defaultJWKSRefreshInterval = 15 * time.Minute

// JWKSCache downloads and caches a JSON Web Key Set. Unknown key ids force a refresh.
type JWKSCache struct {
	url    string
	client *http.Client
	now    func() time.Time

	mu     sync.RWMutex
	keys   map[string]jose.JSONWebKey
	expiry time.Time

	refreshMu sync.Mutex
}

// JWKSOption customises a JWKSCache.
type JWKSOption func(*JWKSCache)

// WithJWKSHTTPClient overrides the HTTP client used to fetch keys.
func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithJWKSClock overrides the clock used for cache expiry.
func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewJWKSCache constructs a cache for the key set at url.
func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	c := &JWKSCache{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Key returns the public key for kid.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	if key, fresh := c.cached(kid); key != nil && fresh {
		return key, nil
	}
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	if key, _ := c.cached(kid); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) cached(kid string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	jwk, ok := c.keys[kid]
	if !ok {
		return nil, false
	}
	return jwk.Key, c.now().Before(c.expiry)
}

func (c *JWKSCache) refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode jwks: %v", ErrJWKSFetchFailed, err)
	}
	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID != "" && jwk.Valid() {
			keys[jwk.KeyID] = jwk
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty key set", ErrJWKSFetchFailed)
	}

	validity := defaultJWKSRefreshInterval
	if maxAge := parseMaxAge(resp.Header.Get("Cache-Control")); maxAge > 0 {
		validity = maxAge
	}

	c.mu.Lock()
	c.keys = keys
	c.expiry = c.now().Add(validity)
	c.mu.Unlock()
	return nil
}

func parseMaxAge(header string) time.Duration {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if value, ok := strings.CutPrefix(part, "max-age="); ok {
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				return time.Duration(n) * time.Second
			}
		}
	}
	return 0
}

// ServiceIdentity is the verified caller of an internal endpoint.
type ServiceIdentity struct {
	Subject string
	Email   string
	Issuer  string
}

type serviceIdentityKey struct{}

// WithServiceIdentity stores identity on ctx.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	return context.WithValue(ctx, serviceIdentityKey{}, identity)
}

// ServiceIdentityFromContext returns the identity stored by RequireOIDC.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// OIDCValidator verifies RS256 service tokens such as Cloud Scheduler OIDC tokens.
type OIDCValidator struct {
	cache    *JWKSCache
	audience string
	issuers  map[string]struct{}
}

// NewOIDCValidator builds a validator for audience. An empty issuer list accepts any issuer.
func NewOIDCValidator(cache *JWKSCache, audience string, issuers []string) *OIDCValidator {
	allowed := make(map[string]struct{}, len(issuers))
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			allowed[issuer] = struct{}{}
		}
	}
	return &OIDCValidator{cache: cache, audience: strings.TrimSpace(audience), issuers: allowed}
}

// Verify parses and validates token.
func (v *OIDCValidator) Verify(ctx context.Context, token string) (*ServiceIdentity, error) {
	if v == nil || v.cache == nil || v.audience == "" {
		return nil, errors.New("auth: oidc validator not configured")
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		return v.cache.Key(ctx, kid)
	})
	if err != nil {
		return nil, err
	}
	if !claims.VerifyAudience(v.audience, true) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrTokenInvalid)
	}
	issuer := claimString(claims, "iss")
	if len(v.issuers) > 0 {
		if _, ok := v.issuers[issuer]; !ok {
			return nil, fmt.Errorf("%w: issuer mismatch", ErrTokenInvalid)
		}
	}
	return &ServiceIdentity{
		Subject: claimString(claims, "sub"),
		Email:   claimString(claims, "email"),
		Issuer:  issuer,
	}, nil
}

// RequireOIDC rejects requests without a valid service token.
func (v *OIDCValidator) RequireOIDC() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil || v.audience == "" {
				respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "oidc verification not configured")
				return
			}
			token, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "oidc token missing")
				return
			}
			identity, err := v.Verify(r.Context(), token)
			if err != nil {
				if errors.Is(err, ErrJWKSFetchFailed) {
					respondAuthError(w, http.StatusServiceUnavailable, "jwks_unavailable", "oidc keys unavailable")
					return
				}
				respondAuthError(w, http.StatusUnauthorized, "invalid_token", "oidc token verification failed")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(r.Context(), identity)))
		})
	}
}
