package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"github.com/lumora/backend/internal/httpx"
	"github.com/lumora/backend/internal/models"
)

type contextKey string

const ctxPrincipalKey contextKey = "principal"

const (
	tokenCacheSize = 4096
	tokenCacheTTL  = time.Minute
)

// Principal is the authenticated caller.
type Principal struct {
	UserID uuid.UUID
	Role   string
}

func (p *Principal) IsAdmin() bool { return p != nil && p.Role == models.RoleAdmin }

// TokenValidator is implemented by auth.Service.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*models.TokenClaims, error)
}

type cachedPrincipal struct {
	principal Principal
	expires   time.Time
}

// Authenticator validates bearer tokens. Non-admin results are remembered for
// tokenCacheTTL, never past the token's own expiry; admin tokens are revalidated
// on every request so a demotion applies immediately.
type Authenticator struct {
	validator TokenValidator
	cache     *lru.Cache
	now       func() time.Time
}

func NewAuthenticator(v TokenValidator) *Authenticator {
	cache, _ := lru.New(tokenCacheSize)
	return &Authenticator{validator: v, cache: cache, now: time.Now}
}

// Authenticate rejects requests without a valid bearer token and stores the Principal in the request context.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := extractBearer(r)
		if raw == "" {
			httpx.Error(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}
		p, err := a.principal(r.Context(), raw)
		if err != nil {
			httpx.Error(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func (a *Authenticator) principal(ctx context.Context, raw string) (*Principal, error) {
	if v, ok := a.cache.Get(raw); ok {
		c := v.(cachedPrincipal)
		if a.now().Before(c.expires) {
			p := c.principal
			return &p, nil
		}
		a.cache.Remove(raw)
	}
	c, err := a.validator.ValidateToken(ctx, raw)
	if err != nil {
		return nil, err
	}
	p := Principal{UserID: c.UserID, Role: c.Role}
	if p.IsAdmin() {
		return &p, nil
	}
	expires := a.now().Add(tokenCacheTTL)
	if c.ExpiresAt.Before(expires) {
		expires = c.ExpiresAt
	}
	a.cache.Add(raw, cachedPrincipal{principal: p, expires: expires})
	return &p, nil
}

// RequireAdmin must run after Authenticate.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFromCtx(r.Context())
		if p == nil {
			httpx.Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !p.IsAdmin() {
			httpx.Error(w, http.StatusForbidden, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PrincipalFromCtx returns the authenticated caller or nil.
func PrincipalFromCtx(ctx context.Context) *Principal {
	p, _ := ctx.Value(ctxPrincipalKey).(*Principal)
	return p
}

// WithPrincipal returns a context carrying the given caller.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxPrincipalKey, p)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
