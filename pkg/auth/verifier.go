// Package auth verifies bearer and cookie tokens against the identity
// provider's rotating key set and derives the request Principal from claims.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/Rifushigi/zta-poc/pkg/httpx"
)

// Principal is the verified identity of the caller, rebuilt from claims on
// every request and never persisted by the gateway.
type Principal struct {
	Subject  string
	Username string
	Email    string
	Roles    []string
}

// DisplayName is the upstream-visible identity: preferred username, falling
// back to the subject identifier, falling back to "unknown".
func (p Principal) DisplayName() string {
	if p.Username != "" {
		return p.Username
	}
	if p.Subject != "" {
		return p.Subject
	}
	return "unknown"
}

// RoleList is the comma-joined role claim propagated upstream.
func (p Principal) RoleList() string {
	return strings.Join(p.Roles, ",")
}

type contextKey string

const (
	principalContextKey contextKey = "zta.principal"
	tokenContextKey     contextKey = "zta.token"
)

func WithPrincipal(ctx context.Context, p Principal, rawToken string) context.Context {
	ctx = context.WithValue(ctx, principalContextKey, p)
	return context.WithValue(ctx, tokenContextKey, rawToken)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

func TokenFromContext(ctx context.Context) string {
	if tok, ok := ctx.Value(tokenContextKey).(string); ok {
		return tok
	}
	return ""
}

// ErrNoCredential means no token was presented; ErrInvalidToken means a token
// was presented but failed signature, expiry, or claim validation.
var (
	ErrNoCredential = errors.New("auth: missing credentials")
	ErrInvalidToken = errors.New("auth: invalid or expired token")
)

type tokenClaims struct {
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	RealmAccess       struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
	jwt.RegisteredClaims
}

// Verifier validates RS256 tokens against a remote JWKS resolved by key id.
type Verifier struct {
	Keyfunc    jwt.Keyfunc
	Issuer     string
	Audience   string
	Leeway     time.Duration
	CookieMode bool
	CookieName string
	Logger     *slog.Logger
}

// NewKeyfunc builds an auto-refreshing JWKS-backed key resolver. Keys are
// cached and re-fetched on the key set's own refresh policy and on unknown
// key ids, so a rotation at the identity provider does not require a restart.
func NewKeyfunc(ctx context.Context, jwksURL string) (jwt.Keyfunc, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("auth: jwks init: %w", err)
	}
	return kf.Keyfunc, nil
}

func NewVerifier(kf jwt.Keyfunc, issuer, audience string, cookieMode bool, cookieName string, logger *slog.Logger) *Verifier {
	return &Verifier{
		Keyfunc:    kf,
		Issuer:     issuer,
		Audience:   audience,
		Leeway:     30 * time.Second,
		CookieMode: cookieMode,
		CookieName: cookieName,
		Logger:     logger,
	}
}

// Verify parses and validates a raw token, returning the derived Principal.
// Only RS256 is accepted; "none" and mismatched algorithms are rejected by the
// parser before signature verification.
func (v *Verifier) Verify(raw string) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.Leeway),
	}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}
	var claims tokenClaims
	if _, err := jwt.ParseWithClaims(raw, &claims, v.Keyfunc, opts...); err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	return Principal{
		Subject:  claims.Subject,
		Username: claims.PreferredUsername,
		Email:    claims.Email,
		Roles:    claims.RealmAccess.Roles,
	}, nil
}

// Extract pulls the raw token from the request. In cookie mode the session
// cookie takes precedence over the Authorization header.
func (v *Verifier) Extract(r *http.Request) (raw string, fromCookie bool, err error) {
	if v.CookieMode && v.CookieName != "" {
		if c, cerr := r.Cookie(v.CookieName); cerr == nil && c.Value != "" {
			return c.Value, true, nil
		}
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false, ErrNoCredential
	}
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false, ErrNoCredential
	}
	return strings.TrimSpace(header[7:]), false, nil
}

// Middleware authenticates every request except the explicit exempt paths
// (health probe, metrics scrape, session endpoints). Invalid cookie tokens are
// cleared so clients do not replay them indefinitely.
func (v *Verifier) Middleware(exempt map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := exempt[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			raw, fromCookie, err := v.Extract(r)
			if err != nil {
				httpx.Error(w, r, http.StatusUnauthorized, "missing or invalid authorization")
				return
			}
			principal, err := v.Verify(raw)
			if err != nil {
				v.Logger.Warn("token rejected",
					"path", r.URL.Path,
					"reason", err.Error(),
					"request_id", httpx.RequestID(r.Context()),
				)
				if fromCookie {
					clearCookie(w, v.CookieName)
				}
				httpx.Error(w, r, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal, raw)))
		})
	}
}

func clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
