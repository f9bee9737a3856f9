// Package session exchanges credentials with the identity provider's token
// endpoint and manages the client-side session cookie pair. The gateway keeps
// no server-side session state: a restart never invalidates a session.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Rifushigi/zta-poc/pkg/auth"
	"github.com/Rifushigi/zta-poc/pkg/httpx"
)

const (
	AccessCookieName  = "auth_token"
	RefreshCookieName = "refresh_token"
)

// ErrInvalidCredentials distinguishes a provider rejection (401 to the caller)
// from a provider or transport failure (500 to the caller).
var ErrInvalidCredentials = errors.New("session: invalid credentials")

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Manager drives the password and refresh grants against a confidential
// client registration and issues the http-only cookie pair.
type Manager struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	Verifier     *auth.Verifier
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	Secure       bool
	Logger       *slog.Logger
}

func (m *Manager) exchange(ctx context.Context, form url.Values) (tokenPair, error) {
	form.Set("client_id", m.ClientID)
	form.Set("client_secret", m.ClientSecret)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenPair{}, fmt.Errorf("session: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := m.HTTPClient.Do(req)
	if err != nil {
		return tokenPair{}, fmt.Errorf("session: token endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
		return tokenPair{}, ErrInvalidCredentials
	}
	if resp.StatusCode != http.StatusOK {
		return tokenPair{}, fmt.Errorf("session: token endpoint status %d", resp.StatusCode)
	}
	var pair tokenPair
	if err := json.Unmarshal(body, &pair); err != nil {
		return tokenPair{}, fmt.Errorf("session: malformed token response: %w", err)
	}
	if pair.AccessToken == "" {
		return tokenPair{}, errors.New("session: token response missing access_token")
	}
	return pair, nil
}

func (m *Manager) passwordGrant(ctx context.Context, username, password string) (tokenPair, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", username)
	form.Set("password", password)
	return m.exchange(ctx, form)
}

func (m *Manager) refreshGrant(ctx context.Context, refreshToken string) (tokenPair, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return m.exchange(ctx, form)
}

func (m *Manager) setSessionCookies(w http.ResponseWriter, pair tokenPair) {
	http.SetCookie(w, m.cookie(AccessCookieName, pair.AccessToken, m.AccessTTL))
	if pair.RefreshToken != "" {
		http.SetCookie(w, m.cookie(RefreshCookieName, pair.RefreshToken, m.RefreshTTL))
	}
}

func (m *Manager) cookie(name, value string, ttl time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl / time.Second),
		HttpOnly: true,
		Secure:   m.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (m *Manager) clearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{AccessCookieName, RefreshCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   m.Secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userInfo struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Email    string   `json:"email,omitempty"`
	Roles    []string `json:"roles"`
}

func sanitizedUser(p auth.Principal) userInfo {
	roles := p.Roles
	if roles == nil {
		roles = []string{}
	}
	return userInfo{ID: p.Subject, Username: p.DisplayName(), Email: p.Email, Roles: roles}
}

// HandleLogin exchanges username+password for a token pair, sets the cookie
// pair, and returns the sanitized user info. The raw tokens never appear in
// the response body.
func (m *Manager) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		httpx.Error(w, r, http.StatusBadRequest, "username and password required")
		return
	}
	pair, err := m.passwordGrant(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			httpx.Error(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}
		m.Logger.Error("login exchange failed", "error", err, "request_id", httpx.RequestID(r.Context()))
		httpx.Error(w, r, http.StatusInternalServerError, "authentication service unavailable")
		return
	}
	principal, err := m.Verifier.Verify(pair.AccessToken)
	if err != nil {
		m.Logger.Error("issued token failed verification", "error", err, "request_id", httpx.RequestID(r.Context()))
		httpx.Error(w, r, http.StatusInternalServerError, "authentication service unavailable")
		return
	}
	m.setSessionCookies(w, pair)
	m.Logger.Info("login succeeded", "user", principal.DisplayName(), "request_id", httpx.RequestID(r.Context()))
	httpx.WriteJSON(w, http.StatusOK, sanitizedUser(principal))
}

// HandleRefresh rotates the token pair from the refresh cookie. Any failure
// clears both cookies and forces a fresh login; no partial session survives.
func (m *Manager) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(RefreshCookieName)
	if err != nil || cookie.Value == "" {
		m.clearSessionCookies(w)
		httpx.Error(w, r, http.StatusUnauthorized, "no refresh token")
		return
	}
	pair, err := m.refreshGrant(r.Context(), cookie.Value)
	if err != nil {
		m.clearSessionCookies(w)
		httpx.Error(w, r, http.StatusUnauthorized, "session refresh failed")
		return
	}
	principal, err := m.Verifier.Verify(pair.AccessToken)
	if err != nil {
		m.clearSessionCookies(w)
		httpx.Error(w, r, http.StatusUnauthorized, "session refresh failed")
		return
	}
	m.setSessionCookies(w, pair)
	httpx.WriteJSON(w, http.StatusOK, sanitizedUser(principal))
}

// HandleLogout clears both cookies unconditionally. Idempotent: it succeeds
// whether or not a session exists and requires no identity-provider call.
func (m *Manager) HandleLogout(w http.ResponseWriter, r *http.Request) {
	m.clearSessionCookies(w)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// HandleWhoAmI returns the sanitized identity of the authenticated caller.
func (m *Manager) HandleWhoAmI(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, r, http.StatusUnauthorized, "not authenticated")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sanitizedUser(principal))
}
