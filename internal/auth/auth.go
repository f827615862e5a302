// Package auth gates the admin API on a superuser bearer token. Identity is
// owned by the auth service; this package only asks it, via GET /auth/me,
// and remembers the answer briefly.
package auth

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/sha3"
)

const (
	// VerdictTTL bounds how long an /auth/me answer is reused.
	VerdictTTL = 30 * time.Second

	meTimeout       = 10 * time.Second
	digestLength    = 32
	maxCacheEntries = 1024
)

// User is the identity the auth service reports.
type User struct {
	ID          int    `json:"id"`
	Email       string `json:"email"`
	Username    string `json:"username,omitempty"`
	IsSuperuser bool   `json:"is_superuser"`
}

var (
	errMissingHeader = errors.New("Missing or invalid authorization header")
	errInvalidToken  = errors.New("Invalid or expired token")
	errForbidden     = errors.New("Superuser access required")
	errUnavailable   = errors.New("Auth service unavailable")
)

type cachedUser struct {
	user    User
	expires time.Time
}

// Guard checks bearer tokens against the auth service at AuthURL(), read per
// request so reconfiguration applies immediately.
type Guard struct {
	AuthURL func() string

	client *http.Client
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedUser
}

func NewGuard(authURL func() string) *Guard {
	return &Guard{
		AuthURL: authURL,
		client:  &http.Client{Timeout: meTimeout},
		now:     time.Now,
		cache:   make(map[string]cachedUser),
	}
}

type userKey struct{}

// UserFromContext returns the user RequireSuperuser admitted.
func UserFromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(userKey{}).(User)
	return u, ok
}

// RequireSuperuser admits requests whose bearer token belongs to a superuser.
func (g *Guard) RequireSuperuser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, status, err := g.Check(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, status, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

// Check resolves an Authorization header value. On failure it returns the
// HTTP status to answer with and an error whose text is the client message.
func (g *Guard) Check(ctx context.Context, header string) (User, int, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return User{}, http.StatusUnauthorized, errMissingHeader
	}

	expiry, err := precheck(token, g.now())
	if err != nil {
		slog.Debug("bearer token rejected before lookup", "err", err)
		return User{}, http.StatusUnauthorized, errInvalidToken
	}

	authURL := strings.TrimRight(g.AuthURL(), "/")
	key := digest(authURL, token)

	user, ok := g.cached(key)
	if !ok {
		var status int
		user, status, err = g.fetchMe(ctx, authURL, token)
		if err != nil {
			return User{}, status, err
		}
		g.remember(key, user, expiry)
	}

	if !user.IsSuperuser {
		return User{}, http.StatusForbidden, errForbidden
	}
	return user, http.StatusOK, nil
}

// precheck rejects tokens that are JWTs but malformed or expired. Opaque
// tokens pass through for the auth service to judge. The signature is not
// checked here; only the auth service holds the key.
func precheck(token string, now time.Time) (time.Time, error) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, nil
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	exp := claims.ExpiresAt.Time
	if !now.Before(exp) {
		return time.Time{}, fmt.Errorf("token expired at %s", exp.Format(time.RFC3339))
	}
	return exp, nil
}

func (g *Guard) fetchMe(ctx context.Context, authURL, token string) (User, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL+"/auth/me", nil)
	if err != nil {
		slog.Error("auth service request", "authUrl", authURL, "err", err)
		return User{}, http.StatusBadGateway, errUnavailable
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.client.Do(req)
	if err != nil {
		slog.Error("auth service error", "authUrl", authURL, "err", err)
		return User{}, http.StatusBadGateway, errUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return User{}, http.StatusUnauthorized, errInvalidToken
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		slog.Error("auth service returned unreadable user", "authUrl", authURL, "err", err)
		return User{}, http.StatusBadGateway, errUnavailable
	}
	return user, http.StatusOK, nil
}

func (g *Guard) cached(key string) (User, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.cache[key]
	if !ok {
		return User{}, false
	}
	if !g.now().Before(entry.expires) {
		delete(g.cache, key)
		return User{}, false
	}
	return entry.user, true
}

// remember caches user until the TTL or the token's own expiry, whichever
// comes first.
func (g *Guard) remember(key string, user User, tokenExpiry time.Time) {
	now := g.now()
	expires := now.Add(VerdictTTL)
	if !tokenExpiry.IsZero() && tokenExpiry.Before(expires) {
		expires = tokenExpiry
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.cache) >= maxCacheEntries {
		for k, e := range g.cache {
			if !now.Before(e.expires) {
				delete(g.cache, k)
			}
		}
		if len(g.cache) >= maxCacheEntries {
			clear(g.cache)
		}
	}
	g.cache[key] = cachedUser{user: user, expires: expires}
}

// digest keys the cache by auth service and token without holding the token.
func digest(authURL, token string) string {
	h := sha3.NewShake256()
	h.Write([]byte(authURL))
	h.Write([]byte{0})
	h.Write([]byte(token))
	out := make([]byte, digestLength)
	h.Read(out)
	return hex.EncodeToString(out)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
