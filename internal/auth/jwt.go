// Package auth provides the user directory, JWT issuance and the
// authentication middleware.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/ftprelay/ftprelay/internal/logging"
	"github.com/ftprelay/ftprelay/internal/metrics"
	"github.com/ftprelay/ftprelay/internal/protocol"
)

type claimsKey struct{}

const issuer = "ftprelay"

// maxLoginBody bounds the login request body.
const maxLoginBody = 4 << 10

// Claims holds JWT token claims.
type Claims struct {
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Auth issues and checks tokens for the accounts in a Directory.
type Auth struct {
	users  *Directory
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

// New creates an Auth. Tokens are HS256 only, must carry an expiry and
// expire after ttl.
func New(users *Directory, jwtSecret string, ttl time.Duration) *Auth {
	a := &Auth{
		users:  users,
		secret: []byte(jwtSecret),
		ttl:    ttl,
		now:    time.Now,
	}
	a.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return a.now() }),
	)
	return a
}

// Users returns the directory.
func (a *Auth) Users() *Directory { return a.users }

// Middleware returns HTTP middleware that validates JWT tokens.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "No token, authorization denied")
			return
		}

		claims, err := a.validateToken(tokenStr)
		if err != nil {
			metrics.RecordAuthAttempt(false)
			logging.WithContext(r.Context()).Debug("rejected token", zap.Error(err))
			sendAuthError(w, http.StatusUnauthorized, "Token is not valid")
			return
		}
		if _, ok := a.users.ByID(claims.UserID); !ok {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "Token is not valid")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireAdmin rejects callers whose account is not an admin. It must run
// after Middleware. The role is read from the directory, not the token.
func (a *Auth) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := a.CurrentUser(r.Context())
		if !ok || !u.IsAdmin() {
			sendAuthError(w, http.StatusForbidden, "Forbidden: Access is denied.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CurrentUser returns the directory entry for the authenticated caller.
func (a *Auth) CurrentUser(ctx context.Context) (*User, bool) {
	claims := GetClaims(ctx)
	if claims == nil {
		return nil, false
	}
	return a.users.ByID(claims.UserID)
}

// GetClaims returns the verified claims Middleware stored in ctx, or nil.
func GetClaims(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// WithClaims returns a copy of ctx carrying c.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// HandleLogin handles POST /api/auth/login.
func (a *Auth) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req protocol.LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLoginBody)).Decode(&req); err != nil {
		metrics.RecordAuthAttempt(false)
		sendAuthError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	u, ok := a.users.Authenticate(req.Username, req.Password)
	if !ok {
		metrics.RecordAuthAttempt(false)
		logging.WithContext(r.Context()).Warn("login failed", zap.String("username", req.Username))
		sendAuthError(w, http.StatusBadRequest, "Invalid Credentials")
		return
	}

	tokenStr, err := a.IssueToken(u)
	if err != nil {
		metrics.RecordAuthAttempt(false)
		logging.WithContext(r.Context()).Error("failed to sign token", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "Server Error")
		return
	}

	metrics.RecordAuthAttempt(true)
	logging.WithContext(r.Context()).Info("login successful", zap.String("username", u.Username))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.LoginResponse{Token: tokenStr})
}

// HandleMe handles GET /api/auth/me.
func (a *Auth) HandleMe(w http.ResponseWriter, r *http.Request) {
	u, ok := a.CurrentUser(r.Context())
	if !ok {
		sendAuthError(w, http.StatusNotFound, "User not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.MeResponse{
		ID:       u.ID,
		Username: u.Username,
		Name:     u.Name,
		Role:     u.Role,
	})
}

// IssueToken signs an HS256 token for u valid for the configured TTL.
func (a *Auth) IssueToken(u *User) (string, error) {
	now := a.now()
	claims := &Claims{
		UserID:   u.ID,
		Username: u.Username,
		Role:     u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, nil
}

func (a *Auth) validateToken(raw string) (*Claims, error) {
	claims := &Claims{}
	if _, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return nil, err
	}
	return claims, nil
}

// extractToken prefers "Authorization: Bearer" and falls back to the
// x-auth-token header older clients send.
func extractToken(r *http.Request) string {
	if scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return r.Header.Get("x-auth-token")
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Msg:  message,
		Code: code,
	})
}
