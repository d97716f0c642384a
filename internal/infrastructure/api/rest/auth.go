package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey avoids collisions with other packages' context keys.
type contextKey string

const userIDContextKey contextKey = "user_id"

// Authenticator resolves the submitting user_id from an inbound request, or
// reports why it couldn't.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// JWTAuth authenticates requests against HMAC-signed bearer tokens. It is
// the one sliver of session/auth machinery this module keeps from the
// original websocket authenticator: full account/session management is out
// of scope, but the submission endpoint still needs a gate that resolves a
// stable user_id for quota enforcement.
type JWTAuth struct {
	secretKey string
}

// NewJWTAuth constructs a JWTAuth over secretKey.
func NewJWTAuth(secretKey string) *JWTAuth {
	return &JWTAuth{secretKey: secretKey}
}

// JWTClaims is the claim set this module issues and accepts. The custom
// "user_id" claim carries the user_id; the standard sub claim is not read.
type JWTClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Authenticate extracts and validates a bearer token from the standard
// Authorization header.
func (a *JWTAuth) Authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing authorization header")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("authorization header must use the Bearer scheme")
	}
	return a.validateToken(strings.TrimPrefix(header, prefix))
}

func (a *JWTAuth) validateToken(tokenString string) (string, error) {
	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method.Alg())
		}
		return []byte(a.secretKey), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", errors.New("token expired")
		}
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid || claims.UserID == "" {
		return "", errors.New("token missing user_id claim")
	}
	return claims.UserID, nil
}

// GenerateToken issues a token for userID, for use by test fixtures and
// operator tooling; this module has no user-facing login flow of its own.
func (a *JWTAuth) GenerateToken(userID string, expiresAt time.Time) (string, error) {
	claims := &JWTClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.secretKey))
}

// jwtAuthMiddleware gates next on a, rejecting with 401 on auth failure and
// otherwise injecting the resolved user_id into the request context.
func jwtAuthMiddleware(a Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		userID, err := a.Authenticate(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprintf(w, `{"error":%q}`, err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), userIDContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// userIDFromContext retrieves the user_id jwtAuthMiddleware injected.
func userIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	return userID, ok
}
