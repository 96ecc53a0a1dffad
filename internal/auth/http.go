// ABOUTME: HTTP middleware for JWT authentication on API and socket endpoints
// ABOUTME: Resolves the token subject against the user directory and adds the Identity to context

package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/2389/huddle-chat/internal/store"
)

// DevUserHeader carries a trusted user id when no JWT secret is configured.
const DevUserHeader = "X-Huddle-User"

// UserLookup is what the middleware needs from the user directory
type UserLookup interface {
	GetUser(ctx context.Context, id int64) (*store.User, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// requestToken returns the bearer token, falling back to the access_token
// query parameter that browser WebSocket clients use.
func requestToken(r *http.Request) (string, string) {
	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg == "" {
		return token, ""
	}
	if q := r.URL.Query().Get("access_token"); q != "" {
		return q, ""
	}
	return "", errMsg
}

// HTTPAuthMiddleware creates an HTTP middleware that authenticates requests
// and adds the caller's Identity to the request context.
//
// With a nil verifier the middleware runs in development mode and trusts the
// user id in the X-Huddle-User header.
func HTTPAuthMiddleware(users UserLookup, verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, errMsg := authenticate(r, verifier)
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			user, err := users.GetUser(r.Context(), userID)
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, `{"error":"user not found"}`, http.StatusUnauthorized)
				return
			}
			if err != nil {
				logger.Error("resolving authenticated user", "user_id", userID, "error", err)
				http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
				return
			}

			id := &Identity{UserID: user.ID, Role: user.Role}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func authenticate(r *http.Request, verifier TokenVerifier) (int64, string) {
	if verifier == nil {
		raw := r.Header.Get(DevUserHeader)
		if raw == "" {
			return 0, "missing " + DevUserHeader + " header"
		}
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			return 0, "invalid " + DevUserHeader + " header"
		}
		return userID, ""
	}

	token, errMsg := requestToken(r)
	if errMsg != "" {
		return 0, errMsg
	}
	userID, err := verifier.Verify(token)
	if err != nil {
		if errors.Is(err, ErrExpiredToken) {
			return 0, "token expired"
		}
		return 0, "invalid token"
	}
	return userID, ""
}
