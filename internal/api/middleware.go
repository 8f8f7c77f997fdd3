package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/xtrntr/twallet/internal/logger"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type contextKey string

const usernameKey contextKey = "username"

// usernameFromContext returns the username the request was authenticated as
func usernameFromContext(ctx context.Context) (string, bool) {
	username, ok := ctx.Value(usernameKey).(string)
	return username, ok && username != ""
}

// JWTAuthMiddleware verifies bearer tokens. When no signing secret is
// configured requests pass through unauthenticated.
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.AuthService.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeAPIError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "authorization header required", "")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		username, err := h.AuthService.GetUsernameFromToken(tokenString)
		if err != nil {
			writeAPIError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid or expired token", "")
			return
		}

		ctx := context.WithValue(r.Context(), usernameKey, username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminMiddleware requires the configured admin API key in X-API-Key
func (h *Handler) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if h.AdminAPIKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.AdminAPIKey)) != 1 {
			writeAPIError(w, http.StatusForbidden, ErrCodeForbidden, "admin API key required", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AccessLog logs one line per request
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.InfoCtx(r.Context(), "http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
