package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agent-bridge/bridge/internal/auth"
	"github.com/agent-bridge/bridge/internal/dispatcher"
)

// contextKey is an unexported type for context keys defined in this
// package. Using a custom type prevents collisions with keys defined in
// other packages.
type contextKey int

const (
	contextKeyClaims contextKey = iota
	contextKeyRequestID
)

// RequestID assigns the request correlation id: the inbound X-Request-Id
// header if present, otherwise a freshly generated one (spec §6 — "if
// absent, the service generates one and echoes it back").
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), contextKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestIDFromCtx retrieves the id set by RequestID, or "" if absent.
func requestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRequestID).(string)
	return id
}

// Authenticate validates the Authorization: Bearer <token> header via the
// configured auth.Verifier and stores the resolved auth.Claims in the
// request context. On failure it writes UNAUTHORIZED and stops the chain
// (spec §4.3 step 1).
func Authenticate(verifier auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := requestIDFromCtx(r.Context())

			header := r.Header.Get("Authorization")
			token := ""
			if header != "" {
				parts := strings.SplitN(header, " ", 2)
				if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
					token = parts[1]
				}
			}
			if token == "" {
				// The stream endpoint cannot always set custom headers — allow
				// the token as a query parameter for that one route.
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				writeError(w, requestID, dispatcher.ErrUnauthorized)
				return
			}

			claims, err := verifier.Verify(r.Context(), token)
			if err != nil {
				writeError(w, requestID, dispatcher.ErrUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// claimsFromCtx retrieves the auth.Claims stored by Authenticate.
func claimsFromCtx(ctx context.Context) auth.Claims {
	claims, _ := ctx.Value(contextKeyClaims).(auth.Claims)
	return claims
}

// RequestLogger logs each request's method, path, status, latency, and
// request id.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("latency", time.Since(start)),
				zap.String("request_id", requestIDFromCtx(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
