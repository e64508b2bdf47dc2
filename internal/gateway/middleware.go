package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atriumhq/atrium/internal/auth"
	"github.com/atriumhq/atrium/internal/observability"
	"github.com/atriumhq/atrium/internal/ratelimit"
	"github.com/atriumhq/atrium/pkg/caller"
	"github.com/atriumhq/atrium/pkg/envelope"
)

// cors answers preflights and stamps allow headers for configured origins.
// With no origins configured the middleware is a no-op, which keeps
// non-browser clients and tests free of it.
func (s *Server) cors(next http.Handler) http.Handler {
	origins := s.config.CORS.Origins
	if len(origins) == 0 {
		return next
	}

	wildcard := false
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		if origin == "*" {
			wildcard = true
		}
		allowed[origin] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		_, ok := allowed[origin]
		if origin != "" && (ok || wildcard) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				h.Set("Access-Control-Max-Age", "300")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		} else if r.Method == http.MethodOptions {
			// Preflight from a disallowed origin: answer without allow
			// headers so the browser blocks it.
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// observed assigns each request a correlation id and records duration,
// status, and path family. The id rides the context into every log line
// and is echoed in the connected event for /query.
func (s *Server) observed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		correlationID := uuid.NewString()
		ctx := observability.AddCorrelationID(r.Context(), correlationID)
		w.Header().Set(caller.HeaderCorrelation, correlationID)

		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		s.metrics.RecordHTTPRequest(r.Method, routePattern(r.URL.Path), strconv.Itoa(wrapped.status), time.Since(start).Seconds())
		s.logger.Debug(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr)
	})
}

// authenticated verifies the bearer token, checks revocation, and attaches
// the caller context. Every failure is HTTP 401 with a JSON UNAUTHORIZED
// body; auth failures never open an SSE stream. The response message stays
// generic while the logs distinguish invalid, expired, and revoked tokens.
func (s *Server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.ExtractBearer(r.Header)
		if token == "" {
			s.metrics.RecordError("gateway", "missing_token")
			writeError(w, http.StatusUnauthorized, envelope.CodeUnauthorized, "Missing bearer token.")
			return
		}

		cc, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			s.logger.Warn(r.Context(), "token rejected", "error", err)
			s.metrics.RecordError("gateway", "invalid_token")
			writeError(w, http.StatusUnauthorized, envelope.CodeUnauthorized, "Invalid or expired token.")
			return
		}

		if err := s.revocation.Check(cc.TokenID); err != nil {
			if errors.Is(err, auth.ErrRevoked) {
				s.logger.Warn(r.Context(), "token revoked", "user_id", cc.UserID, "token_id", cc.TokenID)
				s.metrics.RecordError("gateway", "revoked_token")
			} else {
				s.logger.Error(r.Context(), "revocation data unavailable, failing closed", "error", err)
				s.metrics.RecordError("gateway", "revocation_unavailable")
			}
			writeError(w, http.StatusUnauthorized, envelope.CodeUnauthorized, "Invalid or expired token.")
			return
		}

		cc.Roles = s.recognizedRoles(r, cc)

		ctx := auth.WithCaller(r.Context(), cc)
		ctx = observability.AddUserID(ctx, cc.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recognizedRoles drops role tags outside the known vocabulary. The caller
// still authenticates; a token with nothing left just has an empty
// allow-list.
func (s *Server) recognizedRoles(r *http.Request, cc caller.Context) []string {
	kept := make([]string, 0, len(cc.Roles))
	var dropped []string
	for _, role := range cc.Roles {
		if caller.ValidRole(role) {
			kept = append(kept, role)
		} else {
			dropped = append(dropped, role)
		}
	}
	if len(dropped) > 0 {
		s.logger.Warn(r.Context(), "dropping unknown role tags",
			"user_id", cc.UserID,
			"dropped", strings.Join(dropped, ","))
	}
	return kept
}

// rateLimited enforces one token bucket keyed by the verified user id. It
// must sit inside authenticated. Rejections are HTTP 429 with Retry-After,
// always before any stream starts.
func (s *Server) rateLimited(limiter *ratelimit.Limiter, family string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cc, ok := auth.CallerFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, envelope.CodeUnauthorized, "Missing caller identity.")
			return
		}

		if !limiter.Allow(cc.UserID) {
			retryAfter := ratelimit.RetryAfter(limiter.WaitTime(cc.UserID))
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			s.metrics.RecordRateLimited(family)
			s.logger.Warn(r.Context(), "rate limit exceeded",
				"limit", family,
				"user_id", cc.UserID,
				"retry_after_s", retryAfter)
			writeError(w, http.StatusTooManyRequests, envelope.CodeRateLimited, "Rate limit exceeded. Retry after the indicated delay.")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusWriter records the status code for the access log while forwarding
// Flush so SSE streaming keeps working through the wrapper.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// routePattern collapses request paths onto a fixed label set so metric
// cardinality stays bounded.
func routePattern(path string) string {
	switch {
	case path == "/query" || path == "/tools" || path == "/health" || path == "/metrics":
		return path
	case strings.HasPrefix(path, "/confirm/"):
		return "/confirm/{id}"
	default:
		return "other"
	}
}
