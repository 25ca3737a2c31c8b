package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/memkern/memkern/internal/apperr"
	"github.com/memkern/memkern/internal/auth"
	"github.com/memkern/memkern/internal/event"
	"github.com/memkern/memkern/internal/model"
)

// requestLogger attaches a request-scoped zerolog logger and emits one
// line per request with latency. The elapsed time is also surfaced to
// the client in X-Process-Time.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())

		logger := log.With().
			Str("request_id", reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Logger()
		ctx := logger.WithContext(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Header().Set("X-Request-Id", reqID)

		defer func() {
			elapsed := time.Since(start)
			logger.Info().
				Int("status", ww.Status()).
				Dur("elapsed", elapsed).
				Str("ip", clientIP(r)).
				Msg("request")
		}()

		// Header must be set before the handler writes the status line.
		next.ServeHTTP(&processTimeWriter{WrapResponseWriter: ww, start: start}, r.WithContext(ctx))
	})
}

// processTimeWriter injects X-Process-Time just before the first write.
type processTimeWriter struct {
	middleware.WrapResponseWriter
	start time.Time
	wrote bool
}

func (p *processTimeWriter) WriteHeader(code int) {
	if !p.wrote {
		p.wrote = true
		p.Header().Set("X-Process-Time", fmt.Sprintf("%.6f", time.Since(p.start).Seconds()))
	}
	p.WrapResponseWriter.WriteHeader(code)
}

func (p *processTimeWriter) Write(b []byte) (int, error) {
	if !p.wrote {
		p.WriteHeader(http.StatusOK)
	}
	return p.WrapResponseWriter.Write(b)
}

// clientIP prefers the RealIP middleware result and strips the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authMiddleware resolves the bearer credential to a principal. No
// credential or a bad one ends the request with 401.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		credential := bearerToken(r)
		p, err := s.Resolver.Resolve(ctx, credential)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(ctx, p)))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
		return tok
	}
	return ""
}

// rateLimitMiddleware admits requests against the caller's window and
// sets the standard X-RateLimit-* headers on every response.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		key := "ip:" + clientIP(r)
		role := ""
		var ident *model.Identity
		if p := auth.PrincipalFrom(ctx); p != nil {
			key = p.RateKey()
			role = p.Role()
			ident = p.Identity
		}

		res, err := s.Limiter.Allow(ctx, key, r.URL.Path, role, tenantOf(ident))
		if err != nil {
			writeErr(w, r, err)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

		if !res.Allowed {
			rateLimitDenied.WithLabelValues(res.Class).Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
			s.publishRateLimited(ctx, ident, res.Class)
			writeErr(w, r, apperr.New(apperr.RateLimited, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tenantOf(ident *model.Identity) *uuid.UUID {
	if ident == nil {
		return nil
	}
	return ident.TenantID
}

// publishRateLimited records the throttling event. Best-effort; the 429
// goes out regardless.
func (s *Server) publishRateLimited(ctx context.Context, ident *model.Identity, class string) {
	if ident == nil {
		return
	}
	ev := &model.IdentityEvent{
		EventType:  event.RateLimitExceeded,
		IdentityID: &ident.ID,
		TenantID:   ident.TenantID,
		Payload:    map[string]any{"class": class},
	}
	if err := s.Bus.Record(ctx, s.Store, ev); err != nil {
		log.Ctx(ctx).Debug().Err(err).Msg("record rate limit event failed")
		return
	}
	s.Bus.Publish(ev)
}

// requireAdmin gates admin-only routes. System identities pass too.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := auth.PrincipalFrom(r.Context())
		if p == nil || (p.Role() != model.RoleAdmin && p.Role() != model.RoleSystem) {
			writeErr(w, r, apperr.New(apperr.AccessDenied, "admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
