package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/org/accessgate/internal/audit"
	"github.com/org/accessgate/internal/auth"
)

// requestIDMiddleware attaches a request ID to each request, reusing a
// caller-supplied X-Request-ID.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(audit.WithRequestID(r.Context(), id)))
	})
}

// authMiddleware resolves the Bearer API key and records its name as the
// actor for audit entries and state changes.
func authMiddleware(keys *auth.KeyRing) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			plaintext, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || plaintext == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer api key")
				return
			}
			key, err := keys.Authenticate(plaintext)
			if err != nil {
				writeError(w, http.StatusForbidden, err.Error())
				return
			}
			actor := "apikey:" + key.Name
			if h := actorHolderFromCtx(r.Context()); h != nil {
				h.actor = actor
			}
			ctx := withAPIKey(r.Context(), key)
			ctx = audit.WithActor(ctx, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// authorize checks the caller's policies for capability on the request path
// with its /v1/ prefix removed.
func (s *Server) authorize(capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := apiKeyFromCtx(r.Context())
			if key == nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			path := strings.TrimPrefix(r.URL.Path, "/v1/")
			if !s.Policy.IsAllowed(key.Policies, capability, path) {
				writeError(w, http.StatusForbidden, "permission denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.statusCode = code
	rr.ResponseWriter.WriteHeader(code)
}

// auditMiddleware records every request and its response code.
func auditMiddleware(auditor *audit.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			// The actor is only known after auth runs further down the chain.
			holder := &actorHolder{}
			next.ServeHTTP(rr, r.WithContext(withActorHolder(r.Context(), holder)))

			ctx := r.Context()
			if holder.actor != "" {
				ctx = audit.WithActor(ctx, holder.actor)
			}
			auditor.LogRequest(ctx, r.Method, r.URL.Path, rr.statusCode, time.Since(start), clientIP(r))
		})
	}
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}
	if len(s.cfg.CORSOrigins) == 0 {
		// Same-origin only.
		opts.AllowOriginFunc = func(*http.Request, string) bool { return false }
	} else {
		opts.AllowedOrigins = s.cfg.CORSOrigins
	}
	return cors.Handler(opts)
}

const (
	limiterSweepInterval = 5 * time.Minute
	limiterEntryTTL      = 10 * time.Minute
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client IP.
type rateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*ipLimiter
	rps       rate.Limit
	burst     int
	lastSweep time.Time
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	if burst <= 0 {
		burst = int(rps) + 1
	}
	return &rateLimiter{
		limiters:  make(map[string]*ipLimiter, 64),
		rps:       rate.Limit(rps),
		burst:     burst,
		lastSweep: time.Now(),
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	if now.Sub(rl.lastSweep) > limiterSweepInterval {
		for k, e := range rl.limiters {
			if now.Sub(e.lastSeen) > limiterEntryTTL {
				delete(rl.limiters, k)
			}
		}
		rl.lastSweep = now
	}
	e, ok := rl.limiters[ip]
	if !ok {
		e = &ipLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.limiters[ip] = e
	}
	e.lastSeen = now
	return e.limiter.Allow()
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.allow(ip) {
			log.Warn().Str("ip", ip).Msg("rate limit exceeded")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the first X-Forwarded-For hop, else the remote host.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
