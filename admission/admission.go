// Package admission composes the request-entry middleware chain (C5):
// request ID/telemetry span, authentication, rate limiting, and
// idempotency reservation, applied uniformly ahead of every mutating HTTP
// route. Each concern is a standard net/http middleware so it composes with
// chi's router groups the same way the rest of the pack's HTTP services do.
package admission

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tripsage/tripsage-core/idempotency"
	"github.com/tripsage/tripsage-core/ratelimit"
	"github.com/tripsage/tripsage-core/runtime/apierror"
	"github.com/tripsage/tripsage-core/runtime/telemetry"
)

type contextKey int

const (
	identityContextKey contextKey = iota
	idempotencyResultContextKey
)

// Identity is the authenticated caller resolved by Authenticate.
type Identity struct {
	UserID        string
	Authenticated bool
}

// IdentityFromContext returns the Identity resolved by the Authenticate
// middleware, or the zero value if no Authenticate middleware ran.
func IdentityFromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(identityContextKey).(Identity)
	return id
}

// Authenticator resolves the caller identity from a request, e.g. by
// validating a bearer token. It returns ok=false for anonymous/invalid
// callers; RequireAuth rejects those before the handler runs, while
// Authenticate alone only annotates the context (used for routes that
// accept anonymous traffic but still want per-identity rate limiting).
type Authenticator func(r *http.Request) (Identity, bool)

// Authenticate resolves the caller identity via auth and stores it in the
// request context for downstream middleware and handlers.
func Authenticate(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth(r)
			if !ok {
				id = Identity{UserID: anonymousIdentity(r)}
			}
			ctx := context.WithValue(r.Context(), identityContextKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuth rejects requests whose Authenticate middleware did not
// resolve an authenticated identity.
func RequireAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := IdentityFromContext(r.Context())
			if !id.Authenticated {
				apierror.WriteHTTP(w, r, apierror.New(apierror.CodeUnauthenticated, "authentication required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func anonymousIdentity(r *http.Request) string {
	// Unauthenticated callers are rate-limited per remote address so one
	// anonymous client cannot exhaust the budget shared by everyone else
	// behind the same proxy hop; RealIP middleware must run ahead of this.
	return "anon:" + r.RemoteAddr
}

// RateLimit applies limiter's (route, identity) budget ahead of the
// handler, writing RFC-style X-RateLimit-* headers and a 429 response with
// Retry-After when the budget is exhausted.
func RateLimit(limiter *ratelimit.Limiter, route string) func(http.Handler) http.Handler {
	return RateLimitFunc(limiter, func(*http.Request) string { return route })
}

// RateLimitFunc is RateLimit with the route key derived per-request, for
// routes whose budget is scoped by a path parameter rather than a single
// fixed key (spec.md §6's POST /api/agents/{workflow}, keyed per workflow
// name rather than the path template as a whole).
func RateLimitFunc(limiter *ratelimit.Limiter, routeFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routeFunc(r)
			id := IdentityFromContext(r.Context())
			decision, err := limiter.Allow(r.Context(), route, id.UserID)
			if err != nil {
				apierror.WriteHTTP(w, r, apierror.New(apierror.CodeInternal, "rate limiter unavailable"))
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if !decision.ResetAt.IsZero() {
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
			}
			if !decision.Allowed {
				if decision.RetryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())+1))
				}
				if id.Authenticated {
					_ = limiter.ReportExhaustion(r.Context(), route, id.UserID)
				}
				apierror.WriteHTTP(w, r, apierror.New(apierror.CodeRateLimited, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdempotencyKeyFunc extracts the idempotency event key from a request,
// e.g. from an Idempotency-Key header or a signed webhook event id.
type IdempotencyKeyFunc func(r *http.Request) (string, bool)

// HeaderIdempotencyKey reads the event key from the named header.
func HeaderIdempotencyKey(header string) IdempotencyKeyFunc {
	return func(r *http.Request) (string, bool) {
		v := r.Header.Get(header)
		return v, v != ""
	}
}

// Idempotent reserves the event key returned by keyFunc before invoking
// next. A duplicate in-flight request receives 409 Conflict; a duplicate of
// a completed request receives the cached result replayed verbatim.
func Idempotent(store *idempotency.Store, keyFunc IdempotencyKeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := keyFunc(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			won, existing, err := store.Reserve(r.Context(), key)
			if err != nil {
				apierror.WriteHTTP(w, r, apierror.New(apierror.CodeInternal, "idempotency store unavailable"))
				return
			}
			if !won {
				switch existing.Status {
				case idempotency.StatusCompleted:
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set("X-Idempotent-Replay", "true")
					w.WriteHeader(http.StatusOK)
					_, _ = w.Write(existing.Result)
				default:
					apierror.WriteHTTP(w, r, apierror.New(apierror.CodeConflict, "request already in flight"))
				}
				return
			}

			rec := &idempotentRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.statusCode >= 200 && rec.statusCode < 300 {
				_ = store.Complete(r.Context(), key, rec.body)
			} else {
				_ = store.Fail(r.Context(), key)
			}
		})
	}
}

type idempotentRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *idempotentRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *idempotentRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// Telemetry starts a span around the request and records request duration
// as a timer metric. The span is started before chi has matched a route, so
// its name is the method and raw path; the metric's route tag is computed
// after the handler returns and carries the matched route pattern.
func Telemetry(tracer telemetry.Tracer, metrics telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, span := tracer.Start(r.Context(), routePattern(r))
			defer span.End()

			next.ServeHTTP(w, r.WithContext(ctx))

			metrics.RecordTimer("http.request.duration", time.Since(start), "route", routePattern(r))
		})
	}
}

// routePattern reports the matched chi route pattern (e.g.
// "/api/keys/{service}") rather than the raw path once routing has matched,
// so metrics aggregate across path parameters instead of fragmenting per
// id. Before a match it falls back to the raw path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return r.Method + " " + rctx.RoutePattern()
	}
	return r.Method + " " + r.URL.Path
}
