// Package ratelimit implements the Admission rate limiter (C2): a sliding
// window, approximated with a token bucket, scoped per (route, identity).
// A local golang.org/x/time/rate.Limiter enforces the budget on this
// process; when a cluster map is configured, replicas share a per-scope
// pressure counter: ReportExhaustion increments it, and a replica that sees
// it positive halves its local budget for that scope. There is no additive
// recovery step.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of a Limiter.Allow check, carrying enough
// information to populate the X-RateLimit-* response headers.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	RetryAfter time.Duration
}

// FailurePolicy controls admission behavior when the cluster coordination
// backend (KV store) is unreachable.
type FailurePolicy int

const (
	// FailOpen allows the request through, falling back to the local-only
	// limiter. Used for authenticated identities where availability is
	// prioritized over strict global fairness.
	FailOpen FailurePolicy = iota
	// FailClosed rejects the request outright. Used for unauthenticated
	// identities to avoid turning a KV outage into an open rate-limit bypass.
	FailClosed
)

// ClusterMap is the minimal replicated-map contract the limiter depends on
// for cross-replica coordination, satisfied by *rmap.Map from
// goa.design/pulse/rmap.
type ClusterMap interface {
	Get(key string) (string, bool)
	SetIfNotExists(ctx context.Context, key, value string) (bool, error)
	TestAndSet(ctx context.Context, key, test, value string) (string, error)
}

// scopeKey identifies one (route, identity) rate-limit scope.
type scopeKey struct {
	route    string
	identity string
}

func (k scopeKey) String() string { return k.route + "|" + k.identity }

// Config configures a scope's budget. Limit and Window express the budget
// in "Limit requests per Window"; the limiter approximates this with a
// token bucket refilling at Limit/Window.
type Config struct {
	Limit  int
	Window time.Duration
}

// Limiter enforces a per-(route, identity) request budget. One Limiter
// instance is constructed per process at boot and shared across all
// admission middleware invocations.
type Limiter struct {
	mu      sync.Mutex
	buckets map[scopeKey]*bucket
	configs map[string]Config // by route
	cluster ClusterMap
	policy  func(identity string) FailurePolicy
}

type bucket struct {
	limiter *rate.Limiter
	cfg     Config
}

// New constructs a Limiter. cluster may be nil to run local-only (suitable
// for a single-process deployment or tests). policy decides the failure mode
// per identity when cluster coordination is unavailable; a nil policy
// defaults every identity to FailClosed.
func New(cluster ClusterMap, policy func(identity string) FailurePolicy) *Limiter {
	if policy == nil {
		policy = func(string) FailurePolicy { return FailClosed }
	}
	return &Limiter{
		buckets: make(map[scopeKey]*bucket),
		configs: make(map[string]Config),
		cluster: cluster,
		policy:  policy,
	}
}

// Configure installs the budget for a route. Must be called during process
// initialization before Allow is invoked for that route.
func (l *Limiter) Configure(route string, cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configs[route] = cfg
}

// Allow checks and consumes one unit of budget for (route, identity).
func (l *Limiter) Allow(ctx context.Context, route, identity string) (Decision, error) {
	l.mu.Lock()
	cfg, ok := l.configs[route]
	if !ok {
		l.mu.Unlock()
		return Decision{}, fmt.Errorf("ratelimit: no budget configured for route %q", route)
	}
	key := scopeKey{route: route, identity: identity}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: newTokenBucket(cfg), cfg: cfg}
		l.buckets[key] = b
	}
	l.mu.Unlock()

	if l.cluster != nil {
		if err := l.reconcileFromCluster(ctx, key, b); err != nil {
			switch l.policy(identity) {
			case FailOpen:
				// Continue with the local-only bucket state.
			default:
				return Decision{Allowed: false, Limit: cfg.Limit}, nil
			}
		}
	}

	reservation := b.limiter.Reserve()
	if !reservation.OK() {
		return Decision{Allowed: false, Limit: cfg.Limit}, nil
	}
	delay := reservation.Delay()
	if delay > 0 {
		reservation.Cancel()
		return Decision{
			Allowed:    false,
			Limit:      cfg.Limit,
			RetryAfter: delay,
			ResetAt:    time.Now().Add(delay),
		}, nil
	}

	remaining := int(b.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   true,
		Limit:     cfg.Limit,
		Remaining: remaining,
		ResetAt:   time.Now().Add(cfg.Window),
	}, nil
}

func newTokenBucket(cfg Config) *rate.Limiter {
	per := cfg.Window
	if per <= 0 {
		per = time.Minute
	}
	r := rate.Limit(float64(cfg.Limit) / per.Seconds())
	return rate.NewLimiter(r, cfg.Limit)
}

// clusterKey is the shared counter key used to detect cluster-wide pressure
// on a scope; it does not replace the local token bucket, it only informs
// whether this replica should tighten its own budget.
func clusterKey(key scopeKey) string { return "ratelimit:pressure:" + key.String() }

func (l *Limiter) reconcileFromCluster(ctx context.Context, key scopeKey, b *bucket) error {
	k := clusterKey(key)
	cur, ok := l.cluster.Get(k)
	if !ok {
		_, err := l.cluster.SetIfNotExists(ctx, k, "0")
		return err
	}
	pressure, err := strconv.Atoi(cur)
	if err != nil {
		return fmt.Errorf("ratelimit: malformed cluster pressure value %q: %w", cur, err)
	}
	if pressure <= 0 {
		return nil
	}
	// A positive pressure counter means a replica reported this scope
	// exhausting its budget; halve the effective local rate. Nothing in this
	// package decrements the counter, so once it is positive the scope stays
	// at half its configured budget.
	reduced := Config{Limit: maxInt(1, b.cfg.Limit/2), Window: b.cfg.Window}
	b.limiter.SetLimit(rate.Limit(float64(reduced.Limit) / reduced.Window.Seconds()))
	b.limiter.SetBurst(reduced.Limit)
	return nil
}

// ReportExhaustion signals to the cluster that identity exhausted its
// budget on route, causing other replicas to tighten their local buckets on
// their next Allow call for the same scope.
func (l *Limiter) ReportExhaustion(ctx context.Context, route, identity string) error {
	if l.cluster == nil {
		return nil
	}
	key := clusterKey(scopeKey{route: route, identity: identity})
	for i := 0; i < 3; i++ {
		cur, ok := l.cluster.Get(key)
		if !ok {
			_, err := l.cluster.SetIfNotExists(ctx, key, "1")
			return err
		}
		n, err := strconv.Atoi(cur)
		if err != nil {
			return fmt.Errorf("ratelimit: malformed cluster pressure value %q: %w", cur, err)
		}
		prev, err := l.cluster.TestAndSet(ctx, key, cur, strconv.Itoa(n+1))
		if err != nil {
			return err
		}
		if prev == cur {
			return nil
		}
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
