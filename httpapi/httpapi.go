// Package httpapi implements the external HTTP surface (C13) of spec.md §6:
// chat and workflow endpoints backed by the tool-loop engine, BYOK key
// management, and the webhook/job-queue intake points, all composed behind
// the admission middleware chain. Routing uses chi the way the rest of the
// pack's HTTP services do, with each handler thin enough to delegate
// immediately into the owning package (runtime/workflows, runtime/memory,
// webhook, jobqueue).
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tripsage/tripsage-core/admission"
	"github.com/tripsage/tripsage-core/idempotency"
	"github.com/tripsage/tripsage-core/jobqueue"
	"github.com/tripsage/tripsage-core/ratelimit"
	"github.com/tripsage/tripsage-core/runtime/memory"
	"github.com/tripsage/tripsage-core/runtime/provider"
	"github.com/tripsage/tripsage-core/runtime/router"
	"github.com/tripsage/tripsage-core/runtime/telemetry"
	"github.com/tripsage/tripsage-core/runtime/tools"
	"github.com/tripsage/tripsage-core/runtime/workflows"
	"github.com/tripsage/tripsage-core/webhook"
)

// Dependencies wires every singleton httpapi's handlers need. All fields
// are constructed once at process boot (see cmd/tripsage-server) and shared
// across requests; none of them are safe to rebuild per request.
type Dependencies struct {
	Auth        admission.Authenticator
	Limiter     *ratelimit.Limiter
	Idempotency *idempotency.Store

	Providers *provider.Registry
	Vault     provider.Vault

	Router    *router.Router
	Workflows *workflows.Registry
	Memory    *memory.Orchestrator

	Webhook *webhook.Intake
	Jobs    *jobqueue.Queue
	// JobHandlers maps the {job} path segment of POST /api/jobs/{job} to the
	// handler invoked for that job topic, registered at boot.
	JobHandlers map[string]jobqueue.Handler
	// QueueSecrets verifies the signature on pushed job deliveries,
	// supporting the current+next rotation pair spec.md §6 calls for.
	QueueSecrets [][]byte

	Logger  telemetry.Logger
	Tracer  telemetry.Tracer
	Metrics telemetry.Metrics

	// EnableDemo gates the demo-only introspection routes under
	// /api/demo, per spec.md §6's ENABLE_DEMO flag (default off).
	EnableDemo bool
	Tools      *tools.Registry
}

// workflowPaths maps the {workflow} path segment of POST /api/agents/{workflow}
// to its router.Kind, per spec.md §6's enumerated set.
var workflowPaths = map[string]router.Kind{
	"destinations":   router.KindDestinationResearch,
	"flights":        router.KindFlightSearch,
	"accommodations": router.KindAccommodationSearch,
	"itineraries":    router.KindItineraryPlanning,
	"budget":         router.KindBudgetPlanning,
	"memory":         router.KindMemoryUpdate,
}

// workflowRateLimitKey derives the per-workflow rate-limit route key
// `agents:{workflow}` spec.md §6's route table names, read from the path
// parameter rather than a single budget shared by every workflow. An
// unrecognized path segment falls back to the shared "agents:workflow"
// budget; the handler itself rejects it with 404 once past admission.
func workflowRateLimitKey(r *http.Request) string {
	segment := chi.URLParam(r, "workflow")
	if _, ok := workflowPaths[segment]; !ok {
		return "agents:workflow"
	}
	return "agents:" + segment
}

// NewRouter builds the chi router serving every route in spec.md §6's HTTP
// surface table.
func NewRouter(deps *Dependencies) http.Handler {
	h := &handlers{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(admission.Telemetry(deps.Tracer, deps.Metrics))

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(admission.Authenticate(deps.Auth))
		r.Use(admission.RequireAuth())

		r.With(admission.RateLimit(deps.Limiter, "chat")).Post("/api/chat", h.chat)
		r.With(admission.RateLimit(deps.Limiter, "chat:stream")).Post("/api/chat/stream", h.chatStream)
		r.With(admission.RateLimit(deps.Limiter, "agents:router")).Post("/api/agents/router", h.classify)
		r.With(admission.RateLimitFunc(deps.Limiter, workflowRateLimitKey)).Post("/api/agents/{workflow}", h.workflow)

		r.With(admission.RateLimit(deps.Limiter, "keys:write")).Post("/api/keys", h.registerKey)
		r.With(admission.RateLimit(deps.Limiter, "keys:write")).Delete("/api/keys/{service}", h.revokeKey)
		r.With(admission.RateLimit(deps.Limiter, "keys:validate")).Post("/api/keys/validate", h.validateKey)
	})

	r.Post("/api/hooks/{stream}", h.webhook)
	r.Post("/api/jobs/{job}", h.job)

	if deps.EnableDemo {
		r.Get("/api/demo/tools", h.demoTools)
	}

	return r
}

type handlers struct {
	deps *Dependencies
}

// requestTimeout bounds how long a single non-streaming handler waits on
// the tool loop before giving up; streaming handlers are instead bounded by
// each workflow Binding's own Policy.Deadline.
const requestTimeout = 30 * time.Second
