// Package memory implements the Memory Orchestrator (C10): a single entry
// point for memory intents (turn committed, session sync, backfill,
// context fetch) fanned out to pluggable adapters in a fixed order —
// canonical store first, then queue/cache — with per-adapter error
// isolation and PII redaction ahead of every non-canonical adapter.
package memory

import (
	"context"
	"time"

	"github.com/tripsage/tripsage-core/runtime/memory/redact"
	"github.com/tripsage/tripsage-core/runtime/telemetry"
)

// TurnRole mirrors the conversation roles a Turn can carry.
type TurnRole string

const (
	TurnRoleSystem    TurnRole = "system"
	TurnRoleUser      TurnRole = "user"
	TurnRoleAssistant TurnRole = "assistant"
	TurnRoleTool      TurnRole = "tool"
)

// Turn is the persisted unit of conversational memory. Immutable once
// committed except for the dedup-merge fields (UpdatedAt, Metadata).
type Turn struct {
	ID          string
	SessionID   string
	UserID      string
	Role        TurnRole
	Content     string
	Attachments []string
	ToolCalls   []byte
	ToolResults []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
	PIIScrubbed bool
	ContentHash string
	Metadata    map[string]any
}

// IntentKind identifies which memory intent is being dispatched.
type IntentKind string

const (
	IntentTurnCommitted   IntentKind = "turn_committed"
	IntentSyncSession     IntentKind = "sync_session"
	IntentBackfillSession IntentKind = "backfill_session"
	IntentFetchContext    IntentKind = "fetch_context"
)

// Intent is the input to Orchestrator.Dispatch. Exactly one of the
// intent-specific fields is meaningful, selected by Kind.
type Intent struct {
	Kind      IntentKind
	SessionID string
	UserID    string
	Turn      *Turn // TurnCommitted
	Limit     int   // FetchContext
}

// Result is the outcome of dispatching a single Intent.
type Result struct {
	TurnID  string // TurnCommitted: the (possibly pre-existing, if deduped) turn id
	Merged  bool   // TurnCommitted: true if this coalesced into an existing turn
	Context []Turn // FetchContext
}

// Adapter is a pluggable memory backend. Not every adapter handles every
// intent kind; Handles reports which ones it participates in.
type Adapter interface {
	Name() string
	Handles(kind IntentKind) bool
	TurnCommitted(ctx context.Context, sessionID, userID string, turn *Turn) (Result, error)
	SyncSession(ctx context.Context, sessionID, userID string) error
	BackfillSession(ctx context.Context, sessionID, userID string) error
	FetchContext(ctx context.Context, sessionID, userID string, limit int) ([]Turn, error)
}

// AdapterError records a single adapter's failure for a dispatched intent.
// Non-canonical adapter failures are recorded but do not abort the
// dispatch; they are surfaced here for telemetry tagging by the caller.
type AdapterError struct {
	Adapter string
	Kind    IntentKind
	Err     error
}

func (e AdapterError) Error() string {
	return "memory: adapter " + e.Adapter + " failed on " + string(e.Kind) + ": " + e.Err.Error()
}

// Orchestrator dispatches intents to adapters in registration order,
// redacting content ahead of every adapter but the first (the canonical
// store, which is the user's own data and is exempt from redaction).
type Orchestrator struct {
	adapters []Adapter
	logger   telemetry.Logger
	metrics  telemetry.Metrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger configures the orchestrator's logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics configures the orchestrator's metrics sink.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = metrics }
}

// New constructs an Orchestrator. adapters are invoked in the order given;
// per spec.md §4.3 the canonical store adapter must be registered first.
func New(adapters []Adapter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		adapters: adapters,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Dispatch routes intent to every adapter that handles its Kind, in
// registration order. A canonical-adapter failure on TurnCommitted aborts
// the dispatch and is returned to the caller; any other adapter failure is
// recorded and dispatch continues.
func (o *Orchestrator) Dispatch(ctx context.Context, intent Intent) (Result, []AdapterError, error) {
	var errs []AdapterError

	switch intent.Kind {
	case IntentTurnCommitted:
		return o.dispatchTurnCommitted(ctx, intent, &errs)
	case IntentSyncSession:
		o.forEachAdapter(intent.Kind, func(a Adapter) error {
			return a.SyncSession(ctx, intent.SessionID, intent.UserID)
		}, &errs)
		return Result{}, errs, nil
	case IntentBackfillSession:
		o.forEachAdapter(intent.Kind, func(a Adapter) error {
			return a.BackfillSession(ctx, intent.SessionID, intent.UserID)
		}, &errs)
		return Result{}, errs, nil
	case IntentFetchContext:
		return o.dispatchFetchContext(ctx, intent, &errs)
	default:
		return Result{}, nil, AdapterError{Adapter: "orchestrator", Kind: intent.Kind, Err: errUnknownIntent}
	}
}

func (o *Orchestrator) dispatchTurnCommitted(ctx context.Context, intent Intent, errs *[]AdapterError) (Result, []AdapterError, error) {
	var result Result
	for i, a := range o.adapters {
		if !a.Handles(IntentTurnCommitted) {
			continue
		}
		turn := intent.Turn
		if i > 0 {
			turn = redactTurn(intent.Turn)
		}
		r, err := a.TurnCommitted(ctx, intent.SessionID, intent.UserID, turn)
		if err != nil {
			o.logger.Error(ctx, "memory adapter failed", "adapter", a.Name(), "intent", string(IntentTurnCommitted), "error", err)
			o.metrics.IncCounter("memory.adapter.error", 1, "adapter", a.Name(), "intent", string(IntentTurnCommitted))
			if i == 0 {
				// The canonical adapter is conventionally registered first;
				// its failure on TurnCommitted aborts the whole dispatch.
				return Result{}, *errs, AdapterError{Adapter: a.Name(), Kind: IntentTurnCommitted, Err: err}
			}
			*errs = append(*errs, AdapterError{Adapter: a.Name(), Kind: IntentTurnCommitted, Err: err})
			continue
		}
		if i == 0 {
			result = r
		}
	}
	return result, *errs, nil
}

func (o *Orchestrator) dispatchFetchContext(ctx context.Context, intent Intent, errs *[]AdapterError) (Result, []AdapterError, error) {
	for _, a := range o.adapters {
		if !a.Handles(IntentFetchContext) {
			continue
		}
		turns, err := a.FetchContext(ctx, intent.SessionID, intent.UserID, intent.Limit)
		if err != nil {
			o.logger.Error(ctx, "memory adapter failed", "adapter", a.Name(), "intent", string(IntentFetchContext), "error", err)
			*errs = append(*errs, AdapterError{Adapter: a.Name(), Kind: IntentFetchContext, Err: err})
			continue
		}
		// The first adapter that handles FetchContext and succeeds wins;
		// in the canonical-first ordering this is always the canonical
		// store's hybrid retrieval.
		return Result{Context: turns}, *errs, nil
	}
	return Result{}, *errs, nil
}

func (o *Orchestrator) forEachAdapter(kind IntentKind, run func(Adapter) error, errs *[]AdapterError) {
	for _, a := range o.adapters {
		if !a.Handles(kind) {
			continue
		}
		if err := run(a); err != nil {
			*errs = append(*errs, AdapterError{Adapter: a.Name(), Kind: kind, Err: err})
		}
	}
}

// redactTurn returns a copy of t with email/phone/card-shaped content
// replaced by opaque tokens, recording a SHA-256 audit hash in Metadata
// when any substitution occurred.
func redactTurn(t *Turn) *Turn {
	res := redact.String(t.Content)
	if !res.Redacted {
		clone := *t
		clone.PIIScrubbed = true
		return &clone
	}
	clone := *t
	clone.Content = res.Text
	clone.PIIScrubbed = true
	clone.Metadata = mergeMeta(t.Metadata, map[string]any{"pii_audit_hash": res.AuditHash})
	return &clone
}

func mergeMeta(base map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

var errUnknownIntent = unknownIntentError{}

type unknownIntentError struct{}

func (unknownIntentError) Error() string { return "memory: unknown intent kind" }
