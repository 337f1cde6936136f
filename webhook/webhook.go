// Package webhook implements the Webhook Intake (C11): signature-verified
// ingestion of database-change events, event-key derivation, idempotent
// reservation via the idempotency store, and dispatch of the side effect
// either inline (best-effort, short jobs) or through a durable job queue
// (at-least-once, long/retryable jobs).
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tripsage/tripsage-core/idempotency"
	"github.com/tripsage/tripsage-core/runtime/telemetry"
	"github.com/tripsage/tripsage-core/webhook/signature"
)

// reservationTTL is the fixed 300s window spec.md §4.7 contracts for
// event-key reservation. Handle reserves through the Store passed to New,
// whose own TTL applies; cmd/tripsage-server builds that Store with 300s.
const reservationTTL = 300 * time.Second

// Operation is the kind of database change an Event describes.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Event is a single inbound database-change notification.
type Event struct {
	Type       Operation       `json:"type"`
	Table      string          `json:"table"`
	Schema     string          `json:"schema"`
	Record     json.RawMessage `json:"record"`
	OldRecord  json.RawMessage `json:"old_record"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// EventKey derives the deterministic reservation key for e:
// H(table || op || occurred_at || record_identity).
func (e Event) EventKey() string {
	h := sha256.New()
	h.Write([]byte(e.Table))
	h.Write([]byte(e.Type))
	h.Write([]byte(e.OccurredAt.UTC().Format(time.RFC3339Nano)))
	h.Write(recordIdentity(e.Record))
	return hex.EncodeToString(h.Sum(nil))
}

// recordIdentity extracts a stable identity fragment from a change record
// (its "id" field if present) so two distinct rows changed at the exact
// same instant do not collide on the same event key.
func recordIdentity(record json.RawMessage) []byte {
	if len(record) == 0 {
		return nil
	}
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(record, &probe); err != nil || len(probe.ID) == 0 {
		return record
	}
	return probe.ID
}

// Stream identifies which inbound webhook stream an Event arrived on
// (spec.md §6: stream ∈ {trips, files, cache}).
type Stream string

const (
	StreamTrips Stream = "trips"
	StreamFiles Stream = "files"
	StreamCache Stream = "cache"
)

// SideEffect performs the work associated with an Event. Handlers MUST be
// idempotent under the event key: re-execution must not produce additional
// observable effects beyond a single execution.
type SideEffect func(ctx context.Context, event Event) error

// Job is the durable payload handed to the queue when a side effect is not
// run inline.
type Job struct {
	EventKey string `json:"event_key"`
	Stream   Stream `json:"stream"`
	Payload  Event  `json:"payload"`
}

// Publisher hands a Job to the durable job queue (C12).
type Publisher interface {
	Publish(ctx context.Context, topic string, job Job) error
}

// Binding configures how a single Stream is handled: inline for small,
// best-effort side effects, or durable (via Publisher) for long/retryable
// ones. Exactly one of Inline or the Publisher+Topic pair should be set.
type Binding struct {
	Stream Stream
	Inline SideEffect
	Topic  string
}

// ErrUnknownStream is returned when Intake receives an event for a stream
// with no registered Binding.
var ErrUnknownStream = errors.New("webhook: unknown stream")

// Result is the outcome of handling one inbound delivery.
type Result struct {
	Duplicate bool
	Enqueued  bool
}

// Intake verifies inbound webhook signatures, derives and reserves event
// keys, and dispatches to the bound side effect or job queue.
type Intake struct {
	secret    []byte
	store     *idempotency.Store
	publisher Publisher
	bindings  map[Stream]Binding
	logger    telemetry.Logger
}

// Option configures an Intake.
type Option func(*Intake)

// WithLogger sets the intake's logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(i *Intake) { i.logger = logger }
}

// New constructs an Intake. secret is the shared HMAC secret used to verify
// X-Signature-HMAC headers; store reserves event keys; publisher is used by
// any Binding configured for durable dispatch (may be nil if every Binding
// is inline).
func New(secret []byte, store *idempotency.Store, publisher Publisher, bindings []Binding, opts ...Option) *Intake {
	i := &Intake{
		secret:    secret,
		store:     store,
		publisher: publisher,
		bindings:  make(map[Stream]Binding, len(bindings)),
		logger:    telemetry.NewNoopLogger(),
	}
	for _, b := range bindings {
		i.bindings[b.Stream] = b
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i
}

// Handle verifies signatureHeader over rawBody, parses the event, and
// dispatches it for stream. It returns Result{Duplicate: true} without
// running any side effect when the event key was already reserved.
func (i *Intake) Handle(ctx context.Context, stream Stream, rawBody []byte, signatureHeader string) (Result, error) {
	if err := signature.Verify(i.secret, rawBody, signatureHeader); err != nil {
		return Result{}, fmt.Errorf("webhook: %w", err)
	}

	binding, ok := i.bindings[stream]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownStream, stream)
	}

	var event Event
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return Result{}, fmt.Errorf("webhook: decode event: %w", err)
	}

	key := event.EventKey()
	won, _, err := i.store.Reserve(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("webhook: reserve %q: %w", key, err)
	}
	if !won {
		return Result{Duplicate: true}, nil
	}

	if binding.Inline != nil {
		if err := binding.Inline(ctx, event); err != nil {
			_ = i.store.Fail(ctx, key)
			return Result{}, fmt.Errorf("webhook: inline side effect: %w", err)
		}
		_ = i.store.Complete(ctx, key, nil)
		return Result{Enqueued: false}, nil
	}

	if i.publisher == nil {
		_ = i.store.Fail(ctx, key)
		return Result{}, errors.New("webhook: binding requires a publisher but none is configured")
	}
	if err := i.publisher.Publish(ctx, binding.Topic, Job{EventKey: key, Stream: stream, Payload: event}); err != nil {
		_ = i.store.Fail(ctx, key)
		return Result{}, fmt.Errorf("webhook: publish job: %w", err)
	}
	_ = i.store.Complete(ctx, key, nil)
	return Result{Enqueued: true}, nil
}
