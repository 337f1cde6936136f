package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/tripsage/tripsage-core/features/stream/pulse/clients/pulse"
)

// QueueCacheAdapter propagates committed turns to derived caches (search
// indexes, recommendation features) on a best-effort basis via a Pulse
// stream. It never participates in the dedup decision and never blocks
// TurnCommitted beyond publishing the event: a failure here is recorded by
// the orchestrator but does not abort the dispatch.
type QueueCacheAdapter struct {
	client   pulse.Client
	streamOf func(sessionID string) string
}

// NewQueueCacheAdapter wires client, the Pulse client used to publish turn
// events for downstream cache warmers to consume.
func NewQueueCacheAdapter(client pulse.Client) *QueueCacheAdapter {
	return &QueueCacheAdapter{
		client:   client,
		streamOf: func(sessionID string) string { return fmt.Sprintf("memory/%s", sessionID) },
	}
}

func (a *QueueCacheAdapter) Name() string { return "queuecache" }

func (a *QueueCacheAdapter) Handles(kind IntentKind) bool {
	return kind == IntentTurnCommitted
}

type turnCommittedEnvelope struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// TurnCommitted publishes the (already-redacted, by the orchestrator) turn
// to the session's Pulse stream. It never merges or dedups; downstream
// consumers are responsible for their own idempotency.
func (a *QueueCacheAdapter) TurnCommitted(ctx context.Context, sessionID, userID string, turn *Turn) (Result, error) {
	str, err := a.client.Stream(a.streamOf(sessionID))
	if err != nil {
		return Result{}, err
	}
	payload, err := json.Marshal(turnCommittedEnvelope{
		SessionID: sessionID,
		UserID:    userID,
		Role:      string(turn.Role),
		Content:   turn.Content,
		Metadata:  turn.Metadata,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return Result{}, err
	}
	entryID, err := str.Add(ctx, "turn_committed", payload)
	if err != nil {
		return Result{}, err
	}
	return Result{TurnID: entryID}, nil
}

// SyncSession and BackfillSession are no-ops for the queue/cache adapter:
// it has no durable state of its own to reconcile, only a forwarding role.
func (a *QueueCacheAdapter) SyncSession(ctx context.Context, sessionID, userID string) error {
	return nil
}

func (a *QueueCacheAdapter) BackfillSession(ctx context.Context, sessionID, userID string) error {
	return nil
}

// FetchContext is unsupported: the queue/cache adapter is write-only. It is
// never registered ahead of the canonical adapter, and Handles reports false
// for fetch_context so the orchestrator never calls this.
func (a *QueueCacheAdapter) FetchContext(ctx context.Context, sessionID, userID string, limit int) ([]Turn, error) {
	return nil, nil
}

// Subscribe opens a consumer group on sessionID's stream, primarily used by
// cache-warming workers. opts are passed through to the underlying Pulse
// sink (e.g. streamopts.WithSinkBlockDuration).
func (a *QueueCacheAdapter) Subscribe(ctx context.Context, sessionID, consumerGroup string, opts ...streamopts.Sink) (<-chan *streaming.Event, pulse.Sink, error) {
	str, err := a.client.Stream(a.streamOf(sessionID))
	if err != nil {
		return nil, nil, err
	}
	sink, err := str.NewSink(ctx, consumerGroup, opts...)
	if err != nil {
		return nil, nil, err
	}
	return sink.Subscribe(), sink, nil
}
