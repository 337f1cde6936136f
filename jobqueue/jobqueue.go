// Package jobqueue implements the durable Job Queue Adapter (C12):
// at-least-once publish/consume over a Pulse (Redis Streams) topic, with
// exponential-backoff retry and a dead-letter stream once a job's retry
// ceiling is exhausted. Consumers are expected to be idempotent by event
// key; the queue itself only guarantees delivery, not dedup.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/tripsage/tripsage-core/features/stream/pulse/clients/pulse"
	"github.com/tripsage/tripsage-core/runtime/telemetry"
)

// RetryPolicy defines retry semantics for a job topic. Zero-valued fields
// fall back to DefaultRetryPolicy.
type RetryPolicy struct {
	// MaxAttempts caps the total number of delivery attempts before a job is
	// moved to the dead-letter stream. Zero means use the default.
	MaxAttempts int
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration
	// BackoffCoefficient multiplies the delay after each retry; values < 1
	// are treated as 1 (constant backoff).
	BackoffCoefficient float64
}

// DefaultRetryPolicy is applied wherever a Queue is constructed without an
// explicit RetryPolicy.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:        5,
	InitialInterval:    2 * time.Second,
	BackoffCoefficient: 2,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if p.BackoffCoefficient < 1 {
		p.BackoffCoefficient = 1
	}
	return p
}

// delayForAttempt returns the backoff delay before attempt n (1-indexed;
// attempt 2 is the first retry and waits InitialInterval).
func (p RetryPolicy) delayForAttempt(n int) time.Duration {
	if n <= 2 {
		return p.InitialInterval
	}
	factor := math.Pow(p.BackoffCoefficient, float64(n-2))
	return time.Duration(float64(p.InitialInterval) * factor)
}

// Envelope is the durable wire representation of one enqueued job.
type Envelope struct {
	EventKey   string          `json:"event_key"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Handler processes one job delivery. Returning an error causes the job to
// be retried (up to the topic's RetryPolicy) or dead-lettered once
// exhausted. Handlers MUST be idempotent under Envelope.EventKey.
type Handler func(ctx context.Context, env Envelope) error

// Queue publishes and consumes durable jobs over Pulse streams.
type Queue struct {
	client pulse.Client
	logger telemetry.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue's logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// New constructs a Queue backed by client.
func New(client pulse.Client, opts ...Option) *Queue {
	q := &Queue{client: client, logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Publish enqueues payload under eventKey on topic, attempt 1.
func (q *Queue) Publish(ctx context.Context, topic, eventKey string, payload json.RawMessage) error {
	str, err := q.client.Stream(topic)
	if err != nil {
		return fmt.Errorf("jobqueue: open stream %q: %w", topic, err)
	}
	env := Envelope{EventKey: eventKey, Payload: payload, Attempt: 1, EnqueuedAt: time.Now().UTC()}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("jobqueue: encode envelope: %w", err)
	}
	if _, err := str.Add(ctx, "job", raw); err != nil {
		return fmt.Errorf("jobqueue: publish to %q: %w", topic, err)
	}
	return nil
}

// dlqTopic derives the dead-letter stream name for topic.
func dlqTopic(topic string) string { return topic + ".dlq" }

// Consume opens a consumer group on topic and runs handler for every
// delivered job until ctx is cancelled. On handler error it republishes the
// job to topic with an incremented attempt count and a backoff delay,
// unless the policy's attempt ceiling is exhausted, in which case the job
// is moved to topic's dead-letter stream and a telemetry event is logged.
func (q *Queue) Consume(ctx context.Context, topic, consumerGroup string, policy RetryPolicy, handler Handler) error {
	policy = policy.withDefaults()

	str, err := q.client.Stream(topic)
	if err != nil {
		return fmt.Errorf("jobqueue: open stream %q: %w", topic, err)
	}
	sink, err := str.NewSink(ctx, consumerGroup)
	if err != nil {
		return fmt.Errorf("jobqueue: open consumer group %q on %q: %w", consumerGroup, topic, err)
	}
	defer sink.Close(ctx)
	events := sink.Subscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal(ev.Payload, &env); err != nil {
				q.logger.Error(ctx, "jobqueue: malformed envelope", "topic", topic, "error", err)
				_ = sink.Ack(ctx, ev)
				continue
			}
			if err := handler(ctx, env); err != nil {
				q.retryOrDeadLetter(ctx, topic, env, policy, err)
			}
			if err := sink.Ack(ctx, ev); err != nil {
				q.logger.Error(ctx, "jobqueue: ack failed", "topic", topic, "error", err)
			}
		}
	}
}

func (q *Queue) retryOrDeadLetter(ctx context.Context, topic string, env Envelope, policy RetryPolicy, handlerErr error) {
	if env.Attempt >= policy.MaxAttempts {
		q.logger.Error(ctx, "jobqueue: retry ceiling exhausted, moving to dead-letter", "topic", topic, "event_key", env.EventKey, "attempts", env.Attempt, "error", handlerErr)
		if err := q.sendToDeadLetter(ctx, topic, env, handlerErr); err != nil {
			q.logger.Error(ctx, "jobqueue: dead-letter publish failed", "topic", topic, "error", err)
		}
		return
	}

	delay := policy.delayForAttempt(env.Attempt + 1)
	time.Sleep(delay)

	next := env
	next.Attempt++
	raw, err := json.Marshal(next)
	if err != nil {
		q.logger.Error(ctx, "jobqueue: encode retry envelope failed", "topic", topic, "error", err)
		return
	}
	str, err := q.client.Stream(topic)
	if err != nil {
		q.logger.Error(ctx, "jobqueue: retry publish failed to open stream", "topic", topic, "error", err)
		return
	}
	if _, err := str.Add(ctx, "job", raw); err != nil {
		q.logger.Error(ctx, "jobqueue: retry publish failed", "topic", topic, "error", err)
	}
}

func (q *Queue) sendToDeadLetter(ctx context.Context, topic string, env Envelope, cause error) error {
	str, err := q.client.Stream(dlqTopic(topic))
	if err != nil {
		return err
	}
	dead := deadLetter{Envelope: env, Reason: cause.Error(), DeadLetteredAt: time.Now().UTC()}
	raw, err := json.Marshal(dead)
	if err != nil {
		return err
	}
	_, err = str.Add(ctx, "dead_letter", raw)
	return err
}

type deadLetter struct {
	Envelope
	Reason         string    `json:"reason"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}
