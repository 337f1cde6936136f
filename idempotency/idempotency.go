// Package idempotency implements the Idempotency Store (C3): a single-key
// atomic "reserve once" primitive used by admission (duplicate chat
// request), the webhook intake (duplicate delivery), and job consumers
// (at-least-once redelivery). A reservation is a TTL-scoped claim on an
// event key; only the first caller to reserve a key proceeds, subsequent
// callers observe the result already recorded by the first.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Map is the minimal replicated-map contract the store depends on,
// satisfied by *rmap.Map from goa.design/pulse/rmap.
type Map interface {
	Get(key string) (string, bool)
	SetIfNotExists(ctx context.Context, key, value string) (bool, error)
	TestAndSet(ctx context.Context, key, test, value string) (string, error)
	Delete(ctx context.Context, key string) (string, error)
}

// Status is the lifecycle state of a reservation.
type Status string

const (
	// StatusInFlight means a caller reserved the key and has not yet
	// recorded an outcome; concurrent callers must wait or retry.
	StatusInFlight Status = "in_flight"
	// StatusCompleted means the reserving caller recorded a successful
	// outcome, cached for replay to duplicate callers.
	StatusCompleted Status = "completed"
	// StatusFailed means the reserving caller recorded a failed outcome.
	// A failed reservation may be retried after it expires.
	StatusFailed Status = "failed"
)

// ErrAlreadyReserved describes a key whose reservation another caller
// already holds (or completed). Reserve does not return it: it reports that
// case as won=false together with the existing Record.
var ErrAlreadyReserved = errors.New("idempotency: key already reserved")

// Record is the persisted state of one reservation.
type Record struct {
	Status    Status
	Result    json.RawMessage
	ExpiresAt time.Time
}

// Store implements the reserve-once-with-TTL primitive over a Map.
type Store struct {
	m   Map
	ttl time.Duration
}

// New constructs a Store with the given default TTL for new reservations.
func New(m Map, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{m: m, ttl: ttl}
}

// Reserve attempts to claim key. It returns (true, nil) when the caller won
// the race and must perform the side effect and call Complete/Fail
// afterward. It returns (false, existing) when another caller already holds
// or completed the reservation; existing.Status tells the caller whether to
// wait (StatusInFlight) or replay the cached result (StatusCompleted).
func (s *Store) Reserve(ctx context.Context, key string) (bool, *Record, error) {
	if key == "" {
		return false, nil, errors.New("idempotency: key must not be empty")
	}

	rec := Record{Status: StatusInFlight, ExpiresAt: time.Now().Add(s.ttl)}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return false, nil, fmt.Errorf("idempotency: encode reservation: %w", err)
	}

	won, err := s.m.SetIfNotExists(ctx, key, string(encoded))
	if err != nil {
		return false, nil, fmt.Errorf("idempotency: reserve %q: %w", key, err)
	}
	if won {
		return true, nil, nil
	}

	existing, ok := s.m.Get(key)
	if !ok {
		// Lost the race between SetIfNotExists failing and the winner's key
		// expiring or being deleted concurrently; treat as reservable again.
		return s.Reserve(ctx, key)
	}
	var existingRec Record
	if err := json.Unmarshal([]byte(existing), &existingRec); err != nil {
		return false, nil, fmt.Errorf("idempotency: decode existing reservation for %q: %w", key, err)
	}
	if existingRec.Status == StatusFailed && time.Now().After(existingRec.ExpiresAt) {
		return s.reclaim(ctx, key, existing, rec, encoded)
	}
	return false, &existingRec, nil
}

// reclaim attempts to take over an expired failed reservation using a
// compare-and-swap so only one retrying caller wins.
func (s *Store) reclaim(ctx context.Context, key, test string, rec Record, encoded []byte) (bool, *Record, error) {
	prev, err := s.m.TestAndSet(ctx, key, test, string(encoded))
	if err != nil {
		return false, nil, fmt.Errorf("idempotency: reclaim %q: %w", key, err)
	}
	if prev == test {
		return true, nil, nil
	}
	var existingRec Record
	if err := json.Unmarshal([]byte(prev), &existingRec); err != nil {
		return false, nil, fmt.Errorf("idempotency: decode reservation for %q after failed reclaim: %w", key, err)
	}
	return false, &existingRec, nil
}

// Complete records a successful outcome for key, making result available to
// any caller that observes the completed reservation.
func (s *Store) Complete(ctx context.Context, key string, result json.RawMessage) error {
	return s.finish(ctx, key, StatusCompleted, result)
}

// Fail records a failed outcome for key, allowing retry once the
// reservation's TTL elapses.
func (s *Store) Fail(ctx context.Context, key string) error {
	return s.finish(ctx, key, StatusFailed, nil)
}

func (s *Store) finish(ctx context.Context, key string, status Status, result json.RawMessage) error {
	current, ok := s.m.Get(key)
	if !ok {
		return fmt.Errorf("idempotency: no reservation to finish for %q", key)
	}
	rec := Record{Status: status, Result: result, ExpiresAt: time.Now().Add(s.ttl)}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("idempotency: encode outcome: %w", err)
	}
	if _, err := s.m.TestAndSet(ctx, key, current, string(encoded)); err != nil {
		return fmt.Errorf("idempotency: finish %q: %w", key, err)
	}
	return nil
}

// Forget removes a reservation outright, used by tests and by operator
// tooling to manually clear a stuck key.
func (s *Store) Forget(ctx context.Context, key string) error {
	_, err := s.m.Delete(ctx, key)
	return err
}
