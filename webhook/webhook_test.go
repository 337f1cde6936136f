package webhook

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripsage/tripsage-core/idempotency"
	"github.com/tripsage/tripsage-core/webhook/signature"
)

type fakeMap struct {
	values map[string]string
}

func newFakeMap() *fakeMap { return &fakeMap{values: map[string]string{}} }

func (m *fakeMap) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m *fakeMap) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	return true, nil
}

func (m *fakeMap) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	prev, ok := m.values[key]
	if !ok {
		return "", nil
	}
	if prev == test {
		m.values[key] = value
	}
	return prev, nil
}

func (m *fakeMap) Delete(_ context.Context, key string) (string, error) {
	prev := m.values[key]
	delete(m.values, key)
	return prev, nil
}

type fakePublisher struct {
	jobs []Job
	err  error
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, job Job) error {
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, job)
	return nil
}

func testSecret() []byte { return []byte("wh-secret") }

func tripsBody(t *testing.T, id string) []byte {
	t.Helper()
	event := Event{
		Type:       OpInsert,
		Table:      "trip_collaborators",
		Schema:     "public",
		Record:     json.RawMessage(`{"id":"` + id + `","trip_id":"T","user_id":"U"}`),
		OccurredAt: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	body, err := json.Marshal(event)
	require.NoError(t, err)
	return body
}

func TestHandleRunsInlineSideEffectOnce(t *testing.T) {
	store := idempotency.New(newFakeMap(), time.Minute)
	var calls int
	intake := New(testSecret(), store, nil, []Binding{
		{Stream: StreamTrips, Inline: func(ctx context.Context, event Event) error {
			calls++
			return nil
		}},
	})
	body := tripsBody(t, "abc")
	header := signature.Sign(testSecret(), body)

	result, err := intake.Handle(context.Background(), StreamTrips, body, header)
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Equal(t, 1, calls)

	result2, err := intake.Handle(context.Background(), StreamTrips, body, header)
	require.NoError(t, err)
	assert.True(t, result2.Duplicate)
	assert.Equal(t, 1, calls, "duplicate delivery must not re-run the side effect")
}

func TestHandleRejectsInvalidSignature(t *testing.T) {
	store := idempotency.New(newFakeMap(), time.Minute)
	intake := New(testSecret(), store, nil, []Binding{
		{Stream: StreamTrips, Inline: func(ctx context.Context, event Event) error { return nil }},
	})
	body := tripsBody(t, "abc")

	_, err := intake.Handle(context.Background(), StreamTrips, body, "sha256=deadbeef")

	assert.Error(t, err)
}

func TestHandlePublishesDurableJobWhenNoInlineBound(t *testing.T) {
	store := idempotency.New(newFakeMap(), time.Minute)
	pub := &fakePublisher{}
	intake := New(testSecret(), store, pub, []Binding{
		{Stream: StreamFiles, Topic: "files.sync"},
	})
	body := tripsBody(t, "file-1")
	header := signature.Sign(testSecret(), body)

	result, err := intake.Handle(context.Background(), StreamFiles, body, header)

	require.NoError(t, err)
	assert.True(t, result.Enqueued)
	require.Len(t, pub.jobs, 1)
	assert.Equal(t, StreamFiles, pub.jobs[0].Stream)
}

func TestHandleRejectsUnknownStream(t *testing.T) {
	store := idempotency.New(newFakeMap(), time.Minute)
	intake := New(testSecret(), store, nil, nil)
	body := tripsBody(t, "abc")
	header := signature.Sign(testSecret(), body)

	_, err := intake.Handle(context.Background(), Stream("bogus"), body, header)

	assert.ErrorIs(t, err, ErrUnknownStream)
}

func TestEventKeyDiffersByRecordIdentity(t *testing.T) {
	base := Event{Type: OpInsert, Table: "t", OccurredAt: time.Unix(0, 0)}
	a := base
	a.Record = json.RawMessage(`{"id":"1"}`)
	b := base
	b.Record = json.RawMessage(`{"id":"2"}`)

	assert.NotEqual(t, a.EventKey(), b.EventKey())
}
