package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/tripsage/tripsage-core/features/stream/pulse/clients/pulse"
)

type fakeStream struct {
	name       string
	added      []publishedEntry
	addErr     error
	entryIDSeq int
}

type publishedEntry struct {
	event   string
	payload []byte
}

func (s *fakeStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if s.addErr != nil {
		return "", s.addErr
	}
	s.entryIDSeq++
	s.added = append(s.added, publishedEntry{event: event, payload: payload})
	return "entry-id", nil
}

func (s *fakeStream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (pulse.Sink, error) {
	return &fakeSink{}, nil
}

func (s *fakeStream) Destroy(ctx context.Context) error { return nil }

type fakeSink struct{}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return make(chan *streaming.Event) }
func (s *fakeSink) Ack(ctx context.Context, ev *streaming.Event) error { return nil }
func (s *fakeSink) Close(ctx context.Context)                          {}

type fakePulseClient struct {
	streams map[string]*fakeStream
}

func newFakePulseClient() *fakePulseClient {
	return &fakePulseClient{streams: map[string]*fakeStream{}}
}

func (c *fakePulseClient) Stream(name string, opts ...streamopts.Stream) (pulse.Stream, error) {
	if s, ok := c.streams[name]; ok {
		return s, nil
	}
	s := &fakeStream{name: name}
	c.streams[name] = s
	return s, nil
}

func (c *fakePulseClient) Close(ctx context.Context) error { return nil }

func TestQueueCacheTurnCommittedPublishesToSessionStream(t *testing.T) {
	client := newFakePulseClient()
	a := NewQueueCacheAdapter(client)

	_, err := a.TurnCommitted(context.Background(), "sess-1", "user-1", &Turn{
		Role:    TurnRoleUser,
		Content: "hello",
	})

	require.NoError(t, err)
	stream := client.streams["memory/sess-1"]
	require.NotNil(t, stream)
	require.Len(t, stream.added, 1)
	assert.Equal(t, "turn_committed", stream.added[0].event)

	var env turnCommittedEnvelope
	require.NoError(t, json.Unmarshal(stream.added[0].payload, &env))
	assert.Equal(t, "sess-1", env.SessionID)
	assert.Equal(t, "hello", env.Content)
}

func TestQueueCacheHandlesOnlyTurnCommitted(t *testing.T) {
	a := NewQueueCacheAdapter(newFakePulseClient())

	assert.True(t, a.Handles(IntentTurnCommitted))
	assert.False(t, a.Handles(IntentFetchContext))
	assert.False(t, a.Handles(IntentSyncSession))
	assert.False(t, a.Handles(IntentBackfillSession))
}

func TestQueueCacheFetchContextReturnsNothing(t *testing.T) {
	a := NewQueueCacheAdapter(newFakePulseClient())

	turns, err := a.FetchContext(context.Background(), "sess-1", "user-1", 10)

	require.NoError(t, err)
	assert.Nil(t, turns)
}
