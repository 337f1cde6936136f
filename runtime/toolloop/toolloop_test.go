package toolloop

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripsage/tripsage-core/runtime/model"
	"github.com/tripsage/tripsage-core/runtime/stream"
	"github.com/tripsage/tripsage-core/runtime/tools"
)

// scriptedClient replays a fixed sequence of Complete responses, one per
// AwaitModel turn, so tests can drive the loop through a known number of
// iterations without a real provider.
type scriptedClient struct {
	turns []*model.Response
	calls int
}

func (c *scriptedClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if c.calls >= len(c.turns) {
		return nil, errors.New("scriptedClient: no more turns scripted")
	}
	resp := c.turns[c.calls]
	c.calls++
	return resp, nil
}

func (c *scriptedClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, errors.New("not implemented")
}

func echoTool(name tools.Ident) *tools.Spec {
	spec := &tools.Spec{
		Name:    name,
		Timeout: time.Second,
		Execute: func(ctx context.Context, input json.RawMessage) (any, error) {
			return map[string]string{"ok": "true"}, nil
		},
	}
	return spec
}

func TestRunStopsOnFinalMessageWithNoToolCalls(t *testing.T) {
	client := &scriptedClient{turns: []*model.Response{
		{Content: []model.Message{{Role: model.RoleAssistant, Parts: []model.Part{model.TextPart{Text: "hello there"}}}}},
	}}
	engine := New(client)
	sink := stream.NewMemorySink()

	result := engine.Run(context.Background(), &Invocation{
		Meta:         CallMeta{RunID: "run-1", SessionID: "sess-1"},
		SystemPrompt: "you are a travel assistant",
		ToolSet:      nil,
		Policy:       Policy{MaxToolCalls: 5, Deadline: time.Minute},
		Sink:         sink,
	})

	require.NoError(t, result.Err)
	assert.Equal(t, StopFinalMessage, result.StopReason)
	assert.Equal(t, "hello there", result.FinalText)
	assert.Equal(t, 0, result.ToolCalls)

	var sawFinal bool
	for _, e := range sink.Events {
		if e.Type() == stream.EventFinal {
			sawFinal = true
		}
	}
	assert.True(t, sawFinal)
}

func TestRunDrivesAwaitToolThenFinal(t *testing.T) {
	spec := echoTool("trips.search")
	client := &scriptedClient{turns: []*model.Response{
		{ToolCalls: []model.ToolCall{{ID: "call-1", Name: "trips.search", Payload: []byte(`{}`)}}},
		{Content: []model.Message{{Role: model.RoleAssistant, Parts: []model.Part{model.TextPart{Text: "done"}}}}},
	}}
	engine := New(client)
	sink := stream.NewMemorySink()

	result := engine.Run(context.Background(), &Invocation{
		Meta:    CallMeta{RunID: "run-2", SessionID: "sess-2"},
		ToolSet: []*tools.Spec{spec},
		Policy:  Policy{MaxToolCalls: 5, Deadline: time.Minute},
		Sink:    sink,
	})

	require.NoError(t, result.Err)
	assert.Equal(t, StopFinalMessage, result.StopReason)
	assert.Equal(t, 1, result.ToolCalls)
	assert.Equal(t, "done", result.FinalText)
}

func TestRunStopsAtToolCeiling(t *testing.T) {
	spec := echoTool("trips.search")
	call := model.ToolCall{ID: "call-1", Name: "trips.search", Payload: []byte(`{}`)}
	client := &scriptedClient{turns: []*model.Response{
		{ToolCalls: []model.ToolCall{call}},
		{ToolCalls: []model.ToolCall{call}},
	}}
	engine := New(client)

	result := engine.Run(context.Background(), &Invocation{
		Meta:    CallMeta{RunID: "run-3", SessionID: "sess-3"},
		ToolSet: []*tools.Spec{spec},
		Policy:  Policy{MaxToolCalls: 1, Deadline: time.Minute},
	})

	assert.Equal(t, StopToolCeiling, result.StopReason)
	assert.Equal(t, 1, result.ToolCalls)
	assert.ErrorIs(t, result.Err, ErrStopPolicyExhausted)
}

func TestZeroToolCeilingStopsAfterFirstTool(t *testing.T) {
	spec := echoTool("trips.search")
	client := &scriptedClient{turns: []*model.Response{
		{ToolCalls: []model.ToolCall{{ID: "call-1", Name: "trips.search", Payload: []byte(`{}`)}}},
	}}
	engine := New(client)

	result := engine.Run(context.Background(), &Invocation{
		Meta:    CallMeta{RunID: "run-4", SessionID: "sess-4"},
		ToolSet: []*tools.Spec{spec},
		Policy:  Policy{MaxToolCalls: 0, Deadline: time.Minute},
	})

	assert.Equal(t, StopToolCeiling, result.StopReason)
	assert.Equal(t, 1, result.ToolCalls)
}

func TestStopWorthyToolErrorWinsOverCeiling(t *testing.T) {
	boom := errors.New("third-party account suspended")
	spec := &tools.Spec{
		Name:    "trips.book",
		Timeout: time.Second,
		Execute: func(ctx context.Context, input json.RawMessage) (any, error) {
			return nil, &StopWorthyError{Err: boom}
		},
	}
	client := &scriptedClient{turns: []*model.Response{
		{ToolCalls: []model.ToolCall{{ID: "call-1", Name: "trips.book", Payload: []byte(`{}`)}}},
	}}
	engine := New(client)

	result := engine.Run(context.Background(), &Invocation{
		Meta:    CallMeta{RunID: "run-5", SessionID: "sess-5"},
		ToolSet: []*tools.Spec{spec},
		Policy:  Policy{MaxToolCalls: 1, Deadline: time.Minute},
	})

	assert.Equal(t, StopWorthyToolError, result.StopReason)
	assert.ErrorIs(t, result.Err, boom)
}

func TestRunStopsOnDeadline(t *testing.T) {
	spec := echoTool("trips.search")
	call := model.ToolCall{ID: "call-1", Name: "trips.search", Payload: []byte(`{}`)}
	client := &scriptedClient{turns: []*model.Response{
		{ToolCalls: []model.ToolCall{call}},
		{ToolCalls: []model.ToolCall{call}},
	}}
	engine := New(client)

	time.Sleep(2 * time.Millisecond)
	result := engine.Run(context.Background(), &Invocation{
		Meta:    CallMeta{RunID: "run-6", SessionID: "sess-6"},
		ToolSet: []*tools.Spec{spec},
		Policy:  Policy{MaxToolCalls: 100, Deadline: time.Nanosecond},
	})

	assert.Equal(t, StopDeadline, result.StopReason)
}

func TestUnwhitelistedToolProducesSyntheticErrorAndContinues(t *testing.T) {
	client := &scriptedClient{turns: []*model.Response{
		{ToolCalls: []model.ToolCall{{ID: "call-1", Name: "trips.not_allowed", Payload: []byte(`{}`)}}},
		{Content: []model.Message{{Role: model.RoleAssistant, Parts: []model.Part{model.TextPart{Text: "sorry, cannot do that"}}}}},
	}}
	engine := New(client)

	result := engine.Run(context.Background(), &Invocation{
		Meta:    CallMeta{RunID: "run-7", SessionID: "sess-7"},
		ToolSet: nil,
		Policy:  Policy{MaxToolCalls: 5, Deadline: time.Minute},
	})

	require.NoError(t, result.Err)
	assert.Equal(t, StopFinalMessage, result.StopReason)
	assert.Equal(t, 0, result.ToolCalls)
}
