package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripsage/tripsage-core/runtime/model"
	"github.com/tripsage/tripsage-core/runtime/router"
	"github.com/tripsage/tripsage-core/runtime/stream"
	"github.com/tripsage/tripsage-core/runtime/toolloop"
	"github.com/tripsage/tripsage-core/runtime/tools"
)

type scriptedClient struct{ turns []*model.Response }

func (c *scriptedClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if len(c.turns) == 0 {
		return nil, errors.New("no more scripted turns")
	}
	resp := c.turns[0]
	c.turns = c.turns[1:]
	return resp, nil
}

func (c *scriptedClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, errors.New("not implemented")
}

func newTestRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(&tools.Spec{
		Name:    "flights.search_flights",
		Timeout: time.Second,
		Execute: func(ctx context.Context, input json.RawMessage) (any, error) {
			return map[string]string{"status": "ok"}, nil
		},
	}))
	require.NoError(t, reg.Register(&tools.Spec{
		Name:    "flights.get_fare_rules",
		Timeout: time.Second,
		Execute: func(ctx context.Context, input json.RawMessage) (any, error) {
			return map[string]string{"status": "ok"}, nil
		},
	}))
	return reg
}

func TestNewHandlerFailsFastOnUnregisteredTool(t *testing.T) {
	reg := tools.NewRegistry()
	engine := toolloop.New(&scriptedClient{})

	_, err := NewHandler(Binding{
		Kind:          router.KindFlightSearch,
		ToolNames:     []tools.Ident{"flights.search_flights"},
		PromptBuilder: flightSearchPrompt,
		Policy:        toolloop.Policy{MaxToolCalls: 5, Deadline: time.Minute},
	}, reg, engine)

	assert.Error(t, err)
}

func TestHandlerRunDrivesBoundToolLoop(t *testing.T) {
	reg := newTestRegistry(t)
	client := &scriptedClient{turns: []*model.Response{
		{Content: []model.Message{{Role: model.RoleAssistant, Parts: []model.Part{model.TextPart{Text: "Here are your flights"}}}}},
	}}
	engine := toolloop.New(client)

	h, err := NewHandler(Binding{
		Kind:          router.KindFlightSearch,
		ToolNames:     []tools.Ident{"flights.search_flights", "flights.get_fare_rules"},
		PromptBuilder: flightSearchPrompt,
		Policy:        toolloop.Policy{MaxToolCalls: 5, Deadline: time.Minute},
	}, reg, engine)
	require.NoError(t, err)

	sink := stream.NewMemorySink()
	result := h.Run(context.Background(), &Request{
		RunID:     "run-1",
		SessionID: "sess-1",
		Input:     map[string]any{"origin": "JFK", "destination": "NRT"},
		Sink:      sink,
	})

	assert.Equal(t, toolloop.StopFinalMessage, result.StopReason)
	assert.Equal(t, "Here are your flights", result.FinalText)
	assert.Equal(t, stream.EventStarted, sink.Events[0].Type())
}

func TestRegistryDispatchFallsBackBelowConfidenceThreshold(t *testing.T) {
	reg := newTestRegistry(t)
	engine := toolloop.New(&scriptedClient{})

	flightHandler, err := NewHandler(Binding{
		Kind:          router.KindFlightSearch,
		ToolNames:     []tools.Ident{"flights.search_flights"},
		PromptBuilder: flightSearchPrompt,
		Policy:        toolloop.Policy{MaxToolCalls: 1, Deadline: time.Minute},
	}, reg, engine)
	require.NoError(t, err)

	chatHandler, err := NewHandler(Binding{
		Kind:          router.KindGeneralChat,
		PromptBuilder: generalChatPrompt,
		Policy:        toolloop.Policy{MaxToolCalls: 1, Deadline: time.Minute},
	}, reg, engine)
	require.NoError(t, err)

	wfRegistry, err := NewRegistry(flightHandler, chatHandler)
	require.NoError(t, err)

	h, kind := wfRegistry.Dispatch(router.Classification{Workflow: router.KindFlightSearch, Confidence: 0.2})
	assert.Equal(t, router.KindGeneralChat, kind)
	assert.Same(t, chatHandler, h)

	h2, kind2 := wfRegistry.Dispatch(router.Classification{Workflow: router.KindFlightSearch, Confidence: 0.9})
	assert.Equal(t, router.KindFlightSearch, kind2)
	assert.Same(t, flightHandler, h2)
}

func TestRegistryRejectsDuplicateKind(t *testing.T) {
	reg := newTestRegistry(t)
	engine := toolloop.New(&scriptedClient{})

	h1, err := NewHandler(Binding{Kind: router.KindGeneralChat, PromptBuilder: generalChatPrompt, Policy: toolloop.Policy{MaxToolCalls: 1, Deadline: time.Minute}}, reg, engine)
	require.NoError(t, err)
	h2, err := NewHandler(Binding{Kind: router.KindGeneralChat, PromptBuilder: generalChatPrompt, Policy: toolloop.Policy{MaxToolCalls: 1, Deadline: time.Minute}}, reg, engine)
	require.NoError(t, err)

	_, err = NewRegistry(h1, h2)
	assert.Error(t, err)
}

func TestDefaultBindingsCoverAllSevenKinds(t *testing.T) {
	bindings := DefaultBindings("claude-sonnet")
	assert.Len(t, bindings, len(router.Kinds))

	seen := make(map[router.Kind]bool)
	for _, b := range bindings {
		seen[b.Kind] = true
	}
	for _, k := range router.Kinds {
		assert.True(t, seen[k], "missing binding for %s", k)
	}
}
