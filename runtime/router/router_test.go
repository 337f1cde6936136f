package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripsage/tripsage-core/runtime/model"
)

type scriptedClient struct {
	response *model.Response
	err      error
}

func (c *scriptedClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.response, nil
}

func (c *scriptedClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, errors.New("not implemented")
}

func textResponse(text string) *model.Response {
	return &model.Response{Content: []model.Message{{Role: model.RoleAssistant, Parts: []model.Part{model.TextPart{Text: text}}}}}
}

func TestClassifyParsesConfidentFlightSearch(t *testing.T) {
	client := &scriptedClient{response: textResponse(`{"workflow":"flight_search","confidence":0.92,"reasoning":"mentions flight and airports"}`)}
	r := New(client, "claude-haiku")

	c, err := r.Classify(context.Background(), "run-1", nil, "Find me a flight from JFK to NRT on 2025-04-01")

	require.NoError(t, err)
	assert.Equal(t, KindFlightSearch, c.Workflow)
	assert.True(t, c.IsConfident())
}

func TestClassifyRejectsUnknownWorkflowKind(t *testing.T) {
	client := &scriptedClient{response: textResponse(`{"workflow":"book_a_rocket","confidence":0.9}`)}
	r := New(client, "claude-haiku")

	_, err := r.Classify(context.Background(), "run-2", nil, "take me to the moon")

	assert.Error(t, err)
}

func TestClassifyRejectsMissingConfidence(t *testing.T) {
	client := &scriptedClient{response: textResponse(`{"workflow":"general_chat"}`)}
	r := New(client, "claude-haiku")

	_, err := r.Classify(context.Background(), "run-3", nil, "hello")

	assert.Error(t, err)
}

func TestClassifyReadsStructuredOutputFromToolCall(t *testing.T) {
	resp := &model.Response{ToolCalls: []model.ToolCall{{
		ID:      "call-1",
		Name:    "classification",
		Payload: []byte(`{"workflow":"budget_planning","confidence":0.7}`),
	}}}
	client := &scriptedClient{response: resp}
	r := New(client, "claude-haiku")

	c, err := r.Classify(context.Background(), "run-4", nil, "how much should I budget for a week in Kyoto")

	require.NoError(t, err)
	assert.Equal(t, KindBudgetPlanning, c.Workflow)
}

func TestClassifyLowConfidenceIsNotConfident(t *testing.T) {
	client := &scriptedClient{response: textResponse(`{"workflow":"destination_research","confidence":0.2}`)}
	r := New(client, "claude-haiku")

	c, err := r.Classify(context.Background(), "run-5", nil, "tell me about stuff")

	require.NoError(t, err)
	assert.False(t, c.IsConfident())
}

func TestClassifyPropagatesModelError(t *testing.T) {
	client := &scriptedClient{err: errors.New("provider unavailable")}
	r := New(client, "claude-haiku")

	_, err := r.Classify(context.Background(), "run-6", nil, "anything")

	assert.Error(t, err)
}
