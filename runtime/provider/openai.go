package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tripsage/tripsage-core/runtime/model"
	"github.com/tripsage/tripsage-core/runtime/tools"
)

// OpenAIChatClient captures the subset of the go-openai client used by the
// adapter, satisfied by *openai.Client or a test fake.
type OpenAIChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// OpenAIOptions configures the OpenAI adapter.
type OpenAIOptions struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float32
}

// OpenAIClient implements model.Client over the OpenAI Chat Completions API.
type OpenAIClient struct {
	chat OpenAIChatClient
	opts OpenAIOptions
}

// NewOpenAIClient builds an OpenAIClient from an explicit chat client.
func NewOpenAIClient(chat OpenAIChatClient, opts OpenAIOptions) (*OpenAIClient, error) {
	if chat == nil {
		return nil, errors.New("provider: openai client is required")
	}
	if strings.TrimSpace(opts.DefaultModel) == "" {
		return nil, errors.New("provider: openai default model is required")
	}
	return &OpenAIClient{chat: chat, opts: opts}, nil
}

// NewOpenAIFactory returns a Factory that builds an OpenAIClient from a
// resolved Credential.
func NewOpenAIFactory(opts OpenAIOptions) Factory {
	return func(cred Credential) (model.Client, error) {
		if cred.APIKey == "" {
			return nil, errors.New("provider: openai credential has no API key")
		}
		client := openai.NewClient(cred.APIKey)
		return NewOpenAIClient(client, opts)
	}
}

func (c *OpenAIClient) buildRequest(req *model.Request) (openai.ChatCompletionRequest, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.opts.DefaultModel
	}
	messages, err := encodeOpenAIMessages(req.Messages)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	toolDefs, err := encodeOpenAITools(req.Tools)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.opts.MaxTokens
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.opts.Temperature
	}
	return openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Tools:       toolDefs,
		MaxTokens:   maxTokens,
		Temperature: temp,
		Stream:      req.Stream,
	}, nil
}

// Complete issues a non-streaming chat completion call.
func (c *OpenAIClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	request, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, translateOpenAIError(err)
	}
	return decodeOpenAIResponse(resp), nil
}

// Stream issues a streaming chat completion call.
func (c *OpenAIClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	request, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}
	request.Stream = true
	stream, err := c.chat.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, translateOpenAIError(err)
	}
	return &openAIStreamer{stream: stream}, nil
}

type openAIStreamer struct {
	stream *openai.ChatCompletionStream
}

func (s *openAIStreamer) Recv() (model.Chunk, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		return model.Chunk{}, translateOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return model.Chunk{Type: model.ChunkTypeText}, nil
	}
	choice := resp.Choices[0]
	if choice.Delta.Content != "" {
		return model.Chunk{Type: model.ChunkTypeText, Message: &model.Message{
			Role:  model.RoleAssistant,
			Parts: []model.Part{model.TextPart{Text: choice.Delta.Content}},
		}}, nil
	}
	if len(choice.Delta.ToolCalls) > 0 {
		tc := choice.Delta.ToolCalls[0]
		return model.Chunk{Type: model.ChunkTypeToolCallDelta, ToolCallDelta: &model.ToolCallDelta{
			Name:  tools.Ident(tc.Function.Name),
			ID:    tc.ID,
			Delta: tc.Function.Arguments,
		}}, nil
	}
	if choice.FinishReason != "" {
		return model.Chunk{Type: model.ChunkTypeStop, StopReason: string(choice.FinishReason)}, nil
	}
	return model.Chunk{Type: model.ChunkTypeText}, nil
}

func (s *openAIStreamer) Close() error { s.stream.Close(); return nil }

func (s *openAIStreamer) Metadata() map[string]any { return nil }

func encodeOpenAIMessages(msgs []*model.Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case model.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case model.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case model.RoleTool:
			role = openai.ChatMessageRoleTool
		}
		var text strings.Builder
		var toolCallID string
		for _, p := range m.Parts {
			switch v := p.(type) {
			case model.TextPart:
				text.WriteString(v.Text)
			case model.ToolResultPart:
				toolCallID = v.ToolUseID
				if s, ok := v.Content.(string); ok {
					text.WriteString(s)
				} else if data, err := json.Marshal(v.Content); err == nil {
					text.Write(data)
				}
			}
		}
		msg := openai.ChatCompletionMessage{Role: role, Content: text.String()}
		if toolCallID != "" {
			msg.ToolCallID = toolCallID
		}
		out = append(out, msg)
	}
	if len(out) == 0 {
		return nil, errors.New("provider: openai request requires at least one message")
	}
	return out, nil
}

func encodeOpenAITools(defs []*model.ToolDefinition) ([]openai.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		params, err := json.Marshal(d.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("provider: encode tool %q schema: %w", d.Name, err)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return out, nil
}

func decodeOpenAIResponse(resp openai.ChatCompletionResponse) *model.Response {
	out := &model.Response{
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	for _, choice := range resp.Choices {
		msg := choice.Message
		if strings.TrimSpace(msg.Content) != "" {
			out.Content = append(out.Content, model.Message{
				Role:  model.RoleAssistant,
				Parts: []model.Part{model.TextPart{Text: msg.Content}},
			})
		}
		for _, call := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				Name:    tools.Ident(call.Function.Name),
				ID:      call.ID,
				Payload: json.RawMessage(call.Function.Arguments),
			})
		}
		out.StopReason = string(choice.FinishReason)
	}
	return out
}

func translateOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 429 {
		return model.ErrRateLimited
	}
	return fmt.Errorf("provider: openai request failed: %w", err)
}
