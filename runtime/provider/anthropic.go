package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/tripsage/tripsage-core/runtime/model"
	"github.com/tripsage/tripsage-core/runtime/tools"
)

// AnthropicMessagesClient captures the subset of the Anthropic SDK used by
// the adapter, satisfied by *sdk.MessageService or a test fake.
type AnthropicMessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicOptions configures the Anthropic adapter's default model classes.
type AnthropicOptions struct {
	DefaultModel string
	HighModel    string
	SmallModel   string
	MaxTokens    int64
}

// AnthropicClient implements model.Client over the Anthropic Messages API.
type AnthropicClient struct {
	msg     AnthropicMessagesClient
	opts    AnthropicOptions
}

// NewAnthropicClient builds an AnthropicClient from an explicit messages
// client, allowing tests to inject a fake.
func NewAnthropicClient(msg AnthropicMessagesClient, opts AnthropicOptions) (*AnthropicClient, error) {
	if msg == nil {
		return nil, errors.New("provider: anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("provider: anthropic default model is required")
	}
	return &AnthropicClient{msg: msg, opts: opts}, nil
}

// NewAnthropicFactory returns a Factory that builds an AnthropicClient from a
// resolved Credential, suitable for Registry.RegisterFactory.
func NewAnthropicFactory(opts AnthropicOptions) Factory {
	return func(cred Credential) (model.Client, error) {
		if cred.APIKey == "" {
			return nil, errors.New("provider: anthropic credential has no API key")
		}
		client := sdk.NewClient(option.WithAPIKey(cred.APIKey))
		return NewAnthropicClient(&client.Messages, opts)
	}
}

func (c *AnthropicClient) modelFor(req *model.Request) string {
	if req.Model != "" {
		return req.Model
	}
	switch req.ModelClass {
	case "high":
		if c.opts.HighModel != "" {
			return c.opts.HighModel
		}
	case "small":
		if c.opts.SmallModel != "" {
			return c.opts.SmallModel
		}
	}
	return c.opts.DefaultModel
}

func (c *AnthropicClient) buildParams(req *model.Request) (sdk.MessageNewParams, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = c.opts.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	var system []sdk.TextBlockParam
	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == model.RoleSystem {
			for _, p := range m.Parts {
				if tp, ok := p.(model.TextPart); ok {
					system = append(system, sdk.TextBlockParam{Text: tp.Text})
				}
			}
			continue
		}
		blocks, err := encodeParts(m.Parts)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		role := sdk.MessageParamRoleUser
		if m.Role == model.RoleAssistant {
			role = sdk.MessageParamRoleAssistant
		}
		msgs = append(msgs, sdk.MessageParam{Role: role, Content: blocks})
	}

	toolParams, err := encodeTools(req.Tools)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.modelFor(req)),
		MaxTokens: maxTokens,
		Messages:  msgs,
		System:    system,
		Tools:     toolParams,
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	return params, nil
}

// Complete issues a single, non-streaming Messages.New call.
func (c *AnthropicClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return nil, translateAnthropicError(err)
	}
	return decodeAnthropicMessage(msg), nil
}

// Stream issues a streaming Messages.New call.
func (c *AnthropicClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	s := c.msg.NewStreaming(ctx, params)
	return &anthropicStreamer{stream: s}, nil
}

type anthropicStreamer struct {
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *anthropicStreamer) Recv() (model.Chunk, error) {
	if !s.stream.Next() {
		if err := s.stream.Err(); err != nil {
			return model.Chunk{}, translateAnthropicError(err)
		}
		return model.Chunk{}, errEndOfStream
	}
	event := s.stream.Current()
	return translateAnthropicEvent(event), nil
}

func (s *anthropicStreamer) Close() error { return s.stream.Close() }

func (s *anthropicStreamer) Metadata() map[string]any { return nil }

var errEndOfStream = errors.New("provider: end of stream")

func translateAnthropicEvent(event sdk.MessageStreamEventUnion) model.Chunk {
	switch event.Type {
	case "content_block_delta":
		delta := event.Delta
		if delta.Text != "" {
			return model.Chunk{Type: model.ChunkTypeText, Message: &model.Message{
				Role:  model.RoleAssistant,
				Parts: []model.Part{model.TextPart{Text: delta.Text}},
			}}
		}
		if delta.Thinking != "" {
			return model.Chunk{Type: model.ChunkTypeThinking, Thinking: delta.Thinking}
		}
	case "message_delta":
		if string(event.Delta.StopReason) != "" {
			return model.Chunk{Type: model.ChunkTypeStop, StopReason: string(event.Delta.StopReason)}
		}
	}
	return model.Chunk{Type: model.ChunkTypeText}
}

func encodeParts(parts []model.Part) ([]sdk.ContentBlockParamUnion, error) {
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(parts))
	for _, p := range parts {
		switch v := p.(type) {
		case model.TextPart:
			blocks = append(blocks, sdk.NewTextBlock(v.Text))
		case model.ToolUsePart:
			input, err := json.Marshal(v.Input)
			if err != nil {
				return nil, fmt.Errorf("provider: encode tool use input: %w", err)
			}
			blocks = append(blocks, sdk.NewToolUseBlock(v.ID, json.RawMessage(input), v.Name))
		case model.ToolResultPart:
			content, err := json.Marshal(v.Content)
			if err != nil {
				return nil, fmt.Errorf("provider: encode tool result: %w", err)
			}
			blocks = append(blocks, sdk.NewToolResultBlock(v.ToolUseID, string(content), v.IsError))
		}
	}
	return blocks, nil
}

func encodeTools(defs []*model.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		schema, err := json.Marshal(d.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("provider: encode tool %q schema: %w", d.Name, err)
		}
		out = append(out, sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{
			Properties: json.RawMessage(schema),
		}, d.Name))
	}
	return out, nil
}

func decodeAnthropicMessage(msg *sdk.Message) *model.Response {
	resp := &model.Response{
		Usage: model.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		StopReason: string(msg.StopReason),
	}
	var parts []model.Part
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case sdk.TextBlock:
			parts = append(parts, model.TextPart{Text: v.Text})
		case sdk.ToolUseBlock:
			input := json.RawMessage(v.Input)
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				Name:    tools.Ident(v.Name),
				ID:      v.ID,
				Payload: input,
			})
		case sdk.ThinkingBlock:
			parts = append(parts, model.ThinkingPart{Text: v.Thinking, Signature: v.Signature})
		}
	}
	if len(parts) > 0 {
		resp.Content = []model.Message{{Role: model.RoleAssistant, Parts: parts}}
	}
	return resp
}

func translateAnthropicError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == 429 {
		return model.ErrRateLimited
	}
	return fmt.Errorf("provider: anthropic request failed: %w", err)
}
