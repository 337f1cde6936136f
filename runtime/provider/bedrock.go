package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"github.com/tripsage/tripsage-core/runtime/model"
	"github.com/tripsage/tripsage-core/runtime/tools"
)

// BedrockRuntimeClient mirrors the subset of the AWS Bedrock runtime client
// the adapter depends on, matching *bedrockruntime.Client.
type BedrockRuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockOptions configures the Bedrock adapter's default model classes.
type BedrockOptions struct {
	DefaultModel string
	HighModel    string
	SmallModel   string
	MaxTokens    int32
}

// BedrockClient implements model.Client over the AWS Bedrock Converse API.
// Streaming is not implemented; the tool-loop engine and the router only
// call Complete, so Bedrock-backed runs do not use Stream.
type BedrockClient struct {
	runtime BedrockRuntimeClient
	opts    BedrockOptions
}

// NewBedrockClient builds a BedrockClient from an explicit runtime client.
func NewBedrockClient(runtime BedrockRuntimeClient, opts BedrockOptions) (*BedrockClient, error) {
	if runtime == nil {
		return nil, errors.New("provider: bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("provider: bedrock default model is required")
	}
	return &BedrockClient{runtime: runtime, opts: opts}, nil
}

// NewBedrockFactory returns a Factory that builds a region-scoped
// BedrockClient from a resolved Credential. The credential's Region selects
// the AWS region; APIKey (when set) supplies a static access key pair in the
// form "accessKeyID:secretAccessKey" for cross-account BYOK, falling back to
// the process's default credential chain otherwise.
func NewBedrockFactory(opts BedrockOptions) Factory {
	return func(cred Credential) (model.Client, error) {
		region := cred.Region
		if region == "" {
			return nil, errors.New("provider: bedrock credential has no region")
		}
		loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
		if cred.APIKey != "" {
			accessKeyID, secretAccessKey, ok := splitPair(cred.APIKey)
			if !ok {
				return nil, errors.New("provider: bedrock credential key must be accessKeyID:secretAccessKey")
			}
			loadOpts = append(loadOpts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")))
		}
		cfg, err := config.LoadDefaultConfig(context.Background(), loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("provider: load AWS config: %w", err)
		}
		return NewBedrockClient(bedrockruntime.NewFromConfig(cfg), opts)
	}
}

func splitPair(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func (c *BedrockClient) modelFor(req *model.Request) string {
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

// Complete issues a Converse request and translates the response into the
// generic model.Response shape.
func (c *BedrockClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	input, err := c.buildInput(req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, translateBedrockError(err)
	}
	return decodeConverseOutput(out), nil
}

// Stream is not supported by this adapter; callers should use Complete for
// Bedrock-backed model classes.
func (c *BedrockClient) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, errors.New("provider: bedrock streaming is not implemented")
}

func (c *BedrockClient) buildInput(req *model.Request) (*bedrockruntime.ConverseInput, error) {
	var system []brtypes.SystemContentBlock
	messages := make([]brtypes.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == model.RoleSystem {
			for _, p := range m.Parts {
				if tp, ok := p.(model.TextPart); ok {
					system = append(system, &brtypes.SystemContentBlockMemberText{Value: tp.Text})
				}
			}
			continue
		}
		blocks, err := encodeBedrockParts(m.Parts)
		if err != nil {
			return nil, err
		}
		role := brtypes.ConversationRoleUser
		if m.Role == model.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		messages = append(messages, brtypes.Message{Role: role, Content: blocks})
	}

	maxTokens := int32(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = c.opts.MaxTokens
	}
	inferenceCfg := &brtypes.InferenceConfiguration{}
	if maxTokens > 0 {
		inferenceCfg.MaxTokens = aws.Int32(maxTokens)
	}
	if req.Temperature > 0 {
		inferenceCfg.Temperature = aws.Float32(req.Temperature)
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(c.modelFor(req)),
		Messages:        messages,
		System:          system,
		InferenceConfig: inferenceCfg,
	}
	if len(req.Tools) > 0 {
		toolConfig, err := encodeBedrockTools(req.Tools)
		if err != nil {
			return nil, err
		}
		input.ToolConfig = toolConfig
	}
	return input, nil
}

func encodeBedrockParts(parts []model.Part) ([]brtypes.ContentBlock, error) {
	blocks := make([]brtypes.ContentBlock, 0, len(parts))
	for _, p := range parts {
		switch v := p.(type) {
		case model.TextPart:
			blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Text})
		case model.ToolUsePart:
			doc, err := document.NewLazyDocument(v.Input), error(nil)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{
				Value: brtypes.ToolUseBlock{ToolUseId: aws.String(v.ID), Name: aws.String(v.Name), Input: doc},
			})
		case model.ToolResultPart:
			content, err := json.Marshal(v.Content)
			if err != nil {
				return nil, fmt.Errorf("provider: encode bedrock tool result: %w", err)
			}
			status := brtypes.ToolResultStatusSuccess
			if v.IsError {
				status = brtypes.ToolResultStatusError
			}
			blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{
				Value: brtypes.ToolResultBlock{
					ToolUseId: aws.String(v.ToolUseID),
					Status:    status,
					Content: []brtypes.ToolResultContentBlock{
						&brtypes.ToolResultContentBlockMemberJson{Value: document.NewLazyDocument(json.RawMessage(content))},
					},
				},
			})
		}
	}
	return blocks, nil
}

func encodeBedrockTools(defs []*model.ToolDefinition) (*brtypes.ToolConfiguration, error) {
	specs := make([]brtypes.Tool, 0, len(defs))
	for _, d := range defs {
		specs = append(specs, &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        aws.String(d.Name),
				Description: aws.String(d.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(d.InputSchema),
				},
			},
		})
	}
	return &brtypes.ToolConfiguration{Tools: specs}, nil
}

func decodeConverseOutput(out *bedrockruntime.ConverseOutput) *model.Response {
	resp := &model.Response{}
	msgOutput, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if ok {
		var parts []model.Part
		for _, block := range msgOutput.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				parts = append(parts, model.TextPart{Text: v.Value})
			case *brtypes.ContentBlockMemberToolUse:
				var input json.RawMessage
				if v.Value.Input != nil {
					if raw, err := v.Value.Input.MarshalSmithyDocument(); err == nil {
						input = raw
					}
				}
				resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
					Name:    tools.Ident(aws.ToString(v.Value.Name)),
					ID:      aws.ToString(v.Value.ToolUseId),
					Payload: input,
				})
			}
		}
		if len(parts) > 0 {
			resp.Content = []model.Message{{Role: model.RoleAssistant, Parts: parts}}
		}
	}
	if out.Usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(aws.ToInt32(out.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	resp.StopReason = string(out.StopReason)
	return resp
}

func translateBedrockError(err error) error {
	var throttling *brtypes.ThrottlingException
	if errors.As(err, &throttling) {
		return model.ErrRateLimited
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ThrottlingException" {
		return model.ErrRateLimited
	}
	return fmt.Errorf("provider: bedrock converse failed: %w", err)
}
