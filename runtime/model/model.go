// Package model defines the provider-agnostic message and streaming types
// shared by the provider registry, the tool-loop engine, and every
// workflow handler. Messages are modeled as typed parts (text, thinking,
// tool use/result) rather than flattened strings so the tool-loop engine
// can reason about tool calls without re-parsing provider output.
package model

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tripsage/tripsage-core/runtime/tools"
)

// ConversationRole is the role for a message in a conversation.
type ConversationRole string

const (
	RoleSystem    ConversationRole = "system"
	RoleUser      ConversationRole = "user"
	RoleAssistant ConversationRole = "assistant"
	RoleTool      ConversationRole = "tool"
)

type (
	// Part is a marker interface implemented by all message content blocks.
	Part interface{ isPart() }

	// TextPart is a plain text content block.
	TextPart struct{ Text string }

	// ImagePart carries image bytes attached to a user message.
	ImagePart struct {
		Format string
		Bytes  []byte
	}

	// ThinkingPart represents provider-issued reasoning content. Callers
	// treat it as opaque metadata and surface it according to UI policy.
	ThinkingPart struct {
		Text      string
		Signature string
		Index     int
		Final     bool
	}

	// ToolUsePart declares a tool invocation requested by the assistant.
	ToolUsePart struct {
		ID    string
		Name  string
		Input any
	}

	// ToolResultPart carries a tool result attached to a subsequent user
	// message so the model can read it in the next turn.
	ToolResultPart struct {
		ToolUseID string
		Content   any
		IsError   bool
	}

	// CacheCheckpointPart marks a prompt-cache boundary. Providers that do
	// not support caching ignore this part.
	CacheCheckpointPart struct{}

	// Message is a single chat message: an ordered list of content parts
	// under a conversation role.
	Message struct {
		Role  ConversationRole
		Parts []Part
		Meta  map[string]any
	}

	// ToolDefinition describes a tool exposed to the model for a single
	// request, derived from a tools.ToolSpec.
	ToolDefinition struct {
		Name        string
		Description string
		InputSchema any
	}

	// ToolCall is a tool invocation requested by the model during a
	// Complete or Stream call.
	ToolCall struct {
		Name    tools.Ident
		Payload json.RawMessage
		ID      string
	}

	// ToolCallDelta is an incremental tool-call payload fragment streamed by
	// providers while constructing the full tool input JSON. Best-effort UX
	// signal only; the canonical payload is ToolCall.Payload.
	ToolCallDelta struct {
		Name  tools.Ident
		ID    string
		Delta string
	}

	// ToolChoiceMode controls how the model is permitted to use tools.
	ToolChoiceMode string

	// ToolChoice configures tool-use behavior for a Request.
	ToolChoice struct {
		Mode ToolChoiceMode
		Name string
	}

	// TokenUsage tracks token counts for a model call.
	TokenUsage struct {
		InputTokens      int
		OutputTokens     int
		TotalTokens      int
		CacheReadTokens  int
		CacheWriteTokens int
	}

	// ThinkingOptions configures provider reasoning behavior.
	ThinkingOptions struct {
		Enable       bool
		Interleaved  bool
		BudgetTokens int
	}

	// CacheOptions configures prompt caching. Providers that do not support
	// caching ignore these flags.
	CacheOptions struct {
		AfterSystem bool
		AfterTools  bool
	}

	// ModelClass identifies a model family; provider adapters map classes
	// to concrete model identifiers (e.g. "small" -> "claude-haiku-...").
	ModelClass string

	// Request captures the inputs of a model invocation.
	Request struct {
		RunID       string
		Model       string
		ModelClass  ModelClass
		Messages    []*Message
		Temperature float32
		Tools       []*ToolDefinition
		ToolChoice  *ToolChoice
		MaxTokens   int
		Stream      bool
		Thinking    *ThinkingOptions
		Cache       *CacheOptions

		// ResponseSchema carries a JSON Schema for structured output. The
		// agent router sets it for classification; workflow handlers do not
		// set it. The anthropic, openai and bedrock adapters do not forward it
		// to the provider, so output is not constrained by it; the router
		// validates the reply against the schema itself.
		ResponseSchema json.RawMessage
	}

	// Response is the result of a non-streaming invocation.
	Response struct {
		Content    []Message
		ToolCalls  []ToolCall
		Usage      TokenUsage
		StopReason string
	}

	// Chunk is a single streaming event from the model.
	Chunk struct {
		Type          string
		Message       *Message
		Thinking      string
		ToolCall      *ToolCall
		ToolCallDelta *ToolCallDelta
		UsageDelta    *TokenUsage
		StopReason    string
	}

	// Client is the provider-agnostic model client. Provider adapters
	// (anthropic, openai, bedrock) implement this by translating
	// Request/Response into provider-specific wire calls.
	Client interface {
		Complete(ctx context.Context, req *Request) (*Response, error)
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Callers must drain the
	// stream until Recv returns io.EOF (or another terminal error) and then
	// call Close.
	Streamer interface {
		Recv() (Chunk, error)
		Close() error
		Metadata() map[string]any
	}
)

const (
	ChunkTypeText          = "text"
	ChunkTypeThinking      = "thinking"
	ChunkTypeToolCall      = "tool_call"
	ChunkTypeToolCallDelta = "tool_call_delta"
	ChunkTypeUsage         = "usage"
	ChunkTypeStop          = "stop"

	ToolChoiceModeAuto ToolChoiceMode = "auto"
	ToolChoiceModeTool ToolChoiceMode = "tool"
	ToolChoiceModeNone ToolChoiceMode = "none"
)

// ErrRateLimited indicates the provider rejected the request due to rate
// limiting after exhausting any configured retries. Callers must not retry
// in a tight loop; the HTTP handlers report a failed model call as
// PROVIDER_UNAVAILABLE.
var ErrRateLimited = errors.New("model: rate limited")

func (TextPart) isPart()            {}
func (ImagePart) isPart()           {}
func (ThinkingPart) isPart()        {}
func (ToolUsePart) isPart()         {}
func (ToolResultPart) isPart()      {}
func (CacheCheckpointPart) isPart() {}
