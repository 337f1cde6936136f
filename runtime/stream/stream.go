// Package stream defines the Server-Sent Events wire format emitted by the
// chat stream handler (C13): started, delta, tool-call, tool-result,
// final, and error events, terminated by a [DONE] sentinel. Sink
// implementations deliver Events to a transport (SSE over http.Flusher in
// production, an in-memory slice in tests) without knowing the concrete
// event type.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// EventType is the wire-level SSE event name.
type EventType string

const (
	EventStarted    EventType = "started"
	EventDelta      EventType = "delta"
	EventToolCall   EventType = "tool-call"
	EventToolResult EventType = "tool-result"
	EventFinal      EventType = "final"
	EventError      EventType = "error"
)

// DoneSentinel is the terminal SSE data payload written after the last
// event of a run, signaling clients to stop reading.
const DoneSentinel = "[DONE]"

// Event is implemented by every concrete event type. Sinks marshal Payload
// generically; consumers that need typed field access type-assert the
// concrete struct.
type Event interface {
	Type() EventType
	RunID() string
	SessionID() string
	Payload() any
}

// Base carries the envelope fields shared by every event type.
type Base struct {
	EventType  EventType `json:"-"`
	Run        string    `json:"run_id"`
	Session    string    `json:"session_id"`
	EmittedAt  time.Time `json:"emitted_at"`
}

func (b Base) Type() EventType    { return b.EventType }
func (b Base) RunID() string      { return b.Run }
func (b Base) SessionID() string  { return b.Session }

type (
	// Started is emitted once a run begins, before any model output.
	Started struct {
		Base
		Data StartedPayload
	}

	// StartedPayload carries the resolved workflow kind for the run.
	StartedPayload struct {
		WorkflowKind string `json:"workflow_kind"`
	}

	// Delta streams an incremental assistant text fragment.
	Delta struct {
		Base
		Data DeltaPayload
	}

	// DeltaPayload carries one incremental text fragment. Clients
	// concatenate Text across sequential Delta events.
	DeltaPayload struct {
		Text string `json:"text"`
	}

	// ToolCall streams a tool invocation request from the model.
	ToolCall struct {
		Base
		Data ToolCallPayload
	}

	// ToolCallPayload describes one tool invocation.
	ToolCallPayload struct {
		ToolCallID string          `json:"tool_call_id"`
		Name       string          `json:"name"`
		Input      json.RawMessage `json:"input"`
	}

	// ToolResult streams the outcome of a tool invocation.
	ToolResult struct {
		Base
		Data ToolResultPayload
	}

	// ToolResultPayload carries a tool's output or error.
	ToolResultPayload struct {
		ToolCallID string          `json:"tool_call_id"`
		Name       string          `json:"name"`
		Output     json.RawMessage `json:"output,omitempty"`
		Error      string          `json:"error,omitempty"`
		DurationMs int64           `json:"duration_ms"`
	}

	// Final is emitted once per run with the complete assistant message and
	// usage totals.
	Final struct {
		Base
		Data FinalPayload
	}

	// FinalPayload carries the run's terminal state.
	FinalPayload struct {
		Text         string `json:"text"`
		StopReason   string `json:"stop_reason"`
		InputTokens  int    `json:"input_tokens"`
		OutputTokens int    `json:"output_tokens"`
	}

	// Error is emitted when a run terminates abnormally. A well-formed
	// Error event still precedes the [DONE] sentinel.
	Error struct {
		Base
		Data ErrorPayload
	}

	// ErrorPayload mirrors the stable error-code envelope (apierror.Error)
	// so clients can branch on Code the same way they would on an HTTP
	// error response.
	ErrorPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
)

func (e Started) Payload() any    { return e.Data }
func (e Delta) Payload() any      { return e.Data }
func (e ToolCall) Payload() any   { return e.Data }
func (e ToolResult) Payload() any { return e.Data }
func (e Final) Payload() any      { return e.Data }
func (e Error) Payload() any      { return e.Data }

func newBase(eventType EventType, runID, sessionID string) Base {
	return Base{EventType: eventType, Run: runID, Session: sessionID, EmittedAt: time.Now()}
}

// NewStarted constructs a Started event.
func NewStarted(runID, sessionID, workflowKind string) Started {
	return Started{Base: newBase(EventStarted, runID, sessionID), Data: StartedPayload{WorkflowKind: workflowKind}}
}

// NewDelta constructs a Delta event.
func NewDelta(runID, sessionID, text string) Delta {
	return Delta{Base: newBase(EventDelta, runID, sessionID), Data: DeltaPayload{Text: text}}
}

// NewToolCall constructs a ToolCall event.
func NewToolCall(runID, sessionID, toolCallID, name string, input json.RawMessage) ToolCall {
	return ToolCall{
		Base: newBase(EventToolCall, runID, sessionID),
		Data: ToolCallPayload{ToolCallID: toolCallID, Name: name, Input: input},
	}
}

// NewToolResult constructs a ToolResult event.
func NewToolResult(runID, sessionID, toolCallID, name string, output json.RawMessage, errMsg string, duration time.Duration) ToolResult {
	return ToolResult{
		Base: newBase(EventToolResult, runID, sessionID),
		Data: ToolResultPayload{ToolCallID: toolCallID, Name: name, Output: output, Error: errMsg, DurationMs: duration.Milliseconds()},
	}
}

// NewFinal constructs a Final event.
func NewFinal(runID, sessionID, text, stopReason string, inputTokens, outputTokens int) Final {
	return Final{
		Base: newBase(EventFinal, runID, sessionID),
		Data: FinalPayload{Text: text, StopReason: stopReason, InputTokens: inputTokens, OutputTokens: outputTokens},
	}
}

// NewError constructs an Error event.
func NewError(runID, sessionID, code, message string) Error {
	return Error{Base: newBase(EventError, runID, sessionID), Data: ErrorPayload{Code: code, Message: message}}
}

// Sink delivers Events to a transport. Implementations must be safe for
// concurrent Send calls and treat Close as idempotent.
type Sink interface {
	Send(ctx context.Context, event Event) error
	Close(ctx context.Context) error
}

// MemorySink buffers events in order, used by tests and by any consumer
// that drains a run's full event history synchronously.
type MemorySink struct {
	Events []Event
	closed bool
	mu     sync.Mutex
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Send(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, event)
	return nil
}

func (s *MemorySink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
