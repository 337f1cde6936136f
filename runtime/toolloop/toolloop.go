// Package toolloop implements the Tool-Loop Engine (C7): given a model
// client, a system prompt, a whitelisted tool set, and a stop policy, it
// drives the AwaitModel/AwaitTool state machine, streaming intermediate
// events and enforcing the per-workflow stop conditions. runtime/workflows
// runs it directly in the request goroutine for every workflow kind.
package toolloop

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tripsage/tripsage-core/runtime/model"
	"github.com/tripsage/tripsage-core/runtime/stream"
	"github.com/tripsage/tripsage-core/runtime/telemetry"
	"github.com/tripsage/tripsage-core/runtime/tools"
)

// StopReason reports why the loop terminated.
type StopReason string

const (
	StopFinalMessage     StopReason = "final_message"
	StopToolCeiling      StopReason = "tool_call_ceiling"
	StopDeadline         StopReason = "deadline_exceeded"
	StopWorthyToolError  StopReason = "stop_worthy_tool_error"
	StopPolicyExhausted  StopReason = "policy_exhausted"
	StopClientDisconnect StopReason = "client_disconnected"
)

// ErrStopPolicyExhausted is returned when the loop terminates on the tool
// ceiling or deadline before producing a final message.
var ErrStopPolicyExhausted = errors.New("toolloop: stop policy exhausted before final message")

// StopWorthyError is returned by a tool's Execute function to signal that
// the loop must terminate immediately rather than continue iterating, e.g.
// an unrecoverable authorization failure against a third-party API.
type StopWorthyError struct {
	Err error
}

func (e *StopWorthyError) Error() string { return e.Err.Error() }
func (e *StopWorthyError) Unwrap() error { return e.Err }

// Policy bounds a single loop invocation.
type Policy struct {
	// MaxToolCalls is the tool-call ceiling, checked after each AwaitTool
	// step against the number of tools executed so far. With zero, the
	// first batch of tool calls still runs and the loop then stops with
	// STOP_POLICY_EXHAUSTED.
	MaxToolCalls int
	// Deadline is the wall-clock budget for the entire invocation,
	// measured from Run's start.
	Deadline time.Duration
}

// CallMeta identifies the run/session/turn a tool invocation belongs to,
// propagated to tools via context and attached to span attributes.
type CallMeta struct {
	RunID     string
	SessionID string
	TurnID    string
}

type callMetaKey struct{}

// CallMetaFromContext returns the CallMeta attached by the engine, or the
// zero value if none is present (e.g. in a unit test calling a tool
// directly).
func CallMetaFromContext(ctx context.Context) CallMeta {
	m, _ := ctx.Value(callMetaKey{}).(CallMeta)
	return m
}

// Result is the outcome of a completed Run.
type Result struct {
	FinalText  string
	StopReason StopReason
	ToolCalls  int
	Usage      model.TokenUsage
	Err        error
}

// Engine drives the AwaitModel/AwaitTool loop for a single workflow
// invocation.
type Engine struct {
	client model.Client
	tracer telemetry.Tracer
	logger telemetry.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithTracer configures the engine's tracer. When unset, a noop tracer is
// used.
func WithTracer(tracer telemetry.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// WithLogger configures the engine's logger. When unset, a noop logger is
// used.
func WithLogger(logger telemetry.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New constructs an Engine around client.
func New(client model.Client, opts ...Option) *Engine {
	e := &Engine{
		client: client,
		tracer: telemetry.NewNoopTracer(),
		logger: telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	return e
}

// Invocation is the input to a single Run.
type Invocation struct {
	Meta         CallMeta
	SystemPrompt string
	Model        string
	ModelClass   model.ModelClass
	History      []*model.Message
	ToolSet      []*tools.Spec
	Policy       Policy
	Sink         stream.Sink
}

// Run drives the tool-calling loop to completion, streaming events to
// inv.Sink as they occur. It returns once a StopReason is reached. The loop
// checks ctx only before each AwaitModel step; the model call and each
// tool's Execute receive ctx and may observe its cancellation, but the
// engine does not abort them (spec: results discarded on disconnect).
func (e *Engine) Run(ctx context.Context, inv *Invocation) *Result {
	ctx, span := e.tracer.Start(ctx, "toolloop.run",
		trace.WithAttributes(
			attribute.String("toolloop.run_id", inv.Meta.RunID),
			attribute.String("toolloop.session_id", inv.Meta.SessionID),
			attribute.Int("toolloop.max_tool_calls", inv.Policy.MaxToolCalls),
		))
	defer span.End()

	ctx = context.WithValue(ctx, callMetaKey{}, inv.Meta)

	var deadline time.Time
	if inv.Policy.Deadline > 0 {
		deadline = time.Now().Add(inv.Policy.Deadline)
	}

	toolsByName := make(map[tools.Ident]*tools.Spec, len(inv.ToolSet))
	toolDefs := make([]*model.ToolDefinition, 0, len(inv.ToolSet))
	for _, t := range inv.ToolSet {
		toolsByName[t.Name] = t
		toolDefs = append(toolDefs, &model.ToolDefinition{
			Name:        t.Name.String(),
			Description: t.Description,
			InputSchema: json.RawMessage(t.InputSchema),
		})
	}

	messages := append([]*model.Message{
		{Role: model.RoleSystem, Parts: []model.Part{model.TextPart{Text: inv.SystemPrompt}}},
	}, inv.History...)

	toolCalls := 0
	var usage model.TokenUsage
	var finalText string

	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return e.finish(ctx, span, inv, StopDeadline, finalText, toolCalls, usage, ErrStopPolicyExhausted)
		}
		select {
		case <-ctx.Done():
			return e.finish(ctx, span, inv, StopClientDisconnect, finalText, toolCalls, usage, ctx.Err())
		default:
		}

		resp, err := e.client.Complete(ctx, &model.Request{
			RunID:      inv.Meta.RunID,
			Model:      inv.Model,
			ModelClass: inv.ModelClass,
			Messages:   messages,
			Tools:      toolDefs,
		})
		if err != nil {
			return e.finish(ctx, span, inv, StopWorthyToolError, finalText, toolCalls, usage, err)
		}
		usage = addUsage(usage, resp.Usage)

		assistantParts := collectParts(resp.Content)
		messages = append(messages, &model.Message{Role: model.RoleAssistant, Parts: assistantParts})

		for _, msg := range resp.Content {
			for _, part := range msg.Parts {
				if tp, ok := part.(model.TextPart); ok {
					finalText += tp.Text
					_ = send(ctx, inv.Sink, stream.NewDelta(inv.Meta.RunID, inv.Meta.SessionID, tp.Text))
				}
			}
		}

		if len(resp.ToolCalls) == 0 {
			return e.finish(ctx, span, inv, StopFinalMessage, finalText, toolCalls, usage, nil)
		}

		toolResults := make([]model.Part, 0, len(resp.ToolCalls))
		stopWorthy := false
		var stopWorthyErr error

		for _, call := range resp.ToolCalls {
			_ = send(ctx, inv.Sink, stream.NewToolCall(inv.Meta.RunID, inv.Meta.SessionID, call.ID, call.Name.String(), call.Payload))

			spec, ok := toolsByName[call.Name]
			if !ok {
				toolResults = append(toolResults, errorToolResult(call, "tool not in whitelist for this workflow"))
				continue
			}

			if issues := spec.ValidateInput(call.Payload); len(issues) > 0 {
				toolResults = append(toolResults, errorToolResult(call, "invalid tool input"))
				_ = send(ctx, inv.Sink, stream.NewToolResult(inv.Meta.RunID, inv.Meta.SessionID, call.ID, call.Name.String(), nil, "invalid tool input", 0))
				continue
			}

			start := time.Now()
			output, execErr := e.invokeTool(ctx, spec, call.Payload)
			duration := time.Since(start)
			toolCalls++

			var worthy *StopWorthyError
			if errors.As(execErr, &worthy) {
				stopWorthy = true
				stopWorthyErr = worthy
				toolResults = append(toolResults, errorToolResult(call, worthy.Error()))
				_ = send(ctx, inv.Sink, stream.NewToolResult(inv.Meta.RunID, inv.Meta.SessionID, call.ID, call.Name.String(), nil, worthy.Error(), duration))
				continue
			}
			if execErr != nil {
				toolResults = append(toolResults, errorToolResult(call, execErr.Error()))
				_ = send(ctx, inv.Sink, stream.NewToolResult(inv.Meta.RunID, inv.Meta.SessionID, call.ID, call.Name.String(), nil, execErr.Error(), duration))
				continue
			}

			raw, marshalErr := json.Marshal(output)
			if marshalErr != nil {
				toolResults = append(toolResults, errorToolResult(call, "failed to encode tool output"))
				continue
			}
			if issues := spec.ValidateOutput(raw); len(issues) > 0 {
				toolResults = append(toolResults, errorToolResult(call, "tool returned output violating its schema"))
				_ = send(ctx, inv.Sink, stream.NewToolResult(inv.Meta.RunID, inv.Meta.SessionID, call.ID, call.Name.String(), nil, "invalid tool output", duration))
				continue
			}

			toolResults = append(toolResults, model.ToolResultPart{ToolUseID: call.ID, Content: output})
			_ = send(ctx, inv.Sink, stream.NewToolResult(inv.Meta.RunID, inv.Meta.SessionID, call.ID, call.Name.String(), raw, "", duration))
		}

		messages = append(messages, &model.Message{Role: model.RoleTool, Parts: toolResults})

		// Stop policy is evaluated once per AwaitTool -> AwaitModel transition,
		// with (d) taking priority over (b)/(c) when multiple conditions hold.
		switch {
		case stopWorthy:
			return e.finish(ctx, span, inv, StopWorthyToolError, finalText, toolCalls, usage, stopWorthyErr)
		case toolCalls >= inv.Policy.MaxToolCalls:
			return e.finish(ctx, span, inv, StopToolCeiling, finalText, toolCalls, usage, ErrStopPolicyExhausted)
		case !deadline.IsZero() && time.Now().After(deadline):
			return e.finish(ctx, span, inv, StopDeadline, finalText, toolCalls, usage, ErrStopPolicyExhausted)
		}
	}
}

func (e *Engine) invokeTool(ctx context.Context, spec *tools.Spec, payload json.RawMessage) (any, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	return spec.Execute(callCtx, payload)
}

func (e *Engine) finish(ctx context.Context, span telemetry.Span, inv *Invocation, reason StopReason, text string, toolCalls int, usage model.TokenUsage, err error) *Result {
	span.SetStatus(codes.Ok, string(reason))
	if err != nil {
		span.RecordError(err)
	}
	stopReasonForWire := "completed"
	if err != nil {
		stopReasonForWire = string(reason)
	}
	if inv.Sink != nil {
		if err != nil && !errors.Is(err, context.Canceled) {
			code := "INTERNAL"
			var worthy *StopWorthyError
			switch {
			case errors.Is(err, ErrStopPolicyExhausted):
				code = "STOP_POLICY_EXHAUSTED"
			case errors.As(err, &worthy):
				code = "TOOL_FAILED"
			case reason == StopWorthyToolError:
				code = "PROVIDER_UNAVAILABLE"
			}
			_ = inv.Sink.Send(ctx, stream.NewError(inv.Meta.RunID, inv.Meta.SessionID, code, err.Error()))
		}
		_ = inv.Sink.Send(ctx, stream.NewFinal(inv.Meta.RunID, inv.Meta.SessionID, text, stopReasonForWire, usage.InputTokens, usage.OutputTokens))
		_ = inv.Sink.Close(ctx)
	}
	return &Result{FinalText: text, StopReason: reason, ToolCalls: toolCalls, Usage: usage, Err: err}
}

func send(ctx context.Context, sink stream.Sink, event stream.Event) error {
	if sink == nil {
		return nil
	}
	return sink.Send(ctx, event)
}

func collectParts(messages []model.Message) []model.Part {
	var parts []model.Part
	for _, m := range messages {
		parts = append(parts, m.Parts...)
	}
	return parts
}

func errorToolResult(call model.ToolCall, msg string) model.Part {
	return model.ToolResultPart{ToolUseID: call.ID, Content: msg, IsError: true}
}

func addUsage(a, b model.TokenUsage) model.TokenUsage {
	return model.TokenUsage{
		InputTokens:      a.InputTokens + b.InputTokens,
		OutputTokens:     a.OutputTokens + b.OutputTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
		CacheReadTokens:  a.CacheReadTokens + b.CacheReadTokens,
		CacheWriteTokens: a.CacheWriteTokens + b.CacheWriteTokens,
	}
}

