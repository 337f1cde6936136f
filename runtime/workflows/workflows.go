// Package workflows binds each closed workflow kind (C9) to a prompt
// builder, a tool whitelist, and a stop policy, and drives the bound
// tool-loop invocation. Handlers are stateless and constructed once at
// process boot; a Handler is selected per request by the classification
// produced by runtime/router (or directly, when a caller hits a
// workflow-specific endpoint instead of the router).
package workflows

import (
	"context"
	"fmt"

	"github.com/tripsage/tripsage-core/runtime/model"
	"github.com/tripsage/tripsage-core/runtime/router"
	"github.com/tripsage/tripsage-core/runtime/stream"
	"github.com/tripsage/tripsage-core/runtime/toolloop"
	"github.com/tripsage/tripsage-core/runtime/tools"
)

// PromptBuilder renders the system prompt for a single invocation from the
// user's preferences and the workflow-specific request payload.
type PromptBuilder func(preferences map[string]any, input map[string]any) string

// Binding describes how a single workflow kind is realized: its tool
// whitelist, prompt builder, and stop policy. Per spec.md §4.6, itinerary
// planning legitimately needs a higher tool-call ceiling and a longer
// deadline than, say, destination research.
type Binding struct {
	Kind          router.Kind
	ToolNames     []tools.Ident
	PromptBuilder PromptBuilder
	Policy        toolloop.Policy
	Model         string
	ModelClass    model.ModelClass
}

// Request is the input to Handler.Run.
type Request struct {
	RunID       string
	SessionID   string
	TurnID      string
	Preferences map[string]any
	Input       map[string]any
	History     []*model.Message
	Sink        stream.Sink
}

// Handler drives one workflow kind's bound tool-loop invocation.
type Handler struct {
	binding  Binding
	registry *tools.Registry
	engine   *toolloop.Engine
}

// NewHandler constructs a Handler bound to binding, resolving its tool
// whitelist from registry at construction time so a typo in ToolNames
// fails fast at boot rather than mid-request.
func NewHandler(binding Binding, registry *tools.Registry, engine *toolloop.Engine) (*Handler, error) {
	for _, name := range binding.ToolNames {
		if _, ok := registry.Spec(name); !ok {
			return nil, fmt.Errorf("workflows: %s: tool %q is not registered", binding.Kind, name)
		}
	}
	return &Handler{binding: binding, registry: registry, engine: engine}, nil
}

// Kind reports the workflow kind this handler serves.
func (h *Handler) Kind() router.Kind { return h.binding.Kind }

// Run builds the system prompt, resolves the tool whitelist, and drives the
// bound tool-loop invocation to completion, streaming events to req.Sink.
func (h *Handler) Run(ctx context.Context, req *Request) *toolloop.Result {
	prompt := h.binding.PromptBuilder(req.Preferences, req.Input)
	toolSet := h.registry.Subset(h.binding.ToolNames)

	if req.Sink != nil {
		_ = req.Sink.Send(ctx, stream.NewStarted(req.RunID, req.SessionID, string(h.binding.Kind)))
	}

	return h.engine.Run(ctx, &toolloop.Invocation{
		Meta:         toolloop.CallMeta{RunID: req.RunID, SessionID: req.SessionID, TurnID: req.TurnID},
		SystemPrompt: prompt,
		Model:        h.binding.Model,
		ModelClass:   h.binding.ModelClass,
		History:      req.History,
		ToolSet:      toolSet,
		Policy:       h.binding.Policy,
		Sink:         req.Sink,
	})
}

// Registry dispatches a classified or directly-requested workflow kind to
// its bound Handler.
type Registry struct {
	handlers map[router.Kind]*Handler
}

// NewRegistry indexes handlers by their Kind. Registering two handlers for
// the same Kind is a configuration error.
func NewRegistry(handlers ...*Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[router.Kind]*Handler, len(handlers))}
	for _, h := range handlers {
		if _, exists := r.handlers[h.Kind()]; exists {
			return nil, fmt.Errorf("workflows: duplicate handler registered for %q", h.Kind())
		}
		r.handlers[h.Kind()] = h
	}
	return r, nil
}

// Handler returns the handler bound to kind.
func (r *Registry) Handler(kind router.Kind) (*Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// Dispatch resolves a classification to its handler, falling back to
// general_chat when confidence is below router.LowConfidenceThreshold. This
// is the "confidence handling is the caller's responsibility" policy from
// spec.md §4.6, implemented once here so every entry point shares it.
func (r *Registry) Dispatch(c router.Classification) (*Handler, router.Kind) {
	kind := c.Workflow
	if !c.IsConfident() {
		kind = router.KindGeneralChat
	}
	if h, ok := r.handlers[kind]; ok {
		return h, kind
	}
	return r.handlers[router.KindGeneralChat], router.KindGeneralChat
}
