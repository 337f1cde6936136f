package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tripsage/tripsage-core/admission"
	"github.com/tripsage/tripsage-core/runtime/apierror"
	"github.com/tripsage/tripsage-core/runtime/memory"
	"github.com/tripsage/tripsage-core/runtime/model"
	"github.com/tripsage/tripsage-core/runtime/router"
	"github.com/tripsage/tripsage-core/runtime/stream"
	"github.com/tripsage/tripsage-core/runtime/toolloop"
	"github.com/tripsage/tripsage-core/runtime/workflows"
)

// contextTurnLimit bounds how many prior turns are pulled from the memory
// orchestrator to seed a new run's history.
const contextTurnLimit = 20

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	SessionID   string         `json:"session_id"`
	Messages    []chatMessage  `json:"messages"`
	Preferences map[string]any `json:"preferences,omitempty"`

	// message is the latest user message extracted from Messages by
	// decodeChatRequest; the rest of the handler pipeline works with this
	// single string the same way it did before messages became an array.
	message string
}

type chatResponse struct {
	Content string    `json:"content"`
	Usage   chatUsage `json:"usage"`
	Stop    string    `json:"stop_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (h *handlers) chat(w http.ResponseWriter, r *http.Request) {
	req, identity, err := h.decodeChatRequest(r)
	if err != nil {
		apierror.WriteHTTP(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	sink := stream.NewMemorySink()
	result, _, _, err := h.runChat(ctx, req, identity, sink)
	if err != nil {
		apierror.WriteHTTP(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if result.Err != nil {
		apierror.WriteHTTP(w, r, apierror.Wrap(apierror.CodeProviderUnavailable, "workflow run failed", result.Err))
		return
	}
	_ = json.NewEncoder(w).Encode(chatResponse{
		Content: result.FinalText,
		Usage:   chatUsage{PromptTokens: result.Usage.InputTokens, CompletionTokens: result.Usage.OutputTokens},
		Stop:    string(result.StopReason),
	})
}

func (h *handlers) chatStream(w http.ResponseWriter, r *http.Request) {
	req, identity, err := h.decodeChatRequest(r)
	if err != nil {
		apierror.WriteHTTP(w, r, err)
		return
	}

	sink, err := newSSESink(w, identity.UserID)
	if err != nil {
		apierror.WriteHTTP(w, r, apierror.Wrap(apierror.CodeInternal, "streaming not supported", err))
		return
	}

	if _, _, _, err := h.runChat(r.Context(), req, identity, sink); err != nil {
		// The SSE headers are already committed; the engine's own error/
		// final/[DONE] frames (written via sink) are the only channel left
		// to report failure to a connected client.
		_ = sink.Send(r.Context(), stream.NewError("", req.SessionID, string(apierror.CodeInternal), err.Error()))
		_ = sink.Close(r.Context())
	}
}

func (h *handlers) decodeChatRequest(r *http.Request) (chatRequest, admission.Identity, error) {
	identity := admission.IdentityFromContext(r.Context())
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return chatRequest{}, identity, apierror.Wrap(apierror.CodeValidation, "invalid request body", err)
	}
	if len(req.Messages) == 0 {
		return chatRequest{}, identity, apierror.New(apierror.CodeValidation, "messages is required")
	}
	req.message = latestUserMessage(req.Messages)
	if strings.TrimSpace(req.message) == "" {
		return chatRequest{}, identity, apierror.New(apierror.CodeValidation, "messages must include a non-empty user message")
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	return req, identity, nil
}

// latestUserMessage returns the content of the last message with
// role "user" in messages, or the last message's content if none carries
// that role, matching spec.md's {"messages":[{"role":"user","content":...}]}
// wire shape for POST /api/chat and /api/chat/stream.
func latestUserMessage(messages []chatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == string(model.RoleUser) {
			return messages[i].Content
		}
	}
	return messages[len(messages)-1].Content
}

// runChat classifies the message, resolves its workflow handler, and drives
// the tool loop, persisting both the inbound user turn and the outbound
// assistant turn through the memory orchestrator.
func (h *handlers) runChat(ctx context.Context, req chatRequest, identity admission.Identity, sink stream.Sink) (*toolloop.Result, *workflows.Handler, router.Kind, error) {
	history, err := h.loadHistory(ctx, req.SessionID, identity.UserID)
	if err != nil {
		return nil, nil, "", apierror.Wrap(apierror.CodeInternal, "failed to load session context", err)
	}

	if err := h.commitTurn(ctx, req.SessionID, identity.UserID, memory.TurnRoleUser, req.message); err != nil {
		h.deps.Logger.Error(ctx, "httpapi: failed to persist user turn", "error", err)
	}

	classification, err := h.deps.Router.Classify(ctx, uuid.NewString(), history, req.message)
	if err != nil {
		return nil, nil, "", apierror.Wrap(apierror.CodeProviderUnavailable, "classification failed", err)
	}

	handler, kind := h.deps.Workflows.Dispatch(classification)
	if handler == nil {
		return nil, nil, "", apierror.New(apierror.CodeInternal, "no handler registered for general_chat")
	}

	runID := uuid.NewString()
	turnID := uuid.NewString()
	result := handler.Run(ctx, &workflows.Request{
		RunID:       runID,
		SessionID:   req.SessionID,
		TurnID:      turnID,
		Preferences: req.Preferences,
		Input:       map[string]any{"message": req.message},
		History:     history,
		Sink:        sink,
	})

	if result.Err == nil && result.FinalText != "" {
		if err := h.commitTurn(ctx, req.SessionID, identity.UserID, memory.TurnRoleAssistant, result.FinalText); err != nil {
			h.deps.Logger.Error(ctx, "httpapi: failed to persist assistant turn", "error", err)
		}
	}

	return result, handler, kind, nil
}

func (h *handlers) loadHistory(ctx context.Context, sessionID, userID string) ([]*model.Message, error) {
	result, errs, err := h.deps.Memory.Dispatch(ctx, memory.Intent{
		Kind:      memory.IntentFetchContext,
		SessionID: sessionID,
		UserID:    userID,
		Limit:     contextTurnLimit,
	})
	if err != nil {
		return nil, err
	}
	for _, adapterErr := range errs {
		h.deps.Logger.Warn(ctx, "httpapi: memory adapter error while loading context", "adapter", adapterErr.Adapter, "error", adapterErr.Err)
	}
	return turnsToMessages(result.Context), nil
}

func (h *handlers) commitTurn(ctx context.Context, sessionID, userID string, role memory.TurnRole, content string) error {
	_, _, err := h.deps.Memory.Dispatch(ctx, memory.Intent{
		Kind:      memory.IntentTurnCommitted,
		SessionID: sessionID,
		UserID:    userID,
		Turn: &memory.Turn{
			SessionID: sessionID,
			UserID:    userID,
			Role:      role,
			Content:   content,
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		},
	})
	return err
}

func turnsToMessages(turns []memory.Turn) []*model.Message {
	messages := make([]*model.Message, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, &model.Message{
			Role:  model.ConversationRole(t.Role),
			Parts: []model.Part{model.TextPart{Text: t.Content}},
		})
	}
	return messages
}

func pathParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}
