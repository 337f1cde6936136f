package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tripsage/tripsage-core/admission"
	"github.com/tripsage/tripsage-core/runtime/apierror"
	"github.com/tripsage/tripsage-core/runtime/memory"
	"github.com/tripsage/tripsage-core/runtime/workflows"
)

type classifyRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

func (h *handlers) classify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.WriteHTTP(w, r, apierror.Wrap(apierror.CodeValidation, "invalid request body", err))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		apierror.WriteHTTP(w, r, apierror.New(apierror.CodeValidation, "message is required"))
		return
	}

	identity := admission.IdentityFromContext(r.Context())
	history, err := h.loadHistory(r.Context(), req.SessionID, identity.UserID)
	if err != nil {
		apierror.WriteHTTP(w, r, apierror.Wrap(apierror.CodeInternal, "failed to load session context", err))
		return
	}

	classification, err := h.deps.Router.Classify(r.Context(), uuid.NewString(), history, req.Message)
	if err != nil {
		apierror.WriteHTTP(w, r, apierror.Wrap(apierror.CodeProviderUnavailable, "classification failed", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(classification)
}

type workflowRequest struct {
	SessionID   string         `json:"session_id"`
	Input       map[string]any `json:"input"`
	Preferences map[string]any `json:"preferences,omitempty"`
}

// workflow drives a specific workflow kind directly, bypassing the router
// classifier, for callers that already know which workflow they want
// (spec.md §6: POST /api/agents/{workflow}).
func (h *handlers) workflow(w http.ResponseWriter, r *http.Request) {
	kind, ok := workflowPaths[pathParam(r, "workflow")]
	if !ok {
		apierror.WriteHTTP(w, r, apierror.New(apierror.CodeNotFound, "unknown workflow"))
		return
	}
	handler, ok := h.deps.Workflows.Handler(kind)
	if !ok {
		apierror.WriteHTTP(w, r, apierror.New(apierror.CodeNotFound, "workflow not registered"))
		return
	}

	var req workflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.WriteHTTP(w, r, apierror.Wrap(apierror.CodeValidation, "invalid request body", err))
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	identity := admission.IdentityFromContext(r.Context())
	history, err := h.loadHistory(r.Context(), req.SessionID, identity.UserID)
	if err != nil {
		apierror.WriteHTTP(w, r, apierror.Wrap(apierror.CodeInternal, "failed to load session context", err))
		return
	}

	sink, err := newSSESink(w, identity.UserID)
	if err != nil {
		apierror.WriteHTTP(w, r, apierror.Wrap(apierror.CodeInternal, "streaming not supported", err))
		return
	}

	result := handler.Run(r.Context(), &workflows.Request{
		RunID:       uuid.NewString(),
		SessionID:   req.SessionID,
		TurnID:      uuid.NewString(),
		Preferences: req.Preferences,
		Input:       req.Input,
		History:     history,
		Sink:        sink,
	})
	if result.Err != nil {
		h.deps.Logger.Error(r.Context(), "httpapi: workflow run failed", "workflow", kind, "error", result.Err)
		return
	}
	if result.FinalText != "" {
		if err := h.commitTurn(r.Context(), req.SessionID, identity.UserID, memory.TurnRoleAssistant, result.FinalText); err != nil {
			h.deps.Logger.Error(r.Context(), "httpapi: failed to persist assistant turn", "error", err)
		}
	}
}
