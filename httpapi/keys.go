package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tripsage/tripsage-core/admission"
	"github.com/tripsage/tripsage-core/runtime/apierror"
	"github.com/tripsage/tripsage-core/runtime/model"
	"github.com/tripsage/tripsage-core/runtime/provider"
)

type registerKeyRequest struct {
	Service string `json:"service"`
	APIKey  string `json:"api_key"`
	Region  string `json:"region,omitempty"`
}

// registerKey handles POST /api/keys: sealing a caller-supplied BYOK
// credential into the vault under their own identity.
func (h *handlers) registerKey(w http.ResponseWriter, r *http.Request) {
	var req registerKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.WriteHTTP(w, r, apierror.Wrap(apierror.CodeValidation, "invalid request body", err))
		return
	}
	kind := provider.Kind(req.Service)
	if kind == "" || strings.TrimSpace(req.APIKey) == "" {
		apierror.WriteHTTP(w, r, apierror.New(apierror.CodeValidation, "service and api_key are required"))
		return
	}

	identity := admission.IdentityFromContext(r.Context())
	if _, err := h.deps.Vault.Seal(r.Context(), identity.UserID, provider.Credential{
		Kind:   kind,
		APIKey: req.APIKey,
		Region: req.Region,
	}); err != nil {
		apierror.WriteHTTP(w, r, apierror.Wrap(apierror.CodeVaultUnavailable, "failed to store credential", err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// revokeKey handles DELETE /api/keys/{service}: removing a stored BYOK
// credential so resolution falls back to the platform-provided key.
func (h *handlers) revokeKey(w http.ResponseWriter, r *http.Request) {
	kind := provider.Kind(pathParam(r, "service"))
	if kind == "" {
		apierror.WriteHTTP(w, r, apierror.New(apierror.CodeValidation, "service is required"))
		return
	}

	identity := admission.IdentityFromContext(r.Context())
	if err := h.deps.Vault.Delete(r.Context(), identity.UserID, kind); err != nil {
		apierror.WriteHTTP(w, r, apierror.Wrap(apierror.CodeVaultUnavailable, "failed to delete credential", err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type validateKeyRequest struct {
	Service string `json:"service"`
	APIKey  string `json:"api_key"`
	Region  string `json:"region,omitempty"`
}

type validateKeyResponse struct {
	Valid bool `json:"valid"`
}

// validateKey handles POST /api/keys/validate: probes a credential against
// its provider without persisting it, by sealing it transiently, resolving
// a client through it, and issuing a minimal completion request.
func (h *handlers) validateKey(w http.ResponseWriter, r *http.Request) {
	var req validateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.WriteHTTP(w, r, apierror.Wrap(apierror.CodeValidation, "invalid request body", err))
		return
	}
	kind := provider.Kind(req.Service)
	if kind == "" || strings.TrimSpace(req.APIKey) == "" {
		apierror.WriteHTTP(w, r, apierror.New(apierror.CodeValidation, "service and api_key are required"))
		return
	}

	identity := admission.IdentityFromContext(r.Context())
	probeUserID := "validate:" + identity.UserID
	cred := provider.Credential{Kind: kind, APIKey: req.APIKey, Region: req.Region}

	if _, err := h.deps.Vault.Seal(r.Context(), probeUserID, cred); err != nil {
		apierror.WriteHTTP(w, r, apierror.Wrap(apierror.CodeVaultUnavailable, "failed to probe credential", err))
		return
	}
	defer func() { _ = h.deps.Vault.Delete(r.Context(), probeUserID, kind) }()

	client, err := h.deps.Providers.Resolve(r.Context(), probeUserID, kind)
	if err != nil {
		writeValidateResult(w, false)
		return
	}

	_, err = client.Complete(r.Context(), &model.Request{
		Messages: []*model.Message{{
			Role:  model.RoleUser,
			Parts: []model.Part{model.TextPart{Text: "ping"}},
		}},
		MaxTokens: 1,
	})
	writeValidateResult(w, err == nil)
}

func writeValidateResult(w http.ResponseWriter, valid bool) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(validateKeyResponse{Valid: valid})
}
