package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/tripsage/tripsage-core/runtime/apierror"
	"github.com/tripsage/tripsage-core/webhook"
	"github.com/tripsage/tripsage-core/webhook/signature"
)

// signatureHeaderName is the header carrying the HMAC-SHA256 signature over
// the raw request body, per spec.md §6.
const signatureHeaderName = "X-Signature-HMAC"

// webhook handles POST /api/hooks/{stream}: a database-change notification
// verified, deduplicated, and dispatched by webhook.Intake.
func (h *handlers) webhook(w http.ResponseWriter, r *http.Request) {
	stream := webhook.Stream(pathParam(r, "stream"))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierror.WriteHTTP(w, r, apierror.Wrap(apierror.CodeValidation, "failed to read request body", err))
		return
	}

	result, err := h.deps.Webhook.Handle(r.Context(), stream, body, r.Header.Get(signatureHeaderName))
	if err != nil {
		apierror.WriteHTTP(w, r, mapWebhookError(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if result.Duplicate {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusAccepted)
	}
	_ = json.NewEncoder(w).Encode(struct {
		Duplicate bool `json:"duplicate"`
		Enqueued  bool `json:"enqueued"`
	}{Duplicate: result.Duplicate, Enqueued: result.Enqueued})
}

func mapWebhookError(err error) error {
	switch {
	case errors.Is(err, signature.ErrInvalidSignature), errors.Is(err, signature.ErrMalformedHeader):
		return apierror.Wrap(apierror.CodeUnauthenticated, "invalid webhook signature", err)
	case errors.Is(err, webhook.ErrUnknownStream):
		return apierror.Wrap(apierror.CodeNotFound, "unknown webhook stream", err)
	default:
		return apierror.Wrap(apierror.CodeInternal, "webhook handling failed", err)
	}
}
