package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/tripsage/tripsage-core/idempotency"
	"github.com/tripsage/tripsage-core/jobqueue"
	"github.com/tripsage/tripsage-core/runtime/apierror"
	"github.com/tripsage/tripsage-core/webhook/signature"
)

// queueSignatureHeaderName is the header carrying the HMAC-SHA256 signature
// the durable queue attaches to a pushed job delivery.
const queueSignatureHeaderName = "X-Queue-Signature"

// job handles POST /api/jobs/{job}: a pushed delivery from the durable job
// queue. It verifies the envelope signature (supporting the current+next
// secret rotation pair), reserves the envelope's event key so a redelivered
// job is not processed twice, and invokes the handler registered for {job}.
// A non-2xx response tells the queue to redeliver per its own retry policy.
func (h *handlers) job(w http.ResponseWriter, r *http.Request) {
	topic := pathParam(r, "job")
	handler, ok := h.deps.JobHandlers[topic]
	if !ok {
		apierror.WriteHTTP(w, r, apierror.New(apierror.CodeNotFound, "unknown job topic"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierror.WriteHTTP(w, r, apierror.Wrap(apierror.CodeValidation, "failed to read request body", err))
		return
	}

	if err := signature.VerifyAny(h.deps.QueueSecrets, body, []string{r.Header.Get(queueSignatureHeaderName)}); err != nil {
		apierror.WriteHTTP(w, r, apierror.Wrap(apierror.CodeUnauthenticated, "invalid queue signature", err))
		return
	}

	var env jobqueue.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		apierror.WriteHTTP(w, r, apierror.Wrap(apierror.CodeValidation, "invalid job envelope", err))
		return
	}

	// The producer (webhook.Intake) already reserved and completed
	// env.EventKey at enqueue time; re-reserving the same key here would
	// always lose and silently skip the handler. Per spec.md §4.7, the
	// consumer re-reserves a derived, topic-scoped key instead, so its own
	// retry/dedup bookkeeping lives in its own namespace.
	consumerKey := topic + ":" + env.EventKey

	won, existing, err := h.deps.Idempotency.Reserve(r.Context(), consumerKey)
	if err != nil {
		apierror.WriteHTTP(w, r, apierror.Wrap(apierror.CodeInternal, "failed to reserve job event key", err))
		return
	}
	if !won {
		if existing != nil && existing.Status == idempotency.StatusFailed {
			apierror.WriteHTTP(w, r, apierror.New(apierror.CodeInternal, "job previously failed, awaiting retry window"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(struct {
			Duplicate bool `json:"duplicate"`
		}{Duplicate: true})
		return
	}

	if err := handler(r.Context(), env); err != nil {
		_ = h.deps.Idempotency.Fail(r.Context(), consumerKey)
		h.deps.Logger.Error(r.Context(), "httpapi: job handler failed", "topic", topic, "event_key", env.EventKey, "error", err)
		apierror.WriteHTTP(w, r, apierror.Wrap(apierror.CodeInternal, "job handler failed", err))
		return
	}
	_ = h.deps.Idempotency.Complete(r.Context(), consumerKey, nil)

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(struct {
		Duplicate bool `json:"duplicate"`
	}{Duplicate: false})
}
