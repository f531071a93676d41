package http

import (
	"io"
	"net/http"

	d "github.com/d1gallar/forest/internal/domain"
)

const maxWebhookBodySize = 65536

// webhook verifies the provider signature over the raw body before handing
// the event to the reconciler. Any non-2xx answer makes the provider
// redeliver.
func (h *handler) webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		respondError(w, h.log, d.NewValidationError("invalid_request", "unreadable webhook body"))
		return
	}

	event, err := h.Verifier.ParseEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.log.Warn().Err(err).Msg("rejected webhook")
		respondError(w, h.log, err)
		return
	}

	if err := h.Webhooks.Handle(r.Context(), event); err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, map[string]bool{"received": true})
}
