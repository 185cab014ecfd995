package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/eventlane/entitlements/pkg/billing"
	"github.com/eventlane/entitlements/pkg/lifecycle"
)

// Providers attach the signature under different headers; take whichever is
// present.
var signatureHeaders = []string{"Stripe-Signature", "Paddle-Signature"}

type webhookHandler struct {
	provider  billing.CheckoutProvider
	lifecycle *lifecycle.Manager
	log       *slog.Logger
}

func newWebhookHandler(provider billing.CheckoutProvider, lc *lifecycle.Manager, log *slog.Logger) *webhookHandler {
	return &webhookHandler{
		provider:  provider,
		lifecycle: lc,
		log:       log,
	}
}

// handle ingests a provider webhook. Signature failures are 400 so the
// provider stops retrying; processing failures are 500 so it retries, which
// is safe because event application is idempotent.
func (h *webhookHandler) handle(w http.ResponseWriter, r *http.Request) {
	if h.provider == nil {
		writeError(w, http.StatusServiceUnavailable, "billing webhooks are not configured")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var signature string
	for _, header := range signatureHeaders {
		if signature = r.Header.Get(header); signature != "" {
			break
		}
	}

	event, err := h.provider.ParseWebhook(r.Context(), payload, signature)
	if err != nil {
		h.log.WarnContext(r.Context(), "webhook rejected", "error", err)
		writeError(w, http.StatusBadRequest, "invalid webhook")
		return
	}

	if err := h.lifecycle.ApplyProviderEvent(r.Context(), event); err != nil {
		if errors.Is(err, lifecycle.ErrUnattributableEvent) {
			// Nothing local to converge; acknowledge so the provider
			// does not redeliver forever.
			h.log.WarnContext(r.Context(), "unattributable webhook acknowledged",
				"event", event.ProviderEvent)
			w.WriteHeader(http.StatusOK)
			return
		}
		h.log.ErrorContext(r.Context(), "webhook processing failed",
			"event", event.ProviderEvent, "error", err)
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}

	w.WriteHeader(http.StatusOK)
}
