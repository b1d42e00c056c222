package httpserver

import (
	"errors"
	"io"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/and161185/e2ee-identity/internal/model"
	"github.com/and161185/e2ee-identity/internal/payments"
)

// HandleStripeWebhook verifies a provider callback for {env} and applies the subscription event.
// Anything that is authentic but cannot be applied is acknowledged so the provider stops retrying.
func (h *Handler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	env := model.Environment(chi.URLParam(r, "env"))
	if !slices.Contains(model.Environments, env) {
		http.NotFound(w, r)
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	ev, err := h.webhooks.Decode(env, payload, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, payments.ErrUnroutable):
		h.log.Warn("webhook event not routable", zap.String("env", string(env)), zap.Error(err))
		w.WriteHeader(http.StatusOK)
		return
	case errors.Is(err, payments.ErrNotConfigured):
		h.log.Error("webhook for unconfigured environment", zap.String("env", string(env)))
		http.Error(w, "environment not configured", http.StatusBadRequest)
		return
	case err != nil:
		h.log.Info("webhook rejected", zap.String("env", string(env)), zap.Error(err))
		http.Error(w, "bad webhook", http.StatusBadRequest)
		return
	case ev == nil:
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.subs.ApplySubscriptionEvent(r.Context(), *ev); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
