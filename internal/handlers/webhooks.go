package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mixfolio/api/internal/payments"
	"github.com/mixfolio/api/internal/platform/httpx"
	"github.com/mixfolio/api/internal/platform/requestctx"
	"github.com/mixfolio/api/internal/services"
)

const maxWebhookBodyBytes = 256 * 1024

// WebhookHandlers receives payment-processor callbacks and feeds them to the reconciler.
type WebhookHandlers struct {
	gateway    payments.Gateway
	reconciler services.WebhookReconciler
}

// NewWebhookHandlers wires the webhook endpoint to the gateway and reconciler.
func NewWebhookHandlers(gateway payments.Gateway, reconciler services.WebhookReconciler) *WebhookHandlers {
	return &WebhookHandlers{gateway: gateway, reconciler: reconciler}
}

// Register mounts the webhook routes on the provided router group.
func (h *WebhookHandlers) Register(r chi.Router) {
	r.Post("/payments", h.PaymentEvent)
}

// PaymentEvent verifies and processes one processor delivery. Handled,
// duplicate, and ignored events all answer 200 so the processor stops
// redelivering; only verification failures and transient errors differ.
func (h *WebhookHandlers) PaymentEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h == nil || h.gateway == nil || h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhooks_unavailable", "webhook processing unavailable", http.StatusServiceUnavailable))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "unable to read payload", http.StatusBadRequest))
		return
	}

	event, err := h.gateway.ParseWebhookEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "unable to parse event", http.StatusBadRequest))
		return
	}

	if err := h.reconciler.ProcessEvent(ctx, event); err != nil {
		if errors.Is(err, services.ErrReconcilerInvalidEvent) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_event", "event is missing required fields", http.StatusBadRequest))
			return
		}
		// Transient failure: a non-2xx answer makes the processor redeliver,
		// which the event ledger absorbs once processing succeeds.
		requestctx.Logger(ctx).Error("webhook processing failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("processing_failed", "event processing failed, delivery will be retried", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"received": true})
}
