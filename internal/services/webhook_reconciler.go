package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/mixfolio/api/internal/domain"
	"github.com/mixfolio/api/internal/payments"
	"github.com/mixfolio/api/internal/registrar"
	"github.com/mixfolio/api/internal/repositories"
)

const (
	defaultRefundAttempts  = 3
	refundRetryBaseBackoff = 500 * time.Millisecond
)

// ErrReconcilerInvalidEvent indicates the event is missing required fields.
var ErrReconcilerInvalidEvent = errors.New("webhook reconciler: invalid event")

// reconcilerPaymentGateway is the payments.Gateway subset compensation needs.
type reconcilerPaymentGateway interface {
	Refund(ctx context.Context, req payments.RefundRequest) error
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// reconcilerRegistrar is the registrar subset provisioning needs.
type reconcilerRegistrar interface {
	PurchaseAndAttach(ctx context.Context, req registrar.PurchaseRequest) (registrar.PurchaseResult, error)
}

// WebhookReconcilerDeps wires the dependencies required by the reconciler.
type WebhookReconcilerDeps struct {
	Orders         repositories.OrderRepository
	Profiles       repositories.ProfileRepository
	Ledger         repositories.WebhookEventLedger
	Registrar      reconcilerRegistrar
	Payments       reconcilerPaymentGateway
	Clock          func() time.Time
	Logger         func(ctx context.Context, event string, fields map[string]any)
	RefundAttempts int
	Sleep          func(ctx context.Context, d time.Duration)
}

type webhookReconciler struct {
	orders         repositories.OrderRepository
	profiles       repositories.ProfileRepository
	ledger         repositories.WebhookEventLedger
	registrar      reconcilerRegistrar
	payments       reconcilerPaymentGateway
	now            func() time.Time
	logger         func(context.Context, string, map[string]any)
	refundAttempts int
	sleep          func(ctx context.Context, d time.Duration)
}

// NewWebhookReconciler constructs a WebhookReconciler validating required dependencies.
func NewWebhookReconciler(deps WebhookReconcilerDeps) (WebhookReconciler, error) {
	if deps.Orders == nil {
		return nil, errors.New("webhook reconciler: order repository is required")
	}
	if deps.Profiles == nil {
		return nil, errors.New("webhook reconciler: profile repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("webhook reconciler: event ledger is required")
	}
	if deps.Registrar == nil {
		return nil, errors.New("webhook reconciler: registrar client is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("webhook reconciler: payment gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	attempts := deps.RefundAttempts
	if attempts <= 0 {
		attempts = defaultRefundAttempts
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		}
	}

	return &webhookReconciler{
		orders:    deps.Orders,
		profiles:  deps.Profiles,
		ledger:    deps.Ledger,
		registrar: deps.Registrar,
		payments:  deps.Payments,
		now: func() time.Time {
			return clock().UTC()
		},
		logger:         logger,
		refundAttempts: attempts,
		sleep:          sleep,
	}, nil
}

// ProcessEvent advances order state for one processor event. Replayed events
// no-op via the ledger; out-of-order events no-op via the status guards on
// every transition.
func (r *webhookReconciler) ProcessEvent(ctx context.Context, event payments.ProcessorEvent) error {
	if event.Type == payments.EventIgnored {
		return nil
	}
	if strings.TrimSpace(event.ID) == "" {
		return ErrReconcilerInvalidEvent
	}

	claimed, err := r.ledger.Claim(ctx, event.ID, r.now())
	if err != nil {
		return fmt.Errorf("webhook reconciler: claim event: %w", err)
	}
	if !claimed {
		r.logger(ctx, "webhooks.event.duplicate", map[string]any{"eventId": event.ID})
		return nil
	}

	var handleErr error
	switch event.Type {
	case payments.EventCheckoutCompleted:
		handleErr = r.handleCheckoutCompleted(ctx, event)
	case payments.EventRenewalSucceeded:
		handleErr = r.handleRenewalSucceeded(ctx, event)
	case payments.EventRenewalFailed:
		handleErr = r.handleRenewalFailed(ctx, event)
	default:
		r.logger(ctx, "webhooks.event.unhandled", map[string]any{
			"eventId": event.ID,
			"type":    string(event.Type),
		})
		return nil
	}
	if handleErr != nil {
		// The claim must not outlive a failed attempt, or the redelivery
		// dedupes against it and the event is lost.
		if releaseErr := r.ledger.Release(ctx, event.ID); releaseErr != nil {
			r.logger(ctx, "webhooks.event.release_failed", map[string]any{
				"eventId": event.ID,
				"error":   releaseErr.Error(),
			})
		}
	}
	return handleErr
}

func (r *webhookReconciler) handleCheckoutCompleted(ctx context.Context, event payments.ProcessorEvent) error {
	if event.CheckoutSessionID == "" {
		return ErrReconcilerInvalidEvent
	}

	order, err := r.orders.FindByCheckoutSession(ctx, event.CheckoutSessionID)
	if err != nil {
		if isNotFound(err) {
			// A session this service never opened; acknowledge and drop.
			r.logger(ctx, "webhooks.checkout.unknown_session", map[string]any{
				"eventId":   event.ID,
				"sessionId": event.CheckoutSessionID,
			})
			return nil
		}
		return fmt.Errorf("webhook reconciler: find order: %w", err)
	}

	applied, err := r.orders.MarkPurchasing(ctx, order.ID, event.SubscriptionID, event.PaymentIntentID, r.now())
	if err != nil {
		return fmt.Errorf("webhook reconciler: mark purchasing: %w", err)
	}
	if !applied {
		// Already advanced past pending_payment by an earlier delivery.
		return nil
	}
	order.SubscriptionID = event.SubscriptionID
	order.PaymentIntentID = event.PaymentIntentID

	return r.provision(ctx, order)
}

// provision executes the registrar-side purchase for a paid order and settles
// it into active or failed. A failure after payment always pairs the failed
// status with a refund attempt and a subscription cancel.
func (r *webhookReconciler) provision(ctx context.Context, order domain.DomainOrder) error {
	result, err := r.registrar.PurchaseAndAttach(ctx, registrar.PurchaseRequest{
		Domain:         order.Domain,
		Contact:        order.Contact,
		IdempotencyKey: "purchase-" + order.ID,
		TermYears:      order.TermYears,
	})
	if err != nil {
		r.logger(ctx, "domains.provision.failed", map[string]any{
			"orderId": order.ID,
			"domain":  order.Domain,
			"error":   err.Error(),
		})
		return r.settleFailure(ctx, order)
	}

	applied, err := r.orders.MarkActive(ctx, order.ID, result.ExpiresAt, r.now())
	if err != nil {
		return fmt.Errorf("webhook reconciler: mark active: %w", err)
	}
	if applied {
		if err := r.profiles.SetCustomDomain(ctx, order.ProfileID, order.Domain); err != nil {
			return fmt.Errorf("webhook reconciler: link custom domain: %w", err)
		}
		r.logger(ctx, "domains.provision.active", map[string]any{
			"orderId": order.ID,
			"domain":  order.Domain,
		})
	}
	return nil
}

func (r *webhookReconciler) settleFailure(ctx context.Context, order domain.DomainOrder) error {
	applied, err := r.orders.MarkFailed(ctx, order.ID, r.now())
	if err != nil {
		return fmt.Errorf("webhook reconciler: mark failed: %w", err)
	}
	if !applied {
		// A racing delivery already settled the order; it owns compensation.
		return nil
	}

	r.refundWithRetry(ctx, order)

	if order.SubscriptionID != "" {
		if err := r.payments.CancelSubscription(ctx, order.SubscriptionID); err != nil {
			r.logger(ctx, "domains.provision.cancel_subscription_failed", map[string]any{
				"orderId":        order.ID,
				"subscriptionId": order.SubscriptionID,
				"error":          err.Error(),
			})
		}
	}
	return nil
}

// refundWithRetry attempts the refund a bounded number of times. Exhaustion
// flags the order for manual review instead of reverting the failed status:
// a clearly flagged manual case beats silent state oscillation.
func (r *webhookReconciler) refundWithRetry(ctx context.Context, order domain.DomainOrder) {
	req := payments.RefundRequest{
		PaymentIntentID: order.PaymentIntentID,
		SubscriptionID:  order.SubscriptionID,
		Reason:          "requested_by_customer",
		IdempotencyKey:  "refund-" + order.ID,
	}

	var lastErr error
	for attempt := 1; attempt <= r.refundAttempts; attempt++ {
		if attempt > 1 {
			r.sleep(ctx, refundRetryBaseBackoff<<(attempt-2))
		}
		if lastErr = r.payments.Refund(ctx, req); lastErr == nil {
			r.logger(ctx, "domains.provision.refunded", map[string]any{
				"orderId": order.ID,
				"attempt": attempt,
			})
			return
		}
	}

	r.logger(ctx, "domains.provision.refund_manual_review", map[string]any{
		"orderId":        order.ID,
		"subscriptionId": order.SubscriptionID,
		"attempts":       r.refundAttempts,
		"error":          lastErr.Error(),
	})
}

func (r *webhookReconciler) handleRenewalSucceeded(ctx context.Context, event payments.ProcessorEvent) error {
	order, ok, err := r.findBySubscription(ctx, event)
	if err != nil || !ok {
		return err
	}

	applied, err := r.orders.MarkRenewed(ctx, order.ID, event.PeriodEnd, r.now())
	if err != nil {
		return fmt.Errorf("webhook reconciler: mark renewed: %w", err)
	}
	if applied {
		r.logger(ctx, "domains.renewal.succeeded", map[string]any{
			"orderId": order.ID,
			"domain":  order.Domain,
		})
	}
	return nil
}

func (r *webhookReconciler) handleRenewalFailed(ctx context.Context, event payments.ProcessorEvent) error {
	order, ok, err := r.findBySubscription(ctx, event)
	if err != nil || !ok {
		return err
	}

	applied, err := r.orders.MarkRenewalFailed(ctx, order.ID, r.now())
	if err != nil {
		return fmt.Errorf("webhook reconciler: mark renewal failed: %w", err)
	}
	if applied {
		// The domain and profile linkage stay intact: the name keeps
		// resolving until its expiry, this is a soft-failure state.
		r.logger(ctx, "domains.renewal.failed", map[string]any{
			"orderId":   order.ID,
			"domain":    order.Domain,
			"expiresAt": order.ExpiresAt,
		})
	}
	return nil
}

func (r *webhookReconciler) findBySubscription(ctx context.Context, event payments.ProcessorEvent) (domain.DomainOrder, bool, error) {
	if event.SubscriptionID == "" {
		return domain.DomainOrder{}, false, ErrReconcilerInvalidEvent
	}
	order, err := r.orders.FindBySubscription(ctx, event.SubscriptionID)
	if err != nil {
		if isNotFound(err) {
			r.logger(ctx, "webhooks.renewal.unknown_subscription", map[string]any{
				"eventId":        event.ID,
				"subscriptionId": event.SubscriptionID,
			})
			return domain.DomainOrder{}, false, nil
		}
		return domain.DomainOrder{}, false, fmt.Errorf("webhook reconciler: find order: %w", err)
	}
	return order, true, nil
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
