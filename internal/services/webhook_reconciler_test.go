package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/mixfolio/api/internal/domain"
	"github.com/mixfolio/api/internal/payments"
	"github.com/mixfolio/api/internal/registrar"
)

type stubEventLedger struct {
	claimFn   func(context.Context, string, time.Time) (bool, error)
	releaseFn func(context.Context, string) error
	claims    []string
	releases  []string
}

func (s *stubEventLedger) Claim(ctx context.Context, eventID string, now time.Time) (bool, error) {
	s.claims = append(s.claims, eventID)
	if s.claimFn != nil {
		return s.claimFn(ctx, eventID, now)
	}
	return true, nil
}

func (s *stubEventLedger) Release(ctx context.Context, eventID string) error {
	s.releases = append(s.releases, eventID)
	if s.releaseFn != nil {
		return s.releaseFn(ctx, eventID)
	}
	return nil
}

// dedupeLedger behaves like the real ledger: first claim wins, a release
// makes the event claimable again.
func dedupeLedger() *stubEventLedger {
	seen := map[string]bool{}
	ledger := &stubEventLedger{}
	ledger.claimFn = func(_ context.Context, eventID string, _ time.Time) (bool, error) {
		if seen[eventID] {
			return false, nil
		}
		seen[eventID] = true
		return true, nil
	}
	ledger.releaseFn = func(_ context.Context, eventID string) error {
		delete(seen, eventID)
		return nil
	}
	return ledger
}

func newReconciler(t *testing.T, orders *stubOrderRepository, profiles *stubProfileRepository, ledger *stubEventLedger, reg *stubRegistrarClient, gw *stubPaymentGateway) WebhookReconciler {
	t.Helper()
	rec, err := NewWebhookReconciler(WebhookReconcilerDeps{
		Orders:    orders,
		Profiles:  profiles,
		Ledger:    ledger,
		Registrar: reg,
		Payments:  gw,
		Clock: func() time.Time {
			return time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
		},
		Sleep: func(context.Context, time.Duration) {},
	})
	if err != nil {
		t.Fatalf("new webhook reconciler: %v", err)
	}
	return rec
}

func pendingOrder() domain.DomainOrder {
	return domain.DomainOrder{
		ID:                "dord_1",
		ProfileID:         "prof_1",
		Domain:            "alex.dj",
		Status:            domain.OrderStatusPendingPayment,
		CheckoutSessionID: "cs_1",
		TermYears:         1,
	}
}

func checkoutEvent() payments.ProcessorEvent {
	return payments.ProcessorEvent{
		ID:                "evt_1",
		Type:              payments.EventCheckoutCompleted,
		CheckoutSessionID: "cs_1",
		SubscriptionID:    "sub_1",
		PaymentIntentID:   "pi_1",
	}
}

func TestProcessEventCheckoutCompletedProvisionsDomain(t *testing.T) {
	orders := &stubOrderRepository{}
	orders.findByCheckoutSessionFn = func(context.Context, string) (domain.DomainOrder, error) {
		return pendingOrder(), nil
	}
	var activated string
	orders.markActiveFn = func(_ context.Context, orderID string, expiresAt *time.Time, _ time.Time) (bool, error) {
		activated = orderID
		if expiresAt == nil {
			t.Fatalf("expected registrar expiry recorded")
		}
		return true, nil
	}
	profiles := &stubProfileRepository{}
	reg := &stubRegistrarClient{}
	rec := newReconciler(t, orders, profiles, &stubEventLedger{}, reg, &stubPaymentGateway{})

	if err := rec.ProcessEvent(context.Background(), checkoutEvent()); err != nil {
		t.Fatalf("process event: %v", err)
	}
	if activated != "dord_1" {
		t.Fatalf("expected order activated, got %q", activated)
	}
	if len(reg.purchases) != 1 {
		t.Fatalf("expected one purchase call, got %d", len(reg.purchases))
	}
	if reg.purchases[0].IdempotencyKey != "purchase-dord_1" {
		t.Fatalf("unexpected purchase idempotency key %s", reg.purchases[0].IdempotencyKey)
	}
	if len(profiles.linkedDomains) != 1 || profiles.linkedDomains[0] != "alex.dj" {
		t.Fatalf("expected custom domain linked, got %v", profiles.linkedDomains)
	}
}

func TestProcessEventDuplicateDeliveryIsNoOp(t *testing.T) {
	orders := &stubOrderRepository{}
	orders.findByCheckoutSessionFn = func(context.Context, string) (domain.DomainOrder, error) {
		return pendingOrder(), nil
	}
	ledger := &stubEventLedger{}
	ledger.claimFn = func(context.Context, string, time.Time) (bool, error) {
		return false, nil
	}
	reg := &stubRegistrarClient{}
	rec := newReconciler(t, orders, &stubProfileRepository{}, ledger, reg, &stubPaymentGateway{})

	if err := rec.ProcessEvent(context.Background(), checkoutEvent()); err != nil {
		t.Fatalf("process event: %v", err)
	}
	if len(reg.purchases) != 0 {
		t.Fatalf("duplicate event must not trigger a purchase")
	}
}

func TestProcessEventLosesTransitionRaceWithoutSideEffects(t *testing.T) {
	orders := &stubOrderRepository{}
	orders.findByCheckoutSessionFn = func(context.Context, string) (domain.DomainOrder, error) {
		return pendingOrder(), nil
	}
	orders.markPurchasingFn = func(context.Context, string, string, string, time.Time) (bool, error) {
		return false, nil
	}
	reg := &stubRegistrarClient{}
	rec := newReconciler(t, orders, &stubProfileRepository{}, &stubEventLedger{}, reg, &stubPaymentGateway{})

	if err := rec.ProcessEvent(context.Background(), checkoutEvent()); err != nil {
		t.Fatalf("process event: %v", err)
	}
	if len(reg.purchases) != 0 {
		t.Fatalf("losing the status race must not trigger a purchase")
	}
}

func TestProcessEventTransientFailureReleasesClaimForRedelivery(t *testing.T) {
	orders := &stubOrderRepository{}
	orders.findByCheckoutSessionFn = func(context.Context, string) (domain.DomainOrder, error) {
		return pendingOrder(), nil
	}
	var markAttempts int
	orders.markPurchasingFn = func(context.Context, string, string, string, time.Time) (bool, error) {
		markAttempts++
		if markAttempts == 1 {
			return false, &stubRepoError{}
		}
		return true, nil
	}
	ledger := dedupeLedger()
	reg := &stubRegistrarClient{}
	rec := newReconciler(t, orders, &stubProfileRepository{}, ledger, reg, &stubPaymentGateway{})

	if err := rec.ProcessEvent(context.Background(), checkoutEvent()); err == nil {
		t.Fatalf("expected first delivery to surface the storage error")
	}
	if len(ledger.releases) != 1 || ledger.releases[0] != "evt_1" {
		t.Fatalf("expected failed attempt to release its claim, got %v", ledger.releases)
	}

	if err := rec.ProcessEvent(context.Background(), checkoutEvent()); err != nil {
		t.Fatalf("redelivery after transient failure: %v", err)
	}
	if markAttempts != 2 {
		t.Fatalf("expected redelivery to retry the transition, got %d attempts", markAttempts)
	}
	if len(reg.purchases) != 1 {
		t.Fatalf("expected exactly one purchase after recovery, got %d", len(reg.purchases))
	}
}

func TestProcessEventProvisionFailureRefundsOnce(t *testing.T) {
	orders := &stubOrderRepository{}
	orders.findByCheckoutSessionFn = func(context.Context, string) (domain.DomainOrder, error) {
		return pendingOrder(), nil
	}
	var failed []string
	orders.markFailedFn = func(_ context.Context, orderID string, _ time.Time) (bool, error) {
		failed = append(failed, orderID)
		return true, nil
	}
	reg := &stubRegistrarClient{}
	reg.purchaseFn = func(context.Context, registrar.PurchaseRequest) (registrar.PurchaseResult, error) {
		return registrar.PurchaseResult{}, registrar.ErrPurchaseRejected
	}
	gw := &stubPaymentGateway{}
	profiles := &stubProfileRepository{}
	rec := newReconciler(t, orders, profiles, &stubEventLedger{}, reg, gw)

	if err := rec.ProcessEvent(context.Background(), checkoutEvent()); err != nil {
		t.Fatalf("process event: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected order marked failed once, got %v", failed)
	}
	if len(gw.refundRequests) != 1 {
		t.Fatalf("expected exactly one refund, got %d", len(gw.refundRequests))
	}
	if gw.refundRequests[0].IdempotencyKey != "refund-dord_1" {
		t.Fatalf("unexpected refund idempotency key %s", gw.refundRequests[0].IdempotencyKey)
	}
	if len(gw.cancelledSubs) != 1 || gw.cancelledSubs[0] != "sub_1" {
		t.Fatalf("expected subscription cancelled, got %v", gw.cancelledSubs)
	}
	if len(profiles.linkedDomains) != 0 {
		t.Fatalf("failed provisioning must not link a domain")
	}
}

func TestProcessEventRefundRetriesThenFlagsManualReview(t *testing.T) {
	orders := &stubOrderRepository{}
	orders.findByCheckoutSessionFn = func(context.Context, string) (domain.DomainOrder, error) {
		return pendingOrder(), nil
	}
	reg := &stubRegistrarClient{}
	reg.purchaseFn = func(context.Context, registrar.PurchaseRequest) (registrar.PurchaseResult, error) {
		return registrar.PurchaseResult{}, registrar.ErrUnavailable
	}
	gw := &stubPaymentGateway{}
	gw.refundFn = func(context.Context, payments.RefundRequest) error {
		return payments.ErrGatewayUnavailable
	}

	var events []string
	rec, err := NewWebhookReconciler(WebhookReconcilerDeps{
		Orders:         orders,
		Profiles:       &stubProfileRepository{},
		Ledger:         &stubEventLedger{},
		Registrar:      reg,
		Payments:       gw,
		RefundAttempts: 3,
		Sleep:          func(context.Context, time.Duration) {},
		Logger: func(_ context.Context, event string, _ map[string]any) {
			events = append(events, event)
		},
	})
	if err != nil {
		t.Fatalf("new webhook reconciler: %v", err)
	}

	if err := rec.ProcessEvent(context.Background(), checkoutEvent()); err != nil {
		t.Fatalf("process event: %v", err)
	}
	if len(gw.refundRequests) != 3 {
		t.Fatalf("expected 3 refund attempts, got %d", len(gw.refundRequests))
	}
	var flagged bool
	for _, event := range events {
		if event == "domains.provision.refund_manual_review" {
			flagged = true
		}
	}
	if !flagged {
		t.Fatalf("expected manual-review log after refund exhaustion, got %v", events)
	}
}

func TestProcessEventCheckoutForUnknownSessionIsAcknowledged(t *testing.T) {
	orders := &stubOrderRepository{}
	rec := newReconciler(t, orders, &stubProfileRepository{}, &stubEventLedger{}, &stubRegistrarClient{}, &stubPaymentGateway{})

	if err := rec.ProcessEvent(context.Background(), checkoutEvent()); err != nil {
		t.Fatalf("unknown session must be acknowledged, got %v", err)
	}
}

func TestProcessEventRenewalFailedFlagsOrder(t *testing.T) {
	orders := &stubOrderRepository{}
	orders.findBySubscriptionFn = func(context.Context, string) (domain.DomainOrder, error) {
		return domain.DomainOrder{ID: "dord_1", Domain: "alex.dj", Status: domain.OrderStatusActive, SubscriptionID: "sub_1"}, nil
	}
	var flagged string
	orders.markRenewalFailedFn = func(_ context.Context, orderID string, _ time.Time) (bool, error) {
		flagged = orderID
		return true, nil
	}
	profiles := &stubProfileRepository{}
	rec := newReconciler(t, orders, profiles, &stubEventLedger{}, &stubRegistrarClient{}, &stubPaymentGateway{})

	err := rec.ProcessEvent(context.Background(), payments.ProcessorEvent{
		ID:             "evt_2",
		Type:           payments.EventRenewalFailed,
		SubscriptionID: "sub_1",
	})
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if flagged != "dord_1" {
		t.Fatalf("expected renewal_failed transition, got %q", flagged)
	}
	if len(profiles.clearedDomains) != 0 {
		t.Fatalf("renewal failure must not unlink the domain")
	}
}

func TestProcessEventRenewalSucceededExtendsExpiry(t *testing.T) {
	orders := &stubOrderRepository{}
	orders.findBySubscriptionFn = func(context.Context, string) (domain.DomainOrder, error) {
		return domain.DomainOrder{ID: "dord_1", Status: domain.OrderStatusRenewalFailed, SubscriptionID: "sub_1"}, nil
	}
	var renewedExpiry *time.Time
	orders.markRenewedFn = func(_ context.Context, _ string, expiresAt *time.Time, _ time.Time) (bool, error) {
		renewedExpiry = expiresAt
		return true, nil
	}
	rec := newReconciler(t, orders, &stubProfileRepository{}, &stubEventLedger{}, &stubRegistrarClient{}, &stubPaymentGateway{})

	periodEnd := time.Date(2027, 8, 31, 0, 0, 0, 0, time.UTC)
	err := rec.ProcessEvent(context.Background(), payments.ProcessorEvent{
		ID:             "evt_3",
		Type:           payments.EventRenewalSucceeded,
		SubscriptionID: "sub_1",
		PeriodEnd:      &periodEnd,
	})
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if renewedExpiry == nil || !renewedExpiry.Equal(periodEnd) {
		t.Fatalf("expected expiry extended to %v, got %v", periodEnd, renewedExpiry)
	}
}

func TestProcessEventIgnoredSkipsLedger(t *testing.T) {
	ledger := &stubEventLedger{}
	rec := newReconciler(t, &stubOrderRepository{}, &stubProfileRepository{}, ledger, &stubRegistrarClient{}, &stubPaymentGateway{})

	if err := rec.ProcessEvent(context.Background(), payments.ProcessorEvent{Type: payments.EventIgnored}); err != nil {
		t.Fatalf("ignored event: %v", err)
	}
	if len(ledger.claims) != 0 {
		t.Fatalf("ignored events must not touch the ledger")
	}
}

func TestProcessEventRejectsMissingEventID(t *testing.T) {
	rec := newReconciler(t, &stubOrderRepository{}, &stubProfileRepository{}, &stubEventLedger{}, &stubRegistrarClient{}, &stubPaymentGateway{})

	err := rec.ProcessEvent(context.Background(), payments.ProcessorEvent{Type: payments.EventCheckoutCompleted})
	if !errors.Is(err, ErrReconcilerInvalidEvent) {
		t.Fatalf("expected ErrReconcilerInvalidEvent, got %v", err)
	}
}
