package domain

import "testing"

func TestCanTransition(t *testing.T) {
	allowed := []struct {
		from, to OrderStatus
	}{
		{OrderStatusPendingPayment, OrderStatusPurchasing},
		{OrderStatusPurchasing, OrderStatusActive},
		{OrderStatusPurchasing, OrderStatusFailed},
		{OrderStatusActive, OrderStatusRenewalFailed},
		{OrderStatusActive, OrderStatusCancelled},
		{OrderStatusRenewalFailed, OrderStatusActive},
		{OrderStatusRenewalFailed, OrderStatusCancelled},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	forbidden := []struct {
		from, to OrderStatus
	}{
		{OrderStatusPendingPayment, OrderStatusActive},
		{OrderStatusPendingPayment, OrderStatusCancelled},
		{OrderStatusActive, OrderStatusPendingPayment},
		{OrderStatusFailed, OrderStatusActive},
		{OrderStatusCancelled, OrderStatusActive},
		{OrderStatusFailed, OrderStatusPendingPayment},
	}
	for _, tc := range forbidden {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be forbidden", tc.from, tc.to)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	for _, status := range AliveStatuses() {
		if !status.IsAlive() {
			t.Errorf("%s should be alive", status)
		}
		if status.IsTerminal() {
			t.Errorf("%s should not be terminal", status)
		}
	}
	for _, status := range []OrderStatus{OrderStatusFailed, OrderStatusCancelled} {
		if status.IsAlive() {
			t.Errorf("%s should not be alive", status)
		}
		if !status.IsTerminal() {
			t.Errorf("%s should be terminal", status)
		}
	}

	if !OrderStatusActive.IsBilled() || !OrderStatusRenewalFailed.IsBilled() {
		t.Error("active and renewal_failed carry a subscription")
	}
	if OrderStatusPendingPayment.IsBilled() || OrderStatusPurchasing.IsBilled() {
		t.Error("pre-provisioning statuses must not be billed")
	}
}

func TestOrderPriceHelpers(t *testing.T) {
	order := DomainOrder{
		PurchasePriceCents: 1200,
		RenewalPriceCents:  1500,
		ServiceFeeCents:    500,
	}
	if got := order.FirstYearCents(); got != 1700 {
		t.Fatalf("expected first year 1700, got %d", got)
	}
	if got := order.RenewalCents(); got != 2000 {
		t.Fatalf("expected renewal 2000, got %d", got)
	}
}
