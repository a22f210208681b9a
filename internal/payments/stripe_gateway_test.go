package payments

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
)

type stubSessionAPI struct {
	newFn func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

func (s *stubSessionAPI) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	if s.newFn != nil {
		return s.newFn(params)
	}
	return nil, errors.New("not implemented")
}

type stubCustomerAPI struct {
	newFn func(*stripe.CustomerParams) (*stripe.Customer, error)
}

func (s *stubCustomerAPI) New(params *stripe.CustomerParams) (*stripe.Customer, error) {
	if s.newFn != nil {
		return s.newFn(params)
	}
	return nil, errors.New("not implemented")
}

type stubSubscriptionAPI struct {
	cancelFn func(string, *stripe.SubscriptionCancelParams) (*stripe.Subscription, error)
	getFn    func(string, *stripe.SubscriptionParams) (*stripe.Subscription, error)
}

func (s *stubSubscriptionAPI) Cancel(id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error) {
	if s.cancelFn != nil {
		return s.cancelFn(id, params)
	}
	return nil, errors.New("not implemented")
}

func (s *stubSubscriptionAPI) Get(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	if s.getFn != nil {
		return s.getFn(id, params)
	}
	return nil, errors.New("not implemented")
}

type stubRefundAPI struct {
	newFn func(*stripe.RefundParams) (*stripe.Refund, error)
}

func (s *stubRefundAPI) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	if s.newFn != nil {
		return s.newFn(params)
	}
	return nil, errors.New("not implemented")
}

func newTestGateway(t *testing.T, clients stripeClients) *StripeGateway {
	t.Helper()
	if clients.sessions == nil {
		clients.sessions = &stubSessionAPI{}
	}
	if clients.customers == nil {
		clients.customers = &stubCustomerAPI{}
	}
	if clients.subscriptions == nil {
		clients.subscriptions = &stubSubscriptionAPI{}
	}
	if clients.refunds == nil {
		clients.refunds = &stubRefundAPI{}
	}
	gateway, err := newStripeGateway(StripeGatewayConfig{
		WebhookSecret: "whsec_test",
	}, clients)
	if err != nil {
		t.Fatalf("newStripeGateway returned error: %v", err)
	}
	return gateway
}

func TestNewStripeGatewayRequiresAPIKey(t *testing.T) {
	if _, err := NewStripeGateway(StripeGatewayConfig{WebhookSecret: "whsec_test"}); err == nil {
		t.Fatal("expected missing api key to be rejected")
	}
}

func TestNewStripeGatewayRequiresWebhookSecret(t *testing.T) {
	_, err := newStripeGateway(StripeGatewayConfig{}, stripeClients{
		sessions:      &stubSessionAPI{},
		customers:     &stubCustomerAPI{},
		subscriptions: &stubSubscriptionAPI{},
		refunds:       &stubRefundAPI{},
	})
	if err == nil {
		t.Fatal("expected missing webhook secret to be rejected")
	}
}

func TestCreateCheckoutSessionBuildsYearlySubscription(t *testing.T) {
	var captured *stripe.CheckoutSessionParams
	gateway := newTestGateway(t, stripeClients{
		sessions: &stubSessionAPI{
			newFn: func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
				captured = params
				return &stripe.CheckoutSession{ID: "cs_1", URL: "https://pay.example/cs_1"}, nil
			},
		},
	})

	session, err := gateway.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{
		CustomerID:     "cus_1",
		AmountCents:    1700,
		Currency:       "USD",
		DomainName:     "alex.dj",
		SuccessURL:     "https://app.example/done",
		CancelURL:      "https://app.example/cancel",
		Metadata:       map[string]string{"order_id": "dord_1"},
		IdempotencyKey: "checkout-dord_1",
	})
	if err != nil {
		t.Fatalf("CreateCheckoutSession returned error: %v", err)
	}
	if session.ID != "cs_1" || session.RedirectURL != "https://pay.example/cs_1" {
		t.Fatalf("unexpected session: %+v", session)
	}

	if got := stripe.StringValue(captured.Mode); got != string(stripe.CheckoutSessionModeSubscription) {
		t.Fatalf("expected subscription mode, got %q", got)
	}
	if len(captured.LineItems) != 1 {
		t.Fatalf("expected one line item, got %d", len(captured.LineItems))
	}
	price := captured.LineItems[0].PriceData
	if stripe.Int64Value(price.UnitAmount) != 1700 {
		t.Fatalf("unexpected unit amount %d", stripe.Int64Value(price.UnitAmount))
	}
	if stripe.StringValue(price.Currency) != "usd" {
		t.Fatalf("currency should be lowercased, got %q", stripe.StringValue(price.Currency))
	}
	if stripe.StringValue(price.Recurring.Interval) != "year" {
		t.Fatalf("expected yearly interval, got %q", stripe.StringValue(price.Recurring.Interval))
	}
	if captured.Metadata["order_id"] != "dord_1" {
		t.Fatalf("session metadata missing order id: %v", captured.Metadata)
	}
	if captured.SubscriptionData == nil || captured.SubscriptionData.Metadata["order_id"] != "dord_1" {
		t.Fatal("subscription metadata missing order id")
	}
}

func TestCreateCustomerTagsProfile(t *testing.T) {
	var captured *stripe.CustomerParams
	gateway := newTestGateway(t, stripeClients{
		customers: &stubCustomerAPI{
			newFn: func(params *stripe.CustomerParams) (*stripe.Customer, error) {
				captured = params
				return &stripe.Customer{ID: "cus_1"}, nil
			},
		},
	})

	customer, err := gateway.CreateCustomer(context.Background(), CreateCustomerRequest{
		Email:     "alex@example.com",
		Name:      "Alex",
		ProfileID: "prof_1",
	})
	if err != nil {
		t.Fatalf("CreateCustomer returned error: %v", err)
	}
	if customer.ID != "cus_1" {
		t.Fatalf("unexpected customer: %+v", customer)
	}
	if captured.Metadata["profile_id"] != "prof_1" {
		t.Fatalf("expected profile metadata, got %v", captured.Metadata)
	}
}

func TestRefundResolvesIntentFromSubscription(t *testing.T) {
	var refunded *stripe.RefundParams
	gateway := newTestGateway(t, stripeClients{
		subscriptions: &stubSubscriptionAPI{
			getFn: func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
				if id != "sub_1" {
					t.Fatalf("unexpected subscription id %q", id)
				}
				return &stripe.Subscription{
					LatestInvoice: &stripe.Invoice{
						PaymentIntent: &stripe.PaymentIntent{ID: "pi_9"},
					},
				}, nil
			},
		},
		refunds: &stubRefundAPI{
			newFn: func(params *stripe.RefundParams) (*stripe.Refund, error) {
				refunded = params
				return &stripe.Refund{ID: "re_1"}, nil
			},
		},
	})

	err := gateway.Refund(context.Background(), RefundRequest{
		SubscriptionID: "sub_1",
		IdempotencyKey: "refund-dord_1",
	})
	if err != nil {
		t.Fatalf("Refund returned error: %v", err)
	}
	if stripe.StringValue(refunded.PaymentIntent) != "pi_9" {
		t.Fatalf("expected resolved intent pi_9, got %q", stripe.StringValue(refunded.PaymentIntent))
	}
}

func TestRefundRequiresReference(t *testing.T) {
	gateway := newTestGateway(t, stripeClients{})
	if err := gateway.Refund(context.Background(), RefundRequest{}); err == nil {
		t.Fatal("expected error without payment intent or subscription")
	}
}

func TestCancelSubscriptionRequiresID(t *testing.T) {
	gateway := newTestGateway(t, stripeClients{})
	if err := gateway.CancelSubscription(context.Background(), "  "); err == nil {
		t.Fatal("expected error for blank subscription id")
	}
}

func stripeEvent(t *testing.T, eventType string, data any) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal event data: %v", err)
	}
	return stripe.Event{
		ID:   "evt_1",
		Type: stripe.EventType(eventType),
		Data: &stripe.EventData{Raw: raw},
	}
}

func TestMapStripeEventCheckoutCompleted(t *testing.T) {
	event := stripeEvent(t, "checkout.session.completed", map[string]any{
		"id":             "cs_1",
		"subscription":   map[string]any{"id": "sub_1"},
		"payment_intent": map[string]any{"id": "pi_1"},
	})

	out, err := mapStripeEvent(event)
	if err != nil {
		t.Fatalf("mapStripeEvent returned error: %v", err)
	}
	if out.Type != EventCheckoutCompleted {
		t.Fatalf("expected checkout completed, got %v", out.Type)
	}
	if out.CheckoutSessionID != "cs_1" || out.SubscriptionID != "sub_1" || out.PaymentIntentID != "pi_1" {
		t.Fatalf("unexpected refs: %+v", out)
	}
}

func TestMapStripeEventRenewalPaid(t *testing.T) {
	periodEnd := time.Date(2027, 8, 31, 0, 0, 0, 0, time.UTC)
	event := stripeEvent(t, "invoice.paid", map[string]any{
		"billing_reason": "subscription_cycle",
		"subscription":   map[string]any{"id": "sub_1"},
		"period_end":     periodEnd.Unix(),
	})

	out, err := mapStripeEvent(event)
	if err != nil {
		t.Fatalf("mapStripeEvent returned error: %v", err)
	}
	if out.Type != EventRenewalSucceeded {
		t.Fatalf("expected renewal succeeded, got %v", out.Type)
	}
	if out.SubscriptionID != "sub_1" {
		t.Fatalf("unexpected subscription: %+v", out)
	}
	if out.PeriodEnd == nil || !out.PeriodEnd.Equal(periodEnd) {
		t.Fatalf("unexpected period end: %v", out.PeriodEnd)
	}
}

func TestMapStripeEventFirstInvoiceIgnored(t *testing.T) {
	event := stripeEvent(t, "invoice.paid", map[string]any{
		"billing_reason": "subscription_create",
		"subscription":   map[string]any{"id": "sub_1"},
	})

	out, err := mapStripeEvent(event)
	if err != nil {
		t.Fatalf("mapStripeEvent returned error: %v", err)
	}
	if out.Type != EventIgnored {
		t.Fatalf("first invoice must map to ignored, got %v", out.Type)
	}
}

func TestMapStripeEventRenewalFailed(t *testing.T) {
	event := stripeEvent(t, "invoice.payment_failed", map[string]any{
		"billing_reason": "subscription_cycle",
		"subscription":   map[string]any{"id": "sub_1"},
	})

	out, err := mapStripeEvent(event)
	if err != nil {
		t.Fatalf("mapStripeEvent returned error: %v", err)
	}
	if out.Type != EventRenewalFailed {
		t.Fatalf("expected renewal failed, got %v", out.Type)
	}
}

func TestMapStripeEventUnknownTypeIgnored(t *testing.T) {
	event := stripeEvent(t, "customer.updated", map[string]any{"id": "cus_1"})

	out, err := mapStripeEvent(event)
	if err != nil {
		t.Fatalf("mapStripeEvent returned error: %v", err)
	}
	if out.Type != EventIgnored || out.ID != "evt_1" {
		t.Fatalf("unexpected mapping: %+v", out)
	}
}
