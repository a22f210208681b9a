package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripeCustomerAPI interface {
	New(params *stripe.CustomerParams) (*stripe.Customer, error)
}

type stripeSubscriptionAPI interface {
	Cancel(id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error)
	Get(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	sessions      stripeSessionAPI
	customers     stripeCustomerAPI
	subscriptions stripeSubscriptionAPI
	refunds       stripeRefundAPI
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey        string
	WebhookSecret string
	Backends      *stripe.Backends
	Logger        StripeLogger
	Clock         func() time.Time
}

// StripeGateway implements the Gateway interface using Stripe APIs.
type StripeGateway struct {
	api           stripeClients
	webhookSecret string
	clock         func() time.Time
	logger        StripeLogger
}

// NewStripeGateway constructs a Stripe Gateway using the given configuration.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("stripe: api key is required")
	}

	sc := client.New(apiKey, cfg.Backends)
	return newStripeGateway(cfg, stripeClients{
		sessions:      sc.CheckoutSessions,
		customers:     sc.Customers,
		subscriptions: sc.Subscriptions,
		refunds:       sc.Refunds,
	})
}

// newStripeGateway is the seam tests use to supply stub clients.
func newStripeGateway(cfg StripeGatewayConfig, clients stripeClients) (*StripeGateway, error) {
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}
	if clients.sessions == nil || clients.customers == nil || clients.subscriptions == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		api:           clients,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateCustomer creates a Stripe billing customer tagged with the owning profile.
func (g *StripeGateway) CreateCustomer(ctx context.Context, req CreateCustomerRequest) (Customer, error) {
	if g == nil {
		return Customer{}, errors.New("stripe: gateway is nil")
	}
	params := &stripe.CustomerParams{}
	params.Context = ctx
	if email := strings.TrimSpace(req.Email); email != "" {
		params.Email = stripe.String(email)
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		params.Name = stripe.String(name)
	}
	if profileID := strings.TrimSpace(req.ProfileID); profileID != "" {
		params.AddMetadata("profile_id", profileID)
		params.SetIdempotencyKey("customer-" + profileID)
	}

	customer, err := g.api.customers.New(params)
	if err != nil {
		return Customer{}, fmt.Errorf("stripe: create customer: %w", err)
	}
	g.logger(ctx, "payments.stripe.customer.created", map[string]any{
		"customerId": customer.ID,
		"profileId":  req.ProfileID,
	})
	return Customer{ID: customer.ID}, nil
}

// CreateCheckoutSession opens a subscription-mode Checkout session billed yearly.
//
// The unit amount is the order's snapshotted first-year price; it is never
// recomputed from current registrar pricing here.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if g == nil {
		return CheckoutSession{}, errors.New("stripe: gateway is nil")
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}

	params.LineItems = []*stripe.CheckoutSessionLineItemParams{
		{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(req.AmountCents),
				Recurring: &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
					Interval:      stripe.String("year"),
					IntervalCount: stripe.Int64(1),
				},
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Custom domain " + req.DomainName),
				},
			},
		},
	}

	params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{}
	if len(req.Metadata) > 0 {
		params.SubscriptionData.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.SubscriptionData.Metadata[k] = v
		}
	}

	session, err := g.api.sessions.New(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	g.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId": session.ID,
		"domain":    req.DomainName,
		"amount":    req.AmountCents,
	})

	expiresAt := g.clock().Add(30 * time.Minute)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}

	return CheckoutSession{
		ID:          session.ID,
		RedirectURL: session.URL,
		ExpiresAt:   expiresAt,
	}, nil
}

// CancelSubscription stops recurring billing for the subscription.
func (g *StripeGateway) CancelSubscription(ctx context.Context, subscriptionID string) error {
	if g == nil {
		return errors.New("stripe: gateway is nil")
	}
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return errors.New("stripe: subscription id is required")
	}
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := g.api.subscriptions.Cancel(subscriptionID, params); err != nil {
		return fmt.Errorf("stripe: cancel subscription: %w", err)
	}
	g.logger(ctx, "payments.stripe.subscription.cancelled", map[string]any{
		"subscriptionId": subscriptionID,
	})
	return nil
}

// Refund reverses the payment behind the order's first invoice.
func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) error {
	if g == nil {
		return errors.New("stripe: gateway is nil")
	}

	intentID := strings.TrimSpace(req.PaymentIntentID)
	if intentID == "" {
		resolved, err := g.resolveFirstPaymentIntent(ctx, req.SubscriptionID)
		if err != nil {
			return err
		}
		intentID = resolved
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intentID),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}

	if _, err := g.api.refunds.New(params); err != nil {
		return fmt.Errorf("stripe: refund payment intent: %w", err)
	}
	g.logger(ctx, "payments.stripe.intent.refunded", map[string]any{
		"paymentIntent": intentID,
	})
	return nil
}

func (g *StripeGateway) resolveFirstPaymentIntent(ctx context.Context, subscriptionID string) (string, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return "", errors.New("stripe: refund requires a payment intent or subscription id")
	}
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("latest_invoice.payment_intent")
	sub, err := g.api.subscriptions.Get(subscriptionID, params)
	if err != nil {
		return "", fmt.Errorf("stripe: lookup subscription: %w", err)
	}
	if sub.LatestInvoice == nil || sub.LatestInvoice.PaymentIntent == nil {
		return "", fmt.Errorf("stripe: subscription %s has no payment intent to refund", subscriptionID)
	}
	return sub.LatestInvoice.PaymentIntent.ID, nil
}

// ParseWebhookEvent verifies the Stripe signature and maps the payload onto
// the neutral ProcessorEvent model.
func (g *StripeGateway) ParseWebhookEvent(payload []byte, signatureHeader string) (ProcessorEvent, error) {
	if g == nil {
		return ProcessorEvent{}, errors.New("stripe: gateway is nil")
	}
	event, err := webhook.ConstructEvent(payload, signatureHeader, g.webhookSecret)
	if err != nil {
		return ProcessorEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return mapStripeEvent(event)
}

func mapStripeEvent(event stripe.Event) (ProcessorEvent, error) {
	out := ProcessorEvent{ID: event.ID, Type: EventIgnored}

	switch string(event.Type) {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return ProcessorEvent{}, fmt.Errorf("stripe: decode checkout session: %w", err)
		}
		out.Type = EventCheckoutCompleted
		out.CheckoutSessionID = session.ID
		if session.Subscription != nil {
			out.SubscriptionID = session.Subscription.ID
		}
		if session.PaymentIntent != nil {
			out.PaymentIntentID = session.PaymentIntent.ID
		}

	case "invoice.paid":
		invoice, err := decodeStripeInvoice(event.Data.Raw)
		if err != nil {
			return ProcessorEvent{}, err
		}
		// The first invoice of a subscription belongs to the checkout leg,
		// not a renewal; the checkout.session.completed event drives that.
		if invoice.BillingReason != stripe.InvoiceBillingReasonSubscriptionCycle {
			return out, nil
		}
		out.Type = EventRenewalSucceeded
		fillInvoiceRefs(&out, invoice)

	case "invoice.payment_failed":
		invoice, err := decodeStripeInvoice(event.Data.Raw)
		if err != nil {
			return ProcessorEvent{}, err
		}
		if invoice.BillingReason != stripe.InvoiceBillingReasonSubscriptionCycle {
			return out, nil
		}
		out.Type = EventRenewalFailed
		fillInvoiceRefs(&out, invoice)
	}

	return out, nil
}

func decodeStripeInvoice(raw json.RawMessage) (*stripe.Invoice, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return nil, fmt.Errorf("stripe: decode invoice: %w", err)
	}
	return &invoice, nil
}

func fillInvoiceRefs(out *ProcessorEvent, invoice *stripe.Invoice) {
	if invoice.Subscription != nil {
		out.SubscriptionID = invoice.Subscription.ID
	}
	if invoice.PaymentIntent != nil {
		out.PaymentIntentID = invoice.PaymentIntent.ID
	}
	if invoice.PeriodEnd != 0 {
		end := time.Unix(invoice.PeriodEnd, 0).UTC()
		out.PeriodEnd = &end
	}
	for _, line := range invoiceLines(invoice) {
		if line != nil && line.Period != nil && line.Period.End > 0 {
			end := time.Unix(line.Period.End, 0).UTC()
			if out.PeriodEnd == nil || end.After(*out.PeriodEnd) {
				out.PeriodEnd = &end
			}
		}
	}
}

func invoiceLines(invoice *stripe.Invoice) []*stripe.InvoiceLineItem {
	if invoice == nil || invoice.Lines == nil {
		return nil
	}
	return invoice.Lines.Data
}
