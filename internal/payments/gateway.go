package payments

import (
	"context"
	"errors"
	"time"
)

// EventType enumerates the neutral processor events the reconciler consumes.
//
// Exact webhook event names and payload shapes are a property of the
// configured processor; adapters translate them into this model.
type EventType string

const (
	// EventCheckoutCompleted signals the customer finished checkout for an order.
	EventCheckoutCompleted EventType = "checkout_completed"
	// EventRenewalSucceeded signals a recurring renewal charge succeeded.
	EventRenewalSucceeded EventType = "renewal_succeeded"
	// EventRenewalFailed signals a recurring renewal charge failed.
	EventRenewalFailed EventType = "renewal_failed"
	// EventIgnored marks event types this subsystem acknowledges without acting on.
	EventIgnored EventType = "ignored"
)

var (
	// ErrInvalidSignature indicates the webhook payload failed authenticity verification.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	// ErrGatewayUnavailable indicates a transient processor failure.
	ErrGatewayUnavailable = errors.New("payments: gateway unavailable")
)

// ProcessorEvent is the normalised at-least-once message consumed by the reconciler.
type ProcessorEvent struct {
	ID                string
	Type              EventType
	CheckoutSessionID string
	SubscriptionID    string
	PaymentIntentID   string
	// PeriodEnd carries the new billing period end for renewal events; the
	// reconciler uses it to refresh the order's expiry.
	PeriodEnd *time.Time
}

// Customer is the processor-side billing customer reference.
type Customer struct {
	ID string
}

// CreateCustomerRequest carries the fields needed to create a billing customer.
type CreateCustomerRequest struct {
	Email     string
	Name      string
	ProfileID string
}

// CheckoutSessionRequest opens a recurring annual checkout for an order's first-year price.
type CheckoutSessionRequest struct {
	CustomerID     string
	AmountCents    int64
	Currency       string
	DomainName     string
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
}

// CheckoutSession is the processor session returned to the client for redirect.
type CheckoutSession struct {
	ID          string
	RedirectURL string
	ExpiresAt   time.Time
}

// RefundRequest reverses the first-year charge when provisioning fails after payment.
// When PaymentIntentID is empty the adapter resolves it from the subscription's
// latest invoice.
type RefundRequest struct {
	PaymentIntentID string
	SubscriptionID  string
	Reason          string
	IdempotencyKey  string
}

// Gateway is the narrow port over the payment processor used by orchestration.
type Gateway interface {
	CreateCustomer(ctx context.Context, req CreateCustomerRequest) (Customer, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
	Refund(ctx context.Context, req RefundRequest) error
	// ParseWebhookEvent verifies payload authenticity and maps it to a ProcessorEvent.
	ParseWebhookEvent(payload []byte, signatureHeader string) (ProcessorEvent, error)
}
