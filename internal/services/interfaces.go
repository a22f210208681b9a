package services

import (
	"context"
	"time"

	domain "github.com/mixfolio/api/internal/domain"
	"github.com/mixfolio/api/internal/payments"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	DomainOrder = domain.DomainOrder
	OrderStatus = domain.OrderStatus
	Profile     = domain.Profile
	ContactInfo = domain.ContactInfo
	PriceQuote  = domain.PriceQuote
)

// SearchCommand is one availability/pricing lookup request.
type SearchCommand struct {
	ProfileID string
	Query     string
}

// SearchResult is one candidate name with availability and pricing.
type SearchResult struct {
	Domain             string
	Available          bool
	PurchasePriceCents int64
	RenewalPriceCents  int64
	TermYears          int
}

// DomainSearchService fans a query out across candidate TLDs and aggregates
// registrar availability and pricing, tolerating per-candidate failures.
type DomainSearchService interface {
	Search(ctx context.Context, cmd SearchCommand) ([]SearchResult, error)
}

// CreateOrderCommand carries the inputs for a new domain purchase attempt.
type CreateOrderCommand struct {
	ProfileID string
	Domain    string
	Contact   ContactInfo
}

// CheckoutRedirect is the synchronous result of creating an order.
type CheckoutRedirect struct {
	OrderID     string
	CheckoutURL string
}

// ListOrdersCommand pages through a profile's order history.
type ListOrdersCommand struct {
	ProfileID string
	Limit     int
	// Before restricts results to orders created strictly earlier, for
	// cursor-based paging. Nil starts from the newest order.
	Before *time.Time
}

// DismissOrderCommand clears a failed order from the caller's active view.
type DismissOrderCommand struct {
	ProfileID string
	OrderID   string
}

// DomainOrderService exposes the user-facing order operations and drives the
// synchronous legs of the provisioning workflow.
type DomainOrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CheckoutRedirect, error)
	GetCurrentOrder(ctx context.Context, profileID string) (DomainOrder, error)
	ListOrders(ctx context.Context, cmd ListOrdersCommand) ([]DomainOrder, error)
	Cancel(ctx context.Context, profileID string) error
	Dismiss(ctx context.Context, cmd DismissOrderCommand) error
}

// WebhookReconciler consumes processor events and advances order state idempotently.
type WebhookReconciler interface {
	ProcessEvent(ctx context.Context, event payments.ProcessorEvent) error
}
