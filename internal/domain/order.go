package domain

import (
	"time"
)

// OrderStatus enumerates valid lifecycle states for domain orders.
type OrderStatus string

const (
	// OrderStatusPendingPayment indicates the order awaits checkout completion.
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	// OrderStatusPurchasing indicates payment completed and registrar provisioning is in flight.
	OrderStatusPurchasing OrderStatus = "purchasing"
	// OrderStatusActive indicates the domain is purchased, attached, and billed.
	OrderStatusActive OrderStatus = "active"
	// OrderStatusRenewalFailed indicates the latest renewal charge failed; the domain stays usable until expiry.
	OrderStatusRenewalFailed OrderStatus = "renewal_failed"
	// OrderStatusFailed indicates registrar provisioning failed after payment; terminal.
	OrderStatusFailed OrderStatus = "failed"
	// OrderStatusCancelled indicates the user cancelled the order; terminal.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// orderStateTransitions is the single source of truth for permitted status changes.
var orderStateTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPendingPayment: {OrderStatusPurchasing},
	OrderStatusPurchasing:     {OrderStatusActive, OrderStatusFailed},
	OrderStatusActive:         {OrderStatusRenewalFailed, OrderStatusCancelled},
	OrderStatusRenewalFailed:  {OrderStatusActive, OrderStatusCancelled},
}

// CanTransition reports whether the transition table permits moving from one status to another.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderStateTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	return len(orderStateTransitions[s]) == 0
}

// IsAlive reports whether the order still occupies the profile's single order slot.
func (s OrderStatus) IsAlive() bool {
	switch s {
	case OrderStatusPendingPayment, OrderStatusPurchasing, OrderStatusActive, OrderStatusRenewalFailed:
		return true
	default:
		return false
	}
}

// IsBilled reports whether a recurring subscription is attached to the order.
func (s OrderStatus) IsBilled() bool {
	return s == OrderStatusActive || s == OrderStatusRenewalFailed
}

// AliveStatuses lists every non-terminal status, in lifecycle order.
func AliveStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusPendingPayment,
		OrderStatusPurchasing,
		OrderStatusActive,
		OrderStatusRenewalFailed,
	}
}

// DomainOrder tracks one purchase-through-lifecycle attempt for one domain.
//
// The pricing columns are a snapshot taken at order creation; they are the
// price contract for the order and are never recomputed from market price.
type DomainOrder struct {
	ID                string
	ProfileID         string
	Domain            string
	Status            OrderStatus
	PurchasePriceCents int64
	RenewalPriceCents  int64
	ServiceFeeCents    int64
	TermYears          int
	Contact            ContactInfo
	CheckoutSessionID  string
	SubscriptionID     string
	PaymentIntentID    string
	ExpiresAt          *time.Time
	DismissedAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// FirstYearCents returns the amount charged at checkout for year one.
func (o DomainOrder) FirstYearCents() int64 {
	return o.PurchasePriceCents + o.ServiceFeeCents
}

// RenewalCents returns the amount charged on each subsequent renewal.
func (o DomainOrder) RenewalCents() int64 {
	return o.RenewalPriceCents + o.ServiceFeeCents
}

// ProfileTier gates access to paid-only features.
type ProfileTier string

const (
	// TierFree is the default tier without custom-domain access.
	TierFree ProfileTier = "free"
	// TierPro unlocks custom domains.
	TierPro ProfileTier = "pro"
)

// Profile is the simplified tenant view this subsystem reads and links against.
type Profile struct {
	ID                string
	Email             string
	Tier              ProfileTier
	CustomDomain      *string
	PaymentCustomerID string
}

// PriceQuote is the registrar's availability and pricing answer for one candidate name.
type PriceQuote struct {
	Domain             string
	Available          bool
	PurchasePriceCents int64
	RenewalPriceCents  int64
	TermYears          int
}
