package repositories

import (
	"context"
	"time"

	domain "github.com/mixfolio/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository persists DomainOrder rows and owns every status transition.
//
// All Mark* methods apply a single conditional update guarded by the expected
// prior status and report whether the transition was applied. A false return
// with a nil error means the precondition no longer held: racing or replayed
// callers treat that as already-applied and move on.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.DomainOrder) error
	FindByID(ctx context.Context, orderID string) (domain.DomainOrder, error)
	FindAliveByProfile(ctx context.Context, profileID string) (domain.DomainOrder, error)
	// FindLatestFailedUndismissed returns the most recent failed order the
	// user has not dismissed from their active view.
	FindLatestFailedUndismissed(ctx context.Context, profileID string) (domain.DomainOrder, error)
	FindByCheckoutSession(ctx context.Context, sessionID string) (domain.DomainOrder, error)
	FindBySubscription(ctx context.Context, subscriptionID string) (domain.DomainOrder, error)
	// ListByProfile returns the profile's order history newest-first. A
	// non-nil before restricts results to orders created strictly earlier.
	ListByProfile(ctx context.Context, profileID string, limit int, before *time.Time) ([]domain.DomainOrder, error)

	MarkPurchasing(ctx context.Context, orderID, subscriptionID, paymentIntentID string, now time.Time) (bool, error)
	MarkActive(ctx context.Context, orderID string, expiresAt *time.Time, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, orderID string, now time.Time) (bool, error)
	MarkRenewalFailed(ctx context.Context, orderID string, now time.Time) (bool, error)
	MarkRenewed(ctx context.Context, orderID string, expiresAt *time.Time, now time.Time) (bool, error)
	MarkCancelled(ctx context.Context, orderID string, now time.Time) (bool, error)
	MarkDismissed(ctx context.Context, orderID string, now time.Time) (bool, error)
}

// ProfileRepository reads the tenant view and maintains the denormalized
// custom-domain linkage plus the payment-processor customer reference.
type ProfileRepository interface {
	FindByID(ctx context.Context, profileID string) (domain.Profile, error)
	SetPaymentCustomer(ctx context.Context, profileID, customerID string) error
	SetCustomDomain(ctx context.Context, profileID, domainName string) error
	ClearCustomDomain(ctx context.Context, profileID string) error
}

// WebhookEventLedger records processor event ids so redelivered events become no-ops.
type WebhookEventLedger interface {
	// Claim records the event id if unseen. It returns false when the event
	// was already processed.
	Claim(ctx context.Context, eventID string, now time.Time) (bool, error)
	// Release removes a claim whose processing failed so the processor's
	// redelivery gets a fresh attempt.
	Release(ctx context.Context, eventID string) error
}
