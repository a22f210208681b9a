package registrar

import (
	"context"
	"errors"
	"time"

	domain "github.com/mixfolio/api/internal/domain"
)

var (
	// ErrUnavailable indicates a transient registrar/hosting platform failure.
	ErrUnavailable = errors.New("registrar: unavailable")
	// ErrDomainNotAvailable indicates the name cannot be purchased.
	ErrDomainNotAvailable = errors.New("registrar: domain not available")
	// ErrPurchaseRejected indicates the registrar refused the purchase outright.
	ErrPurchaseRejected = errors.New("registrar: purchase rejected")
)

// PurchaseRequest carries everything the registrar needs to buy a domain and
// attach it to the hosting project.
type PurchaseRequest struct {
	Domain  string
	Contact domain.ContactInfo
	// IdempotencyKey dedupes retried purchase calls on the registrar side.
	IdempotencyKey string
	TermYears      int
}

// PurchaseResult reports the registrar-side outcome of a completed purchase.
type PurchaseResult struct {
	Domain    string
	ExpiresAt *time.Time
}

// VerifyResult reports DNS verification progress for an attached domain.
type VerifyResult struct {
	Domain   string
	Verified bool
	Status   string
}

// Client is the narrow port over the registrar/hosting platform.
//
// Availability, price, and verification are idempotent reads and may be
// retried by implementations; purchase and detach are sent exactly once per
// idempotency key and surfaced to the orchestrator on failure.
type Client interface {
	CheckAvailability(ctx context.Context, domainName string) (bool, error)
	GetPrice(ctx context.Context, domainName string) (domain.PriceQuote, error)
	PurchaseAndAttach(ctx context.Context, req PurchaseRequest) (PurchaseResult, error)
	Detach(ctx context.Context, domainName string) error
	VerifyStatus(ctx context.Context, domainName string) (VerifyResult, error)
}
