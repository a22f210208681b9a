package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/mixfolio/api/internal/domain"
	"github.com/mixfolio/api/internal/payments"
	"github.com/mixfolio/api/internal/registrar"
	"github.com/mixfolio/api/internal/repositories"
)

const (
	orderIDPrefix          = "dord_"
	defaultOrderCurrency   = "usd"
	defaultServiceFeeCents = 500
)

var (
	// ErrOrderInvalidInput signals the caller provided a malformed domain or contact record.
	ErrOrderInvalidInput = errors.New("domain order: invalid input")
	// ErrOrderNotPro indicates a free-tier profile attempted a paid-only operation.
	ErrOrderNotPro = errors.New("domain order: pro tier required")
	// ErrOrderConflict indicates an order is already alive for the profile.
	ErrOrderConflict = errors.New("domain order: an order is already in progress")
	// ErrOrderNotFound indicates no matching order exists for the operation.
	ErrOrderNotFound = errors.New("domain order: not found")
	// ErrOrderDomainUnavailable indicates the requested name cannot be purchased.
	ErrOrderDomainUnavailable = errors.New("domain order: domain not available")
	// ErrOrderRegistrarUnavailable indicates a transient registrar failure before any durable state was written.
	ErrOrderRegistrarUnavailable = errors.New("domain order: registrar unavailable")
	// ErrOrderPaymentUnavailable indicates the payment processor could not be reached.
	ErrOrderPaymentUnavailable = errors.New("domain order: payment processor unavailable")
)

// orderPaymentGateway is the payments.Gateway subset order orchestration needs.
type orderPaymentGateway interface {
	CreateCustomer(ctx context.Context, req payments.CreateCustomerRequest) (payments.Customer, error)
	CreateCheckoutSession(ctx context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// orderRegistrar is the registrar subset order orchestration needs.
type orderRegistrar interface {
	GetPrice(ctx context.Context, domainName string) (domain.PriceQuote, error)
	Detach(ctx context.Context, domainName string) error
}

// DomainOrderServiceDeps wires the dependencies required by the order service.
type DomainOrderServiceDeps struct {
	Orders          repositories.OrderRepository
	Profiles        repositories.ProfileRepository
	Registrar       orderRegistrar
	Payments        orderPaymentGateway
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          func(ctx context.Context, event string, fields map[string]any)
	ServiceFeeCents int64
	Currency        string
	AppBaseURL      string
}

type domainOrderService struct {
	orders          repositories.OrderRepository
	profiles        repositories.ProfileRepository
	registrar       orderRegistrar
	payments        orderPaymentGateway
	now             func() time.Time
	newID           func() string
	logger          func(context.Context, string, map[string]any)
	serviceFeeCents int64
	currency        string
	appBaseURL      string
}

// NewDomainOrderService constructs a DomainOrderService validating required dependencies.
func NewDomainOrderService(deps DomainOrderServiceDeps) (DomainOrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("domain order service: order repository is required")
	}
	if deps.Profiles == nil {
		return nil, errors.New("domain order service: profile repository is required")
	}
	if deps.Registrar == nil {
		return nil, errors.New("domain order service: registrar client is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("domain order service: payment gateway is required")
	}
	if strings.TrimSpace(deps.AppBaseURL) == "" {
		return nil, errors.New("domain order service: app base url is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return orderIDPrefix + ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	fee := deps.ServiceFeeCents
	if fee <= 0 {
		fee = defaultServiceFeeCents
	}
	currency := strings.ToLower(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultOrderCurrency
	}

	return &domainOrderService{
		orders:    deps.Orders,
		profiles:  deps.Profiles,
		registrar: deps.Registrar,
		payments:  deps.Payments,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:           idGen,
		logger:          logger,
		serviceFeeCents: fee,
		currency:        currency,
		appBaseURL:      strings.TrimRight(strings.TrimSpace(deps.AppBaseURL), "/"),
	}, nil
}

// CreateOrder snapshots current registrar pricing onto a new order and opens a
// recurring checkout for the first-year amount. Nothing durable is written
// until the registrar price fetch and checkout session creation both succeed.
func (s *domainOrderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CheckoutRedirect, error) {
	profileID := strings.TrimSpace(cmd.ProfileID)
	if profileID == "" {
		return CheckoutRedirect{}, ErrOrderInvalidInput
	}
	domainName := domain.NormalizeDomainName(cmd.Domain)
	if err := domain.ValidateDomainName(domainName); err != nil {
		return CheckoutRedirect{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}
	contact := cmd.Contact.Normalize()
	if err := contact.Validate(); err != nil {
		return CheckoutRedirect{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	profile, err := s.profiles.FindByID(ctx, profileID)
	if err != nil {
		return CheckoutRedirect{}, s.translateRepoError(err)
	}
	if profile.Tier != domain.TierPro {
		return CheckoutRedirect{}, ErrOrderNotPro
	}

	if _, err := s.orders.FindAliveByProfile(ctx, profileID); err == nil {
		return CheckoutRedirect{}, ErrOrderConflict
	} else if translated := s.translateRepoError(err); !errors.Is(translated, ErrOrderNotFound) {
		return CheckoutRedirect{}, translated
	}

	// Prices may have moved since search; the order snapshots what the
	// registrar quotes right now and that snapshot is the price contract.
	quote, err := s.registrar.GetPrice(ctx, domainName)
	if err != nil {
		if errors.Is(err, registrar.ErrDomainNotAvailable) {
			return CheckoutRedirect{}, ErrOrderDomainUnavailable
		}
		return CheckoutRedirect{}, fmt.Errorf("%w: %v", ErrOrderRegistrarUnavailable, err)
	}

	customerID, err := s.ensureCustomer(ctx, profile)
	if err != nil {
		return CheckoutRedirect{}, err
	}

	now := s.now()
	order := domain.DomainOrder{
		ID:                 s.newID(),
		ProfileID:          profileID,
		Domain:             domainName,
		Status:             domain.OrderStatusPendingPayment,
		PurchasePriceCents: quote.PurchasePriceCents,
		RenewalPriceCents:  quote.RenewalPriceCents,
		ServiceFeeCents:    s.serviceFeeCents,
		TermYears:          quote.TermYears,
		Contact:            contact,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	session, err := s.payments.CreateCheckoutSession(ctx, payments.CheckoutSessionRequest{
		CustomerID:  customerID,
		AmountCents: order.FirstYearCents(),
		Currency:    s.currency,
		DomainName:  domainName,
		SuccessURL:  s.appBaseURL + "/dashboard/domains?checkout=success",
		CancelURL:   s.appBaseURL + "/dashboard/domains?checkout=cancelled",
		Metadata: map[string]string{
			"order_id":   order.ID,
			"profile_id": profileID,
			"domain":     domainName,
		},
		IdempotencyKey: "checkout-" + order.ID,
	})
	if err != nil {
		s.logger(ctx, "domains.order.checkout_failed", map[string]any{
			"profileId": profileID,
			"domain":    domainName,
			"error":     err.Error(),
		})
		return CheckoutRedirect{}, fmt.Errorf("%w: %v", ErrOrderPaymentUnavailable, err)
	}
	order.CheckoutSessionID = session.ID

	// An orphaned checkout session from a lost insert race is harmless:
	// it expires unpaid and no webhook will ever match an order row.
	if err := s.orders.Insert(ctx, order); err != nil {
		return CheckoutRedirect{}, s.translateRepoError(err)
	}

	s.logger(ctx, "domains.order.created", map[string]any{
		"orderId":   order.ID,
		"profileId": profileID,
		"domain":    domainName,
		"amount":    order.FirstYearCents(),
	})

	return CheckoutRedirect{OrderID: order.ID, CheckoutURL: session.RedirectURL}, nil
}

// GetCurrentOrder returns the profile's alive order, or the latest failed
// order the user has not dismissed yet.
func (s *domainOrderService) GetCurrentOrder(ctx context.Context, profileID string) (DomainOrder, error) {
	profileID = strings.TrimSpace(profileID)
	if profileID == "" {
		return DomainOrder{}, ErrOrderInvalidInput
	}

	order, err := s.orders.FindAliveByProfile(ctx, profileID)
	if err == nil {
		return order, nil
	}
	if translated := s.translateRepoError(err); !errors.Is(translated, ErrOrderNotFound) {
		return DomainOrder{}, translated
	}

	order, err = s.orders.FindLatestFailedUndismissed(ctx, profileID)
	if err != nil {
		return DomainOrder{}, s.translateRepoError(err)
	}
	return order, nil
}

// ListOrders pages through the profile's order history newest-first.
func (s *domainOrderService) ListOrders(ctx context.Context, cmd ListOrdersCommand) ([]DomainOrder, error) {
	profileID := strings.TrimSpace(cmd.ProfileID)
	if profileID == "" {
		return nil, ErrOrderInvalidInput
	}

	orders, err := s.orders.ListByProfile(ctx, profileID, cmd.Limit, cmd.Before)
	if err != nil {
		return nil, s.translateRepoError(err)
	}
	return orders, nil
}

// Cancel tears down the profile's billed order. External teardown failures are
// logged for manual reconciliation but never block the local cancellation: the
// user must not be trapped paying for a domain they asked to release.
func (s *domainOrderService) Cancel(ctx context.Context, profileID string) error {
	profileID = strings.TrimSpace(profileID)
	if profileID == "" {
		return ErrOrderInvalidInput
	}

	order, err := s.orders.FindAliveByProfile(ctx, profileID)
	if err != nil {
		return s.translateRepoError(err)
	}
	if !order.Status.IsBilled() {
		return ErrOrderNotFound
	}

	if order.SubscriptionID != "" {
		if err := s.payments.CancelSubscription(ctx, order.SubscriptionID); err != nil {
			s.logger(ctx, "domains.order.cancel_subscription_failed", map[string]any{
				"orderId":        order.ID,
				"subscriptionId": order.SubscriptionID,
				"error":          err.Error(),
			})
		}
	}

	if err := s.registrar.Detach(ctx, order.Domain); err != nil {
		s.logger(ctx, "domains.order.detach_failed", map[string]any{
			"orderId": order.ID,
			"domain":  order.Domain,
			"error":   err.Error(),
		})
	}

	applied, err := s.orders.MarkCancelled(ctx, order.ID, s.now())
	if err != nil {
		return s.translateRepoError(err)
	}
	if !applied {
		// A concurrent cancel or webhook already moved the order on.
		return nil
	}

	if err := s.profiles.ClearCustomDomain(ctx, profileID); err != nil {
		return s.translateRepoError(err)
	}

	s.logger(ctx, "domains.order.cancelled", map[string]any{
		"orderId": order.ID,
		"domain":  order.Domain,
	})
	return nil
}

// Dismiss hides a failed order from the caller's active view. The row stays
// for audit.
func (s *domainOrderService) Dismiss(ctx context.Context, cmd DismissOrderCommand) error {
	profileID := strings.TrimSpace(cmd.ProfileID)
	orderID := strings.TrimSpace(cmd.OrderID)
	if profileID == "" || orderID == "" {
		return ErrOrderInvalidInput
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return s.translateRepoError(err)
	}
	if order.ProfileID != profileID || order.Status != domain.OrderStatusFailed {
		return ErrOrderNotFound
	}

	if _, err := s.orders.MarkDismissed(ctx, orderID, s.now()); err != nil {
		return s.translateRepoError(err)
	}
	return nil
}

func (s *domainOrderService) ensureCustomer(ctx context.Context, profile domain.Profile) (string, error) {
	if profile.PaymentCustomerID != "" {
		return profile.PaymentCustomerID, nil
	}

	customer, err := s.payments.CreateCustomer(ctx, payments.CreateCustomerRequest{
		Email:     profile.Email,
		ProfileID: profile.ID,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOrderPaymentUnavailable, err)
	}
	if err := s.profiles.SetPaymentCustomer(ctx, profile.ID, customer.ID); err != nil {
		return "", s.translateRepoError(err)
	}
	return customer.ID, nil
}

func (s *domainOrderService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrOrderNotFound
		case repoErr.IsConflict():
			return ErrOrderConflict
		}
	}
	return fmt.Errorf("domain order: storage failure: %w", err)
}
