package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/mixfolio/api/internal/domain"
)

const orderColumns = `id, profile_id, domain, status, purchase_price_cents, renewal_price_cents,
service_fee_cents, term_years, contact, checkout_session_id, subscription_id,
payment_intent_id, expires_at, dismissed_at, created_at, updated_at`

// OrderRepository is the pgx-backed implementation of repositories.OrderRepository.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository constructs an OrderRepository over the shared pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Insert stores a freshly created order. The partial unique index on alive
// statuses turns a lost create race into a conflict instead of a second
// alive order.
func (r *OrderRepository) Insert(ctx context.Context, order domain.DomainOrder) error {
	contact, err := json.Marshal(order.Contact)
	if err != nil {
		return storageError("encode contact", err)
	}

	const stmt = `
INSERT INTO domain_orders (id, profile_id, domain, status, purchase_price_cents, renewal_price_cents,
	service_fee_cents, term_years, contact, checkout_session_id, subscription_id,
	payment_intent_id, expires_at, dismissed_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err = r.pool.Exec(ctx, stmt,
		order.ID, order.ProfileID, order.Domain, string(order.Status),
		order.PurchasePriceCents, order.RenewalPriceCents, order.ServiceFeeCents, order.TermYears,
		contact, nullable(order.CheckoutSessionID), nullable(order.SubscriptionID),
		nullable(order.PaymentIntentID), order.ExpiresAt, order.DismissedAt,
		order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return conflictError("insert order", err)
		}
		return storageError("insert order", err)
	}
	return nil
}

// FindByID loads a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.DomainOrder, error) {
	return r.findOne(ctx, `SELECT `+orderColumns+` FROM domain_orders WHERE id = $1`, orderID)
}

// FindAliveByProfile returns the profile's single non-terminal order.
func (r *OrderRepository) FindAliveByProfile(ctx context.Context, profileID string) (domain.DomainOrder, error) {
	return r.findOne(ctx, `
SELECT `+orderColumns+`
FROM domain_orders
WHERE profile_id = $1
  AND status IN ('pending_payment', 'purchasing', 'active', 'renewal_failed')`, profileID)
}

// FindLatestFailedUndismissed returns the newest failed order still visible to the user.
func (r *OrderRepository) FindLatestFailedUndismissed(ctx context.Context, profileID string) (domain.DomainOrder, error) {
	return r.findOne(ctx, `
SELECT `+orderColumns+`
FROM domain_orders
WHERE profile_id = $1 AND status = 'failed' AND dismissed_at IS NULL
ORDER BY created_at DESC
LIMIT 1`, profileID)
}

// FindByCheckoutSession resolves the order the checkout-completed event refers to.
func (r *OrderRepository) FindByCheckoutSession(ctx context.Context, sessionID string) (domain.DomainOrder, error) {
	return r.findOne(ctx, `SELECT `+orderColumns+` FROM domain_orders WHERE checkout_session_id = $1`, sessionID)
}

// FindBySubscription resolves the order renewal invoice events refer to.
func (r *OrderRepository) FindBySubscription(ctx context.Context, subscriptionID string) (domain.DomainOrder, error) {
	return r.findOne(ctx, `SELECT `+orderColumns+` FROM domain_orders WHERE subscription_id = $1`, subscriptionID)
}

// ListByProfile returns the profile's order history newest-first.
func (r *OrderRepository) ListByProfile(ctx context.Context, profileID string, limit int, before *time.Time) ([]domain.DomainOrder, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
SELECT ` + orderColumns + `
FROM domain_orders
WHERE profile_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
ORDER BY created_at DESC
LIMIT $3`

	rows, err := r.pool.Query(ctx, query, profileID, before, limit)
	if err != nil {
		return nil, storageError("list orders", err)
	}
	defer rows.Close()

	var orders []domain.DomainOrder
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list orders", err)
	}
	return orders, nil
}

// MarkPurchasing advances pending_payment to purchasing, storing the processor references.
func (r *OrderRepository) MarkPurchasing(ctx context.Context, orderID, subscriptionID, paymentIntentID string, now time.Time) (bool, error) {
	return r.transition(ctx, `
UPDATE domain_orders
SET status = 'purchasing', subscription_id = $2, payment_intent_id = $3, updated_at = $4
WHERE id = $1 AND status = 'pending_payment'`,
		orderID, nullable(subscriptionID), nullable(paymentIntentID), now)
}

// MarkActive advances purchasing to active once the registrar confirmed the purchase.
func (r *OrderRepository) MarkActive(ctx context.Context, orderID string, expiresAt *time.Time, now time.Time) (bool, error) {
	return r.transition(ctx, `
UPDATE domain_orders
SET status = 'active', expires_at = $2, updated_at = $3
WHERE id = $1 AND status = 'purchasing'`,
		orderID, expiresAt, now)
}

// MarkFailed records a registrar provisioning failure after payment.
func (r *OrderRepository) MarkFailed(ctx context.Context, orderID string, now time.Time) (bool, error) {
	return r.transition(ctx, `
UPDATE domain_orders
SET status = 'failed', updated_at = $2
WHERE id = $1 AND status = 'purchasing'`,
		orderID, now)
}

// MarkRenewalFailed flags a failed renewal charge on an active order.
func (r *OrderRepository) MarkRenewalFailed(ctx context.Context, orderID string, now time.Time) (bool, error) {
	return r.transition(ctx, `
UPDATE domain_orders
SET status = 'renewal_failed', updated_at = $2
WHERE id = $1 AND status = 'active'`,
		orderID, now)
}

// MarkRenewed records a successful renewal charge: it recovers a
// renewal_failed order and pushes expires_at forward either way. Routine
// renewals of an active order land here too, so the guard admits both
// billed statuses.
func (r *OrderRepository) MarkRenewed(ctx context.Context, orderID string, expiresAt *time.Time, now time.Time) (bool, error) {
	return r.transition(ctx, `
UPDATE domain_orders
SET status = 'active', expires_at = COALESCE($2, expires_at), updated_at = $3
WHERE id = $1 AND status IN ('active', 'renewal_failed')`,
		orderID, expiresAt, now)
}

// MarkCancelled is the user-driven terminal transition from either billed status.
func (r *OrderRepository) MarkCancelled(ctx context.Context, orderID string, now time.Time) (bool, error) {
	return r.transition(ctx, `
UPDATE domain_orders
SET status = 'cancelled', updated_at = $2
WHERE id = $1 AND status IN ('active', 'renewal_failed')`,
		orderID, now)
}

// MarkDismissed hides a failed order from the user's active view; the row remains for audit.
func (r *OrderRepository) MarkDismissed(ctx context.Context, orderID string, now time.Time) (bool, error) {
	return r.transition(ctx, `
UPDATE domain_orders
SET dismissed_at = $2, updated_at = $2
WHERE id = $1 AND status = 'failed' AND dismissed_at IS NULL`,
		orderID, now)
}

func (r *OrderRepository) transition(ctx context.Context, stmt string, args ...any) (bool, error) {
	tag, err := r.pool.Exec(ctx, stmt, args...)
	if err != nil {
		return false, storageError("transition order", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *OrderRepository) findOne(ctx context.Context, query string, arg any) (domain.DomainOrder, error) {
	order, err := scanOrder(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DomainOrder{}, notFoundError("order not found")
		}
		return domain.DomainOrder{}, err
	}
	return order, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.DomainOrder, error) {
	var (
		o                 domain.DomainOrder
		status            string
		contact           []byte
		checkoutSessionID *string
		subscriptionID    *string
		paymentIntentID   *string
	)
	err := row.Scan(
		&o.ID, &o.ProfileID, &o.Domain, &status,
		&o.PurchasePriceCents, &o.RenewalPriceCents, &o.ServiceFeeCents, &o.TermYears,
		&contact, &checkoutSessionID, &subscriptionID, &paymentIntentID,
		&o.ExpiresAt, &o.DismissedAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DomainOrder{}, err
		}
		return domain.DomainOrder{}, storageError("scan order", err)
	}
	o.Status = domain.OrderStatus(status)
	if len(contact) > 0 {
		if err := json.Unmarshal(contact, &o.Contact); err != nil {
			return domain.DomainOrder{}, storageError("decode contact", err)
		}
	}
	o.CheckoutSessionID = deref(checkoutSessionID)
	o.SubscriptionID = deref(subscriptionID)
	o.PaymentIntentID = deref(paymentIntentID)
	return o, nil
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
