package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/mixfolio/api/internal/domain"
)

// ProfileRepository is the pgx-backed implementation of repositories.ProfileRepository.
type ProfileRepository struct {
	pool *pgxpool.Pool
}

// NewProfileRepository constructs a ProfileRepository over the shared pool.
func NewProfileRepository(pool *pgxpool.Pool) *ProfileRepository {
	return &ProfileRepository{pool: pool}
}

// FindByID loads the simplified tenant view.
func (r *ProfileRepository) FindByID(ctx context.Context, profileID string) (domain.Profile, error) {
	const query = `
SELECT id, email, tier, custom_domain, payment_customer_id
FROM profiles
WHERE id = $1`

	var (
		p          domain.Profile
		tier       string
		customerID *string
	)
	err := r.pool.QueryRow(ctx, query, profileID).Scan(&p.ID, &p.Email, &tier, &p.CustomDomain, &customerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Profile{}, notFoundError("profile not found")
		}
		return domain.Profile{}, storageError("find profile", err)
	}
	p.Tier = domain.ProfileTier(tier)
	p.PaymentCustomerID = deref(customerID)
	return p, nil
}

// SetPaymentCustomer persists the processor customer reference the first time it is created.
func (r *ProfileRepository) SetPaymentCustomer(ctx context.Context, profileID, customerID string) error {
	return r.exec(ctx, `UPDATE profiles SET payment_customer_id = $2 WHERE id = $1`, profileID, customerID)
}

// SetCustomDomain points the profile at its newly active domain.
func (r *ProfileRepository) SetCustomDomain(ctx context.Context, profileID, domainName string) error {
	return r.exec(ctx, `UPDATE profiles SET custom_domain = $2 WHERE id = $1`, profileID, domainName)
}

// ClearCustomDomain removes the linkage when the order leaves the billed states.
func (r *ProfileRepository) ClearCustomDomain(ctx context.Context, profileID string) error {
	return r.exec(ctx, `UPDATE profiles SET custom_domain = NULL WHERE id = $1`, profileID)
}

func (r *ProfileRepository) exec(ctx context.Context, stmt string, args ...any) error {
	tag, err := r.pool.Exec(ctx, stmt, args...)
	if err != nil {
		return storageError("update profile", err)
	}
	if tag.RowsAffected() == 0 {
		return notFoundError("profile not found")
	}
	return nil
}
