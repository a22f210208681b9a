package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultTable = "idempotency_keys"

// PostgresOption customises the PostgresStore behaviour.
type PostgresOption func(*PostgresStore)

// WithTable overrides the table name used to store idempotency keys.
func WithTable(name string) PostgresOption {
	return func(store *PostgresStore) {
		if name != "" {
			store.table = name
		}
	}
}

// PostgresStore implements Store backed by Postgres. The key hash is the
// primary key, so a concurrent reservation race resolves to exactly one
// pending row.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresStore constructs a Postgres-backed idempotency store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) *PostgresStore {
	store := &PostgresStore{
		pool:  pool,
		table: defaultTable,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// Reserve ensures the key is uniquely associated with the fingerprint and returns any stored response.
func (s *PostgresStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	keyHash := compositeKey(key, fingerprint)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: begin reserve: %w", err)
	}
	defer tx.Rollback(ctx)

	record, found, err := s.lockRecord(ctx, tx, keyHash)
	if err != nil {
		return Reservation{}, err
	}

	var result Reservation
	switch {
	case !found, !record.ExpiresAt.IsZero() && !now.Before(record.ExpiresAt):
		// Expired records are treated as new reservations.
		record = Record{
			Key:         key,
			Fingerprint: fingerprint,
			Status:      StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}
		if err := s.upsertRecord(ctx, tx, keyHash, record); err != nil {
			return Reservation{}, err
		}
		result = Reservation{State: ReservationStateNew, Record: record}
	case record.Fingerprint != fingerprint:
		return Reservation{}, ErrFingerprintMismatch
	case record.Status == StatusCompleted:
		result = Reservation{State: ReservationStateCompleted, Record: record}
	default:
		result = Reservation{State: ReservationStatePending, Record: record}
	}

	if err := tx.Commit(ctx); err != nil {
		return Reservation{}, fmt.Errorf("idempotency: commit reserve: %w", err)
	}
	return result, nil
}

// SaveResponse persists the completed HTTP response associated with the key.
func (s *PostgresStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	keyHash := compositeKey(key, fingerprint)

	headers := sanitizeHeaders(resp.Headers)
	var headersJSON []byte
	if len(headers) > 0 {
		encoded, err := json.Marshal(headers)
		if err != nil {
			return fmt.Errorf("idempotency: encode headers: %w", err)
		}
		headersJSON = encoded
	}
	var bodyCopy []byte
	if len(resp.Body) > 0 {
		bodyCopy = append([]byte(nil), resp.Body...)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("idempotency: begin save: %w", err)
	}
	defer tx.Rollback(ctx)

	record, found, err := s.lockRecord(ctx, tx, keyHash)
	if err != nil {
		return err
	}
	if found && record.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}

	createdAt := now
	if found && !record.CreatedAt.IsZero() {
		createdAt = record.CreatedAt
	}

	stmt := fmt.Sprintf(`
INSERT INTO %s (key_hash, request_key, fingerprint, status, response_status, response_headers, response_body, created_at, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (key_hash) DO UPDATE SET
	status = EXCLUDED.status,
	response_status = EXCLUDED.response_status,
	response_headers = EXCLUDED.response_headers,
	response_body = EXCLUDED.response_body,
	updated_at = EXCLUDED.updated_at,
	expires_at = EXCLUDED.expires_at`, s.table)
	if _, err := tx.Exec(ctx, stmt,
		keyHash, key, fingerprint, string(StatusCompleted),
		resp.Status, headersJSON, bodyCopy,
		createdAt, now, now.Add(ttl),
	); err != nil {
		return fmt.Errorf("idempotency: save response: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("idempotency: commit save: %w", err)
	}
	return nil
}

// Release removes the reservation to allow callers to retry.
func (s *PostgresStore) Release(ctx context.Context, key, fingerprint string) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE key_hash = $1`, s.table)
	if _, err := s.pool.Exec(ctx, stmt, compositeKey(key, fingerprint)); err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}

// CleanupExpired removes expired idempotency records up to the provided limit.
func (s *PostgresStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	if limit <= 0 {
		limit = 100
	}
	stmt := fmt.Sprintf(`
DELETE FROM %s
WHERE key_hash IN (
	SELECT key_hash FROM %s WHERE expires_at <= $1 LIMIT $2
)`, s.table, s.table)
	tag, err := s.pool.Exec(ctx, stmt, now, limit)
	if err != nil {
		return 0, fmt.Errorf("idempotency: cleanup expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) lockRecord(ctx context.Context, tx pgx.Tx, keyHash string) (Record, bool, error) {
	query := fmt.Sprintf(`
SELECT request_key, fingerprint, status, response_status, response_headers, response_body, created_at, updated_at, expires_at
FROM %s
WHERE key_hash = $1
FOR UPDATE`, s.table)

	var (
		record      Record
		status      string
		headersJSON []byte
	)
	err := tx.QueryRow(ctx, query, keyHash).Scan(
		&record.Key, &record.Fingerprint, &status,
		&record.ResponseStatus, &headersJSON, &record.ResponseBody,
		&record.CreatedAt, &record.UpdatedAt, &record.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("idempotency: lock record: %w", err)
	}
	record.Status = Status(status)
	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &record.ResponseHeaders); err != nil {
			return Record{}, false, fmt.Errorf("idempotency: decode headers: %w", err)
		}
	}
	return record, true, nil
}

func (s *PostgresStore) upsertRecord(ctx context.Context, tx pgx.Tx, keyHash string, record Record) error {
	stmt := fmt.Sprintf(`
INSERT INTO %s (key_hash, request_key, fingerprint, status, created_at, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (key_hash) DO UPDATE SET
	request_key = EXCLUDED.request_key,
	fingerprint = EXCLUDED.fingerprint,
	status = EXCLUDED.status,
	response_status = 0,
	response_headers = NULL,
	response_body = NULL,
	created_at = EXCLUDED.created_at,
	updated_at = EXCLUDED.updated_at,
	expires_at = EXCLUDED.expires_at`, s.table)
	if _, err := tx.Exec(ctx, stmt,
		keyHash, record.Key, record.Fingerprint, string(record.Status),
		record.CreatedAt, record.UpdatedAt, record.ExpiresAt,
	); err != nil {
		return fmt.Errorf("idempotency: reserve key: %w", err)
	}
	return nil
}
