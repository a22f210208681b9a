package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

type errorKind int

const (
	kindUnavailable errorKind = iota
	kindNotFound
	kindConflict
)

// repoError implements repositories.RepositoryError over pgx failures.
type repoError struct {
	kind errorKind
	op   string
	err  error
}

func (e *repoError) Error() string {
	if e.err == nil {
		return e.op
	}
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *repoError) Unwrap() error       { return e.err }
func (e *repoError) IsNotFound() bool    { return e.kind == kindNotFound }
func (e *repoError) IsConflict() bool    { return e.kind == kindConflict }
func (e *repoError) IsUnavailable() bool { return e.kind == kindUnavailable }

func notFoundError(op string) error {
	return &repoError{kind: kindNotFound, op: op}
}

func conflictError(op string, err error) error {
	return &repoError{kind: kindConflict, op: op, err: err}
}

func storageError(op string, err error) error {
	return &repoError{kind: kindUnavailable, op: op, err: err}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
