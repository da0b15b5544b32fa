package db

import (
	"context"
	_ "embed"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// TxBeginner abstracts transaction creation so services can be tested without a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// DefaultAttempts is how many times RunInTx tries a unit of work that keeps failing transiently.
const DefaultAttempts = 3

const initialBackoff = 50 * time.Millisecond

// Migrate applies the application schema. River's own tables are migrated separately by rivermigrate.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}

// RunInTx runs fn inside a transaction and commits it. The whole unit is retried
// up to DefaultAttempts times when the failure is a transient store error.
func RunInTx(ctx context.Context, b TxBeginner, fn func(tx pgx.Tx) error) error {
	return RunInTxAttempts(ctx, b, DefaultAttempts, fn)
}

// RunInTxAttempts is RunInTx with an explicit attempt budget.
func RunInTxAttempts(ctx context.Context, b TxBeginner, attempts int, fn func(tx pgx.Tx) error) error {
	if attempts < 1 {
		attempts = 1
	}
	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		err := runOnce(ctx, b, fn)
		if err == nil || attempt >= attempts || !IsTransient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func runOnce(ctx context.Context, b TxBeginner, fn func(tx pgx.Tx) error) error {
	tx, err := b.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// IsTransient reports whether err is a store error worth retrying: lost or
// refused connections, serialization failures and deadlocks.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

// IsUniqueViolation reports whether err is a unique constraint violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsNoRows reports whether err means the query matched nothing.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
