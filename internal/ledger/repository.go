package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumora/backend/internal/db"
	"github.com/lumora/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// ApplyDeltaTx runs inside the caller's transaction. It:
// a) makes sure the balance row exists
// b) adds amount to the balance only if the result stays >= 0 (atomic conditional UPDATE)
// c) appends the ledger entry
// Both writes commit or roll back together with the caller's transaction.
func (r *Repository) ApplyDeltaTx(ctx context.Context, tx pgx.Tx, d Delta) (*Receipt, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO balances (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING
	`, d.UserID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, ErrUnknownUser
		}
		return nil, err
	}
	var newBalance int64
	err := tx.QueryRow(ctx, `
		UPDATE balances SET balance = balance + $2, updated_at = now()
		WHERE user_id = $1 AND balance + $2 >= 0
		RETURNING balance
	`, d.UserID, d.Amount).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInsufficientFunds
	}
	if err != nil {
		return nil, err
	}
	var entryID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (user_id, amount, kind, description, related_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, d.UserID, d.Amount, d.Kind, d.Description, d.RelatedID).Scan(&entryID)
	if db.IsUniqueViolation(err) {
		return nil, ErrDuplicateEntry
	}
	if err != nil {
		return nil, err
	}
	return &Receipt{EntryID: entryID, NewBalance: newBalance}, nil
}

// GetBalance returns 0 for users that never had a balance change.
func (r *Repository) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT balance FROM balances WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

func (r *Repository) ListHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, amount, kind, description, related_id, created_at
		FROM ledger_entries WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Kind, &e.Description, &e.RelatedID, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

// SumEntries returns the stored balance and the sum of the user's ledger entries in one snapshot.
func (r *Repository) SumEntries(ctx context.Context, userID uuid.UUID) (balance, sum int64, err error) {
	err = r.pool.QueryRow(ctx, `
		SELECT
			COALESCE((SELECT balance FROM balances WHERE user_id = $1), 0),
			COALESCE((SELECT SUM(amount) FROM ledger_entries WHERE user_id = $1), 0)
	`, userID).Scan(&balance, &sum)
	return balance, sum, err
}
