package topup

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumora/backend/internal/db"
	"github.com/lumora/backend/internal/models"
)

const txColumns = `id, user_id, package_id, amount_due, currency, coins_to_credit, code, status, created_at, settled_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func scanTransaction(row pgx.Row) (*models.TopupTransaction, error) {
	var t models.TopupTransaction
	err := row.Scan(&t.ID, &t.UserID, &t.PackageID, &t.AmountDue, &t.Currency, &t.CoinsToCredit,
		&t.Code, &t.Status, &t.CreatedAt, &t.SettledAt)
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Insert fails with errDuplicateCode when the generated code is taken.
func (r *Repository) Insert(ctx context.Context, t *models.TopupTransaction) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO topup_transactions (user_id, package_id, amount_due, currency, coins_to_credit, code)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, status, created_at
	`, t.UserID, t.PackageID, t.AmountDue, t.Currency, t.CoinsToCredit, t.Code).Scan(&t.ID, &t.Status, &t.CreatedAt)
	if db.IsUniqueViolation(err) {
		return errDuplicateCode
	}
	return err
}

// CompareAndSettleTx moves a pending transaction to status. ok is false when it was no longer pending.
func (r *Repository) CompareAndSettleTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) (*models.TopupTransaction, bool, error) {
	t, err := scanTransaction(tx.QueryRow(ctx, `
		UPDATE topup_transactions SET status = $2, settled_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+txColumns, id, status))
	if err == ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

func (r *Repository) GetTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.TopupTransaction, error) {
	return scanTransaction(tx.QueryRow(ctx, `SELECT `+txColumns+` FROM topup_transactions WHERE id = $1`, id))
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.TopupTransaction, error) {
	return scanTransaction(r.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM topup_transactions WHERE id = $1`, id))
}

func (r *Repository) GetByCode(ctx context.Context, code string) (*models.TopupTransaction, error) {
	return scanTransaction(r.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM topup_transactions WHERE code = $1`, code))
}

// List filters by status and user when they are set.
func (r *Repository) List(ctx context.Context, f Filter) ([]*models.TopupTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+txColumns+` FROM topup_transactions
		WHERE ($1 = '' OR status = $1) AND ($2::uuid IS NULL OR user_id = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, f.Status, f.UserID, f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.TopupTransaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM topup_transactions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
