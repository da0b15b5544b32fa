package giftcode

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumora/backend/internal/db"
	"github.com/lumora/backend/internal/models"
)

const giftcodeColumns = `id, code, reward_amount, total_limit, used_count, max_per_user, is_active, created_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func scanGiftcode(row pgx.Row) (*models.Giftcode, error) {
	var g models.Giftcode
	err := row.Scan(&g.ID, &g.Code, &g.RewardAmount, &g.TotalLimit, &g.UsedCount, &g.MaxPerUser, &g.IsActive, &g.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *Repository) GetActiveByCodeTx(ctx context.Context, tx pgx.Tx, code string) (*models.Giftcode, error) {
	g, err := scanGiftcode(tx.QueryRow(ctx, `
		SELECT `+giftcodeColumns+` FROM giftcodes WHERE code = $1 AND is_active
	`, code))
	if db.IsNoRows(err) {
		return nil, ErrInvalidCode
	}
	return g, err
}

func (r *Repository) CountUserUsagesTx(ctx context.Context, tx pgx.Tx, giftcodeID, userID uuid.UUID) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM giftcode_usages WHERE giftcode_id = $1 AND user_id = $2
	`, giftcodeID, userID).Scan(&n)
	return n, err
}

// IncrementUsedTx is the increment-if-under-limit gate. It reports false when the code is exhausted or inactive.
func (r *Repository) IncrementUsedTx(ctx context.Context, tx pgx.Tx, giftcodeID uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE giftcodes SET used_count = used_count + 1
		WHERE id = $1 AND is_active AND used_count < total_limit
	`, giftcodeID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// InsertUsageTx fails with ErrAlreadyRedeemed when (giftcode, user, seq) is taken.
func (r *Repository) InsertUsageTx(ctx context.Context, tx pgx.Tx, u *models.GiftcodeUsage) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO giftcode_usages (giftcode_id, user_id, seq, reward_amount)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, u.GiftcodeID, u.UserID, u.Seq, u.RewardAmount).Scan(&u.ID, &u.CreatedAt)
	if db.IsUniqueViolation(err) {
		return ErrAlreadyRedeemed
	}
	return err
}

// MarkCreditedTx reports false when another transaction already credited the usage.
func (r *Repository) MarkCreditedTx(ctx context.Context, tx pgx.Tx, usageID, entryID uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE giftcode_usages SET ledger_entry_id = $2 WHERE id = $1 AND ledger_entry_id IS NULL
	`, usageID, entryID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListPending returns uncredited usages created before olderThan, oldest first.
func (r *Repository) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*PendingUsage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT u.id, u.giftcode_id, u.user_id, u.seq, u.reward_amount, u.created_at, g.code
		FROM giftcode_usages u JOIN giftcodes g ON g.id = u.giftcode_id
		WHERE u.ledger_entry_id IS NULL AND u.created_at < $1
		ORDER BY u.created_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*PendingUsage
	for rows.Next() {
		var p PendingUsage
		if err := rows.Scan(&p.ID, &p.GiftcodeID, &p.UserID, &p.Seq, &p.RewardAmount, &p.CreatedAt, &p.Code); err != nil {
			return nil, err
		}
		list = append(list, &p)
	}
	return list, rows.Err()
}

func (r *Repository) Create(ctx context.Context, g *models.Giftcode) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO giftcodes (code, reward_amount, total_limit, max_per_user, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, used_count, created_at
	`, g.Code, g.RewardAmount, g.TotalLimit, g.MaxPerUser, g.IsActive).Scan(&g.ID, &g.UsedCount, &g.CreatedAt)
	if db.IsUniqueViolation(err) {
		return ErrDuplicateCode
	}
	return err
}

func (r *Repository) Update(ctx context.Context, id uuid.UUID, in UpdateInput) (*models.Giftcode, error) {
	g, err := scanGiftcode(r.pool.QueryRow(ctx, `
		UPDATE giftcodes SET
			reward_amount = COALESCE($2, reward_amount),
			total_limit   = COALESCE($3, total_limit),
			max_per_user  = COALESCE($4, max_per_user),
			is_active     = COALESCE($5, is_active)
		WHERE id = $1
		RETURNING `+giftcodeColumns,
		id, in.RewardAmount, in.TotalLimit, in.MaxPerUser, in.IsActive))
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23514" {
		return nil, ErrLimitBelowUsage
	}
	return g, err
}

// Delete removes an unused code outright; a used code is only deactivated so its usages keep their parent.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) (hard bool, err error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM giftcodes WHERE id = $1 AND used_count = 0`, id)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	tag, err = r.pool.Exec(ctx, `UPDATE giftcodes SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

func (r *Repository) List(ctx context.Context) ([]*models.Giftcode, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+giftcodeColumns+` FROM giftcodes ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.Giftcode{}
	for rows.Next() {
		g, err := scanGiftcode(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, g)
	}
	return list, rows.Err()
}
