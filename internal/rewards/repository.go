package rewards

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
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

// InsertCheckInTx relies on the (user_id, day) primary key; a second insert is ErrAlreadyClaimed.
func (r *Repository) InsertCheckInTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, day time.Time, reward int64) error {
	_, err := tx.Exec(ctx, `INSERT INTO check_ins (user_id, day, reward) VALUES ($1, $2, $3)`, userID, day, reward)
	if db.IsUniqueViolation(err) {
		return ErrAlreadyClaimed
	}
	return err
}

// CountCheckIns counts check-ins with from <= day < to.
func (r *Repository) CountCheckIns(ctx context.Context, userID uuid.UUID, from, to time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM check_ins WHERE user_id = $1 AND day >= $2 AND day < $3
	`, userID, from, to).Scan(&n)
	return n, err
}

func (r *Repository) HasCheckIn(ctx context.Context, userID uuid.UUID, day time.Time) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM check_ins WHERE user_id = $1 AND day = $2)
	`, userID, day).Scan(&ok)
	return ok, err
}

func (r *Repository) InsertMilestoneClaimTx(ctx context.Context, tx pgx.Tx, c models.MilestoneClaim) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO milestone_claims (user_id, cycle, milestone_day, reward) VALUES ($1, $2, $3, $4)
	`, c.UserID, c.Cycle, c.MilestoneDay, c.Reward)
	if db.IsUniqueViolation(err) {
		return ErrAlreadyClaimed
	}
	return err
}

func (r *Repository) ClaimedMilestones(ctx context.Context, userID uuid.UUID, cycle string) (map[int]bool, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT milestone_day FROM milestone_claims WHERE user_id = $1 AND cycle = $2
	`, userID, cycle)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	claimed := map[int]bool{}
	for rows.Next() {
		var d int
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		claimed[d] = true
	}
	return claimed, rows.Err()
}

func (r *Repository) AddScore(ctx context.Context, userID uuid.UUID, points int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO weekly_scores (user_id, score) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET score = weekly_scores.score + EXCLUDED.score, updated_at = now()
	`, userID, points)
	return err
}

// TopScores returns up to n positive scores, highest first; ties go to the older account, then the lower id.
func (r *Repository) TopScores(ctx context.Context, n int) ([]models.WeeklyScore, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT ws.user_id, u.display_name, ws.score, u.created_at
		FROM weekly_scores ws JOIN users u ON u.id = ws.user_id
		WHERE ws.score > 0
		ORDER BY ws.score DESC, u.created_at ASC, u.id ASC
		LIMIT $1
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.WeeklyScore
	for rows.Next() {
		var s models.WeeklyScore
		if err := rows.Scan(&s.UserID, &s.DisplayName, &s.Score, &s.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// MarkWeekClosedTx records that weekStart was closed and reports whether this call did it.
func (r *Repository) MarkWeekClosedTx(ctx context.Context, tx pgx.Tx, weekStart time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO weekly_closes (week_start) VALUES ($1) ON CONFLICT (week_start) DO NOTHING
	`, weekStart)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CloseScoresTx subtracts every positive score from the board and returns the subtracted
// values ranked like TopScores. Points added after the rows are locked survive the close.
func (r *Repository) CloseScoresTx(ctx context.Context, tx pgx.Tx) ([]models.WeeklyScore, error) {
	rows, err := tx.Query(ctx, `
		WITH prev AS (
			SELECT user_id, score FROM weekly_scores WHERE score > 0 FOR UPDATE
		), closed AS (
			UPDATE weekly_scores ws SET score = ws.score - prev.score, updated_at = now()
			FROM prev WHERE ws.user_id = prev.user_id
			RETURNING ws.user_id, prev.score
		)
		SELECT c.user_id, u.display_name, c.score, u.created_at
		FROM closed c JOIN users u ON u.id = c.user_id
		ORDER BY c.score DESC, u.created_at ASC, u.id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.WeeklyScore
	for rows.Next() {
		var s models.WeeklyScore
		if err := rows.Scan(&s.UserID, &s.DisplayName, &s.Score, &s.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

func (r *Repository) InsertRewardLogTx(ctx context.Context, tx pgx.Tx, l models.WeeklyRewardLog) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO weekly_reward_logs (user_id, week_start, rank, score, reward, reward_description)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, l.UserID, l.WeekStart, l.Rank, l.Score, l.Reward, l.RewardDescription)
	return err
}

// MarkRewardPaidTx reports false when the winner was already paid.
func (r *Repository) MarkRewardPaidTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, weekStart time.Time, entryID uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE weekly_reward_logs SET ledger_entry_id = $3, paid_at = now()
		WHERE user_id = $1 AND week_start = $2 AND paid_at IS NULL
	`, userID, weekStart, entryID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) ListRewardLogs(ctx context.Context, weekStart time.Time) ([]models.WeeklyRewardLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, week_start, rank, score, reward, reward_description, ledger_entry_id, paid_at, created_at
		FROM weekly_reward_logs WHERE week_start = $1 ORDER BY rank
	`, weekStart)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.WeeklyRewardLog
	for rows.Next() {
		var l models.WeeklyRewardLog
		if err := rows.Scan(&l.UserID, &l.WeekStart, &l.Rank, &l.Score, &l.Reward, &l.RewardDescription,
			&l.LedgerEntryID, &l.PaidAt, &l.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, l)
	}
	return list, rows.Err()
}

// LoadSettings returns nil when no override was saved.
func (r *Repository) LoadSettings(ctx context.Context) (*Settings, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `SELECT config FROM reward_config WHERE id = 1`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repository) SaveSettings(ctx context.Context, s Settings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO reward_config (id, config) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET config = EXCLUDED.config, updated_at = now()
	`, raw)
	return err
}
