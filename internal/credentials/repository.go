package credentials

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumora/backend/internal/db"
	"github.com/lumora/backend/internal/models"
)

const credentialColumns = `id, label, secret_ref, status, failure_count, last_used_at, last_error, created_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanCredential(row pgx.Row) (*models.Credential, error) {
	var c models.Credential
	err := row.Scan(&c.ID, &c.Label, &c.SecretRef, &c.Status, &c.FailureCount, &c.LastUsedAt, &c.LastError, &c.CreatedAt)
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]*models.Credential, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.Credential{}
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

func (r *Repository) ListActive(ctx context.Context) ([]*models.Credential, error) {
	return r.list(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE status = 'active' ORDER BY created_at`)
}

func (r *Repository) List(ctx context.Context) ([]*models.Credential, error) {
	return r.list(ctx, `SELECT `+credentialColumns+` FROM credentials ORDER BY created_at`)
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Credential, error) {
	return scanCredential(r.pool.QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = $1`, id))
}

func (r *Repository) Insert(ctx context.Context, label, secretRef string) (*models.Credential, error) {
	return scanCredential(r.pool.QueryRow(ctx, `
		INSERT INTO credentials (label, secret_ref) VALUES ($1, $2)
		RETURNING `+credentialColumns, label, secretRef))
}

func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus also clears the failure count when re-enabling.
func (r *Repository) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE credentials
		SET status = $2, failure_count = CASE WHEN $2 = 'active' THEN 0 ELSE failure_count END
		WHERE id = $1
	`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) RecordSuccess(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE credentials SET failure_count = 0, last_used_at = now(), last_error = '' WHERE id = $1
	`, id)
	return err
}

// RecordFailure increments the failure count and disables the credential once it reaches threshold,
// in a single statement so concurrent reports cannot lose increments.
func (r *Repository) RecordFailure(ctx context.Context, id uuid.UUID, threshold int, detail string) (int, bool, error) {
	var count int
	var status string
	err := r.pool.QueryRow(ctx, `
		UPDATE credentials SET
			failure_count = failure_count + 1,
			last_used_at = now(),
			last_error = $3,
			status = CASE WHEN failure_count + 1 >= $2 THEN 'disabled' ELSE status END
		WHERE id = $1
		RETURNING failure_count, status
	`, id, threshold, detail).Scan(&count, &status)
	if db.IsNoRows(err) {
		return 0, false, ErrNotFound
	}
	if err != nil {
		return 0, false, err
	}
	return count, status == models.CredentialDisabled, nil
}
