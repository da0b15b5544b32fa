package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Notification struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	SenderID  *uuid.UUID `json:"sender_id,omitempty"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"created_at"`
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, req Request) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notifications (user_id, sender_id, message) VALUES ($1, $2, $3)
	`, req.UserID, req.SenderID, req.Message)
	return err
}

func (r *Repository) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Notification, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, sender_id, message, created_at
		FROM notifications WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*Notification{}
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.SenderID, &n.Message, &n.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &n)
	}
	return list, rows.Err()
}
