package generation

import (
	"context"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/lumora/backend/internal/ledger"
)

// RefundArgs is a refund that could not be applied in-process.
type RefundArgs struct {
	UserID       uuid.UUID `json:"user_id"`
	UsageEntryID uuid.UUID `json:"usage_entry_id"`
	Amount       int64     `json:"amount"`
	Description  string    `json:"description"`
}

func (RefundArgs) Kind() string { return "generation_refund" }

func (RefundArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 25}
}

type RefundWorker struct {
	river.WorkerDefaults[RefundArgs]
	ledger ledger.Service
}

func NewRefundWorker(l ledger.Service) *RefundWorker {
	return &RefundWorker{ledger: l}
}

func (w *RefundWorker) Work(ctx context.Context, job *river.Job[RefundArgs]) error {
	return applyRefund(ctx, w.ledger, job.Args)
}
