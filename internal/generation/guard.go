package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lumora/backend/internal/ledger"
	"github.com/lumora/backend/internal/models"
	"github.com/lumora/backend/internal/notify"
)

// Job is a billable unit of work against the external AI service.
type Job func(ctx context.Context) (*Output, error)

// Charge describes what a job costs and who pays.
type Charge struct {
	UserID      uuid.UUID
	JobID       uuid.UUID
	Cost        int64
	Description string
}

// Charged is the result of a job that ran to completion and kept its charge.
type Charged struct {
	Output       *Output
	UsageEntryID uuid.UUID
	NewBalance   int64
}

// Guard reserves a job's cost before it runs and refunds it if the job does not succeed.
type Guard struct {
	ledger        ledger.Service
	inserter      notify.Inserter
	timeout       time.Duration
	refundTries   int
	refundBackoff time.Duration
	log           *slog.Logger
}

type GuardOption func(*Guard)

// WithRefundBackoff sets the delay before the second in-process refund attempt; it doubles after each failure.
func WithRefundBackoff(d time.Duration) GuardOption {
	return func(g *Guard) { g.refundBackoff = d }
}

// NewGuard returns a Guard. inserter may be nil, in which case refunds that keep
// failing in-process are only logged.
func NewGuard(ledgerSvc ledger.Service, inserter notify.Inserter, timeout time.Duration, refundTries int, log *slog.Logger, opts ...GuardOption) *Guard {
	if log == nil {
		log = slog.Default()
	}
	if refundTries < 1 {
		refundTries = 1
	}
	g := &Guard{
		ledger:        ledgerSvc,
		inserter:      inserter,
		timeout:       timeout,
		refundTries:   refundTries,
		refundBackoff: 100 * time.Millisecond,
		log:           log,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Run reserves c.Cost, runs job under the guard's timeout and returns its output.
// If the job fails, times out, is cancelled or panics, the reservation is refunded
// exactly once and the job's error is returned.
func (g *Guard) Run(ctx context.Context, c Charge, job Job) (*Charged, error) {
	if c.Cost <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCharge, c.Cost)
	}
	rel := c.JobID
	receipt, err := g.ledger.ApplyDelta(ctx, ledger.Delta{
		UserID:      c.UserID,
		Amount:      -c.Cost,
		Kind:        models.EntryUsage,
		Description: c.Description,
		RelatedID:   &rel,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateEntry) {
			return nil, ErrDuplicateJob
		}
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, g.timeout)
	out, jobErr := runJob(runCtx, job)
	cancel()
	if jobErr == nil {
		return &Charged{Output: out, UsageEntryID: receipt.EntryID, NewBalance: receipt.NewBalance}, nil
	}
	jobErr = classifyJobError(ctx, runCtx, jobErr)

	if refundErr := g.refund(ctx, c, receipt.EntryID); refundErr != nil {
		return nil, errors.Join(jobErr, refundErr)
	}
	return nil, jobErr
}

func runJob(ctx context.Context, job Job) (out *Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &ExternalServiceError{Kind: KindUnknown, Err: fmt.Errorf("job panicked: %v", r)}
		}
	}()
	return job(ctx)
}

func classifyJobError(parent, runCtx context.Context, err error) error {
	switch {
	case parent.Err() != nil && KindOf(err) != KindCancelled:
		return &ExternalServiceError{Kind: KindCancelled, Err: err}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && KindOf(err) == "":
		return &ExternalServiceError{Kind: KindTimeout, Err: err}
	}
	return err
}

// refund credits the reservation back. It never uses the caller's cancellation:
// a cancelled request must still be refunded.
func (g *Guard) refund(parent context.Context, c Charge, usageEntryID uuid.UUID) error {
	ctx := context.WithoutCancel(parent)
	args := RefundArgs{
		UserID:       c.UserID,
		UsageEntryID: usageEntryID,
		Amount:       c.Cost,
		Description:  "refund: " + c.Description,
	}

	backoff := g.refundBackoff
	var err error
	for attempt := 1; attempt <= g.refundTries; attempt++ {
		if err = applyRefund(ctx, g.ledger, args); err == nil {
			return nil
		}
		g.log.Warn("refund attempt failed", "user_id", c.UserID, "job_id", c.JobID, "attempt", attempt, "error", err)
		if attempt < g.refundTries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	if g.inserter != nil {
		_, qerr := g.inserter.Insert(ctx, args, nil)
		if qerr == nil {
			g.log.Warn("refund queued for retry", "user_id", c.UserID, "job_id", c.JobID, "usage_entry_id", usageEntryID)
			return nil
		}
		err = errors.Join(err, fmt.Errorf("enqueue refund: %w", qerr))
	}

	g.log.Error("refund failed", "reconcile", true, "user_id", c.UserID, "job_id", c.JobID,
		"usage_entry_id", usageEntryID, "amount", c.Cost, "error", err)
	return fmt.Errorf("%w: %v", ErrRefundFailed, err)
}

// applyRefund treats an existing refund for the usage entry as success.
func applyRefund(ctx context.Context, l ledger.Service, a RefundArgs) error {
	rel := a.UsageEntryID
	_, err := l.ApplyDelta(ctx, ledger.Delta{
		UserID:      a.UserID,
		Amount:      a.Amount,
		Kind:        models.EntryRefund,
		Description: a.Description,
		RelatedID:   &rel,
	})
	if errors.Is(err, ledger.ErrDuplicateEntry) {
		return nil
	}
	return err
}
