package giftcode

import (
	"context"
	"time"

	"github.com/riverqueue/river"
)

type ReconcileArgs struct{}

func (ReconcileArgs) Kind() string { return "giftcode_reconcile" }

type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	svc Service
}

func NewReconcileWorker(svc Service) *ReconcileWorker {
	return &ReconcileWorker{svc: svc}
}

func (w *ReconcileWorker) Work(ctx context.Context, _ *river.Job[ReconcileArgs]) error {
	_, err := w.svc.ReconcilePending(ctx)
	return err
}

func PeriodicReconcile(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return ReconcileArgs{}, &river.InsertOpts{MaxAttempts: 1}
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
