package notify

import (
	"context"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

type NotifyArgs struct {
	UserID   uuid.UUID  `json:"user_id"`
	Message  string     `json:"message"`
	SenderID *uuid.UUID `json:"sender_id,omitempty"`
}

func (NotifyArgs) Kind() string { return "notify_user" }

// Sink persists a notification; *Repository implements it.
type Sink interface {
	Insert(ctx context.Context, r Request) error
}

type NotifyWorker struct {
	river.WorkerDefaults[NotifyArgs]
	sink Sink
}

func NewNotifyWorker(sink Sink) *NotifyWorker {
	return &NotifyWorker{sink: sink}
}

func (w *NotifyWorker) Work(ctx context.Context, job *river.Job[NotifyArgs]) error {
	return w.sink.Insert(ctx, Request(job.Args))
}
