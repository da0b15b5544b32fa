// Package notify carries user notifications out of the coin-moving services.
// Services return Requests as effects; callers hand them to a Dispatcher once
// their transaction has committed.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

type Request struct {
	UserID   uuid.UUID  `json:"user_id"`
	Message  string     `json:"message"`
	SenderID *uuid.UUID `json:"sender_id,omitempty"`
}

// Dispatcher is fire-and-forget: Dispatch never blocks on delivery and never fails the caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, reqs ...Request)
}

// Inserter is the slice of *river.Client used to enqueue jobs.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// RiverDispatcher enqueues one NotifyArgs job per request in the background.
type RiverDispatcher struct {
	inserter Inserter
	log      *slog.Logger
	wg       sync.WaitGroup
}

func NewRiverDispatcher(inserter Inserter, log *slog.Logger) *RiverDispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &RiverDispatcher{inserter: inserter, log: log}
}

func (d *RiverDispatcher) Dispatch(ctx context.Context, reqs ...Request) {
	if len(reqs) == 0 {
		return
	}
	// the caller's request context ends with its response
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for _, r := range reqs {
			if _, err := d.inserter.Insert(ctx, NotifyArgs(r), nil); err != nil {
				d.log.Warn("notification enqueue failed", "user_id", r.UserID, "error", err)
			}
		}
	}()
}

// Wait blocks until every background enqueue has finished.
func (d *RiverDispatcher) Wait() {
	d.wg.Wait()
}
