package main

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

var errQueueNotStarted = errors.New("job queue not started")

// lateInserter forwards to the River client once it exists; services that enqueue
// are built before it (breaks init cycle).
type lateInserter struct {
	mu     sync.RWMutex
	client *river.Client[pgx.Tx]
}

func (l *lateInserter) bind(c *river.Client[pgx.Tx]) {
	l.mu.Lock()
	l.client = c
	l.mu.Unlock()
}

func (l *lateInserter) Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	l.mu.RLock()
	c := l.client
	l.mu.RUnlock()
	if c == nil {
		return nil, errQueueNotStarted
	}
	return c.Insert(ctx, args, opts)
}
