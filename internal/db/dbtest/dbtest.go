// Package dbtest provides a pgx.Tx stand-in for exercising services without PostgreSQL.
package dbtest

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// NoopTx satisfies pgx.Tx; only Commit and Rollback are expected to be called.
type NoopTx struct {
	b *Beginner
}

func (t NoopTx) Begin(context.Context) (pgx.Tx, error) { return t, nil }

func (t NoopTx) Commit(context.Context) error {
	if t.b != nil {
		t.b.mu.Lock()
		t.b.Commits++
		t.b.mu.Unlock()
	}
	return nil
}

func (t NoopTx) Rollback(context.Context) error { return nil }

func (NoopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (NoopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (NoopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (NoopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (NoopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (NoopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (NoopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (NoopTx) Conn() *pgx.Conn { return nil }

// Beginner hands out NoopTx values and counts how many units began and committed.
type Beginner struct {
	mu      sync.Mutex
	Begins  int
	Commits int
	// Err, when set, is returned by Begin.
	Err error
}

func (b *Beginner) Begin(context.Context) (pgx.Tx, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return nil, b.Err
	}
	b.Begins++
	return NoopTx{b: b}, nil
}

// Counts returns the begin and commit counters.
func (b *Beginner) Counts() (begins, commits int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Begins, b.Commits
}

// Tx is a pgx.Tx whose fakes can register undo steps and lock releases,
// so in-memory stores roll back and hold row locks like PostgreSQL does.
type Tx struct {
	NoopTx
	mu         sync.Mutex
	done       bool
	onRollback []func()
	onEnd      []func()
}

// OnRollback registers fn to run, newest first, if the transaction rolls back.
func (t *Tx) OnRollback(fn func()) {
	t.mu.Lock()
	t.onRollback = append(t.onRollback, fn)
	t.mu.Unlock()
}

// OnEnd registers fn to run when the transaction commits or rolls back.
func (t *Tx) OnEnd(fn func()) {
	t.mu.Lock()
	t.onEnd = append(t.onEnd, fn)
	t.mu.Unlock()
}

func (t *Tx) Commit(ctx context.Context) error {
	if !t.finish(false) {
		return pgx.ErrTxClosed
	}
	return t.NoopTx.Commit(ctx)
}

func (t *Tx) Rollback(context.Context) error {
	if !t.finish(true) {
		return pgx.ErrTxClosed
	}
	return nil
}

func (t *Tx) finish(rollback bool) bool {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return false
	}
	t.done = true
	undo, end := t.onRollback, t.onEnd
	t.mu.Unlock()
	if rollback {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}
	for _, fn := range end {
		fn()
	}
	return true
}

// JournalBeginner hands out *Tx values.
type JournalBeginner struct {
	Beginner
}

func (b *JournalBeginner) Begin(ctx context.Context) (pgx.Tx, error) {
	if _, err := b.Beginner.Begin(ctx); err != nil {
		return nil, err
	}
	return &Tx{NoopTx: NoopTx{b: &b.Beginner}}, nil
}

// Journal returns the *Tx behind tx, or nil when tx was not created by a JournalBeginner.
func Journal(tx pgx.Tx) *Tx {
	t, _ := tx.(*Tx)
	return t
}
