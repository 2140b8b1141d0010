// internal/kernel/tx.go
package kernel

import (
	"context"
	"database/sql"
	"fmt"
)

// Tx is a store transaction that collects post-commit hooks.
//
// Event emission and task enqueueing must happen after a successful commit,
// never from inside the transaction. Modules register the side effect with
// OnCommit and the kernel runs it once the commit has returned.
type Tx struct {
	tx    *sql.Tx
	hooks []func()
}

// ExecContext executes a statement inside the transaction.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

// QueryContext runs a query inside the transaction.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query inside the transaction.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// OnCommit registers fn to run after the transaction commits successfully.
// Hooks run in registration order, which preserves the causal order of
// events emitted for one logical change.
func (t *Tx) OnCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

// InTx runs fn inside a transaction. On success the post-commit hooks
// registered by fn run in order; on error the transaction is rolled back
// and no hook runs.
func (d *DB) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	raw, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	tx := &Tx{tx: raw}
	if err := fn(tx); err != nil {
		if rbErr := raw.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := raw.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, hook := range tx.hooks {
		hook()
	}
	return nil
}
