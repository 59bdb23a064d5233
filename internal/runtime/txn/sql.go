package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	errspkg "github.com/drblury/flowrunner/internal/runtime/errors"
)

// Querier is the statement surface shared by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlResource struct {
	tx *sql.Tx
}

func (r *sqlResource) Commit() error { return r.tx.Commit() }

func (r *sqlResource) Rollback() error {
	if err := r.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// SQLTx returns the *sql.Tx enlisted for db in the transaction owned by ctx,
// beginning it on first use. The database transaction outlives cancellation
// of ctx; it ends when the owning transaction commits or rolls back.
func SQLTx(ctx context.Context, db *sql.DB) (*sql.Tx, error) {
	res, err := Enlist(ctx, db, func(ctx context.Context) (Resource, error) {
		tx, err := db.BeginTx(context.WithoutCancel(ctx), nil)
		if err != nil {
			return nil, fmt.Errorf("begin sql transaction: %w", err)
		}
		return &sqlResource{tx: tx}, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*sqlResource).tx, nil
}

// Conn returns the enlisted *sql.Tx when ctx owns a transaction and db
// otherwise, in which case every statement auto-commits. A ctx whose
// transaction is currently suspended gets ErrNotOwner instead of db.
func Conn(ctx context.Context, db *sql.DB) (Querier, error) {
	if Current(ctx) == nil {
		if b, ok := bindingFrom(ctx); ok && !b.tx.State().Completed() && !b.tx.ownedBy(b.owner) {
			return nil, fmt.Errorf("%w: %s", errspkg.ErrNotOwner, b.tx.ID())
		}
		return db, nil
	}
	return SQLTx(ctx, db)
}
