package txn

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/flowrunner/internal/runtime/errors"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "handoff.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(`CREATE TABLE events (id INTEGER PRIMARY KEY AUTOINCREMENT, body TEXT NOT NULL)`)
	require.NoError(t, err)
	return db
}

func countEvents(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n))
	return n
}

// runOnWorker performs one insert on a separate goroutine through the handoff.
func runOnWorker(t *testing.T, h *Handoff, db *sql.DB, body string) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		wctx, err := h.BeginOnThisThread(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		q, err := Conn(wctx, db)
		if err != nil {
			errCh <- err
			return
		}
		if _, err := q.ExecContext(wctx, `INSERT INTO events (body) VALUES (?)`, body); err != nil {
			errCh <- err
			return
		}
		errCh <- h.EndOnThisThread(wctx)
	}()
	require.NoError(t, <-errCh)
}

func TestWorkerWriteCommitsWithOwnerTransaction(t *testing.T) {
	db := openSQLite(t)
	tm := NewLocalManager("", nil)

	ctx, scope, err := tm.Begin(context.Background(), Definition{Name: "handoff"})
	require.NoError(t, err)

	h, err := Acquire(ctx, tm)
	require.NoError(t, err)
	require.True(t, h.Active())
	assert.Same(t, scope.Transaction(), h.Transaction())

	_, err = Conn(ctx, db)
	assert.ErrorIs(t, err, errspkg.ErrNotOwner, "origin must not act while the transaction is handed off")

	runOnWorker(t, h, db, "from-worker")
	assert.Equal(t, 0, countEvents(t, db), "uncommitted write must not be visible")

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	q, err := Conn(ctx, db)
	require.NoError(t, err)
	_, err = q.ExecContext(ctx, `INSERT INTO events (body) VALUES (?)`, "from-origin")
	require.NoError(t, err)

	require.NoError(t, tm.Commit(ctx, scope))
	assert.Equal(t, 2, countEvents(t, db))
}

func TestWorkerWriteRollsBackWithOwnerTransaction(t *testing.T) {
	db := openSQLite(t)
	tm := NewLocalManager("", nil)

	ctx, scope, err := tm.Begin(context.Background(), Definition{})
	require.NoError(t, err)
	h, err := Acquire(ctx, tm)
	require.NoError(t, err)

	runOnWorker(t, h, db, "discarded")
	require.NoError(t, h.Close())
	require.NoError(t, tm.Rollback(ctx, scope))

	assert.Equal(t, 0, countEvents(t, db))
}

func TestHandoffHasSingleHolder(t *testing.T) {
	tm := NewLocalManager("", nil)
	ctx, scope, err := tm.Begin(context.Background(), Definition{})
	require.NoError(t, err)
	h, err := Acquire(ctx, tm)
	require.NoError(t, err)

	wctx, err := h.BeginOnThisThread(context.Background())
	require.NoError(t, err)
	assert.Same(t, scope.Transaction(), Current(wctx))

	_, err = h.BeginOnThisThread(context.Background())
	assert.ErrorIs(t, err, errspkg.ErrHandoffBusy)

	assert.ErrorIs(t, h.Close(), errspkg.ErrHandoffStillBound)

	assert.ErrorIs(t, h.EndOnThisThread(context.Background()), errspkg.ErrNotOwner)
	require.NoError(t, h.EndOnThisThread(wctx))
	assert.Nil(t, Current(wctx))

	require.NoError(t, h.Close())
	_, err = h.BeginOnThisThread(context.Background())
	assert.ErrorIs(t, err, errspkg.ErrHandoffClosed)

	require.NoError(t, tm.Commit(ctx, scope))
}

func TestHandoffWithoutTransactionAutoCommits(t *testing.T) {
	db := openSQLite(t)
	tm := NewLocalManager("", nil)

	h, err := Acquire(context.Background(), tm)
	require.NoError(t, err)
	assert.False(t, h.Active())
	assert.Nil(t, h.Transaction())

	runOnWorker(t, h, db, "auto")
	assert.Equal(t, 1, countEvents(t, db))
	require.NoError(t, h.Close())
}
