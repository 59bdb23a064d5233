package txn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/flowrunner/internal/runtime/errors"
)

type fakeResource struct {
	mu          sync.Mutex
	prepareErr  error
	commitErr   error
	prepared    bool
	committed   bool
	rolledBack  bool
	rollbackErr error
}

func (r *fakeResource) Prepare() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prepared = true
	return r.prepareErr
}

func (r *fakeResource) Commit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commitErr != nil {
		return r.commitErr
	}
	r.committed = true
	return nil
}

func (r *fakeResource) Rollback() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rolledBack = true
	return r.rollbackErr
}

func enlistFake(t *testing.T, ctx context.Context, key string, res *fakeResource) {
	t.Helper()
	got, err := Enlist(ctx, key, func(context.Context) (Resource, error) { return res, nil })
	require.NoError(t, err)
	require.Same(t, res, got)
}

func TestCommitPreparesThenCommitsAll(t *testing.T) {
	tm := NewLocalManager("", nil)
	ctx, scope, err := tm.Begin(context.Background(), Definition{})
	require.NoError(t, err)
	assert.True(t, scope.IsNew())
	assert.Same(t, scope.Transaction(), Current(ctx))

	a, b := &fakeResource{}, &fakeResource{}
	enlistFake(t, ctx, "a", a)
	enlistFake(t, ctx, "b", b)
	enlistFake(t, ctx, "a", a)

	require.NoError(t, tm.Commit(ctx, scope))
	assert.True(t, a.prepared && a.committed)
	assert.True(t, b.prepared && b.committed)
	assert.Equal(t, StateCommitted, scope.Transaction().State())
	assert.Nil(t, Current(ctx))

	assert.ErrorIs(t, tm.Commit(ctx, scope), errspkg.ErrNotOwner)
}

func TestPrepareFailureRollsBackEverything(t *testing.T) {
	tm := NewLocalManager("", nil)
	ctx, scope, err := tm.Begin(context.Background(), Definition{})
	require.NoError(t, err)

	a := &fakeResource{}
	b := &fakeResource{prepareErr: errors.New("vote no")}
	enlistFake(t, ctx, "a", a)
	enlistFake(t, ctx, "b", b)

	err = tm.Commit(ctx, scope)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vote no")
	assert.True(t, a.rolledBack)
	assert.True(t, b.rolledBack)
	assert.False(t, a.committed)
	assert.Equal(t, StateRolledBack, scope.Transaction().State())
	assert.Empty(t, tm.InDoubt())
}

func TestFirstCommitFailureIsNotInDoubt(t *testing.T) {
	tm := NewLocalManager("", nil)
	ctx, scope, err := tm.Begin(context.Background(), Definition{})
	require.NoError(t, err)

	a := &fakeResource{commitErr: errors.New("refused")}
	b := &fakeResource{}
	enlistFake(t, ctx, "a", a)
	enlistFake(t, ctx, "b", b)

	require.Error(t, tm.Commit(ctx, scope))
	assert.True(t, b.rolledBack)
	assert.Empty(t, tm.InDoubt())
}

func TestRequiredJoinsCurrentTransaction(t *testing.T) {
	tm := NewLocalManager("", nil)
	ctx, outer, err := tm.Begin(context.Background(), Definition{Name: "outer"})
	require.NoError(t, err)

	innerCtx, inner, err := tm.Begin(ctx, Definition{Name: "inner", Propagation: PropagationRequired})
	require.NoError(t, err)
	assert.False(t, inner.IsNew())
	assert.Same(t, outer.Transaction(), inner.Transaction())

	res := &fakeResource{}
	enlistFake(t, innerCtx, "db", res)

	require.NoError(t, tm.Rollback(innerCtx, inner))
	assert.Equal(t, StateMarkedRollback, outer.Transaction().State())

	err = tm.Commit(ctx, outer)
	assert.ErrorIs(t, err, errspkg.ErrRollbackOnly)
	assert.True(t, res.rolledBack)
}

func TestRequiresNewIsIndependentOfOuter(t *testing.T) {
	tm := NewLocalManager("", nil)
	ctx, outer, err := tm.Begin(context.Background(), Definition{Name: "outer"})
	require.NoError(t, err)
	outerRes := &fakeResource{}
	enlistFake(t, ctx, "db", outerRes)

	innerCtx, inner, err := tm.Begin(ctx, Definition{Name: "inner", Propagation: PropagationRequiresNew})
	require.NoError(t, err)
	assert.True(t, inner.IsNew())
	assert.NotSame(t, outer.Transaction(), inner.Transaction())
	assert.True(t, outer.Transaction().Suspended())
	assert.Nil(t, Current(ctx), "outer context must not act while suspended")

	innerRes := &fakeResource{}
	enlistFake(t, innerCtx, "db", innerRes)
	require.NoError(t, tm.Commit(innerCtx, inner))
	assert.True(t, innerRes.committed)

	assert.Same(t, outer.Transaction(), Current(ctx))
	require.NoError(t, tm.Rollback(ctx, outer))
	assert.True(t, outerRes.rolledBack)
	assert.False(t, outerRes.committed)
}

func TestCommitAfterTimeoutRollsBack(t *testing.T) {
	tm := NewLocalManager("", nil)
	ctx, scope, err := tm.Begin(context.Background(), Definition{Timeout: 10 * time.Millisecond})
	require.NoError(t, err)
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	txDeadline, _ := scope.Transaction().Deadline()
	assert.Equal(t, txDeadline, deadline)

	res := &fakeResource{}
	enlistFake(t, ctx, "db", res)

	tm.now = func() time.Time { return time.Now().Add(time.Second) }
	err = tm.Commit(ctx, scope)
	assert.ErrorIs(t, err, errspkg.ErrTransactionTimedOut)
	assert.True(t, res.rolledBack)
	assert.False(t, res.committed)
}

func TestOnlyOwnerMayEnlist(t *testing.T) {
	tm := NewLocalManager("", nil)
	ctx, scope, err := tm.Begin(context.Background(), Definition{})
	require.NoError(t, err)

	s, err := tm.Suspend(ctx)
	require.NoError(t, err)
	require.NotNil(t, s)

	_, err = Enlist(ctx, "db", func(context.Context) (Resource, error) { return &fakeResource{}, nil })
	assert.ErrorIs(t, err, errspkg.ErrNotOwner)
	assert.ErrorIs(t, tm.Commit(ctx, scope), errspkg.ErrNotOwner)

	resumed, err := tm.Resume(context.Background(), s)
	require.NoError(t, err)
	_, err = tm.Resume(context.Background(), s)
	assert.ErrorIs(t, err, errspkg.ErrSuspendedConsumed)

	require.NoError(t, tm.Commit(resumed, scope))
}

func TestSuspendWithoutTransaction(t *testing.T) {
	tm := NewLocalManager("", nil)
	s, err := tm.Suspend(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, s)

	ctx, err := tm.Resume(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, Current(ctx))
}

func TestShutdownMarksRunningRollbackOnly(t *testing.T) {
	tm := NewLocalManager("uid-x", nil)
	ctx, scope, err := tm.Begin(context.Background(), Definition{})
	require.NoError(t, err)

	pending, err := tm.Shutdown(context.Background())
	require.NoError(t, err)
	assert.False(t, pending)
	assert.Equal(t, StateMarkedRollback, scope.Transaction().State())
	assert.ErrorIs(t, tm.Commit(ctx, scope), errspkg.ErrRollbackOnly)

	_, _, err = tm.Begin(context.Background(), Definition{})
	assert.Error(t, err)
}

func TestPropagationString(t *testing.T) {
	assert.Equal(t, "REQUIRED", PropagationRequired.String())
	assert.Equal(t, "REQUIRES_NEW", PropagationRequiresNew.String())
	assert.Contains(t, NewLocalManager("x", nil).UID(), "x")
}
