package txn

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/flowrunner/internal/runtime/errors"
)

// fakeEngine wraps a LocalManager and lets tests decide what Shutdown reports.
type fakeEngine struct {
	*LocalManager
	mu        sync.Mutex
	pending   []bool
	shutdowns int
	starts    int
}

func (f *fakeEngine) Start(ctx context.Context) error {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
	return f.LocalManager.Start(ctx)
}

func (f *fakeEngine) Shutdown(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	if len(f.pending) == 0 {
		return false, nil
	}
	p := f.pending[0]
	f.pending = f.pending[1:]
	return p, nil
}

func tmFiles(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "tm", "status.txt"), filepath.Join(dir, "tm", "uid.txt")
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	v, found, err := ReadToken(path)
	require.NoError(t, err)
	require.True(t, found, "expected %s to exist", path)
	return v
}

func TestFreshManagerWritesActiveThenCompleted(t *testing.T) {
	statusFile, uidFile := tmFiles(t)
	tm, err := NewStatusRecordingManager(StatusRecordingConfig{StatusFile: statusFile, UIDFile: uidFile})
	require.NoError(t, err)

	require.NoError(t, tm.Start(context.Background()))
	assert.Equal(t, "ACTIVE", readFile(t, statusFile))
	uid := readFile(t, uidFile)
	assert.NotEmpty(t, uid)
	assert.Equal(t, uid, tm.UID())
	assert.Equal(t, StatusActive, tm.Status())

	require.NoError(t, tm.Destroy(context.Background()))
	assert.Equal(t, "COMPLETED", readFile(t, statusFile))
	assert.Equal(t, uid, readFile(t, uidFile))
}

func TestPresetUIDWins(t *testing.T) {
	statusFile, uidFile := tmFiles(t)
	require.NoError(t, WriteToken(uidFile, "fakeTmUid\n"))

	var created []string
	tm, err := NewStatusRecordingManager(StatusRecordingConfig{
		StatusFile: statusFile,
		UIDFile:    uidFile,
		Factory: func(uid string) (Engine, error) {
			created = append(created, uid)
			return NewLocalManager(uid, nil), nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, tm.Start(context.Background()))
	assert.Equal(t, "fakeTmUid", tm.UID())
	assert.Equal(t, "ACTIVE", readFile(t, statusFile))
	assert.Equal(t, []string{"fakeTmUid"}, created)
	assert.Equal(t, "fakeTmUid", tm.Engine().UID())
}

func TestEmptyUIDFileGeneratesIdentity(t *testing.T) {
	statusFile, uidFile := tmFiles(t)
	require.NoError(t, WriteToken(uidFile, "   \n"))

	tm, err := NewStatusRecordingManager(StatusRecordingConfig{StatusFile: statusFile, UIDFile: uidFile})
	require.NoError(t, err)
	require.NoError(t, tm.Start(context.Background()))

	assert.NotEmpty(t, tm.UID())
	assert.Equal(t, tm.UID(), readFile(t, uidFile))
}

func TestPendingShutdownThenRecovery(t *testing.T) {
	statusFile, uidFile := tmFiles(t)
	engine := &fakeEngine{LocalManager: NewLocalManager("uid-1", nil), pending: []bool{true, false}}
	var statuses []RecoveryStatus
	tm, err := NewStatusRecordingManager(StatusRecordingConfig{
		StatusFile: statusFile,
		UIDFile:    uidFile,
		Factory:    func(string) (Engine, error) { return engine, nil },
		OnStatus:   func(s RecoveryStatus) { statuses = append(statuses, s) },
	})
	require.NoError(t, err)
	require.NoError(t, tm.Start(context.Background()))
	assert.Equal(t, 1, engine.starts)

	uidBefore, err := os.ReadFile(uidFile)
	require.NoError(t, err)

	require.NoError(t, tm.Destroy(context.Background()))
	assert.Equal(t, "PENDING", readFile(t, statusFile))
	uidAfter, err := os.ReadFile(uidFile)
	require.NoError(t, err)
	assert.Equal(t, uidBefore, uidAfter)

	require.NoError(t, tm.Destroy(context.Background()))
	assert.Equal(t, "COMPLETED", readFile(t, statusFile))
	assert.Equal(t, []RecoveryStatus{StatusActive, StatusPending, StatusCompleted}, statuses)
	assert.Equal(t, 2, engine.shutdowns)
}

func TestInDoubtTransactionKeepsStatusPendingUntilResolved(t *testing.T) {
	statusFile, uidFile := tmFiles(t)
	tm, err := NewStatusRecordingManager(StatusRecordingConfig{StatusFile: statusFile, UIDFile: uidFile})
	require.NoError(t, err)
	require.NoError(t, tm.Start(context.Background()))

	ctx, scope, err := tm.Begin(context.Background(), Definition{Name: "two-resources"})
	require.NoError(t, err)
	enlistFake(t, ctx, "first", &fakeResource{})
	enlistFake(t, ctx, "second", &fakeResource{commitErr: errors.New("participant crashed")})

	err = tm.Commit(ctx, scope)
	require.ErrorIs(t, err, errspkg.ErrHeuristicOutcome)

	require.NoError(t, tm.Destroy(context.Background()))
	assert.Equal(t, "PENDING", readFile(t, statusFile))

	local := tm.Engine().(*LocalManager)
	ids := local.InDoubt()
	require.Len(t, ids, 1)
	assert.True(t, local.Resolve(ids[0]))

	require.NoError(t, tm.Destroy(context.Background()))
	assert.Equal(t, "COMPLETED", readFile(t, statusFile))
}

func TestStartAbortsWhenStatusFileCannotBeWritten(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	tm, err := NewStatusRecordingManager(StatusRecordingConfig{
		StatusFile: filepath.Join(blocker, "status.txt"),
		UIDFile:    filepath.Join(dir, "uid.txt"),
	})
	require.NoError(t, err)

	err = tm.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errspkg.ErrStatusFile))
	assert.Equal(t, RecoveryStatus(""), tm.Status())

	_, _, err = tm.Begin(context.Background(), Definition{})
	assert.ErrorIs(t, err, errspkg.ErrNoTransaction)
}

func TestNewStatusRecordingManagerRequiresPaths(t *testing.T) {
	_, err := NewStatusRecordingManager(StatusRecordingConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status file")
	assert.Contains(t, err.Error(), "uid file")
}

func TestDestroyBeforeStartIsNoop(t *testing.T) {
	statusFile, uidFile := tmFiles(t)
	tm, err := NewStatusRecordingManager(StatusRecordingConfig{StatusFile: statusFile, UIDFile: uidFile})
	require.NoError(t, err)
	require.NoError(t, tm.Destroy(context.Background()))
	_, found, err := ReadToken(statusFile)
	require.NoError(t, err)
	assert.False(t, found)
}
