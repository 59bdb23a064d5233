package txn

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	errspkg "github.com/drblury/flowrunner/internal/runtime/errors"
	"github.com/drblury/flowrunner/internal/runtime/logging"
)

// Scope is the result of one Begin call. A scope that joined an existing
// transaction does not complete it: its Commit is a no-op and its Rollback
// only marks the transaction rollback-only.
type Scope struct {
	tx     *Transaction
	isNew  bool
	outer  *Suspended
	cancel context.CancelFunc
	done   atomic.Bool
}

func (s *Scope) Transaction() *Transaction { return s.tx }

// IsNew reports whether this scope started the transaction.
func (s *Scope) IsNew() bool { return s.isNew }

// LocalManager is an in-process engine. It runs commit as prepare followed by
// commit over the enlisted resources, in enlistment order, and records a
// transaction as in doubt when some resources committed and a later one
// failed. Those are what Shutdown reports as pending.
type LocalManager struct {
	uid    string
	logger logging.ServiceLogger
	now    func() time.Time

	seq atomic.Uint64

	mu      sync.Mutex
	active  map[string]*Transaction
	inDoubt map[string]*Transaction
	stopped bool
}

// NewLocalManager returns an engine with the given identity. An empty uid
// generates one.
func NewLocalManager(uid string, logger logging.ServiceLogger) *LocalManager {
	if uid == "" {
		uid = "tm-" + uuid.NewString()
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &LocalManager{
		uid:     uid,
		logger:  logger.With(logging.LogFields{"tm_uid": uid}),
		now:     time.Now,
		active:  make(map[string]*Transaction),
		inDoubt: make(map[string]*Transaction),
	}
}

// LocalEngineFactory is the default EngineFactory.
func LocalEngineFactory(logger logging.ServiceLogger) EngineFactory {
	return func(uid string) (Engine, error) {
		return NewLocalManager(uid, logger), nil
	}
}

func (m *LocalManager) UID() string { return m.uid }

func (m *LocalManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = false
	m.logger.Info("Transaction manager started", nil)
	return nil
}

func (m *LocalManager) Begin(ctx context.Context, def Definition) (context.Context, *Scope, error) {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return ctx, nil, fmt.Errorf("flowrunner: transaction manager %s is shut down", m.uid)
	}

	current := Current(ctx)
	if current != nil && def.Propagation == PropagationRequired {
		return ctx, &Scope{tx: current}, nil
	}

	var outer *Suspended
	if current != nil {
		s, err := suspend(ctx)
		if err != nil {
			return ctx, nil, err
		}
		outer = s
	}

	id := fmt.Sprintf("%s-%d", m.uid, m.seq.Add(1))
	tx := newTransaction(id, def)
	owner := newOwner()
	tx.owner = owner
	tx.bundle = &bundle{}

	txCtx := withBinding(ctx, tx, owner)
	scope := &Scope{tx: tx, isNew: true, outer: outer}
	if deadline, ok := tx.Deadline(); ok {
		txCtx, scope.cancel = context.WithDeadline(txCtx, deadline)
	}

	m.mu.Lock()
	m.active[id] = tx
	m.mu.Unlock()

	m.logger.Trace("Transaction begun", logging.LogFields{
		"tx_id":       id,
		"propagation": def.Propagation.String(),
		"name":        def.Name,
	})
	return txCtx, scope, nil
}

func (m *LocalManager) Commit(ctx context.Context, scope *Scope) error {
	return m.complete(ctx, scope, true)
}

func (m *LocalManager) Rollback(ctx context.Context, scope *Scope) error {
	return m.complete(ctx, scope, false)
}

func (m *LocalManager) complete(ctx context.Context, scope *Scope, commit bool) error {
	if scope == nil || scope.tx == nil {
		return errspkg.ErrNoTransaction
	}
	tx := scope.tx

	if !scope.isNew {
		if !scope.done.CompareAndSwap(false, true) {
			return errspkg.ErrTransactionCompleted
		}
		if !commit {
			tx.SetRollbackOnly()
		}
		return nil
	}

	tx.mu.Lock()
	if err := tx.checkOwnerLocked(ctx); err != nil {
		tx.mu.Unlock()
		return err
	}
	if !scope.done.CompareAndSwap(false, true) {
		tx.mu.Unlock()
		return errspkg.ErrTransactionCompleted
	}

	var err error
	switch {
	case !commit:
		err = tx.completeLocked(false)
	case tx.expired(m.now()):
		rbErr := tx.completeLocked(false)
		err = fmt.Errorf("%w: %s after %s", errspkg.ErrTransactionTimedOut, tx.id, tx.def.Timeout)
		if rbErr != nil {
			err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
	case tx.state == StateMarkedRollback:
		rbErr := tx.completeLocked(false)
		err = fmt.Errorf("%w: %s", errspkg.ErrRollbackOnly, tx.id)
		if rbErr != nil {
			err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
	default:
		err = tx.completeLocked(true)
	}
	state := tx.state
	tx.owner = nil
	tx.mu.Unlock()

	if scope.cancel != nil {
		scope.cancel()
	}

	m.mu.Lock()
	delete(m.active, tx.id)
	if state == StateInDoubt {
		m.inDoubt[tx.id] = tx
	}
	m.mu.Unlock()

	if state == StateInDoubt {
		m.logger.Error("Transaction outcome in doubt", err, logging.LogFields{"tx_id": tx.id})
	} else {
		m.logger.Trace("Transaction completed", logging.LogFields{"tx_id": tx.id, "state": state.String()})
	}

	if scope.outer != nil {
		if resumeErr := ResumeOrigin(scope.outer); resumeErr != nil && err == nil {
			err = resumeErr
		}
	}
	return err
}

func (m *LocalManager) Suspend(ctx context.Context) (*Suspended, error) {
	return suspend(ctx)
}

func (m *LocalManager) Resume(ctx context.Context, s *Suspended) (context.Context, error) {
	return resume(ctx, s)
}

// InDoubt lists the ids of transactions awaiting external recovery.
func (m *LocalManager) InDoubt() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.inDoubt))
	for id := range m.inDoubt {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve clears an in-doubt transaction once an external recovery process
// has settled it.
func (m *LocalManager) Resolve(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inDoubt[id]; !ok {
		return false
	}
	delete(m.inDoubt, id)
	m.logger.Info("In-doubt transaction resolved", logging.LogFields{"tx_id": id})
	return true
}

// Shutdown marks transactions still running as rollback-only and reports
// whether any transaction is in doubt.
func (m *LocalManager) Shutdown(ctx context.Context) (bool, error) {
	m.mu.Lock()
	m.stopped = true
	running := make([]*Transaction, 0, len(m.active))
	for _, tx := range m.active {
		running = append(running, tx)
	}
	pending := len(m.inDoubt)
	m.mu.Unlock()

	for _, tx := range running {
		tx.SetRollbackOnly()
	}
	if len(running) > 0 {
		m.logger.Warn("Transactions still running at shutdown were marked rollback-only", logging.LogFields{"count": len(running)})
	}
	m.logger.Info("Transaction manager shut down", logging.LogFields{"pending": pending})
	return pending > 0, nil
}
