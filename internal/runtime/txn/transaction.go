package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	errspkg "github.com/drblury/flowrunner/internal/runtime/errors"
)

// State of a transaction.
type State int

const (
	StateActive State = iota
	StateMarkedRollback
	StateCommitted
	StateRolledBack
	StateInDoubt
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateMarkedRollback:
		return "MARKED_ROLLBACK"
	case StateCommitted:
		return "COMMITTED"
	case StateRolledBack:
		return "ROLLED_BACK"
	case StateInDoubt:
		return "IN_DOUBT"
	default:
		return "UNKNOWN"
	}
}

// Completed reports whether the transaction has reached an outcome.
func (s State) Completed() bool {
	return s == StateCommitted || s == StateRolledBack || s == StateInDoubt
}

type enlisted struct {
	key      any
	resource Resource
}

// bundle is the set of resources enlisted in a transaction. It travels with
// ownership: whoever owns the transaction holds the bundle.
type bundle struct {
	resources []enlisted
}

func (b *bundle) lookup(key any) (Resource, bool) {
	for _, e := range b.resources {
		if e.key == key {
			return e.resource, true
		}
	}
	return nil, false
}

// Transaction is a unit of work spanning the resources enlisted in it.
type Transaction struct {
	id       string
	def      Definition
	deadline time.Time

	mu     sync.Mutex
	state  State
	owner  *ownerToken
	bundle *bundle
}

func newTransaction(id string, def Definition) *Transaction {
	tx := &Transaction{id: id, def: def, state: StateActive}
	if def.Timeout > 0 {
		tx.deadline = time.Now().Add(def.Timeout)
	}
	return tx
}

func (tx *Transaction) ID() string             { return tx.id }
func (tx *Transaction) Definition() Definition { return tx.def }

// Deadline returns the timeout deadline, if the transaction has one.
func (tx *Transaction) Deadline() (time.Time, bool) {
	return tx.deadline, !tx.deadline.IsZero()
}

func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Suspended reports whether no owner currently holds the transaction.
func (tx *Transaction) Suspended() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.owner == nil && !tx.state.Completed()
}

// SetRollbackOnly makes the eventual Commit roll back.
func (tx *Transaction) SetRollbackOnly() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state == StateActive {
		tx.state = StateMarkedRollback
	}
}

func (tx *Transaction) String() string {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	n := 0
	if tx.bundle != nil {
		n = len(tx.bundle.resources)
	}
	return fmt.Sprintf("tx{id=%s propagation=%s timeout=%s state=%s resources=%d}",
		tx.id, tx.def.Propagation, tx.def.Timeout, tx.state, n)
}

func (tx *Transaction) ownedBy(owner *ownerToken) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return owner != nil && tx.owner == owner
}

func (tx *Transaction) expired(now time.Time) bool {
	return !tx.deadline.IsZero() && now.After(tx.deadline)
}

// checkOwnerLocked validates that ctx carries the current owner token.
func (tx *Transaction) checkOwnerLocked(ctx context.Context) error {
	b, ok := bindingFrom(ctx)
	if !ok || b.tx != tx || b.owner == nil || b.owner != tx.owner {
		return fmt.Errorf("%w: %s", errspkg.ErrNotOwner, tx.id)
	}
	if tx.state.Completed() {
		return fmt.Errorf("%w: %s", errspkg.ErrTransactionCompleted, tx.id)
	}
	return nil
}

// Enlist returns the resource registered under key, opening and enlisting it
// on first use. Only the owner may enlist.
func Enlist(ctx context.Context, key any, open func(context.Context) (Resource, error)) (Resource, error) {
	b, ok := bindingFrom(ctx)
	if !ok {
		return nil, errspkg.ErrNoTransaction
	}
	tx := b.tx
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkOwnerLocked(ctx); err != nil {
		return nil, err
	}
	if res, found := tx.bundle.lookup(key); found {
		return res, nil
	}
	res, err := open(ctx)
	if err != nil {
		return nil, err
	}
	tx.bundle.resources = append(tx.bundle.resources, enlisted{key: key, resource: res})
	return res, nil
}

// Suspended is a transaction detached from its owner together with its
// resource bundle. It can be resumed exactly once.
type Suspended struct {
	tx       *Transaction
	bundle   *bundle
	origin   *ownerToken
	consumed atomic.Bool
}

// Transaction returns the suspended transaction.
func (s *Suspended) Transaction() *Transaction { return s.tx }

func suspend(ctx context.Context) (*Suspended, error) {
	b, ok := bindingFrom(ctx)
	if !ok {
		return nil, nil
	}
	tx := b.tx
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state.Completed() {
		return nil, nil
	}
	if err := tx.checkOwnerLocked(ctx); err != nil {
		return nil, err
	}
	s := &Suspended{tx: tx, bundle: tx.bundle, origin: tx.owner}
	tx.owner = nil
	tx.bundle = nil
	return s, nil
}

// resumeOnto binds s to owner. It fails if s was already resumed.
func (s *Suspended) resumeOnto(owner *ownerToken) error {
	if !s.consumed.CompareAndSwap(false, true) {
		return errspkg.ErrSuspendedConsumed
	}
	tx := s.tx
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.owner != nil {
		return fmt.Errorf("%w: %s is bound elsewhere", errspkg.ErrNotOwner, tx.id)
	}
	tx.owner = owner
	tx.bundle = s.bundle
	return nil
}

func resume(ctx context.Context, s *Suspended) (context.Context, error) {
	if s == nil {
		return ctx, nil
	}
	owner := newOwner()
	if err := s.resumeOnto(owner); err != nil {
		return ctx, err
	}
	return withBinding(ctx, s.tx, owner), nil
}

// ResumeOrigin hands s back to the owner it was suspended from, making the
// context that owned it before Suspend valid again.
func ResumeOrigin(s *Suspended) error {
	if s == nil {
		return nil
	}
	return s.resumeOnto(s.origin)
}

// complete commits or rolls back the bundle. Caller holds tx.mu and has
// checked ownership.
func (tx *Transaction) completeLocked(commit bool) error {
	resources := tx.bundle.resources
	if !commit {
		var errs []error
		for i := len(resources) - 1; i >= 0; i-- {
			if err := resources[i].resource.Rollback(); err != nil {
				errs = append(errs, err)
			}
		}
		tx.state = StateRolledBack
		return errors.Join(errs...)
	}

	for i, e := range resources {
		p, ok := e.resource.(Preparer)
		if !ok {
			continue
		}
		if err := p.Prepare(); err != nil {
			rbErr := tx.completeLocked(false)
			return errors.Join(fmt.Errorf("prepare resource %d of %s: %w", i, tx.id, err), rbErr)
		}
	}

	for i, e := range resources {
		if err := e.resource.Commit(); err != nil {
			if i == 0 {
				rest := resources[1:]
				var errs []error
				for j := len(rest) - 1; j >= 0; j-- {
					if rbErr := rest[j].resource.Rollback(); rbErr != nil {
						errs = append(errs, rbErr)
					}
				}
				tx.state = StateRolledBack
				return errors.Join(append([]error{fmt.Errorf("commit %s: %w", tx.id, err)}, errs...)...)
			}
			tx.state = StateInDoubt
			return fmt.Errorf("%w: %s committed %d of %d resources: %v",
				errspkg.ErrHeuristicOutcome, tx.id, i, len(resources), err)
		}
	}
	tx.state = StateCommitted
	return nil
}
