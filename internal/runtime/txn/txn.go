// Package txn provides the transaction abstraction used by receivers: a
// Manager that begins and completes transactions carried in a context, the
// LocalManager engine, SQL enlistment, the StatusRecordingManager that
// persists the uid and status files for crash recovery, and Handoff for
// moving a live transaction to another goroutine and back.
//
// A transaction is bound to exactly one owner at a time. The owner is an
// opaque token stored in the context returned by Begin or Resume; only a
// context carrying the current token may enlist resources, suspend, commit
// or roll back.
package txn

import (
	"context"
	"sync/atomic"
	"time"
)

// Propagation decides how Begin treats a transaction already in the context.
type Propagation int

const (
	// PropagationRequired joins the current transaction or starts one.
	PropagationRequired Propagation = iota
	// PropagationRequiresNew suspends the current transaction, if any, and
	// starts an independent one.
	PropagationRequiresNew
)

func (p Propagation) String() string {
	switch p {
	case PropagationRequired:
		return "REQUIRED"
	case PropagationRequiresNew:
		return "REQUIRES_NEW"
	default:
		return "UNKNOWN"
	}
}

// Definition describes a transaction to begin.
type Definition struct {
	Name        string
	Propagation Propagation
	// Timeout bounds the transaction. Zero means no timeout.
	Timeout time.Duration
}

// Resource is a participant enlisted in a transaction.
type Resource interface {
	Commit() error
	Rollback() error
}

// Preparer is implemented by resources that can vote before commit.
type Preparer interface {
	Prepare() error
}

// Manager begins and completes transactions.
type Manager interface {
	Begin(ctx context.Context, def Definition) (context.Context, *Scope, error)
	Commit(ctx context.Context, scope *Scope) error
	Rollback(ctx context.Context, scope *Scope) error
	// Suspend detaches the transaction owned by ctx. It returns nil, nil when
	// ctx carries no active transaction.
	Suspend(ctx context.Context) (*Suspended, error)
	// Resume binds a suspended transaction to a fresh owner derived from ctx.
	Resume(ctx context.Context, s *Suspended) (context.Context, error)
}

// Engine is the pluggable underlying transaction manager.
type Engine interface {
	Manager
	UID() string
	Start(ctx context.Context) error
	// Shutdown stops the engine and reports whether transactions remain
	// unresolved. It may be called again after an external recovery pass.
	Shutdown(ctx context.Context) (pending bool, err error)
}

// EngineFactory creates an engine. An empty uid asks the engine to generate
// its own identity.
type EngineFactory func(uid string) (Engine, error)

// ownerToken must not be zero sized: its pointer identity marks the owner.
type ownerToken struct {
	seq uint64
}

var ownerSeq atomic.Uint64

func newOwner() *ownerToken {
	return &ownerToken{seq: ownerSeq.Add(1)}
}

type bindingKey struct{}

type binding struct {
	tx    *Transaction
	owner *ownerToken
}

func withBinding(ctx context.Context, tx *Transaction, owner *ownerToken) context.Context {
	return context.WithValue(ctx, bindingKey{}, binding{tx: tx, owner: owner})
}

func bindingFrom(ctx context.Context) (binding, bool) {
	if ctx == nil {
		return binding{}, false
	}
	b, ok := ctx.Value(bindingKey{}).(binding)
	return b, ok && b.tx != nil
}

// Current returns the transaction owned by ctx, or nil when ctx carries none,
// carries one it no longer owns, or the transaction has completed.
func Current(ctx context.Context) *Transaction {
	b, ok := bindingFrom(ctx)
	if !ok {
		return nil
	}
	if !b.tx.ownedBy(b.owner) || b.tx.State().Completed() {
		return nil
	}
	return b.tx
}
