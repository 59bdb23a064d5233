package txn

import (
	"context"
	"fmt"
	"sync"

	errspkg "github.com/drblury/flowrunner/internal/runtime/errors"
)

// Handoff moves a live transaction from the goroutine that owns it to a
// worker goroutine and back. The suspended resource bundle sits in a single
// slot; whoever takes it out is the only holder until it is put back.
//
//	h, err := txn.Acquire(ctx, tm)
//	defer h.Close()
//	go func() {
//		wctx, err := h.BeginOnThisThread(context.Background())
//		...
//		h.EndOnThisThread(wctx)
//	}()
//
// When ctx carries no active transaction the handoff is a no-op and work on
// the worker auto-commits statement by statement.
type Handoff struct {
	tm     Manager
	tx     *Transaction
	origin *ownerToken
	slot   chan *Suspended

	mu     sync.Mutex
	closed bool
}

// Acquire suspends the transaction owned by ctx and parks it in the handoff.
func Acquire(ctx context.Context, tm Manager) (*Handoff, error) {
	s, err := tm.Suspend(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return &Handoff{tm: tm}, nil
	}
	h := &Handoff{
		tm:     tm,
		tx:     s.tx,
		origin: s.origin,
		slot:   make(chan *Suspended, 1),
	}
	h.slot <- s
	return h, nil
}

// Active reports whether the handoff carries a transaction.
func (h *Handoff) Active() bool { return h.tx != nil }

// Transaction returns the carried transaction, or nil for a no-op handoff.
func (h *Handoff) Transaction() *Transaction { return h.tx }

// BeginOnThisThread binds the transaction to the calling worker. Operations
// that use the returned context participate in the transaction.
func (h *Handoff) BeginOnThisThread(ctx context.Context) (context.Context, error) {
	if h.tx == nil {
		return ctx, nil
	}
	if h.isClosed() {
		return ctx, errspkg.ErrHandoffClosed
	}
	select {
	case s := <-h.slot:
		workerCtx, err := h.tm.Resume(ctx, s)
		if err != nil {
			return ctx, err
		}
		return workerCtx, nil
	default:
		return ctx, fmt.Errorf("%w: %s", errspkg.ErrHandoffBusy, h.tx.ID())
	}
}

// EndOnThisThread detaches the transaction from the worker context returned
// by BeginOnThisThread and parks it again.
func (h *Handoff) EndOnThisThread(workerCtx context.Context) error {
	if h.tx == nil {
		return nil
	}
	s, err := h.tm.Suspend(workerCtx)
	if err != nil {
		return err
	}
	if s == nil || s.tx != h.tx {
		return fmt.Errorf("%w: context does not hold %s", errspkg.ErrNotOwner, h.tx.ID())
	}
	h.slot <- s
	return nil
}

// Close hands the transaction back to the goroutine that called Acquire. It
// is safe to call more than once. If a worker still holds the transaction,
// Close returns ErrHandoffStillBound and the worker keeps it.
func (h *Handoff) Close() error {
	if h.tx == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	select {
	case s := <-h.slot:
		if err := s.resumeOnto(h.origin); err != nil {
			return err
		}
		h.closed = true
		return nil
	default:
		return fmt.Errorf("%w: %s", errspkg.ErrHandoffStillBound, h.tx.ID())
	}
}

func (h *Handoff) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
