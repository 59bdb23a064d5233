package receiver

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/flowrunner/internal/runtime/config"
	"github.com/drblury/flowrunner/internal/runtime/ids"
	"github.com/drblury/flowrunner/internal/runtime/listener"
	"github.com/drblury/flowrunner/internal/runtime/logging"
	"github.com/drblury/flowrunner/internal/runtime/metadata"
	"github.com/drblury/flowrunner/internal/runtime/txn"
)

const (
	// suspendNoticeAfter is the retry wait above which the ops log reports the
	// receiver as suspended.
	suspendNoticeAfter = time.Minute
	// pollFailureThreshold consecutive poll failures trigger the OnError policy.
	pollFailureThreshold = 5
)

func (r *Receiver) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.cfg.RetryInterval,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         r.cfg.MaxRetryInterval,
	}
	b.Reset()
	return b
}

// runContainer is one polling goroutine of a pulling listener.
func (r *Receiver) runContainer(ctx context.Context, pl listener.PullingListener, worker int) {
	defer r.workers.Done()

	logger := r.logger.With(logging.LogFields{"worker": worker})
	bo := r.newBackOff()
	failures := 0

	for ctx.Err() == nil {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
		}

		got, err := r.pollOnce(ctx, pl)
		r.ReportPoll(r.now())

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			wait := bo.NextBackOff()
			logger.Warn("Poll failed", logging.LogFields{
				"error":    err.Error(),
				"failures": failures,
				"retry_in": wait.String(),
			})
			if wait > suspendNoticeAfter {
				r.ops.Warn("Receiver %s suspended for %s after poll failures: %v", r.name, wait, err)
			}
			if failures >= pollFailureThreshold {
				if r.applyOnError(err) {
					return
				}
				failures = 0
			}
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		failures = 0
		bo.Reset()
		if !got && !sleep(ctx, r.cfg.PollInterval) {
			return
		}
	}
}

// applyOnError runs the OnError policy and reports whether the goroutine
// should exit.
func (r *Receiver) applyOnError(cause error) bool {
	err := fmt.Errorf("%d consecutive poll failures: %w", pollFailureThreshold, cause)
	switch r.cfg.OnError {
	case config.OnErrorRecover:
		r.enterError(err)
		return true
	case config.OnErrorClose:
		r.ops.Error("Receiver %s closing: %v", r.name, err)
		// Stop waits for this goroutine, so it must run elsewhere.
		go r.Stop()
		return true
	default:
		r.ops.Warn("Receiver %s continues after %v", r.name, err)
		return false
	}
}

// pollOnce fetches and handles at most one message. It reports whether a
// message was found.
func (r *Receiver) pollOnce(ctx context.Context, pl listener.PullingListener) (bool, error) {
	// Message processing survives cancellation of the container so that Stop
	// can drain it.
	workCtx := context.WithoutCancel(ctx)

	if !r.cfg.Transacted {
		raw, err := pl.Poll(ctx)
		if err != nil || raw == nil {
			return false, err
		}
		if r.dispatch(workCtx, raw) {
			if err := raw.Ack(workCtx); err != nil {
				r.logger.Error("Ack failed", err, logging.LogFields{"message_id": raw.ID})
			}
		} else if err := raw.Nack(workCtx); err != nil {
			r.logger.Error("Nack failed", err, logging.LogFields{"message_id": raw.ID})
		}
		return true, nil
	}

	txCtx, scope, err := r.tm.Begin(workCtx, txn.Definition{
		Name:        r.name,
		Propagation: txn.PropagationRequiresNew,
		Timeout:     r.cfg.TransactionTimeout,
	})
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}

	raw, err := pl.Poll(txCtx)
	if err != nil || raw == nil {
		r.rollback(txCtx, scope)
		return false, err
	}

	ok := r.dispatch(txCtx, raw)
	if ok {
		if err := raw.Ack(txCtx); err != nil {
			r.logger.Error("Ack failed inside transaction", err, logging.LogFields{"message_id": raw.ID})
			ok = false
		}
	}
	if ok {
		if err := r.tm.Commit(txCtx, scope); err != nil {
			r.logger.Error("Commit failed", err, logging.LogFields{"message_id": raw.ID})
			r.ops.Error("Receiver %s could not commit message %s: %v", r.name, raw.ID, err)
			r.nack(workCtx, raw)
		}
		return true, nil
	}

	r.rollback(txCtx, scope)
	r.nack(workCtx, raw)
	return true, nil
}

func (r *Receiver) rollback(txCtx context.Context, scope *txn.Scope) {
	if err := r.tm.Rollback(txCtx, scope); err != nil {
		r.logger.Error("Rollback failed", err, nil)
	}
}

func (r *Receiver) nack(ctx context.Context, raw *listener.RawMessage) {
	if err := raw.Nack(ctx); err != nil {
		r.logger.Error("Nack failed", err, logging.LogFields{"message_id": raw.ID})
	}
}

// dispatch routes a message that exceeded its delivery limit to the error
// topic and hands anything else to Handle. It reports success.
func (r *Receiver) dispatch(ctx context.Context, raw *listener.RawMessage) bool {
	return r.deliver(ctx, raw.CorrelationID, raw).OK()
}

func (r *Receiver) deliver(ctx context.Context, correlationID string, raw *listener.RawMessage) listener.Result {
	if raw == nil {
		return r.Handle(ctx, correlationID, raw)
	}
	count := r.deliveryCount(raw)
	if limit := r.deliveryLimit(); limit > 0 && count > limit {
		if err := r.deadLetter(ctx, raw, count); err != nil {
			r.logger.Error("Routing to error topic failed", err, logging.LogFields{
				"message_id":  raw.ID,
				"error_topic": r.cfg.ErrorTopic,
			})
			return listener.Result{CorrelationID: correlationID, Payload: err.Error(), State: listener.StateError, Err: err}
		}
		r.forget(raw)
		return listener.Result{CorrelationID: correlationID, State: listener.StateSuccess}
	}

	res := r.Handle(ctx, correlationID, raw)
	if res.OK() {
		r.forget(raw)
	}
	return res
}

// pushHandler is what pushing listeners call. It applies the delivery limit
// the same way the polling container does.
type pushHandler struct{ r *Receiver }

func (h pushHandler) Handle(ctx context.Context, correlationID string, msg *listener.RawMessage) listener.Result {
	return h.r.deliver(ctx, correlationID, msg)
}

func (h pushHandler) ReportPoll(t time.Time) { h.r.ReportPoll(t) }

// deliveryLimit is MaxDeliveries, or MaxRetries+1 for intakes configured by
// retry count. Zero means unlimited.
func (r *Receiver) deliveryLimit() int {
	if r.cfg.MaxDeliveries > 0 {
		return r.cfg.MaxDeliveries
	}
	if r.cfg.MaxRetries > 0 {
		return r.cfg.MaxRetries + 1
	}
	return 0
}

// deliveryCount combines what the intake reports with what this receiver has
// seen itself, for intakes that do not count deliveries.
func (r *Receiver) deliveryCount(raw *listener.RawMessage) int {
	count := raw.DeliveryCount
	if raw.ID == "" {
		return count
	}
	seen, _ := r.deliveries.Get(raw.ID)
	seen++
	r.deliveries.Add(raw.ID, seen)
	if seen > count {
		count = seen
	}
	raw.DeliveryCount = count
	return count
}

func (r *Receiver) forget(raw *listener.RawMessage) {
	if raw.ID != "" {
		r.deliveries.Remove(raw.ID)
	}
}

func (r *Receiver) deadLetter(ctx context.Context, raw *listener.RawMessage, count int) error {
	if r.errorPub == nil || r.cfg.ErrorTopic == "" {
		r.ops.Warn("Receiver %s dropped message %s after %d deliveries: no error topic", r.name, raw.ID, count)
		return nil
	}

	id := raw.ID
	if id == "" {
		id = ids.MessageID()
	}
	msg := message.NewMessage(id, raw.Payload)
	msg.Metadata = metadata.ToWatermill(raw.Metadata.WithAll(metadata.Metadata{
		metadata.KeyReceiver:      r.name,
		metadata.KeyDeliveryCount: strconv.Itoa(count),
		metadata.KeyErrorMessage:  fmt.Sprintf("exceeded max deliveries (%d)", r.deliveryLimit()),
	}))
	if raw.CorrelationID != "" {
		msg.Metadata.Set(metadata.KeyCorrelationID, raw.CorrelationID)
	}
	// sqlqueue publishers join the transaction carried by ctx.
	msg.SetContext(ctx)

	if err := r.errorPub.Publish(r.cfg.ErrorTopic, msg); err != nil {
		return err
	}
	r.metrics.RecordDeadLetter(r.name, r.cfg.ErrorTopic)
	r.ops.Warn("Receiver %s moved message %s to %s after %d deliveries", r.name, id, r.cfg.ErrorTopic, count)
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
