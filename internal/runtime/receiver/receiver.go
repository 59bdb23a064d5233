// Package receiver runs one pipeline against one intake. It owns the
// receiver lifecycle, the in-flight gate used to drain on stop and the
// container goroutines that poll pulling listeners.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/drblury/flowrunner/internal/runtime/config"
	errspkg "github.com/drblury/flowrunner/internal/runtime/errors"
	"github.com/drblury/flowrunner/internal/runtime/ids"
	"github.com/drblury/flowrunner/internal/runtime/jsoncodec"
	"github.com/drblury/flowrunner/internal/runtime/lifecycle"
	"github.com/drblury/flowrunner/internal/runtime/listener"
	"github.com/drblury/flowrunner/internal/runtime/logging"
	"github.com/drblury/flowrunner/internal/runtime/metrics"
	"github.com/drblury/flowrunner/internal/runtime/opslog"
	"github.com/drblury/flowrunner/internal/runtime/txn"
)

const (
	tracerName        = "flowrunner/receiver"
	deliveryCacheSize = 100
)

var errExitStateError = errors.New("flowrunner: pipeline reported ERROR")

// PipelineResult is what a pipeline answers. A nil Payload means the pipeline
// produced no output. An empty State counts as SUCCESS.
type PipelineResult struct {
	Payload []byte
	State   listener.ExitState
}

// Pipeline processes one message on behalf of a receiver.
type Pipeline interface {
	Process(ctx context.Context, correlationID string, msg *listener.RawMessage) (PipelineResult, error)
}

// PipelineFunc adapts a function to Pipeline.
type PipelineFunc func(ctx context.Context, correlationID string, msg *listener.RawMessage) (PipelineResult, error)

func (f PipelineFunc) Process(ctx context.Context, correlationID string, msg *listener.RawMessage) (PipelineResult, error) {
	return f(ctx, correlationID, msg)
}

// Watchdog is started and stopped together with the receiver. Restart leaves
// it running.
type Watchdog interface {
	Start()
	Stop()
}

// Options configure a Receiver.
type Options struct {
	Config   config.ReceiverConfig
	Pipeline Pipeline
	Listener listener.Listener

	// TransactionManager is required for transacted receivers.
	TransactionManager txn.Manager
	// ErrorPublisher takes messages that exceeded their delivery limit.
	ErrorPublisher message.Publisher

	Logger     logging.ServiceLogger
	OpsLog     *opslog.Keeper
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
	Hooks      Hooks
	Classifier ErrorClassifier
}

// Receiver binds a Pipeline to a Listener.
type Receiver struct {
	name     string
	cfg      config.ReceiverConfig
	pipeline Pipeline
	listener listener.Listener
	tm       txn.Manager
	errorPub message.Publisher

	logger  logging.ServiceLogger
	ops     *opslog.Keeper
	metrics *metrics.Metrics
	tracer  trace.Tracer
	hooks   Hooks
	stats   *Statistics
	state   *lifecycle.StateMachine

	limiter    *rate.Limiter
	deliveries *lru.Cache[string, int]
	now        func() time.Time

	// lifecycleMu serialises Start and Stop.
	lifecycleMu sync.Mutex

	// gateMu makes the STARTED check and inflight.Add atomic with respect to
	// the STOPPING transition, so nothing is admitted after drain begins.
	gateMu   sync.Mutex
	inflight sync.WaitGroup

	runMu   sync.Mutex
	cancel  context.CancelFunc
	workers sync.WaitGroup

	watchdogMu sync.Mutex
	watchdog   Watchdog

	lastPoll atomic.Int64
}

// New validates opts and returns a STOPPED receiver.
func New(opts Options) (*Receiver, error) {
	cfg := opts.Config.WithDefaults()
	if cfg.Name == "" {
		return nil, errspkg.ErrReceiverNameRequired
	}
	if opts.Pipeline == nil {
		return nil, fmt.Errorf("%w: receiver %s", errspkg.ErrPipelineRequired, cfg.Name)
	}
	if opts.Listener == nil {
		return nil, fmt.Errorf("%w: receiver %s", errspkg.ErrListenerRequired, cfg.Name)
	}
	if cfg.Transacted && opts.TransactionManager == nil {
		return nil, fmt.Errorf("receiver %s: transacted receivers need a transaction manager", cfg.Name)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.With(logging.LogFields{"receiver": cfg.Name})

	ops := opts.OpsLog
	if ops == nil {
		ops = opslog.NewKeeper(opslog.DefaultSize)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	deliveries, err := lru.New[string, int](deliveryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("receiver %s: delivery cache: %w", cfg.Name, err)
	}

	r := &Receiver{
		name:       cfg.Name,
		cfg:        cfg,
		pipeline:   opts.Pipeline,
		listener:   opts.Listener,
		tm:         opts.TransactionManager,
		errorPub:   opts.ErrorPublisher,
		logger:     logger,
		ops:        ops,
		metrics:    opts.Metrics,
		tracer:     tracer,
		hooks:      opts.Hooks,
		stats:      NewStatistics(opts.Classifier),
		state:      lifecycle.NewStateMachine("receiver "+cfg.Name, logger),
		deliveries: deliveries,
		now:        time.Now,
	}
	if cfg.MaxMessagesPerSecond > 0 {
		burst := int(cfg.MaxMessagesPerSecond)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.MaxMessagesPerSecond), burst)
	}

	r.metrics.SetReceiverState(r.name, lifecycle.Stopped)
	r.state.Subscribe(func(tr lifecycle.Transition) {
		r.metrics.SetReceiverState(r.name, tr.To)
		r.ops.Info("Receiver %s %s -> %s (%s)", r.name, tr.From, tr.To, tr.Reason)
	})

	if pl, ok := opts.Listener.(listener.PushingListener); ok {
		pl.SetHandler(pushHandler{r: r})
	}
	return r, nil
}

func (r *Receiver) Name() string                  { return r.name }
func (r *Receiver) Config() config.ReceiverConfig { return r.cfg }
func (r *Receiver) State() lifecycle.RunState     { return r.state.State() }
func (r *Receiver) OpsLog() *opslog.Keeper        { return r.ops }

// Statistics returns a snapshot of the processing statistics.
func (r *Receiver) Statistics() StatisticsSnapshot { return r.stats.Snapshot() }

// AwaitState blocks until the receiver reaches target.
func (r *Receiver) AwaitState(ctx context.Context, target lifecycle.RunState, timeout time.Duration) error {
	return r.state.AwaitState(ctx, target, timeout)
}

// Subscribe registers an observer for lifecycle transitions.
func (r *Receiver) Subscribe(o lifecycle.Observer) { r.state.Subscribe(o) }

// SetWatchdog attaches w. It takes effect on the next Start.
func (r *Receiver) SetWatchdog(w Watchdog) {
	r.watchdogMu.Lock()
	defer r.watchdogMu.Unlock()
	r.watchdog = w
}

func (r *Receiver) currentWatchdog() Watchdog {
	r.watchdogMu.Lock()
	defer r.watchdogMu.Unlock()
	return r.watchdog
}

// ReportPoll records that a poll finished at t.
func (r *Receiver) ReportPoll(t time.Time) {
	r.lastPoll.Store(t.UnixNano())
}

// LastPollFinishedAt is the zero time before the first poll.
func (r *Receiver) LastPollFinishedAt() time.Time {
	n := r.lastPoll.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Handle runs the pipeline for one message. A receiver that is not STARTED
// answers ReplyIfStopped with state ERROR without calling the pipeline.
func (r *Receiver) Handle(ctx context.Context, correlationID string, msg *listener.RawMessage) listener.Result {
	if correlationID == "" {
		correlationID = ids.CorrelationID(r.name)
		r.logger.Debug("Generated correlation id", logging.LogFields{"correlation_id": correlationID})
	}

	r.gateMu.Lock()
	if !r.state.Is(lifecycle.Started) {
		state := r.state.State()
		r.gateMu.Unlock()
		r.logger.Warn("Message received while receiver is not started", logging.LogFields{
			"correlation_id": correlationID,
			"state":          state.String(),
		})
		return listener.Result{
			CorrelationID: correlationID,
			Payload:       r.cfg.ReplyIfStopped,
			State:         listener.StateError,
			Err:           fmt.Errorf("receiver %s is %s", r.name, state),
		}
	}
	r.inflight.Add(1)
	r.gateMu.Unlock()
	defer r.inflight.Done()

	return r.process(ctx, correlationID, msg)
}

func (r *Receiver) process(ctx context.Context, correlationID string, msg *listener.RawMessage) listener.Result {
	if msg == nil {
		msg = &listener.RawMessage{}
	}
	ctx, span := r.tracer.Start(ctx, "receiver.handle", trace.WithAttributes(
		attribute.String("receiver", r.name),
		attribute.String("correlation_id", correlationID),
		attribute.String("message_id", msg.ID),
		attribute.Int("delivery_count", msg.DeliveryCount),
	))
	defer span.End()

	mc := MessageContext{
		Receiver:      r.name,
		CorrelationID: correlationID,
		MessageID:     msg.ID,
		Metadata:      msg.Metadata,
		DeliveryCount: msg.DeliveryCount,
		StartedAt:     r.now(),
	}
	r.stats.begin()
	r.hooks.start(mc)

	res, pipelineErr := r.invoke(ctx, correlationID, msg)
	elapsed := r.now().Sub(mc.StartedAt)

	err := pipelineErr
	state := res.State
	if state == "" {
		state = listener.StateSuccess
	}
	if err != nil {
		state = listener.StateError
	} else if state == listener.StateError {
		err = errExitStateError
	}

	// Only a failed or panicking pipeline turns its error into the reply.
	var payload string
	switch {
	case res.Payload != nil:
		payload = string(res.Payload)
	case pipelineErr != nil:
		payload = pipelineErr.Error()
	default:
		r.logger.Warn("Pipeline returned no payload", logging.LogFields{"correlation_id": correlationID})
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("exit_state", string(state)))

	r.stats.Record(elapsed, err)
	r.metrics.ObserveProcessing(r.name, string(state), elapsed)
	mc.Duration = elapsed
	r.hooks.finish(mc, err)

	return listener.Result{
		CorrelationID: correlationID,
		Payload:       payload,
		State:         state,
		Err:           err,
	}
}

func (r *Receiver) invoke(ctx context.Context, correlationID string, msg *listener.RawMessage) (res PipelineResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = PipelineResult{}
			err = &errspkg.PanicError{Value: p}
		}
	}()
	return r.pipeline.Process(ctx, correlationID, msg)
}

// Start opens the listener within StartTimeout and begins intake. Calling it
// on a receiver that is STARTED, STARTING or STOPPING logs a warning and does
// nothing.
func (r *Receiver) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	return r.startLocked(ctx, true)
}

func (r *Receiver) startLocked(ctx context.Context, withWatchdog bool) error {
	prev := r.state.State()
	switch prev {
	case lifecycle.Started, lifecycle.Starting, lifecycle.Stopping:
		r.logger.Warn("Start ignored", logging.LogFields{"state": prev.String()})
		return nil
	}
	if prev == lifecycle.Error {
		r.releaseIntake(ctx)
	}

	if err := r.state.TransitionTo(lifecycle.Starting, "start requested"); err != nil {
		return err
	}

	if err := r.openListener(ctx); err != nil {
		_ = r.state.TransitionTo(lifecycle.ExceptionStarting, err.Error())
		r.ops.Error("Receiver %s failed to start: %v", r.name, err)
		r.logger.Error("Receiver failed to start", err, nil)
		if closeErr := r.listener.Close(context.WithoutCancel(ctx)); closeErr != nil {
			r.logger.Warn("Closing listener after failed start", logging.LogFields{"error": closeErr.Error()})
		}
		return fmt.Errorf("start receiver %s: %w", r.name, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.runMu.Lock()
	r.cancel = cancel
	r.runMu.Unlock()

	r.ReportPoll(r.now())
	if err := r.state.TransitionTo(lifecycle.Started, "listener open"); err != nil {
		cancel()
		return err
	}

	if pl, ok := r.listener.(listener.PullingListener); ok {
		for i := 0; i < r.cfg.NumThreads; i++ {
			r.workers.Add(1)
			go r.runContainer(runCtx, pl, i)
		}
	}
	if w := r.currentWatchdog(); withWatchdog && w != nil {
		w.Start()
	}
	return nil
}

func (r *Receiver) openListener(ctx context.Context) error {
	openCtx, cancel := context.WithTimeout(ctx, r.cfg.StartTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.listener.Open(openCtx) }()

	select {
	case err := <-done:
		return err
	case <-openCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", errspkg.ErrStartTimeout, r.cfg.StartTimeout)
	}
}

// Stop stops intake and waits up to StopTimeout for in-flight messages. It
// never returns an error: a drain that runs out of time, or a listener that
// fails to close, leaves the receiver EXCEPTION_STOPPING and is reported
// through the logs and the ops log.
func (r *Receiver) Stop() {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	r.stopLocked(true)
}

// Restart stops and starts the receiver under one lifecycle lock and leaves
// the watchdog running. A receiver that is no longer STARTED is left alone and
// Restart reports false, so a Stop that got in first is never undone.
func (r *Receiver) Restart(ctx context.Context) (bool, error) {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if s := r.state.State(); s != lifecycle.Started {
		r.logger.Info("Restart skipped", logging.LogFields{"state": s.String()})
		return false, nil
	}
	r.stopLocked(false)
	return true, r.startLocked(ctx, false)
}

func (r *Receiver) stopLocked(withWatchdog bool) {
	switch s := r.state.State(); s {
	case lifecycle.Stopped, lifecycle.Stopping, lifecycle.ExceptionStopping:
		r.logger.Info("Receiver already stopped", logging.LogFields{"state": s.String()})
		return
	case lifecycle.Starting:
		r.logger.Warn("Stop ignored while receiver is starting", nil)
		return
	case lifecycle.Error:
		if withWatchdog {
			r.stopWatchdog()
		}
		r.releaseIntake(context.Background())
		r.logger.Info("Receiver resources released, state stays ERROR", nil)
		return
	}

	r.gateMu.Lock()
	err := r.state.TransitionTo(lifecycle.Stopping, "stop requested")
	r.gateMu.Unlock()
	if err != nil {
		r.logger.Warn("Stop refused", logging.LogFields{"error": err.Error()})
		return
	}

	if withWatchdog {
		r.stopWatchdog()
	}
	r.cancelRun()

	// Close and drain share one StopTimeout window.
	deadline := time.Now().Add(r.cfg.StopTimeout)
	closeCtx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	closeErr := r.listener.Close(closeCtx)

	if !waitTimeout(r.drain, time.Until(deadline)) {
		_ = r.state.TransitionTo(lifecycle.ExceptionStopping, "drain timed out")
		r.ops.Error("Receiver %s did not drain within %s", r.name, r.cfg.StopTimeout)
		r.logger.Error("Receiver did not drain in time", errors.New("stop timeout exceeded"), logging.LogFields{
			"timeout": r.cfg.StopTimeout.String(),
		})
		return
	}
	if closeErr != nil {
		_ = r.state.TransitionTo(lifecycle.ExceptionStopping, closeErr.Error())
		r.ops.Error("Receiver %s failed to close its listener: %v", r.name, closeErr)
		r.logger.Error("Closing listener failed", closeErr, nil)
		return
	}

	if err := r.state.TransitionTo(lifecycle.Stopped, "drained"); err != nil {
		r.logger.Warn("Could not mark receiver stopped", logging.LogFields{"error": err.Error()})
	}
}

func (r *Receiver) stopWatchdog() {
	if w := r.currentWatchdog(); w != nil {
		w.Stop()
	}
}

func (r *Receiver) cancelRun() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// drain waits for container goroutines and then for in-flight Handle calls.
func (r *Receiver) drain() {
	r.workers.Wait()
	r.inflight.Wait()
}

// releaseIntake tears down what an ERROR receiver still holds.
func (r *Receiver) releaseIntake(ctx context.Context) {
	r.cancelRun()
	deadline := time.Now().Add(r.cfg.StopTimeout)
	closeCtx, cancel := context.WithDeadline(context.WithoutCancel(ctx), deadline)
	defer cancel()
	if err := r.listener.Close(closeCtx); err != nil {
		r.logger.Warn("Closing listener of failed receiver", logging.LogFields{"error": err.Error()})
	}
	if !waitTimeout(r.drain, time.Until(deadline)) {
		r.ops.Warn("Receiver %s still has busy workers after %s", r.name, r.cfg.StopTimeout)
	}
}

// enterError moves the receiver to ERROR and stops its intake. The periodic
// recovery job restarts it later.
func (r *Receiver) enterError(cause error) {
	if err := r.state.TransitionTo(lifecycle.Error, cause.Error()); err != nil {
		return
	}
	r.ops.Error("Receiver %s entered ERROR: %v", r.name, cause)
	r.logger.Error("Receiver entered ERROR", cause, nil)
	r.cancelRun()
}

func waitTimeout(wait func(), d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
}

// Status is the JSON view served by the status API.
type Status struct {
	Name               string             `json:"name"`
	State              lifecycle.RunState `json:"state"`
	Intake             string             `json:"intake"`
	Topic              string             `json:"topic,omitempty"`
	Transacted         bool               `json:"transacted"`
	LastPollFinishedAt time.Time          `json:"last_poll_finished_at"`
	Statistics         StatisticsSnapshot `json:"statistics"`
	OpsLog             []opslog.Entry     `json:"ops_log"`
}

// Status returns the current view of the receiver.
func (r *Receiver) Status() Status {
	return Status{
		Name:               r.name,
		State:              r.state.State(),
		Intake:             r.cfg.Intake,
		Topic:              r.cfg.Topic,
		Transacted:         r.cfg.Transacted,
		LastPollFinishedAt: r.LastPollFinishedAt(),
		Statistics:         r.stats.Snapshot(),
		OpsLog:             r.ops.Entries(),
	}
}

func (r *Receiver) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(r.Status())
}
