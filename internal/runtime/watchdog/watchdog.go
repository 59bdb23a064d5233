// Package watchdog restarts receivers whose polling has stalled.
package watchdog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/drblury/flowrunner/internal/runtime/config"
	"github.com/drblury/flowrunner/internal/runtime/lifecycle"
	"github.com/drblury/flowrunner/internal/runtime/logging"
	"github.com/drblury/flowrunner/internal/runtime/metrics"
	"github.com/drblury/flowrunner/internal/runtime/opslog"
)

// Target is the receiver surface the watchdog acts on.
type Target interface {
	Name() string
	State() lifecycle.RunState
	LastPollFinishedAt() time.Time
	// Restart stops and starts the target without stopping the watchdog. It
	// reports false when the target was no longer STARTED and was left alone.
	Restart(ctx context.Context) (bool, error)
	OpsLog() *opslog.Keeper
}

// Scheduler runs a job periodically between Start and Stop. Start on a
// running scheduler and Stop on a stopped one do nothing.
type Scheduler interface {
	Start()
	Stop()
}

// SchedulerFactory returns a scheduler that calls job every interval.
type SchedulerFactory func(interval time.Duration, job func()) Scheduler

type cronScheduler struct {
	c *cron.Cron
}

// CronScheduler is the default SchedulerFactory. cron.Every works in whole
// seconds, so sub-second intervals run once per second.
func CronScheduler(interval time.Duration, job func()) Scheduler {
	c := cron.New()
	c.Schedule(cron.Every(interval), cron.FuncJob(job))
	return &cronScheduler{c: c}
}

func (s *cronScheduler) Start() { s.c.Start() }
func (s *cronScheduler) Stop()  { s.c.Stop() }

// Options configure a PollWatchdog.
type Options struct {
	// Interval is how often the watchdog checks the target.
	Interval time.Duration
	// Multiplier scales Interval into the stall threshold. Defaults to 1.
	Multiplier float64
	// StopTimeout and StartTimeout together bound one restart.
	StopTimeout  time.Duration
	StartTimeout time.Duration

	Logger    logging.ServiceLogger
	Metrics   *metrics.Metrics
	Scheduler SchedulerFactory
}

// OptionsFor derives watchdog options from a receiver configuration.
func OptionsFor(cfg config.ReceiverConfig) Options {
	cfg = cfg.WithDefaults()
	return Options{
		Interval:     cfg.PollGuardInterval,
		Multiplier:   cfg.PollGuardMultiplier,
		StopTimeout:  cfg.StopTimeout,
		StartTimeout: cfg.StartTimeout,
	}
}

// PollWatchdog restarts its target when the last finished poll is older than
// Interval*Multiplier.
type PollWatchdog struct {
	target    Target
	interval  time.Duration
	threshold time.Duration
	budget    time.Duration
	logger    logging.ServiceLogger
	metrics   *metrics.Metrics
	scheduler Scheduler
	now       func() time.Time

	restarting atomic.Bool
	pending    sync.WaitGroup
}

// New returns a watchdog for target. It does nothing until Start.
func New(target Target, opts Options) *PollWatchdog {
	if opts.Multiplier <= 0 {
		opts.Multiplier = config.DefaultPollGuardMultiplier
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = config.DefaultStopTimeout
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = config.DefaultStartTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	factory := opts.Scheduler
	if factory == nil {
		factory = CronScheduler
	}

	w := &PollWatchdog{
		target:    target,
		interval:  opts.Interval,
		threshold: time.Duration(float64(opts.Interval) * opts.Multiplier),
		budget:    opts.StopTimeout + opts.StartTimeout,
		logger:    logger.With(logging.LogFields{"receiver": target.Name()}),
		metrics:   opts.Metrics,
		now:       time.Now,
	}
	w.scheduler = factory(opts.Interval, func() { w.Tick(w.now()) })
	return w
}

func (w *PollWatchdog) Start() { w.scheduler.Start() }
func (w *PollWatchdog) Stop()  { w.scheduler.Stop() }

// Restarting reports whether a restart triggered by this watchdog is running.
func (w *PollWatchdog) Restarting() bool { return w.restarting.Load() }

// Threshold is the poll age above which the target counts as stalled.
func (w *PollWatchdog) Threshold() time.Duration { return w.threshold }

// Tick checks the target once and reports whether it started a restart. The
// restart itself runs on its own goroutine.
func (w *PollWatchdog) Tick(now time.Time) bool {
	if w.target.State() != lifecycle.Started {
		return false
	}
	last := w.target.LastPollFinishedAt()
	if last.IsZero() {
		return false
	}
	age := now.Sub(last)
	if age <= w.threshold {
		return false
	}
	if !w.restarting.CompareAndSwap(false, true) {
		return false
	}

	w.logger.Warn("Receiver stopped polling, restarting", logging.LogFields{
		"last_poll": last.UTC().Format(time.RFC3339Nano),
		"age":       age.String(),
		"threshold": w.threshold.String(),
	})
	w.target.OpsLog().Warn("Watchdog restarting receiver %s: last poll finished %s ago", w.target.Name(), age.Round(time.Millisecond))

	w.pending.Add(1)
	go w.restart()
	return true
}

func (w *PollWatchdog) restart() {
	defer w.pending.Done()
	defer w.restarting.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), w.budget)
	defer cancel()
	restarted, err := w.target.Restart(ctx)
	if err != nil {
		w.logger.Error("failed to restart receiver", err, logging.LogFields{
			"state": w.target.State().String(),
		})
		w.target.OpsLog().Error("Watchdog failed to restart receiver %s: %v", w.target.Name(), err)
		w.metrics.RecordRestart(w.target.Name(), metrics.OutcomeFailed)
		return
	}
	if !restarted {
		w.logger.Info("Restart skipped, receiver was stopped meanwhile", nil)
		return
	}
	w.metrics.RecordRestart(w.target.Name(), metrics.OutcomeRestarted)
	w.logger.Info("Receiver restarted by watchdog", nil)
}

// Wait blocks until restarts started so far have finished.
func (w *PollWatchdog) Wait() { w.pending.Wait() }
