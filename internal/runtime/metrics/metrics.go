// Package metrics exposes the runtime's Prometheus collectors. Every method
// is safe on a nil *Metrics so components run unchanged with metrics off.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/flowrunner/internal/runtime/lifecycle"
)

const namespace = "flowrunner"

// Restart outcomes recorded by the poll watchdog.
const (
	OutcomeRestarted = "restarted"
	OutcomeFailed    = "failed"
)

// Recovery statuses mirrored in flowrunner_tm_status.
var tmStatuses = []string{"ACTIVE", "COMPLETED", "PENDING"}

var runStates = []lifecycle.RunState{
	lifecycle.Stopped,
	lifecycle.Starting,
	lifecycle.Started,
	lifecycle.Stopping,
	lifecycle.ExceptionStarting,
	lifecycle.ExceptionStopping,
	lifecycle.Error,
}

// Metrics groups the collectors of one service.
type Metrics struct {
	processing    *prometheus.HistogramVec
	receiverState *prometheus.GaugeVec
	restarts      *prometheus.CounterVec
	tmStatus      *prometheus.GaugeVec
	tmPending     prometheus.Counter
	deadLettered  *prometheus.CounterVec
	dlqReplayed   *prometheus.CounterVec
	dlqPurged     *prometheus.CounterVec

	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool
}

// New creates the collectors. A nil registerer means the default one.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer: registerer,
		processing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "processing_seconds",
			Help:      "Time spent in the pipeline per message, by exit state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"receiver", "state"}),
		receiverState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "state",
			Help:      "1 for the run state a receiver is currently in, 0 otherwise.",
		}, []string{"receiver", "state"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "restarts_total",
			Help:      "Receiver restarts triggered by the poll watchdog.",
		}, []string{"receiver", "outcome"}),
		tmStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tm",
			Name:      "status",
			Help:      "1 for the status last written to the transaction manager status file.",
		}, []string{"status"}),
		tmPending: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tm",
			Name:      "pending_shutdowns_total",
			Help:      "Transaction manager shutdowns that left transactions to recover.",
		}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "messages_total",
			Help:      "Messages moved to an error topic after exceeding max deliveries.",
		}, []string{"receiver", "topic"}),
		dlqReplayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "replayed_total",
			Help:      "Messages replayed from a dead letter queue.",
		}, []string{"topic"}),
		dlqPurged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "purged_total",
			Help:      "Messages purged from a dead letter queue.",
		}, []string{"topic"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{
		m.processing, m.receiverState, m.restarts, m.tmStatus,
		m.tmPending, m.deadLettered, m.dlqReplayed, m.dlqPurged,
	} {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// ObserveProcessing records one pipeline call.
func (m *Metrics) ObserveProcessing(receiver, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.processing.WithLabelValues(receiver, state).Observe(d.Seconds())
}

// SetReceiverState marks state as the current one for receiver.
func (m *Metrics) SetReceiverState(receiver string, state lifecycle.RunState) {
	if m == nil {
		return
	}
	for _, s := range runStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.receiverState.WithLabelValues(receiver, s.String()).Set(v)
	}
}

// RecordRestart counts a watchdog restart with its outcome.
func (m *Metrics) RecordRestart(receiver, outcome string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(receiver, outcome).Inc()
}

// SetTMStatus mirrors a status file write. PENDING also bumps the pending
// shutdown counter.
func (m *Metrics) SetTMStatus(status string) {
	if m == nil {
		return
	}
	for _, s := range tmStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.tmStatus.WithLabelValues(s).Set(v)
	}
	if status == "PENDING" {
		m.tmPending.Inc()
	}
}

// RecordDeadLetter counts a message routed to topic by receiver.
func (m *Metrics) RecordDeadLetter(receiver, topic string) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(receiver, topic).Inc()
}

func (m *Metrics) RecordReplayed(topic string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.dlqReplayed.WithLabelValues(topic).Add(float64(n))
}

func (m *Metrics) RecordPurged(topic string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.dlqPurged.WithLabelValues(topic).Add(float64(n))
}
