package receiver

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/flowrunner/internal/runtime/errors"
	"github.com/drblury/flowrunner/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// ErrorCategory buckets pipeline failures in Statistics.
type ErrorCategory string

const (
	ErrorCategoryNone        ErrorCategory = "none"
	ErrorCategoryValidation  ErrorCategory = "validation"
	ErrorCategoryTimeout     ErrorCategory = "timeout"
	ErrorCategoryTransaction ErrorCategory = "transaction"
	ErrorCategoryPanic       ErrorCategory = "panic"
	ErrorCategoryOther       ErrorCategory = "other"
)

// ErrorClassifier maps a pipeline error to a category.
type ErrorClassifier func(error) ErrorCategory

// Statistics accumulates processing durations of one receiver. Every update
// takes the lock for that update only.
type Statistics struct {
	mu         sync.Mutex
	classifier ErrorClassifier
	now        func() time.Time

	count, failed uint64
	total         time.Duration
	min, max      time.Duration
	lastAt        time.Time
	inFlight      uint64
	maxInFlight   uint64
	errors        ErrorBreakdown
	latency       *latencyWindow
	throughput    *throughputWindow
}

// StatisticsSnapshot is a consistent copy of Statistics.
type StatisticsSnapshot struct {
	Count           uint64            `json:"count"`
	Failed          uint64            `json:"failed"`
	MinNs           int64             `json:"min_ns"`
	MaxNs           int64             `json:"max_ns"`
	AverageNs       int64             `json:"average_ns"`
	TotalNs         int64             `json:"total_ns"`
	LastProcessedAt time.Time         `json:"last_processed_at"`
	InFlight        uint64            `json:"in_flight"`
	MaxInFlight     uint64            `json:"max_in_flight"`
	Latency         LatencyMetrics    `json:"latency"`
	Throughput      ThroughputMetrics `json:"throughput"`
	Errors          ErrorBreakdown    `json:"errors"`
}

type LatencyMetrics struct {
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
}

type ErrorBreakdown struct {
	Validation  uint64 `json:"validation"`
	Timeout     uint64 `json:"timeout"`
	Transaction uint64 `json:"transaction"`
	Panic       uint64 `json:"panic"`
	Other       uint64 `json:"other"`
	LastError   string `json:"last_error,omitempty"`
}

// NewStatistics returns an empty accumulator. A nil classifier uses
// DefaultErrorClassifier.
func NewStatistics(classifier ErrorClassifier) *Statistics {
	if classifier == nil {
		classifier = DefaultErrorClassifier
	}
	return &Statistics{
		classifier: classifier,
		now:        time.Now,
		latency:    newLatencyWindow(latencySampleSize),
		throughput: newThroughputWindow(throughputWindowSize),
	}
}

func (s *Statistics) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
}

// Record adds one processed message.
func (s *Statistics) Record(d time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight > 0 {
		s.inFlight--
	}
	s.count++
	if err != nil {
		s.failed++
	}
	s.total += d
	if s.count == 1 || d < s.min {
		s.min = d
	}
	if d > s.max {
		s.max = d
	}
	now := s.now()
	s.lastAt = now.UTC()
	s.latency.Add(d)
	s.throughput.Add(now)
	s.errors.Record(s.classifier(err), err)
}

// Snapshot copies the current values.
func (s *Statistics) Snapshot() StatisticsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatisticsSnapshot{
		Count:           s.count,
		Failed:          s.failed,
		MinNs:           int64(s.min),
		MaxNs:           int64(s.max),
		TotalNs:         int64(s.total),
		LastProcessedAt: s.lastAt,
		InFlight:        s.inFlight,
		MaxInFlight:     s.maxInFlight,
		Latency:         s.latency.Snapshot(),
		Throughput:      s.throughput.Snapshot(s.now()),
		Errors:          s.errors,
	}
	if s.count > 0 {
		snap.AverageNs = int64(s.total) / int64(s.count)
	}
	return snap
}

func (s *Statistics) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(s.Snapshot())
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryTimeout:
		e.Timeout++
	case ErrorCategoryTransaction:
		e.Transaction++
	case ErrorCategoryPanic:
		e.Panic++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

// DefaultErrorClassifier recognises the runtime's own error types.
func DefaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	var unprocessable *errspkg.UnprocessableError
	if errors.As(err, &unprocessable) {
		return ErrorCategoryValidation
	}
	var panicked *errspkg.PanicError
	if errors.As(err, &panicked) {
		return ErrorCategoryPanic
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryTimeout
	case errors.Is(err, errspkg.ErrTransactionTimedOut),
		errors.Is(err, errspkg.ErrRollbackOnly),
		errors.Is(err, errspkg.ErrNotOwner),
		errors.Is(err, errspkg.ErrHeuristicOutcome):
		return ErrorCategoryTransaction
	}
	return ErrorCategoryOther
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	if lw.filled == 0 {
		return LatencyMetrics{}
	}
	sorted := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		sorted[i] = lw.samples[idx]
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return LatencyMetrics{
		P50Ns:      percentile(sorted, 0.50),
		P95Ns:      percentile(sorted, 0.95),
		P99Ns:      percentile(sorted, 0.99),
		SampleSize: lw.filled,
	}
}

// percentile interpolates linearly between the two closest ranks.
func percentile(sorted []int64, q float64) int64 {
	pos := q * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + int64(float64(sorted[upper]-sorted[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon, samples: make([]time.Time, 0, 64)}
}

func (tw *throughputWindow) Add(now time.Time) {
	tw.samples = append(tw.samples, now)
	tw.trim(now)
}

func (tw *throughputWindow) trim(now time.Time) {
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		tw.samples = append(tw.samples[:0], tw.samples[idx:]...)
	}
}

func (tw *throughputWindow) Snapshot(now time.Time) ThroughputMetrics {
	tw.trim(now)
	if len(tw.samples) == 0 {
		return ThroughputMetrics{}
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	return ThroughputMetrics{
		CurrentRPS:       float64(len(tw.samples)) / span.Seconds(),
		WindowSeconds:    span.Seconds(),
		MessagesInWindow: uint64(len(tw.samples)),
	}
}
