package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	errspkg "github.com/drblury/flowrunner/internal/runtime/errors"
	"github.com/drblury/flowrunner/internal/runtime/logging"
)

// Transition describes one state change.
type Transition struct {
	From   RunState
	To     RunState
	Reason string
	At     time.Time
}

// Observer is notified after every successful transition, outside the lock.
type Observer func(Transition)

// StateMachine owns the RunState of a single entity. All changes go through
// TransitionTo; AwaitState lets other goroutines block on a target state.
type StateMachine struct {
	name   string
	logger logging.ServiceLogger

	mu        sync.Mutex
	state     RunState
	changed   chan struct{}
	observers []Observer
}

// NewStateMachine returns a machine in the STOPPED state.
func NewStateMachine(name string, logger logging.ServiceLogger) *StateMachine {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &StateMachine{
		name:    name,
		logger:  logger,
		state:   Stopped,
		changed: make(chan struct{}),
	}
}

// State returns the current state.
func (m *StateMachine) State() RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Is reports whether the current state is one of states.
func (m *StateMachine) Is(states ...RunState) bool {
	current := m.State()
	for _, s := range states {
		if s == current {
			return true
		}
	}
	return false
}

// Subscribe registers an observer for future transitions.
func (m *StateMachine) Subscribe(o Observer) {
	if o == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// TransitionTo moves the machine to the given state. A transition that is not
// in the table returns ErrInvalidTransition, and asking for the current state
// returns ErrAlreadyInState; the state is unchanged in both cases.
func (m *StateMachine) TransitionTo(to RunState, reason string) error {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is already %s", errspkg.ErrAlreadyInState, m.name, to)
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s %s -> %s", errspkg.ErrInvalidTransition, m.name, from, to)
	}
	m.state = to
	close(m.changed)
	m.changed = make(chan struct{})
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	tr := Transition{From: from, To: to, Reason: reason, At: time.Now()}
	m.logger.Info("state transition", logging.LogFields{
		"entity": m.name,
		"from":   from.String(),
		"to":     to.String(),
		"reason": reason,
	})
	for _, o := range observers {
		o(tr)
	}
	return nil
}

// AwaitState blocks until the state equals target, ctx is cancelled, or the
// timeout elapses. A timeout <= 0 waits on ctx alone.
func (m *StateMachine) AwaitState(ctx context.Context, target RunState, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		m.mu.Lock()
		if m.state == target {
			m.mu.Unlock()
			return nil
		}
		changed := m.changed
		current := m.state
		m.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("%w: %s is %s, wanted %s after %s", errspkg.ErrStateTimeout, m.name, current, target, timeout)
		}
	}
}

func (m *StateMachine) String() string {
	return fmt.Sprintf("%s[%s]", m.name, m.State())
}
