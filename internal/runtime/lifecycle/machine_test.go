package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/flowrunner/internal/runtime/errors"
)

func TestRunStateString(t *testing.T) {
	cases := map[RunState]string{
		Stopped:           "STOPPED",
		Starting:          "STARTING",
		Started:           "STARTED",
		Stopping:          "STOPPING",
		ExceptionStarting: "EXCEPTION_STARTING",
		ExceptionStopping: "EXCEPTION_STOPPING",
		Error:             "ERROR",
		RunState(42):      "UNKNOWN",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}

	parsed, ok := ParseRunState("EXCEPTION_STOPPING")
	require.True(t, ok)
	assert.Equal(t, ExceptionStopping, parsed)
	_, ok = ParseRunState("RUNNING")
	assert.False(t, ok)
}

func TestNewStateMachineStartsStopped(t *testing.T) {
	m := NewStateMachine("orders", nil)
	assert.Equal(t, Stopped, m.State())
	assert.True(t, m.Is(Stopped, Error))
	assert.Equal(t, "orders[STOPPED]", m.String())
}

func TestTransitionToFollowsTable(t *testing.T) {
	m := NewStateMachine("orders", nil)

	require.NoError(t, m.TransitionTo(Starting, "start"))
	require.NoError(t, m.TransitionTo(Started, "opened"))

	err := m.TransitionTo(Stopped, "skip stopping")
	assert.True(t, errors.Is(err, errspkg.ErrInvalidTransition))
	assert.Equal(t, Started, m.State())

	err = m.TransitionTo(Started, "again")
	assert.True(t, errors.Is(err, errspkg.ErrAlreadyInState))

	require.NoError(t, m.TransitionTo(Error, "pipeline broke"))
	require.NoError(t, m.TransitionTo(Stopping, "operator stop"))
	require.NoError(t, m.TransitionTo(ExceptionStopping, "drain timeout"))
	require.NoError(t, m.TransitionTo(Stopped, "closed"))
}

func TestCanTransitionErrorFromAnywhere(t *testing.T) {
	for _, s := range []RunState{Stopped, Starting, Started, Stopping, ExceptionStarting, ExceptionStopping} {
		assert.True(t, CanTransition(s, Error), s.String())
	}
	assert.False(t, CanTransition(Error, Error))
	assert.False(t, CanTransition(Stopped, Started))
	assert.True(t, CanTransition(ExceptionStarting, Starting))
}

func TestObserversSeeEveryTransition(t *testing.T) {
	m := NewStateMachine("orders", nil)
	var seen []Transition
	m.Subscribe(func(tr Transition) { seen = append(seen, tr) })

	require.NoError(t, m.TransitionTo(Starting, "a"))
	require.NoError(t, m.TransitionTo(ExceptionStarting, "b"))

	require.Len(t, seen, 2)
	assert.Equal(t, Stopped, seen[0].From)
	assert.Equal(t, Starting, seen[0].To)
	assert.Equal(t, "b", seen[1].Reason)
	assert.False(t, seen[1].At.IsZero())
}

func TestAwaitStateReturnsWhenReached(t *testing.T) {
	m := NewStateMachine("orders", nil)
	require.NoError(t, m.TransitionTo(Starting, "start"))

	var wg sync.WaitGroup
	wg.Add(1)
	var awaitErr error
	go func() {
		defer wg.Done()
		awaitErr = m.AwaitState(context.Background(), Started, time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.TransitionTo(Started, "opened"))
	wg.Wait()
	assert.NoError(t, awaitErr)
}

func TestAwaitStateTimeout(t *testing.T) {
	m := NewStateMachine("orders", nil)
	err := m.AwaitState(context.Background(), Started, 20*time.Millisecond)
	assert.True(t, errors.Is(err, errspkg.ErrStateTimeout))
}

func TestAwaitStateCancelled(t *testing.T) {
	m := NewStateMachine("orders", nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := m.AwaitState(ctx, Started, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAwaitStateAlreadyThere(t *testing.T) {
	m := NewStateMachine("orders", nil)
	assert.NoError(t, m.AwaitState(context.Background(), Stopped, time.Millisecond))
}
