package sock

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitQueue_PredicateAlreadyTrue(t *testing.T) {
	q := NewWaitQueue()
	err := q.WaitUntil(func() bool { return true }, 0)
	require.NoError(t, err)
}

func TestWaitQueue_WakeObservesPredicate(t *testing.T) {
	q := NewWaitQueue()
	var ready atomic.Bool

	done := make(chan error, 1)
	go func() {
		done <- q.WaitUntil(ready.Load, 0)
	}()

	// A wake without the predicate holding must not release the waiter.
	q.Wake()
	select {
	case <-done:
		t.Fatal("waiter released without predicate")
	case <-time.After(20 * time.Millisecond):
	}

	ready.Store(true)
	q.Wake()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not released after wake")
	}
}

func TestWaitQueue_Timeout(t *testing.T) {
	q := NewWaitQueue()
	start := time.Now()
	err := q.WaitUntil(func() bool { return false }, 30*time.Millisecond)
	require.ErrorIs(t, err, ErrTimedOut)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestPollee_Bits(t *testing.T) {
	var p pollee
	require.False(t, p.test(EventIn))

	p.set(EventIn | EventOut)
	require.True(t, p.test(EventIn))
	require.True(t, p.test(EventOut))

	p.clear(EventOut)
	require.True(t, p.test(EventIn))
	require.False(t, p.test(EventOut))

	p.assign(EventOut, true)
	require.Equal(t, EventIn|EventOut, p.load())
	p.assign(EventIn, false)
	require.Equal(t, EventOut, p.load())
}
