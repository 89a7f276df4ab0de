package broadcast

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFanOut(t *testing.T) {
	s := New[int](4)
	r1 := s.Subscribe()
	r2 := s.Subscribe()
	require.Equal(t, 2, s.ReceiverCount())

	require.Equal(t, 2, s.Send(42))
	require.Equal(t, 42, <-r1.C)
	require.Equal(t, 42, <-r2.C)
}

func TestLaggedSubscriberIsDropped(t *testing.T) {
	s := New[int](2)
	slow := s.Subscribe()
	fast := s.Subscribe()

	require.Equal(t, 2, s.Send(1))
	require.Equal(t, 1, <-fast.C)
	require.Equal(t, 2, s.Send(2))
	require.Equal(t, 2, <-fast.C)
	// slow's buffer is now full; the next send drops it.
	require.Equal(t, 1, s.Send(3))
	require.Equal(t, 3, <-fast.C)
	require.Equal(t, 1, s.ReceiverCount())

	// Buffered events are still readable, then the channel closes.
	require.Equal(t, 1, <-slow.C)
	require.Equal(t, 2, <-slow.C)
	_, open := <-slow.C
	require.False(t, open)
	require.ErrorIs(t, slow.Err(), ErrLagged)
}

func TestClose(t *testing.T) {
	s := New[string](4)
	r := s.Subscribe()
	require.Equal(t, 1, s.Send("bye"))
	s.Close()

	require.Equal(t, "bye", <-r.C)
	_, open := <-r.C
	require.False(t, open)
	require.ErrorIs(t, r.Err(), ErrClosed)

	// Subscribing after close yields an already-closed receiver.
	late := s.Subscribe()
	_, open = <-late.C
	require.False(t, open)
	require.ErrorIs(t, late.Err(), ErrClosed)
	require.Equal(t, 0, s.Send("nobody home"))
}

func TestUnsubscribe(t *testing.T) {
	s := New[int](4)
	r := s.Subscribe()
	r.Unsubscribe()
	require.Equal(t, 0, s.ReceiverCount())
	require.Equal(t, 0, s.Send(1))
	_, open := <-r.C
	require.False(t, open)
	require.NoError(t, r.Err())
	// A second unsubscribe is a no-op.
	r.Unsubscribe()
}
