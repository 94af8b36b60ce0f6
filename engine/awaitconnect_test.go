package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAwaitConnectSweepExpiredOnly(t *testing.T) {
	a := NewAwaitConnect()
	now := time.Now()
	a.Add(1, now.Add(-time.Second))
	a.Add(2, now.Add(time.Hour))
	a.Add(3, now.Add(-time.Millisecond))
	require.Equal(t, 3, a.Len())

	expired := a.Sweep(now)
	require.ElementsMatch(t, []int32{1, 3}, expired)
	require.Equal(t, 1, a.Len())
}

func TestAwaitConnectRemoveBeforeExpiry(t *testing.T) {
	a := NewAwaitConnect()
	now := time.Now()
	a.Add(5, now.Add(time.Minute))
	a.Remove(5)
	require.Equal(t, 0, a.Len())

	expired := a.Sweep(now.Add(time.Hour))
	require.Empty(t, expired)
}

func TestAwaitConnectRemoveUnknownIsNoop(t *testing.T) {
	a := NewAwaitConnect()
	a.Remove(99)
	require.Equal(t, 0, a.Len())
}
