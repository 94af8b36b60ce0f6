package netpoll

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPollerReadableAfterWrite(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	p := OpenPoller(4)
	p.Add(int32(r.Fd()), false)
	require.Equal(t, 1, p.Len())

	_, err = w.Write([]byte("hi"))
	require.NoError(t, err)

	events, err := p.Wait(1000, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.True(t, events[0].Readable)
	require.Equal(t, int32(r.Fd()), events[0].FD)
}

func TestPollerRemoveCompacts(t *testing.T) {
	p := OpenPoller(4)
	p.Add(10, false)
	p.Add(11, false)
	p.Add(12, false)
	require.Equal(t, 3, p.Len())

	p.Remove(11)
	require.Equal(t, 2, p.Len())
	require.Contains(t, p.index, int32(10))
	require.Contains(t, p.index, int32(12))
	require.NotContains(t, p.index, int32(11))
}

func TestPollerWaitEmptyDoesNotBlockForever(t *testing.T) {
	p := OpenPoller(4)
	events, err := p.Wait(10, nil)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestPollerSetWritable(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	p := OpenPoller(4)
	p.Add(int32(w.Fd()), false)
	p.SetWritable(int32(w.Fd()), true)

	events, err := p.Wait(1000, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.True(t, events[0].Writable)
}
