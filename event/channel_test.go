package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannelWriteThenReadRoundTrip(t *testing.T) {
	r, w, err := NewPipe(0)
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	var in Event
	in.Kind = KindData
	in.Direction = DirClientToServer
	in.CSD = 3
	in.SSD = NoSD
	in.SetPayload([]byte("hello"))

	require.NoError(t, w.WriteEvent(&in))

	var out Event
	require.NoError(t, r.ReadEvent(&out))
	require.Equal(t, KindData, out.Kind)
	require.Equal(t, int32(3), out.CSD)
	require.Equal(t, "hello", string(out.Payload()))
}

func TestChannelDataHeadroomReflectsQueueDepth(t *testing.T) {
	r, w, err := NewPipe(0.5)
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	ok, err := w.DataHeadroom()
	require.NoError(t, err)
	require.True(t, ok)

	var e Event
	e.Kind = KindNewConnect
	cap := w.capacityRecords()
	dataCap := cap - int(float64(cap)*0.5)
	for i := 0; i < dataCap; i++ {
		require.NoError(t, w.WriteEvent(&e))
	}

	ok, err = w.DataHeadroom()
	require.NoError(t, err)
	require.False(t, ok)

	total, err := w.TotalHeadroom()
	require.NoError(t, err)
	require.True(t, total)
}

func TestChannelTryReadEventOnEmptyChannel(t *testing.T) {
	r, w, err := NewPipe(0)
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	var out Event
	ok, err := r.TryReadEvent(&out)
	require.NoError(t, err)
	require.False(t, ok)

	var in Event
	in.Kind = KindNewConnect
	in.CSD = 9
	require.NoError(t, w.WriteEvent(&in))

	ok, err = r.TryReadEvent(&out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int32(9), out.CSD)
}

func TestChannelCapacityRecordsAtLeastOne(t *testing.T) {
	c := &Channel{capacityBytes: 1}
	require.Equal(t, 1, c.capacityRecords())
}
