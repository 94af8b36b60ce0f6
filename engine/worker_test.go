package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sqlrelay/audit"
	"sqlrelay/event"
)

func TestWorkerDrainsBothChannelsIntoSink(t *testing.T) {
	fromClientR, fromClientW, err := event.NewPipe(0.5)
	require.NoError(t, err)
	defer fromClientR.Close()
	defer fromClientW.Close()
	fromServerR, fromServerW, err := event.NewPipe(0.5)
	require.NoError(t, err)
	defer fromServerR.Close()
	defer fromServerW.Close()

	sink := audit.NewRingSink(8)
	w := NewWorkerEngine(DefaultOptions(), fromClientR, fromServerR, sink, &EndFlag{})
	require.NoError(t, w.Prepare())

	require.NoError(t, fromClientW.WriteEvent(&event.Event{Kind: event.KindData, CSD: 1, Direction: event.DirClientToWorker}))
	require.NoError(t, fromServerW.WriteEvent(&event.Event{Kind: event.KindData, CSD: 1, Direction: event.DirServerToWorker}))

	events, err := w.poller.Wait(200, nil)
	require.NoError(t, err)
	for _, ev := range events {
		w.dispatch(ev)
	}

	recent := sink.Recent()
	require.Len(t, recent, 2)
}

func TestWorkerDefaultsToNullSink(t *testing.T) {
	fromClientR, fromClientW, err := event.NewPipe(0.5)
	require.NoError(t, err)
	defer fromClientR.Close()
	defer fromClientW.Close()
	fromServerR, fromServerW, err := event.NewPipe(0.5)
	require.NoError(t, err)
	defer fromServerR.Close()
	defer fromServerW.Close()

	w := NewWorkerEngine(DefaultOptions(), fromClientR, fromServerR, nil, &EndFlag{})
	require.IsType(t, audit.NullSink{}, w.sink)
}
