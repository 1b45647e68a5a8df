package ipc

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nativu5/gpu-tnr-client/pkg/metrics"
	"github.com/Nativu5/gpu-tnr-client/pkg/types"
)

func TestLoopback_DeliversRequest(t *testing.T) {
	var gotCmd types.Command
	var gotHandle types.Handle
	l := NewLoopback(HandlerFunc(func(cmd types.Command, h types.Handle) error {
		gotCmd, gotHandle = cmd, h
		return nil
	}))

	require.NoError(t, l.Send(types.CmdInit, 7))
	assert.Equal(t, types.CmdInit, gotCmd)
	assert.Equal(t, types.Handle(7), gotHandle)
}

func TestLoopback_HandlerErrorIsRejected(t *testing.T) {
	l := NewLoopback(HandlerFunc(func(types.Command, types.Handle) error {
		return errors.New("no session")
	}))

	err := l.Send(types.CmdRunFrame, 3)
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "no session")
	assert.Contains(t, err.Error(), "RUN_FRAME")
}

func TestLoopback_Closed(t *testing.T) {
	called := false
	l := NewLoopback(HandlerFunc(func(types.Command, types.Handle) error {
		called = true
		return nil
	}))
	require.NoError(t, l.Close())

	assert.ErrorIs(t, l.Send(types.CmdDeinit, 1), ErrClosed)
	assert.False(t, called)
}

func TestLoopback_SerializesRequests(t *testing.T) {
	var inFlight, maxInFlight int
	var mu sync.Mutex
	l := NewLoopback(HandlerFunc(func(types.Command, types.Handle) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Send(types.CmdParamUpdate, 1)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInFlight)
}

func TestInstrumented_CountsRequests(t *testing.T) {
	m := metrics.New()
	fail := false
	tr := Instrument(NewLoopback(HandlerFunc(func(types.Command, types.Handle) error {
		if fail {
			return errors.New("boom")
		}
		return nil
	})), m)

	require.NoError(t, tr.Send(types.CmdGetSurfaceInfo, 1))
	fail = true
	require.Error(t, tr.Send(types.CmdGetSurfaceInfo, 1))

	assert.Equal(t, int64(2), m.Requests(types.CmdGetSurfaceInfo))
	assert.Equal(t, int64(1), m.Failures(types.CmdGetSurfaceInfo))
}

func TestInstrumented_NilCollector(t *testing.T) {
	tr := Instrument(NewLoopback(HandlerFunc(func(types.Command, types.Handle) error { return nil })), nil)
	assert.NoError(t, tr.Send(types.CmdInit, 1))
}
