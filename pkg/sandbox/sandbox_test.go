package sandbox

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nativu5/gpu-tnr-client/pkg/control"
	"github.com/Nativu5/gpu-tnr-client/pkg/types"
)

// mapResolver is an in-memory handle table.
type mapResolver map[types.Handle][]byte

func (m mapResolver) Lookup(h types.Handle) ([]byte, error) {
	b, ok := m[h]
	if !ok {
		return nil, fmt.Errorf("handle %d: not found", h)
	}
	return b, nil
}

const (
	hInit types.Handle = iota + 1
	hReq
	hIn
	hOut
	hParam
)

func setup(t *testing.T, tt types.TnrType) (*Service, mapResolver, *control.RequestView) {
	t.Helper()
	res := mapResolver{
		hInit:  make([]byte, control.InitInfoSize),
		hReq:   make([]byte, control.RequestInfoSize),
		hIn:    make([]byte, 64),
		hOut:   make([]byte, 64),
		hParam: make([]byte, 32),
	}
	svc := New(res)

	info, err := control.NewInitView(res[hInit])
	require.NoError(t, err)
	info.Fill(1920, 1080, 0, tt)
	require.NoError(t, svc.Handle(types.CmdInit, hInit))

	req, err := control.NewRequestView(res[hReq])
	require.NoError(t, err)
	req.Identify(tt, 0)
	return svc, res, req
}

func TestInit_DuplicateSession(t *testing.T) {
	svc, _, _ := setup(t, types.TypeVideo)
	assert.Equal(t, 1, svc.Sessions())
	assert.Error(t, svc.Handle(types.CmdInit, hInit))
}

func TestInit_InvalidPayload(t *testing.T) {
	res := mapResolver{hInit: make([]byte, control.InitInfoSize)}
	svc := New(res)
	assert.Error(t, svc.Handle(types.CmdInit, hInit), "zero size must be rejected")
	assert.Error(t, svc.Handle(types.CmdInit, 42), "unknown handle must be rejected")
	assert.Equal(t, 0, svc.Sessions())
}

func TestRunFrame_CopiesAndCounts(t *testing.T) {
	svc, res, req := setup(t, types.TypeVideo)
	for i := range res[hIn] {
		res[hIn][i] = byte(i + 1)
	}
	req.SetInHandle(hIn)
	req.SetOutHandle(hOut)
	req.SetParamHandle(hParam)
	req.SetOutBufFd(types.NoFd)
	req.SetForceUpdate(true)

	require.NoError(t, svc.Handle(types.CmdRunFrame, hReq))
	assert.Equal(t, res[hIn], res[hOut])

	sess, ok := svc.Session(0, types.TypeVideo)
	require.True(t, ok)
	assert.Equal(t, int64(1), sess.Frames)
	assert.True(t, sess.LastForceUpdate)
}

func TestRunFrame_WrongLane(t *testing.T) {
	svc, _, req := setup(t, types.TypeStill)
	req.SetInHandle(hIn)
	req.SetOutHandle(hOut)
	req.SetParamHandle(hParam)

	assert.Error(t, svc.Handle(types.CmdRunFrame, hReq))
	assert.NoError(t, svc.Handle(types.CmdRunFrameSecondary, hReq))
	assert.Error(t, svc.Handle(types.CmdParamUpdate, hReq))
}

func TestRunFrame_UnknownHandle(t *testing.T) {
	svc, _, req := setup(t, types.TypeVideo)
	req.SetInHandle(hIn)
	req.SetOutHandle(99)
	req.SetParamHandle(hParam)

	assert.Error(t, svc.Handle(types.CmdRunFrame, hReq))
}

func TestParamUpdate_BlendsNextFrame(t *testing.T) {
	svc, res, req := setup(t, types.TypeVideo)
	req.SetGain(128)
	require.NoError(t, svc.Handle(types.CmdParamUpdate, hReq))

	res[hIn][0] = 200
	res[hOut][0] = 100
	req.SetInHandle(hIn)
	req.SetOutHandle(hOut)
	req.SetParamHandle(hParam)
	require.NoError(t, svc.Handle(types.CmdRunFrame, hReq))
	assert.Equal(t, byte(150), res[hOut][0])
}

func TestPrepareSurface(t *testing.T) {
	svc, _, req := setup(t, types.TypeVideo)

	req.SetSurfaceHandle(hIn)
	require.NoError(t, svc.Handle(types.CmdPrepareSurface, hReq))
	req.SetSurfaceHandle(77)
	assert.Error(t, svc.Handle(types.CmdPrepareSurface, hReq))

	sess, _ := svc.Session(0, types.TypeVideo)
	assert.Equal(t, []types.Handle{hIn}, sess.Surfaces)
}

func TestGetSurfaceInfo(t *testing.T) {
	svc, _, req := setup(t, types.TypeVideo)

	req.SetWidth(1920)
	req.SetHeight(1080)
	require.NoError(t, svc.Handle(types.CmdGetSurfaceInfo, hReq))
	assert.Equal(t, uint32(1920*1088*3/2), req.SurfaceSize())

	req.SetWidth(0)
	assert.Error(t, svc.Handle(types.CmdGetSurfaceInfo, hReq))
}

func TestDeinit_RemovesSession(t *testing.T) {
	svc, _, _ := setup(t, types.TypeVideo)

	require.NoError(t, svc.Handle(types.CmdDeinit, hReq))
	assert.Equal(t, 0, svc.Sessions())
	assert.Error(t, svc.Handle(types.CmdDeinit, hReq), "no session left")
}

func TestFaultInjection(t *testing.T) {
	svc, _, _ := setup(t, types.TypeVideo)

	svc.FailNext(types.CmdGetSurfaceInfo, 2)
	for i := 0; i < 2; i++ {
		err := svc.Handle(types.CmdGetSurfaceInfo, hReq)
		assert.True(t, errors.Is(err, ErrInjected))
	}

	svc.FailAlways(types.CmdDeinit, true)
	assert.ErrorIs(t, svc.Handle(types.CmdDeinit, hReq), ErrInjected)
	svc.FailAlways(types.CmdDeinit, false)
	assert.NoError(t, svc.Handle(types.CmdDeinit, hReq))
}

func TestSurfaceSize_Alignment(t *testing.T) {
	tests := []struct {
		w, h int32
		want uint32
	}{
		{1920, 1080, 1920 * 1088 * 3 / 2},
		{64, 32, 64 * 32 * 3 / 2},
		{65, 33, 128 * 64 * 3 / 2},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, SurfaceSize(tc.w, tc.h), "%dx%d", tc.w, tc.h)
	}
}
