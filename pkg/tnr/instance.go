// Package tnr is the client-side protocol engine for a GPU temporal noise
// reduction unit running in an isolated process.
//
// An Instance owns one control-block segment (the Request Descriptor), an
// optional parameter blob, and a registry of capture buffers. Every remote
// command is a single blocking request carrying one segment handle; the
// descriptor is rewritten in place before each request, so operations on
// one instance are serialized by an internal mutex.
package tnr

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"unsafe"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/gpu-tnr-client/pkg/control"
	"github.com/Nativu5/gpu-tnr-client/pkg/metrics"
	"github.com/Nativu5/gpu-tnr-client/pkg/types"
)

// DefaultParamSize is the byte size of the parameter blob.
const DefaultParamSize = 4096

// Segment name purposes.
const (
	purposeRun   = "run"
	purposeInit  = "init"
	purposeParam = "param"
	purposeCam   = "cam"
)

// State is the lifecycle state of an Instance.
type State int

const (
	StateIdle State = iota
	StateInitialized
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitialized:
		return "initialized"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Option configures an Instance.
type Option func(*Instance)

// WithLogger sets the base log entry; instance fields are added to it.
func WithLogger(entry *log.Entry) Option {
	return func(i *Instance) { i.log = entry }
}

// WithMetrics records segment allocation and release in m.
func WithMetrics(m *metrics.Collector) Option {
	return func(i *Instance) { i.metrics = m }
}

// WithParamSize overrides DefaultParamSize.
func WithParamSize(size int) Option {
	return func(i *Instance) {
		if size > 0 {
			i.paramSize = size
		}
	}
}

// Instance is one session with the remote TNR unit.
type Instance struct {
	mu sync.Mutex

	id        string
	cameraID  int32
	tnrType   types.TnrType
	state     State
	initGen   int
	paramSize int

	alloc     types.SegmentAllocator
	transport types.Transport
	metrics   *metrics.Collector
	log       *log.Entry

	request *types.Segment
	req     *control.RequestView
	param   *types.Segment
	camBufs []*types.Segment
}

// New constructs an idle instance for cameraID. Nothing is allocated until
// Init.
func New(cameraID int, alloc types.SegmentAllocator, transport types.Transport, opts ...Option) *Instance {
	i := &Instance{
		id:        uuid.New().String(),
		cameraID:  int32(cameraID),
		tnrType:   types.TypeMax,
		paramSize: DefaultParamSize,
		alloc:     alloc,
		transport: transport,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.log == nil {
		i.log = log.NewEntry(log.StandardLogger())
	}
	i.log = i.log.WithFields(log.Fields{"camera": cameraID, "instance": i.id})
	i.log.Debug("constructed")
	return i
}

// ID returns the instance's unique identity, used in every segment name.
func (i *Instance) ID() string { return i.id }

// CameraID returns the camera the instance serves.
func (i *Instance) CameraID() int { return int(i.cameraID) }

// Type returns the instance type, or types.TypeMax before Init succeeds.
func (i *Instance) Type() types.TnrType {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.tnrType
}

// State returns the lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// CamBufCount returns the number of capture buffers in the registry.
func (i *Instance) CamBufCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.camBufs)
}

// ───────────────────────────────────────────
//  Segment helpers
// ───────────────────────────────────────────

// segmentName derives a name from the instance identity, a purpose tag,
// and an optional suffix.
func (i *Instance) segmentName(purpose, suffix string) string {
	name := "/tnr-" + purpose + "-" + i.id
	if suffix != "" {
		name += "-" + suffix
	}
	return name
}

func (i *Instance) allocate(name string, size int) (*types.Segment, error) {
	seg, err := i.alloc.Allocate(name, size)
	if err != nil {
		return nil, err
	}
	i.metrics.SegmentAllocated(size)
	return seg, nil
}

// release frees seg, logging any failure. The error is still returned
// for callers that collect it.
func (i *Instance) release(seg *types.Segment) error {
	size := seg.Size
	if err := i.alloc.Release(seg); err != nil {
		i.log.Errorf("release %s failed: %v", seg.Name, err)
		return err
	}
	i.metrics.SegmentReleased(size)
	return nil
}

func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// requireInitialized is called with i.mu held.
func (i *Instance) requireInitialized(op string) error {
	if i.state != StateInitialized {
		return errorf(op, ErrInvalidState, "instance is %s", i.state)
	}
	return nil
}

// lane picks the secondary command variant for non-primary types.
func (i *Instance) lane(primary, secondary types.Command) types.Command {
	if i.tnrType.IsSecondary() {
		return secondary
	}
	return primary
}

// send stamps the instance identity into the descriptor and issues cmd
// with the descriptor's handle.
func (i *Instance) send(cmd types.Command) error {
	i.req.Identify(i.tnrType, i.cameraID)
	return i.transport.Send(cmd, i.request.Handle)
}

// ───────────────────────────────────────────
//  Lifecycle
// ───────────────────────────────────────────

// Init allocates the control block, sends INIT with a transient init-info
// segment, and moves the instance to StateInitialized. On any failure the
// instance stays idle with nothing allocated, and Init may be retried.
func (i *Instance) Init(width, height int, t types.TnrType) error {
	const op = "init"
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state != StateIdle {
		return errorf(op, ErrInvalidState, "instance is %s", i.state)
	}
	if !validSize(width, height) {
		return errorf(op, ErrInvalidArgument, "invalid size %dx%d", width, height)
	}
	if !t.Valid() {
		return errorf(op, ErrInvalidArgument, "invalid type %s", t)
	}

	i.initGen++
	gen := "g" + strconv.Itoa(i.initGen)

	request, err := i.allocate(i.segmentName(purposeRun, gen), control.RequestInfoSize)
	if err != nil {
		i.log.Errorf("alloc request info failed: %v", err)
		return newError(op, ErrAllocation, err)
	}
	req, err := control.NewRequestView(request.Data)
	if err != nil {
		i.release(request)
		return newError(op, ErrAllocation, err)
	}

	initSeg, err := i.allocate(i.segmentName(purposeInit, gen), control.InitInfoSize)
	if err != nil {
		i.log.Errorf("alloc init info failed: %v", err)
		i.release(request)
		return newError(op, ErrAllocation, err)
	}
	info, err := control.NewInitView(initSeg.Data)
	if err != nil {
		i.release(initSeg)
		i.release(request)
		return newError(op, ErrAllocation, err)
	}
	info.Fill(int32(width), int32(height), i.cameraID, t)

	sendErr := i.transport.Send(types.CmdInit, initSeg.Handle)
	// The init info is only needed for the one request.
	i.release(initSeg)
	if sendErr != nil {
		i.log.Errorf("%s failed: %v", types.CmdInit, sendErr)
		i.release(request)
		return newError(op, ErrTransport, sendErr)
	}

	i.request = request
	i.req = req
	i.tnrType = t
	i.state = StateInitialized
	i.log = i.log.WithField("type", t.String())
	i.log.Debugf("GPU TNR instance size %dx%d", width, height)
	return nil
}

// Close tears the instance down exactly once. If it was initialized,
// DEINIT is sent, then the capture buffers, the parameter blob, and the
// control block are released whether or not the remote side acknowledged.
// A DEINIT failure is returned after local resources have been freed.
func (i *Instance) Close() error {
	const op = "close"
	i.mu.Lock()
	defer i.mu.Unlock()

	switch i.state {
	case StateDestroyed:
		return nil
	case StateIdle:
		i.state = StateDestroyed
		i.log.Debug("destroyed (never initialized)")
		return nil
	}

	var errs []error
	if err := i.send(types.CmdDeinit); err != nil {
		i.log.Errorf("%s failed: %v", types.CmdDeinit, err)
		errs = append(errs, newError(op, ErrTransport, err))
	}
	if err := i.freeAllBufsLocked(); err != nil {
		errs = append(errs, newError(op, ErrAllocation, err))
	}
	if err := i.release(i.request); err != nil {
		errs = append(errs, newError(op, ErrAllocation, err))
	}
	i.request = nil
	i.req = nil
	i.state = StateDestroyed
	i.log.Debug("destroyed")
	return errors.Join(errs...)
}

// ───────────────────────────────────────────
//  Buffers
// ───────────────────────────────────────────

// AllocTnr7ParamBuf allocates the parameter blob and returns it. The same
// blob must later be passed to RunFrame. A second call returns the blob
// already allocated.
func (i *Instance) AllocTnr7ParamBuf() ([]byte, error) {
	const op = "alloc param buf"
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.requireInitialized(op); err != nil {
		return nil, err
	}
	if i.param != nil {
		i.log.Debug("parameter blob already allocated")
		return i.param.Data, nil
	}

	seg, err := i.allocate(i.segmentName(purposeParam, ""), i.paramSize)
	if err != nil {
		i.log.Errorf("alloc param buf failed: %v", err)
		return nil, newError(op, ErrAllocation, err)
	}
	i.param = seg
	return seg.Data, nil
}

// AllocCamBuf allocates a capture buffer of size bytes and has the remote
// side prepare a surface for it. id must be unique within the instance.
func (i *Instance) AllocCamBuf(size uint32, id int) ([]byte, error) {
	const op = "alloc cam buf"
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.requireInitialized(op); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, errorf(op, ErrInvalidArgument, "buffer %d has zero size", id)
	}

	seg, err := i.allocate(i.segmentName(purposeCam, strconv.Itoa(id)), int(size))
	if err != nil {
		i.log.Errorf("alloc cam buf %d failed: %v", id, err)
		return nil, newError(op, ErrAllocation, err)
	}

	i.req.SetSurfaceHandle(seg.Handle)
	if err := i.send(types.CmdPrepareSurface); err != nil {
		i.log.Errorf("%s for buffer %d failed: %v", types.CmdPrepareSurface, id, err)
		i.release(seg)
		return nil, newError(op, ErrTransport, err)
	}

	i.camBufs = append(i.camBufs, seg)
	return seg.Data, nil
}

// FreeAllBufs releases the parameter blob and every capture buffer. It is
// safe to call repeatedly and in any state.
func (i *Instance) FreeAllBufs() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.freeAllBufsLocked()
}

func (i *Instance) freeAllBufsLocked() error {
	var errs []error
	if i.param != nil {
		if err := i.release(i.param); err != nil {
			errs = append(errs, err)
		}
		i.param = nil
	}
	for _, seg := range i.camBufs {
		if err := i.release(seg); err != nil {
			errs = append(errs, err)
		}
	}
	i.camBufs = nil
	return errors.Join(errs...)
}

// ───────────────────────────────────────────
//  Requests
// ───────────────────────────────────────────

// RunFrame processes one frame. in and out must be registered segments
// (e.g. from AllocCamBuf); param must be this instance's parameter blob.
// If fd >= 0 the output goes to the external buffer behind fd instead of
// out, and that buffer is registered only for the duration of the call.
//
// A transport failure is returned as ErrTransport; the instance stays
// usable for the next frame.
func (i *Instance) RunFrame(in, out []byte, inSize, outSize uint32, param []byte, syncUpdate bool, fd int) error {
	const op = "run frame"
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.requireInitialized(op); err != nil {
		return err
	}
	if len(in) == 0 || len(out) == 0 || len(param) == 0 {
		return errorf(op, ErrInvalidArgument, "invalid data buffer or parameter buffer")
	}
	if i.param == nil || addrOf(param) != i.param.Addr {
		return errorf(op, ErrInvalidArgument, "parameter buffer does not belong to this instance")
	}
	if inSize > uint32(len(in)) {
		return errorf(op, ErrInvalidArgument, "input size %d exceeds buffer length %d", inSize, len(in))
	}
	if fd < 0 && outSize > uint32(len(out)) {
		return errorf(op, ErrInvalidArgument, "output size %d exceeds buffer length %d", outSize, len(out))
	}
	i.log.Tracef("run frame, syncUpdate: %t, fd: %d", syncUpdate, fd)

	inHandle, err := i.alloc.HandleOf(addrOf(in))
	if err != nil {
		i.log.Errorf("can't find inBuf handle: %v", err)
		return newError(op, ErrHandleResolution, err)
	}

	outFd := types.NoFd
	var outHandle types.Handle
	if fd >= 0 {
		outHandle, err = i.alloc.RegisterExternal(fd)
		outFd = int32(fd)
	} else {
		outHandle, err = i.alloc.HandleOf(addrOf(out))
	}
	if err != nil {
		i.log.Errorf("can't init outBuf handle: %v", err)
		return newError(op, ErrHandleResolution, err)
	}

	i.req.SetInHandle(inHandle)
	i.req.SetOutHandle(outHandle)
	i.req.SetParamHandle(i.param.Handle)
	i.req.SetOutBufFd(outFd)
	i.req.SetForceUpdate(syncUpdate)

	sendErr := i.send(i.lane(types.CmdRunFrame, types.CmdRunFrameSecondary))

	if fd >= 0 {
		if err := i.alloc.DeregisterExternal(outHandle); err != nil {
			i.log.Warnf("deregister external buffer fd %d failed: %v", fd, err)
		}
	}
	if sendErr != nil {
		i.log.Errorf("run tnr failed: %v", sendErr)
		return newError(op, ErrTransport, sendErr)
	}
	return nil
}

// AsyncParamUpdate pushes a new gain to the remote unit, optionally
// forcing a full parameter update.
func (i *Instance) AsyncParamUpdate(gain int, forceUpdate bool) error {
	const op = "param update"
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.requireInitialized(op); err != nil {
		return err
	}
	i.log.Tracef("param update, gain: %d, forceUpdate: %t", gain, forceUpdate)

	i.req.SetGain(int32(gain))
	i.req.SetForceUpdate(forceUpdate)
	cmd := i.lane(types.CmdParamUpdate, types.CmdParamUpdateSecondary)
	if err := i.send(cmd); err != nil {
		i.log.Errorf("%s failed: %v", cmd, err)
		return newError(op, ErrTransport, err)
	}
	return nil
}

// GetSurfaceInfo asks the remote unit for the surface byte size it needs
// for a width x height frame.
func (i *Instance) GetSurfaceInfo(width, height int) (uint32, error) {
	const op = "get surface info"
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.requireInitialized(op); err != nil {
		return 0, err
	}
	if !validSize(width, height) {
		return 0, errorf(op, ErrInvalidArgument, "invalid size %dx%d", width, height)
	}

	i.req.SetWidth(int32(width))
	i.req.SetHeight(int32(height))
	i.req.SetSurfaceSize(0)
	if err := i.send(types.CmdGetSurfaceInfo); err != nil {
		i.log.Errorf("%s failed: %v", types.CmdGetSurfaceInfo, err)
		return 0, newError(op, ErrTransport, err)
	}
	return i.req.SurfaceSize(), nil
}

// validSize reports whether both dimensions are positive and fit the
// 32-bit fields of the wire layout.
func validSize(width, height int) bool {
	return width > 0 && height > 0 && width <= math.MaxInt32 && height <= math.MaxInt32
}
