// Package control defines the byte layouts of the structures exchanged with
// the remote TNR unit through shared segments: the per-instance Request
// Descriptor (control block) and the transient init-info block.
//
// Both layouts are fixed, little-endian, and accessed in place through view
// types, so writes land directly in shared memory with no intermediate copy.
package control

import (
	"encoding/binary"
	"fmt"

	"github.com/Nativu5/gpu-tnr-client/pkg/types"
)

// Request Descriptor layout. Every field is 4 bytes.
const (
	offInHandle      = 0x00
	offOutHandle     = 0x04
	offParamHandle   = 0x08
	offType          = 0x0C
	offCameraID      = 0x10
	offOutBufFd      = 0x14
	offForceUpdate   = 0x18
	offGain          = 0x1C
	offSurfaceHandle = 0x20
	offWidth         = 0x24
	offHeight        = 0x28
	offSurfaceSize   = 0x2C

	// RequestInfoSize is the exact size of the Request Descriptor.
	RequestInfoSize = 0x30
)

// Init-info layout.
const (
	offInitWidth    = 0x00
	offInitHeight   = 0x04
	offInitCameraID = 0x08
	offInitType     = 0x0C

	// InitInfoSize is the exact size of the init-info block.
	InitInfoSize = 0x10
)

var le = binary.LittleEndian

// RequestView reads and writes Request Descriptor fields in place.
type RequestView struct {
	b []byte
}

// NewRequestView wraps buf, which must hold at least RequestInfoSize bytes.
func NewRequestView(buf []byte) (*RequestView, error) {
	if len(buf) < RequestInfoSize {
		return nil, fmt.Errorf("request descriptor needs %d bytes, got %d", RequestInfoSize, len(buf))
	}
	return &RequestView{b: buf[:RequestInfoSize]}, nil
}

func (v *RequestView) i32(off int) int32 { return int32(le.Uint32(v.b[off:])) }
func (v *RequestView) put(off int, x int32) { le.PutUint32(v.b[off:], uint32(x)) }
func (v *RequestView) handle(off int) types.Handle {
	return types.Handle(v.i32(off))
}

// InHandle returns the handle of the frame input segment.
func (v *RequestView) InHandle() types.Handle { return v.handle(offInHandle) }

// SetInHandle stores the handle of the frame input segment.
func (v *RequestView) SetInHandle(h types.Handle) { v.put(offInHandle, int32(h)) }

// OutHandle returns the handle of the frame output segment.
func (v *RequestView) OutHandle() types.Handle { return v.handle(offOutHandle) }

// SetOutHandle stores the handle of the frame output segment.
func (v *RequestView) SetOutHandle(h types.Handle) { v.put(offOutHandle, int32(h)) }

// ParamHandle returns the handle of the parameter blob.
func (v *RequestView) ParamHandle() types.Handle { return v.handle(offParamHandle) }

// SetParamHandle stores the handle of the parameter blob.
func (v *RequestView) SetParamHandle(h types.Handle) { v.put(offParamHandle, int32(h)) }

// Type returns the TNR type of the instance.
func (v *RequestView) Type() types.TnrType { return types.TnrType(v.i32(offType)) }

// SetType stores the TNR type of the instance.
func (v *RequestView) SetType(t types.TnrType) { v.put(offType, int32(t)) }

// CameraID returns the camera the instance belongs to.
func (v *RequestView) CameraID() int32 { return v.i32(offCameraID) }

// SetCameraID stores the camera the instance belongs to.
func (v *RequestView) SetCameraID(id int32) { v.put(offCameraID, id) }

// OutBufFd returns the external output descriptor, or -1 when unused.
func (v *RequestView) OutBufFd() int32 { return v.i32(offOutBufFd) }

// SetOutBufFd stores the external output descriptor.
func (v *RequestView) SetOutBufFd(fd int32) { v.put(offOutBufFd, fd) }

// ForceUpdate reports whether the next parameter update is forced.
func (v *RequestView) ForceUpdate() bool { return v.i32(offForceUpdate) != 0 }

// SetForceUpdate stores the force flag as 0 or 1.
func (v *RequestView) SetForceUpdate(on bool) {
	var x int32
	if on {
		x = 1
	}
	v.put(offForceUpdate, x)
}

// Gain returns the gain carried by a parameter update.
func (v *RequestView) Gain() int32 { return v.i32(offGain) }

// SetGain stores the gain carried by a parameter update.
func (v *RequestView) SetGain(gain int32) { v.put(offGain, gain) }

// SurfaceHandle returns the handle of the buffer being prepared as a surface.
func (v *RequestView) SurfaceHandle() types.Handle { return v.handle(offSurfaceHandle) }

// SetSurfaceHandle stores the handle of the buffer being prepared as a surface.
func (v *RequestView) SetSurfaceHandle(h types.Handle) { v.put(offSurfaceHandle, int32(h)) }

// Width returns the frame width of a surface info query.
func (v *RequestView) Width() int32 { return v.i32(offWidth) }

// SetWidth stores the frame width of a surface info query.
func (v *RequestView) SetWidth(w int32) { v.put(offWidth, w) }

// Height returns the frame height of a surface info query.
func (v *RequestView) Height() int32 { return v.i32(offHeight) }

// SetHeight stores the frame height of a surface info query.
func (v *RequestView) SetHeight(h int32) { v.put(offHeight, h) }

// SurfaceSize is written by the remote side in reply to GET_SURFACE_INFO.
func (v *RequestView) SurfaceSize() uint32 { return le.Uint32(v.b[offSurfaceSize:]) }

// SetSurfaceSize stores the surface byte size. Only the remote side and
// tests call it.
func (v *RequestView) SetSurfaceSize(size uint32) { le.PutUint32(v.b[offSurfaceSize:], size) }

// Identify stamps the instance identity carried by every request.
func (v *RequestView) Identify(t types.TnrType, cameraID int32) {
	v.SetType(t)
	v.SetCameraID(cameraID)
}

// InitView reads and writes the init-info block in place.
type InitView struct {
	b []byte
}

// NewInitView wraps buf, which must hold at least InitInfoSize bytes.
func NewInitView(buf []byte) (*InitView, error) {
	if len(buf) < InitInfoSize {
		return nil, fmt.Errorf("init info needs %d bytes, got %d", InitInfoSize, len(buf))
	}
	return &InitView{b: buf[:InitInfoSize]}, nil
}

// Fill writes all init-info fields at once.
func (v *InitView) Fill(width, height, cameraID int32, t types.TnrType) {
	le.PutUint32(v.b[offInitWidth:], uint32(width))
	le.PutUint32(v.b[offInitHeight:], uint32(height))
	le.PutUint32(v.b[offInitCameraID:], uint32(cameraID))
	le.PutUint32(v.b[offInitType:], uint32(t))
}

// Width returns the frame width the instance is initialized with.
func (v *InitView) Width() int32 { return int32(le.Uint32(v.b[offInitWidth:])) }

// Height returns the frame height the instance is initialized with.
func (v *InitView) Height() int32 { return int32(le.Uint32(v.b[offInitHeight:])) }

// CameraID returns the camera of the instance being initialized.
func (v *InitView) CameraID() int32 { return int32(le.Uint32(v.b[offInitCameraID:])) }

// Type returns the TNR type of the instance being initialized.
func (v *InitView) Type() types.TnrType { return types.TnrType(le.Uint32(v.b[offInitType:])) }
