// Package types defines the shared vocabulary of the GPU TNR client:
// instance types, remote command codes, shared segments, and the two
// collaborator interfaces (segment allocator and synchronous transport)
// that the protocol engine is written against.
package types

import "fmt"

// TnrType selects which remote execution lane services a TNR session.
type TnrType int32

const (
	// TypeVideo is the primary lane, used for the video/preview stream.
	TypeVideo TnrType = 0
	// TypeStill is the secondary lane, used for still captures.
	TypeStill TnrType = 1
	// TypeMax marks an instance that has not been initialized yet.
	TypeMax TnrType = 2
)

// IsSecondary reports whether the type is serviced by the secondary lane.
func (t TnrType) IsSecondary() bool { return t > TypeVideo }

// Valid reports whether t names a concrete instance type.
func (t TnrType) Valid() bool { return t >= TypeVideo && t < TypeMax }

func (t TnrType) String() string {
	switch t {
	case TypeVideo:
		return "video"
	case TypeStill:
		return "still"
	case TypeMax:
		return "uninitialized"
	default:
		return fmt.Sprintf("TnrType(%d)", int32(t))
	}
}

// ParseTnrType parses "video"/"still" (or "0"/"1") into a TnrType.
func ParseTnrType(s string) (TnrType, error) {
	switch s {
	case "video", "0":
		return TypeVideo, nil
	case "still", "1":
		return TypeStill, nil
	default:
		return TypeMax, fmt.Errorf("unknown TNR type %q: use video or still", s)
	}
}

// Command is a remote operation code. Each request carries exactly one
// segment handle as payload.
type Command int32

const (
	CmdInit Command = iota + 1
	CmdDeinit
	CmdRunFrame
	CmdRunFrameSecondary
	CmdParamUpdate
	CmdParamUpdateSecondary
	CmdPrepareSurface
	CmdGetSurfaceInfo
)

var commandNames = map[Command]string{
	CmdInit:                 "INIT",
	CmdDeinit:               "DEINIT",
	CmdRunFrame:             "RUN_FRAME",
	CmdRunFrameSecondary:    "THREAD2_RUN_FRAME",
	CmdParamUpdate:          "PARAM_UPDATE",
	CmdParamUpdateSecondary: "THREAD2_PARAM_UPDATE",
	CmdPrepareSurface:       "PREPARE_SURFACE",
	CmdGetSurfaceInfo:       "GET_SURFACE_INFO",
}

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return fmt.Sprintf("Command(%d)", int32(c))
}

// Commands returns every known command code in ascending order.
func Commands() []Command {
	return []Command{
		CmdInit, CmdDeinit,
		CmdRunFrame, CmdRunFrameSecondary,
		CmdParamUpdate, CmdParamUpdateSecondary,
		CmdPrepareSurface, CmdGetSurfaceInfo,
	}
}

// Handle is an opaque token naming a shared segment or an externally
// registered buffer to the remote side. It carries no memory meaning.
type Handle int32

// InvalidHandle is the handle of an unallocated or released segment.
const InvalidHandle Handle = -1

// NoFd is written into the external fd field when no external output
// buffer is used.
const NoFd int32 = -1

// Segment is one named shared-memory region.
//
// Addr and Handle are zero/InvalidHandle before allocation and after
// release; only the Handle is ever sent across the process boundary.
type Segment struct {
	// Name is unique per instance and purpose (e.g. "/tnr-run-<id>-g1").
	Name string
	// Size is the requested byte size.
	Size int
	// Addr is the local address of the first byte while mapped.
	Addr uintptr
	// Handle is the transport handle assigned by the allocator.
	Handle Handle
	// Data is the locally mapped view of the segment.
	Data []byte
}

// Allocated reports whether the segment is currently backed by memory.
func (s *Segment) Allocated() bool {
	return s != nil && s.Addr != 0 && s.Handle != InvalidHandle
}

// SegmentAllocator allocates, names, and tracks shared segments. It owns
// the address-to-handle map; callers never derive handles themselves.
type SegmentAllocator interface {
	// Allocate creates a segment of size bytes under name.
	Allocate(name string, size int) (*Segment, error)
	// Release frees a segment previously returned by Allocate.
	Release(seg *Segment) error
	// HandleOf resolves a local address to the handle of the segment
	// that starts at it.
	HandleOf(addr uintptr) (Handle, error)
	// RegisterExternal imports an externally backed buffer (e.g. a
	// dma-buf) and returns a handle for it.
	RegisterExternal(fd int) (Handle, error)
	// DeregisterExternal drops a handle returned by RegisterExternal.
	DeregisterExternal(h Handle) error
}

// Transport is the synchronous request/response control channel to the
// remote TNR unit. Send blocks until the remote side replies.
type Transport interface {
	Send(cmd Command, h Handle) error
}

// DeviceSpec describes a host device to expose inside the sandbox
// container.
type DeviceSpec struct {
	// HostPath is the path of the device on the host (e.g. /dev/dri/renderD128).
	HostPath string
	// ContainerPath is the path of the device inside the container.
	ContainerPath string
	// Permissions is the cgroup permissions for the device (e.g. "rw", "rwm").
	Permissions string
}

// RenderNode is a DRM render node the remote TNR unit runs on.
type RenderNode struct {
	// Name is the node name (e.g. "renderD128").
	Name string
	// DevPath is the character device path (e.g. "/dev/dri/renderD128").
	DevPath string
	// PciAddress is the PCI BDF address of the GPU. May be empty for
	// platform (non-PCI) GPUs.
	PciAddress string
	// Vendor is the PCI vendor ID (e.g. "8086" for Intel).
	Vendor string
	// DeviceID is the PCI device/product ID.
	DeviceID string
	// Driver is the kernel driver bound to the GPU (e.g. "i915", "xe").
	Driver string
	// DeviceSpecs is the list of DeviceSpec entries derived from DevPath.
	DeviceSpecs []DeviceSpec
}

// RenderNodeDiscoverer abstracts GPU render node discovery for testability.
type RenderNodeDiscoverer interface {
	// DiscoverByNode discovers a RenderNode by name (e.g. "renderD128").
	DiscoverByNode(name string) (*RenderNode, error)
	// DiscoverAll discovers all render nodes on the host.
	DiscoverAll() ([]*RenderNode, error)
}
