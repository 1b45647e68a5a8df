// Package shm implements the shared segment allocator used by the TNR
// client. Segments are files under a shared-memory directory (normally
// /dev/shm) mapped MAP_SHARED into the local process; each one is given an
// opaque handle, and the allocator owns the address-to-handle registry so
// that raw addresses never have to cross the process boundary.
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unsafe"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/gpu-tnr-client/pkg/types"
	"github.com/Nativu5/gpu-tnr-client/pkg/utils"
)

const (
	// DefaultDir is the preferred location for segment files.
	DefaultDir = "/dev/shm"

	// DefaultPrefix is prepended to every segment file name so stale
	// segments can be found and removed without touching anything else.
	DefaultPrefix = "gpu_algo_"
)

var (
	// ErrNotFound is returned when an address or handle is not registered.
	ErrNotFound = errors.New("segment not found")
	// ErrExists is returned when a segment name is already in use.
	ErrExists = errors.New("segment already exists")
)

// entry is one registry record: either an allocated segment or an
// imported external buffer.
type entry struct {
	seg      *types.Segment
	path     string
	file     *os.File
	external bool
}

// Allocator implements types.SegmentAllocator on top of file-backed shared
// memory. It is safe for concurrent use by multiple TNR instances.
type Allocator struct {
	dir    string
	prefix string

	mu         sync.Mutex
	byAddr     map[uintptr]types.Handle
	byHandle   map[types.Handle]*entry
	nextHandle types.Handle
}

// NewAllocator returns an allocator creating segments under dir. An empty
// dir selects DefaultDir, or the OS temp dir when /dev/shm is unavailable.
// An empty prefix selects DefaultPrefix.
func NewAllocator(dir, prefix string) *Allocator {
	if dir == "" {
		dir = ResolveDir()
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Allocator{
		dir:        dir,
		prefix:     prefix,
		byAddr:     make(map[uintptr]types.Handle),
		byHandle:   make(map[types.Handle]*entry),
		nextHandle: 1,
	}
}

// ResolveDir returns DefaultDir if it exists, otherwise the OS temp dir.
func ResolveDir() string {
	if info, err := os.Stat(DefaultDir); err == nil && info.IsDir() {
		return DefaultDir
	}
	return os.TempDir()
}

// Dir returns the directory segment files are created in.
func (a *Allocator) Dir() string { return a.dir }

// Prefix returns the file name prefix of segment files.
func (a *Allocator) Prefix() string { return a.prefix }

// FileName maps a segment name to its file name under Dir.
func (a *Allocator) FileName(name string) string {
	return a.prefix + utils.SanitizeName(strings.TrimPrefix(name, "/"))
}

func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// register stores e under a fresh handle. Caller holds a.mu.
func (a *Allocator) register(e *entry) types.Handle {
	h := a.nextHandle
	a.nextHandle++
	e.seg.Handle = h
	a.byHandle[h] = e
	if e.seg.Addr != 0 {
		a.byAddr[e.seg.Addr] = h
	}
	return h
}

// ───────────────────────────────────────────
//  Segment lifecycle
// ───────────────────────────────────────────

// Allocate creates, sizes, and maps a new segment. The name must not be in
// use; a collision is reported as ErrExists.
func (a *Allocator) Allocate(name string, size int) (*types.Segment, error) {
	if name == "" {
		return nil, fmt.Errorf("segment name must not be empty")
	}
	if size <= 0 {
		return nil, fmt.Errorf("segment %s: invalid size %d", name, size)
	}

	path := filepath.Join(a.dir, a.FileName(name))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("segment %s: %w", name, ErrExists)
		}
		return nil, fmt.Errorf("cannot create segment file %s: %w", path, err)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(size)); err != nil {
		cleanup()
		return nil, fmt.Errorf("cannot resize segment %s: %w", name, err)
	}

	mem, err := mapFile(file, size)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("cannot map segment %s: %w", name, err)
	}

	seg := &types.Segment{
		Name: name,
		Size: size,
		Addr: addrOf(mem),
		Data: mem,
	}

	a.mu.Lock()
	a.register(&entry{seg: seg, path: path, file: file})
	a.mu.Unlock()

	log.Debugf("allocated segment %s (%d bytes, handle %d)", name, size, seg.Handle)
	return seg, nil
}

// Release unmaps and removes a segment returned by Allocate, and clears
// its address and handle.
func (a *Allocator) Release(seg *types.Segment) error {
	if seg == nil {
		return fmt.Errorf("release: nil segment")
	}

	a.mu.Lock()
	e, ok := a.byHandle[seg.Handle]
	if !ok || e.external || e.seg != seg {
		a.mu.Unlock()
		return fmt.Errorf("release %s: %w", seg.Name, ErrNotFound)
	}
	delete(a.byHandle, seg.Handle)
	delete(a.byAddr, seg.Addr)
	a.mu.Unlock()

	var errs []error
	if err := unmapFile(seg.Data); err != nil {
		errs = append(errs, err)
	}
	if err := e.file.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}

	log.Debugf("released segment %s (handle %d)", seg.Name, seg.Handle)
	seg.Addr = 0
	seg.Handle = types.InvalidHandle
	seg.Data = nil

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("release %s: %w", seg.Name, err)
	}
	return nil
}

// HandleOf returns the handle of the segment mapped at addr.
func (a *Allocator) HandleOf(addr uintptr) (types.Handle, error) {
	if addr == 0 {
		return types.InvalidHandle, fmt.Errorf("nil address: %w", ErrNotFound)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.byAddr[addr]
	if !ok {
		return types.InvalidHandle, fmt.Errorf("address %#x: %w", addr, ErrNotFound)
	}
	return h, nil
}

// Lookup returns the mapped bytes behind a handle. It is the remote side's
// view of the registry.
func (a *Allocator) Lookup(h types.Handle) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.byHandle[h]
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", h, ErrNotFound)
	}
	return e.seg.Data, nil
}

// ───────────────────────────────────────────
//  External buffers
// ───────────────────────────────────────────

// RegisterExternal imports a buffer backed by fd (e.g. a dma-buf exported
// by a display or encoder). The fd is duplicated, so the caller keeps
// ownership of its own descriptor.
func (a *Allocator) RegisterExternal(fd int) (types.Handle, error) {
	if fd < 0 {
		return types.InvalidHandle, fmt.Errorf("register external: invalid fd %d", fd)
	}
	file, mem, err := importFd(fd)
	if err != nil {
		return types.InvalidHandle, fmt.Errorf("register external fd %d: %w", fd, err)
	}

	seg := &types.Segment{
		Name: fmt.Sprintf("external-fd%d", fd),
		Size: len(mem),
		Addr: addrOf(mem),
		Data: mem,
	}

	a.mu.Lock()
	h := a.register(&entry{seg: seg, file: file, external: true})
	a.mu.Unlock()

	log.Debugf("registered external buffer fd %d (%d bytes) as handle %d", fd, len(mem), h)
	return h, nil
}

// DeregisterExternal drops an imported buffer and closes the duplicated fd.
func (a *Allocator) DeregisterExternal(h types.Handle) error {
	a.mu.Lock()
	e, ok := a.byHandle[h]
	if !ok || !e.external {
		a.mu.Unlock()
		return fmt.Errorf("deregister external handle %d: %w", h, ErrNotFound)
	}
	delete(a.byHandle, h)
	if e.seg.Addr != 0 {
		delete(a.byAddr, e.seg.Addr)
	}
	a.mu.Unlock()

	var errs []error
	if err := unmapFile(e.seg.Data); err != nil {
		errs = append(errs, err)
	}
	if err := e.file.Close(); err != nil {
		errs = append(errs, err)
	}
	e.seg.Addr = 0
	e.seg.Handle = types.InvalidHandle
	e.seg.Data = nil

	log.Debugf("deregistered external buffer handle %d", h)
	return errors.Join(errs...)
}

// ───────────────────────────────────────────
//  Introspection
// ───────────────────────────────────────────

// SegmentInfo describes one live registry entry.
type SegmentInfo struct {
	Name     string `json:"name"`
	Size     int    `json:"size"`
	Handle   int32  `json:"handle"`
	External bool   `json:"external,omitempty"`
	Path     string `json:"path,omitempty"`
}

// Segments returns a snapshot of every live entry, ordered by handle.
func (a *Allocator) Segments() []SegmentInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]SegmentInfo, 0, len(a.byHandle))
	for h, e := range a.byHandle {
		out = append(out, SegmentInfo{
			Name:     e.seg.Name,
			Size:     e.seg.Size,
			Handle:   int32(h),
			External: e.external,
			Path:     e.path,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Len returns the number of live entries.
func (a *Allocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byHandle)
}
