//go:build unix

package shm

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nativu5/gpu-tnr-client/pkg/types"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	return NewAllocator(t.TempDir(), "")
}

func TestAllocate_MapsAndRegisters(t *testing.T) {
	a := newTestAllocator(t)

	seg, err := a.Allocate("/tnr-run-abc-g1", 48)
	require.NoError(t, err)
	require.True(t, seg.Allocated())
	assert.Len(t, seg.Data, 48)
	assert.NotEqual(t, types.InvalidHandle, seg.Handle)

	h, err := a.HandleOf(seg.Addr)
	require.NoError(t, err)
	assert.Equal(t, seg.Handle, h)

	// Writes through the mapping are visible through the handle lookup.
	seg.Data[0] = 0x5a
	data, err := a.Lookup(h)
	require.NoError(t, err)
	assert.Equal(t, byte(0x5a), data[0])

	_, err = os.Stat(filepath.Join(a.Dir(), a.FileName(seg.Name)))
	assert.NoError(t, err, "segment file should exist while allocated")
}

func TestAllocate_DistinctHandles(t *testing.T) {
	a := newTestAllocator(t)

	s1, err := a.Allocate("one", 16)
	require.NoError(t, err)
	s2, err := a.Allocate("two", 16)
	require.NoError(t, err)

	assert.NotEqual(t, s1.Handle, s2.Handle)
	assert.NotEqual(t, s1.Addr, s2.Addr)
	assert.Equal(t, 2, a.Len())
}

func TestAllocate_NameCollision(t *testing.T) {
	a := newTestAllocator(t)

	_, err := a.Allocate("dup", 16)
	require.NoError(t, err)
	_, err = a.Allocate("dup", 16)
	require.ErrorIs(t, err, ErrExists)
	assert.Equal(t, 1, a.Len())
}

func TestAllocate_InvalidArgs(t *testing.T) {
	a := newTestAllocator(t)

	_, err := a.Allocate("", 16)
	assert.Error(t, err)
	_, err = a.Allocate("zero", 0)
	assert.Error(t, err)
	assert.Equal(t, 0, a.Len())
}

func TestRelease_InvalidatesSegment(t *testing.T) {
	a := newTestAllocator(t)

	seg, err := a.Allocate("rel", 64)
	require.NoError(t, err)
	addr, h := seg.Addr, seg.Handle
	path := filepath.Join(a.Dir(), a.FileName(seg.Name))

	require.NoError(t, a.Release(seg))
	assert.False(t, seg.Allocated())
	assert.Equal(t, uintptr(0), seg.Addr)
	assert.Equal(t, types.InvalidHandle, seg.Handle)
	assert.Nil(t, seg.Data)

	_, err = a.HandleOf(addr)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = a.Lookup(h)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "segment file should be removed")

	// The name is free again.
	again, err := a.Allocate("rel", 64)
	require.NoError(t, err)
	require.NoError(t, a.Release(again))
}

func TestRelease_Twice(t *testing.T) {
	a := newTestAllocator(t)

	seg, err := a.Allocate("twice", 8)
	require.NoError(t, err)
	require.NoError(t, a.Release(seg))
	assert.ErrorIs(t, a.Release(seg), ErrNotFound)
	assert.Error(t, a.Release(nil))
}

func TestHandleOf_UnknownAddress(t *testing.T) {
	a := newTestAllocator(t)

	buf := make([]byte, 8)
	_, err := a.HandleOf(addrOf(buf))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = a.HandleOf(0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExternal_RegisterDeregister(t *testing.T) {
	a := newTestAllocator(t)

	f, err := os.CreateTemp(t.TempDir(), "dmabuf")
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(4096))

	h, err := a.RegisterExternal(int(f.Fd()))
	require.NoError(t, err)
	assert.NotEqual(t, types.InvalidHandle, h)

	data, err := a.Lookup(h)
	require.NoError(t, err)
	assert.Len(t, data, 4096)

	segs := a.Segments()
	require.Len(t, segs, 1)
	assert.True(t, segs[0].External)

	require.NoError(t, a.DeregisterExternal(h))
	assert.Equal(t, 0, a.Len())
	assert.ErrorIs(t, a.DeregisterExternal(h), ErrNotFound)

	// The caller's fd stays open.
	_, err = f.Stat()
	assert.NoError(t, err)
}

func TestExternal_InvalidFd(t *testing.T) {
	a := newTestAllocator(t)

	_, err := a.RegisterExternal(-1)
	assert.Error(t, err)
}

func TestDeregisterExternal_RejectsSegmentHandle(t *testing.T) {
	a := newTestAllocator(t)

	seg, err := a.Allocate("not-external", 8)
	require.NoError(t, err)
	assert.ErrorIs(t, a.DeregisterExternal(seg.Handle), ErrNotFound)
	assert.Equal(t, 1, a.Len())
}

func TestFileName_Sanitized(t *testing.T) {
	a := NewAllocator(t.TempDir(), "pfx_")
	got := a.FileName("/tnr-cam-1.2/3")
	assert.Equal(t, "pfx_tnr-cam-1-2-3", got)
	assert.False(t, strings.Contains(got, "/"))
}

// ──────────────────────────────────────────────
//  Stale segment listing and cleanup
// ──────────────────────────────────────────────

func TestListAndCleanupSegments(t *testing.T) {
	dir := t.TempDir()
	a := NewAllocator(dir, "")

	_, err := a.Allocate("/tnr-run-aaa-g1", 48)
	require.NoError(t, err)
	_, err = a.Allocate("/tnr-cam-bbb-0", 64)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated"), []byte("x"), 0600))

	files, err := ListSegments(dir, "")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, int64(64), files[0].Size) // sorted: cam before run

	removed, err := CleanupSegments(dir, "", "aaa", true)
	require.NoError(t, err)
	assert.Len(t, removed, 1)
	files, _ = ListSegments(dir, "")
	assert.Len(t, files, 2, "dry run must not remove files")

	removed, err = CleanupSegments(dir, "", "", false)
	require.NoError(t, err)
	assert.Len(t, removed, 2)
	files, _ = ListSegments(dir, "")
	assert.Empty(t, files)

	_, err = os.Stat(filepath.Join(dir, "unrelated"))
	assert.NoError(t, err, "files without the prefix must be kept")
}
