//go:build unix

package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mapFile maps size bytes of file shared and read-write.
func mapFile(file *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return data, nil
}

// unmapFile unmaps a region returned by mapFile.
func unmapFile(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}
	return nil
}

// importFd duplicates fd and maps the whole object behind it. A zero-sized
// object is imported without a mapping.
func importFd(fd int) (*os.File, []byte, error) {
	dup, err := unix.Dup(fd)
	if err != nil {
		return nil, nil, fmt.Errorf("dup failed: %w", err)
	}
	file := os.NewFile(uintptr(dup), fmt.Sprintf("external-fd%d", fd))

	var st unix.Stat_t
	if err := unix.Fstat(dup, &st); err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("fstat failed: %w", err)
	}
	if st.Size <= 0 {
		return file, nil, nil
	}

	mem, err := mapFile(file, int(st.Size))
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	return file, mem, nil
}
