//go:build !unix

package shm

import (
	"errors"
	"os"
)

// Without mmap the segment is process-local heap memory; the backing file
// only reserves the name.
func mapFile(_ *os.File, size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapFile([]byte) error { return nil }

func importFd(int) (*os.File, []byte, error) {
	return nil, nil, errors.New("external buffers are not supported on this platform")
}
