package physmem

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// allocArena maps an anonymous private region so the arena lives outside
// of the Go heap and is never scanned by the garbage collector.
func allocArena(size int) ([]byte, func([]byte) error, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "physmem: mmap of %d bytes failed", size)
	}

	return data, unix.Munmap, nil
}
