//go:build linux

package dma

import (
	"encoding/binary"
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	HugepageSize = 2 << 20

	pagemapPresent = 1 << 63
	pagemapPFNMask = (1 << 55) - 1
)

// Hugepages allocates locked, populated 2MiB huge pages and translates them
// to physical addresses through /proc/self/pagemap. Reading physical frame
// numbers requires CAP_SYS_ADMIN.
type Hugepages struct{}

func NewHugepages() *Hugepages {
	return &Hugepages{}
}

func (h *Hugepages) Alloc(size int) (Region, error) {
	if size <= 0 {
		return Region{}, errors.Errorf("dma: invalid allocation size %d", size)
	}

	n := roundUp(size, HugepageSize)

	mem, err := unix.Mmap(-1, 0, n,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB|unix.MAP_POPULATE|unix.MAP_LOCKED)
	if err != nil {
		return Region{}, errors.Wrapf(err, "mapping %d bytes of huge pages", n)
	}

	base := uintptr(unsafe.Pointer(&mem[0]))

	phys, err := virtToPhys(base)
	if err != nil {
		unix.Munmap(mem)
		return Region{}, err
	}

	for off := HugepageSize; off < n; off += HugepageSize {
		p, err := virtToPhys(base + uintptr(off))
		if err != nil {
			unix.Munmap(mem)
			return Region{}, err
		}

		if p != phys+uint64(off) {
			unix.Munmap(mem)
			return Region{}, errors.Wrapf(ErrNotContiguous, "%d bytes", n)
		}
	}

	return Region{Mem: mem[:size], Phys: phys}, nil
}

func virtToPhys(addr uintptr) (uint64, error) {
	fd, err := unix.Open("/proc/self/pagemap", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, errors.Wrapf(err, "opening pagemap")
	}
	defer unix.Close(fd)

	pageSize := uintptr(os.Getpagesize())

	var ent [8]byte
	_, err = unix.Pread(fd, ent[:], int64(addr/pageSize*8))
	if err != nil {
		return 0, errors.Wrapf(err, "reading pagemap entry for %#x", addr)
	}

	v := binary.NativeEndian.Uint64(ent[:])
	if v&pagemapPresent == 0 || v&pagemapPFNMask == 0 {
		return 0, errors.Errorf("dma: page at %#x not present or pfn hidden", addr)
	}

	return (v&pagemapPFNMask)*uint64(pageSize) + uint64(addr%pageSize), nil
}
