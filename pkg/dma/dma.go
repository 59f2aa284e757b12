// Package dma manages memory the device reads and writes directly.
package dma

import (
	"github.com/pkg/errors"
)

var (
	ErrUnresolved    = errors.New("address does not resolve to an allocated region")
	ErrNotContiguous = errors.New("allocation is not physically contiguous")
)

// Region is a physically contiguous chunk of memory. Phys is the address
// the device uses for Mem[0].
type Region struct {
	Mem  []byte
	Phys uint64
}

// Slice returns the n bytes of r starting at off.
func (r Region) Slice(off, n int) (Region, error) {
	if off < 0 || n < 0 || off+n > len(r.Mem) {
		return Region{}, errors.Errorf("dma: slice %d+%d of %d byte region", off, n, len(r.Mem))
	}

	return Region{Mem: r.Mem[off : off+n : off+n], Phys: r.Phys + uint64(off)}, nil
}

// An Allocator hands out zeroed, physically contiguous regions.
type Allocator interface {
	Alloc(size int) (Region, error)
}

// A Resolver turns a device address back into process memory. Only
// simulated devices need one.
type Resolver interface {
	Resolve(phys uint64, n int) ([]byte, error)
}

func roundUp(n, to int) int {
	return (n + to - 1) / to * to
}
