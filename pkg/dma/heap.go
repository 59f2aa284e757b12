package dma

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

const (
	heapBase  = 0x1_0000_0000
	heapAlign = 4096
)

// Heap allocates regions from the Go heap and assigns them synthetic
// device addresses. It pairs with simulated devices, which reach the
// memory through Resolve.
type Heap struct {
	mu      sync.Mutex
	next    uint64
	regions []Region
}

func NewHeap() *Heap {
	return &Heap{next: heapBase}
}

func (h *Heap) Alloc(size int) (Region, error) {
	if size <= 0 {
		return Region{}, errors.Errorf("dma: invalid allocation size %d", size)
	}

	// uint64 backing keeps every region 8-byte aligned for atomic ring words.
	words := make([]uint64, roundUp(size, 8)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)

	h.mu.Lock()
	defer h.mu.Unlock()

	r := Region{Mem: mem, Phys: h.next}
	h.next += uint64(roundUp(size, heapAlign))
	h.regions = append(h.regions, r)

	return r, nil
}

func (h *Heap) Resolve(phys uint64, n int) ([]byte, error) {
	if n < 0 {
		return nil, errors.Wrapf(ErrUnresolved, "negative length %d", n)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, r := range h.regions {
		if phys < r.Phys {
			continue
		}

		off := phys - r.Phys
		if off+uint64(n) <= uint64(len(r.Mem)) {
			return r.Mem[off : off+uint64(n)], nil
		}
	}

	return nil, errors.Wrapf(ErrUnresolved, "%#x+%d", phys, n)
}
