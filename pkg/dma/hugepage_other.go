//go:build !linux

package dma

import "github.com/pkg/errors"

const HugepageSize = 2 << 20

type Hugepages struct{}

func NewHugepages() *Hugepages {
	return &Hugepages{}
}

func (h *Hugepages) Alloc(size int) (Region, error) {
	return Region{}, errors.New("dma: hugepage allocation needs linux")
}
