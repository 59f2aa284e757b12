// Package mmio provides bounds-checked access to device register windows.
package mmio

import (
	"fmt"
	"unsafe"

	"github.com/lab47/vnic/pkg/le"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var ErrOutOfRange = errors.New("window access out of range")

// Window is a byte-addressable register region. Every access is made with
// exactly the requested width, the way device registers expect it. Offsets
// outside the window panic; views validate their bounds up front.
type Window interface {
	Len() int

	Read8(off int) uint8
	Read16(off int) uint16
	Read32(off int) uint32

	Write8(off int, v uint8)
	Write16(off int, v uint16)
	Write32(off int, v uint32)
}

// Mapping is a Window over memory mapped from a BAR.
type Mapping struct {
	mem    []byte
	mapped bool
}

// NewMapping wraps an existing byte slice. The slice must be at least 4-byte
// aligned.
func NewMapping(mem []byte) *Mapping {
	return &Mapping{mem: mem}
}

// Map mmaps size bytes of fd (a sysfs resourceN file) read/write shared.
func Map(fd int, size int) (*Mapping, error) {
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap of %d bytes", size)
	}

	return &Mapping{mem: mem, mapped: true}, nil
}

func (m *Mapping) Close() error {
	if !m.mapped || m.mem == nil {
		return nil
	}

	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}

func (m *Mapping) Len() int {
	return len(m.mem)
}

func (m *Mapping) at(off, width int) unsafe.Pointer {
	if off%width != 0 {
		panic(fmt.Sprintf("mmio: unaligned %d-byte access at %#x", width, off))
	}
	return unsafe.Pointer(&m.mem[off:][:width][0])
}

func (m *Mapping) Read8(off int) uint8 {
	return *(*uint8)(m.at(off, 1))
}

func (m *Mapping) Read16(off int) uint16 {
	return (*le.U16)(m.at(off, 2)).Get()
}

func (m *Mapping) Read32(off int) uint32 {
	return (*le.Atomic32)(m.at(off, 4)).Load()
}

func (m *Mapping) Write8(off int, v uint8) {
	*(*uint8)(m.at(off, 1)) = v
}

func (m *Mapping) Write16(off int, v uint16) {
	(*le.U16)(m.at(off, 2)).Set(v)
}

func (m *Mapping) Write32(off int, v uint32) {
	(*le.Atomic32)(m.at(off, 4)).Store(v)
}

type sub struct {
	w    Window
	base int
	n    int
}

// Slice returns the n byte view of w starting at off.
func Slice(w Window, off, n int) (Window, error) {
	if off < 0 || n < 0 || off+n > w.Len() {
		return nil, errors.Wrapf(ErrOutOfRange, "view %#x+%#x of %#x byte window", off, n, w.Len())
	}

	return &sub{w: w, base: off, n: n}, nil
}

func (s *sub) Len() int {
	return s.n
}

func (s *sub) check(off, width int) int {
	if off < 0 || off+width > s.n {
		panic(fmt.Sprintf("mmio: %d-byte access at %#x outside %#x byte view", width, off, s.n))
	}
	return s.base + off
}

func (s *sub) Read8(off int) uint8   { return s.w.Read8(s.check(off, 1)) }
func (s *sub) Read16(off int) uint16 { return s.w.Read16(s.check(off, 2)) }
func (s *sub) Read32(off int) uint32 { return s.w.Read32(s.check(off, 4)) }

func (s *sub) Write8(off int, v uint8)   { s.w.Write8(s.check(off, 1), v) }
func (s *sub) Write16(off int, v uint16) { s.w.Write16(s.check(off, 2), v) }
func (s *sub) Write32(off int, v uint32) { s.w.Write32(s.check(off, 4), v) }
