// Package le stores integers in little-endian wire order. A Value has the
// same size and layout as the integer it wraps, so it can be embedded in
// structures that are overlaid on memory shared with a device.
package le

import (
	"math/bits"
	"sync/atomic"
	"unsafe"
)

// Uint is the set of widths a wire field can have.
type Uint interface {
	~uint16 | ~uint32 | ~uint64
}

// Value holds a T whose bytes are always little endian in memory.
type Value[T Uint] struct {
	raw T
}

type (
	U16 = Value[uint16]
	U32 = Value[uint32]
	U64 = Value[uint64]
)

// New returns a Value holding v.
func New[T Uint](v T) Value[T] {
	return Value[T]{raw: toWire(v, hostBig)}
}

// Get returns the host order value.
func (v Value[T]) Get() T {
	return toWire(v.raw, hostBig)
}

// Set stores x in wire order.
func (v *Value[T]) Set(x T) {
	v.raw = toWire(x, hostBig)
}

// Wire returns the stored bits unconverted.
func (v Value[T]) Wire() T {
	return v.raw
}

// Decode reads a little-endian T from the front of b.
func Decode[T Uint](b []byte) T {
	var v Value[T]
	n := int(unsafe.Sizeof(v))
	_ = b[n-1]
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&v)), n), b)
	return v.Get()
}

// Encode writes x to the front of b in little-endian order.
func Encode[T Uint](b []byte, x T) {
	v := New(x)
	n := int(unsafe.Sizeof(v))
	_ = b[n-1]
	copy(b, unsafe.Slice((*byte)(unsafe.Pointer(&v)), n))
}

// Atomic32 is a 32-bit little-endian word accessed with sequentially
// consistent loads and stores. Ring headers that pack flags and an index
// into one word use it to publish the index.
type Atomic32 struct {
	raw atomic.Uint32
}

func (a *Atomic32) Load() uint32 {
	return toWire(a.raw.Load(), hostBig)
}

func (a *Atomic32) Store(v uint32) {
	a.raw.Store(toWire(v, hostBig))
}

// Atomic16 is a 16-bit little-endian field reached through the aligned
// 32-bit word that contains it. Loads and stores are atomic; a store
// leaves the other half of the word as it was.
type Atomic16 struct {
	word *atomic.Uint32
	high bool
}

// Atomic16At returns the field at b[off:off+2]. The field must be 2-byte
// aligned and its containing word must lie inside b.
func Atomic16At(b []byte, off int) Atomic16 {
	_ = b[off+1]

	shift := int(uintptr(unsafe.Pointer(&b[off])) & 3)
	if shift != 0 && shift != 2 {
		panic("le: misaligned 16-bit field")
	}

	base := off - shift
	_ = b[base+3]

	return Atomic16{
		word: (*atomic.Uint32)(unsafe.Pointer(&b[base])),
		high: shift == 2,
	}
}

func (a Atomic16) Load() uint16 {
	v := toWire(a.word.Load(), hostBig)
	if a.high {
		return uint16(v >> 16)
	}
	return uint16(v)
}

func (a Atomic16) Store(x uint16) {
	for {
		old := a.word.Load()

		v := toWire(old, hostBig)
		if a.high {
			v = v&0xffff | uint32(x)<<16
		} else {
			v = v&^0xffff | uint32(x)
		}

		if a.word.CompareAndSwap(old, toWire(v, hostBig)) {
			return
		}
	}
}

// toWire converts between host and wire order. The conversion is its own
// inverse. hostBig is a constant so the untaken branch is compiled out.
func toWire[T Uint](v T, bigHost bool) T {
	if bigHost {
		return swap(v)
	}
	return v
}

func swap[T Uint](v T) T {
	switch unsafe.Sizeof(v) {
	case 2:
		return T(bits.ReverseBytes16(uint16(v)))
	case 4:
		return T(bits.ReverseBytes32(uint32(v)))
	default:
		return T(bits.ReverseBytes64(uint64(v)))
	}
}
