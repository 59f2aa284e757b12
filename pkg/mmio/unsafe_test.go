package mmio

import "unsafe"

// unsafeBytes views an aligned uint64 backing array as bytes.
func unsafeBytes(b []uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&b[0])), len(b)*8)
}
