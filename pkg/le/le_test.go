package le

import (
	"encoding/binary"
	"math"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func roundTrip[T Uint](t *testing.T, vals []T) {
	r := require.New(t)

	for _, big := range []bool{false, true} {
		for _, v := range vals {
			r.Equal(v, toWire(toWire(v, big), big), "big=%v v=%#x", big, v)
		}
	}
}

func TestValue(t *testing.T) {
	t.Run("round trips every width on both host orders", func(t *testing.T) {
		roundTrip(t, []uint16{0, 1, 0x00ff, 0xff00, 0x1234, math.MaxUint16})
		roundTrip(t, []uint32{0, 1, 0x12345678, 0xdeadbeef, math.MaxUint32})
		roundTrip(t, []uint64{0, 1, 0x0102030405060708, math.MaxUint64})
	})

	t.Run("round trips every 16-bit value", func(t *testing.T) {
		r := require.New(t)

		for i := 0; i <= math.MaxUint16; i++ {
			v := uint16(i)
			r.Equal(v, toWire(toWire(v, true), true))
			r.Equal(v, New(v).Get())
		}
	})

	t.Run("big host order swaps bytes", func(t *testing.T) {
		r := require.New(t)

		r.Equal(uint16(0x3412), toWire(uint16(0x1234), true))
		r.Equal(uint32(0x78563412), toWire(uint32(0x12345678), true))
		r.Equal(uint64(0x0807060504030201), toWire(uint64(0x0102030405060708), true))
		r.Equal(uint32(0x12345678), toWire(uint32(0x12345678), false))
	})

	t.Run("memory layout is little endian", func(t *testing.T) {
		r := require.New(t)

		v := New(uint32(0x11223344))
		r.Equal(uintptr(4), unsafe.Sizeof(v))

		b := unsafe.Slice((*byte)(unsafe.Pointer(&v)), 4)
		r.Equal([]byte{0x44, 0x33, 0x22, 0x11}, b)
		r.Equal(uint32(0x11223344), v.Get())

		var w U64
		w.Set(0x0102030405060708)
		bw := unsafe.Slice((*byte)(unsafe.Pointer(&w)), 8)
		r.Equal(uint64(0x0102030405060708), binary.LittleEndian.Uint64(bw))
	})

	t.Run("encode and decode match encoding/binary", func(t *testing.T) {
		r := require.New(t)

		buf := make([]byte, 8)
		Encode(buf, uint16(0xbeef))
		r.Equal(uint16(0xbeef), binary.LittleEndian.Uint16(buf))
		r.Equal(uint16(0xbeef), Decode[uint16](buf))

		Encode(buf, uint64(0xcafebabe12345678))
		r.Equal(uint64(0xcafebabe12345678), binary.LittleEndian.Uint64(buf))
		r.Equal(uint64(0xcafebabe12345678), Decode[uint64](buf))

		r.Panics(func() { Decode[uint32](buf[:3]) })
	})

	t.Run("atomic word", func(t *testing.T) {
		r := require.New(t)

		var a Atomic32
		a.Store(0x00050001)
		r.Equal(uint32(0x00050001), a.Load())

		b := unsafe.Slice((*byte)(unsafe.Pointer(&a)), 4)
		r.Equal([]byte{0x01, 0x00, 0x05, 0x00}, b)
	})

	t.Run("atomic half word", func(t *testing.T) {
		r := require.New(t)

		var words [2]Atomic32
		buf := unsafe.Slice((*byte)(unsafe.Pointer(&words)), 8)
		copy(buf, []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88})

		lo := Atomic16At(buf, 4)
		hi := Atomic16At(buf, 6)

		r.Equal(uint16(0x6655), lo.Load())
		r.Equal(uint16(0x8877), hi.Load())

		hi.Store(0xbeef)
		r.Equal([]byte{0x55, 0x66, 0xef, 0xbe}, buf[4:8])

		lo.Store(0x0102)
		r.Equal([]byte{0x02, 0x01, 0xef, 0xbe}, buf[4:8])
		r.Equal([]byte{0x11, 0x22, 0x33, 0x44}, buf[0:4])

		r.Panics(func() { Atomic16At(buf, 5) })
		r.Panics(func() { Atomic16At(buf[:6], 6) })
	})
}
