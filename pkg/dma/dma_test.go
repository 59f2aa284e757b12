package dma

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestHeap(t *testing.T) {
	t.Run("resolves allocated regions", func(t *testing.T) {
		r := require.New(t)

		h := NewHeap()

		a, err := h.Alloc(100)
		r.NoError(err)
		r.Len(a.Mem, 100)

		b, err := h.Alloc(5000)
		r.NoError(err)
		r.NotEqual(a.Phys, b.Phys)
		r.Zero(a.Phys % heapAlign)
		r.Zero(b.Phys % heapAlign)

		b.Mem[10] = 0xaa

		got, err := h.Resolve(b.Phys+10, 4)
		r.NoError(err)
		r.Equal(byte(0xaa), got[0])

		got[1] = 0xbb
		r.Equal(byte(0xbb), b.Mem[11])
	})

	t.Run("rejects addresses crossing a region end", func(t *testing.T) {
		r := require.New(t)

		h := NewHeap()

		a, err := h.Alloc(64)
		r.NoError(err)

		_, err = h.Resolve(a.Phys+60, 8)
		r.True(errors.Is(err, ErrUnresolved))

		_, err = h.Resolve(0x10, 1)
		r.True(errors.Is(err, ErrUnresolved))
	})

	t.Run("slices keep device addresses in step", func(t *testing.T) {
		r := require.New(t)

		h := NewHeap()

		a, err := h.Alloc(256)
		r.NoError(err)

		s, err := a.Slice(128, 64)
		r.NoError(err)
		r.Equal(a.Phys+128, s.Phys)
		r.Len(s.Mem, 64)

		_, err = a.Slice(200, 100)
		r.Error(err)
	})
}
