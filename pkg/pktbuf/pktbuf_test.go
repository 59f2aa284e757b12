package pktbuf

import (
	"testing"

	"github.com/lab47/vnic/pkg/dma"
	"github.com/stretchr/testify/require"
)

func TestPool(t *testing.T) {
	t.Run("allocates and frees", func(t *testing.T) {
		r := require.New(t)

		pool, err := NewPool(dma.NewHeap(), 8, 0)
		r.NoError(err)
		r.Equal(8, pool.Available())

		pkt := pool.Alloc()
		r.NotNil(pkt)
		r.Equal(7, pool.Available())
		r.Equal(DefaultBufferSize-Headroom, pkt.Cap())

		n := copy(pkt.Buffer(), []byte("hello"))
		pkt.SetLen(n)
		r.Equal([]byte("hello"), pkt.Data())

		pkt.Free()
		r.Equal(8, pool.Available())
		r.Panics(func() { pkt.Free() })
	})

	t.Run("runs dry", func(t *testing.T) {
		r := require.New(t)

		pool, err := NewPool(dma.NewHeap(), 3, 256)
		r.NoError(err)

		pkts := make([]*Packet, 5)
		r.Equal(3, pool.AllocBatch(pkts))
		r.Nil(pool.Alloc())

		for _, p := range pkts[:3] {
			p.Free()
		}
		r.Equal(3, pool.Available())
	})

	t.Run("device addresses follow the buffers", func(t *testing.T) {
		r := require.New(t)

		heap := dma.NewHeap()
		pool, err := NewPool(heap, 2, 512)
		r.NoError(err)

		pkt := pool.Alloc()

		mem, err := heap.Resolve(pkt.Phys(), 4)
		r.NoError(err)
		copy(mem, "abcd")
		pkt.SetLen(4)
		r.Equal([]byte("abcd"), pkt.Data())

		pre, phys := pkt.Prefix(12)
		r.Len(pre, 12)
		r.Equal(pkt.Phys()-12, phys)
	})

	t.Run("rejects bad sizes", func(t *testing.T) {
		r := require.New(t)

		_, err := NewPool(dma.NewHeap(), 0, 0)
		r.Error(err)

		_, err = NewPool(dma.NewHeap(), 1, 100)
		r.Error(err)
	})
}
