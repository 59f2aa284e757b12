// Package pktbuf carves fixed size packet buffers out of DMA memory.
package pktbuf

import (
	"github.com/lab47/vnic/pkg/dma"
	ringbuf "github.com/lab47/vnic/pkg/ring_buf"
	"github.com/pkg/errors"
)

const (
	DefaultBufferSize = 2048

	// Headroom is reserved in front of the packet data so drivers can
	// prepend their own headers without copying.
	Headroom = 64

	chunkSize = 2 << 20
)

// Packet is one buffer. Whoever holds the pointer owns it until it is
// handed to a driver or returned with Free.
type Packet struct {
	buf  []byte
	phys uint64
	len  int

	pool *Pool
	free bool
}

// Data is the packet payload.
func (p *Packet) Data() []byte {
	return p.buf[Headroom : Headroom+p.len]
}

// Buffer is the full writable payload area. Write into it, then SetLen.
func (p *Packet) Buffer() []byte {
	return p.buf[Headroom:]
}

func (p *Packet) Len() int {
	return p.len
}

func (p *Packet) SetLen(n int) {
	if n < 0 || n > len(p.buf)-Headroom {
		panic(errors.Errorf("pktbuf: length %d outside buffer of %d", n, len(p.buf)-Headroom))
	}
	p.len = n
}

// Cap is the largest payload the buffer holds.
func (p *Packet) Cap() int {
	return len(p.buf) - Headroom
}

// Phys is the device address of Data()[0].
func (p *Packet) Phys() uint64 {
	return p.phys + Headroom
}

// Prefix returns the n bytes directly in front of the payload with their
// device address.
func (p *Packet) Prefix(n int) ([]byte, uint64) {
	if n > Headroom {
		panic(errors.Errorf("pktbuf: prefix of %d exceeds headroom", n))
	}
	return p.buf[Headroom-n : Headroom], p.phys + uint64(Headroom-n)
}

// Free returns the packet to its pool.
func (p *Packet) Free() {
	p.pool.put(p)
}

// Pool is a fixed set of packets. Alloc and Free may run on different
// goroutines, but each side must stay on one goroutine.
type Pool struct {
	bufSize int
	count   int
	free    *ringbuf.RingBuf[*Packet]
}

// NewPool allocates count buffers of bufSize bytes each from alloc.
func NewPool(alloc dma.Allocator, count, bufSize int) (*Pool, error) {
	if bufSize == 0 {
		bufSize = DefaultBufferSize
	}

	if count <= 0 {
		return nil, errors.Errorf("pktbuf: invalid pool size %d", count)
	}

	if bufSize < Headroom+64 || bufSize > chunkSize {
		return nil, errors.Errorf("pktbuf: invalid buffer size %d", bufSize)
	}

	p := &Pool{
		bufSize: bufSize,
		count:   count,
		free:    ringbuf.NewRingBuf[*Packet](count),
	}

	perChunk := chunkSize / bufSize

	for made := 0; made < count; {
		n := min(perChunk, count-made)

		region, err := alloc.Alloc(n * bufSize)
		if err != nil {
			return nil, errors.Wrapf(err, "allocating %d packet buffers", n)
		}

		for i := 0; i < n; i++ {
			off := i * bufSize
			pkt := &Packet{
				buf:  region.Mem[off : off+bufSize : off+bufSize],
				phys: region.Phys + uint64(off),
				pool: p,
				free: true,
			}
			p.free.Push(pkt)
		}

		made += n
	}

	return p, nil
}

// Alloc takes a packet from the pool, or returns nil when it is empty.
func (p *Pool) Alloc() *Packet {
	pkt, ok := p.free.Pop()
	if !ok {
		return nil
	}

	pkt.free = false
	pkt.len = 0
	return pkt
}

// AllocBatch fills pkts from the pool and returns how many it filled.
func (p *Pool) AllocBatch(pkts []*Packet) int {
	for i := range pkts {
		pkt := p.Alloc()
		if pkt == nil {
			return i
		}
		pkts[i] = pkt
	}
	return len(pkts)
}

func (p *Pool) put(pkt *Packet) {
	if pkt.free {
		panic("pktbuf: packet freed twice")
	}

	pkt.free = true
	pkt.len = 0

	if !p.free.Push(pkt) {
		panic("pktbuf: pool overflow")
	}
}

// Available is the number of packets ready to Alloc.
func (p *Pool) Available() int {
	return p.free.Readable()
}

func (p *Pool) Size() int {
	return p.count
}

func (p *Pool) BufferSize() int {
	return p.bufSize
}
