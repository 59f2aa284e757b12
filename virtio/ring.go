package virtio

import (
	"fmt"
	"unsafe"

	"github.com/lab47/vnic/pci"
	"github.com/lab47/vnic/pkg/dma"
	"github.com/lab47/vnic/pkg/le"
	"github.com/pkg/errors"
)

// vring_desc.flags
const (
	DescFNext     = 1 // Descriptor continues via 'next' field
	DescFWrite    = 2 // Write-only descriptor (otherwise read-only)
	DescFIndirect = 4 // Buffer contains a list of descriptors
)

const (
	AvailFNoInterrupt = 1 // Hint: don't bother to interrupt the driver
	UsedFNoNotify     = 1 // Hint: don't bother to kick the device
)

const (
	MaxQueueSize = 32768

	// MaxIndirect is the number of entries in each head's indirect table.
	MaxIndirect = 16

	descSize     = 16
	usedElemSize = 8
	usedAlign    = 4096

	// usedEventPark keeps used_event half the index space ahead of the
	// last reclaimed entry, where the device will not reach it.
	usedEventPark = 0x7fff
)

type desc struct {
	Addr  le.U64
	Len   le.U32
	Flags le.U16
	Next  le.U16
}

type usedElem struct {
	ID  le.U32
	Len le.U32
}

// Layout is where the three parts of a split ring of a given size live,
// relative to the start of its memory.
type Layout struct {
	Size  uint16
	Desc  int
	Avail int
	Used  int
	Total int
}

func RingLayout(size uint16) Layout {
	n := int(size)

	l := Layout{Size: size}
	l.Avail = descSize * n

	// flags, idx, ring[n], used_event, then padding for the atomic word
	// holding used_event.
	availLen := 4 + 2*n + 4
	l.Used = roundUp(l.Avail+availLen, usedAlign)

	// flags, idx, ring[n], avail_event plus padding.
	l.Total = roundUp(l.Used+4+usedElemSize*n+4, usedAlign)

	return l
}

func roundUp(n, to int) int {
	return (n + to - 1) / to * to
}

// Segment is one physically contiguous piece of a buffer.
type Segment struct {
	Addr     uint64
	Len      uint32
	Writable bool
}

// Used is a completed chain: the head descriptor and how many bytes the
// device wrote into it.
type Used struct {
	ID  uint16
	Len uint32
}

type QueueOptions struct {
	// Size must match the device's queue_size. Zero adopts it.
	Size uint16

	EventIdx bool
	Indirect bool
}

// Queue is the driver side of a split virtqueue. It is not safe for
// concurrent use; each queue belongs to the goroutine polling it.
type Queue struct {
	index uint16
	size  uint16
	mask  uint16

	mem       dma.Region
	layout    Layout
	desc      []desc
	availHdr  *le.Atomic32
	availRing []le.U16
	usedEvent le.Atomic16
	usedHdr   *le.Atomic32
	usedRing  []usedElem

	// avail_event sits in the low half of this word.
	availEvent *le.Atomic32

	indirect     dma.Region
	indirectDesc []desc

	// Driver private copies. The device can scribble on the shared
	// descriptors, so chain links and ownership are tracked here.
	next  []uint16
	chain []uint16

	freeHead uint16
	numFree  uint16
	availIdx uint16
	kicked   uint16
	lastUsed uint16

	availFlags  uint32
	eventIdx    bool
	useIndirect bool
	broken      bool

	bell *pci.Doorbell
}

func view[T any](mem []byte, off, n int) []T {
	var zero T
	b := mem[off:][: n*int(unsafe.Sizeof(zero)) : n*int(unsafe.Sizeof(zero))]
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n)
}

// NewQueue allocates and initializes ring memory for a queue of size
// entries. It does not touch the device; see SetupQueue.
func NewQueue(index, size uint16, alloc dma.Allocator, opts QueueOptions) (*Queue, error) {
	if size == 0 || size > MaxQueueSize || size&(size-1) != 0 {
		return nil, &RingError{Kind: ErrQueueSize, Queue: index, Msg: fmt.Sprintf("size %d", size)}
	}

	layout := RingLayout(size)

	mem, err := alloc.Alloc(layout.Total)
	if err != nil {
		return nil, errors.Wrapf(err, "allocating ring for queue %d", index)
	}

	n := int(size)

	q := &Queue{
		index:  index,
		size:   size,
		mask:   size - 1,
		mem:    mem,
		layout: layout,

		desc:       view[desc](mem.Mem, layout.Desc, n),
		availHdr:   &view[le.Atomic32](mem.Mem, layout.Avail, 1)[0],
		availRing:  view[le.U16](mem.Mem, layout.Avail+4, n),
		usedEvent:  le.Atomic16At(mem.Mem, layout.Avail+4+2*n),
		usedHdr:    &view[le.Atomic32](mem.Mem, layout.Used, 1)[0],
		usedRing:   view[usedElem](mem.Mem, layout.Used+4, n),
		availEvent: &view[le.Atomic32](mem.Mem, layout.Used+4+usedElemSize*n, 1)[0],

		next:  make([]uint16, n),
		chain: make([]uint16, n),

		numFree:     size,
		eventIdx:    opts.EventIdx,
		useIndirect: opts.Indirect,
	}

	for i := range q.next {
		q.next[i] = uint16(i + 1)
		q.desc[i].Next.Set(uint16(i + 1))
	}
	q.next[n-1] = 0xffff
	q.desc[n-1].Next.Set(0xffff)

	if opts.Indirect {
		q.indirect, err = alloc.Alloc(n * MaxIndirect * descSize)
		if err != nil {
			return nil, errors.Wrapf(err, "allocating indirect tables for queue %d", index)
		}

		q.indirectDesc = view[desc](q.indirect.Mem, 0, n*MaxIndirect)
	}

	// Polling only. Without event index the flag asks for no interrupts;
	// with it the flags stay zero and used_event is parked out of reach.
	if q.eventIdx {
		q.availHdr.Store(0)
		q.usedEvent.Store(q.lastUsed + usedEventPark)
	} else {
		q.availFlags = AvailFNoInterrupt
		q.availHdr.Store(q.availFlags)
	}

	return q, nil
}

func (q *Queue) Index() uint16 { return q.index }
func (q *Queue) Size() uint16  { return q.size }

// NumFree is the number of descriptors on the free list.
func (q *Queue) NumFree() int { return int(q.numFree) }

// Outstanding is the number of chains published and not yet reclaimed.
func (q *Queue) Outstanding() int { return int(q.availIdx - q.lastUsed) }

func (q *Queue) Broken() bool { return q.broken }

func (q *Queue) DescAddr() uint64  { return q.mem.Phys + uint64(q.layout.Desc) }
func (q *Queue) AvailAddr() uint64 { return q.mem.Phys + uint64(q.layout.Avail) }
func (q *Queue) UsedAddr() uint64  { return q.mem.Phys + uint64(q.layout.Used) }

func (q *Queue) ringErr(kind error, msg string) error {
	return &RingError{Kind: kind, Queue: q.index, Msg: msg}
}

// Push publishes a single buffer and returns its descriptor id.
func (q *Queue) Push(seg Segment) (uint16, error) {
	return q.PushChain(seg)
}

// PushChain publishes segs as one chain and returns the head descriptor
// id. With indirect descriptors enabled a multi-segment chain takes a
// single ring slot.
func (q *Queue) PushChain(segs ...Segment) (uint16, error) {
	if q.broken {
		return 0, q.ringErr(ErrQueueBroken, "")
	}

	if len(segs) == 0 {
		return 0, errors.New("virtio: empty descriptor chain")
	}

	indirect := q.useIndirect && len(segs) > 1 && len(segs) <= MaxIndirect

	need := len(segs)
	if indirect {
		need = 1
	}

	if need > int(q.size) {
		return 0, q.ringErr(ErrChainTooLong, fmt.Sprintf("%d segments", len(segs)))
	}

	if need > int(q.numFree) {
		return 0, q.ringErr(ErrExhausted, "")
	}

	head := q.freeHead

	if indirect {
		table := q.indirectDesc[int(head)*MaxIndirect:][:len(segs)]
		for i, s := range segs {
			flags := uint16(0)
			if s.Writable {
				flags |= DescFWrite
			}
			if i < len(segs)-1 {
				flags |= DescFNext
			}
			table[i].Addr.Set(s.Addr)
			table[i].Len.Set(s.Len)
			table[i].Flags.Set(flags)
			table[i].Next.Set(uint16(i + 1))
		}

		d := &q.desc[head]
		d.Addr.Set(q.indirect.Phys + uint64(int(head)*MaxIndirect*descSize))
		d.Len.Set(uint32(len(segs) * descSize))
		d.Flags.Set(DescFIndirect)

		q.freeHead = q.next[head]
	} else {
		idx := head
		for i, s := range segs {
			flags := uint16(0)
			if s.Writable {
				flags |= DescFWrite
			}

			d := &q.desc[idx]
			d.Addr.Set(s.Addr)
			d.Len.Set(s.Len)

			if i < len(segs)-1 {
				flags |= DescFNext
				d.Next.Set(q.next[idx])
			}
			d.Flags.Set(flags)

			idx = q.next[idx]
		}

		q.freeHead = idx
	}

	q.numFree -= uint16(need)
	q.chain[head] = uint16(need)

	q.availRing[q.availIdx&q.mask].Set(head)
	q.availIdx++

	// The atomic store orders the descriptor and ring writes above before
	// the new index becomes visible.
	q.availHdr.Store(q.availFlags | uint32(q.availIdx)<<16)

	return head, nil
}

// Reclaim collects completed chains into out, returning their descriptors
// to the free list, and reports how many it collected.
func (q *Queue) Reclaim(out []Used) (int, error) {
	if q.broken {
		return 0, q.ringErr(ErrQueueBroken, "")
	}

	usedIdx := uint16(q.usedHdr.Load() >> 16)

	if uint16(usedIdx-q.lastUsed) > q.size {
		q.broken = true
		return 0, q.ringErr(ErrUnexpectedUsed, fmt.Sprintf("used index %d, last seen %d", usedIdx, q.lastUsed))
	}

	n := 0
	for q.lastUsed != usedIdx && n < len(out) {
		e := &q.usedRing[q.lastUsed&q.mask]

		id := e.ID.Get()
		if id >= uint32(q.size) || q.chain[id] == 0 {
			q.broken = true
			return n, q.ringErr(ErrUnexpectedUsed, fmt.Sprintf("id %d", id))
		}

		q.release(uint16(id))

		out[n] = Used{ID: uint16(id), Len: e.Len.Get()}
		n++
		q.lastUsed++
	}

	if q.eventIdx {
		q.usedEvent.Store(q.lastUsed + usedEventPark)
	}

	return n, nil
}

// release splices the chain at head back onto the free list.
func (q *Queue) release(head uint16) {
	count := q.chain[head]
	q.chain[head] = 0

	tail := head
	for i := uint16(1); i < count; i++ {
		tail = q.next[tail]
	}

	q.next[tail] = q.freeHead
	q.desc[tail].Next.Set(q.freeHead)
	q.freeHead = head
	q.numFree += count
}

// NeedsNotify is the event index test: notify when the device asked to be
// woken at event and the publish moved the index from old past it.
func NeedsNotify(event, newIdx, oldIdx uint16) bool {
	return newIdx-event-1 < newIdx-oldIdx
}

// Kick notifies the device of buffers published since the last Kick,
// unless the device has said it does not need to hear about them. It
// reports whether the doorbell was rung.
func (q *Queue) Kick() bool {
	old, cur := q.kicked, q.availIdx
	if old == cur {
		return false
	}
	q.kicked = cur

	var notify bool
	if q.eventIdx {
		notify = NeedsNotify(uint16(q.availEvent.Load()), cur, old)
	} else {
		notify = q.usedHdr.Load()&UsedFNoNotify == 0
	}

	if notify && q.bell != nil {
		q.bell.Ring()
	}

	return notify
}
