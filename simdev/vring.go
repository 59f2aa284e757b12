package simdev

import (
	"unsafe"

	"github.com/lab47/vnic/pkg/dma"
	"github.com/lab47/vnic/pkg/le"
	"github.com/pkg/errors"
)

const descSize = 8 + 4 + (2 * 2)

// vring_desc.flags
const (
	VIRTIO_DESC_F_NEXT     = 1 // Descriptor continues via 'next' field
	VIRTIO_DESC_F_WRITE    = 2 // Write-only descriptor (otherwise read-only)
	VIRTIO_DESC_F_INDIRECT = 4 // Buffer contains a list of descriptors
)

const ( // flags for avail and used rings
	VRING_F_NO_INTERRUPT = 1 // Hint: don't bother to call process
	VRING_F_NO_NOTIFY    = 1 // Hint: don't bother to kick kernel
)

var ErrBadChain = errors.New("malformed descriptor chain")

type DescArrayAccess struct {
	data []byte
}

func (d *DescArrayAccess) nth(n int) []byte {
	return d.data[n*descSize:]
}

func (d *DescArrayAccess) Addr(n int) uint64 {
	return le.Decode[uint64](d.nth(n))
}

func (d *DescArrayAccess) Len(n int) uint32 {
	return le.Decode[uint32](d.nth(n)[8:])
}

func (d *DescArrayAccess) Flags(n int) uint16 {
	return le.Decode[uint16](d.nth(n)[12:])
}

func (d *DescArrayAccess) Next(n int) uint16 {
	return le.Decode[uint16](d.nth(n)[14:])
}

func (d *DescArrayAccess) count() int {
	return len(d.data) / descSize
}

type AvailAccess struct {
	data []byte
	num  uint16
}

func (u *AvailAccess) hdr() *le.Atomic32 {
	return (*le.Atomic32)(unsafe.Pointer(&u.data[:4][0]))
}

func (u *AvailAccess) Flags() uint16 {
	return uint16(u.hdr().Load())
}

// Idx is loaded atomically so the ring entries it covers are visible.
func (u *AvailAccess) Idx() uint16 {
	return uint16(u.hdr().Load() >> 16)
}

func (u *AvailAccess) Ring(n uint16) uint16 {
	return le.Decode[uint16](u.data[4+int(n)*2:])
}

// UsedEvent is read atomically; the driver moves it while the device runs.
func (u *AvailAccess) UsedEvent() uint16 {
	return le.Atomic16At(u.data, 4+int(u.num)*2).Load()
}

type UsedAccess struct {
	data []byte
	num  uint16
}

func (u *UsedAccess) hdr() *le.Atomic32 {
	return (*le.Atomic32)(unsafe.Pointer(&u.data[:4][0]))
}

func (u *UsedAccess) Flags() uint16 {
	return uint16(u.hdr().Load())
}

func (u *UsedAccess) Idx() uint16 {
	return uint16(u.hdr().Load() >> 16)
}

// Publish stores flags and idx in one atomic write, after the entries.
func (u *UsedAccess) Publish(flags, idx uint16) {
	u.hdr().Store(uint32(flags) | uint32(idx)<<16)
}

func (u *UsedAccess) Ring(n uint16) (uint32, uint32) {
	ent := u.data[4+int(n)*8:]

	return le.Decode[uint32](ent), le.Decode[uint32](ent[4:])
}

func (u *UsedAccess) SetRing(n uint16, id, ln uint32) {
	ent := u.data[4+int(n)*8:]

	le.Encode(ent, id)
	le.Encode(ent[4:], ln)
}

func (u *UsedAccess) SetAvailEvent(v uint16) {
	le.Atomic16At(u.data, 4+int(u.num)*8).Store(v)
}

// Buf is one guest buffer of a chain.
type Buf struct {
	Data     []byte
	Writable bool
}

// Chain is a descriptor chain taken from the available ring.
type Chain struct {
	Head uint16
	Bufs []Buf
}

// Readable concatenates the device-readable part of the chain.
func (c *Chain) Readable() []byte {
	var out []byte
	for _, b := range c.Bufs {
		if !b.Writable {
			out = append(out, b.Data...)
		}
	}
	return out
}

// Write copies data into the writable buffers and returns how much fit.
func (c *Chain) Write(data []byte) int {
	n := 0
	for _, b := range c.Bufs {
		if !b.Writable || n == len(data) {
			continue
		}
		n += copy(b.Data, data[n:])
	}
	return n
}

func (c *Chain) WritableLen() int {
	n := 0
	for _, b := range c.Bufs {
		if b.Writable {
			n += len(b.Data)
		}
	}
	return n
}

// Vring is the device side of a split ring in driver memory.
type Vring struct {
	mem  dma.Resolver
	num  uint16
	mask uint16

	desc  *DescArrayAccess
	avail *AvailAccess
	used  *UsedAccess

	last_avail_idx uint16
	last_used_idx  uint16

	eventIdx bool
	noNotify bool
}

// NewVring resolves the three ring parts the driver programmed.
func NewVring(mem dma.Resolver, num uint16, desc, avail, used uint64) (*Vring, error) {
	if num == 0 || num&(num-1) != 0 {
		return nil, errors.Errorf("simdev: ring size %d", num)
	}

	n := int(num)

	d, err := mem.Resolve(desc, n*descSize)
	if err != nil {
		return nil, errors.Wrapf(err, "descriptor table")
	}

	// The event fields are accessed through their containing 32-bit word.
	a, err := mem.Resolve(avail, 4+2*n+4)
	if err != nil {
		return nil, errors.Wrapf(err, "available ring")
	}

	u, err := mem.Resolve(used, 4+8*n+4)
	if err != nil {
		return nil, errors.Wrapf(err, "used ring")
	}

	return &Vring{
		mem:   mem,
		num:   num,
		mask:  num - 1,
		desc:  &DescArrayAccess{data: d},
		avail: &AvailAccess{data: a, num: num},
		used:  &UsedAccess{data: u, num: num},
	}, nil
}

func (v *Vring) Size() uint16 {
	return v.num
}

// Pending is the number of chains the driver has made available that the
// device has not taken.
func (v *Vring) Pending() int {
	return int(v.avail.Idx() - v.last_avail_idx)
}

// SetNoNotify sets or clears the used ring NO_NOTIFY hint.
func (v *Vring) SetNoNotify(on bool) {
	v.noNotify = on
	v.publish()
}

func (v *Vring) SetEventIdx(on bool) {
	v.eventIdx = on
}

// InterruptsSuppressed reports whether the driver asked for no interrupt
// on the next used entry. Under EVENT_IDX that is decided by used_event
// alone and the avail flags must be zero.
func (v *Vring) InterruptsSuppressed() bool {
	if v.eventIdx {
		next := v.last_used_idx + 1
		return !needsEvent(v.avail.UsedEvent(), next, v.last_used_idx)
	}
	return v.avail.Flags()&VRING_F_NO_INTERRUPT != 0
}

func needsEvent(event, newIdx, oldIdx uint16) bool {
	return newIdx-event-1 < newIdx-oldIdx
}

func (v *Vring) AvailFlags() uint16 {
	return v.avail.Flags()
}

// UsedEvent is the used_event field the driver writes under EVENT_IDX.
func (v *Vring) UsedEvent() uint16 {
	return v.avail.UsedEvent()
}

// Next takes the next available chain. It returns false when the ring is
// empty.
func (v *Vring) Next() (*Chain, bool, error) {
	if v.last_avail_idx == v.avail.Idx() {
		return nil, false, nil
	}

	head := v.avail.Ring(v.last_avail_idx & v.mask)
	if head >= v.num {
		return nil, false, errors.Wrapf(ErrBadChain, "head %d", head)
	}

	c := &Chain{Head: head}

	err := v.walk(v.desc, head, c, true)
	if err != nil {
		return nil, false, err
	}

	v.last_avail_idx++

	if v.eventIdx {
		// Ask to be kicked for the very next buffer.
		v.used.SetAvailEvent(v.last_avail_idx)
	}

	return c, true, nil
}

func (v *Vring) walk(desc *DescArrayAccess, idx uint16, c *Chain, top bool) error {
	limit := desc.count()

	for hops := 0; ; hops++ {
		if hops >= limit || int(idx) >= limit {
			return errors.Wrapf(ErrBadChain, "chain at %d exceeds %d descriptors", c.Head, limit)
		}

		flags := desc.Flags(int(idx))

		if flags&VIRTIO_DESC_F_INDIRECT != 0 {
			if !top || flags&VIRTIO_DESC_F_NEXT != 0 {
				return errors.Wrapf(ErrBadChain, "misplaced indirect descriptor %d", idx)
			}

			ln := desc.Len(int(idx))
			if ln == 0 || ln%descSize != 0 {
				return errors.Wrapf(ErrBadChain, "indirect table of %d bytes", ln)
			}

			table, err := v.mem.Resolve(desc.Addr(int(idx)), int(ln))
			if err != nil {
				return err
			}

			return v.walk(&DescArrayAccess{data: table}, 0, c, false)
		}

		buf, err := v.mem.Resolve(desc.Addr(int(idx)), int(desc.Len(int(idx))))
		if err != nil {
			return err
		}

		c.Bufs = append(c.Bufs, Buf{Data: buf, Writable: flags&VIRTIO_DESC_F_WRITE != 0})

		if flags&VIRTIO_DESC_F_NEXT == 0 {
			return nil
		}

		idx = desc.Next(int(idx))
	}
}

// PutUsed returns a chain to the driver with the number of bytes written.
// The entry is visible once Publish runs.
func (v *Vring) PutUsed(head uint16, total uint32) {
	v.used.SetRing(v.last_used_idx&v.mask, uint32(head), total)
	v.last_used_idx++
}

// Publish makes every PutUsed entry visible to the driver.
func (v *Vring) Publish() {
	v.publish()
}

func (v *Vring) publish() {
	var flags uint16
	if v.noNotify {
		flags = VRING_F_NO_NOTIFY
	}
	v.used.Publish(flags, v.last_used_idx)
}

// PutUsedRaw writes a used entry for any id, valid or not. Tests use it to
// play a misbehaving device.
func (v *Vring) PutUsedRaw(id, total uint32) {
	v.used.SetRing(v.last_used_idx&v.mask, id, total)
	v.last_used_idx++
	v.publish()
}
