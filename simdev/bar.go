package simdev

import (
	"github.com/lab47/vnic/pkg/le"
)

// Common configuration registers.
const (
	regDeviceFeatureSelect = 0x00
	regDeviceFeature       = 0x04
	regDriverFeatureSelect = 0x08
	regDriverFeature       = 0x0c
	regConfigMSIXVector    = 0x10
	regNumQueues           = 0x12
	regDeviceStatus        = 0x14
	regConfigGeneration    = 0x15
	regQueueSelect         = 0x16
	regQueueSize           = 0x18
	regQueueMSIXVector     = 0x1a
	regQueueEnable         = 0x1c
	regQueueNotifyOff      = 0x1e
	regQueueDescLo         = 0x20
	regQueueDescHi         = 0x24
	regQueueDriverLo       = 0x28
	regQueueDriverHi       = 0x2c
	regQueueDeviceLo       = 0x30
	regQueueDeviceHi       = 0x34
	regQueueNotifyData     = 0x38
	regQueueReset          = 0x3a
)

// bar is BAR 4. Unknown registers read as zero and ignore writes.
type bar struct {
	d *Device
}

func (b *bar) Len() int {
	return BARSize
}

func region(off int) (int, int) {
	return off &^ (regionLen - 1), off & (regionLen - 1)
}

func (b *bar) Read8(off int) uint8 {
	base, rel := region(off)

	d := b.d
	d.mu.Lock()
	defer d.mu.Unlock()

	switch base {
	case CommonOffset:
		switch rel {
		case regDeviceStatus:
			return d.status
		case regConfigGeneration:
			return d.generation
		}
	case ISROffset:
		if rel == 0 {
			v := d.isr
			d.isr = 0
			return v
		}
	case DeviceOffset:
		if rel < len(d.netcfg) {
			return d.netcfg[rel]
		}
	}

	return 0
}

func (b *bar) Read16(off int) uint16 {
	base, rel := region(off)

	d := b.d
	d.mu.Lock()
	defer d.mu.Unlock()

	switch base {
	case CommonOffset:
		q := d.selected()

		switch rel {
		case regConfigMSIXVector:
			return d.configVector
		case regNumQueues:
			return uint16(len(d.queues))
		case regQueueSelect:
			return d.queueSelect
		}

		if q == nil {
			return 0
		}

		switch rel {
		case regQueueSize:
			return q.size
		case regQueueMSIXVector:
			return q.vector
		case regQueueEnable:
			if q.enabled {
				return 1
			}
		case regQueueNotifyOff:
			return q.notifyOff
		case regQueueNotifyData:
			return d.queueSelect
		}
	case DeviceOffset:
		if rel+2 <= len(d.netcfg) {
			return le.Decode[uint16](d.netcfg[rel:])
		}
	}

	return 0
}

func (b *bar) Read32(off int) uint32 {
	base, rel := region(off)
	if base != CommonOffset {
		return 0
	}

	d := b.d
	d.mu.Lock()
	defer d.mu.Unlock()

	switch rel {
	case regDeviceFeatureSelect:
		return d.devSelect
	case regDeviceFeature:
		if d.devSelect > 1 {
			return 0
		}
		return uint32(d.opts.Features >> (32 * d.devSelect))
	case regDriverFeatureSelect:
		return d.drvSelect
	case regDriverFeature:
		if d.drvSelect > 1 {
			return 0
		}
		return uint32(d.driverFeat >> (32 * d.drvSelect))
	}

	q := d.selected()
	if q == nil {
		return 0
	}

	switch rel {
	case regQueueDescLo:
		return uint32(q.desc)
	case regQueueDescHi:
		return uint32(q.desc >> 32)
	case regQueueDriverLo:
		return uint32(q.driver)
	case regQueueDriverHi:
		return uint32(q.driver >> 32)
	case regQueueDeviceLo:
		return uint32(q.device)
	case regQueueDeviceHi:
		return uint32(q.device >> 32)
	}

	return 0
}

func (b *bar) Write8(off int, v uint8) {
	base, rel := region(off)
	if base != CommonOffset || rel != regDeviceStatus {
		return
	}

	d := b.d
	d.mu.Lock()
	defer d.mu.Unlock()

	d.setStatusLocked(v)
}

func (b *bar) Write16(off int, v uint16) {
	base, rel := region(off)

	if base == NotifyOffset {
		b.d.notify(uint16(rel / NotifyMultiplier))
		return
	}

	if base != CommonOffset {
		return
	}

	d := b.d
	d.mu.Lock()
	defer d.mu.Unlock()

	switch rel {
	case regConfigMSIXVector:
		d.configVector = v
		return
	case regQueueSelect:
		d.queueSelect = v
		return
	}

	q := d.selected()
	if q == nil || q.enabled {
		return
	}

	switch rel {
	case regQueueSize:
		if v != 0 && v&(v-1) == 0 && v <= d.opts.QueueSize {
			q.size = v
		}
	case regQueueMSIXVector:
		q.vector = v
	case regQueueEnable:
		if v == 1 {
			d.enableQueueLocked(d.queueSelect)
		}
	}
}

func set32(p *uint64, hi bool, v uint32) {
	if hi {
		*p = *p&0xffffffff | uint64(v)<<32
	} else {
		*p = *p&^0xffffffff | uint64(v)
	}
}

func (b *bar) Write32(off int, v uint32) {
	base, rel := region(off)
	if base != CommonOffset {
		return
	}

	d := b.d
	d.mu.Lock()
	defer d.mu.Unlock()

	switch rel {
	case regDeviceFeatureSelect:
		d.devSelect = v
		return
	case regDriverFeatureSelect:
		d.drvSelect = v
		return
	case regDriverFeature:
		if d.drvSelect <= 1 && d.status&statusFeaturesOK == 0 {
			set32(&d.driverFeat, d.drvSelect == 1, v)
		}
		return
	}

	q := d.selected()
	if q == nil || q.enabled {
		return
	}

	switch rel {
	case regQueueDescLo, regQueueDescHi:
		set32(&q.desc, rel == regQueueDescHi, v)
	case regQueueDriverLo, regQueueDriverHi:
		set32(&q.driver, rel == regQueueDriverHi, v)
	case regQueueDeviceLo, regQueueDeviceHi:
		set32(&q.device, rel == regQueueDeviceHi, v)
	}
}

// selected is the queue behind queue_select, nil for an index past
// num_queues.
func (d *Device) selected() *queueState {
	if int(d.queueSelect) >= len(d.queues) {
		return nil
	}
	return d.queues[d.queueSelect]
}
