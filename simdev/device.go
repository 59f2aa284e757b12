// Package simdev simulates a virtio-net device on the modern PCI transport.
// Its rings live in memory from a dma.Heap, so a driver can be exercised
// without hardware.
package simdev

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/lab47/lsvd/logger"
	"github.com/lab47/vnic/pkg/dma"
	"github.com/lab47/vnic/pkg/le"
	"github.com/lab47/vnic/pkg/mmio"
	"github.com/pkg/errors"
)

const (
	VendorID = 0x1af4
	DeviceID = 0x1041

	BAR = 4

	CommonOffset = 0x0000
	ISROffset    = 0x1000
	DeviceOffset = 0x2000
	NotifyOffset = 0x3000
	regionLen    = 0x1000

	BARSize = 0x4000

	NotifyMultiplier = 4

	DefaultQueueSize = 256
)

// Feature bits the simulated device knows about.
const (
	featMAC      = 1 << 5
	featStatus   = 1 << 16
	featCtrlVQ   = 1 << 17
	featCtrlRx   = 1 << 18
	featMQ       = 1 << 22
	featIndirect = 1 << 28
	featEventIdx = 1 << 29
	featVersion1 = 1 << 32

	DefaultOffer = featVersion1 | featMAC | featStatus | featCtrlVQ | featCtrlRx | featIndirect | featEventIdx
)

const (
	statusFeaturesOK = 8
	statusDriverOK   = 4
	statusNeedsReset = 64
)

type Options struct {
	// Features offered to the driver. Zero offers DefaultOffer, plus MQ
	// when QueuePairs is more than one.
	Features uint64

	QueueSize  uint16
	QueuePairs uint16
	MAC        net.HardwareAddr

	// RejectFeatures makes the device clear FEATURES_OK whatever the
	// driver accepted.
	RejectFeatures bool

	// Loopback moves frames from a pair's TX queue to its RX queue when
	// the TX queue is kicked.
	Loopback bool
}

type queueState struct {
	size      uint16
	vector    uint16
	enabled   bool
	desc      uint64
	driver    uint64
	device    uint64
	notifyOff uint16

	ring  *Vring
	kicks atomic.Uint64
}

// Device is a simulated virtio-net function. It implements pci.Device.
type Device struct {
	log  logger.Logger
	mem  dma.Resolver
	opts Options

	config []byte
	bar    *bar

	mu sync.Mutex

	status       uint8
	generation   uint8
	devSelect    uint32
	drvSelect    uint32
	driverFeat   uint64
	configVector uint16
	queueSelect  uint16
	isr          uint8

	queues []*queueState
	netcfg [12]byte

	promisc bool
	pairs   uint16

	closed bool
	err    error

	txDropped atomic.Uint64
}

// New builds a device whose rings are resolved through mem.
func New(log logger.Logger, mem dma.Resolver, opts Options) *Device {
	if opts.QueueSize == 0 {
		opts.QueueSize = DefaultQueueSize
	}

	if opts.QueuePairs == 0 {
		opts.QueuePairs = 1
	}

	if opts.Features == 0 {
		opts.Features = DefaultOffer
		if opts.QueuePairs > 1 {
			opts.Features |= featMQ
		}
	}

	if opts.MAC == nil {
		opts.MAC = net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	}

	d := &Device{
		log:   log,
		mem:   mem,
		opts:  opts,
		pairs: 1,
	}

	d.config = buildConfig()
	d.bar = &bar{d: d}

	copy(d.netcfg[0:6], opts.MAC)
	le.Encode[uint16](d.netcfg[6:], 1)
	le.Encode(d.netcfg[8:], opts.QueuePairs)
	le.Encode[uint16](d.netcfg[10:], 1500)

	d.queues = make([]*queueState, 2*int(opts.QueuePairs)+1)
	d.resetLocked()

	return d
}

// putCap writes a virtio vendor capability at pos.
func putCap(config []byte, pos, next int, cfgType uint8, offset, length uint32) {
	b := config[pos:]
	b[0] = 0x09
	b[1] = uint8(next)
	b[2] = 16
	b[3] = cfgType
	b[4] = BAR
	le.Encode(b[8:], offset)
	le.Encode(b[12:], length)
}

func buildConfig() []byte {
	config := make([]byte, 256)

	le.Encode[uint16](config[0x00:], VendorID)
	le.Encode[uint16](config[0x02:], DeviceID)
	le.Encode[uint16](config[0x06:], 0x10)
	config[0x08] = 1    // revision
	config[0x0b] = 0x02 // network controller
	config[0x34] = 0x40

	putCap(config, 0x40, 0x50, 1, CommonOffset, regionLen)
	putCap(config, 0x50, 0x60, 3, ISROffset, regionLen)
	putCap(config, 0x60, 0x70, 4, DeviceOffset, regionLen)
	putCap(config, 0x70, 0, 2, NotifyOffset, regionLen)

	config[0x72] = 20
	le.Encode[uint32](config[0x80:], NotifyMultiplier)

	return config
}

func (d *Device) ConfigSpace() ([]byte, error) {
	if d.closed {
		return nil, errors.New("simdev: device closed")
	}

	out := make([]byte, len(d.config))
	copy(out, d.config)
	return out, nil
}

// SetConfigSpace replaces the configuration space, for tests of broken
// capability lists.
func (d *Device) SetConfigSpace(config []byte) {
	d.config = config
}

func (d *Device) MapBAR(index int) (mmio.Window, error) {
	if index != BAR {
		return nil, errors.Errorf("simdev: BAR %d not implemented", index)
	}
	return d.bar, nil
}

func (d *Device) Close() error {
	d.closed = true
	return nil
}

func (d *Device) resetLocked() {
	d.status = 0
	d.devSelect = 0
	d.drvSelect = 0
	d.driverFeat = 0
	d.configVector = 0
	d.queueSelect = 0
	d.isr = 0
	d.promisc = false
	d.pairs = 1
	d.err = nil

	for i := range d.queues {
		d.queues[i] = &queueState{
			size:      d.opts.QueueSize,
			notifyOff: uint16(i),
		}
	}
}

func (d *Device) Status() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// DriverFeatures is what the driver wrote back.
func (d *Device) DriverFeatures() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.driverFeat
}

func (d *Device) Promiscuous() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.promisc
}

// ActivePairs is the queue pair count set over the control queue.
func (d *Device) ActivePairs() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pairs
}

// Err is the protocol error that put the device in DEVICE_NEEDS_RESET.
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *Device) NumQueues() int {
	return len(d.queues)
}

// Ring is the device side of queue idx, nil until the driver enables it.
func (d *Device) Ring(idx int) *Vring {
	d.mu.Lock()
	defer d.mu.Unlock()

	if idx < 0 || idx >= len(d.queues) {
		return nil
	}
	return d.queues[idx].ring
}

// Kicks counts doorbell writes for queue idx.
func (d *Device) Kicks(idx int) uint64 {
	return d.queues[idx].kicks.Load()
}

// SetLinkStatus changes the status field and bumps config_generation.
func (d *Device) SetLinkStatus(up bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var v uint16
	if up {
		v = 1
	}
	le.Encode(d.netcfg[6:], v)
	d.generation++
}

// fault flags a driver protocol error the way hardware would.
func (d *Device) fault(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.log.Error("simulated device fault", "error", err)

	if d.err == nil {
		d.err = err
	}
	d.status |= statusNeedsReset
}

func (d *Device) setStatusLocked(v uint8) {
	if v == 0 {
		d.log.Trace("device reset")
		d.resetLocked()
		return
	}

	if v&statusFeaturesOK != 0 && d.status&statusFeaturesOK == 0 {
		ok := d.driverFeat&^d.opts.Features == 0 && !d.opts.RejectFeatures
		if !ok {
			d.log.Debug("rejecting driver features", "features", d.driverFeat)
			v &^= statusFeaturesOK
		}
	}

	if v&statusDriverOK != 0 && d.status&statusDriverOK == 0 {
		d.log.Debug("driver ok", "features", d.driverFeat)
	}

	d.status = v
}

func (d *Device) enableQueueLocked(idx uint16) {
	q := d.queues[idx]

	ring, err := NewVring(d.mem, q.size, q.desc, q.driver, q.device)
	if err != nil {
		d.log.Error("enabling queue", "queue", idx, "error", err)
		d.status |= statusNeedsReset
		if d.err == nil {
			d.err = err
		}
		return
	}

	ring.SetEventIdx(d.driverFeat&featEventIdx != 0)
	ring.publish()

	q.ring = ring
	q.enabled = true

	d.log.Trace("queue enabled", "queue", idx, "size", q.size, "desc", q.desc)
}

// ctrlIndexLocked is the control queue index: after the last pair with
// MQ, queue 2 without it.
func (d *Device) ctrlIndexLocked() int {
	if d.driverFeat&featMQ == 0 {
		return 2
	}
	return 2 * int(d.opts.QueuePairs)
}

// notify handles a doorbell write.
func (d *Device) notify(idx uint16) {
	if int(idx) >= len(d.queues) {
		return
	}

	d.mu.Lock()
	q := d.queues[idx]
	ring := q.ring
	ctrl := d.ctrlIndexLocked()
	d.mu.Unlock()

	q.kicks.Add(1)

	if ring == nil {
		return
	}

	switch {
	case int(idx) == ctrl:
		if err := d.serviceControl(ring); err != nil {
			d.fault(err)
		}
	case d.opts.Loopback && idx%2 == 1:
		if _, err := d.Loopback(int(idx / 2)); err != nil {
			d.fault(err)
		}
	}
}
