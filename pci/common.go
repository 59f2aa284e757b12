package pci

import (
	"sync"

	"github.com/lab47/vnic/pkg/mmio"
)

// Common configuration block offsets.
const (
	commonDeviceFeatureSelect = 0x00
	commonDeviceFeature       = 0x04
	commonDriverFeatureSelect = 0x08
	commonDriverFeature       = 0x0c
	commonConfigMSIXVector    = 0x10
	commonNumQueues           = 0x12
	commonDeviceStatus        = 0x14
	commonConfigGeneration    = 0x15
	commonQueueSelect         = 0x16
	commonQueueSize           = 0x18
	commonQueueMSIXVector     = 0x1a
	commonQueueEnable         = 0x1c
	commonQueueNotifyOff      = 0x1e
	commonQueueDesc           = 0x20
	commonQueueDriver         = 0x28
	commonQueueDevice         = 0x30
	commonQueueNotifyData     = 0x38
	commonQueueReset          = 0x3a

	// CommonMinLen covers every field up to queue_device.
	CommonMinLen = 0x38
	// CommonLen includes queue_notify_data and queue_reset.
	CommonLen = 0x3c

	// NoVector disables MSI-X delivery for a queue or config changes.
	NoVector = 0xffff
)

// CommonConfig is typed access to the common configuration block. The
// feature and queue fields sit behind selector registers, so every
// select-then-access sequence runs under mu.
type CommonConfig struct {
	mu sync.Mutex
	w  mmio.Window
}

func NewCommonConfig(w mmio.Window) (*CommonConfig, error) {
	if w.Len() < CommonMinLen {
		return nil, configErr(ErrRegionBounds, "common configuration is %d bytes", w.Len())
	}

	return &CommonConfig{w: w}, nil
}

// DeviceFeatures reads both 32-bit windows of the offered feature bits.
func (c *CommonConfig) DeviceFeatures() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.w.Write32(commonDeviceFeatureSelect, 0)
	lo := c.w.Read32(commonDeviceFeature)
	c.w.Write32(commonDeviceFeatureSelect, 1)
	hi := c.w.Read32(commonDeviceFeature)

	return uint64(hi)<<32 | uint64(lo)
}

// SetDriverFeatures writes the accepted feature bits, one window at a time.
func (c *CommonConfig) SetDriverFeatures(f uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.w.Write32(commonDriverFeatureSelect, 0)
	c.w.Write32(commonDriverFeature, uint32(f))
	c.w.Write32(commonDriverFeatureSelect, 1)
	c.w.Write32(commonDriverFeature, uint32(f>>32))
}

func (c *CommonConfig) DriverFeatures() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.w.Write32(commonDriverFeatureSelect, 0)
	lo := c.w.Read32(commonDriverFeature)
	c.w.Write32(commonDriverFeatureSelect, 1)
	hi := c.w.Read32(commonDriverFeature)

	return uint64(hi)<<32 | uint64(lo)
}

func (c *CommonConfig) NumQueues() uint16 {
	return c.w.Read16(commonNumQueues)
}

func (c *CommonConfig) Status() uint8 {
	return c.w.Read8(commonDeviceStatus)
}

func (c *CommonConfig) SetStatus(s uint8) {
	c.w.Write8(commonDeviceStatus, s)
}

func (c *CommonConfig) ConfigGeneration() uint8 {
	return c.w.Read8(commonConfigGeneration)
}

func (c *CommonConfig) SetConfigVector(v uint16) {
	c.w.Write16(commonConfigMSIXVector, v)
}

// Queue selects queue idx and runs fn with its registers. No other queue
// can be selected until fn returns.
func (c *CommonConfig) Queue(idx uint16, fn func(q *QueueRegs) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.w.Write16(commonQueueSelect, idx)

	return fn(&QueueRegs{w: c.w, index: idx})
}

// QueueRegs is the per-queue window of the currently selected queue. It is
// only valid inside CommonConfig.Queue.
type QueueRegs struct {
	w     mmio.Window
	index uint16
}

func (q *QueueRegs) Index() uint16 {
	return q.index
}

// Size is the ring size; zero means the queue does not exist.
func (q *QueueRegs) Size() uint16 {
	return q.w.Read16(commonQueueSize)
}

func (q *QueueRegs) SetSize(n uint16) {
	q.w.Write16(commonQueueSize, n)
}

func (q *QueueRegs) Enabled() bool {
	return q.w.Read16(commonQueueEnable) == 1
}

func (q *QueueRegs) Enable() {
	q.w.Write16(commonQueueEnable, 1)
}

func (q *QueueRegs) NotifyOff() uint16 {
	return q.w.Read16(commonQueueNotifyOff)
}

func (q *QueueRegs) Vector() uint16 {
	return q.w.Read16(commonQueueMSIXVector)
}

func (q *QueueRegs) SetVector(v uint16) {
	q.w.Write16(commonQueueMSIXVector, v)
}

func (q *QueueRegs) write64(off int, v uint64) {
	q.w.Write32(off, uint32(v))
	q.w.Write32(off+4, uint32(v>>32))
}

func (q *QueueRegs) read64(off int) uint64 {
	lo := q.w.Read32(off)
	hi := q.w.Read32(off + 4)
	return uint64(hi)<<32 | uint64(lo)
}

// SetDesc programs the descriptor table address.
func (q *QueueRegs) SetDesc(addr uint64) { q.write64(commonQueueDesc, addr) }

// SetDriver programs the available ring address.
func (q *QueueRegs) SetDriver(addr uint64) { q.write64(commonQueueDriver, addr) }

// SetDevice programs the used ring address.
func (q *QueueRegs) SetDevice(addr uint64) { q.write64(commonQueueDevice, addr) }

func (q *QueueRegs) Desc() uint64   { return q.read64(commonQueueDesc) }
func (q *QueueRegs) Driver() uint64 { return q.read64(commonQueueDriver) }
func (q *QueueRegs) Device() uint64 { return q.read64(commonQueueDevice) }

// HasReset reports whether the block includes queue_reset.
func (q *QueueRegs) HasReset() bool {
	return q.w.Len() >= CommonLen
}

// Reset requests a per-queue reset. It needs the RING_RESET feature.
func (q *QueueRegs) Reset() {
	q.w.Write16(commonQueueReset, 1)
}

// ResetPending reports whether a requested queue reset has not finished.
func (q *QueueRegs) ResetPending() bool {
	return q.w.Read16(commonQueueReset) == 1
}
