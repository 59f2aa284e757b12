package pci

import (
	"github.com/lab47/vnic/pkg/mmio"
)

// Device is a PCI function whose configuration space can be read and whose
// BARs can be mapped.
type Device interface {
	ConfigSpace() ([]byte, error)
	MapBAR(index int) (mmio.Window, error)
	Close() error
}

// Notifier resolves per-queue doorbells inside the notify region.
type Notifier struct {
	w    mmio.Window
	mult uint32
}

func NewNotifier(w mmio.Window, multiplier uint32) *Notifier {
	return &Notifier{w: w, mult: multiplier}
}

// Doorbell returns the doorbell for the queue with the given notify offset.
func (n *Notifier) Doorbell(queue, notifyOff uint16) (*Doorbell, error) {
	off := int(notifyOff) * int(n.mult)
	if off+2 > n.w.Len() {
		return nil, configErr(ErrRegionBounds, "doorbell for queue %d at %#x, notify region is %#x bytes", queue, off, n.w.Len())
	}

	return &Doorbell{w: n.w, off: off, queue: queue}, nil
}

type Doorbell struct {
	w     mmio.Window
	off   int
	queue uint16
}

// Ring tells the device the queue has new buffers.
func (d *Doorbell) Ring() {
	d.w.Write16(d.off, d.queue)
}

// Regions are the located capabilities resolved to windows into mapped BARs.
type Regions struct {
	Caps   *Capabilities
	Common *CommonConfig
	Notify *Notifier

	// ISR and DeviceConfig are nil when the device does not expose them.
	ISR          mmio.Window
	DeviceConfig mmio.Window
}

// MapRegions locates the virtio capabilities of dev and maps the BARs they
// live in.
func MapRegions(dev Device) (*Regions, error) {
	config, err := dev.ConfigSpace()
	if err != nil {
		return nil, err
	}

	caps, err := Locate(config)
	if err != nil {
		return nil, err
	}

	bars := map[uint8]mmio.Window{}

	window := func(c Capability) (mmio.Window, error) {
		bar, ok := bars[c.BAR]
		if !ok {
			bar, err = dev.MapBAR(int(c.BAR))
			if err != nil {
				return nil, configErr(ErrBARUnmapped, "BAR %d for %s capability (%v)", c.BAR, c.Type, err)
			}
			bars[c.BAR] = bar
		}

		w, err := mmio.Slice(bar, int(c.Offset), int(c.Length))
		if err != nil {
			return nil, configErr(ErrRegionBounds, "%s capability %#x+%#x in BAR %d of %#x bytes",
				c.Type, c.Offset, c.Length, c.BAR, bar.Len())
		}

		return w, nil
	}

	regions := &Regions{Caps: caps}

	cw, err := window(caps.Common)
	if err != nil {
		return nil, err
	}

	regions.Common, err = NewCommonConfig(cw)
	if err != nil {
		return nil, err
	}

	nw, err := window(caps.Notify)
	if err != nil {
		return nil, err
	}

	regions.Notify = NewNotifier(nw, caps.Notify.NotifyMultiplier)

	if caps.ISR != nil {
		regions.ISR, err = window(*caps.ISR)
		if err != nil {
			return nil, err
		}
	}

	if caps.Device != nil {
		regions.DeviceConfig, err = window(*caps.Device)
		if err != nil {
			return nil, err
		}
	}

	return regions, nil
}
