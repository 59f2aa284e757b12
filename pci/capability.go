package pci

import (
	"fmt"

	"github.com/lab47/vnic/pkg/le"
)

// CapType is the cfg_type of a virtio vendor capability.
type CapType uint8

const (
	CapCommon       CapType = 1
	CapNotify       CapType = 2
	CapISR          CapType = 3
	CapDevice       CapType = 4
	CapPCICfg       CapType = 5
	CapSharedMemory CapType = 8
	CapVendor       CapType = 9
)

var capTypeNames = map[CapType]string{
	CapCommon:       "common",
	CapNotify:       "notify",
	CapISR:          "isr",
	CapDevice:       "device",
	CapPCICfg:       "pci-cfg",
	CapSharedMemory: "shared-memory",
	CapVendor:       "vendor",
}

func (c CapType) String() string {
	if s, ok := capTypeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("cap(%d)", uint8(c))
}

// Configuration space layout.
const (
	VendorVirtio = 0x1af4

	configVendorID  = 0x00
	configDeviceID  = 0x02
	configCommand   = 0x04
	configStatus    = 0x06
	configCapPtr    = 0x34
	configHeaderLen = 0x40

	statusCapList = 0x10

	capIDVendorSpecific = 0x09

	CapHeaderLen = 16
	NotifyCapLen = 20

	// A 256 byte space holds at most 48 four-byte capabilities, so a
	// longer walk means the list loops.
	maxCapHops = 48

	maxBAR = 5
)

// Capability is one virtio vendor capability from configuration space.
type Capability struct {
	Pos    int
	Next   uint8
	Len    uint8
	Type   CapType
	BAR    uint8
	ID     uint8
	Offset uint32
	Length uint32

	// NotifyMultiplier is only set on notify capabilities.
	NotifyMultiplier uint32
}

// Capabilities holds the first usable capability of each kind.
type Capabilities struct {
	Common Capability
	Notify Capability
	ISR    *Capability
	Device *Capability

	All []Capability
}

func VendorID(config []byte) uint16 {
	return le.Decode[uint16](config[configVendorID:])
}

func DeviceID(config []byte) uint16 {
	return le.Decode[uint16](config[configDeviceID:])
}

// Walk visits every virtio vendor capability in config in list order,
// stopping at a zero next pointer, after maxCapHops capabilities, or when
// fn returns false.
func Walk(config []byte, fn func(c Capability) bool) error {
	if len(config) < configHeaderLen {
		return configErr(ErrMalformedCapability, "config space is %d bytes", len(config))
	}

	if le.Decode[uint16](config[configStatus:])&statusCapList == 0 {
		return nil
	}

	pos := int(config[configCapPtr] &^ 3)

	for hops := 0; pos != 0 && hops < maxCapHops; hops++ {
		if pos < configHeaderLen || pos+2 > len(config) {
			return configErr(ErrMalformedCapability, "capability pointer %#x", pos)
		}

		id := config[pos]
		next := config[pos+1] &^ 3

		if id == capIDVendorSpecific && pos+CapHeaderLen <= len(config) {
			c := Capability{
				Pos:    pos,
				Next:   next,
				Len:    config[pos+2],
				Type:   CapType(config[pos+3]),
				BAR:    config[pos+4],
				ID:     config[pos+5],
				Offset: le.Decode[uint32](config[pos+8:]),
				Length: le.Decode[uint32](config[pos+12:]),
			}

			if c.Type == CapNotify && c.Len >= NotifyCapLen && pos+NotifyCapLen <= len(config) {
				c.NotifyMultiplier = le.Decode[uint32](config[pos+16:])
			}

			if c.Len >= CapHeaderLen && !fn(c) {
				return nil
			}
		}

		pos = int(next)
	}

	return nil
}

// Locate finds the regions a virtio driver needs. The common and notify
// capabilities are mandatory.
func Locate(config []byte) (*Capabilities, error) {
	var (
		caps  Capabilities
		found = map[CapType]bool{}
	)

	err := Walk(config, func(c Capability) bool {
		caps.All = append(caps.All, c)

		if c.BAR > maxBAR || found[c.Type] {
			return true
		}

		switch c.Type {
		case CapCommon:
			caps.Common = c
		case CapNotify:
			if c.Len < NotifyCapLen {
				return true
			}
			caps.Notify = c
		case CapISR:
			isr := c
			caps.ISR = &isr
		case CapDevice:
			dev := c
			caps.Device = &dev
		default:
			return true
		}

		found[c.Type] = true
		return true
	})
	if err != nil {
		return nil, err
	}

	if !found[CapCommon] {
		return nil, configErr(ErrCapabilityNotFound, "%s configuration", CapCommon)
	}

	if !found[CapNotify] {
		return nil, configErr(ErrCapabilityNotFound, "%s configuration", CapNotify)
	}

	return &caps, nil
}
