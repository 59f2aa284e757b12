package virtio

import (
	"fmt"
	"net"

	"github.com/lab47/vnic/pci"
	"github.com/lab47/vnic/pkg/mmio"
	"github.com/pkg/errors"
)

// virtio_net_config offsets.
const (
	netCfgMAC      = 0
	netCfgStatus   = 6
	netCfgMaxPairs = 8
	netCfgMTU      = 10
)

const (
	NetSLinkUp   = 1 // Link is up
	NetSAnnounce = 2 // Announcement is needed
)

const configRetries = 16

// NetConfig is the device specific configuration of a network device. A
// field is only read when its feature was negotiated.
type NetConfig struct {
	MAC      net.HardwareAddr
	Status   uint16
	MaxPairs uint16
	MTU      uint16
}

func (c NetConfig) LinkUp() bool {
	return c.Status&NetSLinkUp != 0
}

// netConfigLen is how much of virtio_net_config the features in f expose.
func netConfigLen(f Features) int {
	switch {
	case f.Has(NetFMTU):
		return netCfgMTU + 2
	case f.Has(NetFMQ):
		return netCfgMaxPairs + 2
	case f.Has(NetFStatus):
		return netCfgStatus + 2
	case f.Has(NetFMAC):
		return netCfgMAC + 6
	}
	return 0
}

// ReadNetConfig reads the device config window, retrying until the device
// reports the same config_generation before and after.
func ReadNetConfig(common *pci.CommonConfig, w mmio.Window, f Features) (NetConfig, error) {
	cfg := NetConfig{MaxPairs: 1, Status: NetSLinkUp}

	if w == nil {
		if f.Has(NetFMAC) || f.Has(NetFMQ) || f.Has(NetFStatus) {
			return cfg, errors.New("virtio: device features need a device config region")
		}
		return cfg, nil
	}

	if need := netConfigLen(f); w.Len() < need {
		return cfg, &pci.ConfigError{
			Kind: pci.ErrRegionBounds,
			Msg:  fmt.Sprintf("device config is %d bytes, features need %d", w.Len(), need),
		}
	}

	for try := 0; try < configRetries; try++ {
		gen := common.ConfigGeneration()

		if f.Has(NetFMAC) {
			mac := make(net.HardwareAddr, 6)
			for i := range mac {
				mac[i] = w.Read8(netCfgMAC + i)
			}
			cfg.MAC = mac
		}

		if f.Has(NetFStatus) {
			cfg.Status = w.Read16(netCfgStatus)
		}

		if f.Has(NetFMQ) {
			cfg.MaxPairs = w.Read16(netCfgMaxPairs)
		}

		if f.Has(NetFMTU) {
			cfg.MTU = w.Read16(netCfgMTU)
		}

		if common.ConfigGeneration() == gen {
			if cfg.MaxPairs == 0 {
				cfg.MaxPairs = 1
			}
			return cfg, nil
		}
	}

	return cfg, errors.Errorf("virtio: device config still changing after %d reads", configRetries)
}
