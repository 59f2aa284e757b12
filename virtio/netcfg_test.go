package virtio

import (
	"testing"

	"github.com/lab47/lsvd/logger"
	"github.com/lab47/vnic/pci"
	"github.com/lab47/vnic/pkg/dma"
	"github.com/lab47/vnic/pkg/mmio"
	"github.com/lab47/vnic/simdev"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestReadNetConfig(t *testing.T) {
	setup := func(t *testing.T) *pci.Regions {
		sim := simdev.New(logger.New(logger.Trace), dma.NewHeap(), simdev.Options{})

		regions, err := pci.MapRegions(sim)
		require.NoError(t, err)

		return regions
	}

	t.Run("reads negotiated fields", func(t *testing.T) {
		r := require.New(t)

		regions := setup(t)

		cfg, err := ReadNetConfig(regions.Common, regions.DeviceConfig, FVersion1|NetFMAC|NetFStatus|NetFMQ|NetFMTU)
		r.NoError(err)

		r.Equal("52:54:00:12:34:56", cfg.MAC.String())
		r.True(cfg.LinkUp())
		r.Equal(uint16(1), cfg.MaxPairs)
		r.Equal(uint16(1500), cfg.MTU)
	})

	t.Run("region shorter than the negotiated fields", func(t *testing.T) {
		r := require.New(t)

		regions := setup(t)

		cases := []struct {
			len  int
			feat Features
		}{
			{4, NetFMAC},
			{6, NetFMAC | NetFStatus},
			{8, NetFMAC | NetFStatus | NetFMQ},
			{10, NetFMQ | NetFMTU},
		}

		for _, c := range cases {
			w, err := mmio.Slice(regions.DeviceConfig, 0, c.len)
			r.NoError(err)

			r.NotPanics(func() {
				_, err = ReadNetConfig(regions.Common, w, FVersion1|c.feat)
			})

			r.True(errors.Is(err, pci.ErrRegionBounds), "len %d features %s", c.len, c.feat)

			var ce *pci.ConfigError
			r.True(errors.As(err, &ce))
		}
	})

	t.Run("region long enough for what was negotiated", func(t *testing.T) {
		r := require.New(t)

		regions := setup(t)

		w, err := mmio.Slice(regions.DeviceConfig, 0, 10)
		r.NoError(err)

		cfg, err := ReadNetConfig(regions.Common, w, FVersion1|NetFMAC|NetFStatus|NetFMQ)
		r.NoError(err)
		r.Equal(uint16(1), cfg.MaxPairs)
		r.Equal(uint16(0), cfg.MTU)
	})
}
