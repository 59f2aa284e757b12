package virtio

import (
	"context"
	"testing"

	"github.com/lab47/lsvd/logger"
	"github.com/lab47/vnic/pci"
	"github.com/lab47/vnic/pkg/dma"
	"github.com/lab47/vnic/pkg/mmio"
	"github.com/lab47/vnic/simdev"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func simNegotiator(t *testing.T, opts simdev.Options) (*Negotiator, *simdev.Device) {
	r := require.New(t)

	log := logger.New(logger.Trace)
	sim := simdev.New(log, dma.NewHeap(), opts)

	regions, err := pci.MapRegions(sim)
	r.NoError(err)

	return NewNegotiator(log, regions.Common), sim
}

// dropBit is a common config window whose device clears a status bit
// whenever the driver sets it.
type dropBit struct {
	mmio.Window
	bit uint8
}

func (w *dropBit) Write8(off int, v uint8) {
	if off == 0x14 {
		v &^= w.bit
	}
	w.Window.Write8(off, v)
}

// onFeaturesOK is a common config window whose device replaces the status
// with what rewrite returns when the driver sets FEATURES_OK.
type onFeaturesOK struct {
	mmio.Window
	rewrite func(v uint8) uint8
}

func (w *onFeaturesOK) Write8(off int, v uint8) {
	if off == 0x14 && v&uint8(StatusFeaturesOK) != 0 {
		v = w.rewrite(v)
	}
	w.Window.Write8(off, v)
}

func wrappedNegotiator(t *testing.T, wrap func(w mmio.Window) mmio.Window) (*Negotiator, *simdev.Device) {
	r := require.New(t)

	log := logger.New(logger.Trace)
	sim := simdev.New(log, dma.NewHeap(), simdev.Options{})

	bar, err := sim.MapBAR(simdev.BAR)
	r.NoError(err)

	w, err := mmio.Slice(bar, simdev.CommonOffset, 0x1000)
	r.NoError(err)

	common, err := pci.NewCommonConfig(wrap(w))
	r.NoError(err)

	return NewNegotiator(log, common), sim
}

func TestNegotiator(t *testing.T) {
	ctx := context.Background()

	t.Run("full offer reaches DRIVER_OK", func(t *testing.T) {
		r := require.New(t)

		n, sim := simNegotiator(t, simdev.Options{})

		accepted, err := n.Negotiate(ctx, DefaultConfig().Supported())
		r.NoError(err)
		r.Equal(StateFeaturesNegotiated, n.State())

		r.True(accepted.Has(FVersion1 | NetFMAC | NetFCtrlVQ))
		r.False(accepted.Has(FEventIdx), "not asked for")
		r.Equal(uint64(accepted), sim.DriverFeatures())

		r.NoError(n.Ready())
		r.Equal(StateDriverOK, n.State())

		st := Status(sim.Status())
		r.True(st.Has(StatusAcknowledge | StatusDriver | StatusFeaturesOK | StatusDriverOK))
		r.False(st.Has(StatusFailed))

		r.NoError(n.Check())
	})

	t.Run("accepted is the intersection", func(t *testing.T) {
		r := require.New(t)

		offer := FVersion1 | NetFCsum | NetFMAC | NetFSpeedDuplex
		n, _ := simNegotiator(t, simdev.Options{Features: uint64(offer)})

		accepted, err := n.Negotiate(ctx, FVersion1|NetFMAC|NetFStatus|NetFSpeedDuplex)
		r.NoError(err)
		r.Equal(FVersion1|NetFMAC|NetFSpeedDuplex, accepted)
		r.Equal(offer, n.Offered())
	})

	t.Run("missing mandatory feature", func(t *testing.T) {
		r := require.New(t)

		n, sim := simNegotiator(t, simdev.Options{Features: uint64(NetFMAC | NetFStatus)})

		_, err := n.Negotiate(ctx, DefaultConfig().Supported())
		r.Error(err)
		r.True(errors.Is(err, ErrFeaturesRejected))

		var ne *NegotiationError
		r.True(errors.As(err, &ne))
		r.Contains(ne.Msg, "VERSION_1")

		r.True(Status(sim.Status()).Has(StatusFailed))
		r.Equal(StateFailed, n.State())
		r.Zero(sim.DriverFeatures())
	})

	t.Run("device clears FEATURES_OK", func(t *testing.T) {
		r := require.New(t)

		n, sim := simNegotiator(t, simdev.Options{RejectFeatures: true})

		_, err := n.Negotiate(ctx, DefaultConfig().Supported())
		r.True(errors.Is(err, ErrFeaturesRejected))

		st := Status(sim.Status())
		r.True(st.Has(StatusFailed))
		r.False(st.Has(StatusFeaturesOK))
	})

	t.Run("device drops DRIVER", func(t *testing.T) {
		r := require.New(t)

		n, _ := wrappedNegotiator(t, func(w mmio.Window) mmio.Window {
			return &dropBit{Window: w, bit: uint8(StatusDriver)}
		})

		_, err := n.Negotiate(ctx, DefaultConfig().Supported())
		r.True(errors.Is(err, ErrDeviceRejected))
		r.Equal(StateFailed, n.State())
	})

	t.Run("needs reset raised at FEATURES_OK", func(t *testing.T) {
		r := require.New(t)

		n, sim := wrappedNegotiator(t, func(w mmio.Window) mmio.Window {
			return &onFeaturesOK{Window: w, rewrite: func(v uint8) uint8 {
				return v | uint8(StatusNeedsReset)
			}}
		})

		_, err := n.Negotiate(ctx, DefaultConfig().Supported())
		r.True(errors.Is(err, ErrDeviceNeedsReset), "got %v", err)
		r.False(errors.Is(err, ErrFeaturesRejected))
		r.Equal(StateFailed, n.State())
		r.True(Status(sim.Status()).Has(StatusFailed))
	})

	t.Run("device clears everything at FEATURES_OK", func(t *testing.T) {
		r := require.New(t)

		n, _ := wrappedNegotiator(t, func(w mmio.Window) mmio.Window {
			return &onFeaturesOK{Window: w, rewrite: func(uint8) uint8 {
				return 0
			}}
		})

		_, err := n.Negotiate(ctx, DefaultConfig().Supported())
		r.True(errors.Is(err, ErrDeviceRejected), "got %v", err)
		r.Equal(StateFailed, n.State())
	})

	t.Run("DRIVER_OK before features", func(t *testing.T) {
		r := require.New(t)

		n, _ := simNegotiator(t, simdev.Options{})

		err := n.Ready()
		r.True(errors.Is(err, ErrDeviceRejected))
	})

	t.Run("renegotiating resets the device", func(t *testing.T) {
		r := require.New(t)

		n, sim := simNegotiator(t, simdev.Options{})

		_, err := n.Negotiate(ctx, DefaultConfig().Supported())
		r.NoError(err)
		r.NoError(n.Ready())

		_, err = n.Negotiate(ctx, FVersion1)
		r.NoError(err)
		r.Equal(uint64(FVersion1), sim.DriverFeatures())
		r.False(Status(sim.Status()).Has(StatusDriverOK))
	})
}

func TestFeatures(t *testing.T) {
	r := require.New(t)

	f := FVersion1 | NetFMAC | Features(1<<50)
	r.Equal("NET_MAC|VERSION_1|bit50", f.String())
	r.Equal("none", Features(0).String())
	r.Equal(3, f.Count())

	r.Equal(uint32(1<<5), f.Window(0))
	r.Equal(uint32(1|1<<18), f.Window(1))

	for name, want := range map[string]Features{
		"VIRTIO_F_VERSION_1":      FVersion1,
		"version_1":               FVersion1,
		"VIRTIO_NET_F_MAC":        NetFMAC,
		"net_ctrl_vq":             NetFCtrlVQ,
		"VIRTIO_RING_F_EVENT_IDX": FEventIdx,
		"indirect_desc":           FIndirectDesc,
	} {
		got, err := ParseFeature(name)
		r.NoError(err, name)
		r.Equal(want, got, name)
	}

	_, err := ParseFeature("bogus")
	r.Error(err)

	r.Contains(FeatureNames(), "NET_MQ")
}

func TestStatus(t *testing.T) {
	r := require.New(t)

	r.Equal("RESET", Status(0).String())
	r.Equal("ACKNOWLEDGE|DRIVER|FEATURES_OK", (StatusAcknowledge | StatusDriver | StatusFeaturesOK).String())
	r.Equal("driver-ok", StateDriverOK.String())
}
