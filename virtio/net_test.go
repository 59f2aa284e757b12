package virtio

import (
	"bytes"
	"context"
	"net"
	"testing"

	"github.com/lab47/lsvd/logger"
	"github.com/lab47/vnic/driver"
	"github.com/lab47/vnic/pci"
	"github.com/lab47/vnic/pkg/dma"
	"github.com/lab47/vnic/pkg/pktbuf"
	"github.com/lab47/vnic/simdev"
	"github.com/mdlayher/ethernet"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type simSetup struct {
	dev  *Device
	sim  *simdev.Device
	heap *dma.Heap
}

func newSimDevice(t *testing.T, opts simdev.Options, cfg Config) (*simSetup, error) {
	log := logger.New(logger.Trace)
	heap := dma.NewHeap()
	sim := simdev.New(log, heap, opts)

	d := New(log,
		WithAllocator(heap),
		WithConfig(cfg),
		WithOpener(func(addr string) (pci.Device, error) {
			return sim, nil
		}),
	)

	err := d.Init(context.Background(), "sim")

	return &simSetup{dev: d, sim: sim, heap: heap}, err
}

func testFrame(t *testing.T, size int, seq byte) []byte {
	payload := make([]byte, size-14)
	for i := range payload {
		payload[i] = seq + byte(i)
	}

	f := ethernet.Frame{
		Destination: net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
		Source:      net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, seq},
		EtherType:   ethernet.EtherTypeIPv4,
		Payload:     payload,
	}

	b, err := f.MarshalBinary()
	require.NoError(t, err)

	return b
}

func freeAll(pkts []*pktbuf.Packet) {
	for _, p := range pkts {
		p.Free()
	}
}

func TestDeviceInit(t *testing.T) {
	t.Run("negotiates and fills the receive ring", func(t *testing.T) {
		r := require.New(t)

		s, err := newSimDevice(t, simdev.Options{}, Config{})
		r.NoError(err)

		d := s.dev
		r.Equal(1, d.QueuePairs())
		r.Equal("52:54:00:12:34:56", d.MAC().String())
		r.True(d.NetConfig().LinkUp())
		r.True(d.Features().Has(FVersion1 | NetFCtrlVQ))

		st := Status(s.sim.Status())
		r.True(st.Has(StatusDriverOK))

		rx := s.sim.Ring(0)
		r.NotNil(rx)
		r.Equal(256, rx.Pending())
		r.True(rx.InterruptsSuppressed())

		r.NotNil(s.sim.Ring(1))
		r.NotNil(s.sim.Ring(2), "control queue")

		r.Equal(uint64(1), s.sim.Kicks(0))

		r.NoError(d.Check())
		r.NoError(d.Close())
		r.Zero(s.sim.Status())
	})

	t.Run("partial initial fill", func(t *testing.T) {
		r := require.New(t)

		s, err := newSimDevice(t, simdev.Options{}, Config{RxBuffers: 64})
		r.NoError(err)

		r.Equal(64, s.sim.Ring(0).Pending())
		r.Equal(512-64, s.dev.RxPool(0).Available())
	})

	t.Run("offer without VERSION_1", func(t *testing.T) {
		r := require.New(t)

		s, err := newSimDevice(t, simdev.Options{Features: uint64(NetFMAC)}, Config{})
		r.True(errors.Is(err, ErrFeaturesRejected))
		r.True(Status(s.sim.Status()).Has(StatusFailed))
		r.Zero(s.dev.QueuePairs())
	})

	t.Run("ring size must match", func(t *testing.T) {
		r := require.New(t)

		_, err := newSimDevice(t, simdev.Options{QueueSize: 256}, Config{RingSize: 128})
		r.True(errors.Is(err, ErrQueueSize))
	})

	t.Run("adopts the device ring size", func(t *testing.T) {
		r := require.New(t)

		s, err := newSimDevice(t, simdev.Options{QueueSize: 64}, Config{})
		r.NoError(err)
		r.Equal(64, s.sim.Ring(0).Pending())
		r.Equal(uint16(64), s.sim.Ring(1).Size())
	})

	t.Run("broken capability list", func(t *testing.T) {
		r := require.New(t)

		log := logger.New(logger.Trace)
		heap := dma.NewHeap()
		sim := simdev.New(log, heap, simdev.Options{})

		config, err := sim.ConfigSpace()
		r.NoError(err)

		// Point the notify capability's next back at the first one and
		// turn it into an ISR capability.
		config[0x73] = 3
		config[0x71] = 0x40
		sim.SetConfigSpace(config)

		d := New(log, WithAllocator(heap), WithOpener(func(string) (pci.Device, error) {
			return sim, nil
		}))

		err = d.Init(context.Background(), "sim")
		r.True(errors.Is(err, pci.ErrCapabilityNotFound))
	})

	t.Run("device config region too short", func(t *testing.T) {
		r := require.New(t)

		log := logger.New(logger.Trace)
		heap := dma.NewHeap()
		sim := simdev.New(log, heap, simdev.Options{})

		config, err := sim.ConfigSpace()
		r.NoError(err)

		// Shrink the device capability to the MAC alone while STATUS is
		// still offered.
		config[0x6c] = 6
		config[0x6d] = 0
		config[0x6e] = 0
		config[0x6f] = 0
		sim.SetConfigSpace(config)

		d := New(log, WithAllocator(heap), WithOpener(func(string) (pci.Device, error) {
			return sim, nil
		}))

		r.NotPanics(func() {
			err = d.Init(context.Background(), "sim")
		})
		r.True(errors.Is(err, pci.ErrRegionBounds), "got %v", err)
	})

	t.Run("promiscuous and queue pairs over the control queue", func(t *testing.T) {
		r := require.New(t)

		s, err := newSimDevice(t,
			simdev.Options{QueuePairs: 2},
			Config{QueuePairs: 2, Promiscuous: true, Indirect: true, EventIdx: true},
		)
		r.NoError(err)

		r.Equal(2, s.dev.QueuePairs())
		r.True(s.sim.Promiscuous())
		r.Equal(uint16(2), s.sim.ActivePairs())
		r.True(s.dev.Features().Has(NetFMQ | FIndirectDesc | FEventIdx))

		r.Equal(256, s.sim.Ring(2).Pending())
		r.NotNil(s.sim.Ring(4), "control queue after the last pair")
	})

	t.Run("fewer pairs than the device has", func(t *testing.T) {
		r := require.New(t)

		s, err := newSimDevice(t, simdev.Options{QueuePairs: 4}, Config{QueuePairs: 2})
		r.NoError(err)

		r.Equal(2, s.dev.QueuePairs())
		r.Equal(uint16(2), s.sim.ActivePairs())
		r.NotNil(s.sim.Ring(8))
		r.Nil(s.sim.Ring(4))
	})

	t.Run("registered as a backend", func(t *testing.T) {
		r := require.New(t)

		r.Contains(driver.Backends(), "virtio")

		drv, err := driver.New("virtio", logger.New(logger.Trace))
		r.NoError(err)
		r.IsType(&Device{}, drv)
	})
}

func TestRxBatch(t *testing.T) {
	t.Run("harvests and replenishes", func(t *testing.T) {
		r := require.New(t)

		s, err := newSimDevice(t, simdev.Options{QueueSize: 256}, Config{RxBuffers: 64})
		r.NoError(err)

		rx := s.sim.Ring(0)
		r.Equal(64, rx.Pending())

		var (
			frames [][]byte
			total  int
		)

		for i := 0; i < 64; i++ {
			f := testFrame(t, 60+i*10, byte(i))
			frames = append(frames, f)
			total += len(f)
		}

		n, err := s.sim.InjectRxBatch(0, frames)
		r.NoError(err)
		r.Equal(64, n)
		r.Equal(0, rx.Pending())

		pkts := make([]*pktbuf.Packet, 128)

		got, err := s.dev.RxBatch(0, pkts)
		r.NoError(err)
		r.Equal(64, got)

		sum := 0
		for i, p := range pkts[:got] {
			sum += p.Len()
			r.True(bytes.Equal(frames[i], p.Data()), "frame %d", i)
		}
		r.Equal(total, sum)

		r.Equal(64, rx.Pending())
		r.Equal(64, s.dev.rx[0].q.Outstanding())

		st := s.dev.Stats()
		r.Equal(uint64(64), st.RX[0].Packets)
		r.Equal(uint64(total), st.RX[0].Bytes)

		freeAll(pkts[:got])
		r.Equal(512-64, s.dev.RxPool(0).Available())
	})

	t.Run("empty ring returns nothing", func(t *testing.T) {
		r := require.New(t)

		s, err := newSimDevice(t, simdev.Options{}, Config{})
		r.NoError(err)

		pkts := make([]*pktbuf.Packet, 32)
		n, err := s.dev.RxBatch(0, pkts)
		r.NoError(err)
		r.Zero(n)
	})

	t.Run("batch smaller than what is ready", func(t *testing.T) {
		r := require.New(t)

		s, err := newSimDevice(t, simdev.Options{}, Config{})
		r.NoError(err)

		for i := 0; i < 10; i++ {
			r.NoError(s.sim.InjectRx(0, testFrame(t, 100, byte(i))))
		}

		pkts := make([]*pktbuf.Packet, 4)

		n, err := s.dev.RxBatch(0, pkts)
		r.NoError(err)
		r.Equal(4, n)
		freeAll(pkts[:n])

		n, _ = s.dev.RxBatch(0, pkts)
		r.Equal(4, n)
		freeAll(pkts[:n])

		n, _ = s.dev.RxBatch(0, pkts)
		r.Equal(2, n)
		freeAll(pkts[:n])

		r.Equal(256, s.sim.Ring(0).Pending())
	})

	t.Run("runt is dropped and its buffer reposted", func(t *testing.T) {
		r := require.New(t)

		s, err := newSimDevice(t, simdev.Options{}, Config{RxBuffers: 8})
		r.NoError(err)

		rx := s.sim.Ring(0)

		c, ok, err := rx.Next()
		r.NoError(err)
		r.True(ok)
		rx.PutUsed(c.Head, 4)
		rx.Publish()

		pkts := make([]*pktbuf.Packet, 8)
		n, err := s.dev.RxBatch(0, pkts)
		r.NoError(err)
		r.Zero(n)

		r.Equal(uint64(1), s.dev.Stats().RX[0].Dropped)
		r.Equal(8, rx.Pending())
	})

	t.Run("held packets starve the pool without losing buffers", func(t *testing.T) {
		r := require.New(t)

		s, err := newSimDevice(t, simdev.Options{QueueSize: 16}, Config{PoolSize: 20})
		r.NoError(err)

		rx := s.sim.Ring(0)
		r.Equal(16, rx.Pending())

		for i := 0; i < 16; i++ {
			r.NoError(s.sim.InjectRx(0, testFrame(t, 64, byte(i))))
		}

		pkts := make([]*pktbuf.Packet, 16)

		n, err := s.dev.RxBatch(0, pkts)
		r.NoError(err)
		r.Equal(16, n)

		// Only 4 of the 20 buffers were left to repost.
		r.Equal(4, rx.Pending())
		r.NotZero(s.dev.Stats().RX[0].NoBuffer)

		freeAll(pkts[:n])

		n, err = s.dev.RxBatch(0, pkts)
		r.NoError(err)
		r.Zero(n)
		r.Equal(16, rx.Pending())
	})

	t.Run("unexpected used entry stops the queue", func(t *testing.T) {
		r := require.New(t)

		s, err := newSimDevice(t, simdev.Options{QueueSize: 16}, Config{RxBuffers: 4})
		r.NoError(err)

		s.sim.Ring(0).PutUsedRaw(9, 100)

		pkts := make([]*pktbuf.Packet, 16)

		_, err = s.dev.RxBatch(0, pkts)
		r.True(errors.Is(err, ErrUnexpectedUsed))

		_, err = s.dev.RxBatch(0, pkts)
		r.True(errors.Is(err, ErrQueueBroken))
	})

	t.Run("bad queue index", func(t *testing.T) {
		r := require.New(t)

		s, err := newSimDevice(t, simdev.Options{}, Config{})
		r.NoError(err)

		_, err = s.dev.RxBatch(1, nil)
		r.Error(err)
	})
}

func TestTxBatch(t *testing.T) {
	fill := func(t *testing.T, pool *pktbuf.Pool, frame []byte) *pktbuf.Packet {
		pkt := pool.Alloc()
		require.NotNil(t, pkt)

		copy(pkt.Buffer(), frame)
		pkt.SetLen(len(frame))

		return pkt
	}

	t.Run("transmits and reclaims", func(t *testing.T) {
		r := require.New(t)

		s, err := newSimDevice(t, simdev.Options{}, Config{})
		r.NoError(err)

		pool := s.dev.Pool(0)
		r.NotNil(pool)
		avail := pool.Available()

		var (
			frames [][]byte
			pkts   []*pktbuf.Packet
		)

		for i := 0; i < 8; i++ {
			f := testFrame(t, 80+i, byte(i))
			frames = append(frames, f)
			pkts = append(pkts, fill(t, pool, f))
		}

		n, err := s.dev.TxBatch(0, pkts)
		r.NoError(err)
		r.Equal(8, n)
		r.Equal(uint64(1), s.sim.Kicks(1))

		out, err := s.sim.DrainTx(0)
		r.NoError(err)
		r.Len(out, 8)

		for i := range out {
			r.Equal(frames[i], out[i])
		}

		r.Equal(avail-8, pool.Available())

		n, err = s.dev.TxBatch(0, nil)
		r.NoError(err)
		r.Zero(n)
		r.Equal(avail, pool.Available())

		st := s.dev.Stats().TX[0]
		r.Equal(uint64(8), st.Packets)
	})

	t.Run("full ring returns the rest unsent", func(t *testing.T) {
		r := require.New(t)

		s, err := newSimDevice(t, simdev.Options{QueueSize: 16}, Config{PoolSize: 64})
		r.NoError(err)

		pool := s.dev.Pool(0)
		frame := testFrame(t, 64, 1)

		pkts := make([]*pktbuf.Packet, 20)
		for i := range pkts {
			pkts[i] = fill(t, pool, frame)
		}

		n, err := s.dev.TxBatch(0, pkts)
		r.NoError(err)
		r.Equal(16, n)

		rest := pkts[n:]

		n, err = s.dev.TxBatch(0, rest)
		r.NoError(err)
		r.Zero(n)

		out, err := s.sim.DrainTx(0)
		r.NoError(err)
		r.Len(out, 16)

		n, err = s.dev.TxBatch(0, rest)
		r.NoError(err)
		r.Equal(4, n)

		_, err = s.sim.DrainTx(0)
		r.NoError(err)

		_, err = s.dev.TxBatch(0, nil)
		r.NoError(err)
		r.Equal(64, pool.Available())
	})

	t.Run("loopback", func(t *testing.T) {
		r := require.New(t)

		s, err := newSimDevice(t, simdev.Options{Loopback: true}, Config{})
		r.NoError(err)

		frame := testFrame(t, 128, 7)

		n, err := s.dev.TxBatch(0, []*pktbuf.Packet{fill(t, s.dev.Pool(0), frame)})
		r.NoError(err)
		r.Equal(1, n)

		pkts := make([]*pktbuf.Packet, 4)
		n, err = s.dev.RxBatch(0, pkts)
		r.NoError(err)
		r.Equal(1, n)
		r.Equal(frame, pkts[0].Data())

		// Hand the received packet straight back out.
		n, err = s.dev.TxBatch(0, pkts[:1])
		r.NoError(err)
		r.Equal(1, n)

		n, err = s.dev.RxBatch(0, pkts)
		r.NoError(err)
		r.Equal(1, n)
		r.Equal(frame, pkts[0].Data())
	})
}
