package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lab47/lsvd/logger"
	"github.com/lab47/vnic/pci"
	"github.com/lab47/vnic/pkg/dma"
	"github.com/lab47/vnic/simdev"
	"github.com/lab47/vnic/virtio"
	"github.com/pkg/errors"
)

var (
	fDevice  = flag.String("device", "", "PCI address of the virtio-net function, eg 0000:00:04.0")
	fConfig  = flag.String("config", "", "path to a YAML driver config")
	fMode    = flag.String("mode", "dump", "what to do with the device: dump, pktgen or bridge")
	fTap     = flag.String("tap", "vnic0", "tap interface to bridge with")
	fSim     = flag.Bool("sim", false, "drive a simulated device with TX looped back to RX")
	fCount   = flag.Int("count", 0, "stop after this many packets, 0 runs until interrupted")
	fVerbose = flag.Bool("v", false, "print a full decode of every packet")
)

func main() {
	flag.Parse()

	log := logger.New(logger.Trace)

	err := run(log)
	if err != nil {
		log.Error("vnic failed", "error", err)
		os.Exit(1)
	}
}

func run(log logger.Logger) error {
	cfg := virtio.DefaultConfig()

	if *fConfig != "" {
		var err error
		cfg, err = virtio.LoadConfig(*fConfig)
		if err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := []virtio.Option{virtio.WithConfig(cfg)}

	addr := *fDevice

	var sim *simdev.Device

	if *fSim {
		heap := dma.NewHeap()
		sim = simdev.New(log, heap, simdev.Options{
			QueuePairs: uint16(cfg.QueuePairs),
			Loopback:   true,
		})

		opts = append(opts,
			virtio.WithAllocator(heap),
			virtio.WithOpener(func(string) (pci.Device, error) {
				return sim, nil
			}),
		)

		if addr == "" {
			addr = "sim"
		}
	} else if addr == "" {
		return errors.New("provide -device or -sim")
	}

	dev := virtio.New(log, opts...)

	err := dev.Init(ctx, addr)
	if err != nil {
		return err
	}

	defer dev.Close()

	log.Info("device ready",
		"device", addr,
		"mac", dev.MAC().String(),
		"pairs", dev.QueuePairs(),
		"features", dev.Features().String(),
	)

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = virtio.DefaultBatchSize
	}

	r := newRunner(log, dev, batch, *fCount)

	switch *fMode {
	case "dump":
		if sim != nil {
			err = seedSim(sim, dev, *fCount)
			if err != nil {
				return err
			}
		}
		err = r.dump(ctx, *fVerbose)
	case "pktgen":
		err = r.pktgen(ctx, dev.MAC())
	case "bridge":
		err = r.bridge(ctx, *fTap)
	default:
		return errors.Errorf("unknown mode %q", *fMode)
	}

	printStats(dev.Stats())

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return dev.Check()
}

// seedSim gives dump mode something to show on a simulated device.
func seedSim(sim *simdev.Device, dev *virtio.Device, count int) error {
	if count <= 0 {
		count = 16
	}

	for pair := 0; pair < dev.QueuePairs(); pair++ {
		for i := 0; i < count; i++ {
			frame, err := udpFrame(dev.MAC(), uint32(i))
			if err != nil {
				return err
			}

			err = sim.InjectRx(pair, frame)
			if err != nil {
				if errors.Is(err, simdev.ErrNoBuffers) {
					break
				}
				return err
			}
		}
	}

	return nil
}

func printStats(s virtio.Stats) {
	for i, q := range s.RX {
		fmt.Printf("rx%d: packets=%d bytes=%d dropped=%d nobuf=%d kicks=%d\n",
			i, q.Packets, q.Bytes, q.Dropped, q.NoBuffer, q.Kicks)
	}

	for i, q := range s.TX {
		fmt.Printf("tx%d: packets=%d bytes=%d kicks=%d\n",
			i, q.Packets, q.Bytes, q.Kicks)
	}
}
