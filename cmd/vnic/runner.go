package main

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/lab47/lsvd/logger"
	"github.com/lab47/vnic/driver"
	"github.com/lab47/vnic/pkg/le"
	"github.com/lab47/vnic/pkg/pktbuf"
	"github.com/lab47/vnic/pkg/tap"
	"github.com/mdlayher/ethernet"
	"github.com/pkg/errors"
)

type runner struct {
	log   logger.Logger
	drv   driver.Driver
	batch int

	limit int64
	seen  atomic.Int64
}

func newRunner(log logger.Logger, drv driver.Driver, batch, limit int) *runner {
	return &runner{
		log:   log,
		drv:   drv,
		batch: batch,
		limit: int64(limit),
	}
}

// count records n packets and reports whether the limit has been reached.
func (r *runner) count(n int) bool {
	total := r.seen.Add(int64(n))
	return r.limit > 0 && total >= r.limit
}

// spawn runs fn once per queue pair and waits for all of them. The first
// error, or reaching the packet limit, stops the rest.
func (r *runner) spawn(ctx context.Context, fns ...func(ctx context.Context, queue int) error) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup

	for q := 0; q < r.drv.QueuePairs(); q++ {
		for _, fn := range fns {
			wg.Add(1)
			go func(q int, fn func(ctx context.Context, queue int) error) {
				defer wg.Done()

				err := fn(ctx, q)
				if err != nil {
					cancel(err)
				}
			}(q, fn)
		}
	}

	wg.Wait()

	err := context.Cause(ctx)
	if errors.Is(err, errLimit) {
		return nil
	}

	return err
}

var errLimit = errors.New("packet limit reached")

// pollRx hands every received packet to fn, which must not keep it.
func (r *runner) pollRx(ctx context.Context, queue int, fn func(pkt *pktbuf.Packet) error) error {
	pkts := make([]*pktbuf.Packet, r.batch)

	for ctx.Err() == nil {
		n, err := r.drv.RxBatch(queue, pkts)
		if err != nil {
			return err
		}

		if n == 0 {
			runtime.Gosched()
			continue
		}

		var ferr error

		for _, pkt := range pkts[:n] {
			if ferr == nil {
				ferr = fn(pkt)
			}
			pkt.Free()
		}

		if ferr != nil {
			return ferr
		}
	}

	return nil
}

func (r *runner) dump(ctx context.Context, verbose bool) error {
	return r.spawn(ctx, func(ctx context.Context, queue int) error {
		return r.pollRx(ctx, queue, func(pkt *pktbuf.Packet) error {
			p := gopacket.NewPacket(pkt.Data(), layers.LayerTypeEthernet, gopacket.Default)

			if verbose {
				fmt.Println(p.Dump())
			} else {
				r.log.Info("received packet", "queue", queue, "len", pkt.Len(), "layers", layerNames(p))
			}

			if r.count(1) {
				return errLimit
			}

			return nil
		})
	})
}

func layerNames(p gopacket.Packet) string {
	var names []string

	for _, l := range p.Layers() {
		names = append(names, l.LayerType().String())
	}

	return strings.Join(names, "/")
}

// udpFrame builds a broadcast UDP datagram carrying seq.
func udpFrame(src net.HardwareAddr, seq uint32) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 255),
	}

	udp := &layers.UDP{
		SrcPort: 9000,
		DstPort: 9000,
	}

	err := udp.SetNetworkLayerForChecksum(ip)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, 32)
	le.Encode(payload, seq)

	buf := gopacket.NewSerializeBuffer()

	err = gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		ip, udp, gopacket.Payload(payload),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "serializing udp frame")
	}

	f := ethernet.Frame{
		Destination: ethernet.Broadcast,
		Source:      src,
		EtherType:   ethernet.EtherTypeIPv4,
		Payload:     buf.Bytes(),
	}

	return f.MarshalBinary()
}

// pktgen transmits UDP frames on every queue and discards whatever comes
// back.
func (r *runner) pktgen(ctx context.Context, src net.HardwareAddr) error {
	tx := func(ctx context.Context, queue int) error {
		pool := r.drv.Pool(queue)
		pending := make([]*pktbuf.Packet, 0, r.batch)

		defer func() {
			for _, pkt := range pending {
				pkt.Free()
			}
		}()

		var seq uint32

		for ctx.Err() == nil {
			for len(pending) < r.batch {
				pkt := pool.Alloc()
				if pkt == nil {
					break
				}

				frame, err := udpFrame(src, seq)
				if err != nil {
					pkt.Free()
					return err
				}
				seq++

				pkt.SetLen(copy(pkt.Buffer(), frame))
				pending = append(pending, pkt)
			}

			n, err := r.drv.TxBatch(queue, pending)
			if err != nil {
				return err
			}

			pending = append(pending[:0], pending[n:]...)

			if n == 0 {
				runtime.Gosched()
				continue
			}

			if r.count(n) {
				return errLimit
			}
		}

		return nil
	}

	rx := func(ctx context.Context, queue int) error {
		return r.pollRx(ctx, queue, func(*pktbuf.Packet) error { return nil })
	}

	return r.spawn(ctx, tx, rx)
}

// bridge forwards frames between the first queue pair and a tap interface.
func (r *runner) bridge(ctx context.Context, name string) error {
	iface, err := tap.Open(name)
	if err != nil {
		return err
	}

	defer iface.Close()

	r.log.Info("bridging", "tap", iface.Name())

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(2)

	go func() {
		defer wg.Done()
		errs <- r.pollRx(ctx, 0, func(pkt *pktbuf.Packet) error {
			_, err := iface.Write(pkt.Data())
			if err != nil {
				return errors.Wrapf(err, "writing to %s", iface.Name())
			}

			if r.count(1) {
				return errLimit
			}

			return nil
		})
	}()

	go func() {
		defer wg.Done()
		errs <- r.tapToTx(ctx, iface)
	}()

	// Closing the tap unblocks the reader once either side stops.
	err = <-errs
	iface.Close()
	wg.Wait()

	if errors.Is(err, errLimit) {
		return nil
	}

	return err
}

func (r *runner) tapToTx(ctx context.Context, iface *tap.Interface) error {
	pool := r.drv.Pool(0)
	batch := make([]*pktbuf.Packet, 1)

	for ctx.Err() == nil {
		pkt := pool.Alloc()
		if pkt == nil {
			_, err := r.drv.TxBatch(0, nil)
			if err != nil {
				return err
			}
			runtime.Gosched()
			continue
		}

		n, err := iface.Read(pkt.Buffer())
		if err != nil {
			pkt.Free()
			return errors.Wrapf(err, "reading from %s", iface.Name())
		}

		pkt.SetLen(n)
		batch[0] = pkt

		for {
			sent, err := r.drv.TxBatch(0, batch)
			if err != nil {
				pkt.Free()
				return err
			}

			if sent == 1 {
				break
			}

			if ctx.Err() != nil {
				pkt.Free()
				return nil
			}

			runtime.Gosched()
		}
	}

	return nil
}
