package simdev

import (
	"github.com/lab47/vnic/pkg/le"
	"github.com/pkg/errors"
)

const netHdrLen = 12

var (
	ErrNoBuffers     = errors.New("no receive buffers posted")
	ErrQueueDisabled = errors.New("queue not enabled")
)

func (d *Device) ring(idx int) (*Vring, error) {
	r := d.Ring(idx)
	if r == nil {
		return nil, errors.Wrapf(ErrQueueDisabled, "queue %d", idx)
	}
	return r, nil
}

// InjectRx delivers frame on the RX queue of pair, as if it arrived from
// the wire.
func (d *Device) InjectRx(pair int, frame []byte) error {
	r, err := d.ring(2 * pair)
	if err != nil {
		return err
	}

	if err := d.putRx(r, frame); err != nil {
		return err
	}

	r.Publish()
	return nil
}

// InjectRxBatch delivers frames and publishes them with a single used
// index update. It stops early when the driver runs out of buffers.
func (d *Device) InjectRxBatch(pair int, frames [][]byte) (int, error) {
	r, err := d.ring(2 * pair)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, f := range frames {
		if err := d.putRx(r, f); err != nil {
			if errors.Is(err, ErrNoBuffers) {
				break
			}
			r.Publish()
			return n, err
		}
		n++
	}

	r.Publish()
	return n, nil
}

func (d *Device) putRx(r *Vring, frame []byte) error {
	c, ok, err := r.Next()
	if err != nil {
		return err
	}

	if !ok {
		return ErrNoBuffers
	}

	hdr := make([]byte, netHdrLen, netHdrLen+len(frame))
	le.Encode[uint16](hdr[10:], 1)

	pkt := append(hdr, frame...)

	if c.WritableLen() < len(pkt) {
		// The frame does not fit. Return the buffer empty; the driver sees
		// a runt and drops it.
		r.PutUsed(c.Head, 0)
		return errors.Errorf("simdev: %d byte frame in %d byte buffer", len(frame), c.WritableLen())
	}

	r.PutUsed(c.Head, uint32(c.Write(pkt)))
	return nil
}

// DrainTx takes every frame the driver queued on the TX queue of pair and
// completes the chains.
func (d *Device) DrainTx(pair int) ([][]byte, error) {
	r, err := d.ring(2*pair + 1)
	if err != nil {
		return nil, err
	}

	var frames [][]byte

	defer r.Publish()

	for {
		c, ok, err := r.Next()
		if err != nil {
			return frames, err
		}

		if !ok {
			return frames, nil
		}

		data := c.Readable()
		r.PutUsed(c.Head, 0)

		if len(data) < netHdrLen {
			d.txDropped.Add(1)
			continue
		}

		frames = append(frames, data[netHdrLen:])
	}
}

// Loopback sends every queued TX frame of pair back in on its RX queue.
// Frames with no RX buffer to land in are dropped.
func (d *Device) Loopback(pair int) (int, error) {
	frames, err := d.DrainTx(pair)
	if err != nil {
		return 0, err
	}

	if len(frames) == 0 {
		return 0, nil
	}

	n, err := d.InjectRxBatch(pair, frames)
	if err != nil {
		return n, err
	}

	d.txDropped.Add(uint64(len(frames) - n))

	return n, nil
}

// Dropped counts frames the device could not deliver.
func (d *Device) Dropped() uint64 {
	return d.txDropped.Load()
}

// Control queue classes and commands.
const (
	ctrlRx         = 0
	ctrlRxPromisc  = 0
	ctrlRxAllMulti = 1
	ctrlMQ         = 4
	ctrlMQPairsSet = 0

	ctrlOK  = 0
	ctrlErr = 1
)

func (d *Device) serviceControl(r *Vring) error {
	defer r.Publish()

	for {
		c, ok, err := r.Next()
		if err != nil {
			return err
		}

		if !ok {
			return nil
		}

		cmd := c.Readable()
		ack := byte(ctrlErr)

		if len(cmd) >= 2 {
			ack = d.control(cmd[0], cmd[1], cmd[2:])
		}

		r.PutUsed(c.Head, uint32(c.Write([]byte{ack})))
	}
}

func (d *Device) control(class, cmd uint8, data []byte) byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.log.Trace("control command", "class", class, "command", cmd, "data", data)

	switch {
	case class == ctrlRx && (cmd == ctrlRxPromisc || cmd == ctrlRxAllMulti):
		if len(data) != 1 || d.driverFeat&featCtrlRx == 0 {
			return ctrlErr
		}
		if cmd == ctrlRxPromisc {
			d.promisc = data[0] != 0
		}
		return ctrlOK
	case class == ctrlMQ && cmd == ctrlMQPairsSet:
		if len(data) != 2 || d.driverFeat&featMQ == 0 {
			return ctrlErr
		}
		pairs := le.Decode[uint16](data)
		if pairs == 0 || pairs > d.opts.QueuePairs {
			return ctrlErr
		}
		d.pairs = pairs
		return ctrlOK
	}

	return ctrlErr
}
