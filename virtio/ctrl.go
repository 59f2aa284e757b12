package virtio

import (
	"context"
	"time"

	"github.com/lab47/lsvd/logger"
	"github.com/lab47/vnic/pkg/dma"
	"github.com/lab47/vnic/pkg/le"
	"github.com/pkg/errors"
)

// Control queue classes and commands.
const (
	CtrlRx         = 0
	CtrlRxPromisc  = 0
	CtrlRxAllMulti = 1

	CtrlMAC        = 1
	CtrlMACAddrSet = 1

	CtrlMQ         = 4
	CtrlMQPairsSet = 0

	CtrlOK  = 0
	CtrlErr = 1
)

const (
	ctrlHdrOff  = 0
	ctrlDataOff = 16
	ctrlAckOff  = 80
	ctrlBufLen  = 96

	ctrlMaxData = ctrlAckOff - ctrlDataOff

	DefaultCtrlTimeout = time.Second
)

var ErrCtrlRejected = errors.New("device rejected control command")

// controlQueue sends commands one at a time, each a chain of a read-only
// header, read-only data and a device-writable ack byte.
type controlQueue struct {
	log logger.Logger
	q   *Queue
	buf dma.Region

	timeout time.Duration
	used    [1]Used
}

func newControlQueue(log logger.Logger, q *Queue, alloc dma.Allocator) (*controlQueue, error) {
	buf, err := alloc.Alloc(ctrlBufLen)
	if err != nil {
		return nil, errors.Wrapf(err, "allocating control buffer")
	}

	return &controlQueue{
		log:     log,
		q:       q,
		buf:     buf,
		timeout: DefaultCtrlTimeout,
	}, nil
}

func (c *controlQueue) command(ctx context.Context, class, cmd uint8, data []byte) error {
	if len(data) > ctrlMaxData {
		return errors.Errorf("control data of %d bytes", len(data))
	}

	mem := c.buf.Mem
	mem[ctrlHdrOff] = class
	mem[ctrlHdrOff+1] = cmd
	copy(mem[ctrlDataOff:], data)
	mem[ctrlAckOff] = 0xff

	_, err := c.q.PushChain(
		Segment{Addr: c.buf.Phys + ctrlHdrOff, Len: 2},
		Segment{Addr: c.buf.Phys + ctrlDataOff, Len: uint32(len(data))},
		Segment{Addr: c.buf.Phys + ctrlAckOff, Len: 1, Writable: true},
	)
	if err != nil {
		return err
	}

	c.q.Kick()

	deadline := time.Now().Add(c.timeout)

	for {
		n, err := c.q.Reclaim(c.used[:])
		if err != nil {
			return err
		}

		if n == 1 {
			break
		}

		if time.Now().After(deadline) {
			return errors.Errorf("control command %d/%d: no reply after %s", class, cmd, c.timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Microsecond):
		}
	}

	if ack := mem[ctrlAckOff]; ack != CtrlOK {
		return errors.Wrapf(ErrCtrlRejected, "class %d command %d ack %d", class, cmd, ack)
	}

	c.log.Debug("control command accepted", "class", class, "command", cmd)

	return nil
}

func (c *controlQueue) setPromisc(ctx context.Context, on bool) error {
	var v byte
	if on {
		v = 1
	}
	return c.command(ctx, CtrlRx, CtrlRxPromisc, []byte{v})
}

func (c *controlQueue) setPairs(ctx context.Context, pairs uint16) error {
	var data [2]byte
	le.Encode(data[:], pairs)
	return c.command(ctx, CtrlMQ, CtrlMQPairsSet, data[:])
}
