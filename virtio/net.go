package virtio

import (
	"context"
	"net"

	"github.com/davecgh/go-spew/spew"
	"github.com/lab47/lsvd/logger"
	"github.com/lab47/vnic/driver"
	"github.com/lab47/vnic/pci"
	"github.com/lab47/vnic/pkg/dma"
	"github.com/lab47/vnic/pkg/pktbuf"
	"github.com/pkg/errors"
)

// PCI device ids of a virtio network device.
const (
	DeviceIDNet             = 0x1041
	DeviceIDNetTransitional = 0x1000
)

func init() {
	driver.Register("virtio", func(log logger.Logger) driver.Driver {
		return New(log)
	})
}

// Opener opens a PCI function by address.
type Opener func(addr string) (pci.Device, error)

func openSysfs(addr string) (pci.Device, error) {
	return pci.OpenSysfs(addr)
}

type Option func(d *Device)

func WithConfig(cfg Config) Option {
	return func(d *Device) {
		d.cfg = cfg
	}
}

// WithAllocator sets where rings and packet buffers come from. The default
// is 2MiB huge pages.
func WithAllocator(alloc dma.Allocator) Option {
	return func(d *Device) {
		d.alloc = alloc
	}
}

// WithOpener replaces sysfs as the way Init finds the device.
func WithOpener(open Opener) Option {
	return func(d *Device) {
		d.open = open
	}
}

type QueueStats struct {
	Packets  uint64
	Bytes    uint64
	Dropped  uint64
	NoBuffer uint64
	Kicks    uint64
}

type Stats struct {
	RX []QueueStats
	TX []QueueStats
}

type rxQueue struct {
	q    *Queue
	pool *pktbuf.Pool

	// Packet posted under each head descriptor.
	pkts []*pktbuf.Packet
	used []Used

	// Buffers that could not be reposted because the pool ran dry.
	deficit int

	stats QueueStats
}

type txQueue struct {
	q    *Queue
	pool *pktbuf.Pool
	pkts []*pktbuf.Packet
	used []Used

	stats QueueStats
}

// Device is a virtio-net driver over the modern PCI transport.
type Device struct {
	log   logger.Logger
	cfg   Config
	alloc dma.Allocator
	open  Opener

	pdev     pci.Device
	regions  *pci.Regions
	neg      *Negotiator
	features Features
	netcfg   NetConfig

	rx   []*rxQueue
	tx   []*txQueue
	ctrl *controlQueue
}

var _ driver.Driver = (*Device)(nil)

func New(log logger.Logger, opts ...Option) *Device {
	d := &Device{
		log:  log,
		open: openSysfs,
	}

	for _, o := range opts {
		o(d)
	}

	if d.alloc == nil {
		d.alloc = dma.NewHugepages()
	}

	d.cfg = d.cfg.withDefaults()

	return d
}

func (d *Device) Features() Features {
	return d.features
}

func (d *Device) MAC() net.HardwareAddr {
	return d.netcfg.MAC
}

func (d *Device) NetConfig() NetConfig {
	return d.netcfg
}

func (d *Device) QueuePairs() int {
	return len(d.rx)
}

// Init opens the device, negotiates features, sets up every queue and
// posts the initial receive buffers.
func (d *Device) Init(ctx context.Context, addr string) error {
	if d.pdev != nil {
		return errors.New("virtio: device already initialized")
	}

	if err := d.cfg.validate(); err != nil {
		return err
	}

	pdev, err := d.open(addr)
	if err != nil {
		return err
	}

	err = d.init(ctx, pdev)
	if err != nil {
		if d.neg != nil && d.neg.State() != StateFailed {
			d.neg.Fail()
		}
		pdev.Close()
		d.reset()
		return err
	}

	d.log.Info("virtio-net initialized",
		"device", addr,
		"mac", d.netcfg.MAC.String(),
		"pairs", len(d.rx),
		"ring", d.rx[0].q.Size(),
		"features", d.features.String(),
	)

	return nil
}

func (d *Device) reset() {
	d.pdev = nil
	d.regions = nil
	d.neg = nil
	d.features = 0
	d.rx = nil
	d.tx = nil
	d.ctrl = nil
}

func (d *Device) init(ctx context.Context, pdev pci.Device) error {
	d.pdev = pdev

	config, err := pdev.ConfigSpace()
	if err != nil {
		return err
	}

	if vendor := pci.VendorID(config); vendor != pci.VendorVirtio {
		return errors.Errorf("virtio: vendor %#04x is not virtio", vendor)
	}

	if id := pci.DeviceID(config); id != DeviceIDNet && id != DeviceIDNetTransitional {
		return errors.Errorf("virtio: device %#04x is not a network device", id)
	}

	d.regions, err = pci.MapRegions(pdev)
	if err != nil {
		return err
	}

	d.log.Trace("located capabilities", "caps", spew.Sdump(d.regions.Caps))

	d.neg = NewNegotiator(d.log, d.regions.Common)

	d.features, err = d.neg.Negotiate(ctx, d.cfg.Supported())
	if err != nil {
		return err
	}

	d.netcfg, err = ReadNetConfig(d.regions.Common, d.regions.DeviceConfig, d.features)
	if err != nil {
		return err
	}

	pairs := min(d.cfg.QueuePairs, int(d.netcfg.MaxPairs))

	need := 2 * pairs
	hasCtrl := d.features.Has(NetFCtrlVQ)
	ctrlIndex := 2 * int(d.netcfg.MaxPairs)

	if hasCtrl && ctrlIndex+1 > need {
		need = ctrlIndex + 1
	}

	if nq := int(d.regions.Common.NumQueues()); nq < need {
		return errors.Errorf("virtio: device has %d queues, need %d", nq, need)
	}

	opts := QueueOptions{
		Size:     d.cfg.RingSize,
		EventIdx: d.features.Has(FEventIdx),
		Indirect: d.features.Has(FIndirectDesc),
	}

	for i := 0; i < pairs; i++ {
		rq, err := d.setupRx(uint16(2*i), opts)
		if err != nil {
			return err
		}
		d.rx = append(d.rx, rq)

		tq, err := d.setupTx(uint16(2*i+1), opts)
		if err != nil {
			return err
		}
		d.tx = append(d.tx, tq)
	}

	if hasCtrl {
		// Control commands are waited on one at a time, the device's own
		// size is fine.
		q, err := SetupQueue(d.regions.Common, d.regions.Notify, uint16(ctrlIndex), d.alloc,
			QueueOptions{EventIdx: opts.EventIdx})
		if err != nil {
			return err
		}

		d.ctrl, err = newControlQueue(d.log, q, d.alloc)
		if err != nil {
			return err
		}
	}

	if err := d.neg.Ready(); err != nil {
		return err
	}

	if err := d.configure(ctx, pairs); err != nil {
		return err
	}

	for _, rq := range d.rx {
		fill := d.cfg.RxBuffers
		if fill == 0 || fill > int(rq.q.Size()) {
			fill = int(rq.q.Size())
		}

		rq.deficit = fill
		d.refill(rq)
	}

	return nil
}

func (d *Device) configure(ctx context.Context, pairs int) error {
	if d.ctrl == nil {
		if d.cfg.Promiscuous {
			d.log.Warn("device has no control queue, promiscuous mode not set")
		}
		return nil
	}

	if d.cfg.Promiscuous && d.features.Has(NetFCtrlRx) {
		if err := d.ctrl.setPromisc(ctx, true); err != nil {
			return errors.Wrapf(err, "enabling promiscuous mode")
		}
	}

	if pairs > 1 && d.features.Has(NetFMQ) {
		if err := d.ctrl.setPairs(ctx, uint16(pairs)); err != nil {
			return errors.Wrapf(err, "enabling %d queue pairs", pairs)
		}
	}

	return nil
}

func (d *Device) poolSize(q *Queue) int {
	if d.cfg.PoolSize > 0 {
		return d.cfg.PoolSize
	}
	return 2 * int(q.Size())
}

func (d *Device) setupRx(index uint16, opts QueueOptions) (*rxQueue, error) {
	q, err := SetupQueue(d.regions.Common, d.regions.Notify, index, d.alloc, opts)
	if err != nil {
		return nil, err
	}

	pool, err := pktbuf.NewPool(d.alloc, d.poolSize(q), d.cfg.BufferSize)
	if err != nil {
		return nil, err
	}

	d.log.Debug("rx queue ready", "queue", index, "size", q.Size(), "buffers", pool.Size())

	return &rxQueue{
		q:    q,
		pool: pool,
		pkts: make([]*pktbuf.Packet, q.Size()),
		used: make([]Used, q.Size()),
	}, nil
}

func (d *Device) setupTx(index uint16, opts QueueOptions) (*txQueue, error) {
	q, err := SetupQueue(d.regions.Common, d.regions.Notify, index, d.alloc, opts)
	if err != nil {
		return nil, err
	}

	pool, err := pktbuf.NewPool(d.alloc, d.poolSize(q), d.cfg.BufferSize)
	if err != nil {
		return nil, err
	}

	d.log.Debug("tx queue ready", "queue", index, "size", q.Size())

	return &txQueue{
		q:    q,
		pool: pool,
		pkts: make([]*pktbuf.Packet, q.Size()),
		used: make([]Used, q.Size()),
	}, nil
}

// refill posts up to rq.deficit receive buffers.
func (d *Device) refill(rq *rxQueue) {
	posted := 0

	for rq.deficit > 0 {
		pkt := rq.pool.Alloc()
		if pkt == nil {
			rq.stats.NoBuffer++
			break
		}

		_, phys := pkt.Prefix(NetHdrSize)

		id, err := rq.q.Push(Segment{
			Addr:     phys,
			Len:      uint32(NetHdrSize + pkt.Cap()),
			Writable: true,
		})
		if err != nil {
			pkt.Free()
			break
		}

		rq.pkts[id] = pkt
		rq.deficit--
		posted++
	}

	if posted > 0 && rq.q.Kick() {
		rq.stats.Kicks++
	}
}

// RxBatch returns up to len(pkts) received packets. Every harvested buffer
// is replaced on the ring before it returns.
func (d *Device) RxBatch(queue int, pkts []*pktbuf.Packet) (int, error) {
	if queue < 0 || queue >= len(d.rx) {
		return 0, errors.Errorf("virtio: no rx queue %d", queue)
	}

	rq := d.rx[queue]

	want := min(len(pkts), len(rq.used))

	n, rerr := rq.q.Reclaim(rq.used[:want])

	out := 0
	for _, u := range rq.used[:n] {
		pkt := rq.pkts[u.ID]
		rq.pkts[u.ID] = nil

		size := int(u.Len) - NetHdrSize
		if size < 0 || size > pkt.Cap() {
			rq.stats.Dropped++
			pkt.Free()
			continue
		}

		pkt.SetLen(size)
		pkts[out] = pkt
		out++

		rq.stats.Packets++
		rq.stats.Bytes += uint64(size)
	}

	if rerr != nil {
		d.log.Error("rx queue stopped", "queue", rq.q.Index(), "error", rerr)
		return out, rerr
	}

	rq.deficit += n
	d.refill(rq)

	return out, nil
}

func (d *Device) reclaimTx(tq *txQueue) error {
	for {
		n, err := tq.q.Reclaim(tq.used)

		for _, u := range tq.used[:n] {
			pkt := tq.pkts[u.ID]
			tq.pkts[u.ID] = nil
			pkt.Free()
		}

		if err != nil {
			return err
		}

		if n < len(tq.used) {
			return nil
		}
	}
}

// TxBatch queues as many of pkts as the ring has room for. pkts[n:] are
// left with the caller to retry.
func (d *Device) TxBatch(queue int, pkts []*pktbuf.Packet) (int, error) {
	if queue < 0 || queue >= len(d.tx) {
		return 0, errors.Errorf("virtio: no tx queue %d", queue)
	}

	tq := d.tx[queue]

	if err := d.reclaimTx(tq); err != nil {
		d.log.Error("tx queue stopped", "queue", tq.q.Index(), "error", err)
		return 0, err
	}

	var hdr NetHdr

	sent := 0
	for _, pkt := range pkts {
		b, phys := pkt.Prefix(NetHdrSize)
		hdr.Encode(b)

		id, err := tq.q.Push(Segment{
			Addr: phys,
			Len:  uint32(NetHdrSize + pkt.Len()),
		})
		if err != nil {
			if errors.Is(err, ErrExhausted) {
				break
			}

			d.kickTx(tq, sent)
			return sent, err
		}

		tq.pkts[id] = pkt
		sent++

		tq.stats.Packets++
		tq.stats.Bytes += uint64(pkt.Len())
	}

	d.kickTx(tq, sent)

	return sent, nil
}

func (d *Device) kickTx(tq *txQueue, sent int) {
	if sent > 0 && tq.q.Kick() {
		tq.stats.Kicks++
	}
}

// Pool is the transmit pool of queue.
func (d *Device) Pool(queue int) *pktbuf.Pool {
	if queue < 0 || queue >= len(d.tx) {
		return nil
	}
	return d.tx[queue].pool
}

// RxPool is the pool receive buffers of queue come from.
func (d *Device) RxPool(queue int) *pktbuf.Pool {
	if queue < 0 || queue >= len(d.rx) {
		return nil
	}
	return d.rx[queue].pool
}

// Stats copies the queue counters. Call it from the goroutine polling the
// queues, or after polling has stopped.
func (d *Device) Stats() Stats {
	var s Stats

	for _, rq := range d.rx {
		s.RX = append(s.RX, rq.stats)
	}

	for _, tq := range d.tx {
		s.TX = append(s.TX, tq.stats)
	}

	return s
}

// Check reports whether the device has flagged an error.
func (d *Device) Check() error {
	if d.neg == nil {
		return errors.New("virtio: device not initialized")
	}
	return d.neg.Check()
}

// Close resets the device and releases its BARs. Packets owned by the
// driver are not returned; the device no longer touches them.
func (d *Device) Close() error {
	if d.pdev == nil {
		return nil
	}

	if d.regions != nil {
		d.regions.Common.SetStatus(0)
	}

	err := d.pdev.Close()
	d.reset()

	return err
}
