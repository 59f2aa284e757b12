// Package driver is the contract between packet processing code and a NIC
// backend.
package driver

import (
	"context"
	"sort"
	"sync"

	"github.com/lab47/lsvd/logger"
	"github.com/lab47/vnic/pkg/pktbuf"
	"github.com/pkg/errors"
)

// Driver is a polled, batched NIC. RxBatch and TxBatch never block and
// return whatever work is ready, possibly none. A queue must only be
// driven from one goroutine.
type Driver interface {
	// Init opens and configures the device named by device, for example a
	// PCI address.
	Init(ctx context.Context, device string) error

	// QueuePairs is the number of RX/TX queue pairs available after Init.
	QueuePairs() int

	// RxBatch fills pkts with received packets and returns how many it
	// filled. The caller owns them and returns them with Free.
	RxBatch(queue int, pkts []*pktbuf.Packet) (int, error)

	// TxBatch queues pkts for transmission and returns how many were
	// accepted. The driver owns accepted packets and frees them once sent.
	// pkts[n:] were not sent and still belong to the caller.
	TxBatch(queue int, pkts []*pktbuf.Packet) (int, error)

	// Pool returns the pool the caller should allocate transmit packets
	// for queue from.
	Pool(queue int) *pktbuf.Pool

	Close() error
}

type Factory func(log logger.Logger) Driver

var (
	mu       sync.Mutex
	backends = map[string]Factory{}
)

// Register makes a backend available to New. It panics if name is taken.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, ok := backends[name]; ok {
		panic("driver: backend registered twice: " + name)
	}

	backends[name] = f
}

var ErrUnknownBackend = errors.New("unknown driver backend")

// New returns an uninitialized driver from the named backend.
func New(name string, log logger.Logger) (Driver, error) {
	mu.Lock()
	f, ok := backends[name]
	mu.Unlock()

	if !ok {
		return nil, errors.Wrapf(ErrUnknownBackend, "%q", name)
	}

	return f(log), nil
}

// Backends lists registered backend names.
func Backends() []string {
	mu.Lock()
	defer mu.Unlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
