package virtio

import (
	"fmt"

	"github.com/lab47/vnic/pci"
	"github.com/lab47/vnic/pkg/dma"
)

// SetupQueue allocates queue index, programs its ring addresses into the
// common configuration and enables it. The device must be between
// FEATURES_OK and DRIVER_OK.
func SetupQueue(common *pci.CommonConfig, notify *pci.Notifier, index uint16, alloc dma.Allocator, opts QueueOptions) (*Queue, error) {
	var q *Queue

	err := common.Queue(index, func(r *pci.QueueRegs) error {
		devSize := r.Size()
		if devSize == 0 {
			return &RingError{Kind: ErrQueueSize, Queue: index, Msg: "queue not present"}
		}

		if r.Enabled() {
			return &RingError{Kind: ErrQueueSize, Queue: index, Msg: "queue already enabled"}
		}

		size := opts.Size
		if size == 0 {
			size = devSize
		}

		if size != devSize {
			return &RingError{Kind: ErrQueueSize, Queue: index,
				Msg: fmt.Sprintf("requested %d, device has %d", size, devSize)}
		}

		var err error
		q, err = NewQueue(index, size, alloc, opts)
		if err != nil {
			return err
		}

		q.bell, err = notify.Doorbell(index, r.NotifyOff())
		if err != nil {
			return err
		}

		r.SetSize(size)
		r.SetDesc(q.DescAddr())
		r.SetDriver(q.AvailAddr())
		r.SetDevice(q.UsedAddr())
		r.SetVector(pci.NoVector)
		r.Enable()

		return nil
	})
	if err != nil {
		return nil, err
	}

	return q, nil
}
