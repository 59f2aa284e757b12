package virtio

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrFeaturesRejected = errors.New("device rejected feature set")
	ErrDeviceRejected   = errors.New("device cleared a status bit")
	ErrDeviceNeedsReset = errors.New("device needs reset")
	ErrResetTimeout     = errors.New("device did not finish reset")
)

// NegotiationError is returned when the device cannot be brought to
// DRIVER_OK. Kind is one of the Err values above.
type NegotiationError struct {
	Kind   error
	Status Status
	Msg    string
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("virtio: negotiation: %s (status %s): %s", e.Msg, e.Status, e.Kind)
}

func (e *NegotiationError) Unwrap() error {
	return e.Kind
}

var (
	ErrExhausted      = errors.New("no free descriptors")
	ErrChainTooLong   = errors.New("descriptor chain longer than ring")
	ErrUnexpectedUsed = errors.New("used entry for descriptor not outstanding")
	ErrQueueBroken    = errors.New("queue stopped after protocol violation")
	ErrQueueSize      = errors.New("unusable queue size")
)

// RingError reports a failed queue operation. Only ErrExhausted is
// recoverable; the batch engine turns it into a partial result.
type RingError struct {
	Kind  error
	Queue uint16
	Msg   string
}

func (e *RingError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("virtio: queue %d: %s", e.Queue, e.Kind)
	}
	return fmt.Sprintf("virtio: queue %d: %s: %s", e.Queue, e.Msg, e.Kind)
}

func (e *RingError) Unwrap() error {
	return e.Kind
}
