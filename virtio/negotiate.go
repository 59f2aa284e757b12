package virtio

import (
	"context"
	"fmt"
	"time"

	"github.com/lab47/lsvd/logger"
	"github.com/lab47/vnic/pci"
)

// RequiredFeatures must be offered by the device. Legacy devices are not
// supported.
const RequiredFeatures = FVersion1

const (
	DefaultResetTimeout = time.Second
	resetPoll           = time.Millisecond
)

// Negotiator drives device_status from reset to DRIVER_OK.
type Negotiator struct {
	log    logger.Logger
	common *pci.CommonConfig

	state    State
	required Features
	offered  Features
	accepted Features

	ResetTimeout time.Duration
}

func NewNegotiator(log logger.Logger, common *pci.CommonConfig) *Negotiator {
	return &Negotiator{
		log:          log,
		common:       common,
		required:     RequiredFeatures,
		ResetTimeout: DefaultResetTimeout,
	}
}

func (n *Negotiator) State() State {
	return n.state
}

// Offered is what the device advertised, valid after Negotiate.
func (n *Negotiator) Offered() Features {
	return n.offered
}

// Accepted is the negotiated feature set, valid after Negotiate.
func (n *Negotiator) Accepted() Features {
	return n.accepted
}

func (n *Negotiator) status() Status {
	return Status(n.common.Status())
}

func (n *Negotiator) fail(kind error, format string, args ...any) error {
	st := n.status()
	n.Fail()

	return &NegotiationError{
		Kind:   kind,
		Status: st,
		Msg:    fmt.Sprintf(format, args...),
	}
}

// Fail marks the device as given up on. The device may release resources
// it holds for this driver.
func (n *Negotiator) Fail() {
	n.common.SetStatus(uint8(n.status() | StatusFailed))
	n.state = StateFailed
}

// Reset writes zero to device_status and waits for the device to report
// the reset as complete.
func (n *Negotiator) Reset(ctx context.Context) error {
	if n.status() != 0 {
		n.common.SetStatus(0)
	}

	deadline := time.Now().Add(n.ResetTimeout)

	for n.status() != 0 {
		if time.Now().After(deadline) {
			return &NegotiationError{
				Kind:   ErrResetTimeout,
				Status: n.status(),
				Msg:    fmt.Sprintf("waited %s", n.ResetTimeout),
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(resetPoll):
		}
	}

	n.state = StateReset
	return nil
}

// set ORs bit into device_status and checks the device kept every bit the
// driver has set so far.
func (n *Negotiator) set(bit Status) error {
	want := n.status() | bit
	n.common.SetStatus(uint8(want))

	got := n.status()

	if got.Has(StatusNeedsReset) {
		return n.fail(ErrDeviceNeedsReset, "setting %s", bit)
	}

	if prev := want &^ bit; !got.Has(prev) {
		return n.fail(ErrDeviceRejected, "setting %s, device cleared %s", bit, prev&^got)
	}

	if !got.Has(bit) {
		if bit == StatusFeaturesOK {
			return n.fail(ErrFeaturesRejected, "FEATURES_OK not kept for %s", Features(n.common.DriverFeatures()))
		}
		return n.fail(ErrDeviceRejected, "device refused %s", bit)
	}

	return nil
}

// Negotiate resets the device and takes it through ACKNOWLEDGE, DRIVER and
// FEATURES_OK, accepting the offered features that are also in supported.
// Queue setup happens after this returns and before Ready.
func (n *Negotiator) Negotiate(ctx context.Context, supported Features) (Features, error) {
	if err := n.Reset(ctx); err != nil {
		return 0, err
	}

	if err := n.set(StatusAcknowledge); err != nil {
		return 0, err
	}
	n.state = StateAcknowledged

	if err := n.set(StatusDriver); err != nil {
		return 0, err
	}
	n.state = StateDriver

	n.offered = Features(n.common.DeviceFeatures())

	var accepted Features
	for sel := 0; sel < 2; sel++ {
		window := n.offered.Window(sel) & supported.Window(sel)
		accepted |= Features(window) << (32 * sel)
	}

	n.log.Debug("device features",
		"offered", n.offered.String(), "supported", supported.String(), "accepted", accepted.String())

	if missing := n.required &^ accepted; missing != 0 {
		return 0, n.fail(ErrFeaturesRejected, "device does not offer %s", missing)
	}

	n.common.SetDriverFeatures(uint64(accepted))

	if err := n.set(StatusFeaturesOK); err != nil {
		return 0, err
	}

	n.accepted = accepted
	n.state = StateFeaturesNegotiated

	return accepted, nil
}

// Ready sets DRIVER_OK once every queue is configured.
func (n *Negotiator) Ready() error {
	if n.state != StateFeaturesNegotiated {
		return n.fail(ErrDeviceRejected, "DRIVER_OK in state %s", n.state)
	}

	if err := n.set(StatusDriverOK); err != nil {
		return err
	}

	n.state = StateDriverOK
	n.log.Info("device ready", "features", n.accepted.String())

	return nil
}

// Check reports a device that has flagged an error since DRIVER_OK.
func (n *Negotiator) Check() error {
	st := n.status()

	switch {
	case st.Has(StatusNeedsReset):
		n.state = StateFailed
		return &NegotiationError{Kind: ErrDeviceNeedsReset, Status: st, Msg: "device flagged an error"}
	case st.Has(StatusFailed):
		n.state = StateFailed
		return &NegotiationError{Kind: ErrDeviceRejected, Status: st, Msg: "device is failed"}
	case n.state == StateDriverOK && !st.Has(StatusDriverOK):
		n.state = StateFailed
		return &NegotiationError{Kind: ErrDeviceRejected, Status: st, Msg: "device left DRIVER_OK"}
	}

	return nil
}
