package virtio

import "strings"

// Status is the device_status register.
type Status uint8

const (
	StatusAcknowledge Status = 1
	StatusDriver      Status = 2
	StatusDriverOK    Status = 4
	StatusFeaturesOK  Status = 8
	StatusNeedsReset  Status = 64
	StatusFailed      Status = 128
)

func (s Status) Has(o Status) bool {
	return s&o == o
}

func (s Status) String() string {
	if s == 0 {
		return "RESET"
	}

	var parts []string

	for _, b := range []struct {
		bit  Status
		name string
	}{
		{StatusAcknowledge, "ACKNOWLEDGE"},
		{StatusDriver, "DRIVER"},
		{StatusFeaturesOK, "FEATURES_OK"},
		{StatusDriverOK, "DRIVER_OK"},
		{StatusNeedsReset, "DEVICE_NEEDS_RESET"},
		{StatusFailed, "FAILED"},
	} {
		if s.Has(b.bit) {
			parts = append(parts, b.name)
		}
	}

	return strings.Join(parts, "|")
}

// State is where the negotiator is in device initialization.
type State int

const (
	StateReset State = iota
	StateAcknowledged
	StateDriver
	StateFeaturesNegotiated
	StateDriverOK
	StateFailed
)

var stateNames = [...]string{
	StateReset:              "reset",
	StateAcknowledged:       "acknowledged",
	StateDriver:             "driver",
	StateFeaturesNegotiated: "features-negotiated",
	StateDriverOK:           "driver-ok",
	StateFailed:             "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
