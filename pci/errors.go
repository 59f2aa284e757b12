package pci

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrCapabilityNotFound  = errors.New("capability not found")
	ErrMalformedCapability = errors.New("malformed capability")
	ErrBARUnmapped         = errors.New("BAR not mapped")
	ErrRegionBounds        = errors.New("region outside BAR")
)

// ConfigError reports a device whose configuration space cannot be used.
// Kind is one of the Err values above.
type ConfigError struct {
	Kind error
	Msg  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("pci: %s: %s", e.Msg, e.Kind)
}

func (e *ConfigError) Unwrap() error {
	return e.Kind
}

func configErr(kind error, format string, args ...any) error {
	return &ConfigError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}
