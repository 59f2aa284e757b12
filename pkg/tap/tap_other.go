//go:build !linux

package tap

import "github.com/pkg/errors"

var ErrUnsupported = errors.New("tap interfaces are only available on linux")

type Interface struct{}

func Open(name string) (*Interface, error) {
	return nil, ErrUnsupported
}

func (i *Interface) Name() string                  { return "" }
func (i *Interface) Read(buf []byte) (int, error)  { return 0, ErrUnsupported }
func (i *Interface) Write(buf []byte) (int, error) { return 0, ErrUnsupported }
func (i *Interface) Close() error                  { return nil }
