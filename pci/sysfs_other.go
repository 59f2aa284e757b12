//go:build !linux

package pci

import (
	"github.com/lab47/vnic/pkg/mmio"
	"github.com/pkg/errors"
)

type Sysfs struct{}

func OpenSysfs(addr string) (*Sysfs, error) {
	return nil, errors.Errorf("pci: opening %s needs linux sysfs", addr)
}

func (s *Sysfs) ConfigSpace() ([]byte, error)          { return nil, errors.New("pci: unsupported") }
func (s *Sysfs) MapBAR(index int) (mmio.Window, error) { return nil, errors.New("pci: unsupported") }
func (s *Sysfs) Close() error                          { return nil }
