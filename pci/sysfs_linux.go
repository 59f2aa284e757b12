//go:build linux

package pci

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lab47/vnic/pkg/le"
	"github.com/lab47/vnic/pkg/mmio"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const SysfsRoot = "/sys/bus/pci/devices"

// Command register bits.
const (
	CommandMemoryEnable    = 0x2
	CommandBusMasterEnable = 0x4
)

// Sysfs is a PCI function opened through /sys/bus/pci/devices.
type Sysfs struct {
	addr string
	dir  string

	config *os.File
	bars   map[int]*mmio.Mapping
	files  []*os.File
}

// OpenSysfs detaches any kernel driver from the function at addr (for
// example 0000:00:04.0) and enables memory decoding and bus mastering.
func OpenSysfs(addr string) (*Sysfs, error) {
	dir := filepath.Join(SysfsRoot, addr)

	if _, err := os.Stat(dir); err != nil {
		return nil, errors.Wrapf(err, "pci device %s", addr)
	}

	if err := unbind(dir, addr); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filepath.Join(dir, "config"), os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "opening config space of %s", addr)
	}

	s := &Sysfs{
		addr:   addr,
		dir:    dir,
		config: f,
		bars:   map[int]*mmio.Mapping{},
	}

	if err := s.enable(); err != nil {
		f.Close()
		return nil, err
	}

	return s, nil
}

func unbind(dir, addr string) error {
	link, err := os.Readlink(filepath.Join(dir, "driver"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "reading driver of %s", addr)
	}

	path := filepath.Join(dir, "driver", "unbind")

	err = os.WriteFile(path, []byte(addr), 0)
	if err != nil {
		return errors.Wrapf(err, "unbinding %s from %s", addr, filepath.Base(link))
	}

	return nil
}

func (s *Sysfs) enable() error {
	var buf [2]byte

	if _, err := s.config.ReadAt(buf[:], configCommand); err != nil {
		return errors.Wrapf(err, "reading command register of %s", s.addr)
	}

	cmd := le.Decode[uint16](buf[:]) | CommandMemoryEnable | CommandBusMasterEnable
	le.Encode(buf[:], cmd)

	if _, err := s.config.WriteAt(buf[:], configCommand); err != nil {
		return errors.Wrapf(err, "writing command register of %s", s.addr)
	}

	return nil
}

func (s *Sysfs) Addr() string {
	return s.addr
}

// ConfigSpace reads the whole configuration space. Unprivileged readers
// only see the first 64 bytes.
func (s *Sysfs) ConfigSpace() ([]byte, error) {
	buf := make([]byte, 4096)

	n, err := s.config.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return nil, errors.Wrapf(err, "reading config space of %s", s.addr)
	}

	return buf[:n], nil
}

func (s *Sysfs) MapBAR(index int) (mmio.Window, error) {
	if m, ok := s.bars[index]; ok {
		return m, nil
	}

	if index < 0 || index > maxBAR {
		return nil, configErr(ErrBARUnmapped, "BAR index %d", index)
	}

	path := filepath.Join(s.dir, fmt.Sprintf("resource%d", index))

	f, err := os.OpenFile(path, os.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, configErr(ErrBARUnmapped, "%s (%v)", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat of %s", path)
	}

	if fi.Size() == 0 {
		f.Close()
		return nil, configErr(ErrBARUnmapped, "%s is empty", path)
	}

	m, err := mmio.Map(int(f.Fd()), int(fi.Size()))
	if err != nil {
		f.Close()
		return nil, configErr(ErrBARUnmapped, "%s (%v)", path, err)
	}

	s.bars[index] = m
	s.files = append(s.files, f)

	return m, nil
}

func (s *Sysfs) Close() error {
	var errs []string

	for _, m := range s.bars {
		if err := m.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	for _, f := range s.files {
		f.Close()
	}

	s.config.Close()

	if len(errs) > 0 {
		return errors.Errorf("closing %s: %s", s.addr, strings.Join(errs, "; "))
	}

	return nil
}
