//go:build linux

package tap

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Interface is an open TAP device. Reads and writes carry whole ethernet
// frames with no packet info prefix.
type Interface struct {
	f *os.File

	fd   uintptr
	name string
}

// Open attaches to the TAP interface called name, creating it if needed.
// An empty name lets the kernel pick one.
func Open(name string) (*Interface, error) {
	fd, err := unix.Open(
		"/dev/net/tun", os.O_RDWR|syscall.O_NONBLOCK, 0)

	if err != nil {
		return nil, errors.Wrapf(err, "opening /dev/net/tun")
	}

	name, err = setupFd(uintptr(fd), name)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "configuring tap %q", name)
	}

	f := os.NewFile(uintptr(fd), "tun")

	return &Interface{
		fd:   uintptr(fd),
		f:    f,
		name: name,
	}, nil
}

func (i *Interface) Name() string {
	return i.name
}

// Read reads a single frame into buf.
func (i *Interface) Read(buf []byte) (int, error) {
	return i.f.Read(buf)
}

// Write sends buf as a single frame.
func (i *Interface) Write(buf []byte) (int, error) {
	return i.f.Write(buf)
}

func (i *Interface) Close() error {
	return i.f.Close()
}

func createInterface(fd uintptr, ifName string, flags uint16) (string, error) {
	req, err := unix.NewIfreq(ifName)
	if err != nil {
		return "", err
	}

	req.SetUint16(flags)

	err = unix.IoctlIfreq(int(fd), unix.TUNSETIFF, req)
	if err != nil {
		return "", err
	}

	return req.Name(), nil
}

func setupFd(fd uintptr, name string) (string, error) {
	var flags uint16 = unix.IFF_NO_PI | unix.IFF_TAP

	name, err := createInterface(fd, name, flags)
	if err != nil {
		return "", err
	}

	err = unix.IoctlSetInt(int(fd), unix.TUNSETPERSIST, 1)
	if err != nil {
		return "", err
	}

	return name, nil
}
