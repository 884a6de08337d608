//go:build linux

package canbus

import (
	"fmt"
	"net"
	"os"

	"github.com/brutella/can"
	"golang.org/x/sys/unix"
)

// DialInterface opens a raw CAN socket bound to the named interface. The
// socket is non-blocking so that closing it unblocks a pending read.
func DialInterface(name string) (FrameConn, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", name, err)
	}
	if iface.Flags&net.FlagUp == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInterfaceDown, name)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("create CAN socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind CAN socket to %s: %w", name, err)
	}

	f := os.NewFile(uintptr(fd), fmt.Sprintf("can:%s", name))
	return can.NewReadWriteCloser(f), nil
}
