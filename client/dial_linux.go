package client

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Dialer returns a connected, non-blocking socket descriptor for cfg.
// The client owns and closes the descriptor.
type Dialer func(cfg Config) (int, error)

// DialSocket connects outside of the Go runtime poller so the reactor
// can own the descriptor.
func DialSocket(cfg Config) (int, error) {
	domain, sa, err := sockaddr(cfg)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	for {
		err = unix.Connect(fd, sa)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", cfg.Address, os.NewSyscallError("connect", err))
	}
	if domain != unix.AF_UNIX {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			unix.Close(fd)
			return -1, os.NewSyscallError("setsockopt", err)
		}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("setnonblock", err)
	}
	return fd, nil
}

func sockaddr(cfg Config) (int, unix.Sockaddr, error) {
	if cfg.UseUnixAddr {
		return unix.AF_UNIX, &unix.SockaddrUnix{Name: cfg.Address}, nil
	}
	addr, err := net.ResolveTCPAddr("tcp", cfg.Address)
	if err != nil {
		return 0, nil, err
	}
	if addr.IP == nil {
		addr.IP = net.IPv4(127, 0, 0, 1)
	}
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa, nil
	}
	if ip6 := addr.IP.To16(); ip6 != nil {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], ip6)
		return unix.AF_INET6, sa, nil
	}
	return 0, nil, fmt.Errorf("cannot connect to %s", cfg.Address)
}
