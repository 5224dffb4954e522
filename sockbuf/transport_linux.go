package sockbuf

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// FDTransport is a Transport over a non-blocking socket descriptor. The
// ring segments are handed to readv(2)/writev(2) directly.
type FDTransport struct {
	fd int
}

// NewFDTransport wraps fd, which must already be in non-blocking mode.
func NewFDTransport(fd int) *FDTransport {
	return &FDTransport{fd: fd}
}

// FD returns the wrapped descriptor.
func (t *FDTransport) FD() int { return t.fd }

func (t *FDTransport) Readv(segs [][]byte) (int, error) {
	for {
		n, err := unix.Readv(t.fd, segs)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, os.NewSyscallError("readv", err)
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (t *FDTransport) Writev(segs [][]byte) (int, error) {
	for {
		n, err := unix.Writev(t.fd, segs)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, os.NewSyscallError("writev", err)
		}
		return n, nil
	}
}

func (t *FDTransport) Close() error {
	return unix.Close(t.fd)
}
