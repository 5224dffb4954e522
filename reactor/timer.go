//go:build linux

package reactor

import (
	"encoding/binary"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Timer is a CLOCK_MONOTONIC timerfd.
type Timer struct {
	fd int
}

// NewTimer creates a disarmed timer.
func NewTimer() (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("timerfd_create", err)
	}
	return &Timer{fd: fd}, nil
}

// FD is the timer descriptor.
func (t *Timer) FD() int { return t.fd }

// ArmAt arms a one-shot expiration at the absolute monotonic time
// deadline (ns, see Now). A deadline in the past expires at once.
func (t *Timer) ArmAt(deadline int64) error {
	if deadline < 1 {
		// a zero it_value would disarm
		deadline = 1
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(deadline)}
	return t.settime(unix.TFD_TIMER_ABSTIME, &spec)
}

// Every arms a periodic expiration.
func (t *Timer) Every(d time.Duration) error {
	ts := unix.NsecToTimespec(d.Nanoseconds())
	return t.settime(0, &unix.ItimerSpec{Interval: ts, Value: ts})
}

// Disarm stops the timer.
func (t *Timer) Disarm() error {
	return t.settime(0, &unix.ItimerSpec{})
}

func (t *Timer) settime(flags int, spec *unix.ItimerSpec) error {
	if err := unix.TimerfdSettime(t.fd, flags, spec, nil); err != nil {
		return os.NewSyscallError("timerfd_settime", err)
	}
	return nil
}

// Ack consumes the pending expirations and returns how many there were.
func (t *Timer) Ack() (uint64, error) {
	var buf [8]byte
	for {
		_, err := unix.Read(t.fd, buf[:])
		switch err {
		case nil:
			return binary.NativeEndian.Uint64(buf[:]), nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, nil
		}
		return 0, os.NewSyscallError("read timerfd", err)
	}
}

// Close releases the descriptor.
func (t *Timer) Close() error { return unix.Close(t.fd) }
