//go:build linux

package reactor

import "golang.org/x/sys/unix"

// Now reads CLOCK_MONOTONIC in nanoseconds, the clock timers are armed
// against.
func Now() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		panic("reactor: clock_gettime: " + err.Error())
	}
	return ts.Nano()
}
