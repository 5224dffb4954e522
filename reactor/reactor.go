//go:build linux

// Package reactor is a single-threaded epoll loop. Handlers run on the
// goroutine that called Run and must not block; the only wait is the
// epoll_wait at the top of the loop.
package reactor

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Readiness flags accepted by Add and Modify and passed to handlers.
const (
	Readable      = unix.EPOLLIN
	Writable      = unix.EPOLLOUT
	EdgeTriggered = unix.EPOLLET
	Hangup        = unix.EPOLLHUP | unix.EPOLLRDHUP
	Failed        = unix.EPOLLERR
)

// Handler is called with the ready events of its descriptor. A non-nil
// error stops Run and is returned from it.
type Handler func(events uint32) error

// Reactor multiplexes descriptors and timers. It is not safe for
// concurrent use except for the wake-up on context cancellation.
type Reactor struct {
	epfd     int
	wakefd   int
	handlers map[int]Handler
	events   []unix.EpollEvent
	stopped  bool
}

// New creates the epoll instance and its wake-up eventfd.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	r := &Reactor{
		epfd:     epfd,
		wakefd:   wakefd,
		handlers: make(map[int]Handler),
		events:   make([]unix.EpollEvent, 64),
	}
	if err := r.ctl(unix.EPOLL_CTL_ADD, wakefd, Readable); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reactor) ctl(op, fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, op, fd, &ev); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

// Add registers fd for events.
func (r *Reactor) Add(fd int, events uint32, h Handler) error {
	if _, ok := r.handlers[fd]; ok {
		return fmt.Errorf("reactor: fd %d already registered", fd)
	}
	if err := r.ctl(unix.EPOLL_CTL_ADD, fd, events); err != nil {
		return err
	}
	r.handlers[fd] = h
	return nil
}

// Modify changes the events fd is registered for.
func (r *Reactor) Modify(fd int, events uint32) error {
	if _, ok := r.handlers[fd]; !ok {
		return fmt.Errorf("reactor: fd %d not registered", fd)
	}
	return r.ctl(unix.EPOLL_CTL_MOD, fd, events)
}

// Remove unregisters fd. The descriptor itself is left open.
func (r *Reactor) Remove(fd int) error {
	if _, ok := r.handlers[fd]; !ok {
		return nil
	}
	delete(r.handlers, fd)
	return r.ctl(unix.EPOLL_CTL_DEL, fd, 0)
}

// AddTimer registers t so that fn runs on every expiration. Expirations
// that piled up between two wake-ups are coalesced into one call.
func (r *Reactor) AddTimer(t *Timer, fn func() error) error {
	return r.Add(t.FD(), Readable, func(uint32) error {
		n, err := t.Ack()
		if err != nil || n == 0 {
			return err
		}
		return fn()
	})
}

// Stop makes Run return nil once the current batch of events has been
// dispatched. It must be called from a handler.
func (r *Reactor) Stop() { r.stopped = true }

// Run dispatches events until a handler fails, Stop is called or ctx is
// done, in which case ctx.Err() is returned.
func (r *Reactor) Run(ctx context.Context) error {
	r.stopped = false
	done := make(chan struct{})
	exited := make(chan struct{})
	defer func() {
		close(done)
		<-exited
	}()
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			var one [8]byte
			binary.NativeEndian.PutUint64(one[:], 1)
			if _, err := unix.Write(r.wakefd, one[:]); err != nil && err != unix.EAGAIN {
				log.Errorf("reactor: wake: %s", err)
			}
		case <-done:
		}
	}()

	for !r.stopped {
		n, err := unix.EpollWait(r.epfd, r.events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return os.NewSyscallError("epoll_wait", err)
		}
		for i := 0; i < n; i++ {
			ev := r.events[i]
			fd := int(ev.Fd)
			if fd == r.wakefd {
				r.drainWake()
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			h, ok := r.handlers[fd]
			if !ok {
				// removed by an earlier handler of this batch
				continue
			}
			if err := h(ev.Events); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Reactor) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(r.wakefd, buf[:]); err != unix.EINTR {
			return
		}
	}
}

// Close releases the epoll instance. Registered descriptors are not
// closed.
func (r *Reactor) Close() error {
	unix.Close(r.wakefd)
	return unix.Close(r.epfd)
}
