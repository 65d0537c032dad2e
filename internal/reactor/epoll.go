//go:build linux

// Package reactor wraps the Linux epoll readiness primitive behind a
// small, token-addressed interface. It owns no networking logic of its
// own — callers register raw file descriptors under a Token and get
// back batches of readiness events; everything else (accept, read,
// write, connect) happens outside this package.
package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Token identifies a registered file descriptor to the reactor. It is
// opaque to the reactor itself; callers choose the numbering scheme.
type Token uint32

// Interest is a set of readiness conditions a registration cares about.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

func (i Interest) toEpollMask() uint32 {
	var mask uint32 = unix.EPOLLET
	if i&Readable != 0 {
		mask |= unix.EPOLLIN
	}
	if i&Writable != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

// Event is one readiness notification delivered by Poll.
type Event struct {
	Token      Token
	Readable   bool
	Writable   bool
	Error      bool
	HangUp     bool
}

// MaxEvents bounds the number of events a single Poll call returns,
// matching the 1024-per-batch resource cap.
const MaxEvents = 1024

// Reactor is a single-threaded epoll event loop driver. It is not safe
// for concurrent use — by design, exactly one goroutine ever calls
// into it.
type Reactor struct {
	epfd int
	raw  [MaxEvents]unix.EpollEvent
}

// New creates a fresh epoll instance.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Reactor{epfd: epfd}, nil
}

// Register adds fd to the epoll instance under token with the given
// interests.
func (r *Reactor) Register(fd int, token Token, interest Interest) error {
	ev := unix.EpollEvent{Events: interest.toEpollMask(), Fd: int32(token)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(add, fd=%d, token=%d): %w", fd, token, err)
	}
	return nil
}

// Reregister changes the interest set for an already-registered fd.
func (r *Reactor) Reregister(fd int, token Token, interest Interest) error {
	ev := unix.EpollEvent{Events: interest.toEpollMask(), Fd: int32(token)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(mod, fd=%d, token=%d): %w", fd, token, err)
	}
	return nil
}

// Deregister removes fd from the epoll instance. It is not an error to
// deregister an fd that was already closed out from under epoll (the
// kernel drops the registration automatically on close); ENOENT and
// EBADF are swallowed.
func (r *Reactor) Deregister(fd int) error {
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return fmt.Errorf("epoll_ctl(del, fd=%d): %w", fd, err)
	}
	return nil
}

// Poll blocks until at least one event is ready, timeout elapses, or
// an interrupting signal requires a retry, then appends ready events
// to dst and returns the extended slice. A negative timeout blocks
// indefinitely.
func (r *Reactor) Poll(dst []Event, timeout time.Duration) ([]Event, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}

	var n int
	var err error
	for {
		n, err = unix.EpollWait(r.epfd, r.raw[:], ms)
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err != nil {
		return dst, fmt.Errorf("epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		raw := r.raw[i]
		dst = append(dst, Event{
			Token:    Token(raw.Fd),
			Readable: raw.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			Writable: raw.Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			Error:    raw.Events&unix.EPOLLERR != 0,
			HangUp:   raw.Events&unix.EPOLLHUP != 0,
		})
	}
	return dst, nil
}

// Close releases the underlying epoll fd.
func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}
