//go:build linux

package nbd

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/nbdkit/go-nbd/internal/transport"
)

// pollFD blocks until fd is ready in the requested direction, using
// ordinary poll(2) with a single entry (spec §9: "internally the
// library uses ordinary poll with a 2-entry array"; the second,
// optional entry is the caller-supplied extra fd handled by poll2,
// see Handle.Poll2).
func pollFD(fd int, dir transport.Direction, timeout time.Duration) error {
	var events int16
	if dir&transport.DirRead != 0 {
		events |= unix.POLLIN
	}
	if dir&transport.DirWrite != 0 {
		events |= unix.POLLOUT
	}
	if events == 0 {
		events = unix.POLLIN
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err == nil && n > 0 && fds[0].Revents&unix.POLLNVAL != 0 {
			return unix.EINVAL
		}
		return err
	}
}

// pollFD2 is the 2-entry variant backing Handle.Poll2: the handle's fd
// plus one caller-supplied extra fd (polled for readability). It
// reports whether the handle's own fd became ready.
func pollFD2(fd, extraFD int, dir transport.Direction, timeout time.Duration) (bool, error) {
	var events int16
	if dir&transport.DirRead != 0 {
		events |= unix.POLLIN
	}
	if dir&transport.DirWrite != 0 {
		events |= unix.POLLOUT
	}
	if events == 0 {
		events = unix.POLLIN
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}

	fds := []unix.PollFd{
		{Fd: int32(fd), Events: events},
		{Fd: int32(extraFD), Events: unix.POLLIN},
	}
	for {
		_, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		return fds[0].Revents != 0, nil
	}
}
