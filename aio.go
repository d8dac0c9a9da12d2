package nbd

import (
	"time"

	"github.com/nbdkit/go-nbd/internal/transport"
)

// Event-loop integration (spec §4.5): callers that own a reactor poll
// the handle's fd in the direction AioGetDirection reports, then call
// AioNotifyRead/AioNotifyWrite to let the machine make progress.

// AioGetFD returns the fd the caller should poll for readiness.
func (h *Handle) AioGetFD() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tr == nil {
		return -1, h.setErr(newError(CategoryConfiguration, "nbd_aio_get_fd", EINVAL, "handle is not connected"))
	}
	return h.tr.PollFD(), nil
}

// AioGetDirection returns the direction bitmask the machine is
// currently waiting on.
func (h *Handle) AioGetDirection() transport.Direction {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.wantDirLocked()
}

func (h *Handle) wantDirLocked() transport.Direction {
	switch h.state {
	case StateConnecting:
		return transport.DirWrite
	case StateNegotiateOption:
		if h.hsOpt.sendCur.buf != nil && !h.hsOpt.sendDone {
			return transport.DirWrite
		}
		return transport.DirRead
	case StateIssuing:
		return transport.DirBoth
	case StateReady:
		if h.queues.peekToIssue() != nil {
			return transport.DirWrite
		}
		return transport.DirRead
	default:
		return transport.DirRead
	}
}

// AioNotifyRead tells the machine its fd became readable. It steps
// until the next yield or quiescent state.
func (h *Handle) AioNotifyRead() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.runMachine()
	if err != nil && err != errYield {
		return h.setErr(err)
	}
	return nil
}

// AioNotifyWrite tells the machine its fd became writable.
func (h *Handle) AioNotifyWrite() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.runMachine()
	if err != nil && err != errYield {
		return h.setErr(err)
	}
	return nil
}

// AioIsCreated reports the handle has not begun connecting.
func (h *Handle) AioIsCreated() bool { return h.group() == GroupCreated }

// AioIsConnecting reports the handle is mid-connect or mid-handshake.
func (h *Handle) AioIsConnecting() bool {
	g := h.group()
	return g == GroupConnect || g == GroupHandshake
}

// AioIsNegotiating reports the handle is idle in opt-mode negotiation.
func (h *Handle) AioIsNegotiating() bool { return h.group() == GroupNegotiating }

// AioIsReady reports the handle is idle in the transmission phase.
func (h *Handle) AioIsReady() bool { return h.group() == GroupReady }

// AioIsProcessing reports the handle is actively issuing or receiving.
func (h *Handle) AioIsProcessing() bool { return h.group() == GroupProcessing }

// AioIsDead reports the connection suffered an unrecoverable error.
func (h *Handle) AioIsDead() bool { return h.group() == GroupDead }

// AioIsClosed reports the connection has been closed.
func (h *Handle) AioIsClosed() bool { return h.group() == GroupClosed }

func (h *Handle) group() Group {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Group()
}

// AioInFlight returns the number of commands the handle is responsible
// for: queued plus on the wire (spec §8 invariant).
func (h *Handle) AioInFlight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.queues.inFlightCount()
}

// Poll waits up to timeout for the handle's fd to become ready in the
// machine's current direction and then steps the machine. timeout < 0
// waits forever.
func (h *Handle) Poll(timeout time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.tr == nil {
		return h.setErr(newError(CategoryConfiguration, "nbd_poll", EINVAL, "handle is not connected"))
	}
	if err := pollFD(h.tr.PollFD(), h.wantDirLocked(), timeout); err != nil {
		return h.setErr(wrapError(CategoryTransport, "nbd_poll", EIO, err))
	}
	_, err := h.runMachine()
	if err != nil && err != errYield {
		return h.setErr(err)
	}
	return nil
}

// Poll2 is Poll with a second, caller-owned fd in the poll set: the
// machine steps if its own fd became ready, and the call also returns
// (without error) when only the extra fd is ready, letting callers
// multiplex one extra event source without a full reactor.
func (h *Handle) Poll2(extraFD int, timeout time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.tr == nil {
		return h.setErr(newError(CategoryConfiguration, "nbd_poll2", EINVAL, "handle is not connected"))
	}
	ready, err := pollFD2(h.tr.PollFD(), extraFD, h.wantDirLocked(), timeout)
	if err != nil {
		return h.setErr(wrapError(CategoryTransport, "nbd_poll2", EIO, err))
	}
	if ready {
		if _, err := h.runMachine(); err != nil && err != errYield {
			return h.setErr(err)
		}
	}
	return nil
}
