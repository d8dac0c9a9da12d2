package nbd

import (
	"github.com/nbdkit/go-nbd/internal/transport"
)

// ioCursor is the explicit resume cursor spec §9 calls for in place of
// the source's single ad hoc "resume state": a state that needs more
// than one syscall to complete a read or write resets the cursor once
// and calls recvInto/sendFrom on every re-entry until it reports done.
type ioCursor struct {
	buf []byte
	off int
}

func (c *ioCursor) resetRecv(n int) {
	c.buf = make([]byte, n)
	c.off = 0
}

func (c *ioCursor) resetSend(buf []byte) {
	c.buf = buf
	c.off = 0
}

// resetRecvInto aims the cursor at a caller-owned buffer instead of
// allocating, used to stream reply payloads straight into the user's
// read buffer and to borrow pooled buffers for chunk payloads.
func (c *ioCursor) resetRecvInto(buf []byte) {
	c.buf = buf
	c.off = 0
}

func (c *ioCursor) done() bool { return c.buf != nil && c.off >= len(c.buf) }

// recvInto drains the transport into cur until it's full, yielding
// ErrWouldBlock translated into (DirRead, errYield) whenever the
// kernel isn't ready, per the handshake and transmission sub-machines'
// "resumable reads" requirement.
func (h *Handle) recvInto(cur *ioCursor) (transport.Direction, error) {
	for cur.off < len(cur.buf) {
		n, err := h.tr.Recv(cur.buf[cur.off:])
		if err == transport.ErrWouldBlock {
			return transport.DirRead, errYield
		}
		if err != nil {
			return 0, wrapError(CategoryTransport, "nbd_internal", ECONNREFUSED, err)
		}
		if n == 0 {
			return 0, newError(CategoryTransport, "nbd_internal", ENOTCONN, "peer closed connection")
		}
		cur.off += n
		h.stats.bytesReceived.Add(uint64(n))
	}
	return 0, nil
}

// sendFrom drains cur onto the transport, same yield convention as
// recvInto.
func (h *Handle) sendFrom(cur *ioCursor, moreHint bool) (transport.Direction, error) {
	for cur.off < len(cur.buf) {
		n, err := h.tr.Send(cur.buf[cur.off:], moreHint)
		if err == transport.ErrWouldBlock {
			return transport.DirWrite, errYield
		}
		if err != nil {
			return 0, wrapError(CategoryTransport, "nbd_internal", EPIPE, err)
		}
		cur.off += n
		h.stats.bytesSent.Add(uint64(n))
	}
	return 0, nil
}
