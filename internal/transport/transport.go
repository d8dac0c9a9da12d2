// Package transport provides the byte-stream abstraction the state
// machine drives: a non-blocking recv/send interface implemented once
// over a plain OS socket and once over a TLS session wrapping another
// Transport, so the state machine never has to know which one it has.
package transport

import "errors"

// ErrWouldBlock is returned by Recv/Send when the operation could not
// complete without blocking. It is not a failure; the state machine
// treats it as the normal yield signal (spec §4.3.6: "Ordinary
// WouldBlock is not an error").
var ErrWouldBlock = errors.New("transport: would block")

// ErrClosed reports a transport closed by the peer. Recv does not
// return it: both transports report an orderly shutdown (a zero-length
// read) as (0, nil), as the Recv contract below states.
var ErrClosed = errors.New("transport: closed by peer")

// Direction is a bitmask of the poll direction(s) a caller should wait
// on before re-entering the state machine.
type Direction int

const (
	DirNone  Direction = 0
	DirRead  Direction = 1 << 0
	DirWrite Direction = 1 << 1
	DirBoth            = DirRead | DirWrite
)

func (d Direction) String() string {
	switch d {
	case DirNone:
		return "none"
	case DirRead:
		return "read"
	case DirWrite:
		return "write"
	case DirBoth:
		return "both"
	default:
		return "invalid"
	}
}

// Transport is the interface shared by the plain socket transport and
// the TLS transport. All operations are non-blocking: short reads and
// short writes are both legal and expected.
type Transport interface {
	// Recv reads into buf, returning the number of bytes read. A
	// return of (0, nil) means the peer performed an orderly shutdown.
	// ErrWouldBlock means try again once the fd is readable.
	Recv(buf []byte) (int, error)

	// Send writes from buf, returning the number of bytes written.
	// moreHint indicates more data is coming immediately after (the
	// MSG_MORE-equivalent optimization); implementations may ignore it.
	// ErrWouldBlock means try again once the fd is writable.
	Send(buf []byte, moreHint bool) (int, error)

	// Pending reports whether the transport holds buffered plaintext
	// not yet surfaced by the OS fd (relevant only for TLS, where a
	// single TCP segment can contain more than one NBD frame).
	Pending() bool

	// PollFD returns the file descriptor suitable for readiness
	// polling via poll(2)/epoll.
	PollFD() int

	// ShutdownWrites half-closes the write side. For TLS this sends a
	// close-notify and may need to be retried on ErrWouldBlock.
	ShutdownWrites() error

	// Close releases the transport's resources.
	Close() error
}
