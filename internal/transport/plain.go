package transport

import (
	"errors"
	"net"
	"os"
	"syscall"
)

// Plain wraps a non-blocking net.Conn (TCP, Unix, or VSOCK) and
// exposes it through the Transport interface. It never itself decides
// to block: every Recv/Send attempts exactly one syscall and reports
// ErrWouldBlock if the kernel isn't ready, letting the caller's poll
// loop (or the state machine's blocking wrapper) decide when to retry.
type Plain struct {
	conn net.Conn
	raw  syscall.RawConn
	fd   int
}

// NewPlainFD adopts an already-connected socket by raw file
// descriptor: the path used by the non-blocking connect drivers, the
// caller-supplied pre-connected fd, and the subprocess socketpair. The
// fd is put into non-blocking mode and owned by the transport from
// here on.
func NewPlainFD(fd int) (*Plain, error) {
	if err := syscall.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	return &Plain{fd: fd}, nil
}

// NewPlain adopts conn, which must support SyscallConn (true of
// *net.TCPConn, *net.UnixConn, and the vsock conn type built on them).
func NewPlain(conn net.Conn) (*Plain, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, errors.New("transport: connection does not support SyscallConn")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, err
	}

	p := &Plain{conn: conn, raw: raw}
	if err := raw.Control(func(fd uintptr) { p.fd = int(fd) }); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Plain) Recv(buf []byte) (int, error) {
	var n int
	var opErr error
	if p.raw == nil {
		n, opErr = syscall.Read(p.fd, buf)
	} else {
		ctrlErr := p.raw.Read(func(fd uintptr) bool {
			n, opErr = syscall.Read(int(fd), buf)
			return true // one attempt only; never let the runtime netpoller block here
		})
		if ctrlErr != nil {
			return 0, ctrlErr
		}
	}
	if opErr != nil {
		if errors.Is(opErr, syscall.EAGAIN) || errors.Is(opErr, syscall.EWOULDBLOCK) {
			return 0, ErrWouldBlock
		}
		return 0, opErr
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

func (p *Plain) Send(buf []byte, moreHint bool) (int, error) {
	flags := 0
	if moreHint {
		flags = msgMoreFlag()
	}

	var n int
	var opErr error
	if p.raw == nil {
		if flags != 0 {
			n, opErr = syscall.SendmsgN(p.fd, buf, nil, nil, flags)
		} else {
			n, opErr = syscall.Write(p.fd, buf)
		}
	} else {
		ctrlErr := p.raw.Write(func(fd uintptr) bool {
			if flags != 0 {
				n, opErr = syscall.SendmsgN(int(fd), buf, nil, nil, flags)
			} else {
				n, opErr = syscall.Write(int(fd), buf)
			}
			return true
		})
		if ctrlErr != nil {
			return 0, ctrlErr
		}
	}
	if opErr != nil {
		if errors.Is(opErr, syscall.EAGAIN) || errors.Is(opErr, syscall.EWOULDBLOCK) {
			return 0, ErrWouldBlock
		}
		return 0, opErr
	}
	return n, nil
}

// Pending is always false for the plain transport: the kernel socket
// buffer is the only buffering involved, and readiness polling
// already reflects it accurately.
func (p *Plain) Pending() bool { return false }

func (p *Plain) PollFD() int { return p.fd }

func (p *Plain) ShutdownWrites() error {
	if p.conn == nil {
		return syscall.Shutdown(p.fd, syscall.SHUT_WR)
	}
	switch c := p.conn.(type) {
	case interface{ CloseWrite() error }:
		if err := c.CloseWrite(); err != nil {
			return err
		}
		return nil
	default:
		return p.conn.Close()
	}
}

func (p *Plain) Close() error {
	if p.conn == nil {
		return syscall.Close(p.fd)
	}
	return p.conn.Close()
}

// Conn exposes the underlying net.Conn, used by the TLS transport to
// perform the handshake and by the state machine's CONNECT states to
// inspect the remote address for logging.
func (p *Plain) Conn() net.Conn { return p.conn }

// EnsureConn materializes a net.Conn for a raw-fd transport.
// crypto/tls needs deadline semantics only net.Conn provides, so the
// STARTTLS upgrade calls this before wrapping. net.FileConn duplicates
// the fd; the original is closed and the duplicate takes over.
func (p *Plain) EnsureConn() error {
	if p.conn != nil {
		return nil
	}
	f := os.NewFile(uintptr(p.fd), "nbd-socket")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return err
	}
	np, err := NewPlain(conn)
	if err != nil {
		conn.Close()
		return err
	}
	*p = *np
	return nil
}
