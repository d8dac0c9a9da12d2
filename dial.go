//go:build linux

package nbd

import (
	"context"
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/nbdkit/go-nbd/internal/humansize"
	"github.com/nbdkit/go-nbd/internal/logger"
	"github.com/nbdkit/go-nbd/internal/transport"
)

// dialCandidate is one address a CONNECT state may try. TCP connects
// resolve to several; Unix and VSOCK to exactly one.
type dialCandidate struct {
	family int
	addr   unix.Sockaddr
	label  string
}

// dialerState carries the asynchronous-connect progress across yields
// (spec §4.3.1 step 1): the candidate list in getaddrinfo order, the
// index being attempted, the socket fd of the in-progress connect, and
// the last error for the composed exhaustion message.
type dialerState struct {
	candidates []dialCandidate
	idx        int
	fd         int
	inProgress bool
	lastErr    error
}

func (d *dialerState) reset() {
	*d = dialerState{fd: -1}
}

// ConnectTCP connects to an NBD server at host:port over TCP and runs
// the handshake to READY (or NEGOTIATING under opt-mode). Name
// resolution tries each resolved address in order, rolling to the next
// candidate on any connect failure.
func (h *Handle) ConnectTCP(host, port string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkConnectable("nbd_connect_tcp"); err != nil {
		return h.setErr(err)
	}

	ips, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
	if err != nil {
		return h.setErr(wrapError(CategoryTransport, "nbd_connect_tcp", ECONNREFUSED, err))
	}
	portNum, err := net.DefaultResolver.LookupPort(context.Background(), "tcp", port)
	if err != nil {
		return h.setErr(wrapError(CategoryConfiguration, "nbd_connect_tcp", EINVAL, err))
	}

	h.tlsServerName = host
	h.dialer.reset()
	for _, ip := range ips {
		if v4 := ip.IP.To4(); v4 != nil {
			var sa unix.SockaddrInet4
			copy(sa.Addr[:], v4)
			sa.Port = portNum
			h.dialer.candidates = append(h.dialer.candidates, dialCandidate{
				family: unix.AF_INET, addr: &sa, label: ip.IP.String() + ":" + strconv.Itoa(portNum),
			})
		} else {
			var sa unix.SockaddrInet6
			copy(sa.Addr[:], ip.IP.To16())
			sa.Port = portNum
			h.dialer.candidates = append(h.dialer.candidates, dialCandidate{
				family: unix.AF_INET6, addr: &sa, label: "[" + ip.IP.String() + "]:" + strconv.Itoa(portNum),
			})
		}
	}

	h.transitionTo(StateConnecting)
	return h.setErr(h.driveHandshake())
}

// ConnectUnix connects to an NBD server listening on a Unix-domain
// socket at path.
func (h *Handle) ConnectUnix(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkConnectable("nbd_connect_unix"); err != nil {
		return h.setErr(err)
	}

	h.dialer.reset()
	h.dialer.candidates = []dialCandidate{{
		family: unix.AF_UNIX,
		addr:   &unix.SockaddrUnix{Name: path},
		label:  "unix:" + path,
	}}
	h.transitionTo(StateConnecting)
	return h.setErr(h.driveHandshake())
}

// ConnectVsock connects to an NBD server over AF_VSOCK at the given
// context id and port.
func (h *Handle) ConnectVsock(cid, port uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkConnectable("nbd_connect_vsock"); err != nil {
		return h.setErr(err)
	}

	h.dialer.reset()
	h.dialer.candidates = []dialCandidate{{
		family: unix.AF_VSOCK,
		addr:   &unix.SockaddrVM{CID: cid, Port: port},
		label:  "vsock:" + strconv.FormatUint(uint64(cid), 10) + ":" + strconv.FormatUint(uint64(port), 10),
	}}
	h.transitionTo(StateConnecting)
	return h.setErr(h.driveHandshake())
}

// ConnectFD adopts a caller-supplied, already-connected socket fd and
// runs the handshake over it. The fd is owned by the handle from here
// on (SPEC_FULL §12: the hook consumers use to hand the core a socket
// they obtained some other way).
func (h *Handle) ConnectFD(fd int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkConnectable("nbd_connect_socket"); err != nil {
		return h.setErr(err)
	}

	tr, err := transport.NewPlainFD(fd)
	if err != nil {
		return h.setErr(wrapError(CategoryTransport, "nbd_connect_socket", EINVAL, err))
	}
	h.adoptTransport(tr)
	return h.setErr(h.driveHandshake())
}

func (h *Handle) checkConnectable(ctxName string) error {
	if h.state != StateCreated {
		return newError(CategoryConfiguration, ctxName, EINVAL, "handle already connected (state %s)", h.state)
	}
	return nil
}

// adoptTransport installs tr and moves the machine to MAGIC, the first
// handshake state (spec §4.3.1 step 2).
func (h *Handle) adoptTransport(tr transport.Transport) {
	h.tr = tr
	h.hsOpt.reset()
	h.transitionTo(StateMagic)
}

// driveHandshake runs the blocking handshake loop and logs the
// negotiated outcome.
func (h *Handle) driveHandshake() error {
	start := nowMillis()
	end := h.tracer.handshakeSpan(h.ctx, h.cfg.ExportName)
	if err := h.driveUntil(GroupReady, GroupNegotiating); err != nil {
		end(err)
		return err
	}
	end(nil)
	h.metrics.handshakeDone(nowMillis() - start)
	if lc := logger.FromContext(h.ctx); lc != nil {
		lc.Export = h.neg.canonicalName
	}
	logger.InfoCtx(h.ctx, "connected",
		logger.Protocol(h.neg.protocol),
		logger.Count(h.neg.exportSize))
	if h.state == StateReady {
		logger.DebugCtx(h.ctx, "export ready: "+humansize.Format(h.neg.exportSize))
	}
	return nil
}

// stepConnecting drives the asynchronous connect: start a non-blocking
// connect to the current candidate, yield on EINPROGRESS, then check
// SO_ERROR once writable. Any failure rolls to the next candidate; the
// machine returns to CREATED with a composed error on exhaustion.
func (h *Handle) stepConnecting() (transport.Direction, error) {
	d := &h.dialer

	for {
		if d.idx >= len(d.candidates) {
			err := newError(CategoryTransport, "nbd_internal", ECONNREFUSED,
				"could not connect to any resolved address: %v", d.lastErr)
			h.transitionTo(StateCreated)
			return 0, err
		}
		cand := d.candidates[d.idx]

		if !d.inProgress {
			fd, err := unix.Socket(cand.family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
			if err != nil {
				d.lastErr = err
				d.idx++
				continue
			}
			d.fd = fd

			switch err := unix.Connect(fd, cand.addr); err {
			case nil:
				return h.connectFinished()
			case unix.EINPROGRESS:
				d.inProgress = true
				return transport.DirWrite, errYield
			default:
				d.lastErr = err
				_ = unix.Close(fd)
				d.fd = -1
				d.idx++
				continue
			}
		}

		// Re-entered after a notification. SO_ERROR is only meaningful
		// once the fd actually reports writable; a spurious wakeup
		// (common with notify-driven callers) must yield again rather
		// than read a premature zero.
		pfd := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLOUT}}
		nready, perr := unix.Poll(pfd, 0)
		if perr == nil && nready == 0 {
			return transport.DirWrite, errYield
		}

		soErr, err := unix.GetsockoptInt(d.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err == nil && soErr == 0 {
			return h.connectFinished()
		}
		if err == nil {
			err = unix.Errno(soErr)
		}
		logger.DebugCtx(h.ctx, "connect candidate failed: "+cand.label, logger.Err(err))
		d.lastErr = err
		_ = unix.Close(d.fd)
		d.fd = -1
		d.inProgress = false
		d.idx++
	}
}

func (h *Handle) connectFinished() (transport.Direction, error) {
	tr, err := transport.NewPlainFD(h.dialer.fd)
	if err != nil {
		_ = unix.Close(h.dialer.fd)
		h.dialer.reset()
		h.transitionTo(StateCreated)
		return 0, wrapError(CategoryTransport, "nbd_internal", EIO, err)
	}
	label := h.dialer.candidates[h.dialer.idx].label
	h.dialer.reset()
	logger.DebugCtx(h.ctx, "connected to "+label)
	h.adoptTransport(tr)
	return 0, nil
}
