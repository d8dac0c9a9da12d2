//go:build linux

package nbd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/nbdkit/go-nbd/internal/logger"
	"github.com/nbdkit/go-nbd/internal/transport"
)

// subprocState tracks the spawned NBD server child (spec §3
// "subprocess state"): its pid for reaping on Close, and the temporary
// socket directory used by systemd socket activation.
type subprocState struct {
	pid      int
	tmpDir   string
	sockPath string
}

// ConnectCommand spawns argv as a child NBD server speaking the
// protocol on its stdin/stdout, connected to the handle through a
// socketpair. This is how callers run e.g. "nbdkit -s" or
// "qemu-nbd ..." without a listening socket.
//
// Go's exec layer performs the fork half over a raw vfork/exec path
// with no allocation between them, which is what the C library's
// hand-rolled async-signal-safe helpers exist to guarantee; here the
// runtime provides that property and the parent-side preparation
// (argv, env, fd table) all happens before the fork.
func (h *Handle) ConnectCommand(argv []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkConnectable("nbd_connect_command"); err != nil {
		return h.setErr(err)
	}
	if len(argv) == 0 {
		return h.setErr(newError(CategoryConfiguration, "nbd_connect_command", EINVAL, "empty command"))
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return h.setErr(wrapError(CategoryTransport, "nbd_connect_command", EIO, err))
	}

	childEnd := os.NewFile(uintptr(fds[1]), "nbd-child-socket")
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = childEnd
	cmd.Stdout = childEnd
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		childEnd.Close()
		_ = unix.Close(fds[0])
		return h.setErr(wrapError(CategoryTransport, "nbd_connect_command", EIO, err))
	}
	childEnd.Close()
	h.subproc.pid = cmd.Process.Pid
	go func() { _ = cmd.Wait() }()

	logger.DebugCtx(h.ctx, "spawned server subprocess: "+argv[0])

	tr, err := transport.NewPlainFD(fds[0])
	if err != nil {
		_ = unix.Close(fds[0])
		return h.setErr(wrapError(CategoryTransport, "nbd_connect_command", EIO, err))
	}
	h.adoptTransport(tr)
	return h.setErr(h.driveHandshake())
}

// ConnectSystemdSocketActivation spawns argv with a pre-bound Unix
// listening socket passed as fd 3 using the systemd socket-activation
// protocol: LISTEN_FDS=1 and LISTEN_PID set to the child's own pid.
//
// LISTEN_PID must equal the pid of the process that receives the fd,
// which is unknowable before the fork; the child is therefore started
// through a tiny shell trampoline that substitutes its own pid and
// execs the real server, replacing itself so the pid stays correct.
func (h *Handle) ConnectSystemdSocketActivation(argv []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkConnectable("nbd_connect_systemd_socket_activation"); err != nil {
		return h.setErr(err)
	}
	if len(argv) == 0 {
		return h.setErr(newError(CategoryConfiguration, "nbd_connect_systemd_socket_activation", EINVAL, "empty command"))
	}

	tmpDir, err := os.MkdirTemp("", "nbd-sa-")
	if err != nil {
		return h.setErr(wrapError(CategoryResource, "nbd_connect_systemd_socket_activation", ENOMEM, err))
	}
	sockPath := filepath.Join(tmpDir, "sock")

	lfd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		os.RemoveAll(tmpDir)
		return h.setErr(wrapError(CategoryTransport, "nbd_connect_systemd_socket_activation", EIO, err))
	}
	if err := unix.Bind(lfd, &unix.SockaddrUnix{Name: sockPath}); err != nil {
		_ = unix.Close(lfd)
		os.RemoveAll(tmpDir)
		return h.setErr(wrapError(CategoryTransport, "nbd_connect_systemd_socket_activation", EIO, err))
	}
	if err := unix.Listen(lfd, 1); err != nil {
		_ = unix.Close(lfd)
		os.RemoveAll(tmpDir)
		return h.setErr(wrapError(CategoryTransport, "nbd_connect_systemd_socket_activation", EIO, err))
	}

	// The trampoline: $$ is the shell's pid, and exec replaces the
	// shell with the server, so LISTEN_PID names the right process.
	script := `export LISTEN_PID=$$; exec "$@"`
	args := append([]string{"-c", script, "sh"}, argv...)
	cmd := exec.Command("/bin/sh", args...)
	cmd.Env = append(os.Environ(), "LISTEN_FDS=1", "LISTEN_FDNAMES=nbd")
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{os.NewFile(uintptr(lfd), "nbd-listen")} // becomes fd 3

	if err := cmd.Start(); err != nil {
		_ = unix.Close(lfd)
		os.RemoveAll(tmpDir)
		return h.setErr(wrapError(CategoryTransport, "nbd_connect_systemd_socket_activation", EIO, err))
	}
	_ = unix.Close(lfd)
	h.subproc.pid = cmd.Process.Pid
	h.subproc.tmpDir = tmpDir
	h.subproc.sockPath = sockPath
	go func() { _ = cmd.Wait() }()

	logger.DebugCtx(h.ctx, fmt.Sprintf("spawned socket-activated server %s (pid %d)", argv[0], cmd.Process.Pid))

	h.dialer.reset()
	h.dialer.candidates = []dialCandidate{{
		family: unix.AF_UNIX,
		addr:   &unix.SockaddrUnix{Name: sockPath},
		label:  "unix:" + sockPath,
	}}
	h.transitionTo(StateConnecting)
	return h.setErr(h.driveHandshake())
}

// reapSubprocess cleans up after a spawned server once the handle
// closes: kill it if still running and remove the activation tempdir.
func (h *Handle) reapSubprocess() {
	if h.subproc.pid != 0 {
		_ = unix.Kill(h.subproc.pid, unix.SIGTERM)
		h.subproc.pid = 0
	}
	if h.subproc.tmpDir != "" {
		os.RemoveAll(h.subproc.tmpDir)
		h.subproc.tmpDir = ""
	}
}
