package nbd

import (
	"github.com/nbdkit/go-nbd/internal/transport"
)

// step executes the current state's one bounded piece of work and
// returns. A return of errYield means the machine is waiting for the
// transport and the Direction tells the caller which readiness to wait
// for (spec §4.3 "each state is pure ... sets the next state, and
// yields"). Any other non-nil error is fatal: step transitions the
// handle to DEAD before returning it.
//
// Callers hold h.mu.
func (h *Handle) step() (transport.Direction, error) {
	dir, err := h.stepOnce()
	if err != nil && err != errYield {
		if h.state == StateCreated {
			// Connect exhaustion rolls the machine back to CREATED
			// rather than DEAD: the handle is still reusable.
			return dir, err
		}
		return dir, h.fail(err)
	}
	return dir, err
}

func (h *Handle) stepOnce() (transport.Direction, error) {
	switch h.state {
	case StateCreated:
		return 0, newError(CategoryConfiguration, "nbd_internal", EINVAL, "handle is not connected")
	case StateConnecting:
		return h.stepConnecting()
	case StateMagic:
		return h.stepMagic()
	case StateOldStyle:
		return h.stepOldStyle()
	case StateNegotiateOption:
		return h.stepNegotiateOption()
	case StateNegotiating:
		// Idle under opt-mode: nothing to do until an opt_* call moves
		// the machine back into StateNegotiateOption.
		return transport.DirRead, errYield
	case StateReady:
		return h.stepReady()
	case StateIssuing:
		return h.stepIssuing()
	case StateReceiving:
		return h.stepReceiving()
	case StateDead:
		return 0, h.deadCause
	case StateClosed:
		return 0, newError(CategoryTransport, "nbd_internal", ENOTCONN, "handle is closed")
	default:
		return 0, newError(CategoryConfiguration, "nbd_internal", EINVAL, "unknown state %d", h.state)
	}
}

// runMachine steps the machine repeatedly until it yields or reaches a
// quiescent state. It is the work-horse behind aio_notify_read /
// aio_notify_write: one readiness notification can unlock several
// back-to-back transitions (finish a header read, start the body read,
// retire a command) before the next genuine wait.
func (h *Handle) runMachine() (transport.Direction, error) {
	for {
		if h.state == StateDead {
			return 0, h.deadCause
		}
		if h.state == StateClosed || h.state == StateNegotiating {
			return transport.DirRead, nil
		}

		dir, err := h.step()
		if err == errYield {
			return dir, nil
		}
		if err != nil {
			return dir, err
		}
	}
}
