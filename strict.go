package nbd

import "github.com/nbdkit/go-nbd/internal/wire"

// allowedFlags maps each opcode to the command flags that make sense
// for it; anything else trips the FLAGS strict check.
func allowedFlags(op Op) CmdFlag {
	switch op {
	case OpRead:
		return CmdDF
	case OpWrite:
		return CmdFUA
	case OpTrim:
		return CmdFUA
	case OpWriteZeroes:
		return CmdFUA | CmdNoHole | CmdFastZero
	case OpBlockStatus:
		return CmdReqOne
	case OpFlush, OpCache, OpDisc:
		return 0
	default:
		return 0
	}
}

// validateCommand runs the client-side strict-mode checks of spec
// §4.3.5 for a command about to be enqueued. ctxName is the public API
// function name ("nbd_pread", ...) used as the error context so a
// rejection's message carries the right prefix. A failed check returns
// without anything having touched the wire.
func (h *Handle) validateCommand(ctxName string, op Op, offset, count uint64, flags CmdFlag) error {
	strict := h.cfg.Strict

	if h.discRequested {
		return newError(CategoryConfiguration, ctxName, EINVAL, "cannot request more commands after NBD_CMD_DISC")
	}
	if g := h.state.Group(); g != GroupReady && g != GroupProcessing {
		return newError(CategoryConfiguration, ctxName, EINVAL, "handle is not in the transmission phase (state %s)", h.state)
	}

	if strict&StrictZeroSize != 0 && count == 0 && op != OpFlush && op != OpDisc {
		return newError(CategoryConfiguration, ctxName, EINVAL, "zero-size request")
	}
	if strict&StrictOneSize != 0 && count > 0xFFFFFFFF {
		return newError(CategoryResource, ctxName, ERANGE, "request too large: %d bytes", count)
	}
	if strict&StrictBounds != 0 && offset+count > h.neg.exportSize {
		return newError(CategoryConfiguration, ctxName, EINVAL,
			"request out of bounds: offset %d + count %d > export size %d", offset, count, h.neg.exportSize)
	}
	if strict&StrictAlign != 0 && h.neg.blockMin > 1 {
		min := uint64(h.neg.blockMin)
		if offset%min != 0 || count%min != 0 {
			return newError(CategoryConfiguration, ctxName, EINVAL,
				"request unaligned to minimum block size %d", min)
		}
	}
	if strict&StrictFlags != 0 && flags&^allowedFlags(op) != 0 {
		return newError(CategoryConfiguration, ctxName, EINVAL, "invalid flags %#x for %s", uint32(flags), op)
	}
	if strict&StrictCommands != 0 {
		if err := h.checkServerSupports(ctxName, op, flags); err != nil {
			return err
		}
	}
	if strict&StrictPayload != 0 && op == OpWrite && count > uint64(h.neg.payloadMax) {
		return newError(CategoryResource, ctxName, ERANGE,
			"write payload %d exceeds maximum %d", count, h.neg.payloadMax)
	}
	if strict&StrictAutoFlagQueries != 0 {
		if h.neg.readOnly && (op == OpWrite || op == OpTrim || op == OpWriteZeroes) {
			return newError(CategoryConfiguration, ctxName, EPERM, "server is read-only")
		}
	}

	return nil
}

// checkServerSupports is the COMMANDS strict bit: reject locally what
// the server never advertised rather than round-tripping a guaranteed
// failure.
func (h *Handle) checkServerSupports(ctxName string, op Op, flags CmdFlag) error {
	f := h.neg.exportFlags

	unsupported := func(what string) error {
		return newError(CategoryConfiguration, ctxName, ENOTSUP, "server does not support %s", what)
	}

	switch op {
	case OpFlush:
		if f&wire.FlagSendFlush == 0 {
			return unsupported("flush")
		}
	case OpTrim:
		if f&wire.FlagSendTrim == 0 {
			return unsupported("trim")
		}
	case OpWriteZeroes:
		if f&wire.FlagSendWriteZeroes == 0 {
			return unsupported("write zeroes")
		}
	case OpCache:
		if f&wire.FlagSendCache == 0 {
			return unsupported("cache")
		}
	case OpBlockStatus:
		if !h.neg.metaValid || len(h.neg.metaContexts) == 0 {
			return unsupported("block status (no meta contexts negotiated)")
		}
	}

	if flags&CmdFUA != 0 && f&wire.FlagSendFUA == 0 {
		return unsupported("FUA")
	}
	if flags&CmdDF != 0 && f&wire.FlagSendDF == 0 {
		return unsupported("DF")
	}
	if flags&CmdFastZero != 0 && f&wire.FlagSendFastZero == 0 {
		return unsupported("fast zero")
	}

	return nil
}
