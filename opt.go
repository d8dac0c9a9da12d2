package nbd

import "github.com/nbdkit/go-nbd/internal/wire"

// Opt-mode option commands (spec §4.5). Only legal while the handle
// sits in NEGOTIATING, which requires connecting with OptMode=true.
// Each comes in a blocking form and an Aio form; the Aio form enqueues
// the option and lets the caller's event loop drive it, with completion
// signalled through the optional callback.

// ListCallback observes one export per OPT_LIST REP_SERVER reply.
type ListCallback func(name, description string)

// MetaContextCallback observes one meta-context name per
// REP_META_CONTEXT reply during OPT_LIST_META_CONTEXT or
// OPT_SET_META_CONTEXT.
type MetaContextCallback func(name string)

// beginOptLocked validates the state, installs the single-option
// bookkeeping, and moves the machine into the option sub-group.
func (h *Handle) beginOptLocked(ctxName string, opt uint32, phase hsPhase,
	listCB ListCallback, metaCB MetaContextCallback, done CompletionCallback) error {

	if h.state != StateNegotiating {
		return newError(CategoryConfiguration, ctxName, EINVAL,
			"option commands require opt-mode negotiation, handle state is %s", h.state)
	}

	h.curOpt = opt
	h.listCB = listCB
	h.metaCB = metaCB
	h.optDoneCB = done
	h.optPending = true
	h.hsOpt.reset()
	h.hsPhase = phase
	h.transitionTo(StateNegotiateOption)
	return nil
}

// driveOptLocked is the blocking half: run the machine until the
// option completes (back to NEGOTIATING, on to READY, or CLOSED).
// The option's own failure is delivered through optErr, separate from
// connection-fatal errors.
func (h *Handle) driveOptLocked() error {
	var optErr error
	h.optDoneCB = func(_ uint64, err error) { optErr = err }

	if err := h.driveUntil(GroupNegotiating, GroupReady, GroupClosed); err != nil {
		return err
	}
	return optErr
}

// OptGo requests the configured export with OPT_GO and, on success,
// moves the handle into the transmission phase.
func (h *Handle) OptGo() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.beginOptLocked("nbd_opt_go", wire.OptGo, hsPhaseGo, nil, nil, nil); err != nil {
		return h.setErr(err)
	}
	return h.setErr(h.driveOptLocked())
}

// OptInfo queries the configured export with OPT_INFO, populating
// size, flags, names, and block sizes without leaving negotiation.
func (h *Handle) OptInfo() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.beginOptLocked("nbd_opt_info", wire.OptInfo, hsPhaseGo, nil, nil, nil); err != nil {
		return h.setErr(err)
	}
	return h.setErr(h.driveOptLocked())
}

// OptAbort ends negotiation without selecting an export; the handle
// lands in CLOSED.
func (h *Handle) OptAbort() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.beginOptLocked("nbd_opt_abort", wire.OptAbort, hsPhaseAbort, nil, nil, nil); err != nil {
		return h.setErr(err)
	}
	return h.setErr(h.driveOptLocked())
}

// OptList enumerates the exports the server is willing to advertise,
// invoking cb once per export (SPEC_FULL §12).
func (h *Handle) OptList(cb ListCallback) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.beginOptLocked("nbd_opt_list", wire.OptList, hsPhaseList, cb, nil, nil); err != nil {
		return h.setErr(err)
	}
	return h.setErr(h.driveOptLocked())
}

// OptListMetaContext enumerates the meta contexts the server can serve
// for the configured export, filtered by the handle's configured
// queries, invoking cb once per context.
func (h *Handle) OptListMetaContext(cb MetaContextCallback) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.beginOptLocked("nbd_opt_list_meta_context", wire.OptListMetaContext, hsPhaseListMetaContext, nil, cb, nil); err != nil {
		return h.setErr(err)
	}
	return h.setErr(h.driveOptLocked())
}

// OptSetMetaContext selects the handle's configured meta contexts for
// the configured export, invoking cb once per context the server
// accepts; the accepted (name, id) pairs are also recorded on the
// handle for BLOCK_STATUS decoding.
func (h *Handle) OptSetMetaContext(cb MetaContextCallback) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.beginOptLocked("nbd_opt_set_meta_context", wire.OptSetMetaContext, hsPhaseSetMetaContext, nil, cb, nil); err != nil {
		return h.setErr(err)
	}
	return h.setErr(h.driveOptLocked())
}

// OptStructuredReply asks the server to enable structured replies.
func (h *Handle) OptStructuredReply() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.beginOptLocked("nbd_opt_structured_reply", wire.OptStructuredReply, hsPhaseStructuredReply, nil, nil, nil); err != nil {
		return h.setErr(err)
	}
	return h.setErr(h.driveOptLocked())
}

// OptStartTLS upgrades the connection to TLS. On success every fact
// negotiated before the upgrade is discarded (spec §8 invariant).
func (h *Handle) OptStartTLS() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.beginOptLocked("nbd_opt_starttls", wire.OptStartTLS, hsPhaseStartTLS, nil, nil, nil); err != nil {
		return h.setErr(err)
	}
	return h.setErr(h.driveOptLocked())
}

// AioOptGo is the event-loop form of OptGo.
func (h *Handle) AioOptGo(done CompletionCallback) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.setErr(h.beginOptLocked("nbd_aio_opt_go", wire.OptGo, hsPhaseGo, nil, nil, done))
}

// AioOptInfo is the event-loop form of OptInfo.
func (h *Handle) AioOptInfo(done CompletionCallback) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.setErr(h.beginOptLocked("nbd_aio_opt_info", wire.OptInfo, hsPhaseGo, nil, nil, done))
}

// AioOptAbort is the event-loop form of OptAbort.
func (h *Handle) AioOptAbort(done CompletionCallback) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.setErr(h.beginOptLocked("nbd_aio_opt_abort", wire.OptAbort, hsPhaseAbort, nil, nil, done))
}

// AioOptList is the event-loop form of OptList.
func (h *Handle) AioOptList(cb ListCallback, done CompletionCallback) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.setErr(h.beginOptLocked("nbd_aio_opt_list", wire.OptList, hsPhaseList, cb, nil, done))
}

// AioOptListMetaContext is the event-loop form of OptListMetaContext.
func (h *Handle) AioOptListMetaContext(cb MetaContextCallback, done CompletionCallback) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.setErr(h.beginOptLocked("nbd_aio_opt_list_meta_context", wire.OptListMetaContext, hsPhaseListMetaContext, nil, cb, done))
}

// AioOptSetMetaContext is the event-loop form of OptSetMetaContext.
func (h *Handle) AioOptSetMetaContext(cb MetaContextCallback, done CompletionCallback) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.setErr(h.beginOptLocked("nbd_aio_opt_set_meta_context", wire.OptSetMetaContext, hsPhaseSetMetaContext, nil, cb, done))
}

// AioOptStructuredReply is the event-loop form of OptStructuredReply.
func (h *Handle) AioOptStructuredReply(done CompletionCallback) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.setErr(h.beginOptLocked("nbd_aio_opt_structured_reply", wire.OptStructuredReply, hsPhaseStructuredReply, nil, nil, done))
}

// AioOptStartTLS is the event-loop form of OptStartTLS.
func (h *Handle) AioOptStartTLS(done CompletionCallback) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.setErr(h.beginOptLocked("nbd_aio_opt_starttls", wire.OptStartTLS, hsPhaseStartTLS, nil, nil, done))
}
